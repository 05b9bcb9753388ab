package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Load_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "dev")

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.IsDev())
	require.False(t, cfg.IsProd())
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, 800, cfg.WorkerIntervalMSDefault)
	require.Equal(t, 50, cfg.MaxConcurrentCalls)
	require.Equal(t, 2, cfg.MaxConcurrentPerServer)
	require.Equal(t, 15*time.Second, cfg.LockTTL())
	require.Equal(t, 3*time.Second, cfg.HeartbeatSlack())
	require.Equal(t, 2*time.Minute, cfg.OtpTimeout())
	require.Equal(t, time.Second, cfg.StatusPollDelay())
	require.False(t, cfg.AuditEnabled())
}

func Test_Load_KafkaBrokers(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "localhost:19092,localhost:29092")

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.AuditEnabled())
	require.Len(t, cfg.KafkaBrokers, 2)
}

func Test_Load_RejectsOutOfRange(t *testing.T) {
	t.Setenv("ORCH_WORKER_INTERVAL_MS_DEFAULT", "50")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("ORCH_WORKER_INTERVAL_MS_DEFAULT", "800")
	t.Setenv("ORCH_MAX_RETRY_STATUS_DEFAULT", "11")
	_, err = Load()
	require.Error(t, err)

	t.Setenv("ORCH_MAX_RETRY_STATUS_DEFAULT", "2")
	t.Setenv("PROVIDER_MODE", "mock")
	_, err = Load()
	require.Error(t, err)
}
