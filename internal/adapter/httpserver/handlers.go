package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/fairyhunter13/voucher-orchestrator/internal/config"
	"github.com/fairyhunter13/voucher-orchestrator/internal/domain"
	"github.com/fairyhunter13/voucher-orchestrator/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Control    usecase.ControlService
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, control usecase.ControlService, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Control: control, DBCheck: dbCheck, RedisCheck: redisCheck}
}

type startRequest struct {
	BindingIDs        []string `json:"binding_ids" validate:"required,min=1,dive,required"`
	ProductID         string   `json:"product_id" validate:"required"`
	Email             string   `json:"email" validate:"required,email"`
	LimitHarga        int64    `json:"limit_harga" validate:"required,gt=0"`
	IntervalMS        *int     `json:"interval_ms" validate:"omitempty,gte=100,lte=10000"`
	MaxRetryStatus    *int     `json:"max_retry_status" validate:"omitempty,gte=0,lte=10"`
	CooldownOnErrorMS *int     `json:"cooldown_on_error_ms" validate:"omitempty,gte=0,lte=30000"`
}

// workerConfig fills omitted loop knobs from the process defaults.
func (req startRequest) workerConfig(cfg config.Config) domain.WorkerConfig {
	wc := domain.WorkerConfig{
		IntervalMS:        cfg.WorkerIntervalMSDefault,
		MaxRetryStatus:    cfg.MaxRetryStatusDefault,
		CooldownOnErrorMS: cfg.CooldownOnErrorMSDefault,
		ProductID:         req.ProductID,
		Email:             req.Email,
		LimitHarga:        req.LimitHarga,
	}
	if req.IntervalMS != nil {
		wc.IntervalMS = *req.IntervalMS
	}
	if req.MaxRetryStatus != nil {
		wc.MaxRetryStatus = *req.MaxRetryStatus
	}
	if req.CooldownOnErrorMS != nil {
		wc.CooldownOnErrorMS = *req.CooldownOnErrorMS
	}
	return wc
}

type bindingsRequest struct {
	BindingIDs []string `json:"binding_ids" validate:"required,min=1,dive,required"`
	Reason     string   `json:"reason" validate:"omitempty,max=200"`
}

type otpRequest struct {
	BindingID string `json:"binding_id" validate:"required"`
	OTP       string `json:"otp" validate:"required,numeric,min=4,max=8"`
}

// StartHandler provisions worker config and requests workers for bindings.
// Results are per binding; an unknown binding fails its item, not the call.
func (s *Server) StartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !negotiateJSON(w, r) {
			return
		}
		var req startRequest
		if details, err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, details)
			return
		}
		results := s.Control.Start(r.Context(), req.BindingIDs, req.workerConfig(s.Cfg))
		LoggerFrom(r).Info("start requested",
			slog.Int("bindings", len(req.BindingIDs)),
			slog.String("product_id", req.ProductID),
		)
		writeJSON(w, http.StatusOK, map[string]any{"action": "start", "items": results})
	}
}

// PauseHandler suspends running workers at their next loop boundary.
func (s *Server) PauseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !negotiateJSON(w, r) {
			return
		}
		var req bindingsRequest
		if details, err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, details)
			return
		}
		results := s.Control.Pause(r.Context(), req.BindingIDs, req.Reason)
		writeJSON(w, http.StatusOK, map[string]any{"action": "pause", "items": results})
	}
}

// ResumeHandler moves paused workers back to running.
func (s *Server) ResumeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !negotiateJSON(w, r) {
			return
		}
		var req bindingsRequest
		if details, err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, details)
			return
		}
		results := s.Control.Resume(r.Context(), req.BindingIDs)
		writeJSON(w, http.StatusOK, map[string]any{"action": "resume", "items": results})
	}
}

// StopHandler requests a cooperative stop for the given bindings.
func (s *Server) StopHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !negotiateJSON(w, r) {
			return
		}
		var req bindingsRequest
		if details, err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, details)
			return
		}
		results := s.Control.Stop(r.Context(), req.BindingIDs, req.Reason)
		LoggerFrom(r).Info("stop requested", slog.Int("bindings", len(req.BindingIDs)))
		writeJSON(w, http.StatusOK, map[string]any{"action": "stop", "items": results})
	}
}

// StatusHandler reads the registry state for the given bindings.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !negotiateJSON(w, r) {
			return
		}
		var req bindingsRequest
		if details, err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, details)
			return
		}
		items := s.Control.Status(r.Context(), req.BindingIDs)
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}

// MonitorHandler returns the whole-fleet view: every binding's state, lock,
// and heartbeat from one registry snapshot.
func (s *Server) MonitorHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.Control.Monitor(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// OTPHandler offers an OTP code to a binding's mailbox. A second unconsumed
// offer returns 409; the first waiting worker wins the code.
func (s *Server) OTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !negotiateJSON(w, r) {
			return
		}
		var req otpRequest
		if details, err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, details)
			return
		}
		if err := s.Control.SubmitOTP(r.Context(), req.BindingID, req.OTP); err != nil {
			writeError(w, r, err, map[string]string{"binding_id": req.BindingID})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "binding_id": req.BindingID})
	}
}

// ReadyzHandler probes Postgres and Redis.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
