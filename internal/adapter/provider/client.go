// Package provider implements the HTTP client for the upstream voucher API.
//
// Every operation is a GET with query parameters against the binding's
// server and returns the provider's envelope:
//
//	{"res": {"data": {"trx_id", "t_id", "is_success", "voucher"},
//	         "balance", "status", "status_msg", "message"}}
//
// Transport failures and 5xx are retried with exponential backoff up to the
// server's retry budget; 4xx is terminal. Concurrency is bounded by a global
// cap and a per-server cap.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/voucher-orchestrator/internal/config"
	"github.com/fairyhunter13/voucher-orchestrator/internal/domain"
	"github.com/fairyhunter13/voucher-orchestrator/pkg/redact"
)

// Client calls the upstream voucher endpoints of a binding's server.
type Client struct {
	cfg       config.Config
	hc        *http.Client
	globalSem chan struct{}

	mu        sync.Mutex
	serverSem map[string]chan struct{}
}

// New constructs a Client with tracing transport and concurrency caps from cfg.
func New(cfg config.Config) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Provider %s %s", r.Method, r.URL.Path)
		}),
	)
	return &Client{
		cfg:       cfg,
		hc:        &http.Client{Transport: transport},
		globalSem: make(chan struct{}, cfg.MaxConcurrentCalls),
		serverSem: map[string]chan struct{}{},
	}
}

func (c *Client) semFor(baseURL string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.serverSem[baseURL]
	if !ok {
		sem = make(chan struct{}, c.cfg.MaxConcurrentPerServer)
		c.serverSem[baseURL] = sem
	}
	return sem
}

// acquire takes the global slot first, then the per-server slot. Both waits
// are abandoned when ctx is done.
func (c *Client) acquire(ctx domain.Context, baseURL string) (func(), error) {
	select {
	case c.globalSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	sem := c.semFor(baseURL)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		<-c.globalSem
		return nil, ctx.Err()
	}
	return func() {
		<-sem
		<-c.globalSem
	}, nil
}

// get performs one provider GET with retries. endpoint is the metrics label,
// path the URL path.
func (c *Client) get(ctx domain.Context, b domain.Binding, endpoint, path string, params url.Values) ([]byte, error) {
	release, err := c.acquire(ctx, b.Server.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("op=provider.%s: %w", endpoint, err)
	}
	defer release()

	timeout := c.cfg.ProviderTimeout()
	if b.Server.TimeoutMS > 0 {
		timeout = time.Duration(b.Server.TimeoutMS) * time.Millisecond
	}
	retries := c.cfg.ProviderMaxRetries
	if b.Server.Retries > 0 {
		retries = b.Server.Retries
	}
	wait := c.cfg.ProviderBackoffInitial()
	if b.Server.WaitBetweenRetriesMS > 0 {
		wait = time.Duration(b.Server.WaitBetweenRetriesMS) * time.Millisecond
	}

	u := strings.TrimRight(b.Server.BaseURL, "/") + path + "?" + params.Encode()

	var body []byte
	op := func() error {
		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			observability.ObserveProviderRequest(endpoint, "transport_error", time.Since(start).Seconds())
			slog.Warn("provider transport error",
				slog.String("endpoint", endpoint),
				slog.String("msisdn", redact.MSISDN(b.MSISDN)),
				slog.Any("error", err))
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			observability.ObserveProviderRequest(endpoint, "transport_error", time.Since(start).Seconds())
			return err
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			observability.ObserveProviderRequest(endpoint, "rate_limited", time.Since(start).Seconds())
			slog.Warn("provider rate limited",
				slog.String("endpoint", endpoint),
				slog.String("msisdn", redact.MSISDN(b.MSISDN)))
			return fmt.Errorf("%w: status 429", domain.ErrRateLimited)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			observability.ObserveProviderRequest(endpoint, "client_error", time.Since(start).Seconds())
			snippet := string(raw)
			if len(snippet) > 512 {
				snippet = snippet[:512]
			}
			slog.Warn("provider 4xx",
				slog.String("endpoint", endpoint),
				slog.Int("status", resp.StatusCode),
				slog.String("msisdn", redact.MSISDN(b.MSISDN)),
				slog.String("body", snippet))
			return backoff.Permanent(fmt.Errorf("%w: status %d", domain.ErrProviderResponse, resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			observability.ObserveProviderRequest(endpoint, "server_error", time.Since(start).Seconds())
			slog.Warn("provider non-2xx",
				slog.String("endpoint", endpoint),
				slog.Int("status", resp.StatusCode),
				slog.String("msisdn", redact.MSISDN(b.MSISDN)))
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		observability.ObserveProviderRequest(endpoint, "ok", time.Since(start).Seconds())
		body = raw
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = wait
	expo.MaxElapsedTime = 0 // bounded by the retry count and ctx
	bo := backoff.WithMaxRetries(backoff.WithContext(expo, ctx), uint64(retries))
	if err := backoff.Retry(op, bo); err != nil {
		if errors.Is(err, domain.ErrProviderResponse) || errors.Is(err, domain.ErrRateLimited) {
			return nil, fmt.Errorf("op=provider.%s: %w", endpoint, err)
		}
		return nil, fmt.Errorf("op=provider.%s: %w: %v", endpoint, domain.ErrProviderTransport, err)
	}
	return body, nil
}

// envelope mirrors the provider's response shape. Numeric fields arrive as
// numbers or strings depending on the upstream, hence the any types.
type envelope struct {
	Res struct {
		Data struct {
			TrxID     any    `json:"trx_id"`
			TID       any    `json:"t_id"`
			IsSuccess any    `json:"is_success"`
			Voucher   string `json:"voucher"`
		} `json:"data"`
		Balance   any    `json:"balance"`
		Status    any    `json:"status"`
		StatusMsg string `json:"status_msg"`
		Message   any    `json:"message"`
	} `json:"res"`
}

func parseEnvelope(raw []byte, endpoint string) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("op=provider.%s: decode: %w", endpoint, domain.ErrProviderResponse)
	}
	return env, nil
}

// GetBalance fetches the binding's pulsa balance.
func (c *Client) GetBalance(ctx domain.Context, b domain.Binding) (int64, error) {
	raw, err := c.get(ctx, b, "balance_pulsa", "/balance_pulsa", url.Values{"username": {b.MSISDN}})
	if err != nil {
		return 0, err
	}
	env, err := parseEnvelope(raw, "balance_pulsa")
	if err != nil {
		return 0, err
	}
	bal, ok := asInt64(env.Res.Balance)
	if !ok {
		return 0, fmt.Errorf("op=provider.balance_pulsa: balance missing: %w", domain.ErrProviderResponse)
	}
	return bal, nil
}

// StartTransaction initiates a voucher purchase and returns the provider's
// transaction identifiers.
func (c *Client) StartTransaction(ctx domain.Context, b domain.Binding, productID, email string, limitHarga int64) (domain.StartResult, error) {
	params := url.Values{
		"username":    {b.MSISDN},
		"product_id":  {productID},
		"email":       {email},
		"limit_harga": {strconv.FormatInt(limitHarga, 10)},
	}
	raw, err := c.get(ctx, b, "trx_idv", "/trx_idv", params)
	if err != nil {
		return domain.StartResult{}, err
	}
	env, err := parseEnvelope(raw, "trx_idv")
	if err != nil {
		return domain.StartResult{}, err
	}
	trxID := asString(env.Res.Data.TrxID)
	if trxID == "" {
		return domain.StartResult{}, fmt.Errorf("op=provider.trx_idv: trx_id missing: %w", domain.ErrProviderResponse)
	}
	return domain.StartResult{
		TrxID:     trxID,
		TID:       asString(env.Res.Data.TID),
		IsSuccess: toIntPtr(env.Res.Data.IsSuccess),
		Raw:       raw,
	}, nil
}

// CheckStatus polls the provider for the state of one transaction.
func (c *Client) CheckStatus(ctx domain.Context, b domain.Binding, trxID string) (domain.StatusResult, error) {
	params := url.Values{"username": {b.MSISDN}, "trx_id": {trxID}}
	raw, err := c.get(ctx, b, "status_idv", "/status_idv", params)
	if err != nil {
		return domain.StatusResult{}, err
	}
	env, err := parseEnvelope(raw, "status_idv")
	if err != nil {
		return domain.StatusResult{}, err
	}
	return domain.StatusResult{
		IsSuccess:   toIntPtr(env.Res.Data.IsSuccess),
		VoucherCode: env.Res.Data.Voucher,
		Raw:         raw,
	}, nil
}

// SubmitOTP forwards an OTP for the binding's in-flight transaction. The
// provider acknowledges with res.status "200" or res.status_msg "success".
func (c *Client) SubmitOTP(ctx domain.Context, b domain.Binding, otp string) (domain.OtpResult, error) {
	params := url.Values{"username": {b.MSISDN}, "otp": {otp}}
	raw, err := c.get(ctx, b, "otp_idv", "/otp_idv", params)
	if err != nil {
		return domain.OtpResult{}, err
	}
	env, err := parseEnvelope(raw, "otp_idv")
	if err != nil {
		return domain.OtpResult{}, err
	}
	accepted := asString(env.Res.Status) == "200" || env.Res.StatusMsg == "success"
	return domain.OtpResult{
		Accepted: accepted,
		Message:  asString(env.Res.Message),
		Raw:      raw,
	}, nil
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

func toIntPtr(v any) *int {
	n, ok := asInt64(v)
	if !ok {
		return nil
	}
	i := int(n)
	return &i
}
