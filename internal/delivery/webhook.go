package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/r3e-network/taskengine/infrastructure/resilience"
	"github.com/r3e-network/taskengine/internal/errs"
)

// WebhookAuth configures one of the three auth modes the Webhook
// destination supports, the same shape internal/registry's HTTPAuth uses.
type WebhookAuth struct {
	Bearer       string `json:"bearer,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	APIKeyHeader string `json:"api_key_header,omitempty"`
	APIKey       string `json:"api_key,omitempty"`
}

func (a WebhookAuth) apply(req *http.Request) {
	switch {
	case a.Bearer != "":
		req.Header.Set("Authorization", "Bearer "+a.Bearer)
	case a.Username != "" || a.Password != "":
		req.SetBasicAuth(a.Username, a.Password)
	case a.APIKeyHeader != "" && a.APIKey != "":
		req.Header.Set(a.APIKeyHeader, a.APIKey)
	}
}

// RetryPolicyConfig is spec.md §4.8's webhook retry_policy: exponential
// backoff with full jitter, bounded total attempts.
type RetryPolicyConfig struct {
	MaxAttempts       int     `json:"max_attempts"`
	InitialDelayMS    int64   `json:"initial_delay_ms"`
	MaxDelayMS        int64   `json:"max_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

func (r RetryPolicyConfig) toResilience() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	if r.MaxAttempts > 0 {
		cfg.MaxAttempts = r.MaxAttempts
	}
	if r.InitialDelayMS > 0 {
		cfg.InitialDelay = time.Duration(r.InitialDelayMS) * time.Millisecond
	}
	if r.MaxDelayMS > 0 {
		cfg.MaxDelay = time.Duration(r.MaxDelayMS) * time.Millisecond
	}
	if r.BackoffMultiplier > 0 {
		cfg.Multiplier = r.BackoffMultiplier
	}
	return cfg
}

// WebhookConfig is the Webhook destination's kind-specific config.
type WebhookConfig struct {
	URLTemplate string             `json:"url_template"`
	Method      string             `json:"method,omitempty"`
	TimeoutMS   int64              `json:"timeout_ms,omitempty"`
	ContentType string             `json:"content_type,omitempty"`
	RetryPolicy *RetryPolicyConfig `json:"retry_policy,omitempty"`
	Auth        *WebhookAuth       `json:"authentication,omitempty"`
}

func decodeWebhookConfig(raw json.RawMessage) (WebhookConfig, error) {
	var cfg WebhookConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, errs.Wrap(errs.KindInvalidInput, "destination", "webhook", err)
	}
	if cfg.URLTemplate == "" {
		return cfg, errs.New(errs.KindInvalidInput, "destination", "webhook", "url_template is required")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	return cfg, nil
}

// WebhookDestination POSTs (by default) a task's rendered output to a
// URL, retrying per cfg.RetryPolicy with exponential backoff and
// failing closed on a 4xx response per spec.md §4.8.
type WebhookDestination struct {
	cfg     WebhookConfig
	client  *http.Client
	breaker *resilience.CircuitBreaker
}

// NewWebhookDestination implements Factory for kind "webhook".
func NewWebhookDestination(raw json.RawMessage) (Destination, error) {
	cfg, err := decodeWebhookConfig(raw)
	if err != nil {
		return nil, err
	}
	return &WebhookDestination{
		cfg:     cfg,
		client:  &http.Client{},
		breaker: resilience.New(resilience.DefaultConfig()),
	}, nil
}

func (d *WebhookDestination) ValidateConfig(raw json.RawMessage) error {
	_, err := decodeWebhookConfig(raw)
	return err
}

func (d *WebhookDestination) Deliver(ctx context.Context, output TaskOutput, dctx DeliveryContext) (Attempt, error) {
	url, err := RenderTemplate(d.cfg.URLTemplate, mergeTemplateVars(output, dctx))
	if err != nil {
		return Attempt{Err: err}, nil
	}

	body, err := encodeWebhookBody(d.cfg.ContentType, output)
	if err != nil {
		return Attempt{Err: errs.Wrap(errs.KindInternal, "destination", url, err)}, nil
	}

	timeout := 30 * time.Second
	if d.cfg.TimeoutMS > 0 {
		timeout = time.Duration(d.cfg.TimeoutMS) * time.Millisecond
	}
	retryCfg := resilience.DefaultRetryConfig()
	if d.cfg.RetryPolicy != nil {
		retryCfg = d.cfg.RetryPolicy.toResilience()
	}

	var (
		attempts    int
		success     bool
		statusCode  int
		respBody    []byte
		terminalErr error
		stopped     bool
	)

	_ = resilience.Retry(ctx, retryCfg, func() error {
		if stopped {
			return nil
		}
		attempts++

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, buildErr := http.NewRequestWithContext(reqCtx, d.cfg.Method, url, bytes.NewReader(body))
		if buildErr != nil {
			terminalErr = errs.Wrap(errs.KindInvalidInput, "destination", url, buildErr)
			stopped = true
			return nil
		}
		req.Header.Set("Content-Type", d.cfg.ContentType)
		if d.cfg.Auth != nil {
			d.cfg.Auth.apply(req)
		}

		var resp *http.Response
		breakerErr := d.breaker.Execute(reqCtx, func() error {
			var doErr error
			resp, doErr = d.client.Do(req)
			return doErr
		})
		if breakerErr != nil {
			terminalErr = errs.Wrap(errs.KindNetwork, "destination", url, breakerErr)
			return terminalErr
		}
		defer resp.Body.Close()

		statusCode = resp.StatusCode
		respBody, _ = io.ReadAll(io.LimitReader(resp.Body, 64*1024))

		switch {
		case statusCode >= 200 && statusCode < 300:
			success = true
			stopped = true
			terminalErr = nil
			return nil
		case statusCode >= 400 && statusCode < 500:
			terminalErr = errs.New(errs.KindWebhookFailed, "destination", url, fmt.Sprintf("webhook returned status %d", statusCode))
			stopped = true
			return nil
		default:
			terminalErr = errs.New(errs.KindWebhookFailed, "destination", url, fmt.Sprintf("webhook returned status %d", statusCode))
			return terminalErr
		}
	})

	if success {
		info := map[string]any{"status_code": statusCode, "body": string(respBody)}
		responseInfo, _ := json.Marshal(info)
		return Attempt{Success: true, SizeBytes: int64(len(body)), ResponseInfo: responseInfo, Attempts: attempts}, nil
	}

	finalErr := terminalErr
	if !stopped && attempts >= retryCfg.MaxAttempts {
		finalErr = errs.Wrap(errs.KindMaxRetriesExceeded, "destination", url, terminalErr)
	}
	return Attempt{Err: finalErr, Attempts: attempts}, nil
}

func encodeWebhookBody(contentType string, output TaskOutput) ([]byte, error) {
	if strings.Contains(contentType, "xml") {
		return encodeBody(FormatXML, output)
	}
	return encodeBody(FormatJSON, output)
}
