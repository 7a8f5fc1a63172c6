// Package sdnext implements the generator client against an SDNext-compatible
// HTTP API: txt2img submission plus the task progress endpoint.
package sdnext

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/observability"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

// Client talks to a single SDNext instance. All calls share one http.Client
// with a per-call timeout; transient transport failures are retried with
// exponential backoff before surfacing as ErrGeneratorUnreachable.
type Client struct {
	baseURL string
	hc      *http.Client
}

// New constructs a Client for the given base URL. timeout bounds each HTTP
// call; zero means the 15s default.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		hc: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) retryPolicy(ctx domain.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.Multiplier = 2
	expo.MaxInterval = 10 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(expo, 5), ctx)
}

type txt2imgRequest struct {
	TaskID         string  `json:"task_id"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	SamplerName    string  `json:"sampler_name,omitempty"`
	Steps          int     `json:"steps"`
	CfgScale       float64 `json:"cfg_scale"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Seed           int64   `json:"seed"`
	BatchSize      int     `json:"batch_size"`
}

type progressResponse struct {
	Status   string   `json:"status"`
	Progress *float64 `json:"progress"`
	Images   []string `json:"images"`
	Detail   string   `json:"detail"`
}

// Start submits a generation task and returns the handle used for polling.
func (c *Client) Start(ctx domain.Context, prompt, negativePrompt string, p domain.GenerationParams) (domain.GenerationHandle, error) {
	taskID := uuid.NewString()
	body, err := json.Marshal(txt2imgRequest{
		TaskID:         taskID,
		Prompt:         prompt,
		NegativePrompt: negativePrompt,
		SamplerName:    p.Sampler,
		Steps:          p.Steps,
		CfgScale:       p.CfgScale,
		Width:          p.Width,
		Height:         p.Height,
		Seed:           p.Seed,
		BatchSize:      p.BatchSize,
	})
	if err != nil {
		return domain.GenerationHandle{}, fmt.Errorf("op=generator.start: %w", err)
	}
	err = c.do(ctx, "start", http.MethodPost, "/sdapi/v1/txt2img", body, nil)
	if err != nil {
		return domain.GenerationHandle{}, err
	}
	return domain.GenerationHandle{ID: taskID}, nil
}

// Poll fetches the raw task status; normalization happens in the worker.
func (c *Client) Poll(ctx domain.Context, h domain.GenerationHandle) (domain.ExternalStatus, error) {
	var out progressResponse
	err := c.do(ctx, "poll", http.MethodGet, "/sdapi/v1/progress?task_id="+h.ID, nil, &out)
	if err != nil {
		return domain.ExternalStatus{}, err
	}
	return domain.ExternalStatus{
		RawStatus: out.Status,
		Progress:  out.Progress,
		Images:    out.Images,
		Message:   out.Detail,
	}, nil
}

// Cancel interrupts the task. Best-effort: a rejection from the external
// side (already finished, no such task) is reported but not retried hard.
func (c *Client) Cancel(ctx domain.Context, h domain.GenerationHandle) error {
	body, _ := json.Marshal(map[string]string{"task_id": h.ID})
	return c.do(ctx, "cancel", http.MethodPost, "/sdapi/v1/interrupt", body, nil)
}

// Healthcheck reports whether the generator answers at all. Single attempt,
// no retries: the caller runs it on a loop.
func (c *Client) Healthcheck(ctx domain.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sdapi/v1/progress", nil)
	if err != nil {
		return false
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

// do performs one logical call with retries. Non-2xx responses are permanent
// (ErrGeneratorRejected, body preserved); transport errors retry and then
// surface as ErrGeneratorUnreachable.
func (c *Client) do(ctx domain.Context, operation, method, path string, body []byte, out any) error {
	op := func() error {
		start := time.Now()
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			observability.ObserveGeneratorCall(operation, "unreachable", time.Since(start))
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			observability.ObserveGeneratorCall(operation, "unreachable", time.Since(start))
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			observability.ObserveGeneratorCall(operation, "rejected", time.Since(start))
			snippet := string(respBody)
			if len(snippet) > 512 {
				snippet = snippet[:512]
			}
			slog.Warn("generator rejected request",
				slog.String("operation", operation),
				slog.Int("status", resp.StatusCode),
				slog.String("body", snippet))
			return backoff.Permanent(fmt.Errorf("%w: status %d: %s", domain.ErrGeneratorRejected, resp.StatusCode, snippet))
		}
		observability.ObserveGeneratorCall(operation, "ok", time.Since(start))
		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return backoff.Permanent(fmt.Errorf("%w: decode: %v", domain.ErrInternal, err))
			}
		}
		return nil
	}
	if err := backoff.Retry(op, c.retryPolicy(ctx)); err != nil {
		// Permanent errors come back unwrapped and already carry their kind.
		if errors.Is(err, domain.ErrGeneratorRejected) || errors.Is(err, domain.ErrInternal) {
			return fmt.Errorf("op=generator.%s: %w", operation, err)
		}
		return fmt.Errorf("op=generator.%s: %w: %v", operation, domain.ErrGeneratorUnreachable, err)
	}
	return nil
}
