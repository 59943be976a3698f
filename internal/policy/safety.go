package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// #region interface
// SafetyModel is an external verdict source. ok is false when the model is
// unavailable or its answer is malformed, in which case local heuristics run.
type SafetyModel interface {
	Evaluate(ctx context.Context, input string) (d Decision, ok bool)
}

// NopSafetyModel never has an opinion.
type NopSafetyModel struct{}

// Evaluate always defers to the heuristics.
func (NopSafetyModel) Evaluate(context.Context, string) (Decision, bool) {
	return Decision{}, false
}

// #endregion interface

// #region http-config
// HTTPSafetyConfig configures HTTPSafetyModel.
type HTTPSafetyConfig struct {
	Endpoint   string
	APIKey     string
	Model      string
	Timeout    time.Duration // per attempt, at least 200ms
	MaxRetries int           // attempts, 1 to 3
}

// DefaultHTTPSafetyConfig returns a 1200ms timeout and 2 attempts.
func DefaultHTTPSafetyConfig() HTTPSafetyConfig {
	return HTTPSafetyConfig{
		Timeout:    1200 * time.Millisecond,
		MaxRetries: 2,
	}
}

// #endregion http-config

// #region http-model
// HTTPSafetyModel posts {"prompt","model"} to an endpoint and accepts
// allowed|passed|blocked, risk|score and reason|explanation in the reply.
type HTTPSafetyModel struct {
	cfg    HTTPSafetyConfig
	client *http.Client
	logger *zap.Logger
}

// NewHTTPSafetyModel bounds cfg and returns the adapter.
func NewHTTPSafetyModel(cfg HTTPSafetyConfig, logger *zap.Logger) *HTTPSafetyModel {
	if cfg.Timeout < 200*time.Millisecond {
		cfg.Timeout = 200 * time.Millisecond
	}
	cfg.MaxRetries = max(1, min(3, cfg.MaxRetries))
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSafetyModel{cfg: cfg, client: &http.Client{}, logger: logger}
}

type rawVerdict struct {
	Allowed     *bool    `json:"allowed"`
	Passed      *bool    `json:"passed"`
	Blocked     *bool    `json:"blocked"`
	Risk        *float64 `json:"risk"`
	Score       *float64 `json:"score"`
	Reason      string   `json:"reason"`
	Explanation string   `json:"explanation"`
}

var errRetryable = errors.New("retryable safety model failure")

// Evaluate asks the remote model, retrying only on timeouts and non-2xx
// replies.
func (m *HTTPSafetyModel) Evaluate(ctx context.Context, input string) (Decision, bool) {
	body, err := json.Marshal(map[string]string{"prompt": input, "model": m.cfg.Model})
	if err != nil {
		return Decision{}, false
	}
	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		d, err := m.attempt(ctx, body)
		if err == nil {
			return d, true
		}
		m.logger.Debug("safety model attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if !errors.Is(err, errRetryable) || ctx.Err() != nil {
			return Decision{}, false
		}
	}
	return Decision{}, false
}

func (m *HTTPSafetyModel) attempt(ctx context.Context, body []byte) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	}
	if m.cfg.Model != "" {
		req.Header.Set("X-Policy-Model", m.cfg.Model)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Decision{}, fmt.Errorf("%w: %w", errRetryable, err)
		}
		return Decision{}, fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Decision{}, fmt.Errorf("%w: status %d", errRetryable, resp.StatusCode)
	}

	var raw rawVerdict
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Decision{}, fmt.Errorf("decode verdict: %w", err)
	}
	return raw.decision()
}

func (r rawVerdict) decision() (Decision, error) {
	var allowed bool
	switch {
	case r.Allowed != nil:
		allowed = *r.Allowed
	case r.Passed != nil:
		allowed = *r.Passed
	case r.Blocked != nil && *r.Blocked:
		allowed = false
	default:
		return Decision{}, errors.New("verdict missing allowed/passed/blocked")
	}

	risk := 0.99
	if allowed {
		risk = 0.05
	}
	if r.Risk != nil {
		risk = *r.Risk
	} else if r.Score != nil {
		risk = *r.Score
	}
	risk = max(0, min(1, risk))

	reason := r.Reason
	if reason == "" {
		reason = r.Explanation
	}
	if reason == "" {
		reason = "llm_block"
		if allowed {
			reason = "llm_allow"
		}
	}
	return Decision{Passed: allowed, Reason: reason, Risk: risk}, nil
}

// #endregion http-model
