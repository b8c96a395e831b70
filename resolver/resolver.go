// Package resolver finds a timestamp the remote API accepts despite clock skew
// between this host and the server.
//
// Candidates are probed strictly in window order, one request at a time.
// The first HTTP 200 wins and ends the search. A non-200 moves on to the next
// candidate. A transport failure ends the whole search unless
// ContinueOnTransportError is set.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"projectinfo-sync/diag"
	"projectinfo-sync/pkg/projectinfo"
	"projectinfo-sync/signer"
	"projectinfo-sync/window"
)

const maxBodyBytes = 16 << 20

// Outcome is the terminal state of a search.
type Outcome string

const (
	// OutcomeSuccess means one candidate was accepted.
	OutcomeSuccess Outcome = "success"
	// OutcomeExhausted means every candidate was rejected.
	OutcomeExhausted Outcome = "exhausted"
	// OutcomeNetworkFailure means a transport error aborted the search.
	OutcomeNetworkFailure Outcome = "network_failure"
	// OutcomeCanceled means the caller's context ended between or during probes.
	OutcomeCanceled Outcome = "canceled"
	// OutcomeInvalidConfig means required parameters were missing; nothing was sent.
	OutcomeInvalidConfig Outcome = "invalid_config"
)

// Config holds resolver configuration.
type Config struct {
	Host      string
	System    string
	Key       string
	ProjectID string
	Endpoint  string // Endpoint probed during the search
	Date      string // Optional date parameter for the probed endpoint
	Signer    signer.Options

	// ContinueOnTransportError treats transport failures like rejections
	// instead of aborting the search.
	ContinueOnTransportError bool
	// ProbeDelay is the pause between consecutive probes.
	ProbeDelay time.Duration
}

// Validate reports missing required parameters.
func (c *Config) Validate() error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"host", c.Host},
		{"system", c.System},
		{"key", c.Key},
		{"project_id", c.ProjectID},
		{"endpoint", c.Endpoint},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return &ConfigError{Missing: missing}
	}
	return nil
}

// Result is the structured outcome of one search.
type Result struct {
	Outcome  Outcome
	Winner   *projectinfo.Attempt // Set only on OutcomeSuccess
	Attempts []projectinfo.Attempt
	// Malformed is set when the winner's body is not valid JSON.
	// The outcome stays OutcomeSuccess.
	Malformed error
	Err       error
}

// Resolver runs clock-skew searches against one endpoint.
type Resolver struct {
	client *http.Client
	logger *slog.Logger
	cfg    Config
}

// New creates a new resolver.
func New(client *http.Client, cfg Config, logger *slog.Logger) *Resolver {
	return &Resolver{
		client: client,
		logger: logger,
		cfg:    cfg,
	}
}

// Resolve probes the window's candidates in order until one is accepted.
func (r *Resolver) Resolve(ctx context.Context, w window.Window) *Result {
	res := &Result{}

	if err := r.cfg.Validate(); err != nil {
		r.logger.Error("Refusing to start search", "error", err)
		res.Outcome = OutcomeInvalidConfig
		res.Err = err
		return res
	}
	if w.Len() == 0 {
		res.Outcome = OutcomeInvalidConfig
		res.Err = errors.New("search window is empty")
		return res
	}

	r.logger.Info("Starting clock-skew search",
		"endpoint", r.cfg.Endpoint,
		"candidates", w.Len(),
		"direction", w.Direction,
		"unit", w.Unit.String(),
		"base", w.Base.Format(projectinfo.TimestampLayout),
		"mode", r.cfg.Signer.Mode,
		"sort_keys", r.cfg.Signer.SortKeys)

	var (
		next         int
		transportErr *TransportError
		responded    bool
	)

	err := retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return retry.Unrecoverable(err)
			}
			if next >= w.Len() {
				return retry.Unrecoverable(errors.New("window exhausted"))
			}

			c := w.At(next)
			next++

			a, err := r.probe(ctx, c)
			res.Attempts = append(res.Attempts, a)

			if err != nil {
				if ctx.Err() != nil {
					return retry.Unrecoverable(ctx.Err())
				}
				transportErr = &TransportError{URL: a.RedactedURL, Msg: a.Err, Err: err}
				if !r.cfg.ContinueOnTransportError {
					return retry.Unrecoverable(transportErr)
				}
				return transportErr
			}

			responded = true
			if a.Accepted() {
				return nil
			}
			return fmt.Errorf("candidate %s rejected with status %d", a.Timestamp, a.StatusCode)
		},
		retry.Attempts(uint(w.Len())),
		retry.Delay(r.cfg.ProbeDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Debug("Advancing to next candidate", "attempt", n, "error", err)
		}),
	)

	last := len(res.Attempts) - 1
	switch {
	case err == nil && last >= 0 && res.Attempts[last].Accepted():
		winner := res.Attempts[last]
		res.Outcome = OutcomeSuccess
		res.Winner = &winner
		if !json.Valid(winner.Body) {
			res.Malformed = &MalformedError{Endpoint: r.cfg.Endpoint, Err: errors.New("body is not valid JSON")}
		}
		r.logger.Info("Candidate accepted",
			"index", winner.Index,
			"offset", winner.Offset,
			"timestamp", winner.Timestamp,
			"requests", len(res.Attempts),
			"malformed", res.Malformed != nil)

	case ctx.Err() != nil:
		res.Outcome = OutcomeCanceled
		res.Err = ctx.Err()
		r.logger.Warn("Search canceled", "requests", len(res.Attempts), "error", ctx.Err())

	case transportErr != nil && (!r.cfg.ContinueOnTransportError || !responded):
		res.Outcome = OutcomeNetworkFailure
		res.Err = transportErr
		r.logger.Error("Search aborted by transport failure", "requests", len(res.Attempts), "error", transportErr)

	default:
		lastStatus := 0
		for _, a := range res.Attempts {
			if a.StatusCode != 0 {
				lastStatus = a.StatusCode
			}
		}
		res.Outcome = OutcomeExhausted
		res.Err = &RejectedError{Candidates: len(res.Attempts), LastStatus: lastStatus}
		r.logger.Warn("Search exhausted", "requests", len(res.Attempts), "last_status", lastStatus)
	}

	return res
}

// probe signs one candidate and issues its request. A non-nil error means
// no HTTP response was received.
func (r *Resolver) probe(ctx context.Context, c window.Candidate) (projectinfo.Attempt, error) {
	sig := signer.Sign(projectinfo.SigningPayload{
		System: r.cfg.System,
		Time:   c.Timestamp,
		Key:    r.cfg.Key,
	}, r.cfg.Signer)

	u := BuildURL(r.cfg.Host, Query{
		Endpoint:  r.cfg.Endpoint,
		ProjectID: r.cfg.ProjectID,
		Date:      r.cfg.Date,
		System:    r.cfg.System,
		Timestamp: c.Timestamp,
		Token:     sig.Token,
	})

	a := projectinfo.Attempt{
		Index:       c.Index,
		Offset:      c.Offset,
		Timestamp:   c.Timestamp,
		Token:       sig.Token,
		URL:         u,
		RedactedURL: RedactURL(u),
	}

	r.logger.Info("HTTP request starting",
		"method", "GET",
		"url", a.RedactedURL,
		"index", c.Index,
		"offset", c.Offset,
		"timestamp", c.Timestamp)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		a.Err = redact(err.Error(), sig.Token)
		return a, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	startTime := time.Now()
	resp, err := r.client.Do(req)
	a.Duration = time.Since(startTime)
	if err != nil {
		a.Err = redact(err.Error(), sig.Token)
		r.logger.Warn("HTTP request failed",
			"url", a.RedactedURL,
			"duration_ms", a.Duration.Milliseconds(),
			"error", a.Err)
		return a, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			r.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	a.StatusCode = resp.StatusCode
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		a.Err = "read body: " + redact(err.Error(), sig.Token)
	}
	if a.Accepted() {
		a.Body = body
	} else {
		a.Summary = diag.Summarize(resp.Header.Get("Content-Type"), body)
	}

	r.logger.Info("HTTP request completed",
		"url", a.RedactedURL,
		"status_code", resp.StatusCode,
		"duration_ms", a.Duration.Milliseconds(),
		"content_length", len(body),
		"summary", a.Summary)

	return a, nil
}

func redact(msg string, token projectinfo.Token) string {
	if token == "" {
		return msg
	}
	return strings.ReplaceAll(msg, string(token), "REDACTED")
}
