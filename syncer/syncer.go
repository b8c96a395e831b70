// Package syncer runs one "execute sync": it resolves an accepted timestamp,
// fetches every dataset with the winning credential and publishes them as a
// single snapshot.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"

	"projectinfo-sync/diag"
	"projectinfo-sync/pkg/projectinfo"
	"projectinfo-sync/resolver"
	"projectinfo-sync/signer"
	"projectinfo-sync/window"
)

const maxBodyBytes = 16 << 20

// Resolver interface for the clock-skew search.
type Resolver interface {
	Resolve(ctx context.Context, w window.Window) *resolver.Result
}

// Cache interface for publishing snapshots.
type Cache interface {
	Replace(s *projectinfo.Snapshot)
}

// Config holds sync configuration.
type Config struct {
	Host      string
	System    string
	Key       string
	ProjectID string
	Signer    signer.Options

	ProgressEndpoint     string
	TypeProgressEndpoint string
	FilesEndpoint        string

	Direction window.Direction
	Span      int
	Offsets   []int // Overrides Direction and Span when set
	Unit      time.Duration
	Location  *time.Location
	Timestamp string // Fixed base time instead of the clock
	Date      string // Query date; defaults to the accepted timestamp's date

	RetryDelay time.Duration // Base delay for follow-up fetch retries
}

// StatusError indicates a follow-up fetch got a non-200 response.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Summary    string
}

func (e *StatusError) Error() string {
	if e.Summary != "" {
		return fmt.Sprintf("%s returned HTTP %d: %s", e.Endpoint, e.StatusCode, e.Summary)
	}
	return fmt.Sprintf("%s returned HTTP %d", e.Endpoint, e.StatusCode)
}

func isClientError(err error) bool {
	var status *StatusError
	return errors.As(err, &status) && status.StatusCode >= 400 && status.StatusCode < 500
}

// Report describes one sync for the display layer.
type Report struct {
	RunID         string                `json:"run_id"`
	Outcome       resolver.Outcome      `json:"outcome"`
	Error         string                `json:"error,omitempty"`
	Canonical     string                `json:"canonical,omitempty"` // Key redacted
	Winner        *projectinfo.Attempt  `json:"winner,omitempty"`
	Attempts      []projectinfo.Attempt `json:"attempts"`
	DatasetErrors []string              `json:"dataset_errors,omitempty"`
	Cached        bool                  `json:"cached"`

	Snapshot *projectinfo.Snapshot `json:"-"`
	err      error
}

// Err returns the first error of the sync, if any.
func (r *Report) Err() error {
	return r.err
}

// Syncer handles sync runs.
type Syncer struct {
	resolver Resolver
	client   *http.Client
	cache    Cache
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex // One sync at a time
}

// New creates a new syncer.
func New(res Resolver, client *http.Client, cache Cache, cfg Config, logger *slog.Logger) *Syncer {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Syncer{
		resolver: res,
		client:   client,
		cache:    cache,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Window builds the search window for the given base time.
func (s *Syncer) Window(base time.Time) (window.Window, error) {
	if len(s.cfg.Offsets) > 0 {
		return window.NewCustom(base, s.cfg.Offsets, s.cfg.Unit)
	}
	return window.New(base, s.cfg.Direction, s.cfg.Span, s.cfg.Unit)
}

// BaseTime returns the time the search window is centered on.
func (s *Syncer) BaseTime() (time.Time, error) {
	if s.cfg.Timestamp != "" {
		t, err := time.ParseInLocation(projectinfo.TimestampLayout, s.cfg.Timestamp, s.cfg.Location)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse base timestamp: %w", err)
		}
		return t, nil
	}
	return s.now().In(s.cfg.Location), nil
}

// Run executes one sync. The cache is only updated when every dataset was
// fetched and decoded.
func (s *Syncer) Run(ctx context.Context) *Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := uuid.New().String()
	logger := s.logger.With("run_id", runID)

	base, err := s.BaseTime()
	if err != nil {
		return invalid(runID, err)
	}
	w, err := s.Window(base)
	if err != nil {
		return invalid(runID, err)
	}

	logger.Info("Sync starting",
		"project_id", s.cfg.ProjectID,
		"system", s.cfg.System,
		"base", base.Format(projectinfo.TimestampLayout),
		"candidates", w.Len())

	res := s.resolver.Resolve(ctx, w)
	rep := &Report{
		RunID:    runID,
		Outcome:  res.Outcome,
		Winner:   res.Winner,
		Attempts: res.Attempts,
		err:      res.Err,
	}
	if res.Err != nil {
		rep.Error = res.Err.Error()
	}
	if res.Outcome != resolver.OutcomeSuccess {
		logger.Warn("Sync stopped before fetching datasets", "outcome", res.Outcome, "error", res.Err)
		return rep
	}

	winner := res.Winner
	rep.Canonical = signer.RedactedCanonical(projectinfo.SigningPayload{
		System: s.cfg.System,
		Time:   winner.Timestamp,
		Key:    s.cfg.Key,
	}, s.cfg.Signer)

	date := s.cfg.Date
	if date == "" {
		date, _, _ = strings.Cut(winner.Timestamp, " ")
	}

	snap := &projectinfo.Snapshot{
		FetchedAt: s.now(),
		Timestamp: winner.Timestamp,
		Date:      date,
	}

	var errs []error
	if res.Malformed != nil {
		errs = append(errs, res.Malformed)
	} else if snap.Progress, err = decodeProgress(winner.Body); err != nil {
		errs = append(errs, &resolver.MalformedError{Endpoint: s.cfg.ProgressEndpoint, Err: err})
	}

	snap.TypeProgress, err = s.fetchRecords(ctx, winner, s.cfg.TypeProgressEndpoint, date)
	if err != nil {
		errs = append(errs, err)
	}
	snap.Files, err = s.fetchRecords(ctx, winner, s.cfg.FilesEndpoint, "")
	if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		for _, e := range errs {
			rep.DatasetErrors = append(rep.DatasetErrors, e.Error())
		}
		rep.err = errors.Join(errs...)
		logger.Warn("Sync authenticated but datasets incomplete, keeping previous snapshot",
			"timestamp", winner.Timestamp,
			"errors", len(errs))
		return rep
	}

	s.cache.Replace(snap)
	rep.Cached = true
	rep.Snapshot = snap

	logger.Info("Sync completed",
		"timestamp", winner.Timestamp,
		"date", date,
		"files", len(snap.Files),
		"type_progress", len(snap.TypeProgress),
		"progress_points", len(snap.Progress))

	return rep
}

func invalid(runID string, err error) *Report {
	return &Report{
		RunID:   runID,
		Outcome: resolver.OutcomeInvalidConfig,
		Error:   err.Error(),
		err:     err,
	}
}

func (s *Syncer) fetchRecords(ctx context.Context, winner *projectinfo.Attempt, endpoint, date string) ([]projectinfo.Record, error) {
	body, err := s.fetch(ctx, resolver.Query{
		Endpoint:  endpoint,
		ProjectID: s.cfg.ProjectID,
		Date:      date,
		System:    s.cfg.System,
		Timestamp: winner.Timestamp,
		Token:     winner.Token,
	})
	if err != nil {
		return nil, err
	}
	records, err := decodeRecords(body)
	if err != nil {
		return nil, &resolver.MalformedError{Endpoint: endpoint, Err: err}
	}
	return records, nil
}

// fetch issues a signed GET, retrying transport errors and 5xx responses.
func (s *Syncer) fetch(ctx context.Context, q resolver.Query) ([]byte, error) {
	u := resolver.BuildURL(s.cfg.Host, q)
	redacted := resolver.RedactURL(u)

	var (
		body    []byte
		lastErr error
	)
	err := retry.Do(
		func() error {
			s.logger.Info("HTTP request starting",
				"method", "GET",
				"url", redacted,
				"purpose", "fetch_"+q.Endpoint)

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
			if err != nil {
				lastErr = fmt.Errorf("create request: %w", err)
				return retry.Unrecoverable(lastErr)
			}
			req.Header.Set("Accept", "application/json")

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				msg := strings.ReplaceAll(err.Error(), string(q.Token), "REDACTED")
				lastErr = &resolver.TransportError{URL: redacted, Msg: msg, Err: err}
				s.logger.Warn("HTTP request failed, will retry",
					"url", redacted,
					"duration_ms", duration.Milliseconds(),
					"error", msg)
				return lastErr
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
			if err != nil {
				lastErr = fmt.Errorf("read %s body: %w", q.Endpoint, err)
				return lastErr
			}

			s.logger.Info("HTTP request completed",
				"url", redacted,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds(),
				"content_length", len(data))

			if resp.StatusCode != http.StatusOK {
				lastErr = &StatusError{
					Endpoint:   q.Endpoint,
					StatusCode: resp.StatusCode,
					Summary:    diag.Summarize(resp.Header.Get("Content-Type"), data),
				}
				return lastErr
			}

			body = data
			lastErr = nil
			return nil
		},
		retry.Attempts(3),
		retry.Delay(s.cfg.RetryDelay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(s.cfg.RetryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying fetch after error", "attempt", n, "endpoint", q.Endpoint, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			// A 4xx with an accepted token won't change on retry.
			return !isClientError(err)
		}),
	)
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return nil, fmt.Errorf("fetch %s: %w", q.Endpoint, lastErr)
	}
	return body, nil
}

func decodeProgress(body []byte) ([]projectinfo.ProgressPoint, error) {
	var p projectinfo.Progress
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	if p.MixData == nil {
		return nil, errors.New("decode progress: missing mix_data")
	}
	return p.MixData, nil
}

func decodeRecords(body []byte) ([]projectinfo.Record, error) {
	var records []projectinfo.Record
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	if records == nil {
		records = []projectinfo.Record{}
	}
	return records, nil
}
