package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"projectinfo-sync/pkg/projectinfo"
	"projectinfo-sync/signer"
	"projectinfo-sync/window"
)

var (
	testBase   = time.Date(2026, 2, 13, 10, 9, 36, 0, time.UTC)
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
)

const testKey = "PF$@GESA@F(#!QG_@G@!_^%^C"

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func testConfig(host string) Config {
	return Config{
		Host:      host,
		System:    "PMISHURC",
		Key:       testKey,
		ProjectID: "214",
		Endpoint:  "dailyreport_progress",
		Signer:    signer.Options{Mode: signer.Compact},
	}
}

// apiServer accepts only the given timestamp and only with a correctly signed token.
func apiServer(t *testing.T, accept string, opts signer.Options, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/rcm/api/v1/projectinfoapi/dailyreport_progress/" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		ts := q.Get("timestamp")
		want := signer.Sign(projectinfo.SigningPayload{System: q.Get("system"), Time: ts, Key: testKey}, opts)
		if q.Get("token") != string(want.Token) || ts != accept {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"detail": "token expired"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"mix_data": [{"date": "2026-02-12", "act": 41.5, "sch": 40}]}`)
	}))
}

func TestResolveShortCircuit(t *testing.T) {
	w, err := window.New(testBase, window.PastOnly, 5, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	for k := range w.Len() {
		t.Run(fmt.Sprintf("accept index %d", k), func(t *testing.T) {
			var hits atomic.Int32
			accept := w.At(k).Timestamp
			srv := apiServer(t, accept, signer.Options{Mode: signer.Compact}, &hits)
			defer srv.Close()

			r := New(srv.Client(), testConfig(srv.URL), testLogger)
			res := r.Resolve(context.Background(), w)

			if res.Outcome != OutcomeSuccess {
				t.Fatalf("Outcome = %s, err = %v", res.Outcome, res.Err)
			}
			if got := int(hits.Load()); got != k+1 {
				t.Errorf("requests = %d, want %d", got, k+1)
			}
			if len(res.Attempts) != k+1 {
				t.Errorf("attempts = %d, want %d", len(res.Attempts), k+1)
			}
			if res.Winner.Timestamp != accept || res.Winner.Index != k {
				t.Errorf("winner = %+v, want timestamp %s index %d", res.Winner, accept, k)
			}
			if res.Malformed != nil {
				t.Errorf("Malformed = %v", res.Malformed)
			}
		})
	}
}

func TestResolveFirstAcceptorWins(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		// Accept anything at or after 10:08.
		if r.URL.Query().Get("timestamp") >= "2026-02-13 10:08:00" {
			fmt.Fprint(w, `[]`)
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	// -2, +1 are both acceptable; -2 comes first in order but is rejected.
	w, _ := window.NewCustom(testBase, []int{-2, 1, 0}, time.Minute)
	res := New(srv.Client(), testConfig(srv.URL), testLogger).Resolve(context.Background(), w)

	if res.Outcome != OutcomeSuccess {
		t.Fatalf("Outcome = %s", res.Outcome)
	}
	if res.Winner.Offset != 1 {
		t.Errorf("winner offset = %d, want 1 (first accepted in order)", res.Winner.Offset)
	}
	if hits.Load() != 2 {
		t.Errorf("requests = %d, want 2", hits.Load())
	}
}

func TestResolveExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := apiServer(t, "never", signer.Options{Mode: signer.Compact}, &hits)
	defer srv.Close()

	w, _ := window.New(testBase, window.PastAndFuture, 3, time.Minute)
	res := New(srv.Client(), testConfig(srv.URL), testLogger).Resolve(context.Background(), w)

	if res.Outcome != OutcomeExhausted {
		t.Fatalf("Outcome = %s", res.Outcome)
	}
	if int(hits.Load()) != w.Len() {
		t.Errorf("requests = %d, want %d", hits.Load(), w.Len())
	}
	if len(res.Attempts) != w.Len() {
		t.Fatalf("attempts = %d, want %d", len(res.Attempts), w.Len())
	}
	for i, a := range res.Attempts {
		if a.Index != i || a.Timestamp != w.At(i).Timestamp {
			t.Errorf("attempt %d out of order: %+v", i, a)
		}
		if a.StatusCode != http.StatusUnauthorized {
			t.Errorf("attempt %d status = %d", i, a.StatusCode)
		}
		if a.Summary != "token expired" {
			t.Errorf("attempt %d summary = %q", i, a.Summary)
		}
		if a.Body != nil {
			t.Errorf("attempt %d retained a rejected body of %d bytes", i, len(a.Body))
		}
	}
	if !IsRejected(res.Err) {
		t.Errorf("Err = %v, want RejectedError", res.Err)
	}
	if res.Winner != nil {
		t.Error("Winner should be nil")
	}
}

func TestResolveWrongModeIsRejected(t *testing.T) {
	var hits atomic.Int32
	srv := apiServer(t, testBase.Format(projectinfo.TimestampLayout), signer.Options{Mode: signer.Spaced}, &hits)
	defer srv.Close()

	w, _ := window.New(testBase, window.PastOnly, 2, time.Minute)

	// Compact tokens against a spaced server never match.
	res := New(srv.Client(), testConfig(srv.URL), testLogger).Resolve(context.Background(), w)
	if res.Outcome != OutcomeExhausted {
		t.Errorf("compact against spaced server: Outcome = %s", res.Outcome)
	}

	cfg := testConfig(srv.URL)
	cfg.Signer = signer.Options{Mode: signer.Spaced}
	res = New(srv.Client(), cfg, testLogger).Resolve(context.Background(), w)
	if res.Outcome != OutcomeSuccess {
		t.Errorf("spaced against spaced server: Outcome = %s", res.Outcome)
	}
}

func TestResolveTransportAbort(t *testing.T) {
	for _, failAt := range []int{0, 2} {
		t.Run(fmt.Sprintf("fail at %d", failAt), func(t *testing.T) {
			var calls int
			client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
				i := calls
				calls++
				if i == failAt {
					return nil, errors.New("connection refused")
				}
				return &http.Response{
					StatusCode: http.StatusUnauthorized,
					Header:     http.Header{},
					Body:       io.NopCloser(strings.NewReader("")),
					Request:    r,
				}, nil
			})}

			w, _ := window.New(testBase, window.PastOnly, 5, time.Minute)
			res := New(client, testConfig("http://api.invalid"), testLogger).Resolve(context.Background(), w)

			if res.Outcome != OutcomeNetworkFailure {
				t.Fatalf("Outcome = %s", res.Outcome)
			}
			if calls != failAt+1 {
				t.Errorf("requests = %d, want %d", calls, failAt+1)
			}
			if !IsTransport(res.Err) {
				t.Errorf("Err = %v, want TransportError", res.Err)
			}
			tok := string(res.Attempts[failAt].Token)
			if strings.Contains(res.Err.Error(), tok) {
				t.Errorf("transport error leaks token: %v", res.Err)
			}
			if strings.Contains(res.Err.Error(), testKey) {
				t.Errorf("transport error leaks key: %v", res.Err)
			}
		})
	}
}

func TestResolveContinueOnTransportError(t *testing.T) {
	var calls int
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("i/o timeout")
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(`[]`)),
			Request:    r,
		}, nil
	})}

	cfg := testConfig("http://api.invalid")
	cfg.ContinueOnTransportError = true
	w, _ := window.New(testBase, window.PastOnly, 3, time.Minute)
	res := New(client, cfg, testLogger).Resolve(context.Background(), w)

	if res.Outcome != OutcomeSuccess {
		t.Fatalf("Outcome = %s, err = %v", res.Outcome, res.Err)
	}
	if calls != 2 || res.Winner.Index != 1 {
		t.Errorf("calls = %d, winner index = %d", calls, res.Winner.Index)
	}
	if res.Attempts[0].Err == "" {
		t.Error("first attempt should record the transport error")
	}
}

func TestResolveContinueAllTransportFailures(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("no route to host")
	})}
	cfg := testConfig("http://api.invalid")
	cfg.ContinueOnTransportError = true
	w, _ := window.New(testBase, window.PastOnly, 2, time.Minute)

	res := New(client, cfg, testLogger).Resolve(context.Background(), w)
	if res.Outcome != OutcomeNetworkFailure {
		t.Errorf("Outcome = %s", res.Outcome)
	}
	if len(res.Attempts) != 3 {
		t.Errorf("attempts = %d, want 3", len(res.Attempts))
	}
}

func TestResolveMalformedSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>maintenance</html>")
	}))
	defer srv.Close()

	w, _ := window.New(testBase, window.PastOnly, 3, time.Minute)
	res := New(srv.Client(), testConfig(srv.URL), testLogger).Resolve(context.Background(), w)

	if res.Outcome != OutcomeSuccess {
		t.Fatalf("Outcome = %s", res.Outcome)
	}
	if !IsMalformed(res.Malformed) {
		t.Errorf("Malformed = %v, want MalformedError", res.Malformed)
	}
	if res.Err != nil {
		t.Errorf("Err = %v, want nil", res.Err)
	}
}

func TestResolveInvalidConfig(t *testing.T) {
	var calls int
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls++
		return nil, errors.New("unexpected")
	})}

	cfg := testConfig("http://api.invalid")
	cfg.System = ""
	cfg.Key = " "
	w, _ := window.New(testBase, window.PastOnly, 3, time.Minute)
	res := New(client, cfg, testLogger).Resolve(context.Background(), w)

	if res.Outcome != OutcomeInvalidConfig {
		t.Fatalf("Outcome = %s", res.Outcome)
	}
	if calls != 0 {
		t.Errorf("requests = %d, want 0", calls)
	}
	var cfgErr *ConfigError
	if !errors.As(res.Err, &cfgErr) {
		t.Fatalf("Err = %v, want ConfigError", res.Err)
	}
	if strings.Join(cfgErr.Missing, ",") != "system,key" {
		t.Errorf("Missing = %v", cfgErr.Missing)
	}
}

func TestResolveCanceledBeforeStart(t *testing.T) {
	var calls int
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls++
		return nil, errors.New("unexpected")
	})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w, _ := window.New(testBase, window.PastOnly, 3, time.Minute)
	res := New(client, testConfig("http://api.invalid"), testLogger).Resolve(ctx, w)

	if res.Outcome != OutcomeCanceled {
		t.Errorf("Outcome = %s", res.Outcome)
	}
	if calls != 0 {
		t.Errorf("requests = %d, want 0", calls)
	}
}

func TestResolveCanceledBetweenProbes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return &http.Response{
			StatusCode: http.StatusUnauthorized,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("")),
			Request:    r,
		}, nil
	})}

	cfg := testConfig("http://api.invalid")
	cfg.ProbeDelay = 10 * time.Millisecond
	w, _ := window.New(testBase, window.PastOnly, 10, time.Minute)
	res := New(client, cfg, testLogger).Resolve(ctx, w)

	if res.Outcome != OutcomeCanceled {
		t.Errorf("Outcome = %s", res.Outcome)
	}
	if calls != 2 {
		t.Errorf("requests = %d, want 2", calls)
	}
}

func TestBuildURL(t *testing.T) {
	q := Query{
		Endpoint:  "dailyreport_type_progress",
		ProjectID: "214",
		Date:      "2026-02-13",
		System:    "PMISHURC",
		Timestamp: "2026-02-13 10:09:36",
		Token:     "2c92d907303922ca37f6ccbea2c8a011",
	}
	got := BuildURL("http://example.com:8000/", q)
	want := "http://example.com:8000/rcm/api/v1/projectinfoapi/dailyreport_type_progress/" +
		"?project_id=214&date=2026-02-13&system=PMISHURC" +
		"&timestamp=2026-02-13%2010%3A09%3A36&token=2c92d907303922ca37f6ccbea2c8a011"
	if got != want {
		t.Errorf("BuildURL() =\n%s\nwant\n%s", got, want)
	}

	q.Date = ""
	if got := BuildURL("http://example.com", q); strings.Contains(got, "date=") {
		t.Errorf("BuildURL() without date = %s", got)
	}
}

func TestEscapeRoundTrip(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2026-02-13 10:09:36", "2026-02-13%2010%3A09%3A36"},
		{"a+b", "a%2Bb"},
		{"x/y", "x%2Fy"},
		{"PF$@GESA", "PF%24%40GESA"},
	}
	for _, tt := range tests {
		got := Escape(tt.in)
		if got != tt.want {
			t.Errorf("Escape(%q) = %q, want %q", tt.in, got, tt.want)
		}
		back, err := url.PathUnescape(got)
		if err != nil || back != tt.in {
			t.Errorf("PathUnescape(%q) = %q, %v; want %q", got, back, err, tt.in)
		}
		back, err = url.QueryUnescape(got)
		if err != nil || back != tt.in {
			t.Errorf("QueryUnescape(%q) = %q, %v; want %q", got, back, err, tt.in)
		}
	}
}

func TestRedactURL(t *testing.T) {
	in := "http://h/rcm/api/v1/projectinfoapi/x/?project_id=1&token=abcdef&extra=1"
	want := "http://h/rcm/api/v1/projectinfoapi/x/?project_id=1&token=REDACTED&extra=1"
	if got := RedactURL(in); got != want {
		t.Errorf("RedactURL() = %s", got)
	}
}
