package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/lectern/internal/health"
)

func ok(context.Context) error { return nil }

func failing(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func serve(t *testing.T, h *health.Handler, path string, ctx context.Context) (int, health.Report) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var rep health.Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, rep
}

func TestHealthz_IgnoresCheckers(t *testing.T) {
	t.Parallel()
	h := health.New([]health.Checker{{Name: "postgres", Check: failing("down")}})

	code, rep := serve(t, h, "/healthz", context.Background())
	if code != http.StatusOK || rep.Status != health.StatusOK || len(rep.Checks) != 0 {
		t.Errorf("healthz = %d %+v", code, rep)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		checkers []health.Checker
		want     int
		wantErrs map[string]string
	}{
		{"no checkers", nil, http.StatusOK, nil},
		{
			"all pass",
			[]health.Checker{{Name: "postgres", Check: ok}, {Name: "redis", Check: ok}},
			http.StatusOK,
			map[string]string{"postgres": "", "redis": ""},
		},
		{
			"one fails",
			[]health.Checker{{Name: "postgres", Check: ok}, {Name: "redis", Check: failing("connection refused")}},
			http.StatusServiceUnavailable,
			map[string]string{"postgres": "", "redis": "connection refused"},
		},
		{
			"all fail",
			[]health.Checker{{Name: "postgres", Check: failing("timeout")}, {Name: "redis", Check: failing("auth")}},
			http.StatusServiceUnavailable,
			map[string]string{"postgres": "timeout", "redis": "auth"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			code, rep := serve(t, health.New(tc.checkers), "/readyz", context.Background())
			if code != tc.want {
				t.Errorf("status = %d, want %d", code, tc.want)
			}
			if len(rep.Checks) != len(tc.wantErrs) {
				t.Fatalf("checks = %+v", rep.Checks)
			}
			for name, wantErr := range tc.wantErrs {
				got := rep.Checks[name]
				if got.Error != wantErr {
					t.Errorf("%s error = %q, want %q", name, got.Error, wantErr)
				}
				if (wantErr == "") != (got.Status == health.StatusOK) {
					t.Errorf("%s status = %q", name, got.Status)
				}
			}
		})
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()
	slow := func(ctx context.Context) error {
		select {
		case <-time.After(200 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := health.New([]health.Checker{
		{Name: "a", Check: slow}, {Name: "b", Check: slow}, {Name: "c", Check: slow},
	})

	start := time.Now()
	rep := h.Check(context.Background())
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("three 200ms checks took %v", elapsed)
	}
	if rep.Status != health.StatusOK {
		t.Errorf("report = %+v", rep)
	}
	if rep.Checks["a"].LatencyMS < 150 {
		t.Errorf("latency = %dms, want about 200", rep.Checks["a"].LatencyMS)
	}
}

func TestReadyz_CheckTimeout(t *testing.T) {
	t.Parallel()
	h := health.New([]health.Checker{{Name: "stuck", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}}, health.WithCheckTimeout(20*time.Millisecond))

	code, rep := serve(t, h, "/readyz", context.Background())
	if code != http.StatusServiceUnavailable || rep.Checks["stuck"].Error != context.DeadlineExceeded.Error() {
		t.Errorf("readyz = %d %+v", code, rep)
	}
}

func TestReadyz_RequestCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := health.New([]health.Checker{{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}})

	if code, _ := serve(t, h, "/readyz", ctx); code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", code)
	}
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestPingCheck(t *testing.T) {
	t.Parallel()
	rep := health.New([]health.Checker{
		health.PingCheck("postgres", fakePinger{}),
		health.PingCheck("redis", fakePinger{err: errors.New("connection refused")}),
	}).Check(context.Background())

	if rep.Status != health.StatusFail {
		t.Fatalf("status = %q", rep.Status)
	}
	if rep.Checks["postgres"].Status != health.StatusOK || rep.Checks["redis"].Error != "connection refused" {
		t.Errorf("checks = %+v", rep.Checks)
	}
}
