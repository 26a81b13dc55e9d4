package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sells-group/uwdash/internal/config"
)

// fast keeps retry tests quick.
func fast(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

var errLocked = errors.New("database is locked (5) (SQLITE_BUSY)")

func TestDo_WaitsOutSQLiteLock(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	err := Do(context.Background(), fast(5), func(context.Context) error {
		if calls.Add(1) < 3 {
			return errLocked
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success once the lock clears, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	err := Do(context.Background(), fast(4), func(context.Context) error {
		calls.Add(1)
		return errLocked
	})
	if !errors.Is(err, errLocked) {
		t.Fatalf("expected the last lock error, got %v", err)
	}
	if calls.Load() != 4 {
		t.Errorf("expected 4 attempts, got %d", calls.Load())
	}
}

func TestDo_SchemaErrorIsNotRetried(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	err := Do(context.Background(), fast(5), func(context.Context) error {
		calls.Add(1)
		return errors.New("no such column: purchase_price")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", calls.Load())
	}
}

func TestDo_RetriesPostgresDeadlock(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	err := Do(context.Background(), fast(3), func(context.Context) error {
		if calls.Add(1) == 1 {
			return &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestDo_StopsWhenContextDone(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 10, InitialBackoff: time.Hour, MaxBackoff: time.Hour}

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func(context.Context) error {
			calls.Add(1)
			return errLocked
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, errLocked) {
			t.Errorf("expected lock error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 attempt before cancel, got %d", calls.Load())
	}
}

func TestDo_ShouldRetryAndOnRetry(t *testing.T) {
	t.Parallel()
	errFlaky := errors.New("share offline")
	var attempts []int
	cfg := fast(3)
	cfg.ShouldRetry = func(err error) bool { return errors.Is(err, errFlaky) }
	cfg.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }

	err := Do(context.Background(), cfg, func(context.Context) error { return errFlaky })
	if !errors.Is(err, errFlaky) {
		t.Fatalf("expected flaky error, got %v", err)
	}
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("expected OnRetry for attempts 1 and 2, got %v", attempts)
	}
}

func TestDoVal_ReturnsRowCount(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	n, err := DoVal(context.Background(), fast(3), func(context.Context) (int64, error) {
		if calls.Add(1) == 1 {
			return 0, errLocked
		}
		return 12, nil
	})
	if err != nil || n != 12 {
		t.Errorf("expected 12 rows, got %d, %v", n, err)
	}

	n, err = DoVal(context.Background(), fast(2), func(context.Context) (int64, error) {
		return 7, errLocked
	})
	if err == nil || n != 0 {
		t.Errorf("expected zero value on failure, got %d, %v", n, err)
	}
}

func TestDelay(t *testing.T) {
	t.Parallel()
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}.normalized()
	cfg.JitterFraction = 0

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for attempt, w := range want {
		if got := cfg.delay(attempt); got != w {
			t.Errorf("attempt %d: expected %v, got %v", attempt, w, got)
		}
	}

	cfg.JitterFraction = 0.5
	for range 50 {
		d := cfg.delay(0)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±50%%", d)
		}
	}
}

func TestNormalized_Defaults(t *testing.T) {
	t.Parallel()
	cfg := RetryConfig{JitterFraction: -1}.normalized()
	if cfg.MaxAttempts != 5 || cfg.InitialBackoff != 100*time.Millisecond || cfg.MaxBackoff != 5*time.Second {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.JitterFraction != 0 || cfg.ShouldRetry == nil {
		t.Errorf("expected clamped jitter and IsTransient, got %+v", cfg)
	}
}

func TestRetryLogger(t *testing.T) {
	t.Parallel()
	RetryLogger("sqlite", "upsert")(1, errLocked)
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.RetryConfig{MaxAttempts: 7, InitialBackoffMs: 20, MaxBackoffMs: 400, Multiplier: 3, JitterFraction: 0})
	if cfg.MaxAttempts != 7 || cfg.InitialBackoff != 20*time.Millisecond || cfg.MaxBackoff != 400*time.Millisecond {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Multiplier != 3 || cfg.JitterFraction != 0 {
		t.Errorf("unexpected multiplier or jitter: %+v", cfg)
	}

	def := FromConfig(config.RetryConfig{JitterFraction: -1})
	if def.MaxAttempts != 5 || def.InitialBackoff != 100*time.Millisecond || def.JitterFraction != 0.25 {
		t.Errorf("expected defaults, got %+v", def)
	}
}
