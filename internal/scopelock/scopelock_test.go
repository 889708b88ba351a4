package scopelock_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/lectern/internal/scopelock"
)

// connect returns a Locker against LECTERN_TEST_REDIS_ADDR or skips the test.
func connect(t *testing.T, opts ...scopelock.Option) *scopelock.Locker {
	t.Helper()
	addr := os.Getenv("LECTERN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LECTERN_TEST_REDIS_ADDR not set; skipping Redis integration test")
	}
	l, err := scopelock.Connect(context.Background(), addr, opts...)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAcquire_Exclusive(t *testing.T) {
	l := connect(t)
	ctx := context.Background()
	key := "lecture:" + uuid.NewString()

	release, ok, err := l.Acquire(ctx, key)
	if err != nil || !ok {
		t.Fatalf("first Acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, err := l.Acquire(ctx, key); err != nil || ok {
		t.Fatalf("second Acquire must fail: ok=%v err=%v", ok, err)
	}
	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	release, ok, err = l.Acquire(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Acquire after release: ok=%v err=%v", ok, err)
	}
	_ = release(ctx)
}

func TestRelease_AfterExpiryDoesNotStealLock(t *testing.T) {
	l := connect(t, scopelock.WithTTL(50*time.Millisecond))
	ctx := context.Background()
	key := "course:" + uuid.NewString()

	stale, ok, err := l.Acquire(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}
	time.Sleep(120 * time.Millisecond)

	fresh, ok, err := l.Acquire(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Acquire after expiry: ok=%v err=%v", ok, err)
	}
	if err := stale(ctx); !errors.Is(err, scopelock.ErrNotHeld) {
		t.Errorf("stale release: want ErrNotHeld, got %v", err)
	}
	if _, ok, _ := l.Acquire(ctx, key); ok {
		t.Error("stale release must not remove the new holder's lock")
	}
	if err := fresh(ctx); err != nil {
		t.Errorf("fresh release: %v", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := scopelock.Connect(ctx, "127.0.0.1:1"); err == nil {
		t.Fatal("expected connection error")
	}
}
