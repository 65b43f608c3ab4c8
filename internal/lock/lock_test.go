package lock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// These tests need a live Redis; set JDEPLOY_TEST_REDIS_URL to run them.
func testRedis(t *testing.T) *Redis {
	t.Helper()
	url := os.Getenv("JDEPLOY_TEST_REDIS_URL")
	if url == "" {
		t.Skip("JDEPLOY_TEST_REDIS_URL not set")
	}
	rdb, err := Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })

	l := NewRedis(rdb, time.Minute, nil)
	l.prefix = "jdeploy:test:" + uuid.NewString() + ":"
	return l
}

func TestRedisLock_ExclusiveAndReleased(t *testing.T) {
	l := testRedis(t)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "pp-iptb-service")
	if err != nil {
		t.Fatalf("first Acquire error: %v", err)
	}

	if _, err := l.Acquire(ctx, "pp-iptb-service"); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld for second Acquire, got %v", err)
	}

	release()

	release2, err := l.Acquire(ctx, "pp-iptb-service")
	if err != nil {
		t.Fatalf("Acquire after release error: %v", err)
	}
	release2()
}

func TestRedisLock_ReleaseDoesNotStealForeignLock(t *testing.T) {
	l := testRedis(t)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "job")
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	// Simulate expiry and takeover by another owner.
	if err := l.rdb.Set(ctx, l.key("job"), "someone-else", time.Minute).Err(); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	release()

	got, err := l.rdb.Get(ctx, l.key("job")).Result()
	if err != nil || got != "someone-else" {
		t.Fatalf("expected foreign lock to survive, got %q (%v)", got, err)
	}
	_ = l.rdb.Del(ctx, l.key("job")).Err()
}

func TestNewRedis_DefaultTTL(t *testing.T) {
	l := NewRedis(nil, 0, nil)
	if l.ttl != 30*time.Minute {
		t.Fatalf("expected default TTL of 30m, got %v", l.ttl)
	}
	if got := l.key("svc"); got != "jdeploy:lock:svc" {
		t.Fatalf("unexpected key %q", got)
	}
}
