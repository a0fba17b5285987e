package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisBackendForTest(t *testing.T) (*miniredis.Miniredis, Backend) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})
	return server, NewRedisBackend(client, "test:rl")
}

func TestRedisBackendAgreesWithLocalSemantics(t *testing.T) {
	_, b := newRedisBackendForTest(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := b.Allow(ctx, "1.2.3.4", 3, time.Minute)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("call %d should be within budget", i+1)
		}
	}
	ok, err := b.Allow(ctx, "1.2.3.4", 3, time.Minute)
	if err != nil {
		t.Fatalf("allow over budget: %v", err)
	}
	if ok {
		t.Fatal("fourth call in window should be denied")
	}
}

func TestRedisBackendWindowExpires(t *testing.T) {
	server, b := newRedisBackendForTest(t)
	ctx := context.Background()

	if ok, _ := b.Allow(ctx, "k", 1, time.Second); !ok {
		t.Fatal("first call denied")
	}
	if ok, _ := b.Allow(ctx, "k", 1, time.Second); ok {
		t.Fatal("second call in window should be denied")
	}
	server.FastForward(1100 * time.Millisecond)
	if ok, _ := b.Allow(ctx, "k", 1, time.Second); !ok {
		t.Fatal("call after expiry should be allowed")
	}
}

func TestRedisBackendUnavailableSurfacesError(t *testing.T) {
	server, b := newRedisBackendForTest(t)
	server.Close()

	_, err := b.Allow(context.Background(), "k", 1, time.Second)
	if err == nil {
		t.Fatal("expected backend error once redis is down")
	}
}
