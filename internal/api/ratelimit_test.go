package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type downCounter struct{}

func (downCounter) Incr(ctx context.Context, key string) *redis.IntCmd {
	return redis.NewIntResult(0, errors.New("connection refused"))
}

func (downCounter) Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(false, nil)
}

func TestWindowLimiter_FixedWindow(t *testing.T) {
	counter := &fakeCounter{}
	l := newWindowLimiter(counter, "rate:test", 2, time.Minute)
	now := time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC)
	l.now = func() time.Time { return now }

	ctx := context.Background()
	for i, want := range []bool{true, true, false} {
		if ok, err := l.Allow(ctx, "7"); err != nil || ok != want {
			t.Fatalf("hit %d = %v, %v; want %v", i, ok, err, want)
		}
	}
	if ok, _ := l.Allow(ctx, "8"); !ok {
		t.Fatal("subjects must be counted separately")
	}

	now = now.Add(time.Minute)
	if ok, _ := l.Allow(ctx, "7"); !ok {
		t.Fatal("next window should start fresh")
	}
}

func TestWindowLimiter_DisabledAndErrors(t *testing.T) {
	if l := newWindowLimiter(&fakeCounter{}, "rate:test", 0, time.Minute); l != nil {
		t.Fatal("zero limit should disable the limiter")
	}
	var disabled *windowLimiter
	if ok, err := disabled.Allow(context.Background(), "1"); !ok || err != nil {
		t.Fatalf("nil limiter = %v, %v", ok, err)
	}

	l := newWindowLimiter(downCounter{}, "rate:test", 1, time.Minute)
	if _, err := l.Allow(context.Background(), "1"); err == nil {
		t.Fatal("expected counter error")
	}
}
