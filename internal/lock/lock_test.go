package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func TestNilLockerIsNotConfigured(t *testing.T) {
	var l *Locker
	if _, _, err := l.TryLock(context.Background(), "k", time.Second); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
	if _, err := l.Refresh(context.Background(), "k", "token", time.Second); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
	if err := l.Release(context.Background(), "k", "token"); err != nil {
		t.Fatalf("release on nil locker should be a no-op, got %v", err)
	}
	if NewLocker(nil) != nil {
		t.Fatalf("expected nil locker for nil client")
	}
}

func TestLockerValidatesArguments(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	l := NewLocker(client)

	if _, _, err := l.TryLock(context.Background(), "", time.Second); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("expected empty key error, got %v", err)
	}
	if _, _, err := l.TryLock(context.Background(), "k", 0); !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("expected ttl error, got %v", err)
	}
	ok, err := l.Refresh(context.Background(), "k", "", time.Second)
	if err != nil || ok {
		t.Fatalf("refresh without token should be a no-op, got %v %v", ok, err)
	}
	if err := l.Release(context.Background(), "k", ""); err != nil {
		t.Fatalf("release without token should be a no-op, got %v", err)
	}
}
