package storage

import (
	"context"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewRedisGreetingsInvalidURL(t *testing.T) {
	if _, err := NewRedisGreetings(context.Background(), "ftp://localhost:6379"); err == nil {
		t.Fatal("expected error, got nil")
	}
}

// TestRedisGreetingLedger runs against a live server when REDIS_TEST_URL is set.
func TestRedisGreetingLedger(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	ctx := context.Background()

	r, err := NewRedisGreetings(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	r.prefix = "unicontrol:test:birthday"

	const day = "2026-03-14"
	t.Cleanup(func() { _ = r.ForgetDay(context.Background(), day) })

	if err := r.MarkGreeted(ctx, 301, "Aziza", day); err != nil {
		t.Fatalf("mark greeted: %v", err)
	}

	var got []bool
	for _, id := range []int64{301, 302} {
		ok, err := r.Greeted(ctx, id, day)
		if err != nil {
			t.Fatalf("greeted: %v", err)
		}
		got = append(got, ok)
	}
	if diff := cmp.Diff([]bool{true, false}, got); diff != "" {
		t.Errorf("greeted mismatch (-want +got):\n%s", diff)
	}

	if err := r.ForgetDay(ctx, day); err != nil {
		t.Fatalf("forget day: %v", err)
	}
	ok, err := r.Greeted(ctx, 301, day)
	if err != nil {
		t.Fatalf("greeted: %v", err)
	}
	if ok {
		t.Error("expected the day to be forgotten")
	}
}
