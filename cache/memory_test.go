package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemory_SetIfAbsent(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	acquired, err := store.SetIfAbsent(ctx, "k", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("expected first write to win, got %v / %v", acquired, err)
	}

	acquired, err = store.SetIfAbsent(ctx, "k", time.Minute)
	if err != nil || acquired {
		t.Fatalf("expected second write to lose, got %v / %v", acquired, err)
	}

	// Other keys are independent
	acquired, _ = store.SetIfAbsent(ctx, "other", time.Minute)
	if !acquired {
		t.Error("expected independent key to win")
	}
}

func TestMemory_DeleteFreesKey(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	_, _ = store.SetIfAbsent(ctx, "k", time.Minute)
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	acquired, _ := store.SetIfAbsent(ctx, "k", time.Minute)
	if !acquired {
		t.Error("expected key free after delete")
	}

	// Deleting a missing key is fine
	if err := store.Delete(ctx, "missing"); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestMemory_TTLExpires(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	_, _ = store.SetIfAbsent(ctx, "k", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	acquired, _ := store.SetIfAbsent(ctx, "k", time.Minute)
	if !acquired {
		t.Error("expected key free after ttl expiry")
	}
}
