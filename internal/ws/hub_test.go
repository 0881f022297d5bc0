package ws

import (
	"context"
	"testing"
)

func TestHubAddRemoveGet(t *testing.T) {
	h := NewHub()
	if h.Count() != 0 {
		t.Fatalf("new hub count = %d", h.Count())
	}

	a := NewClient(context.Background(), "a", nil)
	b := NewClient(context.Background(), "b", nil)
	h.Add(a)
	h.Add(b)

	if h.Count() != 2 {
		t.Fatalf("count = %d, want 2", h.Count())
	}
	if got := h.Get("a"); got != a {
		t.Fatalf("Get(a) = %v", got)
	}
	if got := h.Get("ghost"); got != nil {
		t.Fatalf("Get(ghost) = %v, want nil", got)
	}

	h.Remove("a")
	if h.Get("a") != nil || h.Count() != 1 {
		t.Fatalf("remove left state: count=%d", h.Count())
	}
	// Removing twice is harmless.
	h.Remove("a")
}

func TestClientContextCancelledOnClose(t *testing.T) {
	c := NewClient(context.Background(), "a", nil)
	select {
	case <-c.Context().Done():
		t.Fatalf("context done before Close")
	default:
	}

	c.Close()
	select {
	case <-c.Context().Done():
	default:
		t.Fatalf("context not cancelled by Close")
	}
}
