package session

import (
	"errors"
	"testing"
	"time"

	"github.com/ppops/stub-gateway/internal/protocol"
)

func wantCode(t *testing.T, err error, code int) {
	t.Helper()
	var gw *protocol.GatewayError
	if !errors.As(err, &gw) || gw.Code != code {
		t.Fatalf("error = %v, want code %d", err, code)
	}
}

func TestAcquireRelease(t *testing.T) {
	l := New()

	if err := l.Acquire("a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	snap := l.Snapshot()
	if !snap.Active || snap.Owner != "a" || snap.AcquiredAt.IsZero() {
		t.Fatalf("snapshot after acquire = %+v", snap)
	}

	if err := l.Release("a"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	snap = l.Snapshot()
	if snap.Active || snap.Owner != "" {
		t.Fatalf("snapshot after release = %+v", snap)
	}
}

func TestAcquireWhileHeld(t *testing.T) {
	l := New()
	if err := l.Acquire("a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	wantCode(t, l.Acquire("b"), protocol.CodeSessionAlreadyActive)
	// Re-acquiring from the holder is also rejected; one session per grab.
	wantCode(t, l.Acquire("a"), protocol.CodeSessionAlreadyActive)
}

func TestReleaseErrors(t *testing.T) {
	l := New()
	wantCode(t, l.Release("a"), protocol.CodeNoActiveSession)

	if err := l.Acquire("a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	wantCode(t, l.Release("b"), protocol.CodeNotSessionOwner)
}

func TestRequire(t *testing.T) {
	l := New()
	wantCode(t, l.Require("a"), protocol.CodeNoActiveSession)

	if err := l.Acquire("a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Require("a"); err != nil {
		t.Fatalf("Require by owner: %v", err)
	}
	wantCode(t, l.Require("b"), protocol.CodeNotSessionOwner)
}

func TestReleaseIfOwner(t *testing.T) {
	l := New()
	if l.ReleaseIfOwner("a") {
		t.Fatalf("ReleaseIfOwner released a free lock")
	}

	if err := l.Acquire("a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l.ReleaseIfOwner("b") {
		t.Fatalf("ReleaseIfOwner released for a non-owner")
	}
	if !l.ReleaseIfOwner("a") {
		t.Fatalf("ReleaseIfOwner refused the owner")
	}
	if l.Snapshot().Active {
		t.Fatalf("lock still held after ReleaseIfOwner")
	}
}

func TestChangeHookMayReadLockState(t *testing.T) {
	l := New()
	var owners []string
	l.OnChange(func(Snapshot) { owners = append(owners, l.Snapshot().Owner) })

	if err := l.Acquire("a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release("a"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if len(owners) != 2 || owners[0] != "a" || owners[1] != "" {
		t.Fatalf("hook observed owners %v, want [a ]", owners)
	}
}

func TestSlowChangeHookDoesNotBlockLockState(t *testing.T) {
	l := New()
	entered := make(chan struct{})
	release := make(chan struct{})
	l.OnChange(func(Snapshot) {
		close(entered)
		<-release
	})
	defer close(release)

	go func() { _ = l.Acquire("a") }()
	<-entered

	// The hook is parked mid-broadcast; lock state must stay reachable.
	got := make(chan Snapshot, 1)
	go func() { got <- l.Snapshot() }()
	select {
	case snap := <-got:
		if !snap.Active || snap.Owner != "a" {
			t.Errorf("snapshot during broadcast = %+v, want held by a", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Snapshot blocked while the change hook was running")
	}

	if err := l.Require("a"); err != nil {
		t.Errorf("Require during broadcast: %v", err)
	}
}

func TestOnChangeSeesEveryTransitionInOrder(t *testing.T) {
	l := New()
	var seen []Snapshot
	l.OnChange(func(snap Snapshot) { seen = append(seen, snap) })

	if err := l.Acquire("a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	wantCode(t, l.Acquire("b"), protocol.CodeSessionAlreadyActive) // no transition
	if err := l.Release("a"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("hook saw %d transitions, want 2", len(seen))
	}
	if !seen[0].Active || seen[0].Owner != "a" {
		t.Errorf("first transition = %+v, want held by a", seen[0])
	}
	if seen[1].Active || seen[1].Owner != "" {
		t.Errorf("second transition = %+v, want free", seen[1])
	}
}
