package reaper

import (
	"sync"
	"testing"
	"time"

	"github.com/streamspace-dev/potluck/internal/session"
)

// recordingNotifier captures expired session ids.
type recordingNotifier struct {
	mu      sync.Mutex
	expired []string
}

func (n *recordingNotifier) ExpireSession(sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expired = append(n.expired, sessionID)
}

func (n *recordingNotifier) ids() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.expired...)
}

func TestSweepRemovesExpiredAndNotifies(t *testing.T) {
	store := session.NewStore(50 * time.Millisecond)
	notifier := &recordingNotifier{}
	r := New(store, notifier, time.Minute)

	store.Create("stale", "U1", "Alice")
	time.Sleep(80 * time.Millisecond)
	store.Create("fresh", "U2", "Bob")

	r.Sweep()

	ids := notifier.ids()
	if len(ids) != 1 || ids[0] != "stale" {
		t.Errorf("Expected [stale] notified, got %v", ids)
	}
	if _, err := store.Get("stale"); err != session.ErrNotFound {
		t.Errorf("Expected stale session removed, got %v", err)
	}
	if _, err := store.Get("fresh"); err != nil {
		t.Errorf("Expected fresh session to survive, got %v", err)
	}
}

func TestSweepWithNothingExpired(t *testing.T) {
	store := session.NewStore(time.Hour)
	notifier := &recordingNotifier{}
	r := New(store, notifier, time.Minute)

	store.Create("S", "U1", "Alice")
	r.Sweep()

	if len(notifier.ids()) != 0 {
		t.Errorf("Expected no notifications, got %v", notifier.ids())
	}
	if store.SessionCount() != 1 {
		t.Error("Expected session to survive")
	}
}

func TestScheduledSweep(t *testing.T) {
	store := session.NewStore(200 * time.Millisecond)
	notifier := &recordingNotifier{}
	r := New(store, notifier, time.Second)

	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop()

	store.Create("S", "U1", "Alice")

	// The first scheduled sweep (at ~1s) finds the session expired.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(notifier.ids()) > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	ids := notifier.ids()
	if len(ids) != 1 || ids[0] != "S" {
		t.Fatalf("Expected scheduled sweep to notify [S], got %v", ids)
	}
}
