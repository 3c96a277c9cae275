package deploy

import (
	"testing"
	"time"
)

func TestExpiryQueueOrdering(t *testing.T) {
	q := NewExpiryQueue()
	base := time.Now()

	q.Push("u1", "c1", base.Add(3*time.Second))
	q.Push("u2", "c1", base.Add(1*time.Second))
	q.Push("u1", "c2", base.Add(2*time.Second))

	want := []string{"u2", "u1", "u1"}
	for i, wantUser := range want {
		e, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop %d: queue empty", i)
		}
		if e.UserID != wantUser {
			t.Errorf("Pop %d: user = %s, want %s", i, e.UserID, wantUser)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop on empty queue = ok")
	}
}

func TestExpiryQueueReplacesKey(t *testing.T) {
	q := NewExpiryQueue()
	base := time.Now()

	q.Push("u1", "c1", base.Add(time.Second))
	q.Push("u1", "c1", base.Add(time.Hour))

	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}
	e, _ := q.Peek()
	if !e.StopTime.Equal(base.Add(time.Hour)) {
		t.Errorf("StopTime = %v, want extension to win", e.StopTime)
	}
}

func TestExpiryQueuePopKey(t *testing.T) {
	q := NewExpiryQueue()
	base := time.Now()

	q.Push("u1", "c1", base.Add(time.Second))
	q.Push("u1", "c2", base.Add(2*time.Second))

	q.PopKey("u1", "c1")
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}
	e, _ := q.Peek()
	if e.ChallengeID != "c2" {
		t.Errorf("remaining entry = %s, want c2", e.ChallengeID)
	}

	// Removing an absent key is a no-op.
	q.PopKey("u9", "c9")
	if q.Len() != 1 {
		t.Errorf("Len = %d after no-op removal, want 1", q.Len())
	}
}

func TestExpiryQueuePopExpired(t *testing.T) {
	q := NewExpiryQueue()
	now := time.Now()

	q.Push("u1", "c1", now.Add(-2*time.Second))
	q.Push("u2", "c1", now.Add(-1*time.Second))
	q.Push("u3", "c1", now.Add(time.Hour))

	expired := q.PopExpired(now)
	if len(expired) != 2 {
		t.Fatalf("len(expired) = %d, want 2", len(expired))
	}
	if expired[0].UserID != "u1" || expired[1].UserID != "u2" {
		t.Errorf("expired order = %v", expired)
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d after expiry, want 1", q.Len())
	}
}
