package ratelimit

import (
	"testing"
	"time"
)

func TestAllow_PermitsWithinBurst(t *testing.T) {
	l := New(Config{WindowMs: 1000, Max: 5, BurstMultiplier: 1})
	for i := 0; i < 5; i++ {
		if !l.Allow("client-a") {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
}

func TestAllow_RejectsOverBurst(t *testing.T) {
	l := New(Config{WindowMs: 1000, Max: 2, BurstMultiplier: 1})
	l.Allow("client-a")
	l.Allow("client-a")
	if l.Allow("client-a") {
		t.Fatal("third immediate request should be rejected")
	}
}

func TestAllow_PerClientIsolation(t *testing.T) {
	l := New(Config{WindowMs: 1000, Max: 1, BurstMultiplier: 1})
	if !l.Allow("client-a") {
		t.Fatal("client-a first request should be allowed")
	}
	if !l.Allow("client-b") {
		t.Fatal("client-b should have its own bucket, unaffected by client-a")
	}
}

func TestPruneInactive_RemovesOldClients(t *testing.T) {
	l := New(Config{WindowMs: 1000, Max: 5, BurstMultiplier: 1})
	l.Allow("stale-client")

	removed := l.PruneInactive(time.Now().Add(time.Hour))
	if removed != 1 {
		t.Fatalf("PruneInactive removed %d, want 1", removed)
	}
	if _, ok := l.clients["stale-client"]; ok {
		t.Fatal("stale client bucket should have been removed")
	}
}

func TestPruneInactive_KeepsRecentClients(t *testing.T) {
	l := New(Config{WindowMs: 1000, Max: 5, BurstMultiplier: 1})
	l.Allow("fresh-client")

	removed := l.PruneInactive(time.Now().Add(-time.Hour))
	if removed != 0 {
		t.Fatalf("PruneInactive removed %d, want 0", removed)
	}
}
