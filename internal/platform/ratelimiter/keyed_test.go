package ratelimiter

import (
	"testing"
	"time"
)

func TestKeyedLimitsPerKey(t *testing.T) {
	l := New(1, 2, time.Minute)
	now := time.Unix(1700000000, 0)
	if !l.Allow("a", now) || !l.Allow("a", now) {
		t.Fatal("expected burst of 2 allowed")
	}
	if l.Allow("a", now) {
		t.Fatal("expected third request denied")
	}
	if !l.Allow("b", now) {
		t.Fatal("expected independent bucket for another key")
	}
	if !l.Allow("a", now.Add(time.Second)) {
		t.Fatal("expected token refilled after one second")
	}
}

func TestKeyedNilAndBlankKeyAllow(t *testing.T) {
	var l *Keyed
	if !l.Allow("x", time.Now()) {
		t.Fatal("nil limiter must allow")
	}
	if New(0, 1, 0) != nil {
		t.Fatal("expected nil limiter for zero rps")
	}
	live := New(1, 1, time.Minute)
	for i := 0; i < 5; i++ {
		if !live.Allow("  ", time.Now()) {
			t.Fatal("blank key must not be limited")
		}
	}
}

func TestKeyedEvictsIdleKeys(t *testing.T) {
	l := New(100, 100, time.Second)
	start := time.Unix(1700000000, 0)
	l.Allow("idle", start)
	later := start.Add(time.Minute)
	for i := 0; i < sweepEvery; i++ {
		l.Allow("busy", later)
	}
	if l.Len() != 1 {
		t.Fatalf("expected idle key evicted, got %d keys", l.Len())
	}
}
