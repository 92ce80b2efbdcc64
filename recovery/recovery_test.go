package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(Options{
		BaseDelay:      5 * time.Millisecond,
		MaxDelay:       50 * time.Millisecond,
		AttemptTimeout: time.Second,
	})
	m.Start()
	t.Cleanup(m.Stop)
	return m
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestIsCritical_NetworkOnly(t *testing.T) {
	if !TypeNetwork.IsCritical() {
		t.Error("network failures are critical")
	}
	for _, typ := range []ErrorType{TypeSync, TypeQuery, TypeCanvas, TypeMemory} {
		if typ.IsCritical() {
			t.Errorf("%s should not be critical", typ)
		}
	}
}

func TestReport_SuccessResolves(t *testing.T) {
	m := newTestManager(t)

	var mu sync.Mutex
	var resolved []Record
	m.OnResolved(func(r Record) {
		mu.Lock()
		resolved = append(resolved, r)
		mu.Unlock()
	})
	m.RegisterStrategy(TypeSync, Strategy{
		Action:      func(context.Context, Record) error { return nil },
		MaxAttempts: 3,
	})

	id := m.Report(TypeSync, "merge hiccup", map[string]string{"room": "board"})

	waitFor(t, time.Second, func() bool { return m.Pending() == 0 })
	mu.Lock()
	defer mu.Unlock()
	if len(resolved) != 1 || resolved[0].ID != id {
		t.Fatalf("resolved = %v, want record %s", resolved, id)
	}
	if resolved[0].Context["room"] != "board" {
		t.Error("record context should travel with the callback")
	}
}

func TestRetry_ExhaustionGoesUnresolved(t *testing.T) {
	m := newTestManager(t)

	var mu sync.Mutex
	attempts := 0
	var unresolved []Record
	m.OnUnresolved(func(r Record) {
		mu.Lock()
		unresolved = append(unresolved, r)
		mu.Unlock()
	})
	m.RegisterStrategy(TypeQuery, Strategy{
		Action: func(context.Context, Record) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return errors.New("still broken")
		},
		MaxAttempts: 3,
	})

	id := m.Report(TypeQuery, "lookup failed", nil)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(unresolved) == 1
	})
	mu.Lock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if unresolved[0].RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", unresolved[0].RetryCount)
	}
	mu.Unlock()

	// Exhausted records stay queryable until the host withdraws them.
	records := m.ActiveRecords()
	if len(records) != 1 || records[0].ID != id {
		t.Fatalf("ActiveRecords() = %v, want the exhausted record %s", records, id)
	}
	if records[0].RetryCount != records[0].MaxRetries {
		t.Errorf("RetryCount = %d, want MaxRetries %d",
			records[0].RetryCount, records[0].MaxRetries)
	}

	// No retry timer may still be armed for it.
	mu.Lock()
	settled := attempts
	mu.Unlock()
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	if attempts != settled {
		t.Errorf("attempts kept climbing after exhaustion: %d -> %d", settled, attempts)
	}
	mu.Unlock()

	if !m.Resolve(id) {
		t.Fatal("Resolve() should withdraw the exhausted record")
	}
	if m.Pending() != 0 {
		t.Error("resolved record should leave the active set")
	}
}

func TestRetry_EventualSuccess(t *testing.T) {
	m := newTestManager(t)

	var mu sync.Mutex
	attempts := 0
	m.RegisterStrategy(TypeNetwork, Strategy{
		Action: func(context.Context, Record) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return errors.New("offline")
			}
			return nil
		},
		MaxAttempts: 5,
	})

	m.Report(TypeNetwork, "connection lost", nil)

	waitFor(t, 2*time.Second, func() bool { return m.Pending() == 0 })
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDrain_LowerPriorityFirst(t *testing.T) {
	m := NewManager(Options{BaseDelay: time.Millisecond})
	t.Cleanup(m.Stop)

	var mu sync.Mutex
	var order []ErrorType
	record := func(typ ErrorType) Action {
		return func(context.Context, Record) error {
			mu.Lock()
			order = append(order, typ)
			mu.Unlock()
			return nil
		}
	}
	m.RegisterStrategy(TypeNetwork, Strategy{Action: record(TypeNetwork), Priority: 0})
	m.RegisterStrategy(TypeSync, Strategy{Action: record(TypeSync), Priority: 1})
	m.RegisterStrategy(TypeCanvas, Strategy{Action: record(TypeCanvas), Priority: 2})

	// Queue everything before the drain loop starts.
	m.Report(TypeCanvas, "render glitch", nil)
	m.Report(TypeSync, "merge hiccup", nil)
	m.Report(TypeNetwork, "connection lost", nil)
	m.Start()

	waitFor(t, time.Second, func() bool { return m.Pending() == 0 })
	mu.Lock()
	defer mu.Unlock()
	want := []ErrorType{TypeNetwork, TypeSync, TypeCanvas}
	for i, typ := range want {
		if order[i] != typ {
			t.Fatalf("drain order = %v, want %v", order, want)
		}
	}
}

func TestResolve_CancelsPendingRetry(t *testing.T) {
	m := newTestManager(t)

	var mu sync.Mutex
	attempts := 0
	unresolvedCalls := 0
	m.OnUnresolved(func(Record) {
		mu.Lock()
		unresolvedCalls++
		mu.Unlock()
	})
	m.RegisterStrategy(TypeMemory, Strategy{
		Action: func(context.Context, Record) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return errors.New("still tight")
		},
		MaxAttempts: 10,
	})

	id := m.Report(TypeMemory, "pressure high", nil)
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 1
	})

	if !m.Resolve(id) {
		t.Fatal("Resolve() should find the active record")
	}
	if m.Resolve(id) {
		t.Error("second Resolve() should report missing")
	}

	// No further attempts and no unresolved escalation may follow.
	mu.Lock()
	settled := attempts
	mu.Unlock()
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if attempts > settled+1 {
		t.Errorf("attempts kept climbing after Resolve: %d -> %d", settled, attempts)
	}
	if unresolvedCalls != 0 {
		t.Error("resolved record must not escalate to unresolved")
	}
}

func TestSetAutoRecovery_DisabledRecordsWithoutRepair(t *testing.T) {
	m := newTestManager(t)

	var mu sync.Mutex
	attempts := 0
	m.RegisterStrategy(TypeSync, Strategy{
		Action: func(context.Context, Record) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return nil
		},
		MaxAttempts: 3,
	})

	m.SetAutoRecovery(false)
	id := m.Report(TypeSync, "merge hiccup", nil)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	if attempts != 0 {
		t.Errorf("attempts = %d, strategy must not run while auto-recovery is off", attempts)
	}
	mu.Unlock()

	records := m.ActiveRecords()
	if len(records) != 1 || records[0].ID != id {
		t.Fatalf("ActiveRecords() = %v, want the recorded failure %s", records, id)
	}
	if !m.Resolve(id) {
		t.Error("recorded failure should still be resolvable")
	}

	// Re-enabled recovery handles fresh reports as usual.
	m.SetAutoRecovery(true)
	m.Report(TypeSync, "merge hiccup again", nil)
	waitFor(t, time.Second, func() bool { return m.Pending() == 0 })
	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 after re-enabling", attempts)
	}
}

func TestReport_NoStrategyEscalatesImmediately(t *testing.T) {
	m := newTestManager(t)

	var mu sync.Mutex
	var unresolved []Record
	m.OnUnresolved(func(r Record) {
		mu.Lock()
		unresolved = append(unresolved, r)
		mu.Unlock()
	})

	m.Report(TypeCanvas, "nobody handles this", nil)

	mu.Lock()
	defer mu.Unlock()
	if len(unresolved) != 1 {
		t.Fatalf("unresolved = %v, want exactly one immediate escalation", unresolved)
	}
	if m.Pending() != 0 {
		t.Error("unhandled failures never enter the queue")
	}
}
