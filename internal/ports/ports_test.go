package ports

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/certlab/exam-runtime/internal/apperr"
	"github.com/certlab/exam-runtime/internal/config"
	"github.com/certlab/exam-runtime/internal/store"
	"github.com/certlab/exam-runtime/internal/store/storetest"
)

func testRanges(size int) map[string]config.PortRange {
	return map[string]config.PortRange{
		RangeDesktop:    {Min: 6080, Max: 6080 + size - 1},
		RangeTerminal:   {Min: 7080, Max: 7080 + size - 1},
		RangeJumphost:   {Min: 2200, Max: 2200 + size - 1},
		RangeClusterAPI: {Min: 16443, Max: 16443 + size - 1},
	}
}

func newTestAllocator(t *testing.T, s *store.Store, ranges map[string]config.PortRange) *Allocator {
	t.Helper()
	a, err := New(s, ranges)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNewRequiresAllRanges(t *testing.T) {
	s, _ := storetest.New(t)
	ranges := testRanges(4)
	delete(ranges, RangeJumphost)
	if _, err := New(s, ranges); err == nil {
		t.Error("expected error for missing range")
	}
}

func TestAllocateOnePerRange(t *testing.T) {
	s, _ := storetest.New(t)
	a := newTestAllocator(t, s, testRanges(10))
	ctx := context.Background()

	alloc, err := a.Allocate(ctx, "exam-1", time.Hour)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	want := map[string]int{RangeDesktop: 6080, RangeTerminal: 7080, RangeJumphost: 2200, RangeClusterAPI: 16443}
	for name, port := range want {
		if alloc.Ports[name] != port {
			t.Errorf("%s: expected %d, got %d", name, port, alloc.Ports[name])
		}
	}

	again, err := a.Allocate(ctx, "exam-1", time.Hour)
	if err != nil {
		t.Fatalf("second Allocate: %v", err)
	}
	if again.Ports[RangeDesktop] != 6080 {
		t.Errorf("expected idempotent allocation, got %v", again.Ports)
	}

	second, _ := a.Allocate(ctx, "exam-2", time.Hour)
	if second.Ports[RangeDesktop] != 6081 {
		t.Errorf("expected next port 6081, got %d", second.Ports[RangeDesktop])
	}
}

func TestConcurrentAllocationsAreUnique(t *testing.T) {
	s, _ := storetest.New(t)
	a := newTestAllocator(t, s, testRanges(50))
	ctx := context.Background()

	const sessions = 40
	results := make([]*Allocation, sessions)
	errs := make([]error, sessions)
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = a.Allocate(ctx, fmt.Sprintf("exam-%d", i), time.Hour)
		}(i)
	}
	wg.Wait()

	seen := map[string]string{}
	for i, alloc := range results {
		if errs[i] != nil {
			t.Fatalf("exam-%d: %v", i, errs[i])
		}
		for name, port := range alloc.Ports {
			key := fmt.Sprintf("%s:%d", name, port)
			if other, dup := seen[key]; dup {
				t.Fatalf("%s leased to both %s and %s", key, other, alloc.SessionID)
			}
			seen[key] = alloc.SessionID
		}
	}
	if len(seen) != sessions*4 {
		t.Errorf("expected %d leases, got %d", sessions*4, len(seen))
	}
}

func TestTwoInstancesShareTheLeaseHash(t *testing.T) {
	s, _ := storetest.New(t)
	a := newTestAllocator(t, s, testRanges(10))
	b := newTestAllocator(t, s, testRanges(10))
	ctx := context.Background()

	first, err := a.Allocate(ctx, "exam-a", time.Hour)
	if err != nil {
		t.Fatalf("Allocate a: %v", err)
	}
	// Skip b's lazy resync so only the persisted hash guards the lease.
	b.synced = true
	second, err := b.Allocate(ctx, "exam-b", time.Hour)
	if err != nil {
		t.Fatalf("Allocate b: %v", err)
	}
	for name := range first.Ports {
		if first.Ports[name] == second.Ports[name] {
			t.Errorf("%s: both instances leased %d", name, first.Ports[name])
		}
	}
}

func TestExhaustionRollsBackEveryRange(t *testing.T) {
	s, _ := storetest.New(t)
	ranges := testRanges(3)
	ranges[RangeClusterAPI] = config.PortRange{Min: 16443, Max: 16443}
	a := newTestAllocator(t, s, ranges)
	ctx := context.Background()

	if _, err := a.Allocate(ctx, "exam-1", time.Hour); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	_, err := a.Allocate(ctx, "exam-2", time.Hour)
	if !apperr.Is(err, apperr.ResourceExhausted) {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	if !apperr.Retryable(err) {
		t.Error("exhaustion should be retryable")
	}

	for _, name := range rangeOrder {
		for _, l := range a.Leases(name) {
			if l.SessionID == "exam-2" {
				t.Errorf("%s:%d still leased to exam-2 after rollback", name, l.Port)
			}
		}
	}
	all, _ := s.HGetAll(ctx, leasesKey)
	if len(all) != 4 {
		t.Errorf("expected only exam-1's 4 persisted leases, got %v", all)
	}
	if _, err := s.Get(ctx, sessionKey("exam-2")); err != store.ErrNotFound {
		t.Errorf("expected exam-2 session record removed, got %v", err)
	}
}

func TestRollbackSurvivesResyncDuringAllocate(t *testing.T) {
	s, _ := storetest.New(t)
	a := newTestAllocator(t, s, testRanges(3))
	ctx := context.Background()
	if err := a.Resync(ctx); err != nil {
		t.Fatalf("Resync: %v", err)
	}

	desktop := a.ranges[RangeDesktop]
	port, err := a.allocateIn(ctx, desktop, "exam-1")
	if err != nil {
		t.Fatalf("allocateIn: %v", err)
	}
	// A resync that read the hash before the lease above was written
	// rebuilds the range without it.
	desktop.mu.Lock()
	desktop.leases = map[int]string{}
	desktop.bySession = map[string]int{}
	desktop.mu.Unlock()

	a.rollback(ctx, "exam-1", map[string]int{RangeDesktop: port})

	all, _ := s.HGetAll(ctx, leasesKey)
	if holder, ok := all[field(RangeDesktop, port)]; ok {
		t.Errorf("%s still leased to %s after rollback", field(RangeDesktop, port), holder)
	}
	if _, err := a.Allocate(ctx, "exam-2", time.Hour); err != nil {
		t.Fatalf("Allocate after rollback: %v", err)
	}
	if got := a.Leases(RangeDesktop); len(got) != 1 || got[0].Port != port {
		t.Errorf("expected exam-2 to reuse %d, got %v", port, got)
	}
}

func TestReleaseMakesPortsImmediatelyAvailable(t *testing.T) {
	s, _ := storetest.New(t)
	a := newTestAllocator(t, s, testRanges(1))
	ctx := context.Background()

	first, err := a.Allocate(ctx, "exam-1", time.Hour)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := a.Allocate(ctx, "exam-2", time.Hour); !apperr.Is(err, apperr.ResourceExhausted) {
		t.Fatalf("expected exhaustion while exam-1 holds the range, got %v", err)
	}
	if err := a.Release(ctx, "exam-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := a.Release(ctx, "exam-1"); err != nil {
		t.Fatalf("second Release should be a no-op: %v", err)
	}
	second, err := a.Allocate(ctx, "exam-2", time.Hour)
	if err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
	for name := range first.Ports {
		if second.Ports[name] != first.Ports[name] {
			t.Errorf("%s: expected reuse of %d, got %d", name, first.Ports[name], second.Ports[name])
		}
	}
}

func TestReleaseFromAnotherInstance(t *testing.T) {
	s, _ := storetest.New(t)
	a := newTestAllocator(t, s, testRanges(5))
	b := newTestAllocator(t, s, testRanges(5))
	ctx := context.Background()

	if _, err := a.Allocate(ctx, "exam-1", time.Hour); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := b.Release(ctx, "exam-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	all, _ := s.HGetAll(ctx, leasesKey)
	if len(all) != 0 {
		t.Errorf("expected no persisted leases, got %v", all)
	}
}

func TestReleasePortConflictIsNoop(t *testing.T) {
	s, _ := storetest.New(t)
	a := newTestAllocator(t, s, testRanges(5))
	ctx := context.Background()

	alloc, _ := a.Allocate(ctx, "exam-1", time.Hour)
	port := alloc.Ports[RangeTerminal]

	if err := a.ReleasePort(ctx, RangeTerminal, port, "exam-intruder"); err != nil {
		t.Fatalf("conflicting ReleasePort should not error: %v", err)
	}
	if holder, _ := s.HGet(ctx, leasesKey, field(RangeTerminal, port)); holder != "exam-1" {
		t.Errorf("lease was freed by the wrong session, holder=%q", holder)
	}
	if leases := a.Leases(RangeTerminal); len(leases) != 1 || leases[0].SessionID != "exam-1" {
		t.Errorf("in-memory lease changed: %v", leases)
	}

	if err := a.ReleasePort(ctx, RangeTerminal, port, "exam-1"); err != nil {
		t.Fatalf("ReleasePort: %v", err)
	}
	if leases := a.Leases(RangeTerminal); len(leases) != 0 {
		t.Errorf("expected terminal range empty, got %v", leases)
	}
	if err := a.ReleasePort(ctx, "bogus", 1, "exam-1"); !apperr.Is(err, apperr.Invalid) {
		t.Errorf("expected Invalid for unknown range, got %v", err)
	}
}

func TestResyncAfterRestart(t *testing.T) {
	s, mr := storetest.New(t)
	ctx := context.Background()

	before := newTestAllocator(t, s, testRanges(5))
	if _, err := before.Allocate(ctx, "exam-live", time.Hour); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := before.Allocate(ctx, "exam-abandoned", time.Minute); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	// A fresh allocator (restarted process) must not hand out exam-live's
	// ports, and may reuse the abandoned session's.
	after := newTestAllocator(t, s, testRanges(5))
	alloc, err := after.Allocate(ctx, "exam-new", time.Hour)
	if err != nil {
		t.Fatalf("Allocate after restart: %v", err)
	}
	if alloc.Ports[RangeDesktop] != 6081 {
		t.Errorf("expected abandoned port 6081 to be reclaimed, got %d", alloc.Ports[RangeDesktop])
	}
	for _, l := range after.Leases(RangeDesktop) {
		if l.SessionID == "exam-abandoned" {
			t.Error("abandoned lease survived resync")
		}
	}

	snap := after.Snapshot()
	if len(snap) != 4 || snap[0].Name != RangeDesktop || snap[0].Leased != 2 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}
