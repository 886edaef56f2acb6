package locktable

import (
	"context"
	"testing"
	"time"
)

func TestTryLockCompatibleModes(t *testing.T) {
	lt := New()
	res := ResourceID{Kind: ResPage, ID: 1}

	if !lt.TryLock(1, res, S) {
		t.Fatal("expected first S lock to succeed")
	}
	if !lt.TryLock(2, res, S) {
		t.Fatal("expected second S lock to be compatible")
	}
	if lt.TryLock(3, res, X) {
		t.Fatal("expected X to conflict with existing S holders")
	}
}

func TestTryLockSameTxSelfCompatible(t *testing.T) {
	lt := New()
	res := ResourceID{Kind: ResRow, ID: 7}

	if !lt.TryLock(1, res, X) {
		t.Fatal("expected X to succeed with no holders")
	}
	if !lt.TryLock(1, res, X) {
		t.Fatal("expected tx to re-acquire its own X lock")
	}
}

func TestLockBlocksUntilUnlock(t *testing.T) {
	lt := New()
	res := ResourceID{Kind: ResPage, ID: 1}

	if err := lt.Lock(context.Background(), 1, res, X); err != nil {
		t.Fatalf("initial lock: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- lt.Lock(context.Background(), 2, res, X)
	}()

	select {
	case <-done:
		t.Fatal("second X lock granted while first still held")
	case <-time.After(20 * time.Millisecond):
	}

	lt.Unlock(1)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second lock after unlock: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second lock never granted after unlock")
	}
}

func TestLockCancelViaContext(t *testing.T) {
	lt := New()
	res := ResourceID{Kind: ResPage, ID: 1}

	if err := lt.Lock(context.Background(), 1, res, X); err != nil {
		t.Fatalf("initial lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := lt.Lock(ctx, 2, res, X); err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestUpgradeSIXCompatibility(t *testing.T) {
	lt := New()
	res := ResourceID{Kind: ResTable, ID: 0}

	if !lt.TryLock(1, res, IX) {
		t.Fatal("expected IX to succeed")
	}
	if err := lt.Upgrade(context.Background(), 1, res, SIX); err != nil {
		t.Fatalf("upgrade IX->SIX: %v", err)
	}
	if lt.TryLock(2, res, S) {
		t.Fatal("expected S to conflict with SIX")
	}
	if !lt.TryLock(2, res, IS) {
		t.Fatal("expected IS to be compatible with SIX")
	}
}

func TestUnlockReleasesAllResources(t *testing.T) {
	lt := New()
	r1 := ResourceID{Kind: ResPage, ID: 1}
	r2 := ResourceID{Kind: ResPage, ID: 2}

	lt.TryLock(1, r1, X)
	lt.TryLock(1, r2, X)
	lt.Unlock(1)

	if !lt.TryLock(2, r1, X) {
		t.Fatal("expected r1 free after unlock")
	}
	if !lt.TryLock(2, r2, X) {
		t.Fatal("expected r2 free after unlock")
	}
}

func TestFIFOOrdering(t *testing.T) {
	lt := New()
	res := ResourceID{Kind: ResPage, ID: 1}

	lt.TryLock(1, res, X)

	order := make(chan TxID, 2)
	go func() {
		lt.Lock(context.Background(), 2, res, S)
		order <- 2
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		lt.Lock(context.Background(), 3, res, X)
		order <- 3
	}()
	time.Sleep(10 * time.Millisecond)

	lt.Unlock(1)

	first := <-order
	if first != 2 {
		t.Fatalf("expected tx 2 granted first (FIFO), got %d", first)
	}
	lt.Unlock(2)
	second := <-order
	if second != 3 {
		t.Fatalf("expected tx 3 granted second, got %d", second)
	}
}
