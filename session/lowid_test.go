package session

import (
	"testing"

	"github.com/mccartykim/wong-bittorrent/hash2k"
)

func TestLowIDCallbacksRegisterAndResolve(t *testing.T) {
	table := newLowIDCallbacks()
	var fh hash2k.FileHash
	fh[0] = 0xAB

	table.Register(12345, fh)
	if table.Len() != 1 {
		t.Fatalf("expected 1 pending callback, got %d", table.Len())
	}

	got, ok := table.Resolve(12345)
	if !ok || got != fh {
		t.Fatalf("expected resolved hash %v, got %v ok=%v", fh, got, ok)
	}
	if table.Len() != 0 {
		t.Fatalf("expected callback to be consumed, still have %d", table.Len())
	}

	if _, ok := table.Resolve(12345); ok {
		t.Fatal("expected second resolve to miss")
	}
}

func TestLowIDCallbacksForgetDropsWithoutResolving(t *testing.T) {
	table := newLowIDCallbacks()
	var fh hash2k.FileHash
	table.Register(99, fh)

	table.Forget(99)
	if table.Len() != 0 {
		t.Fatalf("expected forgotten callback to be removed, got len %d", table.Len())
	}
	if _, ok := table.Resolve(99); ok {
		t.Fatal("expected resolve to miss after forget")
	}
}

func TestLowIDCallbacksResolveUnknownMisses(t *testing.T) {
	table := newLowIDCallbacks()
	if _, ok := table.Resolve(1); ok {
		t.Fatal("expected miss on empty table")
	}
}
