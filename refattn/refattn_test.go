package refattn

import (
	"errors"
	"testing"

	"github.com/vidiff/vidiff/array"
)

func TestBorrowReleaseCycle(t *testing.T) {
	bank := NewBank([]*array.Array{array.Zeros(2, 2)})

	for i := 0; i < 3; i++ {
		h, err := bank.Borrow()
		if err != nil {
			t.Fatalf("borrow %d: %v", i, err)
		}
		feats, err := h.Features()
		if err != nil {
			t.Fatalf("features %d: %v", i, err)
		}
		if len(feats) != 1 {
			t.Fatalf("features %d: got %d entries", i, len(feats))
		}
		h.Release()
	}
}

func TestDoubleBorrowFails(t *testing.T) {
	bank := NewBank(nil)
	h, err := bank.Borrow()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bank.Borrow(); !errors.Is(err, ErrHandleOutstanding) {
		t.Errorf("expected ErrHandleOutstanding, got %v", err)
	}
	h.Release()
	if _, err := bank.Borrow(); err != nil {
		t.Errorf("borrow after release: %v", err)
	}
}

func TestReleasedHandleRejectsReads(t *testing.T) {
	bank := NewBank(nil)
	h, err := bank.Borrow()
	if err != nil {
		t.Fatal(err)
	}
	h.Release()
	if _, err := h.Features(); !errors.Is(err, ErrHandleReleased) {
		t.Errorf("expected ErrHandleReleased, got %v", err)
	}
	// Double release is harmless.
	h.Release()
}

func TestResetInvalidatesBank(t *testing.T) {
	bank := NewBank(nil)
	h, _ := bank.Borrow()
	bank.Reset()

	if _, err := h.Features(); !errors.Is(err, ErrHandleReleased) {
		t.Errorf("outstanding handle should be released on reset, got %v", err)
	}
	if _, err := bank.Borrow(); !errors.Is(err, ErrBankReset) {
		t.Errorf("expected ErrBankReset, got %v", err)
	}
}
