package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestCreditOnce_CreditsBalance(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	if err := l.CreditOnce(ctx, "user1", 9500, "payment:pay_abc", "escrow release"); err != nil {
		t.Fatalf("CreditOnce failed: %v", err)
	}

	bal, err := l.GetBalance(ctx, "user1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if bal.AvailableCents != 9500 {
		t.Errorf("expected 9500 available, got %d", bal.AvailableCents)
	}
	if bal.TotalInCents != 9500 {
		t.Errorf("expected 9500 total in, got %d", bal.TotalInCents)
	}
}

func TestCreditOnce_ReplayIsNoop(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.CreditOnce(ctx, "user1", 9500, "payment:pay_abc", "escrow release"); err != nil {
			t.Fatalf("CreditOnce replay %d failed: %v", i, err)
		}
	}

	bal, _ := l.GetBalance(ctx, "user1")
	if bal.AvailableCents != 9500 {
		t.Errorf("replay double-credited: got %d, want 9500", bal.AvailableCents)
	}
}

func TestCreditOnce_DistinctReferencesAccumulate(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	l.CreditOnce(ctx, "user1", 1000, "payment:pay_1", "escrow release")
	l.CreditOnce(ctx, "user1", 2500, "payment:pay_2", "escrow release")

	bal, _ := l.GetBalance(ctx, "user1")
	if bal.AvailableCents != 3500 {
		t.Errorf("expected 3500, got %d", bal.AvailableCents)
	}
}

func TestCreditOnce_RejectsNonPositive(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	for _, amount := range []int64{0, -100} {
		if err := l.CreditOnce(ctx, "user1", amount, "ref", ""); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("CreditOnce(%d) = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestDebit_InsufficientBalance(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	l.CreditOnce(ctx, "user1", 1000, "payment:pay_1", "")
	if err := l.Debit(ctx, "user1", 2000, "payout:po_1", ""); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}

	bal, _ := l.GetBalance(ctx, "user1")
	if bal.AvailableCents != 1000 {
		t.Errorf("failed debit should not change balance, got %d", bal.AvailableCents)
	}
}

func TestDebit_ReducesBalance(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	l.CreditOnce(ctx, "user1", 5000, "payment:pay_1", "")
	if err := l.Debit(ctx, "user1", 3000, "payout:po_1", "payout"); err != nil {
		t.Fatalf("Debit failed: %v", err)
	}

	bal, _ := l.GetBalance(ctx, "user1")
	if bal.AvailableCents != 2000 {
		t.Errorf("expected 2000, got %d", bal.AvailableCents)
	}
	if bal.TotalOutCents != 3000 {
		t.Errorf("expected 3000 total out, got %d", bal.TotalOutCents)
	}
}

func TestGetHistory_NewestFirst(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	l.CreditOnce(ctx, "user1", 1000, "payment:pay_1", "first")
	l.CreditOnce(ctx, "user1", 2000, "payment:pay_2", "second")
	l.CreditOnce(ctx, "other", 9999, "payment:pay_3", "not mine")

	entries, err := l.GetHistory(ctx, "user1", 10)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Description != "second" {
		t.Errorf("expected newest first, got %q", entries[0].Description)
	}
}

func TestCreditOnce_ConcurrentReplays(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.CreditOnce(ctx, "user1", 9500, "payment:pay_abc", "escrow release")
		}()
	}
	wg.Wait()

	bal, _ := l.GetBalance(ctx, "user1")
	if bal.AvailableCents != 9500 {
		t.Errorf("concurrent replays double-credited: got %d, want 9500", bal.AvailableCents)
	}
}
