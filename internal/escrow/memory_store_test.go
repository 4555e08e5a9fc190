package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMemoryStoreWithTx_RollbackDiscardsPartialWrites(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateAssignment(ctx, &Assignment{ID: "asg_drop", Status: StatusOpen}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx error = %v, want boom", err)
	}
	if _, err := store.GetAssignment(ctx, "asg_drop"); !errors.Is(err, ErrAssignmentNotFound) {
		t.Errorf("rolled-back write survived: %v", err)
	}
}

func TestMemoryStoreWithTx_ConcurrentTransactionsSerialize(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Whichever order the two transactions run in, the committed one must
	// survive the other's rollback.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = store.WithTx(ctx, func(tx Store) error {
			return tx.CreateAssignment(ctx, &Assignment{ID: "asg_keep", Status: StatusOpen})
		})
	}()

	boom := errors.New("boom")
	_ = store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateAssignment(ctx, &Assignment{ID: "asg_drop", Status: StatusOpen}); err != nil {
			return err
		}
		return boom
	})
	wg.Wait()

	if _, err := store.GetAssignment(ctx, "asg_keep"); err != nil {
		t.Errorf("committed transaction lost to a concurrent rollback: %v", err)
	}
	if _, err := store.GetAssignment(ctx, "asg_drop"); !errors.Is(err, ErrAssignmentNotFound) {
		t.Errorf("rolled-back write survived: %v", err)
	}
}
