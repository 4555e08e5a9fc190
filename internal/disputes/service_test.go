package disputes

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/taskbay/taskbay/internal/escrow"
	"github.com/taskbay/taskbay/internal/provider"
)

type testEnv struct {
	store  *MemoryStore
	escrow *escrow.Service
	svc    *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{store: NewMemoryStore()}
	env.escrow = escrow.NewService(escrow.NewMemoryStore(), provider.NewSandboxGateway("whsec_test")).
		WithFee(500)
	env.svc = NewService(env.store, env.escrow)
	return env
}

// acceptedAssignment walks an assignment to ASSIGNED with a funded payment.
func (env *testEnv) acceptedAssignment(t *testing.T) *escrow.Assignment {
	t.Helper()
	ctx := context.Background()
	a, err := env.escrow.CreateAssignment(ctx, escrow.CreateAssignmentRequest{
		PosterID:    "poster",
		Title:       "Translate a contract",
		BudgetCents: 20000,
	})
	if err != nil {
		t.Fatalf("CreateAssignment failed: %v", err)
	}
	b, err := env.escrow.SubmitBid(ctx, a.ID, escrow.SubmitBidRequest{BidderID: "doer", AmountCents: 15000})
	if err != nil {
		t.Fatalf("SubmitBid failed: %v", err)
	}
	res, err := env.escrow.AcceptBid(ctx, b.ID, "poster")
	if err != nil {
		t.Fatalf("AcceptBid failed: %v", err)
	}
	return res.Assignment
}

func (env *testEnv) openDispute(t *testing.T) (*escrow.Assignment, *Dispute) {
	t.Helper()
	a := env.acceptedAssignment(t)
	d, err := env.svc.Open(context.Background(), OpenRequest{
		AssignmentID: a.ID,
		OpenedBy:     "poster",
		Reason:       "work never started",
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return a, d
}

func TestOpen_FreezesPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, d := env.openDispute(t)

	if d.Status != StatusOpen {
		t.Errorf("expected open, got %s", d.Status)
	}
	if d.AssignmentID != a.ID || d.OpenedBy != "poster" {
		t.Errorf("dispute misattributed: %+v", d)
	}
	p, err := env.escrow.GetPayment(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetPayment failed: %v", err)
	}
	if p.Status != escrow.PaymentDisputed {
		t.Errorf("payment not frozen, got %s", p.Status)
	}
	if d.PaymentID != p.ID {
		t.Error("dispute not linked to the frozen payment")
	}
}

func TestOpen_ParticipantsOnly(t *testing.T) {
	env := newTestEnv(t)
	a := env.acceptedAssignment(t)

	_, err := env.svc.Open(context.Background(), OpenRequest{
		AssignmentID: a.ID,
		OpenedBy:     "bystander",
		Reason:       "none of my business",
	})
	if !errors.Is(err, ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}
}

func TestOpen_DoerMayOpen(t *testing.T) {
	env := newTestEnv(t)
	a := env.acceptedAssignment(t)

	d, err := env.svc.Open(context.Background(), OpenRequest{
		AssignmentID: a.ID,
		OpenedBy:     "doer",
		Reason:       "poster unresponsive",
	})
	if err != nil {
		t.Fatalf("doer-opened dispute failed: %v", err)
	}
	if d.OpenedBy != "doer" {
		t.Errorf("OpenedBy = %s", d.OpenedBy)
	}
}

func TestOpen_OnePerAssignment(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.openDispute(t)

	_, err := env.svc.Open(context.Background(), OpenRequest{
		AssignmentID: a.ID,
		OpenedBy:     "doer",
		Reason:       "me too",
	})
	if !errors.Is(err, ErrDisputeExists) {
		t.Errorf("expected ErrDisputeExists, got %v", err)
	}
}

func TestOpen_ReleasedPaymentCannotBeDisputed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.acceptedAssignment(t)
	if _, err := env.escrow.StartWork(ctx, a.ID, "doer"); err != nil {
		t.Fatalf("StartWork failed: %v", err)
	}
	if _, err := env.escrow.SubmitWork(ctx, a.ID, escrow.SubmitWorkRequest{DoerID: "doer"}); err != nil {
		t.Fatalf("SubmitWork failed: %v", err)
	}
	if _, err := env.escrow.ReleasePayment(ctx, a.ID, "poster"); err != nil {
		t.Fatalf("ReleasePayment failed: %v", err)
	}

	_, err := env.svc.Open(ctx, OpenRequest{AssignmentID: a.ID, OpenedBy: "poster", Reason: "regret"})
	if !errors.Is(err, escrow.ErrAlreadyReleased) {
		t.Errorf("expected ErrAlreadyReleased, got %v", err)
	}
}

func TestAddEvidence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, d := env.openDispute(t)

	got, err := env.svc.AddEvidence(ctx, d.ID, "doer", []escrow.Attachment{
		{URL: "https://files.example.com/chatlog.pdf", Name: "chatlog.pdf"},
	})
	if err != nil {
		t.Fatalf("AddEvidence failed: %v", err)
	}
	if len(got.Evidence) != 1 {
		t.Fatalf("expected 1 evidence item, got %d", len(got.Evidence))
	}

	if _, err := env.svc.AddEvidence(ctx, d.ID, "bystander", nil); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}
}

func TestAddEvidence_ClosedDispute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, d := env.openDispute(t)
	if _, err := env.svc.Resolve(ctx, d.ID, "arbiter", OutcomeRefund, ""); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	_, err := env.svc.AddEvidence(ctx, d.ID, "poster", []escrow.Attachment{{URL: "https://example.com/late.png"}})
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestWithdraw_UnfreezesPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, d := env.openDispute(t)

	got, err := env.svc.Withdraw(ctx, d.ID, "poster")
	if err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}

	// The payment returns to the status the dispute froze it from.
	p, err := env.escrow.GetPayment(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetPayment failed: %v", err)
	}
	if p.Status == escrow.PaymentDisputed {
		t.Error("payment still frozen after withdrawal")
	}
	if p.DisputedFrom != "" {
		t.Errorf("DisputedFrom not cleared, got %s", p.DisputedFrom)
	}

	// A fresh dispute can be opened afterwards.
	if _, err := env.svc.Open(ctx, OpenRequest{AssignmentID: a.ID, OpenedBy: "doer", Reason: "new grievance"}); err != nil {
		t.Errorf("reopening after withdrawal failed: %v", err)
	}
}

func TestWithdraw_OpenerOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, d := env.openDispute(t)

	for _, caller := range []string{"doer", "bystander"} {
		if _, err := env.svc.Withdraw(ctx, d.ID, caller); !errors.Is(err, ErrNotOpener) {
			t.Errorf("caller %s: expected ErrNotOpener, got %v", caller, err)
		}
	}
}

func TestWithdraw_ClosedDispute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, d := env.openDispute(t)

	if _, err := env.svc.Withdraw(ctx, d.ID, "poster"); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if _, err := env.svc.Withdraw(ctx, d.ID, "poster"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second withdraw: expected ErrAlreadyResolved, got %v", err)
	}

	_, d2 := env.openDispute(t)
	if _, err := env.svc.Resolve(ctx, d2.ID, "arbiter", OutcomeRefund, ""); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if _, err := env.svc.Withdraw(ctx, d2.ID, "poster"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("withdraw after resolve: expected ErrAlreadyResolved, got %v", err)
	}
}

func TestResolve_Release(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, d := env.openDispute(t)

	got, err := env.svc.Resolve(ctx, d.ID, "arbiter", OutcomeRelease, "work was delivered")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got.Status != StatusResolvedRelease {
		t.Errorf("expected resolved_release, got %s", got.Status)
	}
	if got.ResolvedBy != "arbiter" || got.ResolvedAt == nil {
		t.Errorf("resolution not recorded: %+v", got)
	}
	p, _ := env.escrow.GetPayment(ctx, a.ID)
	if p.Status != escrow.PaymentReleased {
		t.Errorf("payment not released, got %s", p.Status)
	}
	gotAsg, _ := env.escrow.GetAssignment(ctx, a.ID)
	if gotAsg.Status != escrow.StatusCompleted {
		t.Errorf("assignment not completed, got %s", gotAsg.Status)
	}
}

func TestResolve_Refund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, d := env.openDispute(t)

	got, err := env.svc.Resolve(ctx, d.ID, "arbiter", OutcomeRefund, "nothing delivered")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got.Status != StatusResolvedRefund {
		t.Errorf("expected resolved_refund, got %s", got.Status)
	}
	p, _ := env.escrow.GetPayment(ctx, a.ID)
	if p.Status != escrow.PaymentRefunded {
		t.Errorf("payment not refunded, got %s", p.Status)
	}
}

func TestResolve_SecondResolveFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, d := env.openDispute(t)

	if _, err := env.svc.Resolve(ctx, d.ID, "arbiter", OutcomeRelease, ""); err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	_, err := env.svc.Resolve(ctx, d.ID, "arbiter", OutcomeRefund, "changed my mind")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestResolve_ConcurrentResolvesSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, d := env.openDispute(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.Resolve(ctx, d.ID, "arbiter", OutcomeRelease, "")
		}(i)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyResolved):
			losses++
		default:
			t.Errorf("unexpected resolve error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Errorf("expected exactly one winner, got wins=%d losses=%d", wins, losses)
	}
}

func TestResolve_InvalidOutcome(t *testing.T) {
	env := newTestEnv(t)
	_, d := env.openDispute(t)

	_, err := env.svc.Resolve(context.Background(), d.ID, "arbiter", Outcome("split"), "")
	if !errors.Is(err, ErrInvalidOutcome) {
		t.Errorf("expected ErrInvalidOutcome, got %v", err)
	}
}

func TestResolve_UnknownDispute(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Resolve(context.Background(), "dsp_missing", "arbiter", OutcomeRelease, "")
	if !errors.Is(err, ErrDisputeNotFound) {
		t.Errorf("expected ErrDisputeNotFound, got %v", err)
	}
}
