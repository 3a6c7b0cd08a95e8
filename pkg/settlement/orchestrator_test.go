package settlement

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"remittance_back/models"
	"remittance_back/pkg/ledger"
	"remittance_back/pkg/pricing"
	"remittance_back/pkg/repository"

	"github.com/shopspring/decimal"
)

// scriptedExecutor returns the queued poll outcomes in order and repeats the last one.
type scriptedExecutor struct {
	mu        sync.Mutex
	submitErr error
	handle    Handle
	polls     []Outcome
	submits   int32
	payloads  [][]byte
	pollCount int
	block     chan struct{}
}

func (s *scriptedExecutor) Name() string { return "scripted" }

func (s *scriptedExecutor) Submit(_ context.Context, payload []byte) (Handle, error) {
	atomic.AddInt32(&s.submits, 1)
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, append([]byte(nil), payload...))
	return s.handle, s.submitErr
}

func (s *scriptedExecutor) PollOutcome(_ context.Context, _ Handle) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.polls) == 0 {
		return IndeterminateOutcome("nothing scripted"), nil
	}
	i := s.pollCount
	if i >= len(s.polls) {
		i = len(s.polls) - 1
	}
	s.pollCount++
	return s.polls[i], nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []models.Transfer
}

func (n *recordingNotifier) TransferSettled(_ context.Context, t models.Transfer) {
	n.mu.Lock()
	n.calls = append(n.calls, t)
	n.mu.Unlock()
}

func newPricer(t *testing.T) *pricing.Resolver {
	t.Helper()
	r, err := pricing.NewResolver(pricing.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r
}

func seedTransfer(t *testing.T, l *ledger.Ledger, id string, priced bool) models.Transfer {
	t.Helper()
	tr := models.Transfer{
		ID:                  id,
		RequesterID:         "u-1",
		SourceAmount:        decimal.NewFromInt(50000),
		SourceCurrency:      "INR",
		DestinationCurrency: "RUB",
		RecipientName:       "Olga Ivanova",
		RecipientPhone:      "+79991112233",
		SourceCountry:       "IN",
		DestinationCountry:  "RU",
	}
	if priced {
		tr.ExchangeRate = decimal.RequireFromString("1.12")
		tr.Fee = decimal.NewFromInt(900)
		tr.DestinationAmount = decimal.NewFromInt(56000)
		tr.TotalAmount = decimal.NewFromInt(50900)
	}
	payload, err := BuildPayload(tr)
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	tr.SettlementPayload = payload
	created, err := l.Create(context.Background(), tr)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return created
}

func fastConfig() Config {
	return Config{Timeout: 100 * time.Millisecond, PollInterval: time.Millisecond}
}

func TestSettleIndeterminateThenConfirmed(t *testing.T) {
	l := ledger.New(repository.NewTransferMemory())
	seedTransfer(t, l, "t-1", true)
	exec := &scriptedExecutor{
		handle: Handle{ID: "0xhandle"},
		polls:  []Outcome{IndeterminateOutcome("pending"), IndeterminateOutcome("pending"), ConfirmedOutcome("0xref")},
	}
	notifier := &recordingNotifier{}
	o := NewOrchestrator(l, exec, newPricer(t), notifier, fastConfig())

	out, err := o.Settle(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if out.Kind != Confirmed || out.Reference != "0xref" {
		t.Fatalf("outcome = %+v, want confirmed 0xref", out)
	}
	got, _ := l.Get(context.Background(), "t-1")
	if got.Status != models.StatusCompleted || *got.SettlementReference != "0xref" {
		t.Fatalf("transfer = %s ref=%v", got.Status, got.SettlementReference)
	}
	if got.SettlementLeaseUntil != nil {
		t.Fatalf("lease must be cleared after settlement")
	}
	if len(notifier.calls) != 1 {
		t.Fatalf("notifier called %d times, want 1", len(notifier.calls))
	}
}

func TestSettleTimeoutLeavesTransferOpen(t *testing.T) {
	l := ledger.New(repository.NewTransferMemory())
	seedTransfer(t, l, "t-1", true)
	exec := &scriptedExecutor{handle: Handle{ID: "0xhandle"}, polls: []Outcome{IndeterminateOutcome("pending")}}
	o := NewOrchestrator(l, exec, newPricer(t), nil, Config{Timeout: 20 * time.Millisecond, PollInterval: time.Millisecond})

	out, err := o.Settle(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if out.Kind != Indeterminate {
		t.Fatalf("outcome = %s, want indeterminate", out.Kind)
	}
	got, _ := l.Get(context.Background(), "t-1")
	if got.Status != models.StatusPending {
		t.Fatalf("indeterminate outcome must not fail the transfer, got %s", got.Status)
	}
	if got.SettlementHandle == nil || *got.SettlementHandle != "0xhandle" {
		t.Fatalf("handle must be persisted, got %v", got.SettlementHandle)
	}
}

func TestSettleReusesPersistedHandle(t *testing.T) {
	l := ledger.New(repository.NewTransferMemory())
	seedTransfer(t, l, "t-1", true)
	exec := &scriptedExecutor{handle: Handle{ID: "0xhandle"}, polls: []Outcome{IndeterminateOutcome("pending")}}
	o := NewOrchestrator(l, exec, newPricer(t), nil, Config{Timeout: 10 * time.Millisecond, PollInterval: time.Millisecond})

	if _, err := o.Settle(context.Background(), "t-1"); err != nil {
		t.Fatalf("first Settle: %v", err)
	}
	exec.mu.Lock()
	exec.polls = []Outcome{ConfirmedOutcome("0xref")}
	exec.pollCount = 0
	exec.mu.Unlock()

	out, err := o.Settle(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("second Settle: %v", err)
	}
	if out.Kind != Confirmed {
		t.Fatalf("outcome = %s, want confirmed", out.Kind)
	}
	if n := atomic.LoadInt32(&exec.submits); n != 1 {
		t.Fatalf("payload submitted %d times, want 1", n)
	}
}

func TestSubmitErrorWithHandleIsKept(t *testing.T) {
	l := ledger.New(repository.NewTransferMemory())
	seedTransfer(t, l, "t-1", true)
	exec := &scriptedExecutor{handle: Handle{ID: "0xhandle", Raw: []byte("signed")}, submitErr: errors.New("connection reset")}
	o := NewOrchestrator(l, exec, newPricer(t), nil, fastConfig())

	out, err := o.Settle(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if out.Kind != Indeterminate {
		t.Fatalf("outcome = %s, want indeterminate", out.Kind)
	}
	got, _ := l.Get(context.Background(), "t-1")
	if got.Status != models.StatusPending {
		t.Fatalf("status = %s, want PENDING", got.Status)
	}
	if got.SettlementHandle == nil || !bytes.Equal(got.SettlementHandleRaw, []byte("signed")) {
		t.Fatalf("handle after failed submit must be stored: %+v", got.SettlementHandle)
	}
}

func TestSettleRejectedFailsTransfer(t *testing.T) {
	l := ledger.New(repository.NewTransferMemory())
	seedTransfer(t, l, "t-1", true)
	exec := &scriptedExecutor{submitErr: Reject("recipient blocked")}
	notifier := &recordingNotifier{}
	o := NewOrchestrator(l, exec, newPricer(t), notifier, fastConfig())

	out, err := o.Settle(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if out.Kind != Rejected {
		t.Fatalf("outcome = %s, want rejected", out.Kind)
	}
	got, _ := l.Get(context.Background(), "t-1")
	if got.Status != models.StatusFailed || got.FailureReason == nil || *got.FailureReason != "recipient blocked" {
		t.Fatalf("transfer = %s reason=%v", got.Status, got.FailureReason)
	}
	if len(notifier.calls) != 1 || notifier.calls[0].Status != models.StatusFailed {
		t.Fatalf("notifier calls = %+v", notifier.calls)
	}
}

func TestSettleConcurrentAttemptsSubmitOnce(t *testing.T) {
	l := ledger.New(repository.NewTransferMemory())
	seedTransfer(t, l, "t-1", true)
	exec := &scriptedExecutor{
		handle: Handle{ID: "0xhandle"},
		polls:  []Outcome{ConfirmedOutcome("0xref")},
		block:  make(chan struct{}),
	}
	// two orchestrators share the ledger like two processes share the database
	a := NewOrchestrator(l, exec, newPricer(t), nil, fastConfig())
	b := NewOrchestrator(l, exec, newPricer(t), nil, fastConfig())

	done := make(chan error, 1)
	go func() {
		_, err := a.Settle(context.Background(), "t-1")
		done <- err
	}()
	for atomic.LoadInt32(&exec.submits) == 0 {
		time.Sleep(time.Millisecond)
	}

	_, err := b.Settle(context.Background(), "t-1")
	if !errors.Is(err, ErrInFlight) {
		t.Fatalf("second attempt err = %v, want ErrInFlight", err)
	}
	_, err = a.Settle(context.Background(), "t-1")
	if !errors.Is(err, ErrInFlight) {
		t.Fatalf("same-process attempt err = %v, want ErrInFlight", err)
	}

	close(exec.block)
	if err := <-done; err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if n := atomic.LoadInt32(&exec.submits); n != 1 {
		t.Fatalf("submits = %d, want 1", n)
	}
}

func TestSettleTerminalTransferIsNoop(t *testing.T) {
	l := ledger.New(repository.NewTransferMemory())
	seedTransfer(t, l, "t-1", true)
	if _, err := l.Cancel(context.Background(), "t-1", "u-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	exec := &scriptedExecutor{handle: Handle{ID: "0xhandle"}}
	o := NewOrchestrator(l, exec, newPricer(t), nil, fastConfig())

	out, err := o.Settle(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if out.Kind != Rejected {
		t.Fatalf("outcome = %s, want rejected for a cancelled transfer", out.Kind)
	}
	if atomic.LoadInt32(&exec.submits) != 0 {
		t.Fatalf("cancelled transfer must not be submitted")
	}
}

func TestPayloadIsReplayedUnchanged(t *testing.T) {
	l := ledger.New(repository.NewTransferMemory())
	created := seedTransfer(t, l, "t-1", false)
	exec := &scriptedExecutor{submitErr: errors.New("timeout")}
	o := NewOrchestrator(l, exec, newPricer(t), nil, fastConfig())

	for i := 0; i < 3; i++ {
		if _, err := o.Settle(context.Background(), "t-1"); err != nil {
			t.Fatalf("Settle #%d: %v", i, err)
		}
	}
	if len(exec.payloads) != 3 {
		t.Fatalf("payloads = %d, want 3", len(exec.payloads))
	}
	for i, p := range exec.payloads {
		if !bytes.Equal(p, created.SettlementPayload) {
			t.Fatalf("attempt %d sent a different payload", i)
		}
	}

	got, _ := l.Get(context.Background(), "t-1")
	if !got.Priced() {
		t.Fatalf("inline transfer must be priced on first attempt")
	}
	if !got.ExchangeRate.Equal(decimal.RequireFromString("1.12")) {
		t.Fatalf("rate = %s, want 1.12", got.ExchangeRate)
	}
	if got.SettlementAttempts != 3 {
		t.Fatalf("attempts = %d, want 3", got.SettlementAttempts)
	}
}

// flakyLedger drops the first handle writes like a database connection that went away.
type flakyLedger struct {
	*ledger.Ledger
	mu       sync.Mutex
	failures int
	writes   int
}

func (f *flakyLedger) RecordSubmission(ctx context.Context, id, handle string, raw []byte) error {
	f.mu.Lock()
	f.writes++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	f.mu.Unlock()
	return f.Ledger.RecordSubmission(ctx, id, handle, raw)
}

func quickHandleRetries(t *testing.T) {
	prev := handleWriteBackoff
	handleWriteBackoff = time.Millisecond
	t.Cleanup(func() { handleWriteBackoff = prev })
}

func TestHandleWriteIsRetried(t *testing.T) {
	quickHandleRetries(t)
	l := &flakyLedger{Ledger: ledger.New(repository.NewTransferMemory()), failures: 1}
	seedTransfer(t, l.Ledger, "t-1", true)
	exec := &scriptedExecutor{handle: Handle{ID: "0xhandle"}, polls: []Outcome{ConfirmedOutcome("0xref")}}
	o := NewOrchestrator(l, exec, newPricer(t), nil, fastConfig())

	out, err := o.Settle(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if out.Kind != Confirmed {
		t.Fatalf("outcome = %+v, want confirmed", out)
	}
	got, _ := l.Get(context.Background(), "t-1")
	if got.SettlementHandle == nil || *got.SettlementHandle != "0xhandle" {
		t.Fatalf("handle = %v, want 0xhandle", got.SettlementHandle)
	}
	if l.writes != 2 {
		t.Fatalf("handle writes = %d, want 2", l.writes)
	}
}

func TestUnstoredHandleIsNeverResubmitted(t *testing.T) {
	quickHandleRetries(t)
	l := &flakyLedger{Ledger: ledger.New(repository.NewTransferMemory()), failures: 1000}
	seedTransfer(t, l.Ledger, "t-1", true)
	exec := &scriptedExecutor{handle: Handle{ID: "0xhandle"}, polls: []Outcome{ConfirmedOutcome("0xref")}}
	o := NewOrchestrator(l, exec, newPricer(t), nil, fastConfig())

	for i := 0; i < 3; i++ {
		out, err := o.Settle(context.Background(), "t-1")
		if err != nil {
			t.Fatalf("Settle #%d: %v", i, err)
		}
		if out.Kind != Indeterminate || out.Reason != ReasonUnresolvedSubmission {
			t.Fatalf("Settle #%d outcome = %+v", i, out)
		}
	}
	if n := atomic.LoadInt32(&exec.submits); n != 1 {
		t.Fatalf("submits = %d, want 1", n)
	}
	got, _ := l.Get(context.Background(), "t-1")
	if got.Status != models.StatusPending || !got.SubmissionUnresolved() {
		t.Fatalf("transfer = %s started=%v handle=%v", got.Status, got.SettlementStartedAt, got.SettlementHandle)
	}

	// the webhook still closes it once an operator confirms the payment
	closed, applied, err := l.AttachSettlementResult(context.Background(), "t-1", ledger.Confirmed("0xmanual"))
	if err != nil || !applied || closed.Status != models.StatusCompleted {
		t.Fatalf("manual confirm: applied=%v err=%v status=%s", applied, err, closed.Status)
	}
}

func TestSubmitWithoutHandleClearsMark(t *testing.T) {
	l := ledger.New(repository.NewTransferMemory())
	seedTransfer(t, l, "t-1", true)
	exec := &scriptedExecutor{submitErr: errors.New("nonce unavailable")}
	o := NewOrchestrator(l, exec, newPricer(t), nil, fastConfig())

	if _, err := o.Settle(context.Background(), "t-1"); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	got, _ := l.Get(context.Background(), "t-1")
	if got.SettlementStartedAt != nil {
		t.Fatalf("mark must be cleared when nothing was sent")
	}
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, id string) error {
	d.mu.Lock()
	d.ids = append(d.ids, id)
	d.mu.Unlock()
	return nil
}

type staticLister struct {
	transfers []models.Transfer
}

func (s staticLister) Unsettled(context.Context, time.Duration, int) ([]models.Transfer, error) {
	return s.transfers, nil
}

func TestReconcilerDispatchesAndEscalates(t *testing.T) {
	lister := staticLister{transfers: []models.Transfer{
		{ID: "fresh", SettlementAttempts: 1},
		{ID: "stuck", SettlementAttempts: 5},
	}}
	d := &recordingDispatcher{}
	r := NewReconciler(lister, d, ReconcilerConfig{MaxAttempts: 5})

	for i := 0; i < 2; i++ {
		n, err := r.Run(context.Background())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if n != 1 {
			t.Fatalf("dispatched = %d, want 1", n)
		}
	}
	for _, id := range d.ids {
		if id == "stuck" {
			t.Fatalf("transfer over the attempt limit must not be dispatched")
		}
	}
	if len(r.escalated) != 1 {
		t.Fatalf("escalated = %d, want 1", len(r.escalated))
	}
}

func TestReconcilerHoldsUnresolvedSubmissions(t *testing.T) {
	started := time.Now()
	lister := staticLister{transfers: []models.Transfer{
		{ID: "marked", SettlementAttempts: 1, SettlementStartedAt: &started},
	}}
	d := &recordingDispatcher{}
	r := NewReconciler(lister, d, ReconcilerConfig{MaxAttempts: 5})

	n, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 0 || len(d.ids) != 0 {
		t.Fatalf("marked transfer without handle must not be dispatched: %v", d.ids)
	}
	if _, ok := r.escalated["marked"]; !ok {
		t.Fatalf("marked transfer must be escalated")
	}
}

func TestReconcilerForgetsSettledEscalations(t *testing.T) {
	r := NewReconciler(staticLister{transfers: []models.Transfer{
		{ID: "stuck-1", SettlementAttempts: 5},
		{ID: "stuck-2", SettlementAttempts: 5},
	}}, &recordingDispatcher{}, ReconcilerConfig{MaxAttempts: 5})

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(r.escalated) != 2 {
		t.Fatalf("escalated = %d, want 2", len(r.escalated))
	}

	// stuck-1 was closed through the webhook
	r.lister = staticLister{transfers: []models.Transfer{{ID: "stuck-2", SettlementAttempts: 5}}}
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := r.escalated["stuck-1"]; ok || len(r.escalated) != 1 {
		t.Fatalf("escalated = %v, want only stuck-2", r.escalated)
	}

	// a full batch may hide open transfers, nothing is forgotten
	r.cfg.BatchSize = 1
	r.lister = staticLister{transfers: []models.Transfer{{ID: "other", SettlementAttempts: 5}}}
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(r.escalated) != 2 {
		t.Fatalf("escalated = %d, want 2", len(r.escalated))
	}
}

func TestLocalDispatcherQueueFull(t *testing.T) {
	d := NewLocalDispatcher(nil, 1, 1)
	if err := d.Dispatch(context.Background(), "a"); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if err := d.Dispatch(context.Background(), "b"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestSimulatedExecutorConfirmsOnce(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSimulatedExecutor(time.Second)
	s.now = func() time.Time { return now }

	payload, err := BuildPayload(models.Transfer{ID: "t-1", SourceAmount: decimal.NewFromInt(10)})
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	h1, err := s.Submit(context.Background(), payload)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h2, _ := s.Submit(context.Background(), payload)
	if h1.ID != h2.ID {
		t.Fatalf("resubmission must return the same handle")
	}

	out, _ := s.PollOutcome(context.Background(), h1)
	if out.Kind != Indeterminate {
		t.Fatalf("outcome before delay = %s", out.Kind)
	}
	now = now.Add(time.Second)
	out, _ = s.PollOutcome(context.Background(), h1)
	if out.Kind != Confirmed || out.Reference == "" {
		t.Fatalf("outcome after delay = %+v", out)
	}

	if _, err := s.Submit(context.Background(), []byte(`{"transferId":"t-2","amount":"0"}`)); err == nil {
		t.Fatalf("zero amount must be rejected")
	}
}
