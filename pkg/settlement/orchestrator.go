package settlement

import (
	"context"
	"sync"
	"time"

	"remittance_back/models"
	"remittance_back/pkg/apperr"
	"remittance_back/pkg/ledger"
	"remittance_back/pkg/metrics"
	"remittance_back/pkg/pricing"
	"remittance_back/pkg/repository"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ErrInFlight is returned when another attempt for the same transfer is running.
var ErrInFlight = errors.New("settlement attempt already in flight")

// handleWrites bounds the retries of a handle write after a submission went out.
var (
	handleWrites       = 4
	handleWriteBackoff = 100 * time.Millisecond
)

// ReasonUnresolvedSubmission is the Indeterminate reason for a transfer whose submission
// may have reached the executor without a stored handle.
const ReasonUnresolvedSubmission = "submission outcome unknown, manual reconciliation required"

type Config struct {
	// Timeout bounds one attempt, submission and polling included.
	Timeout      time.Duration
	PollInterval time.Duration
	// LeaseTTL must outlive Timeout so a slow attempt keeps its lease.
	LeaseTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.LeaseTTL < c.Timeout {
		c.LeaseTTL = c.Timeout + 30*time.Second
	}
	return c
}

// Ledger is the part of the transfer ledger the orchestrator drives.
type Ledger interface {
	Get(ctx context.Context, id string) (models.Transfer, error)
	AcquireLease(ctx context.Context, id string, ttl time.Duration) (models.Transfer, bool, error)
	ReleaseLease(ctx context.Context, id string) error
	ApplyPricing(ctx context.Context, id string, p repository.Pricing) (models.Transfer, error)
	BeginSubmission(ctx context.Context, id string) error
	AbandonSubmission(ctx context.Context, id string) error
	RecordSubmission(ctx context.Context, id, handle string, raw []byte) error
	AttachSettlementResult(ctx context.Context, id string, res ledger.Result) (models.Transfer, bool, error)
}

type Pricer interface {
	Resolve(src, dst string, amount decimal.Decimal) (pricing.Result, error)
}

// Notifier is told about transfers that reached COMPLETED or FAILED. It must not block for long.
type Notifier interface {
	TransferSettled(ctx context.Context, t models.Transfer)
}

type Orchestrator struct {
	ledger   Ledger
	executor Executor
	pricer   Pricer
	notifier Notifier
	cfg      Config

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewOrchestrator wires the settlement loop. notifier may be nil.
func NewOrchestrator(l Ledger, executor Executor, pricer Pricer, notifier Notifier, cfg Config) *Orchestrator {
	return &Orchestrator{
		ledger:   l,
		executor: executor,
		pricer:   pricer,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		inFlight: make(map[string]struct{}),
	}
}

func (o *Orchestrator) claim(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[id]; busy {
		return false
	}
	o.inFlight[id] = struct{}{}
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.inFlight, id)
	o.mu.Unlock()
}

func outcomeOf(t models.Transfer) Outcome {
	switch t.Status {
	case models.StatusCompleted:
		ref := ""
		if t.SettlementReference != nil {
			ref = *t.SettlementReference
		}
		return ConfirmedOutcome(ref)
	case models.StatusFailed, models.StatusCancelled:
		reason := string(t.Status)
		if t.FailureReason != nil {
			reason = *t.FailureReason
		}
		return RejectedOutcome(reason)
	}
	return IndeterminateOutcome("transfer still open")
}

// Settle runs one attempt for the transfer. Confirmed and Rejected outcomes are written
// to the ledger; an Indeterminate outcome leaves the transfer open for a later attempt.
// The returned error is reserved for internal faults and ErrInFlight.
func (o *Orchestrator) Settle(ctx context.Context, transferID string) (Outcome, error) {
	log := logrus.WithFields(logrus.Fields{
		"component":   "settlement",
		"transfer_id": transferID,
		"executor":    o.executor.Name(),
	})

	if !o.claim(transferID) {
		return IndeterminateOutcome("attempt in flight"), ErrInFlight
	}
	defer o.release(transferID)

	t, ok, err := o.ledger.AcquireLease(ctx, transferID, o.cfg.LeaseTTL)
	if err != nil {
		return IndeterminateOutcome("lease unavailable"), err
	}
	if !ok {
		if t.Status.Terminal() {
			return outcomeOf(t), nil
		}
		return IndeterminateOutcome("attempt in flight"), ErrInFlight
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.ledger.ReleaseLease(releaseCtx, transferID); err != nil {
			log.Warnf("failed to release settlement lease: %s", err)
		}
	}()

	timer := time.Now()
	defer func() {
		metrics.SettlementDuration.WithLabelValues(o.executor.Name()).Observe(time.Since(timer).Seconds())
	}()

	if !t.Priced() {
		t, err = o.freezePricing(ctx, t)
		if err != nil {
			if appErr, ok := apperr.As(err); ok && appErr.Code == apperr.CodeUnsupportedCurrency {
				return o.finish(ctx, log, t, RejectedOutcome(appErr.Message))
			}
			return IndeterminateOutcome("pricing unavailable"), err
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	var handle Handle
	switch {
	case t.SettlementHandle != nil:
		handle = Handle{ID: *t.SettlementHandle, Raw: t.SettlementHandleRaw}
		log.WithField("handle", handle.ID).Info("resuming outstanding settlement submission")
	case t.SettlementStartedAt != nil:
		// nothing to resume and resubmitting could pay twice
		metrics.SettlementEscalations.Inc()
		log.WithField("started_at", *t.SettlementStartedAt).
			Error("settlement was submitted without a stored handle, manual reconciliation required")
		return o.finish(ctx, log, t, IndeterminateOutcome(ReasonUnresolvedSubmission))
	default:
		if err := o.ledger.BeginSubmission(ctx, transferID); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				if current, getErr := o.ledger.Get(ctx, transferID); getErr == nil && current.Status.Terminal() {
					return outcomeOf(current), nil
				}
				return IndeterminateOutcome("submission state changed"), nil
			}
			return IndeterminateOutcome("submission not marked"), err
		}

		var submitErr error
		handle, submitErr = o.executor.Submit(attemptCtx, t.SettlementPayload)
		if handle.ID != "" {
			if out, stored := o.storeHandle(ctx, log, transferID, handle); !stored {
				if out.Kind != Indeterminate {
					return out, nil
				}
				return o.finish(ctx, log, t, out)
			}
			log.WithField("handle", handle.ID).Info("settlement submitted")
		} else {
			var rejected *RejectedError
			if submitErr == nil || !errors.As(submitErr, &rejected) {
				// without a handle the payload never left the process
				if err := o.ledger.AbandonSubmission(context.WithoutCancel(ctx), transferID); err != nil {
					log.Warnf("failed to clear settlement submission mark: %s", err)
				}
			}
			if submitErr == nil {
				submitErr = errors.New("executor returned no handle")
			}
		}
		if submitErr != nil {
			var rejected *RejectedError
			if errors.As(submitErr, &rejected) {
				return o.finish(ctx, log, t, RejectedOutcome(rejected.Reason))
			}
			log.Warnf("settlement submission outcome unknown: %s", submitErr)
			return o.finish(ctx, log, t, IndeterminateOutcome(submitErr.Error()))
		}
	}

	return o.finish(ctx, log, t, o.poll(attemptCtx, log, handle))
}

// storeHandle persists the handle of a submission that went out. When the write keeps
// failing the transfer stays marked, so later attempts escalate instead of resubmitting.
func (o *Orchestrator) storeHandle(ctx context.Context, log *logrus.Entry, id string, h Handle) (Outcome, bool) {
	log = log.WithField("handle", h.ID)
	var err error
	for i := 0; i < handleWrites; i++ {
		if i > 0 {
			time.Sleep(time.Duration(i) * handleWriteBackoff)
		}
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err = o.ledger.RecordSubmission(writeCtx, id, h.ID, h.Raw)
		cancel()
		if err == nil {
			return Outcome{}, true
		}
		if errors.Is(err, repository.ErrConflict) {
			if current, getErr := o.ledger.Get(ctx, id); getErr == nil && current.Status.Terminal() {
				log.Error("transfer closed while its settlement was being submitted")
				return outcomeOf(current), false
			}
			break
		}
		log.Warnf("settlement handle write failed (try %d): %s", i+1, err)
	}
	metrics.SettlementEscalations.Inc()
	log.Errorf("submitted settlement handle could not be stored, manual reconciliation required: %s", err)
	return IndeterminateOutcome(ReasonUnresolvedSubmission), false
}

func (o *Orchestrator) freezePricing(ctx context.Context, t models.Transfer) (models.Transfer, error) {
	res, err := o.pricer.Resolve(t.SourceCurrency, t.DestinationCurrency, t.SourceAmount)
	if err != nil {
		return t, err
	}
	return o.ledger.ApplyPricing(ctx, t.ID, repository.Pricing{
		Rate:              res.Rate,
		Fee:               res.Fees.Total,
		DestinationAmount: res.DestinationAmount,
		TotalAmount:       res.TotalAmount,
	})
}

// poll asks the executor until the outcome is known or the attempt runs out of time.
func (o *Orchestrator) poll(ctx context.Context, log *logrus.Entry, h Handle) Outcome {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	last := IndeterminateOutcome("no outcome yet")
	for {
		out, err := o.executor.PollOutcome(ctx, h)
		if err != nil {
			log.WithField("handle", h.ID).Debugf("poll failed: %s", err)
		} else if out.Kind != Indeterminate {
			return out
		} else {
			last = out
		}

		select {
		case <-ctx.Done():
			if last.Reason == "" || last.Reason == "no outcome yet" {
				last.Reason = "settlement attempt timed out"
			}
			return last
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) finish(ctx context.Context, log *logrus.Entry, t models.Transfer, out Outcome) (Outcome, error) {
	metrics.SettlementOutcomes.WithLabelValues(o.executor.Name(), out.Kind.String()).Inc()

	var res ledger.Result
	switch out.Kind {
	case Confirmed:
		res = ledger.Confirmed(out.Reference)
	case Rejected:
		res = ledger.Rejected(out.Reason)
	default:
		log.WithField("reason", out.Reason).Warn("settlement outcome indeterminate, transfer stays open")
		return out, nil
	}

	// the attempt may have timed out; the write must still land
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	updated, applied, err := o.ledger.AttachSettlementResult(writeCtx, t.ID, res)
	if err != nil {
		log.Errorf("failed to record settlement outcome %s: %s", out.Kind, err)
		return out, err
	}
	if applied && o.notifier != nil {
		o.notifier.TransferSettled(writeCtx, updated)
	}
	return out, nil
}
