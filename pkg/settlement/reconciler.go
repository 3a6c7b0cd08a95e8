package settlement

import (
	"context"
	"sync"
	"time"

	"remittance_back/models"
	"remittance_back/pkg/metrics"

	"github.com/sirupsen/logrus"
)

type UnsettledLister interface {
	Unsettled(ctx context.Context, staleAfter time.Duration, limit int) ([]models.Transfer, error)
}

type ReconcilerConfig struct {
	StaleAfter  time.Duration
	MaxAttempts int
	BatchSize   int
}

// Reconciler periodically re-dispatches open transfers whose attempt ended without a
// terminal outcome. Transfers that used up their attempts are escalated to an operator
// and never failed automatically.
type Reconciler struct {
	lister     UnsettledLister
	dispatcher Dispatcher
	cfg        ReconcilerConfig

	mu        sync.Mutex
	escalated map[string]struct{}
}

func NewReconciler(lister UnsettledLister, dispatcher Dispatcher, cfg ReconcilerConfig) *Reconciler {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{
		lister:     lister,
		dispatcher: dispatcher,
		cfg:        cfg,
		escalated:  make(map[string]struct{}),
	}
}

// Run makes one pass and returns how many transfers were dispatched.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	transfers, err := r.lister.Unsettled(ctx, r.cfg.StaleAfter, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	listed := make(map[string]struct{}, len(transfers))
	for _, t := range transfers {
		listed[t.ID] = struct{}{}
		switch {
		case t.SubmissionUnresolved():
			r.escalate(t, "settlement was submitted without a stored handle, manual reconciliation required")
			continue
		case r.cfg.MaxAttempts > 0 && t.SettlementAttempts >= r.cfg.MaxAttempts:
			r.escalate(t, "settlement outcome still unknown after max attempts, manual reconciliation required")
			continue
		}
		if err := r.dispatcher.Dispatch(ctx, t.ID); err != nil {
			logrus.WithField("transfer_id", t.ID).Warnf("reconciler could not dispatch transfer: %s", err)
			continue
		}
		dispatched++
	}
	// a short batch lists every open transfer, so anything else has been settled
	if len(transfers) < r.cfg.BatchSize {
		r.forgetExcept(listed)
	}
	if dispatched > 0 {
		logrus.WithField("count", dispatched).Info("reconciler re-dispatched open transfers")
	}
	return dispatched, nil
}

func (r *Reconciler) forgetExcept(listed map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.escalated {
		if _, ok := listed[id]; !ok {
			delete(r.escalated, id)
		}
	}
}

func (r *Reconciler) escalate(t models.Transfer, msg string) {
	r.mu.Lock()
	_, seen := r.escalated[t.ID]
	r.escalated[t.ID] = struct{}{}
	r.mu.Unlock()
	if seen {
		return
	}

	handle := ""
	if t.SettlementHandle != nil {
		handle = *t.SettlementHandle
	}
	metrics.SettlementEscalations.Inc()
	logrus.WithFields(logrus.Fields{
		"transfer_id": t.ID,
		"attempts":    t.SettlementAttempts,
		"handle":      handle,
		"created_at":  t.CreatedAt,
	}).Error(msg)
}

// Job adapts Run for the cron scheduler.
func (r *Reconciler) Job() func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := r.Run(ctx); err != nil {
			logrus.Errorf("reconcile pass failed: %s", err)
		}
	}
}
