package settlement

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var ErrQueueFull = errors.New("settlement queue is full")

// Dispatcher hands a transfer over to whatever runs settlement attempts.
type Dispatcher interface {
	Dispatch(ctx context.Context, transferID string) error
}

// Settler runs one settlement attempt. *Orchestrator implements it.
type Settler interface {
	Settle(ctx context.Context, transferID string) (Outcome, error)
}

// LocalDispatcher runs attempts on an in-process worker pool. It is used when no broker
// is configured; lost work is picked up by the reconciler.
type LocalDispatcher struct {
	settler Settler
	workers int
	jobs    chan string

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewLocalDispatcher(settler Settler, workers, buffer int) *LocalDispatcher {
	if workers <= 0 {
		workers = 4
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &LocalDispatcher{
		settler: settler,
		workers: workers,
		jobs:    make(chan string, buffer),
	}
}

func (d *LocalDispatcher) Dispatch(_ context.Context, transferID string) error {
	select {
	case d.jobs <- transferID:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *LocalDispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func(worker int) {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-d.jobs:
					out, err := d.settler.Settle(ctx, id)
					if err != nil && !errors.Is(err, ErrInFlight) {
						logrus.WithFields(logrus.Fields{
							"worker":      worker,
							"transfer_id": id,
						}).Errorf("settlement attempt failed: %s", err)
						continue
					}
					logrus.WithFields(logrus.Fields{
						"worker":      worker,
						"transfer_id": id,
						"outcome":     out.Kind.String(),
					}).Debug("settlement attempt finished")
				}
			}
		}(i)
	}
}

// Stop cancels running attempts and waits for the workers to exit.
func (d *LocalDispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}
