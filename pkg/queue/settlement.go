package queue

import (
	"context"
	"encoding/json"

	"remittance_back/pkg/apperr"
	"remittance_back/pkg/settlement"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	SettlementExchange  = "settlement"
	SettlementRequested = "settlement.requested"
	SettlementQueue     = "settlement.requests"
)

type SettlementRequest struct {
	TransferID string `json:"transferId"`
}

// Publisher is implemented by *Producer.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// SettlementDispatcher implements settlement.Dispatcher over RabbitMQ.
type SettlementDispatcher struct {
	publisher Publisher
}

func NewSettlementDispatcher(p Publisher) *SettlementDispatcher {
	return &SettlementDispatcher{publisher: p}
}

func (d *SettlementDispatcher) Dispatch(ctx context.Context, transferID string) error {
	err := d.publisher.Publish(ctx, SettlementExchange, SettlementRequested, SettlementRequest{TransferID: transferID})
	return errors.Wrapf(err, "publish settlement request %s", transferID)
}

// SettlementHandler runs the orchestrator for each request. Only internal faults are
// re-queued; an indeterminate outcome is left to the reconciler.
func SettlementHandler(settler settlement.Settler) Handler {
	return func(ctx context.Context, body []byte) bool {
		var req SettlementRequest
		if err := json.Unmarshal(body, &req); err != nil || req.TransferID == "" {
			logrus.WithField("component", "settlement_consumer").Errorf("malformed settlement request dropped: %s", string(body))
			return true
		}
		log := logrus.WithFields(logrus.Fields{"component": "settlement_consumer", "transfer_id": req.TransferID})

		out, err := settler.Settle(ctx, req.TransferID)
		switch {
		case err == nil:
			log.WithField("outcome", out.Kind.String()).Info("settlement attempt finished")
			return true
		case errors.Is(err, settlement.ErrInFlight):
			log.Debug("settlement attempt already running elsewhere")
			return true
		case isExpected(err):
			log.Warnf("settlement request dropped: %s", err)
			return true
		default:
			if ctx.Err() != nil {
				return false
			}
			log.Errorf("settlement attempt failed: %s", err)
			return false
		}
	}
}

func isExpected(err error) bool {
	_, ok := apperr.As(err)
	return ok
}
