package cache

import (
	"context"
	"time"

	"remittance_back/models"

	"github.com/pkg/errors"
)

var (
	ErrQuoteNotFound = errors.New("quote not found")
	ErrQuoteExpired  = errors.New("quote expired")
	ErrQuoteExists   = errors.New("quote already exists")
)

// QuoteStore is create-once storage for quotes. Expiry is decided by the stored
// ExpiresAt; ttl only tells the backend how long it must keep the entry around.
type QuoteStore interface {
	Put(ctx context.Context, q models.Quote, ttl time.Duration) error
	Get(ctx context.Context, id string) (models.Quote, error)
}
