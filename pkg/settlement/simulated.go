package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// SimulatedExecutor settles every well-formed payload after ConfirmAfter. It is meant for
// local runs and tests where no chain is reachable.
type SimulatedExecutor struct {
	ConfirmAfter time.Duration

	mu        sync.Mutex
	submitted map[string]time.Time
	now       func() time.Time
}

func NewSimulatedExecutor(confirmAfter time.Duration) *SimulatedExecutor {
	return &SimulatedExecutor{
		ConfirmAfter: confirmAfter,
		submitted:    make(map[string]time.Time),
		now:          time.Now,
	}
}

func (s *SimulatedExecutor) Name() string { return "simulated" }

func (s *SimulatedExecutor) Submit(_ context.Context, payload []byte) (Handle, error) {
	p, err := DecodePayload(payload)
	if err != nil {
		return Handle{}, Reject("malformed payload: %s", err)
	}
	if !p.Amount.IsPositive() {
		return Handle{}, Reject("amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// resubmitting the same transfer must not create a second settlement
	if _, ok := s.submitted[p.TransferID]; !ok {
		s.submitted[p.TransferID] = s.now()
	}
	return Handle{ID: "sim-" + p.TransferID, Raw: payload}, nil
}

func (s *SimulatedExecutor) PollOutcome(_ context.Context, h Handle) (Outcome, error) {
	if len(h.ID) <= len("sim-") {
		return Outcome{}, errors.Errorf("unknown handle %q", h.ID)
	}
	transferID := h.ID[len("sim-"):]

	s.mu.Lock()
	at, ok := s.submitted[transferID]
	if !ok && len(h.Raw) > 0 {
		// process restarted: the persisted handle carries the payload
		at = s.now()
		s.submitted[transferID] = at
		ok = true
	}
	s.mu.Unlock()

	if !ok {
		return IndeterminateOutcome("submission not seen"), nil
	}
	if s.now().Sub(at) < s.ConfirmAfter {
		return IndeterminateOutcome("awaiting confirmation"), nil
	}
	sum := sha256.Sum256([]byte(transferID))
	return ConfirmedOutcome("0x" + hex.EncodeToString(sum[:])), nil
}
