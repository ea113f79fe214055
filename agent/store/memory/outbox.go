package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/swaptacular/creditors-agent/agent/model"
	"github.com/swaptacular/creditors-agent/agent/store"
)

// Claim stamps up to limit unclaimed rows of kind (any kind when empty)
// with a fresh claim token, oldest first.
func (s *Store) Claim(_ context.Context, kind model.SignalKind, limit int, lease time.Duration) ([]*model.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ids := sortedKeys(s.t.outbox, func(a, b int64) bool { return a < b })

	var claimed []*model.OutboxMessage

	for _, id := range ids {
		if limit > 0 && len(claimed) >= limit {
			break
		}

		msg := s.t.outbox[id]
		if !claimable(&msg, kind, now) {
			continue
		}

		token := uuid.New()
		until := now.Add(lease)
		msg.ClaimToken = &token
		msg.ClaimedUntil = &until
		s.t.outbox[id] = msg

		out := msg
		claimed = append(claimed, &out)
	}

	return claimed, nil
}

func claimable(msg *model.OutboxMessage, kind model.SignalKind, now time.Time) bool {
	if kind != "" && msg.Kind != kind {
		return false
	}

	if msg.QuarantinedAt != nil {
		return false
	}

	return msg.ClaimedUntil == nil || !msg.ClaimedUntil.After(now)
}

// Delete removes a published row and queues followUps in the same step.
func (s *Store) Delete(_ context.Context, msg *model.OutboxMessage, followUps ...*model.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.claimed(msg)
	if err != nil {
		return err
	}

	delete(s.t.outbox, stored.ID)
	delete(s.t.dedup, stored.DedupKey)

	for _, f := range followUps {
		insertOutbox(&s.t, f)
	}

	return nil
}

// Release gives the row back for a later attempt.
func (s *Store) Release(_ context.Context, msg *model.OutboxMessage, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.claimed(msg)
	if err != nil {
		return err
	}

	stored.ClaimToken = nil
	stored.ClaimedUntil = nil
	stored.Attempts++
	stored.LastError = lastErr
	s.t.outbox[stored.ID] = *stored

	return nil
}

// Quarantine parks a row that can never be published.
func (s *Store) Quarantine(_ context.Context, msg *model.OutboxMessage, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.claimed(msg)
	if err != nil {
		return err
	}

	now := s.now()
	stored.ClaimToken = nil
	stored.ClaimedUntil = nil
	stored.Attempts++
	stored.LastError = lastErr
	stored.QuarantinedAt = &now
	s.t.outbox[stored.ID] = *stored

	return nil
}

// Depth counts queued rows of kind, quarantined ones included.
func (s *Store) Depth(_ context.Context, kind model.SignalKind) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64

	for _, msg := range s.t.outbox {
		if kind == "" || msg.Kind == kind {
			n++
		}
	}

	return n, nil
}

func (s *Store) claimed(msg *model.OutboxMessage) (*model.OutboxMessage, error) {
	stored, ok := s.t.outbox[msg.ID]
	if !ok || stored.ClaimToken == nil || msg.ClaimToken == nil || *stored.ClaimToken != *msg.ClaimToken {
		return nil, store.ErrClaimLost
	}

	return &stored, nil
}

// OutboxMessages returns a copy of the queued rows in insertion order.
func (s *Store) OutboxMessages() []model.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.OutboxMessage, 0, len(s.t.outbox))
	for _, msg := range s.t.outbox {
		out = append(out, msg)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}
