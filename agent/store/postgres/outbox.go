package postgres

import (
	"cmp"
	"context"
	"database/sql"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/swaptacular/creditors-agent/agent/model"
	"github.com/swaptacular/creditors-agent/agent/store"
)

// Claim stamps up to limit unclaimed rows of kind (any kind when empty)
// with a fresh claim token. Rows locked by a concurrent claimer are skipped.
func (s *Store) Claim(ctx context.Context, kind model.SignalKind, limit int, lease time.Duration) ([]*model.OutboxMessage, error) {
	db, err := s.primary()
	if err != nil {
		return nil, classify(err)
	}

	now := s.now().UTC()
	token := uuid.New()

	rows, err := db.QueryContext(ctx, `UPDATE outbox_message SET claim_token = $1, claimed_until = $2
		WHERE id IN (
			SELECT id FROM outbox_message
			WHERE quarantined_at IS NULL
				AND (claimed_until IS NULL OR claimed_until <= $3)
				AND ($4::text = '' OR kind = $4::text)
			ORDER BY id
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns, token, now.Add(lease), now, string(kind), limitArg(limit))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var claimed []*model.OutboxMessage

	for rows.Next() {
		msg, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}

		claimed = append(claimed, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	slices.SortFunc(claimed, func(a, b *model.OutboxMessage) int {
		return cmp.Compare(a.ID, b.ID)
	})

	return claimed, nil
}

// Delete removes a published row and queues followUps in one transaction.
func (s *Store) Delete(ctx context.Context, msg *model.OutboxMessage, followUps ...*model.OutboxMessage) error {
	err := s.withTx(ctx, func(ctx context.Context, sqlTx *sql.Tx) error {
		res, err := sqlTx.ExecContext(ctx,
			"DELETE FROM outbox_message WHERE id = $1 AND claim_token = $2", msg.ID, claimToken(msg))
		if err != nil {
			return err
		}

		if err := affected(res, store.ErrClaimLost); err != nil {
			return err
		}

		for _, f := range followUps {
			if _, err := insertOutbox(ctx, sqlTx, f); err != nil {
				return err
			}
		}

		return nil
	})

	return classify(err)
}

// Release gives the row back for a later attempt.
func (s *Store) Release(ctx context.Context, msg *model.OutboxMessage, lastErr string) error {
	return s.unclaim(ctx, msg, lastErr, nil)
}

// Quarantine parks a row that can never be published.
func (s *Store) Quarantine(ctx context.Context, msg *model.OutboxMessage, lastErr string) error {
	now := s.now().UTC()

	return s.unclaim(ctx, msg, lastErr, &now)
}

func (s *Store) unclaim(ctx context.Context, msg *model.OutboxMessage, lastErr string, quarantinedAt *time.Time) error {
	db, err := s.primary()
	if err != nil {
		return classify(err)
	}

	res, err := db.ExecContext(ctx, `UPDATE outbox_message
		SET claim_token = NULL, claimed_until = NULL, attempts = attempts + 1, last_error = $3,
			quarantined_at = COALESCE($4, quarantined_at)
		WHERE id = $1 AND claim_token = $2`, msg.ID, claimToken(msg), lastErr, quarantinedAt)
	if err != nil {
		return classify(err)
	}

	return affected(res, store.ErrClaimLost)
}

// Depth counts queued rows of kind, quarantined ones included.
func (s *Store) Depth(ctx context.Context, kind model.SignalKind) (int64, error) {
	db, err := s.primary()
	if err != nil {
		return 0, classify(err)
	}

	var n int64

	err = db.QueryRowContext(ctx,
		"SELECT count(*) FROM outbox_message WHERE ($1::text = '' OR kind = $1::text)", string(kind)).Scan(&n)
	if err != nil {
		return 0, classify(err)
	}

	return n, nil
}

func claimToken(msg *model.OutboxMessage) any {
	if msg.ClaimToken == nil {
		return nil
	}

	return *msg.ClaimToken
}

// limitArg maps a non-positive limit to NULL, which PostgreSQL reads as
// LIMIT ALL.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}

	return limit
}
