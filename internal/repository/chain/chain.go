package chain

import (
	"context"
	"database/sql"

	"SirenServer/internal/entity"
)

type ChainRepo struct {
	DB *sql.DB
}

func NewChainRepo(db *sql.DB) *ChainRepo {
	return &ChainRepo{DB: db}
}

// AppendChain links origin to successor. An origin can be extended only once, so the link is forward-only.
func (r *ChainRepo) AppendChain(ctx context.Context, c entity.ExtensionChain) error {
	const q = `
		INSERT INTO extension_chains (
			origin_session_id, new_session_id, extension_ordinal, price_tier_applied, approval_mode, transitioned_at
		)
		VALUES ($1,$2,$3,$4,$5,$6)
	`
	_, err := r.DB.ExecContext(ctx, q,
		c.OriginSessionId,
		c.NewSessionId,
		c.ExtensionOrdinal,
		c.PriceTierApplied,
		c.ApprovalMode,
		c.TransitionedAt,
	)
	return err
}

func (r *ChainRepo) Chain(ctx context.Context, sessionID string) ([]entity.ExtensionChain, error) {
	const q = `
		SELECT origin_session_id, new_session_id, extension_ordinal, price_tier_applied, approval_mode, transitioned_at
		FROM extension_chains
		WHERE origin_session_id = $1 OR new_session_id = $1
		ORDER BY extension_ordinal
	`
	rows, err := r.DB.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entity.ExtensionChain
	for rows.Next() {
		var c entity.ExtensionChain
		if err := rows.Scan(
			&c.OriginSessionId,
			&c.NewSessionId,
			&c.ExtensionOrdinal,
			&c.PriceTierApplied,
			&c.ApprovalMode,
			&c.TransitionedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
