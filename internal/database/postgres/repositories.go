package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/bardlex/qpow/internal/block"
	"github.com/bardlex/qpow/internal/difficulty"
)

// BlockRepository handles sealed block storage
type BlockRepository struct {
	db *sql.DB
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db *sql.DB) *BlockRepository {
	return &BlockRepository{db: db}
}

// CreateBlock inserts an imported block. Re-recording the same hash is a
// no-op.
func (r *BlockRepository) CreateBlock(ctx context.Context, b *SealedBlock) error {
	query := `
		INSERT INTO sealed_blocks (hash, parent, height, timestamp_ms, tx_root, beneficiary,
		                           target, nonce, digest, job_id, imported_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (hash) DO NOTHING
		RETURNING id`

	if b.ImportedAt.IsZero() {
		b.ImportedAt = time.Now()
	}
	err := r.db.QueryRowContext(ctx, query,
		b.Hash, b.Parent, b.Height, b.TimestampMs, b.TxRoot, b.Beneficiary,
		b.Target, b.Nonce, b.Digest, b.JobID, b.ImportedAt,
	).Scan(&b.ID)

	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to create block: %w", err)
	}

	return nil
}

// GetBlockByHash retrieves a block by its hash
func (r *BlockRepository) GetBlockByHash(ctx context.Context, hash string) (*SealedBlock, error) {
	query := `
		SELECT id, hash, parent, height, timestamp_ms, tx_root, beneficiary,
		       target, nonce, digest, job_id, imported_at
		FROM sealed_blocks
		WHERE hash = $1`

	b := &SealedBlock{}
	err := r.db.QueryRowContext(ctx, query, hash).Scan(
		&b.ID, &b.Hash, &b.Parent, &b.Height, &b.TimestampMs, &b.TxRoot, &b.Beneficiary,
		&b.Target, &b.Nonce, &b.Digest, &b.JobID, &b.ImportedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("block not found")
		}
		return nil, fmt.Errorf("failed to get block: %w", err)
	}

	return b, nil
}

// GetRecentBlocks retrieves the highest blocks first
func (r *BlockRepository) GetRecentBlocks(ctx context.Context, limit, offset int) ([]*SealedBlock, error) {
	query := `
		SELECT id, hash, parent, height, timestamp_ms, tx_root, beneficiary,
		       target, nonce, digest, job_id, imported_at
		FROM sealed_blocks
		ORDER BY height DESC, imported_at ASC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var blocks []*SealedBlock
	for rows.Next() {
		b := &SealedBlock{}
		err := rows.Scan(
			&b.ID, &b.Hash, &b.Parent, &b.Height, &b.TimestampMs, &b.TxRoot, &b.Beneficiary,
			&b.Target, &b.Nonce, &b.Digest, &b.JobID, &b.ImportedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocks: %w", err)
	}

	return blocks, nil
}

// LoadWindow rebuilds the difficulty window ending at parent by walking the
// stored ancestry, oldest sample first.
func (r *BlockRepository) LoadWindow(ctx context.Context, parent string, depth int) (difficulty.Window, error) {
	query := `
		WITH RECURSIVE ancestry AS (
			SELECT hash, parent, timestamp_ms, target, 1 AS depth
			FROM sealed_blocks WHERE hash = $1
			UNION ALL
			SELECT b.hash, b.parent, b.timestamp_ms, b.target, a.depth + 1
			FROM sealed_blocks b JOIN ancestry a ON b.hash = a.parent
			WHERE a.depth < $2
		)
		SELECT timestamp_ms, target FROM ancestry ORDER BY depth ASC`

	rows, err := r.db.QueryContext(ctx, query, parent, depth)
	if err != nil {
		return nil, fmt.Errorf("failed to query window: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var w difficulty.Window
	for rows.Next() {
		var ts int64
		var targetHex string
		if err := rows.Scan(&ts, &targetHex); err != nil {
			return nil, fmt.Errorf("failed to scan window sample: %w", err)
		}
		target, err := block.ParseTarget(targetHex)
		if err != nil {
			return nil, fmt.Errorf("stored target for sample at %d: %w", ts, err)
		}
		w = append(w, difficulty.Sample{Timestamp: uint64(ts), Target: target})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating window: %w", err)
	}

	slices.Reverse(w)
	return w, nil
}

// RejectionRepository handles rejected candidate storage
type RejectionRepository struct {
	db *sql.DB
}

// NewRejectionRepository creates a new rejection repository
func NewRejectionRepository(db *sql.DB) *RejectionRepository {
	return &RejectionRepository{db: db}
}

// CreateRejection records a rejected candidate
func (r *RejectionRepository) CreateRejection(ctx context.Context, rej *Rejection) error {
	query := `
		INSERT INTO rejections (job_id, height, parent, nonce, reason, rejected_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	if rej.RejectedAt.IsZero() {
		rej.RejectedAt = time.Now()
	}
	err := r.db.QueryRowContext(ctx, query,
		rej.JobID, rej.Height, rej.Parent, rej.Nonce, rej.Reason, rej.RejectedAt,
	).Scan(&rej.ID)

	if err != nil {
		return fmt.Errorf("failed to create rejection: %w", err)
	}

	return nil
}

// CountSince counts rejections recorded after since
func (r *RejectionRepository) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rejections WHERE rejected_at > $1`, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count rejections: %w", err)
	}
	return n, nil
}
