package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ShareRepository handles share record operations
type ShareRepository struct {
	db *sql.DB
}

// NewShareRepository creates a new share repository
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// InsertShare appends a share record. A replay of the same submission
// tuple is silently dropped, so the write can be retried after a crash
// without double-crediting.
func (r *ShareRepository) InsertShare(ctx context.Context, share *Share) error {
	query := `
		INSERT INTO shares (miner_address, worker_name, job_id, extra_nonce2, ntime, nonce,
		                    difficulty, block_height, is_block_candidate, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (job_id, extra_nonce2, ntime, nonce) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		share.MinerAddress, share.WorkerName, share.JobID,
		share.ExtraNonce2, share.NTime, share.Nonce,
		share.Difficulty, share.BlockHeight, share.IsBlockCandidate, share.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert share: %w", err)
	}

	return nil
}

// GetRecentShares retrieves a miner's latest shares with pagination
func (r *ShareRepository) GetRecentShares(ctx context.Context, minerAddress string, limit, offset int) ([]*Share, error) {
	query := `
		SELECT id, miner_address, worker_name, job_id, extra_nonce2, ntime, nonce,
		       difficulty, block_height, is_block_candidate, submitted_at
		FROM shares
		WHERE miner_address = $1
		ORDER BY submitted_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, minerAddress, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var shares []*Share
	for rows.Next() {
		share := &Share{}
		err := rows.Scan(
			&share.ID, &share.MinerAddress, &share.WorkerName, &share.JobID,
			&share.ExtraNonce2, &share.NTime, &share.Nonce,
			&share.Difficulty, &share.BlockHeight, &share.IsBlockCandidate, &share.SubmittedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		shares = append(shares, share)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shares: %w", err)
	}

	return shares, nil
}

// CountSharesSince sums share difficulty per miner since a cutoff, the
// input for round-based reward accounting.
func (r *ShareRepository) CountSharesSince(ctx context.Context, since time.Time) (map[string]float64, error) {
	query := `
		SELECT miner_address, SUM(difficulty)
		FROM shares
		WHERE submitted_at >= $1
		GROUP BY miner_address`

	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query share totals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	totals := make(map[string]float64)
	for rows.Next() {
		var address string
		var total float64
		if err := rows.Scan(&address, &total); err != nil {
			return nil, fmt.Errorf("failed to scan share total: %w", err)
		}
		totals[address] = total
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating share totals: %w", err)
	}

	return totals, nil
}

// BlockRepository handles block record operations
type BlockRepository struct {
	db *sql.DB
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db *sql.DB) *BlockRepository {
	return &BlockRepository{db: db}
}

// InsertBlock appends a confirmed block record. A replayed write for
// the same (height, hash) is dropped.
func (r *BlockRepository) InsertBlock(ctx context.Context, block *Block) error {
	query := `
		INSERT INTO blocks (height, hash, coinbase_hash, miner_address, worker_name,
		                    difficulty, status, confirmations, found_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (height, hash) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		block.Height, block.Hash, block.CoinbaseHash,
		block.MinerAddress, block.WorkerName,
		block.Difficulty, block.Status, block.Confirmations, block.FoundAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert block: %w", err)
	}

	return nil
}

// MarkOrphaned flags a block that fell off the canonical chain.
func (r *BlockRepository) MarkOrphaned(ctx context.Context, height int64, hash string) error {
	query := `UPDATE blocks SET status = $1, orphaned_at = $2 WHERE height = $3 AND hash = $4`

	_, err := r.db.ExecContext(ctx, query, BlockStatusOrphaned, time.Now(), height, hash)
	if err != nil {
		return fmt.Errorf("failed to mark block orphaned: %w", err)
	}

	return nil
}

// UpdateConfirmations refreshes the confirmation depth of a block.
func (r *BlockRepository) UpdateConfirmations(ctx context.Context, height int64, hash string, confirmations int) error {
	query := `UPDATE blocks SET confirmations = $1 WHERE height = $2 AND hash = $3`

	_, err := r.db.ExecContext(ctx, query, confirmations, height, hash)
	if err != nil {
		return fmt.Errorf("failed to update confirmations: %w", err)
	}

	return nil
}

// GetRecentBlocks retrieves recent blocks with pagination
func (r *BlockRepository) GetRecentBlocks(ctx context.Context, limit, offset int) ([]*Block, error) {
	query := `
		SELECT id, height, hash, coinbase_hash, miner_address, worker_name,
		       difficulty, status, confirmations, found_at, orphaned_at
		FROM blocks
		ORDER BY found_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var blocks []*Block
	for rows.Next() {
		block := &Block{}
		err := rows.Scan(
			&block.ID, &block.Height, &block.Hash, &block.CoinbaseHash,
			&block.MinerAddress, &block.WorkerName,
			&block.Difficulty, &block.Status, &block.Confirmations,
			&block.FoundAt, &block.OrphanedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, block)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocks: %w", err)
	}

	return blocks, nil
}
