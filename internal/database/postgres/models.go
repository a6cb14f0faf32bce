package postgres

import (
	"time"
)

// Share is one accepted submission. The (job_id, extra_nonce2, ntime,
// nonce) tuple is unique; replays of the same row are dropped on
// insert.
type Share struct {
	ID               int64     `db:"id"`
	MinerAddress     string    `db:"miner_address"`
	WorkerName       string    `db:"worker_name"`
	JobID            string    `db:"job_id"`
	ExtraNonce2      string    `db:"extra_nonce2"`
	NTime            string    `db:"ntime"`
	Nonce            string    `db:"nonce"`
	Difficulty       float64   `db:"difficulty"`
	BlockHeight      int64     `db:"block_height"`
	IsBlockCandidate bool      `db:"is_block_candidate"`
	SubmittedAt      time.Time `db:"submitted_at"`
}

// Block is a daemon-confirmed block. Rows exist only for blocks whose
// generation transaction was verified; (height, hash) is unique.
type Block struct {
	ID            int64      `db:"id"`
	Height        int64      `db:"height"`
	Hash          string     `db:"hash"`
	CoinbaseHash  string     `db:"coinbase_hash"`
	MinerAddress  string     `db:"miner_address"`
	WorkerName    string     `db:"worker_name"`
	Difficulty    float64    `db:"difficulty"`
	Status        string     `db:"status"` // confirmed, orphaned
	Confirmations int        `db:"confirmations"`
	FoundAt       time.Time  `db:"found_at"`
	OrphanedAt    *time.Time `db:"orphaned_at"`
}

// Block status values.
const (
	BlockStatusConfirmed = "confirmed"
	BlockStatusOrphaned  = "orphaned"
)
