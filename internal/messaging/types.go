package messaging

import "time"

// JobMessage mirrors a job broadcast onto the jobs topic.
type JobMessage struct {
	JobID        string    `json:"job_id"`
	PrevHash     string    `json:"prev_hash"`
	Coinb1       string    `json:"coinb1"`
	Coinb2       string    `json:"coinb2"`
	MerkleBranch []string  `json:"merkle_branch"`
	Version      string    `json:"version"`
	NBits        string    `json:"nbits"`
	NTime        string    `json:"ntime"`
	CleanJobs    bool      `json:"clean_jobs"`
	BlockHeight  int64     `json:"block_height"`
	CreatedAt    time.Time `json:"created_at"`
}

// ShareMessage is the event published for every processed submission,
// accepted or rejected.
type ShareMessage struct {
	MinerAddress     string    `json:"miner_address"`
	WorkerName       string    `json:"worker_name"`
	JobID            string    `json:"job_id"`
	ExtraNonce2      string    `json:"extra_nonce2"`
	NTime            string    `json:"ntime"`
	Nonce            string    `json:"nonce"`
	Difficulty       float64   `json:"difficulty"`
	IsValid          bool      `json:"is_valid"`
	RejectReason     string    `json:"reject_reason,omitempty"`
	IsBlockCandidate bool      `json:"is_block_candidate"`
	SubmittedAt      time.Time `json:"submitted_at"`
}

// BlockMessage is the event published for every confirmed block.
type BlockMessage struct {
	Hash         string    `json:"hash"`
	Height       int64     `json:"height"`
	CoinbaseHash string    `json:"coinbase_hash"`
	MinerAddress string    `json:"miner_address"`
	WorkerName   string    `json:"worker_name"`
	Difficulty   float64   `json:"difficulty"`
	FoundAt      time.Time `json:"found_at"`
}
