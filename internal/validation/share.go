// Package validation turns raw Stratum submissions into classified
// shares: format and duplicate checks, ntime bounds, proof-of-work
// verification against the session target, and block candidate
// detection against the network target.
package validation

import (
	"time"
)

// Submission carries the raw fields of one mining.submit call together
// with the identity of the miner that sent it.
type Submission struct {
	MinerAddress string
	WorkerName   string
	JobID        string
	ExtraNonce2  string
	NTime        string
	Nonce        string
}

// Share is the classified outcome of one submission. The validation
// verdict is fixed at construction; the only later mutation is the
// single block confirmation after daemon-side verification.
type Share struct {
	Submission

	Difficulty  float64
	SubmittedAt time.Time

	valid          bool
	shareErr       ShareError
	blockCandidate bool

	// Candidate fields, populated only when blockCandidate is set.
	// BlockHash is the displayed (byte-reversed) header hash;
	// CoinbaseHash is the coinbase txid in internal byte order.
	BlockHex     string
	BlockHash    string
	CoinbaseHash string
	Height       int64

	confirmedBlock string
}

// NewValidShare constructs an accepted non-candidate share.
func NewValidShare(sub Submission, difficulty float64) *Share {
	return &Share{
		Submission:  sub,
		Difficulty:  difficulty,
		SubmittedAt: time.Now(),
		valid:       true,
	}
}

// NewCandidateShare constructs an accepted share whose hash also meets
// the network target, carrying everything the submission protocol
// needs to push it to the daemon.
func NewCandidateShare(sub Submission, difficulty float64, blockHex, blockHash, coinbaseHash string, height int64) *Share {
	return &Share{
		Submission:     sub,
		Difficulty:     difficulty,
		SubmittedAt:    time.Now(),
		valid:          true,
		blockCandidate: true,
		BlockHex:       blockHex,
		BlockHash:      blockHash,
		CoinbaseHash:   coinbaseHash,
		Height:         height,
	}
}

// NewInvalidShare constructs a rejected share. An unknown reason is
// coerced to LowDifficultyShare so an invalid share can never exist
// without a classification.
func NewInvalidShare(sub Submission, reason ShareError) *Share {
	if !reason.known() {
		reason = LowDifficultyShare
	}
	return &Share{
		Submission:  sub,
		SubmittedAt: time.Now(),
		shareErr:    reason,
	}
}

// IsValid reports whether the share was accepted.
func (s *Share) IsValid() bool { return s.valid }

// IsBlockCandidate reports whether the share's hash meets the network
// target. Always false for invalid shares.
func (s *Share) IsBlockCandidate() bool { return s.blockCandidate }

// RejectReason returns the classification of an invalid share.
func (s *Share) RejectReason() (ShareError, bool) {
	if s.valid {
		return errNone, false
	}
	return s.shareErr, true
}

// ConfirmBlock records the daemon-verified block hash. It takes effect
// once; later calls and calls on non-candidates are ignored.
func (s *Share) ConfirmBlock(blockHash string) bool {
	if !s.blockCandidate || s.confirmedBlock != "" {
		return false
	}
	s.confirmedBlock = blockHash
	return true
}

// ConfirmedBlock returns the verified block hash, if confirmation
// happened.
func (s *Share) ConfirmedBlock() (string, bool) {
	if s.confirmedBlock == "" {
		return "", false
	}
	return s.confirmedBlock, true
}
