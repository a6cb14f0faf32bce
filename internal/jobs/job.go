// Package jobs manages mining jobs: building them from daemon block
// templates and resolving the job identifiers miners echo back in
// their submissions.
package jobs

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ExtraNonce2Size is the number of bytes the miner contributes to the
// coinbase extra nonce.
const ExtraNonce2Size = 4

// Job is one unit of work broadcast to miners. Identifiers are numeric
// internally and travel as hex on the Stratum wire.
type Job struct {
	ID uint64

	// Stratum notify fields
	PrevHash     string
	Coinb1       string
	Coinb2       string
	MerkleBranch []string
	Version      string
	NBits        string
	NTime        string
	CleanJobs    bool

	// Template context for validation and block reconstruction
	Template      *btcjson.GetBlockTemplateResult
	Height        int64
	CoinbaseValue int64
	NetworkTarget []byte
	// BranchHashes is MerkleBranch parsed once at build time.
	BranchHashes []chainhash.Hash

	CreatedAt time.Time
}

// HexID returns the identifier as it appears on the wire.
func (j *Job) HexID() string {
	return fmt.Sprintf("%x", j.ID)
}

// NotifyParams returns the mining.notify parameter list for this job.
func (j *Job) NotifyParams() []any {
	branch := make([]any, len(j.MerkleBranch))
	for i, h := range j.MerkleBranch {
		branch[i] = h
	}

	return []any{
		j.HexID(),
		j.PrevHash,
		j.Coinb1,
		j.Coinb2,
		branch,
		j.Version,
		j.NBits,
		j.NTime,
		j.CleanJobs,
	}
}
