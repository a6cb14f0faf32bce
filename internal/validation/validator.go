package validation

import (
	"encoding/hex"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/poolcore/internal/bitcoin"
	"github.com/bardlex/poolcore/internal/jobs"
	"github.com/bardlex/poolcore/pkg/errors"
)

// maxTrackedJobs bounds the duplicate index. Jobs older than this have
// long since fallen out of the job store, so their submissions fail
// resolution before reaching the duplicate check.
const maxTrackedJobs = 16

// diffOneTarget is the difficulty-1 target as an integer, used to
// derive the difficulty a share hash actually achieved.
var diffOneTarget = mustParseBig("00000000ffff0000000000000000000000000000000000000000000000000000")

func mustParseBig(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("bad target constant: " + s)
	}
	return n
}

// Validator classifies submissions against their jobs. Safe for
// concurrent use; the duplicate index is the only shared state.
type Validator struct {
	maxTimeSkew time.Duration

	mu       sync.Mutex
	seen     map[uint64]map[string]struct{}
	seenJobs []uint64
}

// NewValidator creates a validator allowing share timestamps up to
// maxTimeSkew ahead of the pool clock.
func NewValidator(maxTimeSkew time.Duration) *Validator {
	return &Validator{
		maxTimeSkew: maxTimeSkew,
		seen:        make(map[uint64]map[string]struct{}),
	}
}

// Validate classifies one submission against its resolved job. The
// returned share carries the verdict; a non-nil error means the job
// data itself could not be interpreted, which is an internal fault and
// not a property of the submission.
func (v *Validator) Validate(sub Submission, job *jobs.Job, extraNonce1 string, difficulty float64) (*Share, error) {
	if reason, bad := checkFormat(sub); bad {
		return NewInvalidShare(sub, reason), nil
	}

	if v.isDuplicate(job.ID, sub) {
		return NewInvalidShare(sub, DuplicateShare), nil
	}

	if !v.ntimeInRange(sub.NTime, job) {
		return NewInvalidShare(sub, NTimeOutOfRange), nil
	}

	coinbaseTx, err := bitcoin.AssembleCoinbase(job.Coinb1, extraNonce1, sub.ExtraNonce2, job.Coinb2)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "validate_share", "failed to assemble coinbase")
	}

	headerHash, err := v.headerHash(sub, job, coinbaseTx)
	if err != nil {
		return nil, err
	}

	if !bitcoin.HashMeetsTarget(headerHash, bitcoin.DifficultyToTarget(difficulty)) {
		share := NewInvalidShare(sub, LowDifficultyShare)
		share.Difficulty = observedDifficulty(headerHash)
		return share, nil
	}

	v.record(job.ID, sub)

	if bitcoin.HashMeetsTarget(headerHash, job.NetworkTarget) {
		_, blockHex, err := bitcoin.ReconstructBlock(job.Template, coinbaseTx, sub.NTime, sub.Nonce)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "validate_share", "failed to reconstruct candidate block")
		}

		coinbaseHash := coinbaseTx.TxHash()
		return NewCandidateShare(sub, difficulty, blockHex, headerHash.String(),
			hexOf(coinbaseHash), job.Height), nil
	}

	return NewValidShare(sub, difficulty), nil
}

func checkFormat(sub Submission) (ShareError, bool) {
	if !isHexOfLen(sub.ExtraNonce2, jobs.ExtraNonce2Size*2) {
		return IncorrectExtraNonce2Size, true
	}
	if !isHexOfLen(sub.NTime, 8) {
		return IncorrectNTimeSize, true
	}
	if !isHexOfLen(sub.Nonce, 8) {
		return IncorrectNonceSize, true
	}
	return errNone, false
}

func isHexOfLen(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func submissionKey(sub Submission) string {
	return sub.ExtraNonce2 + ":" + sub.NTime + ":" + sub.Nonce
}

func (v *Validator) isDuplicate(jobID uint64, sub Submission) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, dup := v.seen[jobID][submissionKey(sub)]
	return dup
}

// record remembers an accepted submission for duplicate detection.
// Only accepted shares count; a rejected share can be resubmitted
// corrected without tripping the duplicate check.
func (v *Validator) record(jobID uint64, sub Submission) {
	v.mu.Lock()
	defer v.mu.Unlock()

	keys, ok := v.seen[jobID]
	if !ok {
		keys = make(map[string]struct{})
		v.seen[jobID] = keys
		v.seenJobs = append(v.seenJobs, jobID)
		for len(v.seenJobs) > maxTrackedJobs {
			delete(v.seen, v.seenJobs[0])
			v.seenJobs = v.seenJobs[1:]
		}
	}
	keys[submissionKey(sub)] = struct{}{}
}

// ntimeInRange bounds the share timestamp between the template's
// minimum time and the pool clock plus the allowed skew.
func (v *Validator) ntimeInRange(ntime string, job *jobs.Job) bool {
	val, err := bitcoin.ParseHexUint32(ntime)
	if err != nil {
		return false
	}

	shareTime := int64(val)

	minTime := job.Template.CurTime - int64(v.maxTimeSkew/time.Second)
	if job.Template.MinTime > 0 && job.Template.MinTime > minTime {
		minTime = job.Template.MinTime
	}
	maxTime := time.Now().Unix() + int64(v.maxTimeSkew/time.Second)

	return shareTime >= minTime && shareTime <= maxTime
}

func (v *Validator) headerHash(sub Submission, job *jobs.Job, coinbaseTx *wire.MsgTx) (chainhash.Hash, error) {
	version, err := bitcoin.ParseHexUint32(job.Version)
	if err != nil {
		return chainhash.Hash{}, errors.Wrap(err, errors.KindInternal, "validate_share", "invalid job version")
	}
	bits, err := bitcoin.ParseHexUint32(job.NBits)
	if err != nil {
		return chainhash.Hash{}, errors.Wrap(err, errors.KindInternal, "validate_share", "invalid job nbits")
	}
	ntime, err := bitcoin.ParseHexUint32(sub.NTime)
	if err != nil {
		return chainhash.Hash{}, errors.Wrap(err, errors.KindInternal, "validate_share", "invalid ntime")
	}
	nonce, err := bitcoin.ParseHexUint32(sub.Nonce)
	if err != nil {
		return chainhash.Hash{}, errors.Wrap(err, errors.KindInternal, "validate_share", "invalid nonce")
	}
	prevHash, err := chainhash.NewHashFromStr(job.PrevHash)
	if err != nil {
		return chainhash.Hash{}, errors.Wrap(err, errors.KindInternal, "validate_share", "invalid job prev hash")
	}

	root := bitcoin.MerkleRootFromBranch(coinbaseTx.TxHash(), job.BranchHashes)

	header := wire.BlockHeader{
		Version:    int32(version),
		PrevBlock:  *prevHash,
		MerkleRoot: root,
		Timestamp:  time.Unix(int64(ntime), 0),
		Bits:       bits,
		Nonce:      nonce,
	}
	return header.BlockHash(), nil
}

// observedDifficulty derives the difficulty a header hash achieved,
// for rejection context on low-difficulty shares.
func observedDifficulty(hash chainhash.Hash) float64 {
	var be [32]byte
	for i := 0; i < 32; i++ {
		be[i] = hash[31-i]
	}

	hashInt := new(big.Int).SetBytes(be[:])
	if hashInt.Sign() == 0 {
		return 0
	}

	diff, _ := new(big.Float).Quo(
		new(big.Float).SetInt(diffOneTarget),
		new(big.Float).SetInt(hashInt),
	).Float64()
	return diff
}

func hexOf(h chainhash.Hash) string {
	return hex.EncodeToString(h[:])
}
