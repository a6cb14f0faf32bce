// Package pipeline is the share-submission and block-commit core: it
// dispatches a submission to validation, classifies the outcome,
// drives the block submission and verification protocol against the
// daemon, and fans out notifications.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/bardlex/poolcore/internal/bitcoin"
	"github.com/bardlex/poolcore/internal/jobs"
	"github.com/bardlex/poolcore/internal/stratum"
	"github.com/bardlex/poolcore/internal/validation"
	"github.com/bardlex/poolcore/pkg/log"
)

// MinerSession is the per-connection accounting surface the pipeline
// reads and mutates. Counter increments must be atomic; submissions
// from one session can be processed concurrently.
type MinerSession interface {
	Identity() (address, worker string)
	ExtraNonce1() string
	Difficulty() float64
	IncrementValid()
	IncrementInvalid()
}

// JobSource resolves the job identifier a miner echoes back.
type JobSource interface {
	Resolve(hexID string) (*jobs.Job, bool)
}

// ShareValidator classifies a submission against its job.
type ShareValidator interface {
	Validate(sub validation.Submission, job *jobs.Job, extraNonce1 string, difficulty float64) (*validation.Share, error)
}

// DaemonClient is the slice of the daemon RPC surface the block
// submission protocol needs.
type DaemonClient interface {
	SubmitBlock(ctx context.Context, blockHex string) error
	GetBlock(ctx context.Context, hash string) (*btcjson.GetBlockVerboseResult, error)
}

// Store persists share and block records. Both writes must be
// idempotent; a crash between them is recovered by re-running the
// block write, never by reversing the share write.
type Store interface {
	AddShare(ctx context.Context, share *validation.Share) error
	AddBlock(ctx context.Context, share *validation.Share) error
}

// Alerter raises operator-visible alerts for conditions logs alone
// would bury.
type Alerter interface {
	Critical(ctx context.Context, message string, fields map[string]any)
}

// Rejection is the protocol-visible outcome of an invalid share.
type Rejection struct {
	Code    int
	Message string
}

// SubmitResult is the outcome of one submission. Rejection is non-nil
// exactly when the share is invalid. BlockConfirmed is set only after
// the daemon verifiably accepted a candidate.
type SubmitResult struct {
	Share          *validation.Share
	Rejection      *Rejection
	BlockConfirmed bool
}

// Accepted reports whether the share itself was credited.
func (r *SubmitResult) Accepted() bool { return r.Rejection == nil }

// Pipeline processes share submissions. It holds no cross-submission
// state of its own; all its collaborators must tolerate concurrent
// calls.
type Pipeline struct {
	jobs      JobSource
	validator ShareValidator
	daemon    DaemonClient
	store     Store
	bus       *Bus
	alerts    Alerter
	logger    *log.Logger

	daemonTimeout time.Duration
}

// New creates a pipeline. alerts may be nil when no alert sink is
// configured.
func New(jobSource JobSource, validator ShareValidator, daemon DaemonClient, store Store, bus *Bus, alerts Alerter, logger *log.Logger, daemonTimeout time.Duration) *Pipeline {
	return &Pipeline{
		jobs:          jobSource,
		validator:     validator,
		daemon:        daemon,
		store:         store,
		bus:           bus,
		alerts:        alerts,
		logger:        logger,
		daemonTimeout: daemonTimeout,
	}
}

// Submit processes one mining.submit call. Validation rejections come
// back inside the result; the error return is reserved for internal
// faults where no verdict could be produced. Operational failures in
// the block protocol never surface to the miner: the share stays
// credited and the failure goes to logs and alerts.
func (p *Pipeline) Submit(ctx context.Context, sess MinerSession, jobID, extraNonce2, ntime, nonce string) (*SubmitResult, error) {
	address, worker := sess.Identity()
	sub := validation.Submission{
		MinerAddress: address,
		WorkerName:   worker,
		JobID:        jobID,
		ExtraNonce2:  extraNonce2,
		NTime:        ntime,
		Nonce:        nonce,
	}

	var share *validation.Share
	if job, ok := p.jobs.Resolve(jobID); ok {
		var err error
		share, err = p.validator.Validate(sub, job, sess.ExtraNonce1(), sess.Difficulty())
		if err != nil {
			p.logger.WithError(err).Error("share validation failed",
				"miner", address, "worker", worker, "job_id", jobID)
			return nil, err
		}
	} else {
		share = validation.NewInvalidShare(sub, validation.JobNotFound)
	}

	p.bus.emitShareSubmitted(ShareEvent{
		MinerAddress: address,
		WorkerName:   worker,
		Share:        share,
	})

	if !share.IsValid() {
		sess.IncrementInvalid()
		rejection := classify(share)
		p.logger.Debug("share rejected",
			"miner", address,
			"worker", worker,
			"job_id", jobID,
			"code", rejection.Code,
			"reason", rejection.Message,
		)
		return &SubmitResult{Share: share, Rejection: rejection}, nil
	}

	sess.IncrementValid()

	if err := p.store.AddShare(ctx, share); err != nil {
		// The miner is still credited; storage trouble is the
		// operator's problem.
		p.logger.WithError(err).Error("failed to persist share",
			"miner", address, "worker", worker, "job_id", jobID)
	}

	result := &SubmitResult{Share: share}
	if share.IsBlockCandidate() {
		result.BlockConfirmed = p.submitCandidate(ctx, share)
	}
	return result, nil
}

// submitCandidate drives a block candidate through submission,
// verification and commit. Every failure is caught here and reported
// as non-acceptance; the share credit from the caller stands either
// way.
func (p *Pipeline) submitCandidate(ctx context.Context, share *validation.Share) bool {
	ctx, cancel := context.WithTimeout(ctx, p.daemonTimeout)
	defer cancel()

	blockLogger := p.logger.WithBlock(share.BlockHash, share.Height)

	if err := p.daemon.SubmitBlock(ctx, share.BlockHex); err != nil {
		blockLogger.WithError(err).Error("block submission failed")
		return false
	}

	block, err := p.daemon.GetBlock(ctx, share.BlockHash)
	if err != nil {
		blockLogger.WithError(err).Error("block verification failed")
		return false
	}

	// The daemon accepted a block under our hash; make sure its
	// generation transaction is actually ours. A mismatch means the
	// block was displaced before we read it back, and crediting it
	// would corrupt payouts.
	localGenTx, err := bitcoin.ReverseHashHex(share.CoinbaseHash)
	if err != nil {
		blockLogger.WithError(err).Error("invalid coinbase hash on candidate share")
		return false
	}

	if len(block.Tx) == 0 || block.Tx[0] != localGenTx {
		reported := ""
		if len(block.Tx) > 0 {
			reported = block.Tx[0]
		}
		blockLogger.Critical("generation transaction mismatch, block not credited",
			"local_gen_tx", localGenTx,
			"reported_gen_tx", reported,
		)
		if p.alerts != nil {
			p.alerts.Critical(ctx, "generation transaction mismatch", map[string]any{
				"block_hash":      share.BlockHash,
				"block_height":    share.Height,
				"local_gen_tx":    localGenTx,
				"reported_gen_tx": reported,
			})
		}
		return false
	}

	share.ConfirmBlock(share.BlockHash)

	if err := p.store.AddBlock(ctx, share); err != nil {
		// The block is on the chain; the record can be rebuilt from
		// the daemon by height and hash.
		blockLogger.WithError(err).Error("failed to persist block record")
	}

	address, worker := share.MinerAddress, share.WorkerName
	p.logger.LogBlockFound(share.BlockHash, share.Height, address, worker, share.Difficulty)

	p.bus.emitBlockFound(BlockEvent{
		Hash:   share.BlockHash,
		Height: share.Height,
		Share:  share,
	})
	return true
}

// classify maps a rejected share to its Stratum error descriptor.
func classify(share *validation.Share) *Rejection {
	reason, ok := share.RejectReason()
	if !ok {
		// Unreachable: invalid shares always carry a reason.
		return &Rejection{Code: stratum.ErrorOther, Message: "rejected"}
	}

	switch reason {
	case validation.JobNotFound:
		return &Rejection{
			Code:    stratum.ErrorJobNotFound,
			Message: fmt.Sprintf("job not found: %s", share.JobID),
		}
	case validation.DuplicateShare:
		return &Rejection{
			Code:    stratum.ErrorDuplicateShare,
			Message: fmt.Sprintf("duplicate share: nonce %s", share.Nonce),
		}
	case validation.LowDifficultyShare:
		return &Rejection{
			Code:    stratum.ErrorLowDifficulty,
			Message: fmt.Sprintf("low difficulty share: %g", share.Difficulty),
		}
	default:
		return &Rejection{Code: stratum.ErrorOther, Message: reason.String()}
	}
}
