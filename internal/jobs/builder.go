package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/poolcore/internal/bitcoin"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
)

// Builder turns daemon block templates into broadcast-ready jobs.
type Builder struct {
	daemon      bitcoin.RPCInterface
	store       *Store
	poolAddress string
	chainParams *chaincfg.Params
	logger      *log.Logger
}

// NewBuilder creates a job builder paying out to poolAddress.
func NewBuilder(daemon bitcoin.RPCInterface, store *Store, poolAddress string, chainParams *chaincfg.Params, logger *log.Logger) *Builder {
	return &Builder{
		daemon:      daemon,
		store:       store,
		poolAddress: poolAddress,
		chainParams: chainParams,
		logger:      logger,
	}
}

// NeedsNewJob reports whether the chain tip has moved past the current
// job's template. Before the first job it always reports true.
func (b *Builder) NeedsNewJob(ctx context.Context) (bool, error) {
	current := b.store.Current()
	if current == nil {
		return true, nil
	}

	bestHash, err := b.daemon.GetBestBlockHash(ctx)
	if err != nil {
		return false, errors.Wrap(err, errors.KindDaemon, "check_chain_tip", "failed to get best block hash")
	}

	if current.Template.PreviousHash != bestHash {
		b.logger.Info("new block detected",
			"old_prev_hash", current.Template.PreviousHash,
			"new_prev_hash", bestHash,
		)
		return true, nil
	}
	return false, nil
}

// BuildJob fetches a fresh template, builds a job from it, and makes it
// the current job. cleanJobs tells miners to abandon in-flight work.
func (b *Builder) BuildJob(ctx context.Context, cleanJobs bool) (*Job, error) {
	template, err := b.daemon.GetBlockTemplate(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindDaemon, "build_job", "failed to get block template")
	}

	job, err := b.buildFromTemplate(template, cleanJobs)
	if err != nil {
		return nil, err
	}

	b.store.Put(job)

	b.logger.Info("job created",
		"job_id", job.HexID(),
		"block_height", job.Height,
		"prev_hash", job.PrevHash,
		"tx_count", len(template.Transactions)+1,
		"coinbase_value", job.CoinbaseValue,
		"clean_jobs", cleanJobs,
	)

	return job, nil
}

func (b *Builder) buildFromTemplate(template *btcjson.GetBlockTemplateResult, cleanJobs bool) (*Job, error) {
	if template.CoinbaseValue == nil {
		return nil, errors.New(errors.KindValidation, "build_job", "template has no coinbase value")
	}

	// The job-level coinbase leaves the extra nonce gap zeroed; each
	// session splices its own ExtraNonce1 and the miner's ExtraNonce2
	// into coinb1+coinb2 at submit time.
	_, coinb1, coinb2, err := bitcoin.CreateCoinbaseTransaction(
		template.Height, *template.CoinbaseValue, "", b.poolAddress, b.chainParams)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "build_job", "failed to build coinbase")
	}

	// Branch for the coinbase at index 0. Its own hash never appears in
	// the branch, so a zero placeholder stands in for it.
	txHashes := make([]chainhash.Hash, len(template.Transactions)+1)
	for i, tx := range template.Transactions {
		id := tx.TxID
		if id == "" {
			id = tx.Hash
		}
		hash, err := chainhash.NewHashFromStr(id)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindValidation, "build_job",
				"invalid transaction hash in template").WithField("txid", id)
		}
		txHashes[i+1] = *hash
	}

	branchHashes := bitcoin.GetMerkleBranch(txHashes, 0)
	branch := make([]string, len(branchHashes))
	for i, h := range branchHashes {
		branch[i] = fmt.Sprintf("%x", h[:])
	}

	networkTarget, err := bitcoin.ParseTarget(template.Target)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "build_job", "invalid template target")
	}

	return &Job{
		ID:            b.store.NextID(),
		PrevHash:      template.PreviousHash,
		Coinb1:        coinb1,
		Coinb2:        coinb2,
		MerkleBranch:  branch,
		Version:       fmt.Sprintf("%08x", template.Version),
		NBits:         template.Bits,
		NTime:         fmt.Sprintf("%08x", template.CurTime),
		CleanJobs:     cleanJobs,
		Template:      template,
		Height:        template.Height,
		CoinbaseValue: *template.CoinbaseValue,
		NetworkTarget: networkTarget,
		BranchHashes:  branchHashes,
		CreatedAt:     time.Now(),
	}, nil
}
