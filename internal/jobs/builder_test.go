package jobs

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/poolcore/pkg/log"
)

const testPoolAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

type fakeDaemon struct {
	template *btcjson.GetBlockTemplateResult
	bestHash string
	err      error
}

func (f *fakeDaemon) GetBlockTemplate(context.Context) (*btcjson.GetBlockTemplateResult, error) {
	return f.template, f.err
}
func (f *fakeDaemon) GetBlockCount(context.Context) (int64, error) { return 0, f.err }
func (f *fakeDaemon) GetBestBlockHash(context.Context) (string, error) {
	return f.bestHash, f.err
}
func (f *fakeDaemon) GetBlock(context.Context, string) (*btcjson.GetBlockVerboseResult, error) {
	return nil, f.err
}
func (f *fakeDaemon) GetDifficulty(context.Context) (float64, error) { return 0, f.err }
func (f *fakeDaemon) GetBlockchainInfo(context.Context) (*btcjson.GetBlockChainInfoResult, error) {
	return nil, f.err
}
func (f *fakeDaemon) SubmitBlock(context.Context, string) error { return f.err }
func (f *fakeDaemon) ValidateAddress(context.Context, string) (bool, error) {
	return true, f.err
}
func (f *fakeDaemon) Ping(context.Context) error { return f.err }
func (f *fakeDaemon) Close()                     {}

func testTemplate() *btcjson.GetBlockTemplateResult {
	coinbaseValue := int64(625000000)
	return &btcjson.GetBlockTemplateResult{
		Version:       0x20000000,
		PreviousHash:  "0000000000000000000000000000000000000000000000000000000000000001",
		Height:        800000,
		CurTime:       1700000000,
		Bits:          "1703255e",
		Target:        "00000000000000000003255e0000000000000000000000000000000000000000",
		CoinbaseValue: &coinbaseValue,
	}
}

func testLogger() *log.Logger {
	return log.New("jobs-test", "test", "error", "json")
}

func TestBuildJobFromTemplate(t *testing.T) {
	daemon := &fakeDaemon{template: testTemplate()}
	store := NewStore()
	builder := NewBuilder(daemon, store, testPoolAddress, &chaincfg.MainNetParams, testLogger())

	job, err := builder.BuildJob(context.Background(), true)
	if err != nil {
		t.Fatalf("BuildJob() error = %v", err)
	}

	if store.Current() != job {
		t.Error("built job should be current")
	}
	if job.Height != 800000 {
		t.Errorf("Height = %d, want 800000", job.Height)
	}
	if job.Version != "20000000" {
		t.Errorf("Version = %q, want %q", job.Version, "20000000")
	}
	if job.NBits != "1703255e" {
		t.Errorf("NBits = %q, want %q", job.NBits, "1703255e")
	}
	if job.NTime != "6553f100" {
		t.Errorf("NTime = %q, want %q", job.NTime, "6553f100")
	}
	if !job.CleanJobs {
		t.Error("CleanJobs should be true")
	}
	if job.Coinb1 == "" || job.Coinb2 == "" {
		t.Error("coinbase halves must be populated")
	}
	// An empty-mempool template has a single-tx merkle tree with no
	// siblings.
	if len(job.MerkleBranch) != 0 {
		t.Errorf("MerkleBranch length = %d, want 0", len(job.MerkleBranch))
	}
	if len(job.NetworkTarget) != 32 {
		t.Errorf("NetworkTarget length = %d, want 32", len(job.NetworkTarget))
	}
}

func TestBuildJobRejectsTemplateWithoutCoinbaseValue(t *testing.T) {
	template := testTemplate()
	template.CoinbaseValue = nil
	daemon := &fakeDaemon{template: template}
	builder := NewBuilder(daemon, NewStore(), testPoolAddress, &chaincfg.MainNetParams, testLogger())

	if _, err := builder.BuildJob(context.Background(), false); err == nil {
		t.Fatal("expected error for template without coinbase value")
	}
}

func TestNeedsNewJob(t *testing.T) {
	daemon := &fakeDaemon{
		template: testTemplate(),
		bestHash: "0000000000000000000000000000000000000000000000000000000000000001",
	}
	store := NewStore()
	builder := NewBuilder(daemon, store, testPoolAddress, &chaincfg.MainNetParams, testLogger())

	need, err := builder.NeedsNewJob(context.Background())
	if err != nil {
		t.Fatalf("NeedsNewJob() error = %v", err)
	}
	if !need {
		t.Error("empty store should always need a job")
	}

	if _, err := builder.BuildJob(context.Background(), true); err != nil {
		t.Fatalf("BuildJob() error = %v", err)
	}

	// Tip still matches the template the job was built from.
	need, err = builder.NeedsNewJob(context.Background())
	if err != nil {
		t.Fatalf("NeedsNewJob() error = %v", err)
	}
	if need {
		t.Error("unchanged tip should not need a new job")
	}

	daemon.bestHash = "0000000000000000000000000000000000000000000000000000000000000002"
	need, err = builder.NeedsNewJob(context.Background())
	if err != nil {
		t.Fatalf("NeedsNewJob() error = %v", err)
	}
	if !need {
		t.Error("moved tip should need a new job")
	}
}
