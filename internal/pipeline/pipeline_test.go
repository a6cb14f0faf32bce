package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/bardlex/poolcore/internal/bitcoin"
	"github.com/bardlex/poolcore/internal/jobs"
	"github.com/bardlex/poolcore/internal/stratum"
	"github.com/bardlex/poolcore/internal/validation"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
)

type fakeSession struct {
	valid, invalid int
}

func (s *fakeSession) Identity() (string, string) { return "addr1", "rig1" }
func (s *fakeSession) ExtraNonce1() string        { return "00000000" }
func (s *fakeSession) Difficulty() float64        { return 1024 }
func (s *fakeSession) IncrementValid()            { s.valid++ }
func (s *fakeSession) IncrementInvalid()          { s.invalid++ }

type fakeJobs struct {
	job *jobs.Job
}

func (f *fakeJobs) Resolve(hexID string) (*jobs.Job, bool) {
	if f.job != nil && hexID == f.job.HexID() {
		return f.job, true
	}
	return nil, false
}

type fakeValidator struct {
	share *validation.Share
	err   error
}

func (f *fakeValidator) Validate(validation.Submission, *jobs.Job, string, float64) (*validation.Share, error) {
	return f.share, f.err
}

type fakeDaemon struct {
	submitErr  error
	getErr     error
	firstTx    string
	submits    int
	gets       int
	lastSubmit string
}

func (f *fakeDaemon) SubmitBlock(_ context.Context, blockHex string) error {
	f.submits++
	f.lastSubmit = blockHex
	return f.submitErr
}

func (f *fakeDaemon) GetBlock(context.Context, string) (*btcjson.GetBlockVerboseResult, error) {
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &btcjson.GetBlockVerboseResult{Tx: []string{f.firstTx}}, nil
}

type fakeStore struct {
	shareErr error
	blockErr error
	shares   []*validation.Share
	blocks   []*validation.Share
}

func (f *fakeStore) AddShare(_ context.Context, s *validation.Share) error {
	if f.shareErr != nil {
		return f.shareErr
	}
	f.shares = append(f.shares, s)
	return nil
}

func (f *fakeStore) AddBlock(_ context.Context, s *validation.Share) error {
	if f.blockErr != nil {
		return f.blockErr
	}
	f.blocks = append(f.blocks, s)
	return nil
}

type fakeAlerter struct {
	messages []string
}

func (f *fakeAlerter) Critical(_ context.Context, message string, _ map[string]any) {
	f.messages = append(f.messages, message)
}

type fixture struct {
	pipeline *Pipeline
	session  *fakeSession
	daemon   *fakeDaemon
	store    *fakeStore
	alerts   *fakeAlerter
	shareEvs []ShareEvent
	blockEvs []BlockEvent
}

func newFixture(t *testing.T, jobSource JobSource, validator ShareValidator) *fixture {
	t.Helper()

	f := &fixture{
		session: &fakeSession{},
		daemon:  &fakeDaemon{},
		store:   &fakeStore{},
		alerts:  &fakeAlerter{},
	}

	bus := NewBus()
	bus.OnShareSubmitted(func(ev ShareEvent) { f.shareEvs = append(f.shareEvs, ev) })
	bus.OnBlockFound(func(ev BlockEvent) { f.blockEvs = append(f.blockEvs, ev) })

	logger := log.New("pipeline-test", "test", "error", "json")
	f.pipeline = New(jobSource, validator, f.daemon, f.store, bus, f.alerts, logger, 5*time.Second)
	return f
}

func testSub() validation.Submission {
	return validation.Submission{
		MinerAddress: "addr1",
		WorkerName:   "rig1",
		JobID:        "1",
		ExtraNonce2:  "00000000",
		NTime:        "65432100",
		Nonce:        "1a2b3c4d",
	}
}

// candidateShare builds a candidate whose coinbase hash reverses to
// genTx.
func candidateShare(t *testing.T, genTx string) *validation.Share {
	t.Helper()
	coinbaseHash, err := bitcoin.ReverseHashHex(genTx)
	if err != nil {
		t.Fatalf("ReverseHashHex() error = %v", err)
	}
	return validation.NewCandidateShare(testSub(), 1024,
		"00deadbeef",
		"000000000000000000012f3a000000000000000000000000000000000000abcd",
		coinbaseHash, 800000)
}

const genTxHash = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"

func TestSubmitUnknownJob(t *testing.T) {
	f := newFixture(t, &fakeJobs{}, &fakeValidator{})

	result, err := f.pipeline.Submit(context.Background(), f.session, "a", "00000000", "65432100", "1a2b3c4d")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if result.Accepted() {
		t.Fatal("unknown job must be rejected")
	}
	if result.Rejection.Code != stratum.ErrorJobNotFound {
		t.Errorf("code = %d, want %d", result.Rejection.Code, stratum.ErrorJobNotFound)
	}
	// The descriptor names the job id the miner sent.
	if want := "job not found: a"; result.Rejection.Message != want {
		t.Errorf("message = %q, want %q", result.Rejection.Message, want)
	}

	reason, _ := result.Share.RejectReason()
	if reason != validation.JobNotFound {
		t.Errorf("reason = %v, want JobNotFound", reason)
	}

	if f.session.invalid != 1 || f.session.valid != 0 {
		t.Errorf("counters = valid %d invalid %d, want 0/1", f.session.valid, f.session.invalid)
	}
	if len(f.shareEvs) != 1 {
		t.Errorf("ShareSubmitted events = %d, want 1", len(f.shareEvs))
	}
	if f.daemon.submits != 0 || f.daemon.gets != 0 {
		t.Error("daemon must not be called for invalid shares")
	}
	if len(f.store.shares) != 0 {
		t.Error("invalid shares must not be persisted")
	}
}

func TestSubmitMalformedJobID(t *testing.T) {
	store := jobs.NewStore()
	store.Put(&jobs.Job{ID: store.NextID()})
	f := newFixture(t, store, &fakeValidator{})

	result, err := f.pipeline.Submit(context.Background(), f.session, "not-hex", "00000000", "65432100", "1a2b3c4d")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	reason, _ := result.Share.RejectReason()
	if reason != validation.JobNotFound {
		t.Errorf("reason = %v, want JobNotFound", reason)
	}
}

func TestSubmitInvalidShareClassification(t *testing.T) {
	job := &jobs.Job{ID: 1}

	tests := []struct {
		name        string
		reason      validation.ShareError
		wantCode    int
		wantMessage string
	}{
		{"duplicate", validation.DuplicateShare, stratum.ErrorDuplicateShare, "duplicate share: nonce 1a2b3c4d"},
		{"low difficulty", validation.LowDifficultyShare, stratum.ErrorLowDifficulty, "low difficulty share: 0"},
		{"extranonce2 size", validation.IncorrectExtraNonce2Size, stratum.ErrorOther, "incorrect size of extranonce2"},
		{"ntime size", validation.IncorrectNTimeSize, stratum.ErrorOther, "incorrect size of ntime"},
		{"nonce size", validation.IncorrectNonceSize, stratum.ErrorOther, "incorrect size of nonce"},
		{"ntime range", validation.NTimeOutOfRange, stratum.ErrorOther, "ntime out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			share := validation.NewInvalidShare(testSub(), tt.reason)
			f := newFixture(t, &fakeJobs{job: job}, &fakeValidator{share: share})

			result, err := f.pipeline.Submit(context.Background(), f.session, "1", "00000000", "65432100", "1a2b3c4d")
			if err != nil {
				t.Fatalf("Submit() error = %v", err)
			}
			if result.Rejection == nil {
				t.Fatal("expected a rejection")
			}
			if result.Rejection.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", result.Rejection.Code, tt.wantCode)
			}
			if result.Rejection.Message != tt.wantMessage {
				t.Errorf("message = %q, want %q", result.Rejection.Message, tt.wantMessage)
			}
			if f.session.invalid != 1 {
				t.Errorf("invalid counter = %d, want 1", f.session.invalid)
			}
		})
	}
}

func TestSubmitValidatorInternalFault(t *testing.T) {
	job := &jobs.Job{ID: 1}
	fault := errors.New(errors.KindInternal, "validate_share", "bad job data")
	f := newFixture(t, &fakeJobs{job: job}, &fakeValidator{err: fault})

	_, err := f.pipeline.Submit(context.Background(), f.session, "1", "00000000", "65432100", "1a2b3c4d")
	if err == nil {
		t.Fatal("internal validator fault must surface as an error")
	}
	if f.session.valid != 0 || f.session.invalid != 0 {
		t.Error("no counter moves without a verdict")
	}
	if len(f.shareEvs) != 0 {
		t.Error("no ShareSubmitted event without a verdict")
	}
}

func TestSubmitValidNonCandidate(t *testing.T) {
	job := &jobs.Job{ID: 1}
	share := validation.NewValidShare(testSub(), 1024)
	f := newFixture(t, &fakeJobs{job: job}, &fakeValidator{share: share})

	result, err := f.pipeline.Submit(context.Background(), f.session, "1", "00000000", "65432100", "1a2b3c4d")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if !result.Accepted() {
		t.Fatal("valid share must be accepted")
	}
	if result.BlockConfirmed {
		t.Error("non-candidate must not confirm a block")
	}
	if f.session.valid != 1 || f.session.invalid != 0 {
		t.Errorf("counters = valid %d invalid %d, want 1/0", f.session.valid, f.session.invalid)
	}
	if len(f.store.shares) != 1 {
		t.Errorf("persisted shares = %d, want 1", len(f.store.shares))
	}
	if f.daemon.submits != 0 {
		t.Error("daemon must not be called for non-candidates")
	}
	if len(f.shareEvs) != 1 || len(f.blockEvs) != 0 {
		t.Errorf("events = %d share, %d block, want 1/0", len(f.shareEvs), len(f.blockEvs))
	}
}

func TestSubmitCandidateConfirmed(t *testing.T) {
	job := &jobs.Job{ID: 1}
	share := candidateShare(t, genTxHash)
	f := newFixture(t, &fakeJobs{job: job}, &fakeValidator{share: share})
	f.daemon.firstTx = genTxHash

	result, err := f.pipeline.Submit(context.Background(), f.session, "1", "00000000", "65432100", "1a2b3c4d")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if !result.Accepted() || !result.BlockConfirmed {
		t.Fatalf("result = accepted %v confirmed %v, want true/true", result.Accepted(), result.BlockConfirmed)
	}
	if f.daemon.lastSubmit != share.BlockHex {
		t.Error("daemon must receive the share's serialized block")
	}
	if len(f.store.shares) != 1 || len(f.store.blocks) != 1 {
		t.Errorf("persisted = %d shares, %d blocks, want 1/1", len(f.store.shares), len(f.store.blocks))
	}
	if len(f.blockEvs) != 1 {
		t.Fatalf("BlockFound events = %d, want 1", len(f.blockEvs))
	}
	if f.blockEvs[0].Hash != share.BlockHash || f.blockEvs[0].Height != share.Height {
		t.Error("BlockFound event carries wrong block identity")
	}

	confirmed, ok := share.ConfirmedBlock()
	if !ok || confirmed != share.BlockHash {
		t.Errorf("ConfirmedBlock() = %q, %v", confirmed, ok)
	}
}

func TestSubmitCandidateSubmitFails(t *testing.T) {
	job := &jobs.Job{ID: 1}
	share := candidateShare(t, genTxHash)
	f := newFixture(t, &fakeJobs{job: job}, &fakeValidator{share: share})
	f.daemon.submitErr = errors.New(errors.KindDaemon, "submit_block", "daemon rejected block submission")

	result, err := f.pipeline.Submit(context.Background(), f.session, "1", "00000000", "65432100", "1a2b3c4d")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// The share credit stands; only the block is not credited.
	if !result.Accepted() {
		t.Error("share must stay accepted when block submission fails")
	}
	if result.BlockConfirmed {
		t.Error("failed submission must not confirm")
	}
	if len(f.store.shares) != 1 {
		t.Errorf("persisted shares = %d, want 1", len(f.store.shares))
	}
	if len(f.store.blocks) != 0 {
		t.Error("block must not be persisted after failed submission")
	}
	if f.daemon.gets != 0 {
		t.Error("verification must be skipped after failed submission")
	}
	if len(f.blockEvs) != 0 {
		t.Error("BlockFound must not fire")
	}
	if _, ok := share.ConfirmedBlock(); ok {
		t.Error("share must not be confirmed")
	}
}

func TestSubmitCandidateVerifyFails(t *testing.T) {
	job := &jobs.Job{ID: 1}
	share := candidateShare(t, genTxHash)
	f := newFixture(t, &fakeJobs{job: job}, &fakeValidator{share: share})
	f.daemon.getErr = errors.New(errors.KindDaemon, "get_block", "block not found")

	result, err := f.pipeline.Submit(context.Background(), f.session, "1", "00000000", "65432100", "1a2b3c4d")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if !result.Accepted() || result.BlockConfirmed {
		t.Errorf("result = accepted %v confirmed %v, want true/false", result.Accepted(), result.BlockConfirmed)
	}
	if f.daemon.submits != 1 {
		t.Errorf("submits = %d, want 1", f.daemon.submits)
	}
	if len(f.store.blocks) != 0 || len(f.blockEvs) != 0 {
		t.Error("unverified block must not be persisted or announced")
	}
}

func TestSubmitCandidateGenTxMismatch(t *testing.T) {
	job := &jobs.Job{ID: 1}
	share := candidateShare(t, genTxHash)
	f := newFixture(t, &fakeJobs{job: job}, &fakeValidator{share: share})
	// The daemon reports a block whose generation transaction is not
	// ours: displaced before we read it back.
	f.daemon.firstTx = "0000000000000000000000000000000000000000000000000000000000000bad"

	result, err := f.pipeline.Submit(context.Background(), f.session, "1", "00000000", "65432100", "1a2b3c4d")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if result.BlockConfirmed {
		t.Error("mismatched block must not be credited")
	}
	if len(f.store.blocks) != 0 {
		t.Error("mismatched block must not be persisted")
	}
	if len(f.blockEvs) != 0 {
		t.Error("BlockFound must not fire on mismatch")
	}
	if len(f.alerts.messages) != 1 {
		t.Fatalf("critical alerts = %d, want 1", len(f.alerts.messages))
	}
	if _, ok := share.ConfirmedBlock(); ok {
		t.Error("share must not be confirmed on mismatch")
	}
	// The share itself stays credited.
	if !result.Accepted() || f.session.valid != 1 {
		t.Error("share credit must survive the mismatch")
	}
}

func TestSubmitShareStoreFailureStillAccepts(t *testing.T) {
	job := &jobs.Job{ID: 1}
	share := validation.NewValidShare(testSub(), 1024)
	f := newFixture(t, &fakeJobs{job: job}, &fakeValidator{share: share})
	f.store.shareErr = errors.New(errors.KindDatabase, "add_share", "connection lost")

	result, err := f.pipeline.Submit(context.Background(), f.session, "1", "00000000", "65432100", "1a2b3c4d")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !result.Accepted() {
		t.Error("storage failure must stay invisible to the miner")
	}
	if f.session.valid != 1 {
		t.Errorf("valid counter = %d, want 1", f.session.valid)
	}
}

func TestBusSubscribersRunInRegistrationOrder(t *testing.T) {
	bus := NewBus()
	var order []int
	bus.OnShareSubmitted(func(ShareEvent) { order = append(order, 1) })
	bus.OnShareSubmitted(func(ShareEvent) { order = append(order, 2) })
	bus.OnShareSubmitted(func(ShareEvent) { order = append(order, 3) })

	bus.emitShareSubmitted(ShareEvent{})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("subscriber order = %v, want [1 2 3]", order)
	}
}
