package pipeline

import (
	"sync"

	"github.com/bardlex/poolcore/internal/validation"
)

// ShareEvent is published once per processed submission, accepted or
// rejected.
type ShareEvent struct {
	MinerAddress string
	WorkerName   string
	Share        *validation.Share
}

// BlockEvent is published once per daemon-confirmed block, never for
// rejected or mismatched candidates.
type BlockEvent struct {
	Hash   string
	Height int64
	Share  *validation.Share
}

// Bus fans events out to registered subscribers, synchronously and in
// registration order. Subscribers run on the submitting goroutine, so
// they must be quick; anything slow belongs behind a channel on the
// subscriber's side.
type Bus struct {
	mu        sync.RWMutex
	shareSubs []func(ShareEvent)
	blockSubs []func(BlockEvent)
}

func NewBus() *Bus {
	return &Bus{}
}

// OnShareSubmitted registers a subscriber for processed submissions.
func (b *Bus) OnShareSubmitted(fn func(ShareEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shareSubs = append(b.shareSubs, fn)
}

// OnBlockFound registers a subscriber for confirmed blocks.
func (b *Bus) OnBlockFound(fn func(BlockEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blockSubs = append(b.blockSubs, fn)
}

func (b *Bus) emitShareSubmitted(ev ShareEvent) {
	b.mu.RLock()
	subs := b.shareSubs
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (b *Bus) emitBlockFound(ev BlockEvent) {
	b.mu.RLock()
	subs := b.blockSubs
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}
