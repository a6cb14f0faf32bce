package bitcoin

import (
	"context"

	"github.com/btcsuite/btcd/btcjson"
)

// RPCInterface is the daemon RPC contract consumers depend on, so
// tests can swap the real client for a fake.
type RPCInterface interface {
	GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error)
	GetBlockCount(ctx context.Context) (int64, error)
	GetBestBlockHash(ctx context.Context) (string, error)
	GetBlock(ctx context.Context, hash string) (*btcjson.GetBlockVerboseResult, error)
	GetDifficulty(ctx context.Context) (float64, error)
	GetBlockchainInfo(ctx context.Context) (*btcjson.GetBlockChainInfoResult, error)
	SubmitBlock(ctx context.Context, blockHex string) error
	ValidateAddress(ctx context.Context, address string) (bool, error)
	Ping(ctx context.Context) error
	Close()
}

// ZMQInterface is the notification feed contract.
type ZMQInterface interface {
	Subscribe(topic string) error
	Connect() error
	Listen(ctx context.Context, handler func(topic string, data []byte) error) error
	Close() error
}

var (
	_ RPCInterface = (*RPCClient)(nil)
	_ ZMQInterface = (*ZMQNotifier)(nil)
)
