package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/poolcore/pkg/circuit"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/retry"
)

// RPCClient talks JSON-RPC to the coin daemon. Idempotent reads go
// through the circuit breaker and a retry budget; block submission is
// circuit-protected but never retried, so a slow daemon can not turn
// one candidate into two submissions.
type RPCClient struct {
	client      *rpcclient.Client
	breaker     *circuit.Breaker
	retryConfig *retry.Config
}

// NewRPCClient creates a client for a local daemon (HTTP POST mode, no
// TLS, as Bitcoin Core ships).
func NewRPCClient(host string, port int, username, password string) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", host, port),
		User:         username,
		Pass:         password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindDaemon, "rpc_client_creation",
			"failed to create daemon RPC client").
			WithField("host", host).
			WithField("port", port)
	}

	breakerConfig := &circuit.Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
	}

	return &RPCClient{
		client:      client,
		breaker:     circuit.New(breakerConfig),
		retryConfig: retry.NetworkConfig(),
	}, nil
}

// Close shuts the client down.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// GetBlockTemplate fetches a mining template.
func (c *RPCClient) GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error) {
	return circuit.ExecuteWithResult(ctx, c.breaker, func() (*btcjson.GetBlockTemplateResult, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*btcjson.GetBlockTemplateResult, error) {
			req := &btcjson.TemplateRequest{
				Mode:         "template",
				Capabilities: []string{"coinbasetxn", "workid", "coinbase/append"},
				Rules:        []string{"segwit"},
			}

			template, err := c.client.GetBlockTemplateAsync(req).Receive()
			if err != nil {
				return nil, errors.Wrap(err, errors.KindDaemon, "get_block_template",
					"failed to retrieve block template")
			}
			return template, nil
		})
	})
}

// GetBlockCount returns the current chain height.
func (c *RPCClient) GetBlockCount(ctx context.Context) (int64, error) {
	return circuit.ExecuteWithResult(ctx, c.breaker, func() (int64, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (int64, error) {
			count, err := c.client.GetBlockCountAsync().Receive()
			if err != nil {
				return 0, errors.Wrap(err, errors.KindDaemon, "get_block_count",
					"failed to retrieve block height")
			}
			return count, nil
		})
	})
}

// GetBestBlockHash returns the tip hash.
func (c *RPCClient) GetBestBlockHash(ctx context.Context) (string, error) {
	return circuit.ExecuteWithResult(ctx, c.breaker, func() (string, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (string, error) {
			hash, err := c.client.GetBestBlockHashAsync().Receive()
			if err != nil {
				return "", errors.Wrap(err, errors.KindDaemon, "get_best_block_hash",
					"failed to retrieve best block hash")
			}
			return hash.String(), nil
		})
	})
}

// GetBlock fetches verbose block data by hash. The verbose result
// carries the transaction id list used to verify submitted blocks.
func (c *RPCClient) GetBlock(ctx context.Context, hash string) (*btcjson.GetBlockVerboseResult, error) {
	blockHash, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "hash_parsing",
			"failed to parse block hash").
			WithField("hash", hash)
	}

	return circuit.ExecuteWithResult(ctx, c.breaker, func() (*btcjson.GetBlockVerboseResult, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*btcjson.GetBlockVerboseResult, error) {
			block, err := c.client.GetBlockVerboseAsync(blockHash).Receive()
			if err != nil {
				return nil, errors.Wrap(err, errors.KindDaemon, "get_block",
					"failed to retrieve block").
					WithField("block_hash", hash)
			}
			return block, nil
		})
	})
}

// SubmitBlock submits a solved block. The hex is decoded and
// deserialized before anything goes on the wire so a malformed block
// fails fast. Submission is a single attempt: submitblock is not
// idempotent from the pool's point of view and a failure is handled by
// the caller, not masked by retries.
func (c *RPCClient) SubmitBlock(ctx context.Context, blockHex string) error {
	blockBytes, err := hex.DecodeString(blockHex)
	if err != nil {
		return errors.Wrap(err, errors.KindValidation, "block_validation",
			"invalid block hex encoding").
			WithField("block_hex_length", len(blockHex))
	}

	block := &wire.MsgBlock{}
	if err := block.Deserialize(bytes.NewReader(blockBytes)); err != nil {
		return errors.Wrap(err, errors.KindValidation, "block_deserialization",
			"failed to deserialize block").
			WithField("block_size", len(blockBytes))
	}

	return c.breaker.Execute(ctx, func() error {
		if err := c.client.SubmitBlockAsync(btcutil.NewBlock(block), nil).Receive(); err != nil {
			return errors.Wrap(err, errors.KindDaemon, "submit_block",
				"daemon rejected block submission").
				WithField("block_hash", block.BlockHash().String())
		}
		return nil
	})
}

// ValidateAddress checks whether the daemon considers an address valid.
func (c *RPCClient) ValidateAddress(ctx context.Context, address string) (bool, error) {
	addr, err := btcutil.DecodeAddress(address, &chaincfg.MainNetParams)
	if err != nil {
		// Undecodable means invalid, not an RPC failure.
		return false, nil
	}

	return circuit.ExecuteWithResult(ctx, c.breaker, func() (bool, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (bool, error) {
			result, err := c.client.ValidateAddressAsync(addr).Receive()
			if err != nil {
				return false, errors.Wrap(err, errors.KindDaemon, "validate_address",
					"failed to validate address").
					WithField("address", address)
			}
			return result.IsValid, nil
		})
	})
}

// Ping checks daemon connectivity.
func (c *RPCClient) Ping(ctx context.Context) error {
	return c.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			if err := c.client.PingAsync().Receive(); err != nil {
				return errors.Wrap(err, errors.KindNetwork, "ping",
					"daemon connectivity check failed")
			}
			return nil
		})
	})
}

// GetDifficulty returns the network difficulty.
func (c *RPCClient) GetDifficulty(ctx context.Context) (float64, error) {
	return circuit.ExecuteWithResult(ctx, c.breaker, func() (float64, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (float64, error) {
			difficulty, err := c.client.GetDifficultyAsync().Receive()
			if err != nil {
				return 0, errors.Wrap(err, errors.KindDaemon, "get_difficulty",
					"failed to retrieve network difficulty")
			}
			return difficulty, nil
		})
	})
}

// GetBlockchainInfo returns chain status.
func (c *RPCClient) GetBlockchainInfo(ctx context.Context) (*btcjson.GetBlockChainInfoResult, error) {
	return circuit.ExecuteWithResult(ctx, c.breaker, func() (*btcjson.GetBlockChainInfoResult, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*btcjson.GetBlockChainInfoResult, error) {
			info, err := c.client.GetBlockChainInfoAsync().Receive()
			if err != nil {
				return nil, errors.Wrap(err, errors.KindDaemon, "get_blockchain_info",
					"failed to retrieve blockchain info")
			}
			return info, nil
		})
	})
}
