// Package bitcoin provides the coin daemon gateway for poolcore: the
// JSON-RPC client, ZMQ block notifications, and the cryptographic
// primitives for block construction, share hashing and difficulty
// math.
package bitcoin

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// coinbaseFlags tags coinbase transactions built by this pool.
const coinbaseFlags = "/poolcore/"

// extraNonceSize is ExtraNonce1 (4 bytes) plus ExtraNonce2 (4 bytes).
const extraNonceSize = 8

// Buffer and slice pools for the share hot path. Every submission
// serializes a block, and merkle math allocates a level per round.
var (
	bufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 1024*1024))
		},
	}

	hashSlicePool = sync.Pool{
		New: func() any {
			return make([]chainhash.Hash, 0, 4000)
		},
	}
)

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	// Don't keep oversized buffers alive.
	if buf.Cap() < 10*1024*1024 {
		bufferPool.Put(buf)
	}
}

func getHashSlice() []chainhash.Hash {
	return hashSlicePool.Get().([]chainhash.Hash)[:0]
}

func putHashSlice(slice []chainhash.Hash) {
	if cap(slice) < 10000 {
		hashSlicePool.Put(slice)
	}
}

// CreateCoinbaseTransaction builds a BIP 34 coinbase paying
// coinbaseValue to poolAddress, and returns the transaction together
// with its Stratum coinb1/coinb2 split. The split leaves an 8-byte gap
// for ExtraNonce1+ExtraNonce2; extraNonce1, when given, pre-fills its
// half of the gap in the returned transaction.
func CreateCoinbaseTransaction(blockHeight int64, coinbaseValue int64, extraNonce1 string, poolAddress string, chainParams *chaincfg.Params) (*wire.MsgTx, string, string, error) {
	coinbaseTx := wire.NewMsgTx(wire.TxVersion)

	coinbaseInput := &wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  chainhash.Hash{},
			Index: 0xffffffff,
		},
		Sequence: 0xffffffff,
	}

	// BIP 34 requires the height as the first script push.
	heightScript, err := txscript.NewScriptBuilder().AddInt64(blockHeight).Script()
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to create height script: %w", err)
	}

	poolSig := []byte(coinbaseFlags)
	splitPoint := len(heightScript) + len(poolSig)
	prefix := append(heightScript, poolSig...)

	extraNonce := make([]byte, extraNonceSize)
	if extraNonce1 != "" {
		extraNonce1Bytes, err := hex.DecodeString(extraNonce1)
		if err != nil {
			return nil, "", "", fmt.Errorf("failed to decode extra nonce 1: %w", err)
		}
		copy(extraNonce[:len(extraNonce1Bytes)], extraNonce1Bytes)
	}

	fullScript := append(prefix, extraNonce...)
	coinbaseInput.SignatureScript = fullScript
	coinbaseTx.AddTxIn(coinbaseInput)

	if poolAddress == "" {
		return nil, "", "", fmt.Errorf("pool address is required")
	}

	poolAddr, err := btcutil.DecodeAddress(poolAddress, chainParams)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to decode pool address: %w", err)
	}

	pkScript, err := txscript.PayToAddrScript(poolAddr)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to create output script: %w", err)
	}

	coinbaseTx.AddTxOut(&wire.TxOut{
		Value:    coinbaseValue,
		PkScript: pkScript,
	})

	buf := getBuffer()
	defer putBuffer(buf)

	if err := coinbaseTx.Serialize(buf); err != nil {
		return nil, "", "", fmt.Errorf("failed to serialize coinbase: %w", err)
	}

	coinbaseBytes := buf.Bytes()

	// Locate the script inside the serialized transaction:
	// version(4) + input_count(1) + prev_hash(32) + prev_index(4) +
	// script_len(varint) + script + ...
	scriptLenOffset := 4 + 1 + 32 + 4
	scriptStart := scriptLenOffset + 1
	if len(fullScript) >= 253 {
		scriptStart = scriptLenOffset + 3
	}

	splitAt := scriptStart + splitPoint
	if splitAt >= len(coinbaseBytes)-extraNonceSize {
		return nil, "", "", fmt.Errorf("invalid coinbase split point")
	}

	coinb1 := hex.EncodeToString(coinbaseBytes[:splitAt])
	coinb2 := hex.EncodeToString(coinbaseBytes[splitAt+extraNonceSize:])

	return coinbaseTx, coinb1, coinb2, nil
}

// AssembleCoinbase joins the Stratum coinbase halves around the two
// extra nonces and deserializes the result.
func AssembleCoinbase(coinb1, extraNonce1, extraNonce2, coinb2 string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(coinb1 + extraNonce1 + extraNonce2 + coinb2)
	if err != nil {
		return nil, fmt.Errorf("invalid coinbase hex: %w", err)
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize coinbase: %w", err)
	}
	return tx, nil
}

// CalculateMerkleRoot computes the Bitcoin merkle root over the given
// transaction hashes, duplicating the last hash at odd levels.
func CalculateMerkleRoot(txHashes []chainhash.Hash) chainhash.Hash {
	if len(txHashes) == 0 {
		return chainhash.Hash{}
	}
	if len(txHashes) == 1 {
		return txHashes[0]
	}

	currentLevel := getHashSlice()
	// The loop reassigns currentLevel each round; defer a closure so the
	// final level goes back to the pool, not the initial one (which the
	// first round already returned).
	defer func() { putHashSlice(currentLevel) }()
	currentLevel = append(currentLevel, txHashes...)

	for len(currentLevel) > 1 {
		nextLevel := getHashSlice()

		for i := 0; i < len(currentLevel); i += 2 {
			left := currentLevel[i]
			right := left
			if i+1 < len(currentLevel) {
				right = currentLevel[i+1]
			}
			nextLevel = append(nextLevel, hashPair(left, right))
		}

		putHashSlice(currentLevel)
		currentLevel = nextLevel
	}

	return currentLevel[0]
}

// GetMerkleBranch computes the authentication path for the transaction
// at txIndex, typically 0 for the coinbase.
func GetMerkleBranch(txHashes []chainhash.Hash, txIndex int) []chainhash.Hash {
	if len(txHashes) <= 1 || txIndex >= len(txHashes) {
		return []chainhash.Hash{}
	}

	currentLevel := getHashSlice()
	// Same shape as CalculateMerkleRoot: the closure returns the final
	// level, the loop returns the intermediate ones.
	defer func() { putHashSlice(currentLevel) }()
	currentLevel = append(currentLevel, txHashes...)
	currentIndex := txIndex

	var branch []chainhash.Hash

	for len(currentLevel) > 1 {
		siblingIndex := currentIndex - 1
		if currentIndex%2 == 0 {
			siblingIndex = currentIndex + 1
		}
		if siblingIndex < len(currentLevel) {
			branch = append(branch, currentLevel[siblingIndex])
		}

		nextLevel := getHashSlice()
		for i := 0; i < len(currentLevel); i += 2 {
			left := currentLevel[i]
			right := left
			if i+1 < len(currentLevel) {
				right = currentLevel[i+1]
			}
			nextLevel = append(nextLevel, hashPair(left, right))
		}

		putHashSlice(currentLevel)
		currentLevel = nextLevel
		currentIndex /= 2
	}

	return branch
}

// MerkleRootFromBranch folds a coinbase hash through a merkle branch
// the way Stratum miners do: the running hash is always the left
// operand.
func MerkleRootFromBranch(coinbaseHash chainhash.Hash, branch []chainhash.Hash) chainhash.Hash {
	root := coinbaseHash
	for _, sibling := range branch {
		root = hashPair(root, sibling)
	}
	return root
}

func hashPair(left, right chainhash.Hash) chainhash.Hash {
	concat := make([]byte, 0, 64)
	concat = append(concat, left[:]...)
	concat = append(concat, right[:]...)
	first := sha256.Sum256(concat)
	second := sha256.Sum256(first[:])

	var out chainhash.Hash
	copy(out[:], second[:])
	return out
}

// ReconstructBlock rebuilds the full block a share commits to: the
// assembled coinbase followed by the template transactions, under a
// header carrying the miner's ntime and nonce. Returns the block and
// its hex serialization for submitblock.
func ReconstructBlock(template *btcjson.GetBlockTemplateResult, coinbaseTx *wire.MsgTx, ntime, nonce string) (*wire.MsgBlock, string, error) {
	ntimeVal, err := ParseHexUint32(ntime)
	if err != nil {
		return nil, "", fmt.Errorf("invalid ntime: %w", err)
	}

	nonceVal, err := ParseHexUint32(nonce)
	if err != nil {
		return nil, "", fmt.Errorf("invalid nonce: %w", err)
	}

	prevHash, err := chainhash.NewHashFromStr(template.PreviousHash)
	if err != nil {
		return nil, "", fmt.Errorf("invalid previous block hash: %w", err)
	}

	transactions := []*wire.MsgTx{coinbaseTx}
	for _, tx := range template.Transactions {
		txBytes, err := hex.DecodeString(tx.Data)
		if err != nil {
			return nil, "", fmt.Errorf("invalid transaction data: %w", err)
		}

		msgTx := &wire.MsgTx{}
		if err := msgTx.Deserialize(bytes.NewReader(txBytes)); err != nil {
			return nil, "", fmt.Errorf("failed to deserialize transaction: %w", err)
		}
		transactions = append(transactions, msgTx)
	}

	txHashes := make([]chainhash.Hash, len(transactions))
	for i, tx := range transactions {
		txHashes[i] = tx.TxHash()
	}
	merkleRoot := CalculateMerkleRoot(txHashes)

	bits, err := ParseHexUint32(template.Bits)
	if err != nil {
		return nil, "", fmt.Errorf("invalid bits: %w", err)
	}

	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:    template.Version,
			PrevBlock:  *prevHash,
			MerkleRoot: merkleRoot,
			Timestamp:  time.Unix(int64(ntimeVal), 0),
			Bits:       bits,
			Nonce:      nonceVal,
		},
		Transactions: transactions,
	}

	buf := getBuffer()
	defer putBuffer(buf)

	if err := block.Serialize(buf); err != nil {
		return nil, "", fmt.Errorf("failed to serialize block: %w", err)
	}

	return block, hex.EncodeToString(buf.Bytes()), nil
}

// maxTarget is the difficulty-1 target,
// 0x00000000ffff0000000000000000000000000000000000000000000000000000.
var maxTarget = []byte{
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// DifficultyToTarget converts a share difficulty to the 32-byte
// big-endian threshold a header hash must stay under. Fractional
// difficulties are handled with big.Float division.
func DifficultyToTarget(difficulty float64) []byte {
	result := make([]byte, 32)

	if difficulty <= 0 {
		copy(result, maxTarget)
		return result
	}

	maxTargetInt := new(big.Int).SetBytes(maxTarget)

	targetFloat := new(big.Float).Quo(
		new(big.Float).SetInt(maxTargetInt),
		new(big.Float).SetFloat64(difficulty),
	)

	target, _ := targetFloat.Int(nil)
	targetBytes := target.Bytes()

	if len(targetBytes) <= 32 {
		copy(result[32-len(targetBytes):], targetBytes)
	} else {
		// Difficulty below ~2^-32 yields a target wider than 256 bits;
		// every hash qualifies.
		for i := range result {
			result[i] = 0xff
		}
	}

	return result
}

// HashMeetsTarget reports whether hash <= target. chainhash stores
// hashes little-endian, targets are big-endian, so the hash is read
// reversed.
func HashMeetsTarget(hash chainhash.Hash, target []byte) bool {
	for i := range 32 {
		hb := hash[31-i]
		if hb < target[i] {
			return true
		}
		if hb > target[i] {
			return false
		}
	}
	return true
}

// ParseHexUint32 parses an 8-character big-endian hex string, the
// encoding Stratum uses for version, nbits, ntime and nonce.
func ParseHexUint32(hexStr string) (uint32, error) {
	if len(hexStr) != 8 {
		return 0, fmt.Errorf("invalid hex string length: expected 8 characters, got %d", len(hexStr))
	}

	val, err := hex.DecodeString(hexStr)
	if err != nil {
		return 0, fmt.Errorf("failed to decode hex string: %w", err)
	}

	return uint32(val[0])<<24 | uint32(val[1])<<16 | uint32(val[2])<<8 | uint32(val[3]), nil
}

// ParseTarget parses a hex target, left-padding to 32 bytes.
func ParseTarget(targetStr string) ([]byte, error) {
	if len(targetStr) == 0 {
		return nil, fmt.Errorf("target string cannot be empty")
	}
	if len(targetStr)%2 != 0 {
		return nil, fmt.Errorf("target string must have even length, got %d", len(targetStr))
	}
	if len(targetStr) > 64 {
		return nil, fmt.Errorf("target string too long: maximum 64 hex characters, got %d", len(targetStr))
	}

	target, err := hex.DecodeString(targetStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hex target: %w", err)
	}

	if len(target) < 32 {
		padded := make([]byte, 32)
		copy(padded[32-len(target):], target)
		target = padded
	}

	return target, nil
}

// ReverseHashHex reverses the byte order of a hex-encoded hash. Hashes
// cross the Stratum wire and the daemon RPC in opposite byte orders;
// this converts between the two.
func ReverseHashHex(hashHex string) (string, error) {
	raw, err := hex.DecodeString(hashHex)
	if err != nil {
		return "", fmt.Errorf("invalid hash hex: %w", err)
	}

	for i, j := 0, len(raw)-1; i < j; i, j = i+1, j-1 {
		raw[i], raw[j] = raw[j], raw[i]
	}
	return hex.EncodeToString(raw), nil
}
