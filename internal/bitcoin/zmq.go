package bitcoin

import (
	"context"
	"encoding/hex"
	"fmt"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/poolcore/pkg/log"
)

// ZMQNotifier subscribes to the daemon's ZMQ notification feed. The
// pool listens on hashblock to refresh jobs the moment the chain tip
// moves.
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewZMQNotifier creates a SUB socket for the given endpoint.
func NewZMQNotifier(endpoint string, logger *log.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}, nil
}

// Subscribe adds a topic subscription.
func (z *ZMQNotifier) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	z.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the endpoint.
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen receives messages until ctx ends, passing each to handler.
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(topic string, data []byte) error) error {
	z.logger.Info("starting ZMQ listener")

	for {
		select {
		case <-ctx.Done():
			z.logger.Info("ZMQ listener stopping")
			return ctx.Err()
		default:
		}

		msg, err := z.socket.RecvMessageBytes(zmq.DONTWAIT)
		if err != nil {
			if err.Error() == "resource temporarily unavailable" {
				continue
			}
			z.logger.WithError(err).Error("failed to receive ZMQ message")
			continue
		}

		if len(msg) < 2 {
			z.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		data := msg[1]

		z.logger.Debug("received ZMQ message", "topic", topic, "size", len(data))

		if err := handler(topic, data); err != nil {
			z.logger.WithError(err).Error("failed to handle ZMQ message", "topic", topic)
		}
	}
}

// Close closes the socket.
func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// BlockNotificationHandler routes daemon ZMQ messages to callbacks.
type BlockNotificationHandler struct {
	logger     *log.Logger
	onNewBlock func(blockHash string) error
	onNewTx    func(txHash string) error
}

// NewBlockNotificationHandler creates an empty handler; callbacks are
// attached with the setters.
func NewBlockNotificationHandler(logger *log.Logger) *BlockNotificationHandler {
	return &BlockNotificationHandler{
		logger: logger.WithComponent("zmq_handler"),
	}
}

// SetNewBlockHandler sets the hashblock callback.
func (h *BlockNotificationHandler) SetNewBlockHandler(handler func(blockHash string) error) {
	h.onNewBlock = handler
}

// SetNewTxHandler sets the hashtx callback.
func (h *BlockNotificationHandler) SetNewTxHandler(handler func(txHash string) error) {
	h.onNewTx = handler
}

// HandleMessage dispatches one ZMQ message. Hash payloads arrive in
// wire byte order and are reversed into RPC display order.
func (h *BlockNotificationHandler) HandleMessage(topic string, data []byte) error {
	switch topic {
	case "hashblock":
		if len(data) != 32 {
			return fmt.Errorf("invalid block hash length: %d", len(data))
		}

		blockHash := reverseToHex(data)
		h.logger.Info("new block notification", "hash", blockHash)

		if h.onNewBlock != nil {
			return h.onNewBlock(blockHash)
		}

	case "hashtx":
		if len(data) != 32 {
			return fmt.Errorf("invalid tx hash length: %d", len(data))
		}

		txHash := reverseToHex(data)
		h.logger.Debug("new transaction notification", "hash", txHash)

		if h.onNewTx != nil {
			return h.onNewTx(txHash)
		}

	case "rawblock":
		h.logger.Info("raw block notification", "size", len(data))

	case "rawtx":
		h.logger.Debug("raw transaction notification", "size", len(data))

	default:
		h.logger.Warn("unknown ZMQ topic", "topic", topic)
	}

	return nil
}

func reverseToHex(data []byte) string {
	reversed := make([]byte, len(data))
	for i := range data {
		reversed[i] = data[len(data)-1-i]
	}
	return hex.EncodeToString(reversed)
}
