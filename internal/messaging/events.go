package messaging

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/poolcore/internal/pipeline"
	"github.com/bardlex/poolcore/pkg/log"
)

// publishQueueSize bounds the outbound event buffer. Share events
// arrive on the submission hot path; when Kafka falls behind, events
// are dropped rather than stalling miners.
const publishQueueSize = 4096

type outbound struct {
	topic   string
	key     string
	payload []byte
	// protoMsg, when set, routes through the protobuf publish path
	// instead of payload.
	protoMsg proto.Message
}

// Publisher bridges pipeline notifications onto Kafka topics. Bus
// subscribers run on the submitting goroutine, so the publisher only
// enqueues there and writes from its own worker.
type Publisher struct {
	client *KafkaClient
	logger *log.Logger
	queue  chan outbound
}

// NewPublisher creates a publisher; call Start before attaching it to
// a bus.
func NewPublisher(client *KafkaClient, logger *log.Logger) *Publisher {
	return &Publisher{
		client: client,
		logger: logger,
		queue:  make(chan outbound, publishQueueSize),
	}
}

// Start runs the publish worker until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-p.queue:
				var err error
				if msg.protoMsg != nil {
					err = p.client.PublishProto(ctx, msg.topic, msg.key, msg.protoMsg)
				} else {
					err = p.client.PublishJSON(ctx, msg.topic, msg.key, msg.payload)
				}
				if err != nil {
					p.logger.WithError(err).Error("failed to publish event",
						"topic", msg.topic, "key", msg.key)
				}
			}
		}
	}()
}

// Attach registers the publisher on a pipeline bus.
func (p *Publisher) Attach(bus *pipeline.Bus) {
	bus.OnShareSubmitted(p.publishShare)
	bus.OnBlockFound(p.publishBlock)
}

func (p *Publisher) publishShare(ev pipeline.ShareEvent) {
	msg := ShareMessage{
		MinerAddress:     ev.MinerAddress,
		WorkerName:       ev.WorkerName,
		JobID:            ev.Share.JobID,
		ExtraNonce2:      ev.Share.ExtraNonce2,
		NTime:            ev.Share.NTime,
		Nonce:            ev.Share.Nonce,
		Difficulty:       ev.Share.Difficulty,
		IsValid:          ev.Share.IsValid(),
		IsBlockCandidate: ev.Share.IsBlockCandidate(),
		SubmittedAt:      ev.Share.SubmittedAt,
	}
	if reason, ok := ev.Share.RejectReason(); ok {
		msg.RejectReason = reason.String()
	}

	p.enqueue(TopicShares, ev.MinerAddress, msg)
}

func (p *Publisher) publishBlock(ev pipeline.BlockEvent) {
	msg := BlockMessage{
		Hash:         ev.Hash,
		Height:       ev.Height,
		CoinbaseHash: ev.Share.CoinbaseHash,
		MinerAddress: ev.Share.MinerAddress,
		WorkerName:   ev.Share.WorkerName,
		Difficulty:   ev.Share.Difficulty,
		FoundAt:      ev.Share.SubmittedAt,
	}

	p.enqueue(TopicBlocks, ev.Hash, msg)
}

// PublishJob mirrors a job broadcast onto the jobs topic.
func (p *Publisher) PublishJob(msg JobMessage) {
	p.enqueue(TopicJobs, msg.JobID, msg)
}

// Critical raises an operator alert. Implements the pipeline's alert
// sink. Alerts carry an open field map, so they go out as a protobuf
// Struct rather than a fixed JSON shape.
func (p *Publisher) Critical(_ context.Context, message string, fields map[string]any) {
	payload := map[string]any{
		"severity":  "critical",
		"message":   message,
		"raised_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if len(fields) > 0 {
		payload["fields"] = fields
	}

	alert, err := structpb.NewStruct(payload)
	if err != nil {
		p.logger.WithError(err).Error("failed to encode alert", "message", message)
		return
	}

	p.enqueueProto(TopicAlerts, "critical", alert)
}

func (p *Publisher) enqueue(topic, key string, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		p.logger.WithError(err).Error("failed to marshal event", "topic", topic)
		return
	}

	select {
	case p.queue <- outbound{topic: topic, key: key, payload: payload}:
	default:
		p.logger.Warn("event queue full, dropping event", "topic", topic, "key", key)
	}
}

func (p *Publisher) enqueueProto(topic, key string, msg proto.Message) {
	select {
	case p.queue <- outbound{topic: topic, key: key, protoMsg: msg}:
	default:
		p.logger.Warn("event queue full, dropping event", "topic", topic, "key", key)
	}
}
