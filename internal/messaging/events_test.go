package messaging

import (
	"context"
	"encoding/json"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/poolcore/internal/pipeline"
	"github.com/bardlex/poolcore/internal/validation"
)

func testShare(valid bool) *validation.Share {
	sub := validation.Submission{
		MinerAddress: "addr1",
		WorkerName:   "rig1",
		JobID:        "1",
		ExtraNonce2:  "00000000",
		NTime:        "65432100",
		Nonce:        "1a2b3c4d",
	}
	if valid {
		return validation.NewValidShare(sub, 1024)
	}
	return validation.NewInvalidShare(sub, validation.LowDifficultyShare)
}

func drain(t *testing.T, p *Publisher) outbound {
	t.Helper()
	select {
	case msg := <-p.queue:
		return msg
	default:
		t.Fatal("expected a queued event")
		return outbound{}
	}
}

func TestPublishShareEvent(t *testing.T) {
	p := NewPublisher(NewKafkaClient([]string{"localhost:9092"}, testLogger()), testLogger())

	p.publishShare(pipeline.ShareEvent{
		MinerAddress: "addr1",
		WorkerName:   "rig1",
		Share:        testShare(true),
	})

	msg := drain(t, p)
	if msg.topic != TopicShares {
		t.Errorf("topic = %q, want %q", msg.topic, TopicShares)
	}
	if msg.key != "addr1" {
		t.Errorf("key = %q, want %q", msg.key, "addr1")
	}

	var event ShareMessage
	if err := json.Unmarshal(msg.payload, &event); err != nil {
		t.Fatalf("payload does not decode: %v", err)
	}
	if !event.IsValid || event.RejectReason != "" {
		t.Errorf("event = %+v, want valid with no reject reason", event)
	}
	if event.Difficulty != 1024 {
		t.Errorf("difficulty = %v, want 1024", event.Difficulty)
	}
}

func TestPublishRejectedShareCarriesReason(t *testing.T) {
	p := NewPublisher(NewKafkaClient([]string{"localhost:9092"}, testLogger()), testLogger())

	p.publishShare(pipeline.ShareEvent{
		MinerAddress: "addr1",
		WorkerName:   "rig1",
		Share:        testShare(false),
	})

	var event ShareMessage
	if err := json.Unmarshal(drain(t, p).payload, &event); err != nil {
		t.Fatalf("payload does not decode: %v", err)
	}
	if event.IsValid {
		t.Error("event should be invalid")
	}
	if event.RejectReason != "low difficulty share" {
		t.Errorf("reject reason = %q", event.RejectReason)
	}
}

func TestPublishBlockEvent(t *testing.T) {
	p := NewPublisher(NewKafkaClient([]string{"localhost:9092"}, testLogger()), testLogger())

	share := validation.NewCandidateShare(validation.Submission{
		MinerAddress: "addr1",
		WorkerName:   "rig1",
		JobID:        "1",
	}, 1024, "00", "blockhash", "cbhash", 800000)

	p.publishBlock(pipeline.BlockEvent{Hash: "blockhash", Height: 800000, Share: share})

	msg := drain(t, p)
	if msg.topic != TopicBlocks {
		t.Errorf("topic = %q, want %q", msg.topic, TopicBlocks)
	}

	var event BlockMessage
	if err := json.Unmarshal(msg.payload, &event); err != nil {
		t.Fatalf("payload does not decode: %v", err)
	}
	if event.Hash != "blockhash" || event.Height != 800000 {
		t.Errorf("event = %+v", event)
	}
}

func TestCriticalAlert(t *testing.T) {
	p := NewPublisher(NewKafkaClient([]string{"localhost:9092"}, testLogger()), testLogger())

	p.Critical(context.Background(), "generation transaction mismatch", map[string]any{
		"block_height": 800000,
	})

	msg := drain(t, p)
	if msg.topic != TopicAlerts {
		t.Errorf("topic = %q, want %q", msg.topic, TopicAlerts)
	}

	alert, ok := msg.protoMsg.(*structpb.Struct)
	if !ok {
		t.Fatalf("alert payload = %T, want *structpb.Struct", msg.protoMsg)
	}
	if got := alert.Fields["severity"].GetStringValue(); got != "critical" {
		t.Errorf("severity = %q, want critical", got)
	}
	if got := alert.Fields["message"].GetStringValue(); got != "generation transaction mismatch" {
		t.Errorf("message = %q", got)
	}
	details := alert.Fields["fields"].GetStructValue()
	if details == nil || details.Fields["block_height"].GetNumberValue() != 800000 {
		t.Errorf("alert fields = %v, want block_height 800000", details)
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	p := NewPublisher(NewKafkaClient([]string{"localhost:9092"}, testLogger()), testLogger())

	for i := 0; i < publishQueueSize+10; i++ {
		p.Critical(context.Background(), "flood", nil)
	}

	if len(p.queue) != publishQueueSize {
		t.Errorf("queue length = %d, want %d", len(p.queue), publishQueueSize)
	}
}
