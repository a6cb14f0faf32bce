package bitcoin

import (
	"encoding/hex"
	"testing"

	"github.com/bardlex/poolcore/pkg/log"
)

func testLogger() *log.Logger {
	return log.New("test", "dev", "error", "text")
}

func TestBlockNotificationHandlerHashblock(t *testing.T) {
	handler := NewBlockNotificationHandler(testLogger())

	// 32 bytes in wire order; the callback should see it reversed.
	wireHash := make([]byte, 32)
	wireHash[0] = 0xab
	wireHash[31] = 0x01

	var got string
	handler.SetNewBlockHandler(func(blockHash string) error {
		got = blockHash
		return nil
	})

	if err := handler.HandleMessage("hashblock", wireHash); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	want := "01" + hex.EncodeToString(make([]byte, 30)) + "ab"
	if got != want {
		t.Errorf("block hash = %s, want %s", got, want)
	}
}

func TestBlockNotificationHandlerHashtx(t *testing.T) {
	handler := NewBlockNotificationHandler(testLogger())

	called := false
	handler.SetNewTxHandler(func(string) error {
		called = true
		return nil
	})

	if err := handler.HandleMessage("hashtx", make([]byte, 32)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !called {
		t.Error("tx handler not invoked")
	}
}

func TestBlockNotificationHandlerBadPayload(t *testing.T) {
	handler := NewBlockNotificationHandler(testLogger())

	if err := handler.HandleMessage("hashblock", []byte{0x01, 0x02}); err == nil {
		t.Error("expected error for short block hash")
	}
	if err := handler.HandleMessage("hashtx", []byte{0x01}); err == nil {
		t.Error("expected error for short tx hash")
	}

	// Unknown topics are logged, not errors.
	if err := handler.HandleMessage("something-else", nil); err != nil {
		t.Errorf("unknown topic should not error, got %v", err)
	}
}

func TestBlockNotificationHandlerNoCallbacks(t *testing.T) {
	handler := NewBlockNotificationHandler(testLogger())

	// Without callbacks the handler still accepts messages.
	if err := handler.HandleMessage("hashblock", make([]byte, 32)); err != nil {
		t.Errorf("HandleMessage() error = %v", err)
	}
}
