package testing

import (
	"testing"

	"go.uber.org/zap"

	"github.com/philiplau114/PocketFlowProject/broker"
)

// CreateTestBroker opens a Badger broker in a per-test temp directory.
// Automatically registers cleanup via t.Cleanup().
func CreateTestBroker(t *testing.T) *broker.BadgerBroker {
	t.Helper()

	b, err := broker.OpenBadger(t.TempDir(), zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("Failed to open test broker: %v", err)
	}

	t.Cleanup(func() {
		b.Close()
	})

	return b
}
