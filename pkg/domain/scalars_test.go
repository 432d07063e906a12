package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundedScalars(t *testing.T) {
	tests := []struct {
		name    string
		build   func() error
		wantErr bool
	}{
		{"fuel in range", func() error { _, err := NewCpuFuel(1000); return err }, false},
		{"fuel at max", func() error { _, err := NewCpuFuel(MaxCpuFuel); return err }, false},
		{"fuel over max", func() error { _, err := NewCpuFuel(MaxCpuFuel + 1); return err }, true},
		{"message size in range", func() error { _, err := NewMessageSize(1024); return err }, false},
		{"message size over 10MiB", func() error { _, err := NewMessageSize(MaxMessageSizeBytes + 1); return err }, true},
		{"queue size zero", func() error { _, err := NewAgentQueueSize(0); return err }, true},
		{"queue size one", func() error { _, err := NewAgentQueueSize(1); return err }, false},
		{"queue size over max", func() error { _, err := NewAgentQueueSize(MaxAgentQueueSize + 1); return err }, true},
		{"channel capacity zero", func() error { _, err := NewChannelCapacity(0); return err }, true},
		{"max retries zero", func() error { _, err := NewMaxRetries(0); return err }, true},
		{"max retries ten", func() error { _, err := NewMaxRetries(10); return err }, false},
		{"max retries eleven", func() error { _, err := NewMaxRetries(11); return err }, true},
		{"retry delay too short", func() error { _, err := NewRetryDelay(50 * time.Millisecond); return err }, true},
		{"retry delay in range", func() error { _, err := NewRetryDelay(time.Second); return err }, false},
		{"message timeout too short", func() error { _, err := NewMessageTimeout(500 * time.Millisecond); return err }, true},
		{"conversation timeout too short", func() error { _, err := NewConversationTimeout(time.Minute); return err }, true},
		{"conversation timeout in range", func() error { _, err := NewConversationTimeout(time.Hour); return err }, false},
		{"breaker threshold zero", func() error { _, err := NewCircuitBreakerThreshold(0); return err }, true},
		{"breaker threshold hundred", func() error { _, err := NewCircuitBreakerThreshold(100); return err }, false},
		{"sampling ratio negative", func() error { _, err := NewTraceSamplingRatio(-0.1); return err }, true},
		{"sampling ratio one", func() error { _, err := NewTraceSamplingRatio(1.0); return err }, false},
		{"deploy memory below 1MiB", func() error { _, err := NewDeploymentMemoryLimit(1024); return err }, true},
		{"deploy memory 64MiB", func() error { _, err := NewDeploymentMemoryLimit(64 << 20); return err }, false},
		{"deploy fuel below min", func() error { _, err := NewDeploymentFuelLimit(100); return err }, true},
		{"batch size zero", func() error { _, err := NewBatchSize(0); return err }, true},
		{"batch size hundred", func() error { _, err := NewBatchSize(100); return err }, false},
		{"batch size over", func() error { _, err := NewBatchSize(101); return err }, true},
		{"progress over 100", func() error { _, err := NewDeploymentProgress(101); return err }, true},
		{"progress zero", func() error { _, err := NewDeploymentProgress(0); return err }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.build()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrValidation)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestIDs(t *testing.T) {
	id := NewAgentID()
	assert.False(t, id.IsNil())

	parsed, err := ParseAgentID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseAgentID("not-a-uuid")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = ParseAgentID("00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestVersionFromModule(t *testing.T) {
	a := VersionFromModule([]byte{0x00, 0x61, 0x73, 0x6d})
	b := VersionFromModule([]byte{0x00, 0x61, 0x73, 0x6d})
	c := VersionFromModule([]byte{0x00, 0x61, 0x73, 0x6d, 0x01})

	assert.Equal(t, a, b, "identical bytes share a version")
	assert.NotEqual(t, a, c, "different bytes get different versions")
	assert.Equal(t, uint64(2), uint64(VersionNumber(1).Next()))
}
