package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNilPublisherIsSafe verifies a disabled publisher drops everything
func TestNilPublisherIsSafe(t *testing.T) {
	var p *Publisher

	assert.NotPanics(t, func() {
		p.Publish(EventPromoted, map[string]interface{}{"candidate_id": "cand_x"})
		p.Close()
	})
}

// TestZeroPublisherIsSafe verifies an unconnected publisher drops everything
func TestZeroPublisherIsSafe(t *testing.T) {
	p := &Publisher{}

	assert.NotPanics(t, func() {
		p.Publish(EventCycleComplete, nil)
		p.Close()
	})
}

// TestDefaultConfig verifies the local-broker defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "nats://localhost:4222", cfg.URL)
	assert.Equal(t, "autotune.", cfg.Prefix)
}

// TestEventEnvelopeSerialization verifies the published JSON shape
func TestEventEnvelopeSerialization(t *testing.T) {
	ev := Event{
		ID:        uuid.New(),
		Type:      EventCandidateStaged,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Payload:   map[string]interface{}{"tier": "A"},
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "candidate.staged", decoded["type"])
	assert.Equal(t, "A", decoded["payload"].(map[string]interface{})["tier"])
}

// TestNewPublisherUnreachableBroker verifies connection failures surface
func TestNewPublisherUnreachableBroker(t *testing.T) {
	_, err := NewPublisher(Config{URL: "nats://127.0.0.1:1"})
	assert.Error(t, err)
}
