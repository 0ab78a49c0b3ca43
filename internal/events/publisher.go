// Package events publishes tuning lifecycle notifications over NATS so
// downstream systems can react to candidate selection, staging and
// promotion without polling state files.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// EventType identifies a lifecycle transition.
type EventType string

const (
	EventCycleComplete    EventType = "cycle.complete"
	EventCandidateQueued  EventType = "candidate.queued"
	EventCandidateStaged  EventType = "candidate.staged"
	EventPromoted         EventType = "candidate.promoted"
	EventDiscarded        EventType = "candidate.discarded"
	EventRollback         EventType = "config.rollback"
	EventDeployed         EventType = "config.deployed"
	EventNoSelection      EventType = "cycle.no_selection"
	EventSafetyViolation  EventType = "candidate.safety_violation"
)

// Event is the published envelope.
type Event struct {
	ID        uuid.UUID              `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Config configures the publisher connection.
type Config struct {
	URL    string `mapstructure:"url" json:"url"`
	Prefix string `mapstructure:"prefix" json:"prefix"`
}

// DefaultConfig returns the local-broker defaults.
func DefaultConfig() Config {
	return Config{
		URL:    "nats://localhost:4222",
		Prefix: "autotune.",
	}
}

// Publisher emits lifecycle events. A nil Publisher is valid and drops
// everything, so callers never branch on whether events are enabled.
type Publisher struct {
	nc     *nats.Conn
	prefix string
}

// NewPublisher connects to NATS. Reconnects are unbounded so a broker
// restart does not wedge the supervisor.
func NewPublisher(cfg Config) (*Publisher, error) {
	nc, err := nats.Connect(
		cfg.URL,
		nats.Name("autotune"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "autotune."
	}

	log.Info().
		Str("nats_url", cfg.URL).
		Str("prefix", prefix).
		Msg("Event publisher initialized")

	return &Publisher{nc: nc, prefix: prefix}, nil
}

// Publish emits one event. Publish on a nil Publisher is a no-op.
func (p *Publisher) Publish(typ EventType, payload map[string]interface{}) {
	if p == nil || p.nc == nil {
		return
	}

	ev := Event{
		ID:        uuid.New(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("type", string(typ)).Msg("Failed to marshal event")
		return
	}

	subject := p.prefix + string(typ)
	if err := p.nc.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish event")
		return
	}

	log.Debug().Str("subject", subject).Str("event_id", ev.ID.String()).Msg("Published event")
}

// Close flushes and closes the connection. Close on a nil Publisher is a
// no-op.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Flush(); err != nil {
		log.Warn().Err(err).Msg("Failed to flush NATS connection")
	}
	p.nc.Close()
}
