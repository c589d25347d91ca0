// Package bus carries task transition events and worker completions between processes.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

const SchemaVersion = "1"

// Envelope is the wire form of every message on the bus.
type Envelope struct {
	SchemaVersion string          `json:"schema_version"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope.
func NewEnvelope(eventType, correlationID, source string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		SchemaVersion: SchemaVersion,
		Type:          eventType,
		CorrelationID: correlationID,
		Source:        source,
		Timestamp:     ts.UTC(),
		Payload:       raw,
	}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// ParseEnvelope decodes raw bytes, rejecting messages without a type.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if strings.TrimSpace(env.Type) == "" {
		return Envelope{}, fmt.Errorf("parse envelope: missing type")
	}
	if env.SchemaVersion == "" {
		env.SchemaVersion = SchemaVersion
	}
	return env, nil
}

type Bus interface {
	Publish(ctx context.Context, subject string, event Envelope) error
	Subscribe(ctx context.Context, subject string) (<-chan Envelope, func(), error)
	Close() error
}

// Subjects derives subject names from the configured prefix.
type Subjects struct {
	Prefix string
}

func (s Subjects) prefix() string {
	if s.Prefix == "" {
		return "riskroute"
	}
	return s.Prefix
}

// Task is the subject for one kind of task transition event, e.g. riskroute.task.escalated.
func (s Subjects) Task(event string) string {
	return s.prefix() + ".task." + strings.ToLower(event)
}

// Completions carries executor, evaluator and human callbacks into the engine.
func (s Subjects) Completions() string {
	return s.prefix() + ".completions"
}

type MemoryBus struct {
	mu        sync.RWMutex
	channels  map[string][]chan Envelope
	closed    bool
	closeOnce sync.Once
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{channels: make(map[string][]chan Envelope)}
}

// Publish never blocks; a subscriber with a full buffer misses the message.
func (b *MemoryBus) Publish(_ context.Context, subject string, event Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus closed")
	}
	// sends stay under the read lock so unsubscribe cannot close a channel mid-send
	for _, ch := range b.channels[subject] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, subject string) (<-chan Envelope, func(), error) {
	if b == nil {
		return nil, nil, fmt.Errorf("bus is nil")
	}
	ch := make(chan Envelope, 32)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, fmt.Errorf("bus closed")
	}
	b.channels[subject] = append(b.channels[subject], ch)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subscribers := b.channels[subject]
			for i, candidate := range subscribers {
				if candidate == ch {
					b.channels[subject] = append(subscribers[:i], subscribers[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			unsub()
		}()
	}
	return ch, unsub, nil
}

func (b *MemoryBus) Close() error {
	if b == nil {
		return nil
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for subject, subscribers := range b.channels {
			for _, ch := range subscribers {
				close(ch)
			}
			delete(b.channels, subject)
		}
		b.mu.Unlock()
	})
	return nil
}

// Open builds the bus for the configured driver.
func Open(driver, url string) (Bus, error) {
	switch driver {
	case "", "memory":
		return NewMemoryBus(), nil
	case "redis":
		return NewRedisBus(url)
	case "nats":
		return NewNATSBus(url)
	default:
		return nil, fmt.Errorf("unknown bus driver %q", driver)
	}
}
