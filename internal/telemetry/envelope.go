package telemetry

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event kinds carried in an Envelope.
const (
	KindDecision = "decision"
	KindEpisode  = "episode"
)

// Envelope is the wire format published to message brokers.
type Envelope struct {
	Kind     string    `json:"kind"`
	Source   string    `json:"source"`
	SentAt   time.Time `json:"sent_at"`
	Decision *Decision `json:"decision,omitempty"`
	Episode  *Episode  `json:"episode,omitempty"`
}

func encodeDecision(source string, d Decision) ([]byte, error) {
	b, err := json.Marshal(Envelope{Kind: KindDecision, Source: source, SentAt: time.Now().UTC(), Decision: &d})
	if err != nil {
		return nil, fmt.Errorf("marshal decision: %w", err)
	}
	return b, nil
}

func encodeEpisode(source string, e Episode) ([]byte, error) {
	b, err := json.Marshal(Envelope{Kind: KindEpisode, Source: source, SentAt: time.Now().UTC(), Episode: &e})
	if err != nil {
		return nil, fmt.Errorf("marshal episode: %w", err)
	}
	return b, nil
}
