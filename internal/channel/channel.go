// Package channel defines the narrow views of the channel state machine and
// proof system that the storage tier consumes.
package channel

import (
	"encoding/json"
	"fmt"

	"chanstore/internal/hashing"
)

// State is the live state of a channel. The storage tier keeps it hot and
// evicts it; it never inspects it.
type State any

// Proof is the part of a state proof the storage tier reads.
type Proof interface {
	// Timestamp is the proof time in seconds.
	Timestamp() uint64
}

// StaticProof is a Proof carrying only a timestamp.
type StaticProof uint64

// Timestamp implements Proof.
func (p StaticProof) Timestamp() uint64 {
	return uint64(p)
}

// Event is one committed state transition handed to the storage engine.
type Event struct {
	ChannelID     hashing.Bytes32 `json:"channel_id"`
	OldCommitment hashing.Bytes32 `json:"old_commitment"`
	NewCommitment hashing.Bytes32 `json:"new_commitment"`
	Proof         Proof           `json:"-"`
	Metadata      any             `json:"metadata,omitempty"`
}

// eventJSON is the ingestion wire form: the proof is flattened to its timestamp.
type eventJSON struct {
	ChannelID     hashing.Bytes32 `json:"channel_id"`
	OldCommitment hashing.Bytes32 `json:"old_commitment"`
	NewCommitment hashing.Bytes32 `json:"new_commitment"`
	Timestamp     uint64          `json:"timestamp"`
	Metadata      any             `json:"metadata,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	var ts uint64
	if e.Proof != nil {
		ts = e.Proof.Timestamp()
	}
	return json.Marshal(eventJSON{
		ChannelID:     e.ChannelID,
		OldCommitment: e.OldCommitment,
		NewCommitment: e.NewCommitment,
		Timestamp:     ts,
		Metadata:      e.Metadata,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("channel: decode event: %w", err)
	}
	*e = Event{
		ChannelID:     raw.ChannelID,
		OldCommitment: raw.OldCommitment,
		NewCommitment: raw.NewCommitment,
		Proof:         StaticProof(raw.Timestamp),
		Metadata:      raw.Metadata,
	}
	return nil
}
