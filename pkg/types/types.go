// Package types holds the wire envelope and records shared by the relay
// server and the client engine.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/pion/webrtc/v3"
)

// EnvelopeKind discriminates the payload of a SignalEnvelope. The wire
// names are fixed by the relay protocol.
type EnvelopeKind string

const (
	KindOffer              EnvelopeKind = "offer"
	KindAnswer             EnvelopeKind = "answer"
	KindIceCandidate       EnvelopeKind = "ice-candidate"
	KindInitiatorSelection EnvelopeKind = "initiator-selection"
	KindEndSession         EnvelopeKind = "end-session"
	KindRoomFull           EnvelopeKind = "room-full"
	KindKeepAlive          EnvelopeKind = "keep-alive"
)

// SignalEnvelope is the unit the relay forwards between room subscribers.
// The relay never interprets Content. Envelopes are immutable once built.
type SignalEnvelope struct {
	Type     EnvelopeKind    `json:"type"`
	Content  json.RawMessage `json:"content,omitempty"`
	RoomID   string          `json:"roomId"`
	SenderID string          `json:"senderId"`
}

// NewEnvelope marshals content into a SignalEnvelope of the given kind.
func NewEnvelope(kind EnvelopeKind, content interface{}, roomID, senderID string) (SignalEnvelope, error) {
	var raw json.RawMessage
	if content != nil {
		b, err := json.Marshal(content)
		if err != nil {
			return SignalEnvelope{}, fmt.Errorf("marshal %s content: %w", kind, err)
		}
		raw = b
	}
	return SignalEnvelope{Type: kind, Content: raw, RoomID: roomID, SenderID: senderID}, nil
}

// Description decodes the content of an offer or answer envelope.
func (e SignalEnvelope) Description() (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(e.Content, &desc); err != nil {
		return desc, fmt.Errorf("decode %s description: %w", e.Type, err)
	}
	return desc, nil
}

// Candidate decodes the content of an ice-candidate envelope.
func (e SignalEnvelope) Candidate() (webrtc.ICECandidateInit, error) {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(e.Content, &cand); err != nil {
		return cand, fmt.Errorf("decode candidate: %w", err)
	}
	return cand, nil
}

// Token decodes the content of an initiator-selection envelope.
func (e SignalEnvelope) Token() (ElectionToken, error) {
	var tok ElectionToken
	if err := json.Unmarshal(e.Content, &tok); err != nil {
		return tok, fmt.Errorf("decode election token: %w", err)
	}
	return tok, nil
}

// ElectionToken is generated once per session attempt and compared against
// the peer's token to elect the initiator. Timestamp is unix milliseconds.
type ElectionToken struct {
	RandomValue float64 `json:"randomValue"`
	Timestamp   int64   `json:"timestamp"`
}

// ChatMessage is a single persisted conversation entry. IsSelf reflects
// the local perspective only and is recomputed when records are loaded.
type ChatMessage struct {
	ID       string    `json:"id"`
	RoomID   string    `json:"roomId"`
	SenderID string    `json:"senderId"`
	Body     string    `json:"body"`
	SentAt   time.Time `json:"sentAt"`
	IsSelf   bool      `json:"isSelf"`
}

// SessionRecord marks an in-flight session so a restarted process can
// detect and resume it. Erased entirely on explicit end.
type SessionRecord struct {
	RoomID        string    `json:"roomId"`
	ParticipantID string    `json:"participantId"`
	Active        bool      `json:"active"`
	StartTime     time.Time `json:"startTime"`
}

// ParticipantsTTL bounds how long a cached room-occupancy view is trusted
// before it is discarded as stale.
const ParticipantsTTL = time.Hour

// RoomParticipants is the locally cached view of room occupancy. Members
// preserves join order.
type RoomParticipants struct {
	Members     *orderedmap.OrderedMap[string, time.Time]
	LastUpdated time.Time
}

// NewRoomParticipants returns an empty occupancy view.
func NewRoomParticipants() *RoomParticipants {
	return &RoomParticipants{
		Members:     orderedmap.NewOrderedMap[string, time.Time](),
		LastUpdated: time.Now(),
	}
}

// Count reports the number of known members.
func (r *RoomParticipants) Count() int {
	if r == nil {
		return 0
	}
	return r.Members.Len()
}

// Stale reports whether the view has outlived ParticipantsTTL.
func (r *RoomParticipants) Stale(now time.Time) bool {
	return now.Sub(r.LastUpdated) > ParticipantsTTL
}
