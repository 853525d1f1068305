package client

import (
	"fmt"

	"github.com/gammazero/deque"
	"github.com/pion/webrtc/v3"

	"github.com/peerchat/peerchat/pkg/types"
)

// NegotiationState tracks progress of the offer/answer exchange for the
// current session attempt.
type NegotiationState int

const (
	StateIdle NegotiationState = iota
	StateAwaitingElection
	StateCreatingOffer
	StateOfferSent
	StateAwaitingAnswer
	StateAnswerReceived
	StateStable
	StateFailed
)

func (s NegotiationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingElection:
		return "awaiting-election"
	case StateCreatingOffer:
		return "creating-offer"
	case StateOfferSent:
		return "offer-sent"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateAnswerReceived:
		return "answer-received"
	case StateStable:
		return "stable"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Negotiator drives the offer/answer/candidate exchange against the
// transport primitive. It is the sole mutator of NegotiationState and of
// the candidate buffer, and it must only ever be called from the session
// event loop; it does no locking of its own.
//
// Candidates can outrun the description they depend on because the relay
// delivers independent publishes with independent timing, and the
// transport primitive rejects candidates until a remote description
// exists. Pending candidates are therefore buffered in arrival order and
// flushed exactly once, the moment the remote description is applied.
type Negotiator struct {
	roomID        string
	participantID string
	signal        Signal
	factory       TransportFactory

	state     NegotiationState
	role      Role
	transport Transport
	pending   deque.Deque[webrtc.ICECandidateInit]
	lastOffer *webrtc.SessionDescription
}

// NewNegotiator returns a negotiator in StateAwaitingElection with no
// transport; Begin builds one once a role is known.
func NewNegotiator(roomID, participantID string, signal Signal, factory TransportFactory) *Negotiator {
	return &Negotiator{
		roomID:        roomID,
		participantID: participantID,
		signal:        signal,
		factory:       factory,
		state:         StateAwaitingElection,
	}
}

// State reports the current negotiation state.
func (n *Negotiator) State() NegotiationState { return n.state }

// Role reports the elected role for this attempt.
func (n *Negotiator) Role() Role { return n.role }

// Transport exposes the current transport instance, nil before Begin.
func (n *Negotiator) Transport() Transport { return n.transport }

// Begin starts a session attempt in the given role. The initiator
// creates and publishes the offer; the receiver builds its transport and
// listens. Reconnection calls Begin again with the previously elected
// role after a Reset.
func (n *Negotiator) Begin(role Role) error {
	n.role = role

	if n.transport == nil {
		t, err := n.factory(role == RoleInitiator)
		if err != nil {
			n.state = StateFailed
			return fmt.Errorf("create transport: %w", err)
		}
		n.transport = t
	}

	if role != RoleInitiator {
		n.state = StateIdle
		return nil
	}

	n.state = StateCreatingOffer
	offer, err := n.transport.CreateOffer()
	if err != nil {
		n.state = StateFailed
		return fmt.Errorf("create offer: %w", err)
	}
	if err := n.transport.SetLocalDescription(offer); err != nil {
		n.state = StateFailed
		return fmt.Errorf("apply local offer: %w", err)
	}

	env, err := types.NewEnvelope(types.KindOffer, offer, n.roomID, n.participantID)
	if err != nil {
		n.state = StateFailed
		return err
	}
	if err := n.signal.Publish(env); err != nil {
		n.state = StateFailed
		return fmt.Errorf("publish offer: %w", err)
	}

	n.state = StateOfferSent
	n.lastOffer = &offer
	log.Info("offer published", "room", n.roomID)
	return nil
}

// RepublishOffer resends the current offer. A peer that joined after the
// original publish never saw it; the relay stores nothing.
func (n *Negotiator) RepublishOffer() error {
	if n.role != RoleInitiator || n.lastOffer == nil || n.state != StateOfferSent {
		return nil
	}
	env, err := types.NewEnvelope(types.KindOffer, *n.lastOffer, n.roomID, n.participantID)
	if err != nil {
		return err
	}
	log.Info("republishing offer for late-joining peer", "room", n.roomID)
	return n.signal.Publish(env)
}

// HandleOffer processes an inbound offer. Receiving one mid-negotiation
// means the peer restarted; the current transport is discarded and the
// offer is reprocessed against a fresh instance.
func (n *Negotiator) HandleOffer(env types.SignalEnvelope) error {
	if n.state != StateIdle && n.state != StateAwaitingElection {
		log.Info("offer received mid-negotiation, resetting", "state", n.state.String())
		n.Reset()
		n.role = RoleReceiver
		t, err := n.factory(false)
		if err != nil {
			n.state = StateFailed
			return fmt.Errorf("recreate transport: %w", err)
		}
		n.transport = t
	}
	if n.transport == nil {
		t, err := n.factory(false)
		if err != nil {
			n.state = StateFailed
			return fmt.Errorf("create transport: %w", err)
		}
		n.transport = t
		n.role = RoleReceiver
	}

	offer, err := env.Description()
	if err != nil {
		return err
	}
	if err := n.transport.SetRemoteDescription(offer); err != nil {
		n.state = StateFailed
		return fmt.Errorf("apply remote offer: %w", err)
	}
	n.flushCandidates()

	answer, err := n.transport.CreateAnswer()
	if err != nil {
		n.state = StateFailed
		return fmt.Errorf("create answer: %w", err)
	}
	if err := n.transport.SetLocalDescription(answer); err != nil {
		n.state = StateFailed
		return fmt.Errorf("apply local answer: %w", err)
	}

	out, err := types.NewEnvelope(types.KindAnswer, answer, n.roomID, n.participantID)
	if err != nil {
		n.state = StateFailed
		return err
	}
	if err := n.signal.Publish(out); err != nil {
		n.state = StateFailed
		return fmt.Errorf("publish answer: %w", err)
	}

	n.state = StateStable
	log.Info("answer published, negotiation stable", "room", n.roomID)
	return nil
}

// HandleAnswer processes an inbound answer. Outside StateOfferSent it is
// stale or duplicated and is ignored.
func (n *Negotiator) HandleAnswer(env types.SignalEnvelope) error {
	if n.state != StateOfferSent {
		log.Info("ignoring answer", "state", n.state.String())
		return nil
	}

	answer, err := env.Description()
	if err != nil {
		return err
	}

	n.state = StateAnswerReceived
	if err := n.transport.SetRemoteDescription(answer); err != nil {
		n.state = StateFailed
		return fmt.Errorf("apply remote answer: %w", err)
	}
	n.flushCandidates()

	n.state = StateStable
	log.Info("answer applied, negotiation stable", "room", n.roomID)
	return nil
}

// HandleCandidate applies an inbound candidate immediately when the
// remote description is set, otherwise buffers it.
func (n *Negotiator) HandleCandidate(env types.SignalEnvelope) error {
	cand, err := env.Candidate()
	if err != nil {
		return err
	}

	if n.transport == nil || !n.transport.HasRemoteDescription() {
		n.pending.PushBack(cand)
		return nil
	}
	if err := n.transport.AddICECandidate(cand); err != nil {
		log.Error(err, "error applying candidate")
	}
	return nil
}

// PublishCandidate signals a locally gathered candidate to the peer.
func (n *Negotiator) PublishCandidate(cand webrtc.ICECandidateInit) error {
	env, err := types.NewEnvelope(types.KindIceCandidate, cand, n.roomID, n.participantID)
	if err != nil {
		return err
	}
	return n.signal.Publish(env)
}

// flushCandidates drains the buffer in arrival order. It runs exactly
// once per applied remote description; the buffer is empty afterwards.
func (n *Negotiator) flushCandidates() {
	for n.pending.Len() > 0 {
		cand := n.pending.PopFront()
		if err := n.transport.AddICECandidate(cand); err != nil {
			log.Error(err, "error applying buffered candidate")
		}
	}
}

// Fail records an unrecoverable transport error.
func (n *Negotiator) Fail() {
	n.state = StateFailed
}

// Reset discards the transport instance and all buffered candidates and
// returns to StateIdle. The elected role is preserved; a fresh attempt
// repopulates the buffer.
func (n *Negotiator) Reset() {
	if n.transport != nil {
		n.transport.Close()
		n.transport = nil
	}
	n.pending.Clear()
	n.lastOffer = nil
	n.state = StateIdle
}
