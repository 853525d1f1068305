package client

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
)

// TransportEventKind enumerates the notifications a transport emits.
type TransportEventKind int

const (
	// TransportLocalCandidate carries a freshly gathered local ICE
	// candidate that must be signalled to the peer.
	TransportLocalCandidate TransportEventKind = iota
	// TransportConnectionState carries a peer-connection state change.
	TransportConnectionState
	// TransportICEState carries an ICE connection state change.
	TransportICEState
	// TransportChannelOpen fires when the data channel becomes usable.
	TransportChannelOpen
	// TransportChannelClosed fires when the data channel closes.
	TransportChannelClosed
	// TransportMessage carries an inbound data-channel payload.
	TransportMessage
)

// TransportEvent is delivered on the transport's event channel. Only the
// field matching Kind is populated.
type TransportEvent struct {
	Kind      TransportEventKind
	Candidate webrtc.ICECandidateInit
	ConnState webrtc.PeerConnectionState
	ICEState  webrtc.ICEConnectionState
	Payload   []byte
}

// Transport is the capability interface over the secure channel
// primitive. One instance serves exactly one session attempt; loss or
// reset always discards the instance and creates a fresh one.
type Transport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(cand webrtc.ICECandidateInit) error
	HasRemoteDescription() bool

	// Send writes to the data channel; it fails until the channel is open.
	Send(payload []byte) error

	Events() <-chan TransportEvent
	Close() error
}

// TransportFactory creates a transport for one session attempt. The
// initiator flag decides which side pre-creates the data channel.
type TransportFactory func(initiator bool) (Transport, error)

const dataChannelLabel = "chat"

// PionTransport implements Transport over a pion PeerConnection with a
// single ordered data channel.
type PionTransport struct {
	pc     *webrtc.PeerConnection
	events chan TransportEvent

	mu      sync.Mutex
	channel *webrtc.DataChannel
	closed  bool
}

// NewPionTransport builds a peer connection from the given configuration.
// When initiator is true the ordered "chat" data channel is created up
// front so it rides along with the offer; the receiver adopts the inbound
// channel instead.
func NewPionTransport(cfg webrtc.Configuration, initiator bool) (*PionTransport, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	t := &PionTransport{
		pc:     pc,
		events: make(chan TransportEvent, 64),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		t.emit(TransportEvent{Kind: TransportLocalCandidate, Candidate: cand.ToJSON()})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.emit(TransportEvent{Kind: TransportConnectionState, ConnState: s})
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		t.emit(TransportEvent{Kind: TransportICEState, ICEState: s})
	})
	pc.OnDataChannel(func(ch *webrtc.DataChannel) {
		t.adoptChannel(ch)
	})

	if initiator {
		ordered := true
		ch, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		t.adoptChannel(ch)
	}

	return t, nil
}

func (t *PionTransport) adoptChannel(ch *webrtc.DataChannel) {
	t.mu.Lock()
	t.channel = ch
	t.mu.Unlock()

	ch.OnOpen(func() {
		t.emit(TransportEvent{Kind: TransportChannelOpen})
	})
	ch.OnClose(func() {
		t.emit(TransportEvent{Kind: TransportChannelClosed})
	})
	ch.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.emit(TransportEvent{Kind: TransportMessage, Payload: msg.Data})
	})
}

// emit drops events once the transport is closed; a discarded instance
// must never wake the session loop again.
func (t *PionTransport) emit(ev TransportEvent) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	select {
	case t.events <- ev:
	default:
	}
}

func (t *PionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *PionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *PionTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *PionTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *PionTransport) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(cand)
}

func (t *PionTransport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

func (t *PionTransport) Send(payload []byte) error {
	t.mu.Lock()
	ch := t.channel
	t.mu.Unlock()
	if ch == nil || ch.ReadyState() != webrtc.DataChannelStateOpen {
		return errChannelNotOpen
	}
	return ch.Send(payload)
}

func (t *PionTransport) Events() <-chan TransportEvent {
	return t.events
}

func (t *PionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.pc.Close()
}

var errChannelNotOpen = fmt.Errorf("data channel not open")
