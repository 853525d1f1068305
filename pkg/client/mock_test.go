package client

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/peerchat/peerchat/pkg/types"
)

// fakeSignal satisfies Signal in-process. Published envelopes are
// recorded and optionally routed to a linked peer signal, mimicking the
// relay's no-echo broadcast.
type fakeSignal struct {
	mu        sync.Mutex
	occupants int
	published []types.SignalEnvelope
	envelopes chan types.SignalEnvelope
	closed    chan struct{}
	closeOnce sync.Once
	peer      *fakeSignal
	connErr   error
}

func newFakeSignal(occupants int) *fakeSignal {
	return &fakeSignal{
		occupants: occupants,
		envelopes: make(chan types.SignalEnvelope, 128),
		closed:    make(chan struct{}),
	}
}

// link wires two fake signals so each publish is delivered to the other
// side only, in publish order.
func link(a, b *fakeSignal) {
	a.peer = b
	b.peer = a
}

func (s *fakeSignal) Connect(ctx context.Context, roomID, participantID string) (int, error) {
	if s.connErr != nil {
		return 0, s.connErr
	}
	return s.occupants, nil
}

func (s *fakeSignal) Publish(env types.SignalEnvelope) error {
	s.mu.Lock()
	s.published = append(s.published, env)
	peer := s.peer
	s.mu.Unlock()
	if peer != nil {
		select {
		case peer.envelopes <- env:
		case <-peer.closed:
		}
	}
	return nil
}

func (s *fakeSignal) sent(kind types.EnvelopeKind) []types.SignalEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.SignalEnvelope
	for _, env := range s.published {
		if env.Type == kind {
			out = append(out, env)
		}
	}
	return out
}

func (s *fakeSignal) deliver(env types.SignalEnvelope) {
	s.envelopes <- env
}

func (s *fakeSignal) Envelopes() <-chan types.SignalEnvelope { return s.envelopes }
func (s *fakeSignal) Closed() <-chan struct{}                { return s.closed }

func (s *fakeSignal) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// fakeTransport satisfies Transport without any networking. Candidate
// application order is recorded so tests can assert buffer flushing.
type fakeTransport struct {
	mu         sync.Mutex
	initiator  bool
	events     chan TransportEvent
	localDesc  *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription
	applied    []webrtc.ICECandidateInit
	sentData   [][]byte
	closed     bool

	failSetRemote   bool
	failCreateOffer bool
}

func newFakeTransport(initiator bool) *fakeTransport {
	return &fakeTransport{
		initiator: initiator,
		events:    make(chan TransportEvent, 64),
	}
}

func (t *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	if t.failCreateOffer {
		return webrtc.SessionDescription{}, errChannelNotOpen
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (t *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localDesc = &desc
	return nil
}

func (t *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failSetRemote {
		return errChannelNotOpen
	}
	t.remoteDesc = &desc
	return nil
}

func (t *fakeTransport) AddICECandidate(cand webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applied = append(t.applied, cand)
	return nil
}

func (t *fakeTransport) HasRemoteDescription() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteDesc != nil
}

func (t *fakeTransport) Send(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sentData = append(t.sentData, payload)
	return nil
}

func (t *fakeTransport) Events() <-chan TransportEvent { return t.events }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) appliedCandidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), t.applied...)
}

func (t *fakeTransport) emit(ev TransportEvent) {
	t.events <- ev
}

// transportRecorder builds fake transports and remembers them in
// creation order so tests can inspect instances across resets.
type transportRecorder struct {
	mu      sync.Mutex
	created []*fakeTransport
}

func (r *transportRecorder) factory(initiator bool) (Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := newFakeTransport(initiator)
	r.created = append(r.created, t)
	return t, nil
}

func (r *transportRecorder) latest() *fakeTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.created) == 0 {
		return nil
	}
	return r.created[len(r.created)-1]
}

func (r *transportRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created)
}

func mustEnvelope(t interface{ Fatalf(string, ...interface{}) }, kind types.EnvelopeKind, content interface{}, roomID, senderID string) types.SignalEnvelope {
	env, err := types.NewEnvelope(kind, content, roomID, senderID)
	if err != nil {
		t.Fatalf("building %s envelope: %v", kind, err)
	}
	return env
}
