package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerchat/peerchat/pkg/types"
)

func newTestSession(signal Signal, rec *transportRecorder, store Store) *Session {
	return NewSession(Options{
		Signal:               signal,
		Transport:            rec.factory,
		Store:                store,
		FallbackDelay:        25 * time.Millisecond,
		ReconnectDelay:       5 * time.Millisecond,
		MaxReconnectAttempts: 3,
		KeepAliveInterval:    time.Hour,
	})
}

func waitStatus(t *testing.T, s *Session, want ChannelStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Status() == want },
		2*time.Second, 5*time.Millisecond, "status never reached %s", want)
}

// A alone in the room: the fallback timer elects it initiator and an
// offer goes out with no peer token ever seen.
func TestFallbackElectsInitiator(t *testing.T) {
	signal := newFakeSignal(1)
	rec := &transportRecorder{}
	s := newTestSession(signal, rec, NewMemoryStore())

	_, err := s.Start(context.Background(), "r1", "alice")
	require.NoError(t, err)
	defer s.End()

	require.Eventually(t, func() bool { return len(signal.sent(types.KindOffer)) == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Len(t, signal.sent(types.KindInitiatorSelection), 1)
}

// A peer token arriving before the fallback fires must cancel it; a
// losing comparison leaves this side as receiver and no offer is ever
// published, so the two sides cannot both self-elect.
func TestPeerTokenCancelsFallback(t *testing.T) {
	signal := newFakeSignal(2)
	rec := &transportRecorder{}
	s := newTestSession(signal, rec, NewMemoryStore())

	_, err := s.Start(context.Background(), "r1", "alice")
	require.NoError(t, err)
	defer s.End()

	// RandomValue above the [0,1) range guarantees the peer wins.
	signal.deliver(mustEnvelope(t, types.KindInitiatorSelection,
		types.ElectionToken{RandomValue: 2, Timestamp: 1}, "r1", "bob"))

	waitStatus(t, s, StatusNegotiating)
	time.Sleep(60 * time.Millisecond) // well past the shortened fallback
	assert.Empty(t, signal.sent(types.KindOffer), "receiver must not offer after a cancelled fallback")
}

func TestWinningTokenStartsOffer(t *testing.T) {
	signal := newFakeSignal(2)
	rec := &transportRecorder{}
	s := newTestSession(signal, rec, NewMemoryStore())

	_, err := s.Start(context.Background(), "r1", "alice")
	require.NoError(t, err)
	defer s.End()

	// RandomValue below the [0,1) range guarantees the local side wins.
	signal.deliver(mustEnvelope(t, types.KindInitiatorSelection,
		types.ElectionToken{RandomValue: -1, Timestamp: 1}, "r1", "bob"))

	require.Eventually(t, func() bool { return len(signal.sent(types.KindOffer)) == 1 },
		2*time.Second, 5*time.Millisecond)
}

// A solo joiner's fallback crowns it initiator and the offer goes out
// before anyone else exists. A late joiner's token must put the offer
// back on the wire, and its answer completes negotiation.
func TestLateJoinerGetsOfferRepublished(t *testing.T) {
	signal := newFakeSignal(1)
	rec := &transportRecorder{}
	s := newTestSession(signal, rec, NewMemoryStore())

	_, err := s.Start(context.Background(), "r1", "alice")
	require.NoError(t, err)
	defer s.End()

	require.Eventually(t, func() bool { return len(signal.sent(types.KindOffer)) == 1 },
		2*time.Second, 5*time.Millisecond)

	signal.deliver(mustEnvelope(t, types.KindInitiatorSelection,
		types.ElectionToken{RandomValue: 0.1, Timestamp: 999}, "r1", "bob"))

	require.Eventually(t, func() bool { return len(signal.sent(types.KindOffer)) == 2 },
		2*time.Second, 5*time.Millisecond, "offer must be republished for the late joiner")

	signal.deliver(mustEnvelope(t, types.KindAnswer,
		webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, "r1", "bob"))

	require.Eventually(t, func() bool {
		tr := rec.latest()
		return tr != nil && tr.HasRemoteDescription()
	}, 2*time.Second, 5*time.Millisecond)
}

// Two linked sessions with real (random) tokens: exactly one side ends
// up initiator and the handshake converges with one offer and one answer.
func TestTwoPartyHandshakeConverges(t *testing.T) {
	sigA := newFakeSignal(1)
	sigB := newFakeSignal(2)
	link(sigA, sigB)

	recA := &transportRecorder{}
	recB := &transportRecorder{}
	a := newTestSession(sigA, recA, NewMemoryStore())
	b := newTestSession(sigB, recB, NewMemoryStore())

	_, err := a.Start(context.Background(), "r1", "alice")
	require.NoError(t, err)
	defer a.End()
	_, err = b.Start(context.Background(), "r1", "bob")
	require.NoError(t, err)
	defer b.End()

	require.Eventually(t, func() bool {
		offers := len(sigA.sent(types.KindOffer)) + len(sigB.sent(types.KindOffer))
		answers := len(sigA.sent(types.KindAnswer)) + len(sigB.sent(types.KindAnswer))
		return offers == 1 && answers == 1
	}, 3*time.Second, 5*time.Millisecond, "exactly one offer and one answer")
}

func TestStartFailsWhenRelayUnreachable(t *testing.T) {
	signal := newFakeSignal(1)
	signal.connErr = ErrRelayUnavailable
	rec := &transportRecorder{}
	s := newTestSession(signal, rec, NewMemoryStore())

	_, err := s.Start(context.Background(), "r1", "alice")
	require.ErrorIs(t, err, ErrRelayUnavailable)
	assert.Equal(t, StatusClosed, s.Status())

	select {
	case _, open := <-s.Events():
		assert.False(t, open, "events channel must be closed after a failed start")
	default:
		t.Fatal("events channel left open")
	}
}

// failingSaveStore rejects session-record writes, standing in for an
// unwritable persistence backend.
type failingSaveStore struct {
	*MemoryStore
}

func (f *failingSaveStore) SaveSession(types.SessionRecord) error {
	return fmt.Errorf("store unavailable")
}

// A Start that fails after the relay connect must still leave the
// session fully terminated: lifecycle calls return immediately and the
// event channel is closed, never abandoned.
func TestStartFailsWhenSessionRecordUnwritable(t *testing.T) {
	signal := newFakeSignal(1)
	rec := &transportRecorder{}
	s := newTestSession(signal, rec, &failingSaveStore{NewMemoryStore()})

	_, err := s.Start(context.Background(), "r1", "alice")
	require.Error(t, err)
	assert.Equal(t, StatusClosed, s.Status())

	ended := make(chan error, 1)
	go func() { ended <- s.End() }()
	select {
	case err := <-ended:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("End blocked after a failed Start")
	}

	select {
	case _, open := <-s.Events():
		assert.False(t, open, "events channel must be closed after a failed start")
	default:
		t.Fatal("events channel left open")
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("done channel left open")
	}
}

// Status is polled from consumer goroutines while the loop publishes
// transitions; reads and writes must be synchronized.
func TestStatusReadableDuringTransitions(t *testing.T) {
	signal := newFakeSignal(1)
	rec := &transportRecorder{}
	s := newTestSession(signal, rec, NewMemoryStore())

	_, err := s.Start(context.Background(), "r1", "alice")
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = s.Status()
			}
		}
	}()

	require.Eventually(t, func() bool { return len(signal.sent(types.KindOffer)) == 1 },
		2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.End())
	<-s.Done()

	close(stop)
	wg.Wait()
	assert.Equal(t, StatusEnded, s.Status())
}

func TestRoomFullSelfEviction(t *testing.T) {
	signal := newFakeSignal(3)
	rec := &transportRecorder{}
	s := newTestSession(signal, rec, NewMemoryStore())

	_, err := s.Start(context.Background(), "r1", "carol")
	require.ErrorIs(t, err, ErrRoomFull)

	assert.Len(t, signal.sent(types.KindRoomFull), 1, "room-full must be broadcast")
	assert.Empty(t, signal.sent(types.KindInitiatorSelection), "negotiation must not be entered")
	assert.Equal(t, StatusRoomFull, s.Status())

	select {
	case <-signal.Closed():
	default:
		t.Fatal("relay connection must be closed on self-eviction")
	}
}

func TestPeerEndClearsRoomState(t *testing.T) {
	signal := newFakeSignal(2)
	rec := &transportRecorder{}
	store := NewMemoryStore()
	require.NoError(t, store.AppendMessage("r1", types.ChatMessage{ID: "m1", RoomID: "r1", Body: "hello"}))

	s := newTestSession(signal, rec, store)
	_, err := s.Start(context.Background(), "r1", "alice")
	require.NoError(t, err)

	signal.deliver(mustEnvelope(t, types.KindEndSession, nil, "r1", "bob"))

	var ended *Event
	for ev := range s.Events() {
		if ev.Kind == EventEnded {
			e := ev
			ended = &e
		}
	}
	require.NotNil(t, ended)
	assert.True(t, ended.ByPeer)

	msgs, err := store.GetMessages("r1")
	require.NoError(t, err)
	assert.Empty(t, msgs, "room messages must be cleared")

	count, err := store.RoomParticipantsCount("r1")
	require.NoError(t, err)
	assert.Zero(t, count, "membership must be cleared")

	rec2, ok, err := store.GetSession()
	require.NoError(t, err)
	require.True(t, ok, "peer-initiated end deactivates but keeps the record")
	assert.False(t, rec2.Active)
}

func TestLocalEndNotifiesPeerAndErasesRecord(t *testing.T) {
	signal := newFakeSignal(2)
	rec := &transportRecorder{}
	store := NewMemoryStore()

	s := newTestSession(signal, rec, store)
	_, err := s.Start(context.Background(), "r1", "alice")
	require.NoError(t, err)

	require.NoError(t, s.End())
	<-s.Done()

	assert.Len(t, signal.sent(types.KindEndSession), 1)

	_, ok, err := store.GetSession()
	require.NoError(t, err)
	assert.False(t, ok, "explicit end erases the session record")

	// Ending again is a no-op.
	assert.NoError(t, s.End())
}

func TestMessageRoundTripPersistsBothDirections(t *testing.T) {
	signal := newFakeSignal(2)
	rec := &transportRecorder{}
	store := NewMemoryStore()

	s := newTestSession(signal, rec, store)
	_, err := s.Start(context.Background(), "r1", "alice")
	require.NoError(t, err)
	defer s.End()

	// Win the election, complete negotiation, open the channel.
	signal.deliver(mustEnvelope(t, types.KindInitiatorSelection,
		types.ElectionToken{RandomValue: -1, Timestamp: 1}, "r1", "bob"))
	require.Eventually(t, func() bool { return rec.latest() != nil },
		2*time.Second, 5*time.Millisecond)
	signal.deliver(mustEnvelope(t, types.KindAnswer,
		webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, "r1", "bob"))
	rec.latest().emit(TransportEvent{Kind: TransportChannelOpen})
	waitStatus(t, s, StatusOpen)

	require.NoError(t, s.Send("hello bob"))

	tr := rec.latest()
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.sentData) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Inbound frame from the peer.
	frame, _ := json.Marshal(chatFrame{ID: "f1", SenderID: "bob", Body: "hi alice", SentAt: time.Now()})
	tr.emit(TransportEvent{Kind: TransportMessage, Payload: frame})

	require.Eventually(t, func() bool {
		msgs, _ := store.GetMessages("r1")
		return len(msgs) == 2
	}, 2*time.Second, 5*time.Millisecond)

	msgs, err := store.GetMessages("r1")
	require.NoError(t, err)
	assert.True(t, msgs[0].IsSelf)
	assert.Equal(t, "alice", msgs[0].SenderID)
	assert.Equal(t, "hello bob", msgs[0].Body)
	assert.False(t, msgs[1].IsSelf)
	assert.Equal(t, "bob", msgs[1].SenderID)
	assert.Equal(t, "hi alice", msgs[1].Body)
}

// Transport loss is retried a bounded number of times with the elected
// role preserved, then settles into a terminal closed status.
func TestReconnectExhaustionReachesClosed(t *testing.T) {
	signal := newFakeSignal(1)
	rec := &transportRecorder{}
	s := newTestSession(signal, rec, NewMemoryStore())

	_, err := s.Start(context.Background(), "r1", "alice")
	require.NoError(t, err)
	defer s.End()

	// Fail every transport the session creates.
	go func() {
		seen := 0
		for s.Status() != StatusClosed && s.Status() != StatusEnded {
			if c := rec.count(); c > seen {
				seen = c
				rec.latest().emit(TransportEvent{Kind: TransportICEState, ICEState: webrtc.ICEConnectionStateFailed})
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	waitStatus(t, s, StatusClosed)
	// One initial transport plus one per retry attempt.
	assert.Equal(t, 1+3, rec.count())

	// Every retry re-ran the same role, no re-election happened.
	assert.Len(t, signal.sent(types.KindInitiatorSelection), 1)
	for _, tr := range rec.created {
		assert.True(t, tr.initiator)
	}
}
