package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lucsky/cuid"
	"github.com/pion/webrtc/v3"

	"github.com/peerchat/peerchat/pkg/types"
)

// KeepAliveInterval spaces the presence refreshes published while a
// session is active.
const KeepAliveInterval = 30 * time.Second

// ErrRoomFull reports that the room already holds two participants. It
// is an expected steady-state condition, not a failure of the session
// machinery.
var ErrRoomFull = fmt.Errorf("room is full")

// ChannelStatus is the externally observable condition of the session.
type ChannelStatus string

const (
	StatusConnecting   ChannelStatus = "connecting"
	StatusWaiting      ChannelStatus = "waiting"
	StatusNegotiating  ChannelStatus = "negotiating"
	StatusOpen         ChannelStatus = "open"
	StatusReconnecting ChannelStatus = "reconnecting"
	StatusClosed       ChannelStatus = "closed"
	StatusEnded        ChannelStatus = "ended"
	StatusRoomFull     ChannelStatus = "room-full"
)

// EventKind discriminates session events.
type EventKind int

const (
	// EventStatusChanged reports a ChannelStatus transition.
	EventStatusChanged EventKind = iota
	// EventMessage carries a chat message, inbound or locally sent.
	EventMessage
	// EventRoomFull reports a capacity violation observed on the room.
	EventRoomFull
	// EventEnded reports session termination; ByPeer distinguishes who
	// initiated it, for user-facing messaging only.
	EventEnded
)

// Event is delivered on the session's event channel.
type Event struct {
	Kind    EventKind
	Status  ChannelStatus
	Message types.ChatMessage
	ByPeer  bool
}

// Options configures a Session. Zero values select the production
// defaults; Signal and Transport exist so tests can inject fakes.
type Options struct {
	RelayURL string
	Token    string

	Store     Store
	Signal    Signal
	Transport TransportFactory
	WebRTC    webrtc.Configuration

	FallbackDelay        time.Duration
	KeepAliveInterval    time.Duration
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
}

// chatFrame is the JSON payload exchanged over the data channel.
type chatFrame struct {
	ID       string    `json:"id"`
	SenderID string    `json:"senderId"`
	Body     string    `json:"body"`
	SentAt   time.Time `json:"sentAt"`
}

type sendCmd struct {
	body string
	resp chan error
}

type endCmd struct {
	resp chan error
}

// Session owns one full lifecycle for one room: membership, election,
// negotiation, reconnection and teardown. It is an explicitly owned
// object; nothing in the package is process-global, so multiple sessions
// can coexist and tests can inject every collaborator.
//
// All negotiation-affecting callbacks (relay deliveries, transport
// notifications, timers, commands) funnel into a single event loop
// goroutine, which serializes them in arrival order. That ordering is
// what closes the fallback-timer-versus-peer-token race: the timer fire
// and the token are just two events competing for the same loop.
type Session struct {
	opts       Options
	store      Store
	membership *Membership
	elector    *Elector
	signal     Signal
	reconnect  *Reconnector

	roomID        string
	participantID string
	negotiator    *Negotiator

	statusMu sync.Mutex
	status   ChannelStatus

	localToken  types.ElectionToken
	roleDecided bool
	ended       bool

	sends  chan sendCmd
	ends   chan endCmd
	events chan Event
	done   chan struct{}
}

// NewSession builds an unstarted session from options.
func NewSession(opts Options) *Session {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.FallbackDelay <= 0 {
		opts.FallbackDelay = FallbackDelay
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = KeepAliveInterval
	}

	membership := NewMembership(opts.Store)
	signal := opts.Signal
	if signal == nil {
		signal = NewWebsocketSignal(opts.RelayURL, opts.Token, membership)
	}

	return &Session{
		opts:       opts,
		store:      opts.Store,
		membership: membership,
		elector:    NewElector(),
		signal:     signal,
		reconnect:  NewReconnector(opts.MaxReconnectAttempts, opts.ReconnectDelay),
		status:     StatusConnecting,
		sends:      make(chan sendCmd),
		ends:       make(chan endCmd),
		events:     make(chan Event, 64),
		done:       make(chan struct{}),
	}
}

// Events delivers status changes, messages and termination. The channel
// is closed once the session is fully torn down.
func (s *Session) Events() <-chan Event { return s.events }

// Done is signalled when the event loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status reports the last status published by the lifecycle. The loop
// goroutine writes it, so reads take the same lock.
func (s *Session) Status() ChannelStatus {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

// ParticipantID reports the identity used in the room, generated when
// Start was given an empty one.
func (s *Session) ParticipantID() string { return s.participantID }

// Start enters the room and launches the session lifecycle. It persists
// the session record, returns any messages previously persisted for the
// room (so a reload can resume the conversation), connects to the relay,
// publishes the local election token and starts the event loop.
//
// When the room already holds two participants, a room-full envelope is
// broadcast, the session self-evicts and ErrRoomFull is returned.
func (s *Session) Start(ctx context.Context, roomID, participantID string) ([]types.ChatMessage, error) {
	if participantID == "" {
		participantID = cuid.New()
	}
	s.roomID = roomID
	s.participantID = participantID

	count, err := s.signal.Connect(ctx, roomID, participantID)
	if err != nil {
		s.storeStatus(StatusClosed)
		close(s.events)
		close(s.done)
		return nil, err
	}

	if count > RoomCapacity {
		log.Info("room over capacity, self-evicting", "room", roomID, "occupants", count)
		if env, err := types.NewEnvelope(types.KindRoomFull, nil, roomID, participantID); err == nil {
			s.signal.Publish(env)
		}
		s.membership.RecordLeave(roomID, participantID)
		s.signal.Close()
		s.storeStatus(StatusRoomFull)
		close(s.events)
		close(s.done)
		return nil, ErrRoomFull
	}

	if err := s.store.SaveSession(types.SessionRecord{
		RoomID:        roomID,
		ParticipantID: participantID,
		Active:        true,
		StartTime:     time.Now(),
	}); err != nil {
		s.signal.Close()
		s.storeStatus(StatusClosed)
		close(s.events)
		close(s.done)
		return nil, fmt.Errorf("persist session record: %w", err)
	}

	history, err := s.store.GetMessages(roomID)
	if err != nil {
		log.Error(err, "error loading persisted messages", "room", roomID)
	}
	for i := range history {
		history[i].IsSelf = history[i].SenderID == participantID
	}

	transport := s.opts.Transport
	if transport == nil {
		cfg := s.opts.WebRTC
		transport = func(initiator bool) (Transport, error) {
			return NewPionTransport(cfg, initiator)
		}
	}
	s.negotiator = NewNegotiator(roomID, participantID, s.signal, transport)

	s.localToken = s.elector.NewToken()
	if err := s.publishToken(); err != nil {
		log.Error(err, "error publishing election token")
	}
	s.storeStatus(StatusWaiting)

	go s.run()
	return history, nil
}

// Send delivers a chat message over the open channel, persisting it
// locally with IsSelf=true. It fails while the channel is not open.
func (s *Session) Send(body string) error {
	cmd := sendCmd{body: body, resp: make(chan error, 1)}
	select {
	case s.sends <- cmd:
		return <-cmd.resp
	case <-s.done:
		return fmt.Errorf("session not active")
	}
}

// End terminates the session: best-effort end-session notice to the
// peer, full local cleanup, transport and relay teardown. Idempotent.
func (s *Session) End() error {
	cmd := endCmd{resp: make(chan error, 1)}
	select {
	case s.ends <- cmd:
		return <-cmd.resp
	case <-s.done:
		return nil
	}
}

func (s *Session) publishToken() error {
	env, err := types.NewEnvelope(types.KindInitiatorSelection, s.localToken, s.roomID, s.participantID)
	if err != nil {
		return err
	}
	return s.signal.Publish(env)
}

// storeStatus updates the status without publishing an event; Start uses
// it for terminal states reached before the loop exists.
func (s *Session) storeStatus(st ChannelStatus) bool {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if s.status == st {
		return false
	}
	s.status = st
	return true
}

func (s *Session) setStatus(st ChannelStatus) {
	if s.storeStatus(st) {
		s.emit(Event{Kind: EventStatusChanged, Status: st})
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		log.Info("dropping session event, consumer not keeping up", "kind", ev.Kind)
	}
}

// run is the single-owner event loop. Every mutation of negotiation
// state, the candidate buffer and the reconnect counter happens here.
func (s *Session) run() {
	defer close(s.done)
	defer close(s.events)

	fallback := time.NewTimer(s.opts.FallbackDelay)
	defer fallback.Stop()
	keepalive := time.NewTicker(s.opts.KeepAliveInterval)
	defer keepalive.Stop()

	// Inactive timers select on nil channels.
	var fallbackC <-chan time.Time = fallback.C
	var retryTimer *time.Timer
	var retryC <-chan time.Time
	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()

	cancelFallback := func() {
		if fallbackC == nil {
			return
		}
		fallback.Stop()
		fallbackC = nil
	}

	scheduleRetry := func() {
		if retryC != nil || s.ended {
			return
		}
		wait, ok := s.reconnect.Next()
		if !ok {
			log.Info("reconnect attempts exhausted", "room", s.roomID, "attempts", s.reconnect.Attempts())
			s.negotiator.Reset()
			s.setStatus(StatusClosed)
			return
		}
		log.Info("transport lost, scheduling reconnect", "attempt", s.reconnect.Attempts())
		s.setStatus(StatusReconnecting)
		retryTimer = time.NewTimer(wait)
		retryC = retryTimer.C
	}

	relayClosedC := s.signal.Closed()

	for {
		// The transport is recreated across resets, so its event
		// channel is re-resolved every turn of the loop.
		var transportC <-chan TransportEvent
		if t := s.negotiator.Transport(); t != nil {
			transportC = t.Events()
		}

		select {
		case env := <-s.signal.Envelopes():
			if s.handleEnvelope(env, cancelFallback) {
				return
			}

		case ev := <-transportC:
			s.handleTransport(ev, scheduleRetry)

		case <-fallbackC:
			fallbackC = nil
			if s.roleDecided {
				break
			}
			// Nobody answered the token: assume we are alone and
			// take the initiator role.
			log.Info("election fallback fired, becoming initiator", "room", s.roomID)
			s.roleDecided = true
			s.setStatus(StatusNegotiating)
			if err := s.negotiator.Begin(RoleInitiator); err != nil {
				log.Error(err, "error starting negotiation")
				s.setStatus(StatusClosed)
			}

		case <-retryC:
			retryC = nil
			retryTimer = nil
			if s.ended {
				break
			}
			role := s.negotiator.Role()
			log.Info("reattempting negotiation", "role", role.String(), "attempt", s.reconnect.Attempts())
			s.negotiator.Reset()
			s.setStatus(StatusNegotiating)
			if err := s.negotiator.Begin(role); err != nil {
				log.Error(err, "error restarting negotiation")
				scheduleRetry()
			}

		case <-keepalive.C:
			if env, err := types.NewEnvelope(types.KindKeepAlive, time.Now().UnixMilli(), s.roomID, s.participantID); err == nil {
				s.signal.Publish(env)
			}

		case cmd := <-s.sends:
			cmd.resp <- s.deliver(cmd.body)

		case cmd := <-s.ends:
			s.teardown(false, true)
			cmd.resp <- nil
			return

		case <-relayClosedC:
			relayClosedC = nil
			if s.ended {
				return
			}
			// The direct channel survives relay loss; only a session
			// that still needs signaling is dead without it.
			if s.status == StatusOpen {
				log.Info("relay connection lost, direct channel still open", "room", s.roomID)
				break
			}
			log.Info("relay connection lost before channel opened", "room", s.roomID)
			s.negotiator.Reset()
			s.ended = true
			s.setStatus(StatusClosed)
			s.emit(Event{Kind: EventEnded, ByPeer: false})
			return
		}
	}
}

// handleEnvelope dispatches one relay delivery. Any peer signal cancels
// the election fallback; the loop ordering guarantees a cancelled timer
// can no longer crown a second initiator. Returns true when the session
// is over.
func (s *Session) handleEnvelope(env types.SignalEnvelope, cancelFallback func()) bool {
	switch env.Type {
	case types.KindInitiatorSelection:
		cancelFallback()
		s.membership.RecordJoin(s.roomID, env.SenderID)
		s.handleToken(env)

	case types.KindOffer:
		cancelFallback()
		s.roleDecided = true
		s.setStatus(StatusNegotiating)
		if err := s.negotiator.HandleOffer(env); err != nil {
			log.Error(err, "error handling offer")
			s.setStatus(StatusClosed)
		}

	case types.KindAnswer:
		cancelFallback()
		if err := s.negotiator.HandleAnswer(env); err != nil {
			log.Error(err, "error handling answer")
			s.setStatus(StatusClosed)
		}

	case types.KindIceCandidate:
		cancelFallback()
		if err := s.negotiator.HandleCandidate(env); err != nil {
			log.Error(err, "error handling candidate")
		}

	case types.KindEndSession:
		if s.ended {
			break
		}
		log.Info("peer ended the session", "room", s.roomID, "peer", env.SenderID)
		s.teardown(true, false)
		return true

	case types.KindRoomFull:
		log.Info("room-full notice observed", "room", s.roomID, "from", env.SenderID)
		s.emit(Event{Kind: EventRoomFull})

	case types.KindKeepAlive:
		s.membership.RecordJoin(s.roomID, env.SenderID)

	default:
		log.Info("ignoring unknown envelope", "type", env.Type)
	}
	return false
}

func (s *Session) handleToken(env types.SignalEnvelope) {
	peer, err := env.Token()
	if err != nil {
		log.Error(err, "error decoding peer token")
		return
	}

	if s.roleDecided {
		// Peer joined after our role settled (fallback path). It never
		// saw the offer, so put it back on the wire.
		if err := s.negotiator.RepublishOffer(); err != nil {
			log.Error(err, "error republishing offer")
		}
		return
	}

	switch s.elector.Decide(s.localToken, peer) {
	case OutcomeInitiator:
		s.roleDecided = true
		s.setStatus(StatusNegotiating)
		if err := s.negotiator.Begin(RoleInitiator); err != nil {
			log.Error(err, "error starting negotiation as initiator")
			s.setStatus(StatusClosed)
		}
	case OutcomeReceiver:
		s.roleDecided = true
		s.setStatus(StatusNegotiating)
		if err := s.negotiator.Begin(RoleReceiver); err != nil {
			log.Error(err, "error starting negotiation as receiver")
			s.setStatus(StatusClosed)
		}
	case OutcomeRematch:
		// Indistinguishable tokens: run a second round rather than
		// letting both sides diverge silently.
		log.Info("election tie, drawing a fresh token", "room", s.roomID)
		s.localToken = s.elector.NewToken()
		if err := s.publishToken(); err != nil {
			log.Error(err, "error republishing election token")
		}
	}
}

func (s *Session) handleTransport(ev TransportEvent, scheduleRetry func()) {
	switch ev.Kind {
	case TransportLocalCandidate:
		if err := s.negotiator.PublishCandidate(ev.Candidate); err != nil {
			log.Error(err, "error publishing candidate")
		}

	case TransportChannelOpen:
		log.Info("data channel open", "room", s.roomID)
		s.reconnect.Succeed()
		s.setStatus(StatusOpen)

	case TransportChannelClosed:
		if s.status == StatusOpen {
			scheduleRetry()
		}

	case TransportICEState:
		if ev.ICEState == webrtc.ICEConnectionStateDisconnected ||
			ev.ICEState == webrtc.ICEConnectionStateFailed {
			scheduleRetry()
		}

	case TransportConnectionState:
		if ev.ConnState == webrtc.PeerConnectionStateFailed {
			s.negotiator.Fail()
			scheduleRetry()
		}

	case TransportMessage:
		var frame chatFrame
		if err := json.Unmarshal(ev.Payload, &frame); err != nil {
			log.Error(err, "dropping malformed chat frame")
			return
		}
		msg := types.ChatMessage{
			ID:       frame.ID,
			RoomID:   s.roomID,
			SenderID: frame.SenderID,
			Body:     frame.Body,
			SentAt:   frame.SentAt,
			IsSelf:   false,
		}
		if err := s.store.AppendMessage(s.roomID, msg); err != nil {
			log.Error(err, "error persisting inbound message")
		}
		s.emit(Event{Kind: EventMessage, Message: msg})
	}
}

func (s *Session) deliver(body string) error {
	t := s.negotiator.Transport()
	if t == nil || s.status != StatusOpen {
		return errChannelNotOpen
	}

	frame := chatFrame{
		ID:       cuid.New(),
		SenderID: s.participantID,
		Body:     body,
		SentAt:   time.Now(),
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := t.Send(payload); err != nil {
		return err
	}

	msg := types.ChatMessage{
		ID:       frame.ID,
		RoomID:   s.roomID,
		SenderID: s.participantID,
		Body:     frame.Body,
		SentAt:   frame.SentAt,
		IsSelf:   true,
	}
	if err := s.store.AppendMessage(s.roomID, msg); err != nil {
		log.Error(err, "error persisting sent message")
	}
	s.emit(Event{Kind: EventMessage, Message: msg})
	return nil
}

// teardown performs the four-step cleanup: cancel timers (done by the
// loop exiting), discard buffered candidates and the transport, clear
// room-scoped persisted state, and disconnect the relay. notifyPeer is
// best effort; the peer may never receive it.
func (s *Session) teardown(byPeer, notifyPeer bool) {
	if s.ended {
		return
	}
	s.ended = true

	if notifyPeer {
		if env, err := types.NewEnvelope(types.KindEndSession, nil, s.roomID, s.participantID); err == nil {
			s.signal.Publish(env)
		}
	}

	if err := s.store.ClearMessages(s.roomID); err != nil {
		log.Error(err, "error clearing messages", "room", s.roomID)
	}
	if err := s.membership.Clear(s.roomID); err != nil {
		log.Error(err, "error clearing membership", "room", s.roomID)
	}
	if err := s.store.EndSession(); err != nil {
		log.Error(err, "error deactivating session record")
	}
	if !byPeer {
		if err := s.store.ClearSession(); err != nil {
			log.Error(err, "error clearing session record")
		}
	}

	s.negotiator.Reset()
	s.signal.Close()

	s.setStatus(StatusEnded)
	s.emit(Event{Kind: EventEnded, ByPeer: byPeer})
	log.Info("session ended", "room", s.roomID, "byPeer", byPeer)
}
