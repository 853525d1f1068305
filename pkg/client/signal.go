package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerchat/peerchat/pkg/logger"
	"github.com/peerchat/peerchat/pkg/types"
)

var log = logger.GetLogger().WithName("client")

var (
	// ErrRelayUnavailable wraps a failed relay dial. Fatal for the
	// current attempt; retry policy lives with the caller.
	ErrRelayUnavailable = fmt.Errorf("relay unavailable")

	errNotConnected = fmt.Errorf("no relay connection established")
)

// Signal is the relay interface the engine speaks. While connected,
// every envelope published by any other current subscriber of the room
// arrives on Envelopes in relay order; the local participant's own
// envelopes never do. Connect returns the room occupancy including the
// local participant, recorded through the membership tracker before it
// returns.
type Signal interface {
	Connect(ctx context.Context, roomID, participantID string) (int, error)
	Publish(env types.SignalEnvelope) error
	Envelopes() <-chan types.SignalEnvelope
	Closed() <-chan struct{}
	Close() error
}

// WebsocketSignal is the relay client: a websocket subscription to the
// room topic with a read pump feeding the envelope channel and a
// buffered write queue. Each instance serves one room subscription;
// deliveries flow through per-instance channels so a torn-down session
// can never observe traffic meant for its successor.
type WebsocketSignal struct {
	relayURL   string
	token      string
	membership *Membership

	mu            sync.Mutex
	conn          *websocket.Conn
	roomID        string
	participantID string

	envelopes chan types.SignalEnvelope
	sendQueue chan types.SignalEnvelope
	closed    chan struct{}
	closeOnce sync.Once
}

// NewWebsocketSignal returns a relay client for the given relay base URL
// (e.g. ws://localhost:7000). Presence is recorded through membership on
// connect and disconnect. token is optional and forwarded as
// access_token when the relay enforces auth.
func NewWebsocketSignal(relayURL, token string, membership *Membership) *WebsocketSignal {
	return &WebsocketSignal{
		relayURL:   relayURL,
		token:      token,
		membership: membership,
		envelopes:  make(chan types.SignalEnvelope, 64),
		sendQueue:  make(chan types.SignalEnvelope, 64),
		closed:     make(chan struct{}),
	}
}

func (s *WebsocketSignal) endpoint(roomID, participantID string) string {
	u := fmt.Sprintf("%s/room/%s?name=%s", s.relayURL, url.PathEscape(roomID), url.QueryEscape(participantID))
	if s.token != "" {
		u += "&access_token=" + url.QueryEscape(s.token)
	}
	return u
}

// Connect dials the room topic, registers local presence, and starts the
// pumps. Callers seeing a count over RoomCapacity must broadcast
// room-full and self-evict rather than negotiate.
func (s *WebsocketSignal) Connect(ctx context.Context, roomID, participantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return 0, fmt.Errorf("already connected to room %q", s.roomID)
	}
	s.roomID = roomID
	s.participantID = participantID

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.endpoint(roomID, participantID), nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	s.conn = conn

	count, err := s.membership.RecordJoin(roomID, participantID)
	if err != nil {
		conn.Close()
		s.conn = nil
		return 0, fmt.Errorf("record join: %w", err)
	}

	go s.readPump(conn)
	go s.writePump()

	log.Info("connected to relay", "room", roomID, "participant", participantID, "occupants", count)
	return count, nil
}

// Publish queues an envelope for delivery to the room. It never blocks;
// a full queue means the link is wedged and the envelope is dropped with
// a log line.
func (s *WebsocketSignal) Publish(env types.SignalEnvelope) error {
	s.mu.Lock()
	connected := s.conn != nil
	s.mu.Unlock()
	if !connected {
		return errNotConnected
	}

	select {
	case <-s.closed:
		return errNotConnected
	case s.sendQueue <- env:
		return nil
	default:
		log.Info("dropping envelope, send queue full", "type", env.Type)
		return nil
	}
}

// Envelopes is the inbound delivery channel for this subscription.
func (s *WebsocketSignal) Envelopes() <-chan types.SignalEnvelope {
	return s.envelopes
}

// Closed is signalled once the relay link is gone, whichever side closed it.
func (s *WebsocketSignal) Closed() <-chan struct{} {
	return s.closed
}

// Close tears down the subscription and records the local leave.
func (s *WebsocketSignal) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			err = conn.Close()
		}
		if _, lerr := s.membership.RecordLeave(s.roomID, s.participantID); lerr != nil {
			log.Error(lerr, "error recording leave", "room", s.roomID)
		}
	})
	return err
}

func (s *WebsocketSignal) readPump(conn *websocket.Conn) {
	defer s.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error(err, "relay read failed", "room", s.roomID)
			}
			return
		}

		var env types.SignalEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Error(err, "dropping malformed envelope")
			continue
		}
		// The relay excludes the publisher already; this guards
		// against one that echoes anyway.
		if env.SenderID == s.participantID {
			continue
		}

		select {
		case s.envelopes <- env:
		case <-s.closed:
			return
		}
	}
}

func (s *WebsocketSignal) writePump() {
	for {
		select {
		case <-s.closed:
			return
		case env := <-s.sendQueue:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(env); err != nil {
				log.Error(err, "relay write failed", "type", env.Type)
				s.Close()
				return
			}
		}
	}
}
