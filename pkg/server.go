package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/lucsky/cuid"

	"github.com/peerchat/peerchat/pkg/types"

	// pprof
	_ "net/http/pprof"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Server is the websocket relay. One subscription per connection, keyed
// by the room in the URL; every read is forwarded verbatim to the other
// subscribers of the same room, in the order read.
type Server struct {
	config   RelayConfig
	rooms    *registry
	upgrader websocket.Upgrader
	errChan  chan error
}

// NewServer creates a relay server.
func NewServer(conf RelayConfig) (*Server, chan error) {
	e := make(chan error)
	s := &Server{
		config: conf,
		rooms:  newRegistry(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		errChan: e,
	}
	return s, e
}

// Handler exposes the relay routes; tests mount it on httptest servers.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/room/{id}", http.HandlerFunc(s.handleRoom))
	r.Handle("/metrics", metricsHandler())
	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	return r
}

// ServeWebsocket listens for incoming room subscriptions.
func (s *Server) ServeWebsocket() {
	srv := &http.Server{Addr: s.config.HTTPAddr, Handler: s.Handler()}

	var err error
	if s.config.Key != "" && s.config.Cert != "" {
		log.Info("relay listening (https)", "addr", s.config.HTTPAddr)
		err = srv.ListenAndServeTLS(s.config.Cert, s.config.Key)
	} else {
		log.Info("relay listening", "addr", s.config.HTTPAddr)
		err = srv.ListenAndServe()
	}

	if err != nil {
		s.errChan <- err
	}
}

func (s *Server) handleRoom(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	roomID := vars["id"]

	if s.config.Auth.Enabled {
		claims, err := authGetAndValidateToken(s.config.Auth, req)
		if err != nil {
			log.Error(err, "error authenticating token")
			http.Error(w, "Invalid Token", http.StatusForbidden)
			return
		}
		if claims.Room != roomID {
			log.Info("token not valid for room", "room", roomID)
			http.Error(w, "Invalid Token", http.StatusForbidden)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Error(err, "websocket upgrade failed")
		return
	}

	sub := &subscriber{
		id:       cuid.New(),
		senderID: req.URL.Query().Get("name"),
		send:     make(chan []byte, 64),
	}

	rm := s.rooms.getOrCreate(roomID)
	count := rm.add(sub)
	prometheusGaugeClients.Inc()
	log.Info("subscriber joined", "room", roomID, "sender", sub.senderID, "subscribers", count)

	go s.writePump(conn, sub)
	s.readPump(conn, rm, sub)

	if rm.remove(sub.id) == 0 {
		s.rooms.drop(roomID)
	}
	prometheusGaugeClients.Dec()
	log.Info("subscriber left", "room", roomID, "sender", sub.senderID)
}

// readPump forwards every envelope from one subscriber to the rest of
// its room. The relay validates only that the payload parses as an
// envelope; content stays opaque.
func (s *Server) readPump(conn *websocket.Conn, rm *room, sub *subscriber) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error(err, "subscriber read failed", "room", rm.id)
			}
			return
		}

		var env types.SignalEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Error(err, "dropping malformed envelope", "room", rm.id)
			continue
		}

		prometheusCounterEnvelopes.WithLabelValues(string(env.Type)).Inc()
		rm.broadcast(data, sub.id)
	}
}

func (s *Server) writePump(conn *websocket.Conn, sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-sub.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
