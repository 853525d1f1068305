package relay

import (
	"sync"
)

// subscriber is one websocket subscription to a room topic. Outbound
// envelopes go through the buffered send channel so a slow reader never
// blocks the publisher.
type subscriber struct {
	id       string
	senderID string
	send     chan []byte
}

// room fans published envelopes out to every subscriber except the
// publisher, in publish order.
type room struct {
	id          string
	mu          sync.RWMutex
	subscribers map[string]*subscriber
}

func newRoom(id string) *room {
	return &room{
		id:          id,
		subscribers: make(map[string]*subscriber),
	}
}

func (r *room) add(sub *subscriber) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[sub.id] = sub
	return len(r.subscribers)
}

func (r *room) remove(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, id)
	return len(r.subscribers)
}

// broadcast delivers data to all current subscribers except the one that
// published it.
func (r *room) broadcast(data []byte, excludeID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, sub := range r.subscribers {
		if id == excludeID {
			continue
		}
		select {
		case sub.send <- data:
		default:
			log.Info("dropping envelope, subscriber not keeping up", "room", r.id, "subscriber", id)
		}
	}
}

// registry owns the live room set. Rooms exist while they have
// subscribers and evaporate with the last one.
type registry struct {
	mu    sync.Mutex
	rooms map[string]*room
}

func newRegistry() *registry {
	return &registry{rooms: make(map[string]*room)}
}

func (g *registry) getOrCreate(roomID string) *room {
	g.mu.Lock()
	defer g.mu.Unlock()
	rm, ok := g.rooms[roomID]
	if !ok {
		rm = newRoom(roomID)
		g.rooms[roomID] = rm
		prometheusGaugeRooms.Inc()
		log.Info("room created", "room", roomID)
	}
	return rm
}

func (g *registry) drop(roomID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.rooms[roomID]; ok {
		delete(g.rooms, roomID)
		prometheusGaugeRooms.Dec()
		log.Info("room removed", "room", roomID)
	}
}
