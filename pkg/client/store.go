package client

import (
	"sync"
	"time"

	"github.com/peerchat/peerchat/pkg/types"
)

// Store is the narrow persistence interface the engine reads and writes
// through. Implementations must be safe for concurrent use.
type Store interface {
	SaveSession(rec types.SessionRecord) error
	GetSession() (types.SessionRecord, bool, error)
	// EndSession marks the current session record inactive without
	// erasing it.
	EndSession() error
	ClearSession() error

	SaveMessages(roomID string, msgs []types.ChatMessage) error
	AppendMessage(roomID string, msg types.ChatMessage) error
	GetMessages(roomID string) ([]types.ChatMessage, error)
	ClearMessages(roomID string) error

	UpdateRoomParticipants(roomID, participantID string, joining bool) (int, error)
	RoomParticipantsCount(roomID string) (int, error)
	ClearRoomParticipants(roomID string) error
}

// MemoryStore keeps everything in process memory. It is the default store
// and the one the tests use.
type MemoryStore struct {
	mu           sync.Mutex
	session      *types.SessionRecord
	messages     map[string][]types.ChatMessage
	participants map[string]*types.RoomParticipants
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:     make(map[string][]types.ChatMessage),
		participants: make(map[string]*types.RoomParticipants),
	}
}

func (s *MemoryStore) SaveSession(rec types.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = &rec
	return nil
}

func (s *MemoryStore) GetSession() (types.SessionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return types.SessionRecord{}, false, nil
	}
	return *s.session, true, nil
}

func (s *MemoryStore) EndSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.session.Active = false
	}
	return nil
}

func (s *MemoryStore) ClearSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = nil
	return nil
}

func (s *MemoryStore) SaveMessages(roomID string, msgs []types.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[roomID] = append([]types.ChatMessage(nil), msgs...)
	return nil
}

func (s *MemoryStore) AppendMessage(roomID string, msg types.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[roomID] = append(s.messages[roomID], msg)
	return nil
}

func (s *MemoryStore) GetMessages(roomID string) ([]types.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.ChatMessage(nil), s.messages[roomID]...), nil
}

func (s *MemoryStore) ClearMessages(roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, roomID)
	return nil
}

func (s *MemoryStore) UpdateRoomParticipants(roomID, participantID string, joining bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	view := s.participants[roomID]
	if view == nil || view.Stale(now) {
		view = types.NewRoomParticipants()
		s.participants[roomID] = view
	}

	if joining {
		view.Members.Set(participantID, now)
	} else {
		view.Members.Delete(participantID)
	}
	view.LastUpdated = now
	return view.Count(), nil
}

func (s *MemoryStore) RoomParticipantsCount(roomID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := s.participants[roomID]
	if view == nil {
		return 0, nil
	}
	if view.Stale(time.Now()) {
		delete(s.participants, roomID)
		return 0, nil
	}
	return view.Count(), nil
}

func (s *MemoryStore) ClearRoomParticipants(roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants, roomID)
	return nil
}
