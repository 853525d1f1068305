package client

// RoomCapacity is the number of participants a room supports. The cap is
// best effort: it relies on every client reporting join/leave honestly,
// so it is a UX safeguard rather than a security boundary.
const RoomCapacity = 2

// Membership tracks room occupancy through the store. Joins are
// idempotent per (room, participant).
type Membership struct {
	store Store
}

// NewMembership returns a tracker backed by the given store.
func NewMembership(store Store) *Membership {
	return &Membership{store: store}
}

// RecordJoin registers a participant in a room and returns the resulting
// occupant count. Re-joining with the same id does not increase the count.
func (m *Membership) RecordJoin(roomID, participantID string) (int, error) {
	return m.store.UpdateRoomParticipants(roomID, participantID, true)
}

// RecordLeave removes a participant and returns the remaining count.
func (m *Membership) RecordLeave(roomID, participantID string) (int, error) {
	return m.store.UpdateRoomParticipants(roomID, participantID, false)
}

// Count reports the current cached occupant count for a room.
func (m *Membership) Count(roomID string) (int, error) {
	return m.store.RoomParticipantsCount(roomID)
}

// Clear discards all cached occupancy for a room.
func (m *Membership) Clear(roomID string) error {
	return m.store.ClearRoomParticipants(roomID)
}
