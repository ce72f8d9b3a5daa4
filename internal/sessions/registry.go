package sessions

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pairline/relay/internal/protocol"
)

// RoomStatus is the lifecycle state of a call room.
type RoomStatus string

const (
	StatusRinging RoomStatus = "ringing"
	StatusActive  RoomStatus = "active"
	StatusEnded   RoomStatus = "ended"
)

// Close reasons recorded on ended rooms.
const (
	ReasonEnded            = "ended"
	ReasonDeclined         = "declined"
	ReasonPeerDisconnected = "peer-disconnected"
	ReasonTimeout          = "timeout"
	ReasonSuperseded       = "superseded"
)

var (
	ErrUserOffline       = errors.New("user is offline")
	ErrUserBusy          = errors.New("user is busy")
	ErrRoomNotFound      = errors.New("room not found")
	ErrInvalidTransition = errors.New("invalid room transition")
	ErrNotParticipant    = errors.New("user is not a participant of the room")
	ErrNotRegistered     = errors.New("user is not registered")
	ErrSelfCall          = errors.New("cannot call yourself")
	ErrInvalidCallType   = errors.New("unsupported call type")
)

// UserEntry is one connected user.
type UserEntry struct {
	UserID        string    `json:"userId"`
	Handle        string    `json:"-"`
	IsInCall      bool      `json:"isInCall"`
	CurrentRoomID string    `json:"currentRoomId,omitempty"`
	ConnectedAt   time.Time `json:"connectedAt"`
}

// Busy reports whether the user is bound to a ringing or active room.
func (u UserEntry) Busy() bool {
	return u.IsInCall || u.CurrentRoomID != ""
}

// CallRoom pairs the two participants of one call.
type CallRoom struct {
	ID           string            `json:"id"`
	Participants [2]string         `json:"participants"`
	CallType     protocol.CallType `json:"callType"`
	InitiatorID  string            `json:"initiatorId"`
	Status       RoomStatus        `json:"status"`
	StartedAt    time.Time         `json:"startedAt"`
	AcceptedAt   time.Time         `json:"acceptedAt,omitempty"`
	EndReason    string            `json:"endReason,omitempty"`
}

// TargetID is the participant who did not place the call.
func (r CallRoom) TargetID() string {
	return r.Participants[1]
}

// Peer returns the other participant, or false when userID is not in the room.
func (r CallRoom) Peer(userID string) (string, bool) {
	switch userID {
	case r.Participants[0]:
		return r.Participants[1], true
	case r.Participants[1]:
		return r.Participants[0], true
	default:
		return "", false
	}
}

// HasParticipant reports whether userID is one of the two parties.
func (r CallRoom) HasParticipant(userID string) bool {
	_, ok := r.Peer(userID)
	return ok
}

// RegisterResult describes what a registration displaced.
type RegisterResult struct {
	Entry UserEntry
	// SupersededHandle is the previous connection of the same user, if it differs.
	SupersededHandle string
	// EvictedUsers were previously registered on this handle under other ids.
	EvictedUsers []string
	// ClosedRooms were held by evicted users.
	ClosedRooms []CallRoom
}

// Registry is the process-wide table of connected users and call rooms. All mutations
// happen under one lock so busy-check-and-create is atomic.
type Registry struct {
	users map[string]*UserEntry
	rooms map[string]*CallRoom
	seq   uint64
	now   func() time.Time
	mu    sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]*UserEntry),
		rooms: make(map[string]*CallRoom),
		now:   time.Now,
	}
}

// Register inserts or replaces the entry for userID. A user reconnecting mid-call keeps
// its room binding; any other user registered on the same handle is evicted.
func (r *Registry) Register(userID, handle string) (RegisterResult, error) {
	if userID == "" || handle == "" {
		return RegisterResult{}, fmt.Errorf("register requires user id and handle: %w", ErrNotRegistered)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var res RegisterResult
	for id, entry := range r.users {
		if id == userID || entry.Handle != handle {
			continue
		}
		if room, ok := r.unregisterLocked(id, ReasonSuperseded); ok {
			res.ClosedRooms = append(res.ClosedRooms, room)
		}
		res.EvictedUsers = append(res.EvictedUsers, id)
	}

	now := r.now()
	if existing, ok := r.users[userID]; ok {
		if existing.Handle != handle {
			res.SupersededHandle = existing.Handle
		}
		existing.Handle = handle
		existing.ConnectedAt = now
		res.Entry = *existing
		return res, nil
	}

	entry := &UserEntry{UserID: userID, Handle: handle, ConnectedAt: now}
	r.users[userID] = entry
	res.Entry = *entry
	return res, nil
}

// Lookup returns a snapshot of the user entry.
func (r *Registry) Lookup(userID string) (UserEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.users[userID]
	if !ok {
		return UserEntry{}, false
	}
	return *entry, true
}

// UserByHandle resolves the user registered on a connection.
func (r *Registry) UserByHandle(handle string) (UserEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, entry := range r.users {
		if entry.Handle == handle {
			return *entry, true
		}
	}
	return UserEntry{}, false
}

// CreateRoom checks both parties and creates a ringing room in one step.
func (r *Registry) CreateRoom(initiatorID, targetID string, callType protocol.CallType) (CallRoom, error) {
	if !callType.Valid() {
		return CallRoom{}, fmt.Errorf("%q: %w", callType, ErrInvalidCallType)
	}
	if initiatorID == targetID {
		return CallRoom{}, ErrSelfCall
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	initiator, ok := r.users[initiatorID]
	if !ok {
		return CallRoom{}, fmt.Errorf("initiator %s: %w", initiatorID, ErrNotRegistered)
	}
	target, ok := r.users[targetID]
	if !ok {
		return CallRoom{}, fmt.Errorf("target %s: %w", targetID, ErrUserOffline)
	}
	if target.Busy() {
		return CallRoom{}, fmt.Errorf("target %s: %w", targetID, ErrUserBusy)
	}
	if initiator.Busy() {
		return CallRoom{}, fmt.Errorf("initiator %s already in a call: %w", initiatorID, ErrUserBusy)
	}

	now := r.now()
	room := &CallRoom{
		ID:           r.roomIDLocked(initiatorID, targetID, now),
		Participants: [2]string{initiatorID, targetID},
		CallType:     callType,
		InitiatorID:  initiatorID,
		Status:       StatusRinging,
		StartedAt:    now,
	}
	r.rooms[room.ID] = room
	initiator.CurrentRoomID = room.ID
	target.CurrentRoomID = room.ID
	return *room, nil
}

// ActivateRoom moves a ringing room to active. Only the callee may accept.
func (r *Registry) ActivateRoom(roomID, accepterID string) (CallRoom, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return CallRoom{}, ErrRoomNotFound
	}
	if accepterID != room.TargetID() {
		return CallRoom{}, ErrNotParticipant
	}
	if room.Status != StatusRinging {
		return CallRoom{}, fmt.Errorf("room %s is %s: %w", roomID, room.Status, ErrInvalidTransition)
	}

	room.Status = StatusActive
	room.AcceptedAt = r.now()
	for _, id := range room.Participants {
		if user, ok := r.users[id]; ok {
			user.IsInCall = true
			user.CurrentRoomID = roomID
		}
	}
	return *room, nil
}

// CloseRoom ends and removes a room. Closing an unknown room is a no-op; closed is false
// in that case.
func (r *Registry) CloseRoom(roomID, reason string) (room CallRoom, closed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.closeRoomLocked(roomID, reason)
}

// CloseRinging closes the room only if nobody has answered yet.
func (r *Registry) CloseRinging(roomID, reason string) (CallRoom, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok || room.Status != StatusRinging {
		return CallRoom{}, false
	}
	return r.closeRoomLocked(roomID, reason)
}

// Unregister removes the user, closing any room it held first.
func (r *Registry) Unregister(userID string) (UserEntry, *CallRoom, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.users[userID]
	if !ok {
		return UserEntry{}, nil, false
	}
	snapshot := *entry
	room, closed := r.unregisterLocked(userID, ReasonPeerDisconnected)
	if !closed {
		return snapshot, nil, true
	}
	return snapshot, &room, true
}

// UnregisterHandle removes whichever user is registered on handle. A handle that has
// been superseded by a newer connection resolves to nothing.
func (r *Registry) UnregisterHandle(handle string) (UserEntry, *CallRoom, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, entry := range r.users {
		if entry.Handle != handle {
			continue
		}
		snapshot := *entry
		room, closed := r.unregisterLocked(id, ReasonPeerDisconnected)
		if !closed {
			return snapshot, nil, true
		}
		return snapshot, &room, true
	}
	return UserEntry{}, nil, false
}

// Room returns a snapshot of a live room.
func (r *Registry) Room(roomID string) (CallRoom, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return CallRoom{}, false
	}
	return *room, true
}

// Rooms returns all live rooms ordered by start time.
func (r *Registry) Rooms() []CallRoom {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]CallRoom, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, *room)
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].StartedAt.Equal(rooms[j].StartedAt) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].StartedAt.Before(rooms[j].StartedAt)
	})
	return rooms
}

// OnlineUsers returns the sorted ids of connected users.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Counts returns the number of connected users and live rooms.
func (r *Registry) Counts() (users, rooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.users), len(r.rooms)
}

func (r *Registry) unregisterLocked(userID, reason string) (CallRoom, bool) {
	entry, ok := r.users[userID]
	if !ok {
		return CallRoom{}, false
	}
	var (
		room   CallRoom
		closed bool
	)
	if entry.CurrentRoomID != "" {
		room, closed = r.closeRoomLocked(entry.CurrentRoomID, reason)
	}
	delete(r.users, userID)
	return room, closed
}

func (r *Registry) closeRoomLocked(roomID, reason string) (CallRoom, bool) {
	room, ok := r.rooms[roomID]
	if !ok {
		return CallRoom{}, false
	}
	for _, id := range room.Participants {
		user, ok := r.users[id]
		if !ok || user.CurrentRoomID != roomID {
			continue
		}
		user.IsInCall = false
		user.CurrentRoomID = ""
	}
	room.Status = StatusEnded
	room.EndReason = reason
	delete(r.rooms, roomID)
	return *room, true
}

func (r *Registry) roomIDLocked(initiatorID, targetID string, at time.Time) string {
	id := fmt.Sprintf("call_%s_%s_%d", initiatorID, targetID, at.UnixNano())
	for {
		if _, taken := r.rooms[id]; !taken {
			return id
		}
		r.seq++
		id = fmt.Sprintf("call_%s_%s_%d_%d", initiatorID, targetID, at.UnixNano(), r.seq)
	}
}
