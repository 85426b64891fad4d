package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlorchat/parlor/internal/protocol"
)

// Connection is one live transport session. ID is unique per session; a user
// opening several tabs holds several Connections with the same UserID.
//
// roomID and username are guarded by the owning Registry's mutex. The write
// path from concurrent broadcasts is serialized by writeMu.
type Connection struct {
	ID       string
	UserID   string
	Username string

	ws      *websocket.Conn
	writeMu sync.Mutex

	roomID   string
	joinedAt time.Time
}

// Registry is the authoritative in-memory view of who is connected and which
// room each connection is in. All mutation goes through its methods; callers
// never touch the maps directly. Broadcast paths take snapshots so that a
// concurrent leave cannot invalidate an iteration in progress.
type Registry struct {
	mu     sync.Mutex
	conns  map[string]*Connection            // connectionID -> connection
	byUser map[string]map[string]*Connection // userID -> connectionID -> connection
	rooms  map[string]map[string]*Connection // roomID -> connectionID -> connection
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		byUser: make(map[string]map[string]*Connection),
		rooms:  make(map[string]map[string]*Connection),
	}
}

func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
	userConns := r.byUser[c.UserID]
	if userConns == nil {
		userConns = make(map[string]*Connection)
		r.byUser[c.UserID] = userConns
	}
	userConns[c.ID] = c
}

// Remove deletes the connection from every index. It returns the room the
// connection was in, with roomEmptied reporting whether that room's member
// set became empty (and was deleted) as a result.
func (r *Registry) Remove(connectionID string) (roomID string, roomEmptied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connectionID]
	if !ok {
		return "", false
	}
	roomID, roomEmptied = r.leaveRoomLocked(c)
	delete(r.conns, connectionID)
	if userConns := r.byUser[c.UserID]; userConns != nil {
		delete(userConns, connectionID)
		if len(userConns) == 0 {
			delete(r.byUser, c.UserID)
		}
	}
	return roomID, roomEmptied
}

func (r *Registry) Get(connectionID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connectionID]
	return c, ok
}

// RoomID reports which room the connection is currently in, "" if none.
func (r *Registry) RoomID(connectionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[connectionID]; ok {
		return c.roomID
	}
	return ""
}

// JoinRoom moves the connection into roomID, recording username and the join
// time. It returns the room the connection previously occupied ("" if none)
// and whether that previous room became empty.
func (r *Registry) JoinRoom(connectionID, roomID, username string, now time.Time) (prevRoomID string, prevEmptied bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, found := r.conns[connectionID]
	if !found {
		return "", false, false
	}
	prevRoomID, prevEmptied = r.leaveRoomLocked(c)
	members := r.rooms[roomID]
	if members == nil {
		members = make(map[string]*Connection)
		r.rooms[roomID] = members
	}
	members[c.ID] = c
	c.roomID = roomID
	c.joinedAt = now
	if username != "" {
		c.Username = username
	}
	return prevRoomID, prevEmptied, true
}

// LeaveRoom removes the connection from its current room.
func (r *Registry) LeaveRoom(connectionID string) (roomID string, roomEmptied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connectionID]
	if !ok {
		return "", false
	}
	return r.leaveRoomLocked(c)
}

// leaveRoomLocked detaches c from its room and deletes the room's member set
// when it empties, so empty rooms never linger in the map.
func (r *Registry) leaveRoomLocked(c *Connection) (roomID string, roomEmptied bool) {
	if c.roomID == "" {
		return "", false
	}
	roomID = c.roomID
	c.roomID = ""
	members := r.rooms[roomID]
	if members == nil {
		return roomID, false
	}
	delete(members, c.ID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
		return roomID, true
	}
	return roomID, false
}

// RoomSnapshot returns the room's current members as a new slice. The
// snapshot is safe to iterate while other goroutines join and leave.
func (r *Registry) RoomSnapshot(roomID string) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[roomID]
	out := make([]*Connection, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// Participants lists the room's members, excluding excludeConnectionID, in
// the wire shape used by room-joined replies.
func (r *Registry) Participants(roomID, excludeConnectionID string) []protocol.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[roomID]
	out := make([]protocol.Participant, 0, len(members))
	for _, c := range members {
		if c.ID == excludeConnectionID {
			continue
		}
		out = append(out, protocol.Participant{
			ConnectionID: c.ID,
			UserID:       c.UserID,
			Username:     c.Username,
		})
	}
	return out
}

// DistinctUserCount counts distinct user IDs with at least one connection in
// the room. Room occupancy is defined over users, not connections.
func (r *Registry) DistinctUserCount(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{})
	for _, c := range r.rooms[roomID] {
		seen[c.UserID] = struct{}{}
	}
	return len(seen)
}

// ConnectionInRoom resolves a connection ID, requiring it to currently be a
// member of roomID.
func (r *Registry) ConnectionInRoom(roomID, connectionID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rooms[roomID][connectionID]
	return c, ok
}

// UserConnectionsInRoom returns all of the user's connections that are in
// roomID. A user signaling from two tabs gets the message on both.
func (r *Registry) UserConnectionsInRoom(roomID, userID string) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Connection
	for _, c := range r.rooms[roomID] {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out
}

// UserConnections returns every live connection owned by userID.
func (r *Registry) UserConnections(userID string) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Connection
	for _, c := range r.byUser[userID] {
		out = append(out, c)
	}
	return out
}
