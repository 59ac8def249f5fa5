package server

import (
	"sort"
	"sync"
)

// Presence tracks which connections are attached to which rooms on this
// node. A user is online in a room while at least one of their connections
// is attached to it.
type Presence struct {
	mu sync.Mutex
	// connection id -> room id -> user id
	conns map[string]map[string]int
	// room id -> user id -> attached connection count
	rooms map[string]map[int]int
}

func NewPresence() *Presence {
	return &Presence{
		conns: make(map[string]map[string]int),
		rooms: make(map[string]map[int]int),
	}
}

// Attach records connId as attached to roomId and reports whether it is
// the user's first connection in that room. Attaching an already attached
// pair is a no-op and returns false.
func (p *Presence) Attach(connId string, userId int, roomId string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	rooms, ok := p.conns[connId]
	if !ok {
		rooms = make(map[string]int)
		p.conns[connId] = rooms
	}
	if _, attached := rooms[roomId]; attached {
		return false
	}
	rooms[roomId] = userId

	users, ok := p.rooms[roomId]
	if !ok {
		users = make(map[int]int)
		p.rooms[roomId] = users
	}
	users[userId]++

	return users[userId] == 1
}

// Detach removes the pair. ok is false when the pair was not attached; last
// is true when this was the user's final connection in the room.
func (p *Presence) Detach(connId, roomId string) (userId int, last bool, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rooms, found := p.conns[connId]
	if !found {
		return 0, false, false
	}
	userId, found = rooms[roomId]
	if !found {
		return 0, false, false
	}

	delete(rooms, roomId)
	if len(rooms) == 0 {
		delete(p.conns, connId)
	}

	users := p.rooms[roomId]
	users[userId]--
	if users[userId] <= 0 {
		delete(users, userId)
		last = true
	}
	if len(users) == 0 {
		delete(p.rooms, roomId)
	}

	return userId, last, true
}

func (p *Presence) Rooms(connId string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.conns[connId]))
	for roomId := range p.conns[connId] {
		ids = append(ids, roomId)
	}
	sort.Strings(ids)
	return ids
}

func (p *Presence) Online(roomId string) []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]int, 0, len(p.rooms[roomId]))
	for userId := range p.rooms[roomId] {
		ids = append(ids, userId)
	}
	sort.Ints(ids)
	return ids
}

func (p *Presence) IsOnline(roomId string, userId int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.rooms[roomId][userId] > 0
}
