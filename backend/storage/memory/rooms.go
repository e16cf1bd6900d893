package memory

import (
	"errors"
	"sync"

	"github.com/adwski/chathub/backend/model"
)

var (
	ErrRoomNotFound = errors.New("room is not found")
)

type room struct {
	name    string
	members []string
}

func (rm *room) has(connID string) bool {
	for _, id := range rm.members {
		if id == connID {
			return true
		}
	}
	return false
}

func (rm *room) remove(connID string) bool {
	for i, id := range rm.members {
		if id == connID {
			rm.members = append(rm.members[:i], rm.members[i+1:]...)
			return true
		}
	}
	return false
}

// Rooms is the room directory. Rooms are never deleted, even when empty.
type Rooms struct {
	mx    *sync.RWMutex
	db    map[string]*room
	order []string
}

// NewRooms returns directory holding only the default room.
func NewRooms() *Rooms {
	rs := &Rooms{
		mx: &sync.RWMutex{},
		db: make(map[string]*room),
	}
	rs.Create(model.DefaultRoom)
	return rs
}

// Create reports whether room was actually created.
func (rs *Rooms) Create(name string) bool {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	if _, ok := rs.db[name]; ok {
		return false
	}
	rs.db[name] = &room{name: name}
	rs.order = append(rs.order, name)
	return true
}

func (rs *Rooms) Exists(name string) bool {
	rs.mx.RLock()
	defer rs.mx.RUnlock()

	_, ok := rs.db[name]
	return ok
}

// Move removes connection from room `from` (if present there) and adds it to `to`.
func (rs *Rooms) Move(connID, from, to string) error {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	dst, ok := rs.db[to]
	if !ok {
		return ErrRoomNotFound
	}
	if src, ok := rs.db[from]; ok {
		src.remove(connID)
	}
	if !dst.has(connID) {
		dst.members = append(dst.members, connID)
	}
	return nil
}

// Leave removes connection from a single room.
func (rs *Rooms) Leave(connID, name string) error {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	rm, ok := rs.db[name]
	if !ok {
		return ErrRoomNotFound
	}
	rm.remove(connID)
	return nil
}

// Purge removes connection from every room.
func (rs *Rooms) Purge(connID string) {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	for _, rm := range rs.db {
		rm.remove(connID)
	}
}

// Names returns room names in creation order, default room first.
func (rs *Rooms) Names() []string {
	rs.mx.RLock()
	defer rs.mx.RUnlock()

	return append([]string(nil), rs.order...)
}

func (rs *Rooms) Members(name string) ([]string, error) {
	rs.mx.RLock()
	defer rs.mx.RUnlock()

	rm, ok := rs.db[name]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return append([]string(nil), rm.members...), nil
}
