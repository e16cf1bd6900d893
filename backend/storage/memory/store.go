package memory

import (
	"errors"
	"sync"

	"github.com/adwski/chathub/backend/model"
)

var (
	ErrAlreadyRegistered = errors.New("connection is already registered")
	ErrNotRegistered     = errors.New("connection is not registered")
)

// Registry tracks live connections in registration order.
type Registry struct {
	mx    *sync.RWMutex
	db    map[string]*model.Connection
	order []string
}

func NewRegistry() *Registry {
	return &Registry{
		mx: &sync.RWMutex{},
		db: make(map[string]*model.Connection),
	}
}

func (r *Registry) Register(connID string) (model.Connection, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.db[connID]; ok {
		return model.Connection{}, ErrAlreadyRegistered
	}
	conn := &model.Connection{ID: connID}
	r.db[connID] = conn
	r.order = append(r.order, connID)
	return *conn, nil
}

// Join sets username and puts connection back into the default room.
// Repeated joins overwrite the username.
func (r *Registry) Join(connID, username string) (model.Connection, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	conn, ok := r.db[connID]
	if !ok {
		return model.Connection{}, ErrNotRegistered
	}
	conn.Username = username
	conn.Room = model.DefaultRoom
	return *conn, nil
}

func (r *Registry) SetRoom(connID, room string) (model.Connection, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	conn, ok := r.db[connID]
	if !ok {
		return model.Connection{}, ErrNotRegistered
	}
	conn.Room = room
	return *conn, nil
}

func (r *Registry) Lookup(connID string) (model.Connection, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	conn, ok := r.db[connID]
	if !ok {
		return model.Connection{}, false
	}
	return *conn, true
}

func (r *Registry) Remove(connID string) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.db[connID]; !ok {
		return
	}
	delete(r.db, connID)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Joined returns snapshot of connections that went through join.
func (r *Registry) Joined() []model.Connection {
	r.mx.RLock()
	defer r.mx.RUnlock()

	conns := make([]model.Connection, 0, len(r.order))
	for _, id := range r.order {
		if conn := r.db[id]; conn.Joined() {
			conns = append(conns, *conn)
		}
	}
	return conns
}
