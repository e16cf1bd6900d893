package memory

import (
	"sync"
)

type typist struct {
	connID string
	name   string
}

// Typing holds per-room lists of connections that are currently typing.
type Typing struct {
	mx *sync.Mutex
	db map[string][]typist
}

func NewTyping() *Typing {
	return &Typing{
		mx: &sync.Mutex{},
		db: make(map[string][]typist),
	}
}

// Set adds or removes connection from room's typing list.
// Adding an existing entry updates its name in place.
func (t *Typing) Set(room, connID, name string, typing bool) {
	t.mx.Lock()
	defer t.mx.Unlock()

	list := t.db[room]
	for i, ty := range list {
		if ty.connID != connID {
			continue
		}
		if typing {
			list[i].name = name
		} else {
			t.db[room] = append(list[:i], list[i+1:]...)
		}
		return
	}
	if typing {
		t.db[room] = append(list, typist{connID: connID, name: name})
	}
}

// Clear removes connection from all rooms and returns rooms it was typing in.
func (t *Typing) Clear(connID string) []string {
	t.mx.Lock()
	defer t.mx.Unlock()

	var rooms []string
	for room, list := range t.db {
		for i, ty := range list {
			if ty.connID == connID {
				t.db[room] = append(list[:i], list[i+1:]...)
				rooms = append(rooms, room)
				break
			}
		}
	}
	return rooms
}

// Names returns display names typing in room, in the order they started.
func (t *Typing) Names(room string) []string {
	t.mx.Lock()
	defer t.mx.Unlock()

	names := make([]string, 0, len(t.db[room]))
	for _, ty := range t.db[room] {
		names = append(names, ty.name)
	}
	return names
}
