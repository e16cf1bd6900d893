package memory

import (
	"sync"

	"github.com/adwski/chathub/backend/model"
)

const (
	DefaultHistorySize = 100
)

// History is global FIFO of most recent messages across all rooms.
type History struct {
	mx   *sync.RWMutex
	msgs []model.Message
	size int
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{
		mx:   &sync.RWMutex{},
		msgs: make([]model.Message, 0, size),
		size: size,
	}
}

func (h *History) Append(msg model.Message) {
	h.mx.Lock()
	defer h.mx.Unlock()

	if len(h.msgs) == h.size {
		copy(h.msgs, h.msgs[1:])
		h.msgs = h.msgs[:h.size-1]
	}
	h.msgs = append(h.msgs, msg)
}

// List returns messages oldest first.
func (h *History) List() []model.Message {
	h.mx.RLock()
	defer h.mx.RUnlock()

	msgs := make([]model.Message, len(h.msgs))
	copy(msgs, h.msgs)
	return msgs
}
