// Package pending tracks responses that arrived for a request the caller has
// not collected yet. One slot per correlation tag; a receive loop stores a
// message under the tag it answered, and the requester takes it out when it
// comes back around to wait.
package pending

import (
	"errors"
	"sync"

	pool "github.com/libp2p/go-buffer-pool"

	"github.com/hkwon/cxlink/internal/protocol"
)

var (
	ErrInvalidTag  = errors.New("pending: tag out of range")
	ErrTagOccupied = errors.New("pending: tag already holds a response")
	ErrTagEmpty    = errors.New("pending: tag holds no response")
)

// Table holds at most one buffered response per tag. Buffers are leased from
// the shared pool on Store and returned on Take, so an idle table holds no
// message memory.
type Table struct {
	mu    sync.Mutex
	slots [protocol.MaxTag][]byte
}

// NewTable returns an empty table covering all protocol.MaxTag tags.
func NewTable() *Table {
	return &Table{}
}

// Store files a copy of msg under tag. A tag may hold only one response at a
// time: a second store before Take indicates a correlation bug upstream and
// fails with ErrTagOccupied.
func (t *Table) Store(tag uint16, msg []byte) error {
	if int(tag) >= protocol.MaxTag {
		return ErrInvalidTag
	}
	if len(msg) > protocol.MaxMessageSize {
		return protocol.ErrMessageTooLarge
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slots[tag] != nil {
		return ErrTagOccupied
	}
	buf := pool.Get(len(msg))
	copy(buf, msg)
	t.slots[tag] = buf
	return nil
}

// Occupied reports whether tag currently holds a response.
func (t *Table) Occupied(tag uint16) bool {
	if int(tag) >= protocol.MaxTag {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[tag] != nil
}

// Take removes and returns the response stored under tag. The returned
// buffer is owned by the caller until released with Recycle.
func (t *Table) Take(tag uint16) ([]byte, error) {
	if int(tag) >= protocol.MaxTag {
		return nil, ErrInvalidTag
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := t.slots[tag]
	if buf == nil {
		return nil, ErrTagEmpty
	}
	t.slots[tag] = nil
	return buf, nil
}

// Recycle returns a buffer obtained from Take to the shared pool.
func Recycle(buf []byte) {
	pool.Put(buf)
}

// Drop discards any response stored under tag.
func (t *Table) Drop(tag uint16) {
	if int(tag) >= protocol.MaxTag {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slots[tag] != nil {
		pool.Put(t.slots[tag])
		t.slots[tag] = nil
	}
}

// Reset drops every stored response, e.g. when the link goes down.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, buf := range t.slots {
		if buf != nil {
			pool.Put(buf)
			t.slots[i] = nil
		}
	}
}
