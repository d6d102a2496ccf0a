package deliver

import (
	"sync"

	"github.com/google/uuid"
)

// Close codes sent on the fi.mau.as_sync websocket (spec §4.E,
// "Teardown"/"Handshake").
const (
	CloseCodeReplaced = 4001 // a newer connection for the same appservice took over
	CloseCodeNotAcked = 4002 // too many consecutive unacknowledged transactions
)

// Table is the process-local registry of live websocket connections,
// one per appservice. A second replica's table only ever holds the
// connections that replica itself accepted; cross-replica awareness of
// who holds a given appservice's connection is the Coordinator's job
// (spec §4.G), not this type's.
type Table struct {
	mu    sync.Mutex
	conns map[uuid.UUID]*Conn
}

func NewTable() *Table {
	return &Table{conns: make(map[uuid.UUID]*Conn)}
}

// Install registers conn as the live connection for id, closing and
// returning whatever connection previously held that slot (spec §4.E
// step 4: "close pre-existing connection with code 4001"). The caller
// is responsible for broadcasting the replacement to other replicas
// via the Coordinator.
func (t *Table) Install(id uuid.UUID, conn *Conn) *Conn {
	t.mu.Lock()
	old := t.conns[id]
	t.conns[id] = conn
	t.mu.Unlock()
	if old != nil {
		_ = old.Close(CloseCodeReplaced, "conn_replaced")
	}
	return old
}

// Remove deletes id's entry only if it still points at conn, so a
// connection that already lost a race to Install never evicts its
// replacement during teardown.
func (t *Table) Remove(id uuid.UUID, conn *Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[id] == conn {
		delete(t.conns, id)
		return true
	}
	return false
}

func (t *Table) Get(id uuid.UUID) (*Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[id]
	return c, ok
}

// Len reports the number of live connections, used by the Status
// Reporter and health endpoints.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// CloseAll closes every live connection with the given code/reason,
// used on graceful shutdown (spec §6, close code 1012 "service
// restart") so every bridge reconnects to another replica rather than
// waiting out a dead socket.
func (t *Table) CloseAll(code int, reason string) {
	t.mu.Lock()
	conns := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(code, reason)
	}
}
