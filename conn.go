package hubmesh

import (
	"context"
	"sync"

	"github.com/raskyld/hubmesh/pkg/wire"
)

// Conn is a client connection held by this process. Implementations wrap
// whatever terminates the client protocol and must be comparable, pointers
// are the usual choice.
type Conn interface {
	ID() string
	// UserID is empty for anonymous connections.
	UserID() string
	Aborted() bool
	Write(ctx context.Context, inv *wire.Invocation) error
}

type socketTable struct {
	lk    sync.RWMutex
	conns map[string]Conn
}

func newSocketTable() *socketTable {
	return &socketTable{conns: make(map[string]Conn)}
}

func (st *socketTable) add(conn Conn) {
	st.lk.Lock()
	defer st.lk.Unlock()
	st.conns[conn.ID()] = conn
}

// remove only drops id if it still maps to conn, a reconnect may have
// replaced it.
func (st *socketTable) remove(conn Conn) bool {
	st.lk.Lock()
	defer st.lk.Unlock()
	if current, ok := st.conns[conn.ID()]; ok && current == conn {
		delete(st.conns, conn.ID())
		return true
	}
	return false
}

func (st *socketTable) get(id string) (Conn, bool) {
	st.lk.RLock()
	defer st.lk.RUnlock()
	conn, ok := st.conns[id]
	return conn, ok
}

func (st *socketTable) snapshot() []Conn {
	st.lk.RLock()
	defer st.lk.RUnlock()
	conns := make([]Conn, 0, len(st.conns))
	for _, conn := range st.conns {
		conns = append(conns, conn)
	}
	return conns
}

func (st *socketTable) len() int {
	st.lk.RLock()
	defer st.lk.RUnlock()
	return len(st.conns)
}
