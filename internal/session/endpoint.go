package session

import (
	"errors"
	"io"
	"net"

	"github.com/neuraldaq/acqrelay/internal/packet"
	"github.com/neuraldaq/acqrelay/internal/util"
)

// why is the worker wake-reason bitmask.
type why uint8

const (
	wakeNone      why = 0
	wakeExit      why = 1 << 0 // worker must terminate (checked first)
	wakeClientCmd why = 1 << 1 // client commands parsed and pending
	wakeClientRes why = 1 << 2 // responses ready to relay back to the client
	wakeDnodeTxn  why = 1 << 3 // data-node transaction event
)

// endpoint is the capability set shared by the client-facing and
// data-node-facing sides of the relay. Unsupported operations are explicit
// no-op method bodies rather than nil-checked hooks.
//
// Locking: open, close and runDeferred are called with the session lock
// held; read runs on the endpoint's reader goroutine without the lock and
// must take it for any shared state it touches.
type endpoint interface {
	name() string

	// start performs one-time setup before any I/O. A failure aborts
	// session construction.
	start(s *Session) error

	// stop is the teardown counterpart to start; best-effort.
	stop(s *Session)

	// open is invoked once a live connection is attached. Returning an
	// error refuses the connection.
	open(s *Session, conn net.Conn) error

	// close performs endpoint-specific cleanup after the connection has
	// been torn down. It must tolerate an already-closed endpoint.
	close(s *Session)

	// read parses whatever bytes are available and returns the wake
	// reasons to raise for the worker. A returned error tears the
	// connection down.
	read(s *Session) (why, error)

	// runDeferred performs the blocking protocol logic on the worker
	// goroutine.
	runDeferred(s *Session)
}

// refuseConn drops an unwanted connection at the transport level without
// disturbing the existing session.
func refuseConn(conn net.Conn, who, cause string) {
	util.LogInfo("refusing new %s connection from %s: %s",
		who, conn.RemoteAddr(), cause)
	if err := conn.Close(); err != nil {
		util.LogError("couldn't close refused %s connection: %v", who, err)
	}
}

// openConn drives the Closed→Opening→Open transition for an endpoint. Only
// one connection may be open per endpoint kind; a second one is refused.
func (s *Session) openConn(ep endpoint, conn net.Conn) {
	s.mu.Lock()
	if s.connOfLocked(ep) != nil {
		s.mu.Unlock()
		refuseConn(conn, ep.name(), "another is ongoing")
		return
	}
	if err := ep.open(s, conn); err != nil {
		s.mu.Unlock()
		refuseConn(conn, ep.name(), err.Error())
		return
	}
	s.mu.Unlock()

	util.LogInfo("%s connection established (%s)", ep.name(), conn.RemoteAddr())
	s.readers.Add(1)
	go s.serveConn(ep, conn)
}

// serveConn is the per-connection reader loop: it invokes the endpoint's
// read hook until the transport fails, then runs the close path. This is
// the reactor half of the session; it never performs relay work itself.
func (s *Session) serveConn(ep endpoint, conn net.Conn) {
	defer s.readers.Done()
	for {
		w, err := ep.read(s)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				util.LogInfo("%s connection closed", ep.name())
			} else {
				util.LogWarning("%s connection error: %v", ep.name(), err)
			}
			s.closeConn(ep, conn)
			return
		}
		if w != wakeNone {
			s.mustWake(w)
		}
	}
}

// closeConn drives the Open→Closed transition. It is a no-op when conn is
// no longer the endpoint's active connection, which makes the path safe to
// run from both the reader goroutine and session teardown.
func (s *Session) closeConn(ep endpoint, conn net.Conn) {
	s.mu.Lock()
	if s.connOfLocked(ep) != conn {
		s.mu.Unlock()
		return
	}
	conn.Close()
	s.detachLocked(ep)
	if s.txns != nil {
		// Hope you weren't in the middle of anything important...
		util.LogWarning("halting data node I/O due to closed %s connection", ep.name())
		s.clearTransactionsLocked(ep.name() + " gone")
		if ep == endpoint(s.dnode) && s.client.conn != nil {
			// A naive client would block forever on a reply that is
			// never coming; tell it the remote went away.
			s.writeToClientLocked(packet.NewError(0))
		}
		// Commands parsed while the batch was outstanding still need a
		// drain pass.
		s.wakeWhyLocked(wakeClientCmd)
	}
	s.mu.Unlock()
	ep.close(s)
}
