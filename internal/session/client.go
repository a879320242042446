package session

import (
	"bufio"
	"net"

	"github.com/google/uuid"

	"github.com/neuraldaq/acqrelay/internal/packet"
	"github.com/neuraldaq/acqrelay/internal/util"
)

// clientEndpoint is the client-facing side of the relay. Its reader parses
// request packets into the pending list; its deferred work installs pending
// requests as a transaction batch and relays satisfied responses back out.
type clientEndpoint struct {
	conn    net.Conn          // guarded by the session lock
	br      *bufio.Reader     // owned by the reader goroutine
	connID  string            // log tag for the active connection
	pending []*packet.Command // parsed requests awaiting enqueue; session lock
}

func newClientEndpoint() *clientEndpoint { return &clientEndpoint{} }

func (c *clientEndpoint) name() string { return "client" }

func (c *clientEndpoint) start(s *Session) error { return nil }

func (c *clientEndpoint) stop(s *Session) {}

func (c *clientEndpoint) open(s *Session, conn net.Conn) error {
	c.conn = conn
	c.br = bufio.NewReader(conn)
	c.connID = uuid.NewString()
	c.pending = nil
	s.met.ClientConnected.Set(1)
	util.LogDebug("client connection tagged %s", c.connID)
	return nil
}

func (c *clientEndpoint) close(s *Session) {
	s.mu.Lock()
	c.pending = nil
	if s.fwdAddr != nil {
		util.LogInfo("dropping sample subscription with client connection")
		s.fwdAddr = nil
	}
	s.mu.Unlock()
}

func (c *clientEndpoint) read(s *Session) (why, error) {
	cmd, err := packet.ReadCommand(c.br, packet.TypeRequest)
	if err != nil {
		return wakeNone, err
	}
	s.mu.Lock()
	c.pending = append(c.pending, cmd)
	s.mu.Unlock()
	return wakeClientCmd, nil
}

// runDeferred is called on the worker goroutine with the session lock held.
// Relay work comes first so a completed batch frees the queue before any
// pending commands are installed behind it.
func (c *clientEndpoint) runDeferred(s *Session) {
	if s.txnsCompleteLocked() {
		if c.conn != nil {
			for _, txn := range s.txns {
				s.writeToClientLocked(txn.Res)
				util.Stats.CompleteTxn()
			}
			util.LogDebug("relayed %d responses to client %s", len(s.txns), c.connID)
		}
		s.clearTransactionsLocked("relayed")
	}

	if len(c.pending) == 0 || s.txns != nil || c.conn == nil {
		return
	}
	batch := make([]*Transaction, 0, len(c.pending))
	for _, req := range c.pending {
		batch = append(batch, &Transaction{Req: req})
	}
	c.pending = nil
	s.setTransactionsLocked(batch)
	if s.dnode.conn == nil {
		util.LogWarning("no data node connection; failing %d client requests", len(batch))
		s.writeToClientLocked(packet.NewError(0))
		s.clearTransactionsLocked("data node gone")
		return
	}
	s.sendCurrentRequestLocked()
}
