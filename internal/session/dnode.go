package session

import (
	"bufio"
	"net"

	"github.com/neuraldaq/acqrelay/internal/packet"
	"github.com/neuraldaq/acqrelay/internal/util"
)

// dnodeEndpoint is the data-node-facing side of the relay. Its reader
// collects response packets; its deferred work matches them against the
// current transaction and drives the queue forward.
type dnodeEndpoint struct {
	conn      net.Conn          // guarded by the session lock
	br        *bufio.Reader     // owned by the reader goroutine
	responses []*packet.Command // parsed responses awaiting matching; session lock
}

func newDnodeEndpoint() *dnodeEndpoint { return &dnodeEndpoint{} }

func (d *dnodeEndpoint) name() string { return "data node" }

func (d *dnodeEndpoint) start(s *Session) error { return nil }

func (d *dnodeEndpoint) stop(s *Session) {}

func (d *dnodeEndpoint) open(s *Session, conn net.Conn) error {
	d.conn = conn
	d.br = bufio.NewReader(conn)
	d.responses = nil
	s.met.DnodeConnected.Set(1)
	return nil
}

func (d *dnodeEndpoint) close(s *Session) {
	s.mu.Lock()
	d.responses = nil
	s.mu.Unlock()
}

func (d *dnodeEndpoint) read(s *Session) (why, error) {
	res, err := packet.ReadCommand(d.br, packet.TypeResponse)
	if err != nil {
		return wakeNone, err
	}
	s.mu.Lock()
	d.responses = append(d.responses, res)
	s.mu.Unlock()
	return wakeDnodeTxn, nil
}

// runDeferred is called on the worker goroutine with the session lock held.
// Exactly one transaction is active with the data node at a time; a matched
// response advances the queue and the next request goes out immediately.
func (d *dnodeEndpoint) runDeferred(s *Session) {
	for len(d.responses) > 0 {
		res := d.responses[0]
		d.responses = d.responses[1:]

		if s.txns == nil || s.curTxn < 0 || s.curTxn >= len(s.txns) {
			util.LogWarning("response %d with no transaction outstanding; dropping", res.ID)
			continue
		}
		txn := s.txns[s.curTxn]
		if res.ID != txn.Req.ID {
			util.LogWarning("response id %d doesn't match request id %d; dropping",
				res.ID, txn.Req.ID)
			continue
		}

		txn.Res = res
		txn.Done = true
		s.met.TxnsCompleted.Inc()
		s.curTxn++

		if s.curTxn < len(s.txns) {
			if d.conn == nil {
				return // connection dropped mid-batch; close path cleans up
			}
			s.sendCurrentRequestLocked()
		} else {
			s.wakeWhyLocked(wakeClientRes)
		}
	}
}
