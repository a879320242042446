package session

import (
	"github.com/neuraldaq/acqrelay/internal/packet"
	"github.com/neuraldaq/acqrelay/internal/util"
)

// Transaction pairs one client request with its eventual data-node response.
type Transaction struct {
	Req  *packet.Command // request, id assigned at enqueue
	Res  *packet.Command // response, nil until satisfied
	Done bool
}

// setTransactionsLocked installs a fresh transaction batch and assigns each
// request a strictly increasing session-scoped id. Installing a new batch
// while one is outstanding is a programming error, not a runtime fault: the
// caller must clear first. Requires the session lock.
//
// The id counter wraps at the u16 boundary. A live collision would need a
// single batch of 65536 outstanding requests, which the one-batch-at-a-time
// rule makes impossible.
func (s *Session) setTransactionsLocked(txns []*Transaction) {
	if s.txns != nil && len(txns) != 0 {
		util.LogFatal("overlapping transaction batches (%d outstanding, %d new)",
			len(s.txns), len(txns))
	}
	s.txns = txns
	if len(txns) == 0 {
		s.txns = nil
		s.curTxn = -1
		return
	}
	s.curTxn = 0
	for _, txn := range txns {
		txn.Req.ID = s.curID
		s.curID++
		s.met.TxnsStarted.Inc()
		util.Stats.AddTxn()
	}
}

// clearTransactionsLocked forcibly empties the queue. cause is recorded in
// the cleared-transaction metric ("relayed" for the normal path).
func (s *Session) clearTransactionsLocked(cause string) {
	if s.txns != nil && cause != "relayed" {
		s.met.TxnsCleared.WithLabelValues(cause).Add(float64(len(s.txns)))
	}
	s.setTransactionsLocked(nil)
}

// txnsCompleteLocked reports whether a batch is installed and every
// transaction in it has been satisfied by the data node.
func (s *Session) txnsCompleteLocked() bool {
	return s.txns != nil && s.curTxn == len(s.txns)
}

// sendCurrentRequestLocked forwards the current transaction's request to the
// data node. On a write error the connection is closed; its reader goroutine
// performs the cleanup.
func (s *Session) sendCurrentRequestLocked() {
	txn := s.txns[s.curTxn]
	n, err := packet.WriteTo(s.dnode.conn, txn.Req)
	if err != nil {
		util.LogError("can't forward request %d to data node: %v", txn.Req.ID, err)
		s.dnode.conn.Close()
		return
	}
	s.met.BytesRelayed.WithLabelValues("to_dnode").Add(float64(n))
	util.Stats.AddRelayed(n)
}
