// Package session implements the control relay between a client and a data
// node: an ordered queue of request/response transactions bridged by a
// worker goroutine, plus best-effort forwarding of the UDP sample stream.
package session

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/neuraldaq/acqrelay/internal/metrics"
	"github.com/neuraldaq/acqrelay/internal/packet"
	"github.com/neuraldaq/acqrelay/internal/util"
)

const dialTimeout = 5 * time.Second

// Options configures a Session. Ports may be zero to let the kernel pick
// (useful in tests); the bound addresses are available afterwards through
// ClientAddr and SampleAddr.
type Options struct {
	ClientPort int              // TCP listen port for client connections
	DnodeAddr  string           // data node command/control address, host:port
	SamplePort int              // UDP port receiving batch-sample datagrams
	Metrics    *metrics.Metrics // optional; a private instance is created if nil
}

// Session is the top-level owner of the relay: both endpoint connections,
// the sample socket, the transaction queue and the worker goroutine.
//
// Two kinds of goroutine touch a Session: per-connection reader goroutines
// (the reactor half, which only parse and raise wake reasons) and the single
// worker goroutine (which performs all relay writes). Every touch of shared
// state takes mu; wake-reason bits set under mu are guaranteed visible to
// the worker once it reacquires mu after a wake.
type Session struct {
	dnodeAddr string
	met       *metrics.Metrics

	listener   net.Listener
	sampleConn *net.UDPConn

	client *clientEndpoint
	dnode  *dnodeEndpoint

	mu      sync.Mutex
	wakeWhy why
	wakeCh  chan struct{} // 1-buffered worker wake signal; never closed

	txns   []*Transaction
	curTxn int    // index of the transaction active with the data node, -1 if none
	curID  uint16 // session-scoped request id counter, wraps at u16

	fwdAddr    *net.UDPAddr // sample subscriber, nil if none
	sampleDone bool         // saw the is-last flag; later samples are stale
	sampleTap  func(*packet.BatchSample)

	workerWG sync.WaitGroup
	readers  sync.WaitGroup
}

// New constructs a running session: client listener bound, data node dialed
// and opened, sample socket bound, worker started. On any failure every
// previously acquired resource is released in reverse order and no session
// is returned.
func New(opts Options) (*Session, error) {
	met := opts.Metrics
	if met == nil {
		met = metrics.New()
	}
	s := &Session{
		dnodeAddr: opts.DnodeAddr,
		met:       met,
		wakeCh:    make(chan struct{}, 1),
		curTxn:    -1,
	}
	s.client = newClientEndpoint()
	s.dnode = newDnodeEndpoint()

	ok := false

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", opts.ClientPort))
	if err != nil {
		return nil, fmt.Errorf("can't listen for client connections: %w", err)
	}
	s.listener = listener
	defer func() {
		if !ok {
			listener.Close()
		}
	}()

	dconn, err := net.DialTimeout("tcp", opts.DnodeAddr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("can't connect to data node at %s: %w", opts.DnodeAddr, err)
	}
	defer func() {
		if !ok {
			dconn.Close()
		}
	}()

	sconn, err := net.ListenUDP("udp", &net.UDPAddr{Port: opts.SamplePort})
	if err != nil {
		return nil, fmt.Errorf("can't create sample socket: %w", err)
	}
	s.sampleConn = sconn
	defer func() {
		if !ok {
			sconn.Close()
		}
	}()

	if err := s.client.start(s); err != nil {
		return nil, fmt.Errorf("can't start client side of control session: %w", err)
	}
	defer func() {
		if !ok {
			s.client.stop(s)
		}
	}()
	if err := s.dnode.start(s); err != nil {
		return nil, fmt.Errorf("can't start data node side of control session: %w", err)
	}
	defer func() {
		if !ok {
			s.dnode.stop(s)
		}
	}()

	s.workerWG.Add(1)
	go s.workerMain()

	s.openConn(s.dnode, dconn)

	s.readers.Add(1)
	go s.acceptLoop()
	s.readers.Add(1)
	go s.sampleLoop()

	ok = true
	return s, nil
}

// Close signals the worker to exit, joins it, then releases all sockets and
// buffers. The in-progress deferred-work call, if any, is allowed to finish.
func (s *Session) Close() {
	s.mustWake(wakeExit)
	s.workerWG.Wait()

	s.listener.Close()
	s.sampleConn.Close()

	s.mu.Lock()
	cconn := s.client.conn
	dconn := s.dnode.conn
	s.mu.Unlock()
	if cconn != nil {
		s.closeConn(s.client, cconn)
	}
	if dconn != nil {
		s.closeConn(s.dnode, dconn)
	}
	s.readers.Wait()

	s.dnode.stop(s)
	s.client.stop(s)
}

// ClientAddr returns the bound client listener address.
func (s *Session) ClientAddr() net.Addr { return s.listener.Addr() }

// SampleAddr returns the bound sample socket address.
func (s *Session) SampleAddr() net.Addr { return s.sampleConn.LocalAddr() }

// ReconnectDataNode re-establishes the data node connection after a drop.
// It refuses to act while a connection is still open.
func (s *Session) ReconnectDataNode() error {
	s.mu.Lock()
	open := s.dnode.conn != nil
	s.mu.Unlock()
	if open {
		return fmt.Errorf("data node connection still open")
	}
	conn, err := net.DialTimeout("tcp", s.dnodeAddr, dialTimeout)
	if err != nil {
		return fmt.Errorf("can't reconnect to data node at %s: %w", s.dnodeAddr, err)
	}
	s.openConn(s.dnode, conn)
	return nil
}

// Snapshot is a point-in-time view of session state for the monitor.
type Snapshot struct {
	ClientConnected bool `json:"client_connected"`
	DnodeConnected  bool `json:"dnode_connected"`
	PendingTxns     int  `json:"pending_txns"`
	SampleRunDone   bool `json:"sample_run_done"`
	Subscribed      bool `json:"subscribed"`
}

// State returns a snapshot of the session.
func (s *Session) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ClientConnected: s.client.conn != nil,
		DnodeConnected:  s.dnode.conn != nil,
		PendingTxns:     len(s.txns),
		SampleRunDone:   s.sampleDone,
		Subscribed:      s.fwdAddr != nil,
	}
}

// acceptLoop hands new client connections to the open path. A second
// connection while one is active is refused inside openConn.
func (s *Session) acceptLoop() {
	defer s.readers.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // listener closed during teardown
		}
		s.openConn(s.client, conn)
	}
}

/*
 * Worker wake machinery
 */

// wakeWhyLocked raises wake bits and signals the worker. Requires the lock.
func (s *Session) wakeWhyLocked(w why) {
	s.wakeWhy |= w
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// mustWake raises wake bits and signals the worker.
func (s *Session) mustWake(w why) {
	s.mu.Lock()
	s.wakeWhyLocked(w)
	s.mu.Unlock()
}

// workerMain is the single-consumer relay loop. It sleeps on the wake
// channel, then services every raised reason under the lock before blocking
// again. The exit bit has highest priority and is the only way out.
func (s *Session) workerMain() {
	defer s.workerWG.Done()
	for range s.wakeCh {
		s.mu.Lock()
		for s.wakeWhy != wakeNone {
			if s.wakeWhy&wakeExit != 0 {
				s.mu.Unlock()
				return
			}
			if s.wakeWhy&(wakeClientCmd|wakeClientRes) != 0 {
				s.wakeWhy &^= wakeClientCmd | wakeClientRes
				s.client.runDeferred(s)
			}
			if s.wakeWhy&wakeDnodeTxn != 0 {
				s.wakeWhy &^= wakeDnodeTxn
				s.dnode.runDeferred(s)
			}
		}
		s.mu.Unlock()
	}
	// The wake channel is never closed; reaching here means a broken
	// invariant and continuing risks silent corruption.
	util.LogFatal("control worker exiting unexpectedly")
}

/*
 * Shared connection-state helpers (session lock required)
 */

func (s *Session) connOfLocked(ep endpoint) net.Conn {
	switch ep {
	case endpoint(s.client):
		return s.client.conn
	case endpoint(s.dnode):
		return s.dnode.conn
	}
	util.LogFatal("unknown endpoint %q", ep.name())
	return nil
}

func (s *Session) detachLocked(ep endpoint) {
	switch ep {
	case endpoint(s.client):
		s.client.conn = nil
		s.met.ClientConnected.Set(0)
	case endpoint(s.dnode):
		s.dnode.conn = nil
		s.met.DnodeConnected.Set(0)
	}
}

// writeToClientLocked writes a packet to the client connection, accounting
// for the relayed bytes.
func (s *Session) writeToClientLocked(m packet.Message) {
	n, err := packet.WriteTo(s.client.conn, m)
	if err != nil {
		util.LogError("can't write to client: %v", err)
		s.client.conn.Close()
		return
	}
	s.met.BytesRelayed.WithLabelValues("to_client").Add(float64(n))
	util.Stats.AddRelayed(n)
}
