package acquire

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neuraldaq/acqrelay/internal/packet"
	"github.com/neuraldaq/acqrelay/internal/storage"
)

// memStore collects written samples in memory.
type memStore struct {
	samples []uint16
	synced  int
	failAt  int // fail any write that would exceed this count; 0 disables
}

func (m *memStore) Open() error { return nil }

func (m *memStore) Write(samples []uint16) (int, error) {
	if m.failAt > 0 && len(m.samples)+len(samples) > m.failAt {
		return 0, errors.New("disk full")
	}
	m.samples = append(m.samples, samples...)
	return len(samples), nil
}

func (m *memStore) Datasync() error {
	m.synced++
	return nil
}

func (m *memStore) Close() error { return nil }

// dnodeSim answers command requests over TCP and can push batch samples at
// the client's UDP data port.
type dnodeSim struct {
	ln        net.Listener
	t         *testing.T
	onRequest func(s *dnodeSim, req *packet.Command, conn net.Conn)
	dataAddr  atomic.Value // string, set once the client is dialed
}

func startDnodeSim(t *testing.T, onRequest func(s *dnodeSim, req *packet.Command, conn net.Conn)) *dnodeSim {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	sim := &dnodeSim{ln: ln, t: t, onRequest: onRequest}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go sim.serve(conn)
		}
	}()
	return sim
}

func (s *dnodeSim) addr() string { return s.ln.Addr().String() }

func (s *dnodeSim) serve(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	for {
		req, err := packet.ReadCommand(br, packet.TypeRequest)
		if err != nil {
			return
		}
		s.onRequest(s, req, conn)
	}
}

// sendSample fires one batch-sample datagram at the client's data port.
func (s *dnodeSim) sendSample(idx uint32, nchips, nlines uint16, flags uint8) {
	addr, _ := s.dataAddr.Load().(string)
	conn, err := net.Dial("udp", addr)
	require.NoError(s.t, err)
	defer conn.Close()

	bs, err := packet.NewBatchSample(nchips, nlines)
	require.NoError(s.t, err)
	bs.Idx = idx
	bs.Flags = flags
	for i := range bs.Samples {
		bs.Samples[i] = uint16(idx*100) + uint16(i)
	}
	_, err = packet.WriteTo(conn, bs)
	require.NoError(s.t, err)
}

func respond(req *packet.Command, conn net.Conn, val uint32, flags uint8) {
	res := packet.NewCommand(packet.TypeResponse, flags)
	res.ID = req.ID
	res.Addr = req.Addr
	res.Val = val
	packet.WriteTo(conn, res)
}

func dialTestClient(t *testing.T, sim *dnodeSim, store storage.Store) *Client {
	t.Helper()
	cl, err := Dial(sim.addr(), 0, store)
	require.NoError(t, err)
	t.Cleanup(cl.Close)
	sim.dataAddr.Store(fmt.Sprintf("127.0.0.1:%d", cl.DataAddr().(*net.UDPAddr).Port))
	return cl
}

func TestRunDummySession(t *testing.T) {
	sim := startDnodeSim(t, func(sim *dnodeSim, req *packet.Command, conn net.Conn) {
		switch req.Addr {
		case AddrAcquireStart:
			respond(req, conn, 0, 0)
		case AddrAcquireStop:
			respond(req, conn, 12345, 0)
		default:
			respond(req, conn, 0, packet.FlagError)
		}
	})
	cl := dialTestClient(t, sim, &memStore{})

	stopIdx, err := cl.RunDummySession(100)
	require.NoError(t, err)
	require.Equal(t, uint32(12345), stopIdx)
}

func TestStartAcquireRemoteError(t *testing.T) {
	sim := startDnodeSim(t, func(sim *dnodeSim, req *packet.Command, conn net.Conn) {
		respond(req, conn, 0, packet.FlagError)
	})
	cl := dialTestClient(t, sim, &memStore{})

	err := cl.StartAcquire(0)
	require.ErrorIs(t, err, ErrRemoteError)
}

func TestCopyAllStoresUntilLast(t *testing.T) {
	const nchips, nlines = 2, 3
	const lastIdx = 2

	store := &memStore{}
	sim := startDnodeSim(t, func(sim *dnodeSim, req *packet.Command, conn net.Conn) {
		if req.Addr != AddrSampleRead {
			respond(req, conn, 0, packet.FlagError)
			return
		}
		var flags uint8
		if req.Val == lastIdx {
			flags = packet.FlagIsLast
		}
		sim.sendSample(req.Val, nchips, nlines, flags)
		respond(req, conn, 0, 0)
	})
	cl := dialTestClient(t, sim, store)

	got, err := cl.CopyAll(nchips, nlines, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(lastIdx), got)
	require.Len(t, store.samples, (lastIdx+1)*nchips*nlines)
	require.Equal(t, 1, store.synced, "storage must be synced after the last sample")

	// First words of each stored board sample follow the sender's pattern.
	require.Equal(t, uint16(0), store.samples[0])
	require.Equal(t, uint16(100), store.samples[nchips*nlines])
	require.Equal(t, uint16(200), store.samples[2*nchips*nlines])
}

func TestCopyAllRetriesOnTimeoutAndSkipsJunk(t *testing.T) {
	const nchips, nlines = 1, 2

	store := &memStore{}
	var attempts atomic.Int32
	sim := startDnodeSim(t, func(sim *dnodeSim, req *packet.Command, conn net.Conn) {
		if req.Addr != AddrSampleRead {
			respond(req, conn, 0, packet.FlagError)
			return
		}
		switch attempts.Add(1) {
		case 1:
			// No sample at all: the client must time out and re-request.
		case 2:
			// Wrong dimensions, then wrong index, then the real thing.
			sim.sendSample(req.Val, 5, 5, 0)
			sim.sendSample(req.Val+9, nchips, nlines, 0)
			sim.sendSample(req.Val, nchips, nlines, packet.FlagIsLast)
		}
		respond(req, conn, 0, 0)
	})
	cl := dialTestClient(t, sim, store)

	got, err := cl.CopyAll(nchips, nlines, 7)
	require.NoError(t, err)
	require.Equal(t, uint32(7), got)
	require.Len(t, store.samples, nchips*nlines)
	require.Equal(t, int32(2), attempts.Load())
}

func TestCopyAllSampleErrorFlag(t *testing.T) {
	const nchips, nlines = 1, 1

	sim := startDnodeSim(t, func(sim *dnodeSim, req *packet.Command, conn net.Conn) {
		sim.sendSample(req.Val, nchips, nlines, packet.FlagError)
		respond(req, conn, 0, 0)
	})
	cl := dialTestClient(t, sim, &memStore{})

	_, err := cl.CopyAll(nchips, nlines, 0)
	require.ErrorIs(t, err, ErrRemoteError)
}

func TestCopyAllStoreFailure(t *testing.T) {
	const nchips, nlines = 2, 2

	store := &memStore{failAt: nchips * nlines}
	sim := startDnodeSim(t, func(sim *dnodeSim, req *packet.Command, conn net.Conn) {
		sim.sendSample(req.Val, nchips, nlines, 0)
		respond(req, conn, 0, 0)
	})
	cl := dialTestClient(t, sim, store)

	_, err := cl.CopyAll(nchips, nlines, 0)
	require.Error(t, err)
}

func TestDialFailsWithoutDnode(t *testing.T) {
	_, err := Dial("127.0.0.1:1", 0, &memStore{})
	require.Error(t, err)
}
