// Package acquire drives a recording session directly against a data node:
// start/stop acquisition over the command stream, then copy the acquired
// board samples off the UDP data port into a storage backend.
package acquire

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/neuraldaq/acqrelay/internal/packet"
	"github.com/neuraldaq/acqrelay/internal/storage"
	"github.com/neuraldaq/acqrelay/internal/util"
)

// Register addresses understood by the data node.
const (
	AddrAcquireStart uint16 = 0x00 // val: starting board sample index
	AddrAcquireStop  uint16 = 0x01 // response val: last acquired sample index
	AddrSampleRead   uint16 = 0x02 // val: board sample index to stream
)

// ErrRemoteError is returned when the data node flags a request or sample
// as failed.
var ErrRemoteError = errors.New("data node reported an error")

const (
	dialTimeout = 5 * time.Second
	recvTimeout = 100 * time.Millisecond
)

// Client is a direct acquisition session with a data node.
type Client struct {
	conn   net.Conn
	br     *bufio.Reader
	data   *net.UDPConn
	store  storage.Store
	nextID uint16
}

// Dial connects to the data node's command port and binds the local UDP
// data port. The store must already be open.
func Dial(dnodeAddr string, dataPort int, store storage.Store) (*Client, error) {
	conn, err := net.DialTimeout("tcp", dnodeAddr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("can't connect to data node at %s: %w", dnodeAddr, err)
	}
	data, err := net.ListenUDP("udp", &net.UDPAddr{Port: dataPort})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("can't bind data port %d: %w", dataPort, err)
	}
	return &Client{
		conn:  conn,
		br:    bufio.NewReader(conn),
		data:  data,
		store: store,
	}, nil
}

// DataAddr returns the bound UDP data port address.
func (c *Client) DataAddr() net.Addr { return c.data.LocalAddr() }

// Close releases both sockets.
func (c *Client) Close() {
	if err := c.data.Close(); err != nil {
		util.LogError("unable to close data socket: %v", err)
	}
	if err := c.conn.Close(); err != nil {
		util.LogError("unable to close command/control socket: %v", err)
	}
}

// doReqRes performs one request/response exchange with matching ids.
func (c *Client) doReqRes(addr uint16, val uint32) (*packet.Command, error) {
	req := packet.NewCommand(packet.TypeRequest, 0)
	req.ID = c.nextID
	c.nextID++
	req.Addr = addr
	req.Val = val
	if _, err := packet.WriteTo(c.conn, req); err != nil {
		return nil, fmt.Errorf("sending request %d: %w", req.ID, err)
	}
	res, err := packet.ReadCommand(c.br, packet.TypeResponse)
	if err != nil {
		return nil, fmt.Errorf("awaiting response %d: %w", req.ID, err)
	}
	if res.ID != req.ID {
		return nil, fmt.Errorf("response id %d doesn't match request id %d", res.ID, req.ID)
	}
	if res.IsError() {
		return res, fmt.Errorf("%w: request %d (addr 0x%02x)", ErrRemoteError, req.ID, addr)
	}
	return res, nil
}

// StartAcquire tells the data node to begin acquiring at startIdx.
func (c *Client) StartAcquire(startIdx uint32) error {
	_, err := c.doReqRes(AddrAcquireStart, startIdx)
	return err
}

// StopAcquire halts acquisition and returns the last acquired sample index.
func (c *Client) StopAcquire() (uint32, error) {
	res, err := c.doReqRes(AddrAcquireStop, 0)
	if err != nil {
		return 0, err
	}
	return res.Val, nil
}

// RunDummySession starts and immediately stops acquisition, returning the
// index of the last sample the node acquired. Useful against a dummy data
// node to verify the command path end to end.
func (c *Client) RunDummySession(startIdx uint32) (uint32, error) {
	if err := c.StartAcquire(startIdx); err != nil {
		return 0, fmt.Errorf("can't start acquisition: %w", err)
	}
	stopIdx, err := c.StopAcquire()
	if err != nil {
		return 0, fmt.Errorf("can't stop acquisition: %w", err)
	}
	return stopIdx, nil
}

// CopyAll requests board samples one index at a time starting at startIdx
// and appends them to the store until a sample arrives with the is-last
// flag. A receive timeout retries the request; samples with unexpected
// dimensions or indexes are ignored. Returns the last stored index.
func (c *Client) CopyAll(nchips, nlines uint16, startIdx uint32) (uint32, error) {
	util.LogInfo("reading out packets")
	buf := make([]byte, 64*1024)
	sampIdx := startIdx
	for {
		if _, err := c.doReqRes(AddrSampleRead, sampIdx); err != nil {
			return sampIdx, err
		}
		bs, err := c.recvSample(buf, nchips, nlines, sampIdx)
		if err != nil {
			if errors.Is(err, errRecvTimeout) {
				continue // retry the request
			}
			return sampIdx, err
		}

		n, err := c.store.Write(bs.Samples)
		if err != nil {
			return sampIdx, fmt.Errorf("writing board sample %d (%d samples stored): %w",
				sampIdx, n, err)
		}
		if bs.IsLast() {
			util.LogInfo("that's the last packet")
			if err := c.store.Datasync(); err != nil {
				return sampIdx, fmt.Errorf("syncing sample storage: %w", err)
			}
			return sampIdx, nil
		}
		sampIdx++
	}
}

var errRecvTimeout = errors.New("sample receive timed out")

// recvSample reads datagrams until one matches the expected dimensions and
// index, the timeout expires, or the node reports an error.
func (c *Client) recvSample(buf []byte, nchips, nlines uint16, wantIdx uint32) (*packet.BatchSample, error) {
	deadline := time.Now().Add(recvTimeout)
	for {
		if err := c.data.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, _, err := c.data.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return nil, errRecvTimeout
			}
			return nil, fmt.Errorf("receiving board sample %d: %w", wantIdx, err)
		}
		msg, err := packet.Decode(buf[:n])
		if err != nil {
			util.LogWarning("ignoring malformed sample datagram: %v", err)
			continue
		}
		bs, ok := msg.(*packet.BatchSample)
		if !ok {
			util.LogWarning("ignoring non-sample packet (type 0x%02x) on data port",
				msg.Hdr().Type)
			continue
		}
		if bs.NChips != nchips || bs.NLines != nlines {
			util.LogInfo("ignoring packet with unexpected dimensions %dx%d",
				bs.NChips, bs.NLines)
			continue
		}
		if bs.Idx != wantIdx {
			continue // unexpected packet index; ignore it
		}
		if bs.IsError() {
			return nil, fmt.Errorf("%w: board sample %d (flags 0x%02x)",
				ErrRemoteError, bs.Idx, bs.Flags)
		}
		util.LogDebug("got board sample %d", bs.Idx)
		return bs, nil
	}
}
