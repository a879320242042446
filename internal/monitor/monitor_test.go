package monitor

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/neuraldaq/acqrelay/internal/metrics"
	"github.com/neuraldaq/acqrelay/internal/packet"
	"github.com/neuraldaq/acqrelay/internal/session"
)

// startMonitored brings up a session against a throwaway data node plus a
// monitor bound to a random port, and returns the monitor's base URL.
func startMonitored(t *testing.T) (*session.Session, *Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			// Hold the control connection open; these tests never use it.
			go func() { io.Copy(io.Discard, conn) }()
		}
	}()

	met := metrics.New()
	sess, err := session.New(session.Options{
		ClientPort: 0,
		DnodeAddr:  ln.Addr().String(),
		SamplePort: 0,
		Metrics:    met,
	})
	require.NoError(t, err)
	t.Cleanup(sess.Close)

	srv := New(sess, met)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(srv.Close)

	return sess, srv, fmt.Sprintf("http://%s", srv.Addr())
}

func TestHealthzReportsSessionState(t *testing.T) {
	_, _, base := startMonitored(t)

	res, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "application/json", res.Header.Get("Content-Type"))

	var snap session.Snapshot
	require.NoError(t, json.NewDecoder(res.Body).Decode(&snap))
	require.True(t, snap.DnodeConnected)
	require.False(t, snap.ClientConnected)
	require.Zero(t, snap.PendingTxns)
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, base := startMonitored(t)

	res, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "acqrelay_conn_dnode_connected 1")
}

func TestSampleFeedOverWebSocket(t *testing.T) {
	sess, _, base := startMonitored(t)

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws"
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if res != nil {
		res.Body.Close()
	}
	defer conn.Close()

	// Push a sample through the session's UDP intake and expect it on the
	// feed even with no UDP subscriber.
	udpAddr := sess.SampleAddr().(*net.UDPAddr)
	sender, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", udpAddr.Port))
	require.NoError(t, err)
	defer sender.Close()

	bs, err := packet.NewBatchSample(1, 2)
	require.NoError(t, err)
	bs.Idx = 9
	bs.Samples[0], bs.Samples[1] = 11, 22

	// UDP delivery is best effort; resend until the feed produces an event.
	deadline := time.Now().Add(2 * time.Second)
	var ev sampleEvent
	for {
		_, err = packet.WriteTo(sender, bs)
		require.NoError(t, err)

		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		_, data, err := conn.ReadMessage()
		if err == nil {
			require.NoError(t, json.Unmarshal(data, &ev))
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no sample event on the feed: %v", err)
		}
	}

	require.Equal(t, uint32(9), ev.Idx)
	require.Equal(t, uint16(1), ev.NChips)
	require.Equal(t, uint16(2), ev.NLines)
	require.False(t, ev.Last)
	require.Equal(t, []uint16{11, 22}, ev.Samples)

	// Now terminate the run; a terminal event shows up on the feed (possibly
	// after duplicates of the resent sample above).
	bs.Idx = 10
	bs.Flags = packet.FlagIsLast
	_, err = packet.WriteTo(sender, bs)
	require.NoError(t, err)
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "no terminal sample event on the feed")
		require.NoError(t, json.Unmarshal(data, &ev))
		if ev.Last {
			require.Equal(t, uint32(10), ev.Idx)
			return
		}
	}
}

func TestHubDropsSlowAndDepartedSubscribers(t *testing.T) {
	h := newHub()
	ch := h.register()

	bs, err := packet.NewBatchSample(1, 1)
	require.NoError(t, err)

	// Overfill the outbox; extra samples are dropped, never blocking.
	for i := 0; i < feedBufferSize+5; i++ {
		bs.Idx = uint32(i)
		h.broadcast(bs)
	}
	require.Len(t, ch, feedBufferSize)

	h.unregister(ch)
	h.unregister(ch) // double unregister is harmless
	_, open := <-drain(ch)
	require.False(t, open, "outbox must be closed after unregister")

	// Broadcasting with no subscribers is a no-op.
	h.broadcast(bs)
}

// drain consumes buffered items and returns the channel for the final
// closed-state receive.
func drain(ch chan []byte) chan []byte {
	for len(ch) > 0 {
		<-ch
	}
	return ch
}

func TestStartFailsOnBadAddress(t *testing.T) {
	sess, _, _ := startMonitored(t)
	srv := New(sess, metrics.New())
	defer srv.Close()
	require.Error(t, srv.Start("256.256.256.256:1"))
}
