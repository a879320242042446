package monitor

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/neuraldaq/acqrelay/internal/packet"
	"github.com/neuraldaq/acqrelay/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feedBufferSize is the per-subscriber outbox capacity. A slow subscriber
// loses samples rather than stalling the stream, matching the UDP path's
// drop-on-no-subscriber policy.
const feedBufferSize = 16

// sampleEvent is the JSON shape pushed to feed subscribers.
type sampleEvent struct {
	Idx     uint32   `json:"idx"`
	NChips  uint16   `json:"nchips"`
	NLines  uint16   `json:"nlines"`
	Last    bool     `json:"last"`
	Samples []uint16 `json:"samples"`
}

// hub fans batch samples out to WebSocket subscribers.
type hub struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[chan []byte]struct{})}
}

// broadcast encodes one batch sample and offers it to every subscriber,
// dropping it for any whose outbox is full.
func (h *hub) broadcast(bs *packet.BatchSample) {
	ev := sampleEvent{
		Idx:     bs.Idx,
		NChips:  bs.NChips,
		NLines:  bs.NLines,
		Last:    bs.IsLast(),
		Samples: bs.Samples,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		util.LogError("can't encode sample event: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub <- data:
		default:
			util.LogDebug("feed subscriber too slow; dropping sample %d", bs.Idx)
		}
	}
}

func (h *hub) register() chan []byte {
	ch := make(chan []byte, feedBufferSize)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// unregister removes and closes a subscriber outbox. Closing under the lock
// keeps broadcast from sending on a closed channel; the presence check makes
// it safe to call from both the reader and writer loops.
func (h *hub) unregister(ch chan []byte) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// closeAll drops every subscriber outbox; their writer loops exit on the
// closed channel.
func (h *hub) closeAll() {
	h.mu.Lock()
	for sub := range h.subs {
		close(sub)
		delete(h.subs, sub)
	}
	h.mu.Unlock()
}

// handleWS upgrades the connection and pumps sample events until either
// side goes away.
func (h *hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	outbox := h.register()

	// Reader loop: we accept no input, but reads detect the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister(outbox)
				conn.Close()
				return
			}
		}
	}()

	for data := range outbox {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.unregister(outbox)
			conn.Close()
			return
		}
	}
	conn.Close()
}
