package session

import (
	"net"

	"github.com/neuraldaq/acqrelay/internal/packet"
	"github.com/neuraldaq/acqrelay/internal/util"
)

// Batch samples for a full board (32 chips x 32 lines) fit well inside one
// datagram; 64 KiB covers any dimensions the codec accepts over UDP.
const sampleBufSize = 64 * 1024

// SubscribeSamples registers addr as the sample forwarding target and
// starts a fresh sample run.
func (s *Session) SubscribeSamples(addr *net.UDPAddr) {
	s.mu.Lock()
	s.fwdAddr = addr
	s.sampleDone = false
	s.mu.Unlock()
	util.LogInfo("forwarding batch samples to %s", addr)
}

// UnsubscribeSamples removes the forwarding target; samples are dropped
// again until somebody subscribes.
func (s *Session) UnsubscribeSamples() {
	s.mu.Lock()
	s.fwdAddr = nil
	s.mu.Unlock()
}

// SetSampleTap installs a callback observing every in-sequence batch sample,
// subscribed client or not. Used by the monitor's live feed.
func (s *Session) SetSampleTap(fn func(*packet.BatchSample)) {
	s.mu.Lock()
	s.sampleTap = fn
	s.mu.Unlock()
}

// sampleLoop reads batch-sample datagrams and forwards them best-effort.
// No retransmission, no reordering: a sample nobody wants is dropped.
func (s *Session) sampleLoop() {
	defer s.readers.Done()
	buf := make([]byte, sampleBufSize)
	for {
		n, _, err := s.sampleConn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed during teardown
		}
		msg, err := packet.Decode(buf[:n])
		if err != nil {
			util.LogWarning("dropping malformed sample datagram: %v", err)
			s.met.SamplesDropped.WithLabelValues("malformed").Inc()
			util.Stats.DropSample()
			continue
		}
		bs, ok := msg.(*packet.BatchSample)
		if !ok {
			util.LogWarning("dropping non-sample packet (type 0x%02x) on sample socket",
				msg.Hdr().Type)
			s.met.SamplesDropped.WithLabelValues("wrong_type").Inc()
			util.Stats.DropSample()
			continue
		}
		s.forwardSample(bs)
	}
}

// forwardSample relays one batch sample to the subscriber, honoring the
// is-last flag: once a run is terminated, anything that still arrives is
// out of sequence and ignored.
func (s *Session) forwardSample(bs *packet.BatchSample) {
	s.mu.Lock()
	if s.sampleDone {
		s.mu.Unlock()
		util.LogWarning("ignoring batch sample %d after end of run", bs.Idx)
		s.met.SamplesDropped.WithLabelValues("stale").Inc()
		util.Stats.DropSample()
		return
	}
	if bs.IsLast() {
		s.sampleDone = true
		util.LogInfo("batch sample %d is the last of the run", bs.Idx)
	}
	tap := s.sampleTap
	fwd := s.fwdAddr
	s.mu.Unlock()

	if tap != nil {
		tap(bs)
	}
	if fwd == nil {
		util.LogDebug("received batch sample %d, but no one wants it; dropping", bs.Idx)
		s.met.SamplesDropped.WithLabelValues("no_subscriber").Inc()
		util.Stats.DropSample()
		return
	}
	wire, err := packet.Encode(bs)
	if err != nil {
		util.LogError("can't encode batch sample %d: %v", bs.Idx, err)
		return
	}
	if _, err := s.sampleConn.WriteToUDP(wire, fwd); err != nil {
		util.LogWarning("can't forward batch sample %d to %s: %v", bs.Idx, fwd, err)
		s.met.SamplesDropped.WithLabelValues("send_error").Inc()
		util.Stats.DropSample()
		return
	}
	s.met.SamplesForwarded.Inc()
	util.Stats.ForwardSample()
	util.Stats.AddRelayed(len(wire))
}
