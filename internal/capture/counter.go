package capture

import (
	"context"
	"net"
	"sort"
	"sync"

	"github.com/Lylelee/nsjail/internal/logger"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"
)

// PacketCounter accumulates traffic for one peer, protocol and port, seen
// from the jail: "send" leaves the session address, "receive" reaches it.
type PacketCounter struct {
	ReceiveCount int64
	ReceiveByte  int64
	SendCount    int64
	SendByte     int64
}

type flowKey struct {
	peer  string
	proto string
	port  uint16
}

// Flow is one row of the counter table.
type Flow struct {
	Peer  string
	Proto string
	Port  uint16
	PacketCounter
}

// Counters tallies IPv4 traffic of one session address per remote peer.
type Counters struct {
	local net.IP

	mu      sync.Mutex
	eth     layers.Ethernet
	ip      layers.IPv4
	tcp     layers.TCP
	udp     layers.UDP
	icmp    layers.ICMPv4
	payload gopacket.Payload
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
	flows   map[flowKey]*PacketCounter
}

// NewCounters counts traffic to and from local.
func NewCounters(local net.IP) *Counters {
	c := &Counters{
		local: local.To4(),
		flows: make(map[flowKey]*PacketCounter),
	}
	c.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&c.eth,
		&c.ip,
		&c.tcp,
		&c.udp,
		&c.icmp,
		&c.payload,
	)
	c.parser.IgnoreUnsupported = true
	return c
}

// Observe decodes one Ethernet frame. Frames that are not IPv4 or do not
// involve the local address are ignored.
func (c *Counters) Observe(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.decoded = c.decoded[:0]
	if err := c.parser.DecodeLayers(data, &c.decoded); err != nil {
		return
	}

	var (
		hasIP bool
		proto = "ip"
		src   uint16
		dst   uint16
	)
	for _, lt := range c.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			hasIP = true
		case layers.LayerTypeTCP:
			proto, src, dst = "tcp", uint16(c.tcp.SrcPort), uint16(c.tcp.DstPort)
		case layers.LayerTypeUDP:
			proto, src, dst = "udp", uint16(c.udp.SrcPort), uint16(c.udp.DstPort)
		case layers.LayerTypeICMPv4:
			proto = "icmp"
		}
	}
	if !hasIP {
		return
	}

	size := int64(len(data))
	switch {
	case c.ip.SrcIP.Equal(c.local):
		fc := c.flow(flowKey{peer: c.ip.DstIP.String(), proto: proto, port: dst})
		fc.SendCount++
		fc.SendByte += size
	case c.ip.DstIP.Equal(c.local):
		fc := c.flow(flowKey{peer: c.ip.SrcIP.String(), proto: proto, port: src})
		fc.ReceiveCount++
		fc.ReceiveByte += size
	}
}

func (c *Counters) flow(k flowKey) *PacketCounter {
	fc, ok := c.flows[k]
	if !ok {
		fc = &PacketCounter{}
		c.flows[k] = fc
	}
	return fc
}

// Flows returns a snapshot ordered by peer, protocol and port.
func (c *Counters) Flows() []Flow {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Flow, 0, len(c.flows))
	for k, v := range c.flows {
		out = append(out, Flow{Peer: k.peer, Proto: k.proto, Port: k.port, PacketCounter: *v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Peer != out[j].Peer {
			return out[i].Peer < out[j].Peer
		}
		if out[i].Proto != out[j].Proto {
			return out[i].Proto < out[j].Proto
		}
		return out[i].Port < out[j].Port
	})
	return out
}

// Log writes one line per flow.
func (c *Counters) Log(ctx context.Context) {
	for _, f := range c.Flows() {
		logger.Info(ctx, "session traffic",
			zap.String("peer", f.Peer),
			zap.String("proto", f.Proto),
			zap.Uint16("port", f.Port),
			zap.Int64("recv_packets", f.ReceiveCount),
			zap.Int64("recv_bytes", f.ReceiveByte),
			zap.Int64("send_packets", f.SendCount),
			zap.Int64("send_bytes", f.SendByte))
	}
}
