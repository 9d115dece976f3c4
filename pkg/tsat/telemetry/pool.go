package telemetry

import (
	"sync"

	"github.com/pion/rtp"
)

// packetPool reuses rtp.Packet values across received frames.
var packetPool = sync.Pool{
	New: func() any {
		return &rtp.Packet{}
	},
}

func getPacket() *rtp.Packet {
	return packetPool.Get().(*rtp.Packet)
}

// putPacket clears pkt so it does not retain the caller's buffer.
func putPacket(pkt *rtp.Packet) {
	*pkt = rtp.Packet{}
	packetPool.Put(pkt)
}
