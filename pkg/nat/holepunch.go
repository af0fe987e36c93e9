package nat

import (
	"net"
	"sync/atomic"
	"time"
)

// HolePunchMetrics records the outcome of a single PunchHole call.
type HolePunchMetrics struct {
	Attempts uint64
	Sent     uint64
}

// PunchHole fires a short burst of UDP datagrams at remote over conn to
// open (or refresh) a NAT binding before the reliable session begins.
// It does not wait for or require a response: the actual connection is
// established afterward by network.Handler.Begin, which re-binds and
// exchanges keepalive Pings. A single lost burst here is not fatal — the
// keepalive pump will eventually find the opened hole.
func PunchHole(conn *net.UDPConn, remote *net.UDPAddr, attempts int, interval time.Duration) HolePunchMetrics {
	var m HolePunchMetrics
	msg := []byte("punch")
	for i := 0; i < attempts; i++ {
		atomic.AddUint64(&m.Attempts, 1)
		if _, err := conn.WriteToUDP(msg, remote); err == nil {
			atomic.AddUint64(&m.Sent, 1)
		}
		if i < attempts-1 {
			time.Sleep(interval)
		}
	}
	return m
}
