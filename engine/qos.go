package engine

import (
	"net"

	"golang.org/x/net/ipv4"
)

// lowLatencyDSCP is the DiffServ code point applied to every path's
// egress socket. Expressed here as the raw TOS byte (DSCP in the upper 6
// bits, ECN left at 0) since ipv4.Conn.SetTOS takes the whole byte.
const lowLatencyDSCP = 0x2E << 2 // DSCP 46, EF: the low-latency expedited forwarding class

// markEgress applies a low-latency DSCP marking to a path's socket so
// intermediate routers that honor DSCP prioritize SRTLA traffic over best
// effort. Every path gets the same marking today; spec §9 leaves room for
// varying it by weight in the future, which is why this is centralized
// here rather than inlined at each call site.
func markEgress(conn *net.UDPConn) error {
	return ipv4.NewConn(conn).SetTOS(lowLatencyDSCP)
}
