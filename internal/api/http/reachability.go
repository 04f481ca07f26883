package http

import (
	"context"
	"net"
	"time"
)

// DialReachability returns a ReachabilityFunc that succeeds when a TCP
// connection to addr can be opened within timeout. An empty addr disables
// the check.
func DialReachability(addr string, timeout time.Duration) ReachabilityFunc {
	if addr == "" {
		return nil
	}
	return func(ctx context.Context) bool {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}
