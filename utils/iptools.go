package utils

import (
	"net"
	"time"
)

// HostPortIsAlive reports whether a TCP connection to h succeeds within two
// seconds.
func HostPortIsAlive(h string) bool {
	conn, err := net.DialTimeout("tcp", h, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
