//go:build !unix

package media

import "net"

func setDSCP(*net.UDPConn, int) error { return nil }
