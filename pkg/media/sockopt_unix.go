//go:build unix

package media

import (
	"net"

	"golang.org/x/sys/unix"
)

// setDSCP выставляет DSCP в старших битах TOS
func setDSCP(conn *net.UDPConn, dscp int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	tos := dscp << 2
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos); sockErr != nil {
			return
		}
		// для IPv4 сокета ошибка IPV6_TCLASS ожидаема
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	})
	if err != nil {
		return err
	}
	return sockErr
}
