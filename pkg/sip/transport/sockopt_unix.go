//go:build unix

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// control применяет опции сокета из Config до bind
func control(cfg *Config) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			if cfg.ReuseAddr {
				if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
					return
				}
			}
			// размеры буферов ядро может урезать, ошибки здесь не критичны
			if cfg.ReadBufferSize > 0 {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.ReadBufferSize)
			}
			if cfg.WriteBufferSize > 0 {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.WriteBufferSize)
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
