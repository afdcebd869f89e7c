//go:build !unix

package transport

import "syscall"

// control на прочих платформах оставляет системные опции сокета
func control(*Config) func(network, address string, c syscall.RawConn) error {
	return nil
}
