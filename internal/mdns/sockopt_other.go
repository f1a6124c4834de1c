//go:build !linux

package mdns

import "syscall"

func reusePortControl(network, address string, c syscall.RawConn) error {
	return nil
}
