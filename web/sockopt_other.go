//go:build !unix

package web

import "syscall"

func sockoptControl(url string) func(network, address string, c syscall.RawConn) error {
	return nil
}
