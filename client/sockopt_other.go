// client/sockopt_other.go
//go:build !linux
// +build !linux

//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"net"
	"time"
)

// tuneSocket relies on the runtime defaults outside Linux.
func tuneSocket(nc net.Conn, keepIdle time.Duration) error {
	return nil
}
