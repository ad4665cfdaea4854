//go:build !linux

package ipc

import (
	"fmt"
	"net"
)

// peerUID has no portable equivalent outside Linux's SO_PEERCRED; the
// IPC adapter's peer-uid enforcement is a Linux-only feature, matching
// the environments the gateway actually deploys to (see DESIGN.md).
func peerUID(conn *net.UnixConn) (uint32, error) {
	return 0, fmt.Errorf("ipc: peer uid inspection unsupported on this platform")
}
