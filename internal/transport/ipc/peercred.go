//go:build linux

package ipc

import (
	"fmt"
	"net"
	"syscall"
)

// peerUID extracts the connecting process's UID via SO_PEERCRED, the
// kernel-enforced credential a Unix domain socket peer cannot spoof.
// Linux-specific and stdlib-only by necessity: no pack dependency
// offers peer-credential inspection (see DESIGN.md).
func peerUID(conn *net.UnixConn) (uint32, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("ipc: syscall conn: %w", err)
	}

	var ucred *syscall.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		ucred, sockErr = syscall.GetsockoptUcred(int(fd), syscall.SOL_SOCKET, syscall.SO_PEERCRED)
	})
	if err != nil {
		return 0, fmt.Errorf("ipc: control: %w", err)
	}
	if sockErr != nil {
		return 0, fmt.Errorf("ipc: getsockopt SO_PEERCRED: %w", sockErr)
	}
	return ucred.Uid, nil
}
