//go:build linux

package ipcserver

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerEUID returns the effective UID of the process on the other end of a
// Unix-domain connection, via SO_PEERCRED.
func peerEUID(conn *net.UnixConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var cred *unix.Ucred
	var credErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	if credErr != nil {
		return -1, fmt.Errorf("SO_PEERCRED: %w", credErr)
	}
	return int(cred.Uid), nil
}
