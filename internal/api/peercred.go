package api

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

var (
	// ErrPIDMismatch is returned when a caller asks for access on behalf of
	// another process without being root.
	ErrPIDMismatch = errors.New("api: pid does not match peer")

	errNoPeerCred = errors.New("api: connection carries no peer credentials")
)

// peerCredentials reads SO_PEERCRED from a unix connection. Other
// connection types report errNoPeerCred.
func peerCredentials(conn net.Conn) (*unix.Ucred, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, errNoPeerCred
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("peer credentials: %w", err)
	}
	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, fmt.Errorf("peer credentials: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("peer credentials: %w", credErr)
	}
	return cred, nil
}

// grantPID decides which process a grant covers. Zero means the caller
// itself. Only root may name a different process. Without credentials the
// requested pid is taken as given.
func grantPID(requested int32, cred *unix.Ucred) (int32, error) {
	switch {
	case cred == nil:
		return requested, nil
	case requested == 0:
		return cred.Pid, nil
	case requested == cred.Pid, cred.Uid == 0:
		return requested, nil
	}
	return 0, fmt.Errorf("%w: pid %d requested by pid %d (uid %d)", ErrPIDMismatch, requested, cred.Pid, cred.Uid)
}
