package wsshare

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/sammck-go/wshandshake/pkg/logger"
	"go.uber.org/multierr"
)

// unixAddrPrefix marks a listen address as a unix domain socket path
const unixAddrPrefix = "unix:"

// Listen binds addr. "unix:/path" listens on a locked unix domain socket;
// anything else is a TCP host:port.
func Listen(lg logger.Logger, addr string) (net.Listener, error) {
	if network, address := splitNetAddr(addr); network == "unix" {
		return NewLockedUnixSocketListener(lg, address)
	}
	return net.Listen("tcp", addr)
}

// splitNetAddr returns the network and address to dial for addr
func splitNetAddr(addr string) (network string, address string) {
	if path, ok := strings.CutPrefix(addr, unixAddrPrefix); ok {
		return "unix", path
	}
	return "tcp", addr
}

// LockedUnixSocketListener listens on a unix domain socket while holding a
// flock on a parallel ".lock" file. A second listener on the same path
// fails, but a socket file orphaned by a dead process is replaced.
type LockedUnixSocketListener struct {
	logger.Logger
	path      string
	lockPath  string
	lockFile  *os.File
	listener  net.Listener
	closeOnce sync.Once
	closeErr  error
}

// NewLockedUnixSocketListener locks path+".lock", removes a stale socket
// at path if there is one, and listens on path
func NewLockedUnixSocketListener(lg logger.Logger, path string) (*LockedUnixSocketListener, error) {
	l := &LockedUnixSocketListener{
		Logger: lg.ForkLog("unix(%q)", path),
	}
	if path == "" {
		return nil, l.Errorf("Empty unix domain socket path")
	}
	abspath, err := filepath.Abs(path)
	if err != nil {
		return nil, l.Errorf("Invalid unix domain socket path: %s", err)
	}
	l.path = abspath
	l.lockPath = abspath + ".lock"

	info, err := os.Stat(abspath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, l.Errorf("Could not stat %q: %s", abspath, err)
	}
	if info != nil && info.Mode()&os.ModeSocket == 0 {
		return nil, l.Errorf("%q exists and is not a unix domain socket", abspath)
	}

	lockFile, err := os.OpenFile(l.lockPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, l.Errorf("Unable to open lockfile: %s", err)
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lockFile.Close()
		return nil, l.Errorf("Unix domain socket in use (%q is locked): %s", l.lockPath, err)
	}
	l.lockFile = lockFile

	if info != nil {
		l.DLogf("Removing orphaned socket")
		if err := os.Remove(abspath); err != nil {
			l.Close()
			return nil, l.Errorf("Unable to remove orphaned socket: %s", err)
		}
	}

	l.listener, err = net.Listen("unix", abspath)
	if err != nil {
		l.Close()
		return nil, l.Errorf("Listen failed: %s", err)
	}
	l.DLogf("Listening")
	return l, nil
}

// Accept implements net.Listener
func (l *LockedUnixSocketListener) Accept() (net.Conn, error) {
	return l.listener.Accept()
}

// Addr implements net.Listener
func (l *LockedUnixSocketListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close closes the socket, then removes and unlocks the lockfile
func (l *LockedUnixSocketListener) Close() error {
	l.closeOnce.Do(func() {
		if l.listener != nil {
			l.closeErr = l.listener.Close()
		}
		if l.lockFile != nil {
			// Removed while still held, so the next listener can claim a
			// fresh lockfile straight away.
			os.Remove(l.lockPath)
			l.closeErr = multierr.Append(l.closeErr, syscall.Flock(int(l.lockFile.Fd()), syscall.LOCK_UN))
			l.closeErr = multierr.Append(l.closeErr, l.lockFile.Close())
		}
	})
	return l.closeErr
}

func (l *LockedUnixSocketListener) String() string {
	return l.Prefix()
}
