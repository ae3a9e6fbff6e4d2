package reactor

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// listenBacklog is the fixed accept backlog spec.md §6 calls for.
const listenBacklog = 32

// listenUnix creates the broker's filesystem socket directly via
// golang.org/x/sys/unix rather than net.Listen("unix", ...): the
// standard library gives no way to control the listen backlog, and
// spec.md §6 is explicit about it (32). The raw file descriptor is
// handed to net.FileListener immediately afterward, so every
// subsequent accept/read/write goes through ordinary net.Conn — only
// the socket's creation needs the syscall layer.
func listenUnix(path string, mode os.FileMode) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reactor: removing stale socket %s: %w", path, err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("reactor: socket: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("reactor: bind %s: %w", path, err)
	}

	if err := os.Chmod(path, mode); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("reactor: chmod %s: %w", path, err)
	}

	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("reactor: listen: %w", err)
	}

	file := os.NewFile(uintptr(fd), path)
	defer file.Close()

	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("reactor: wrapping listener: %w", err)
	}
	return ln, nil
}
