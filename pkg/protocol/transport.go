package protocol

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// ChannelFDEnv names the environment variable that tells a worker which
// inherited file descriptor carries its channel.
const ChannelFDEnv = "CONDUCTOR_CHANNEL_FD"

// ChildFD is the descriptor number the child end lands on when it is passed
// as the first entry of exec.Cmd.ExtraFiles.
const ChildFD = 3

// SocketPair returns two connected AF_UNIX stream sockets. Both are
// close-on-exec; exec.Cmd.ExtraFiles clears that flag on the child's copy.
func SocketPair() (parent, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "conductor-parent"), os.NewFile(uintptr(fds[1]), "conductor-child"), nil
}

// FileChannel turns a socket file into a Channel. f is closed; the Channel
// owns a duplicate of it.
func FileChannel(f *os.File) (*Channel, error) {
	defer func() { _ = f.Close() }()
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("wrap channel fd: %w", err)
	}
	return NewChannel(conn), nil
}

// Pair returns both ends of a fresh in-process channel.
func Pair() (*Channel, *Channel, error) {
	a, b, err := SocketPair()
	if err != nil {
		return nil, nil, err
	}
	ca, err := FileChannel(a)
	if err != nil {
		_ = b.Close()
		return nil, nil, err
	}
	cb, err := FileChannel(b)
	if err != nil {
		_ = ca.Close()
		return nil, nil, err
	}
	return ca, cb, nil
}

// FromEnv opens the channel a worker inherited from its dispatcher.
func FromEnv() (*Channel, error) {
	raw := os.Getenv(ChannelFDEnv)
	if raw == "" {
		return nil, fmt.Errorf("%s is not set", ChannelFDEnv)
	}
	fd, err := strconv.Atoi(raw)
	if err != nil || fd < 0 {
		return nil, fmt.Errorf("invalid %s %q", ChannelFDEnv, raw)
	}
	return FileChannel(os.NewFile(uintptr(fd), "conductor-channel"))
}
