package registry

import "golang.org/x/sys/unix"

// pipeFDs returns a pair of non-blocking file descriptors suitable for
// epoll registration in tests, standing in for a real client socket.
func pipeFDs() (r int, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

func closeFD(fd int) {
	_ = unix.Close(fd)
}
