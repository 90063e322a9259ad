//go:build linux

package mgmt

import (
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	readTimeoutMs  = 1000
	pollErrorMask  = int16(unix.POLLHUP | unix.POLLNVAL | unix.POLLERR)
	pollDataInMask = int16(unix.POLLIN)
)

// Socket is the management control channel: a raw HCI socket bound to
// HCI_CHANNEL_CONTROL with no controller attached. Reads poll with a
// bounded timeout so a closed socket is noticed promptly.
type Socket struct {
	fd   int
	rmu  sync.Mutex
	wmu  sync.Mutex
	cmu  sync.Mutex
	done chan struct{}
}

// NewSocket opens the management control channel.
func NewSocket() (*Socket, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW, unix.BTPROTO_HCI)
	if err != nil {
		return nil, err
	}

	sa := unix.SockaddrHCI{Dev: IndexNone, Channel: unix.HCI_CHANNEL_CONTROL}
	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return nil, err
	}

	// Drain anything already queued on the channel before handing the
	// socket over to the reader.
	pfds := []unix.PollFd{{Fd: int32(fd), Events: pollDataInMask}}
	unix.Poll(pfds, 20)
	if pfds[0].Revents&pollDataInMask != 0 {
		b := make([]byte, 512)
		unix.Read(fd, b)
	}

	return &Socket{fd: fd, done: make(chan struct{})}, nil
}

// Read reads one management packet. It returns (0, nil) when no data
// arrived within the poll timeout.
func (s *Socket) Read(p []byte) (int, error) {
	if !s.isOpen() {
		return 0, io.EOF
	}

	s.rmu.Lock()
	defer s.rmu.Unlock()

	pfds := []unix.PollFd{{Fd: int32(s.fd), Events: pollDataInMask}}
	unix.Poll(pfds, readTimeoutMs)
	evts := pfds[0].Revents

	switch {
	case evts&pollErrorMask != 0:
		return 0, io.EOF

	case evts&pollDataInMask != 0:
		n, err := unix.Read(s.fd, p)
		if !s.isOpen() {
			return 0, io.EOF
		}

		return n, err

	default:
		return 0, nil
	}
}

// Write writes one management packet.
func (s *Socket) Write(p []byte) (int, error) {
	if !s.isOpen() {
		return 0, io.EOF
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	return unix.Write(s.fd, p)
}

// Close closes the socket. Safe to call more than once.
func (s *Socket) Close() error {
	s.cmu.Lock()
	defer s.cmu.Unlock()

	select {
	case <-s.done:
		return nil

	default:
		close(s.done)
		s.rmu.Lock()
		err := unix.Close(s.fd)
		s.rmu.Unlock()

		return err
	}
}

func (s *Socket) isOpen() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}
