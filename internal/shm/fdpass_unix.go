//go:build linux

package shm

import (
	"net"

	"github.com/ossrs/go-oryx-lib/errors"
	"golang.org/x/sys/unix"
)

// SendFd writes payload with fd attached as SCM_RIGHTS ancillary data.
// payload must not be empty; some kernels drop ancillary data on empty
// writes.
func SendFd(conn *net.UnixConn, fd int, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte{0}
	}
	n, oobn, err := conn.WriteMsgUnix(payload, unix.UnixRights(fd), nil)
	if err != nil {
		return errors.Wrapf(err, "send fd %d", fd)
	}
	if n != len(payload) || oobn == 0 {
		return errors.Errorf("short fd write %d/%d oob=%d", n, len(payload), oobn)
	}
	return nil
}

// ReceiveFd reads one message into buf and returns the descriptor that
// came with it and the payload length. Extra descriptors are closed.
func ReceiveFd(conn *net.UnixConn, buf []byte) (int, int, error) {
	oob := make([]byte, unix.CmsgSpace(4*4))
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return -1, 0, errors.Wrapf(err, "receive fd")
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, n, errors.Wrapf(err, "parse control message")
	}
	fd := -1
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		for _, f := range fds {
			if fd < 0 {
				fd = f
				continue
			}
			_ = unix.Close(f)
		}
	}
	if fd < 0 {
		return -1, n, errors.New("no descriptor in message")
	}
	return fd, n, nil
}
