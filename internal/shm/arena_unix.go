//go:build linux

package shm

import (
	"github.com/ossrs/go-oryx-lib/errors"
	"golang.org/x/sys/unix"
)

// Arena is Memory backed by an anonymous memfd mapped MAP_SHARED. Every
// process that maps the same descriptor sees the same bytes.
type Arena struct {
	fd        int
	data      []byte
	locked    bool
	protected int
}

// Create makes a new memfd of the given size and maps it read-write.
func Create(name string, size int) (*Arena, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid arena size %d", size)
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrapf(err, "memfd_create %s", name)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrapf(err, "ftruncate %d", size)
	}
	a, err := mapFd(fd, size)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return a, nil
}

// Map maps an arena received from another process. The arena takes
// ownership of fd and closes it on Close.
func Map(fd int) (*Arena, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, errors.Wrapf(err, "fstat fd %d", fd)
	}
	if st.Size <= 0 {
		return nil, errors.Errorf("fd %d has zero size", fd)
	}
	return mapFd(fd, int(st.Size))
}

func mapFd(fd, size int) (*Arena, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap fd %d size %d", fd, size)
	}
	return &Arena{fd: fd, data: data}, nil
}

// Fd returns the memfd backing the arena.
func (a *Arena) Fd() int { return a.fd }

func (a *Arena) Size() int     { return len(a.data) }
func (a *Arena) Bytes() []byte { return a.data }

// Lock pins the mapping in RAM so the audio thread never page-faults.
func (a *Arena) Lock() error {
	if a.data == nil {
		return ErrClosed
	}
	if err := unix.Mlock(a.data); err != nil {
		return errors.Wrapf(err, "mlock %d bytes", len(a.data))
	}
	a.locked = true
	return nil
}

// Unlock releases a previous Lock.
func (a *Arena) Unlock() error {
	if !a.locked || a.data == nil {
		return nil
	}
	a.locked = false
	if err := unix.Munlock(a.data); err != nil {
		return errors.Wrapf(err, "munlock %d bytes", len(a.data))
	}
	return nil
}

// Protect makes the first prefix bytes, rounded up to a page, read-only in
// this process's mapping. Other mappings are unaffected.
func (a *Arena) Protect(prefix int) error {
	if a.data == nil {
		return ErrClosed
	}
	n := RoundUp(prefix)
	if n > len(a.data) {
		return ErrOutOfBounds
	}
	if err := unix.Mprotect(a.data[:n], unix.PROT_READ); err != nil {
		return errors.Wrapf(err, "mprotect %d bytes", n)
	}
	a.protected = n
	return nil
}

// Protected returns the size of the read-only prefix.
func (a *Arena) Protected() int { return a.protected }

// Close unmaps the arena and closes its descriptor.
func (a *Arena) Close() error {
	var err error
	if a.data != nil {
		_ = a.Unlock()
		if unmapErr := unix.Munmap(a.data); unmapErr != nil {
			err = errors.Wrapf(unmapErr, "munmap")
		}
		a.data = nil
	}
	if a.fd >= 0 {
		if closeErr := unix.Close(a.fd); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "close fd %d", a.fd)
		}
		a.fd = -1
	}
	return err
}
