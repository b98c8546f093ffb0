//go:build linux

package resource

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Mapping is a read-only, private memory map of a whole file. The descriptor used to create
// it is closed immediately; the mapping stays valid until Release.
type Mapping struct {
	path string
	data []byte
	info Info
}

func mapFile(p string, info Info) (*Mapping, error) {
	m := &Mapping{path: p, info: info}
	if info.Size == 0 {
		return m, nil
	}

	fd, err := unix.Open(p, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", p)
	}
	data, err := unix.Mmap(fd, 0, int(info.Size), unix.PROT_READ, unix.MAP_PRIVATE)
	closeErr := unix.Close(fd)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s", p)
	}
	if closeErr != nil {
		_ = unix.Munmap(data)
		return nil, errors.Wrapf(closeErr, "close %s", p)
	}
	m.data = data
	return m, nil
}

// Bytes returns the mapped file contents. The slice must not be used after Release.
func (m *Mapping) Bytes() []byte {
	return m.data
}

func (m *Mapping) Len() int {
	return int(m.info.Size)
}

func (m *Mapping) Info() Info {
	return m.info
}

func (m *Mapping) Path() string {
	return m.path
}

// Release unmaps the file. It is safe to call more than once.
func (m *Mapping) Release() error {
	if m == nil || m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return errors.Wrapf(unix.Munmap(data), "munmap %s", m.path)
}
