package ipc

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// ShmRegion is a memory-mapped region backed by a regular file under the
// ipc root (typically a tmpfs mount such as /dev/shm). No POSIX shm_open
// binding exists anywhere in the retrieved dependency pack, so this is
// implemented directly on os.File + syscall.Mmap.
type ShmRegion struct {
	file *os.File
	data []byte
}

// ShmCreate creates (or truncates) a shm-backed region of the given size
// and maps it read-write.
func ShmCreate(name string, size int64) (*ShmRegion, error) {
	path := shmPath(name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0660)
	if err != nil {
		return nil, errors.Wrapf(err, "create shm region %s failed", name)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "truncate shm region %s failed", name)
	}
	return mapShmFile(f, int(size))
}

// ShmOpen opens an existing shm-backed region read-write, mapping its
// current full size.
func ShmOpen(name string) (*ShmRegion, error) {
	path := shmPath(name)
	f, err := os.OpenFile(path, os.O_RDWR, 0660)
	if err != nil {
		return nil, errors.Wrapf(err, "open shm region %s failed", name)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat shm region %s failed", name)
	}
	return mapShmFile(f, int(info.Size()))
}

func mapShmFile(f *os.File, size int) (*ShmRegion, error) {
	if size == 0 {
		return &ShmRegion{file: f, data: nil}, nil
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "mmap shm region failed")
	}
	return &ShmRegion{file: f, data: data}, nil
}

func (r *ShmRegion) Data() []byte {
	return r.data
}

func (r *ShmRegion) Close() error {
	var err error
	if r.data != nil {
		if e := syscall.Munmap(r.data); e != nil {
			err = errors.Wrap(e, "munmap failed")
		}
		r.data = nil
	}
	if e := r.file.Close(); e != nil && err == nil {
		err = errors.Wrap(e, "close shm file failed")
	}
	return err
}

// ShmRemove unlinks the backing file. Call after both peers have closed
// their mappings.
func ShmRemove(name string) error {
	path := shmPath(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove shm region %s failed", name)
	}
	return nil
}
