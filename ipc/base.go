// Package ipc provides the naming conventions and shared-memory/FIFO
// primitives used by engine, launcher and function-worker processes to
// talk to each other on one machine.
package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
)

var rootPathForIpc = "/dev/shm/faas_ipc"

// SetRootPathForIpc overrides the base directory under which all named
// pipes, sockets and shm-backed files are created. Tests use a tmp dir.
func SetRootPathForIpc(path string) {
	rootPathForIpc = path
}

func RootPathForIpc() string {
	return rootPathForIpc
}

func GetEngineUnixSocketPath() string {
	return filepath.Join(rootPathForIpc, "engine.sock")
}

func GetFuncWorkerInputFifoName(clientId uint16) string {
	return fmt.Sprintf("worker_%d_input", clientId)
}

func GetFuncWorkerOutputFifoName(clientId uint16) string {
	return fmt.Sprintf("worker_%d_output", clientId)
}

func GetFuncCallInputShmName(fullCallId uint64) string {
	return fmt.Sprintf("call_%d_input", fullCallId)
}

func GetFuncCallOutputShmName(fullCallId uint64) string {
	return fmt.Sprintf("call_%d_output", fullCallId)
}

func GetFuncCallOutputFifoName(fullCallId uint64) string {
	return fmt.Sprintf("call_%d_output", fullCallId)
}

func GetSharedLogRespShmName(localId uint64) string {
	return fmt.Sprintf("slog_%d_resp", localId)
}

func shmPath(name string) string {
	return filepath.Join(rootPathForIpc, name)
}

func fifoPath(name string) string {
	return filepath.Join(rootPathForIpc, name)
}

// FifoCreate creates a named pipe at name under the ipc root, ignoring
// EEXIST so repeated handshakes don't fail.
func FifoCreate(name string) error {
	path := fifoPath(name)
	if err := syscall.Mkfifo(path, 0660); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "mkfifo %s failed", path)
	}
	return nil
}

func FifoRemove(name string) error {
	path := fifoPath(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove fifo %s failed", path)
	}
	return nil
}

func FifoOpenForRead(name string, nonBlocking bool) (*os.File, error) {
	flag := os.O_RDONLY
	if nonBlocking {
		flag |= syscall.O_NONBLOCK
	}
	f, err := os.OpenFile(fifoPath(name), flag, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open fifo %s for read failed", name)
	}
	return f, nil
}

func FifoOpenForWrite(name string, nonBlocking bool) (*os.File, error) {
	flag := os.O_WRONLY
	if nonBlocking {
		flag |= syscall.O_NONBLOCK
	}
	f, err := os.OpenFile(fifoPath(name), flag, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open fifo %s for write failed", name)
	}
	return f, nil
}

// FifoOpenForReadWrite opens a fifo O_RDWR so the opener never blocks
// waiting on a peer, mirroring func_worker.go's fifo handling for the
// client side of a pipe it doesn't control the other end's lifetime of.
func FifoOpenForReadWrite(name string) (*os.File, error) {
	f, err := os.OpenFile(fifoPath(name), os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open fifo %s for read-write failed", name)
	}
	return f, nil
}
