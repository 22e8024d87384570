package storage

import (
	"os"
	"path/filepath"
	"syscall"
)

const lockFileName = "kvstore.lock"

// dirLock is an exclusive, advisory lock on a data directory, held for the
// entire lifetime of an open Engine so a second process can never open the
// same directory concurrently. Unlike the reference implementation (which
// let the lock's file handle fall out of scope and be released by the
// finalizer almost immediately), the handle here is retained by the caller
// for as long as the engine stays open.
type dirLock struct {
	file *os.File
}

// acquireDirLock opens (creating if necessary) dir/kvstore.lock and takes a
// non-blocking exclusive flock on it. It fails with a LockedErr if another
// process already holds the lock.
func acquireDirLock(dir string) (*dirLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, ErrIO("create data directory", err)
	}

	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, ErrIO("open lock file", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, ErrLocked(dir)
	}
	return &dirLock{file: f}, nil
}

// Release drops the flock and closes the lock file handle.
func (l *dirLock) Release() error {
	if l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		l.file.Close()
		return ErrIO("unlock data directory", err)
	}
	return l.file.Close()
}
