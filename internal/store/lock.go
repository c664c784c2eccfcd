package store

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"syscall"

	"github.com/example/mqtt-opcua-bridge/internal/bridgeerr"
)

// lockFile guards against two bridge processes opening the same store
// path at once. SQLite's own file locking already prevents corruption,
// but a stale second process would still contend for the single writer
// connection and mask claim failures as store-unavailable errors.
//
// The lock is a kernel-held flock(2) advisory lock rather than a plain
// O_CREATE|O_EXCL marker file: a marker file survives a kill -9 of its
// owner and would permanently refuse every future store.Open on that
// path (§6.4, §8's S6 crash-recovery scenario). flock is released by the
// kernel the instant the holding process's file descriptor table is torn
// down, crash or clean exit alike, so a killed process's lock is gone by
// the time anything can observe the still-present file on disk.
var (
	lockMu   sync.Mutex
	lockFile *os.File
)

func acquireLock(dbPath string) error {
	lockMu.Lock()
	defer lockMu.Unlock()

	if lockFile != nil {
		return bridgeerr.StoreUnavailable(fmt.Errorf("store: already locked by this process"))
	}

	path := dbPath + ".lock"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return bridgeerr.StoreUnavailable(err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			return bridgeerr.StoreUnavailable(fmt.Errorf("store: lock file %s held by another live process", path))
		}
		return bridgeerr.StoreUnavailable(err)
	}

	// Best-effort diagnostic: record the holding PID so an operator can
	// tell which process to investigate. Not consulted for correctness —
	// the flock call above is what actually excludes other processes.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
	}

	lockFile = f
	return nil
}

func releaseLock() {
	lockMu.Lock()
	defer lockMu.Unlock()

	if lockFile == nil {
		return
	}
	_ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
	_ = lockFile.Close()
	lockFile = nil
}
