// Package ipcsem wraps the two SysV semaphore sets used to coordinate the
// shadow writer daemon with the readers attached to it: a one-semaphore
// private set tracking daemon liveness, and a two-semaphore public set
// tracking reader presence and serializing access to the "current"
// pointer file. No example in the reference pack wraps SysV semaphores,
// so this talks to the kernel directly through golang.org/x/sys/unix's
// raw syscall numbers.
package ipcsem

import (
	"context"
	"errors"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Well-known SysV IPC keys. PrivateKey tracks "is a daemon running"; the
// public key immediately above it tracks reader presence.
const (
	PublicKey  = 1071980
	PrivateKey = PublicKey - 1

	// NTotal is the public reader-presence semaphore's initial value: the
	// ceiling on concurrent readers. Daemon observes value == NTotal to
	// mean "no readers attached".
	NTotal = 100
)

var (
	ErrTimeout = errors.New("ipcsem: timed out waiting for semaphore")
)

// Set is a handle to one SysV semaphore set.
type Set struct {
	id int
}

const (
	ipcCreat  = 0o1000
	ipcExcl   = 0o2000
	semUndo   = 0x1000
	getval    = 12
	setval    = 16
)

// GetOrCreate returns the semaphore set for key, creating it with nsems
// semaphores at the given mode if it does not already exist. The bool
// result reports whether this call created the set.
func GetOrCreate(key int, nsems int, mode uint32) (Set, bool, error) {
	id, _, errno := unix.Syscall(unix.SYS_SEMGET, uintptr(key), uintptr(nsems), uintptr(int(mode)|ipcCreat|ipcExcl))
	if errno == 0 {
		return Set{id: int(id)}, true, nil
	}
	if errno != unix.EEXIST {
		return Set{}, false, errno
	}
	id, _, errno = unix.Syscall(unix.SYS_SEMGET, uintptr(key), uintptr(nsems), 0)
	if errno != 0 {
		return Set{}, false, errno
	}
	return Set{id: int(id)}, false, nil
}

// Open attaches to an existing semaphore set without creating one. It
// returns an error (wrapping ENOENT) if the set does not exist.
func Open(key int, nsems int) (Set, error) {
	id, _, errno := unix.Syscall(unix.SYS_SEMGET, uintptr(key), uintptr(nsems), 0)
	if errno != 0 {
		return Set{}, errno
	}
	return Set{id: int(id)}, nil
}

// SetVal sets semaphore index idx within the set to val via SETVAL.
func (s Set) SetVal(idx int, val int) error {
	_, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(s.id), uintptr(idx), setval, uintptr(val), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// GetVal reads the current value of semaphore idx via GETVAL.
func (s Set) GetVal(idx int) (int, error) {
	v, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(s.id), uintptr(idx), getval, 0, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(v), nil
}

// sembuf mirrors struct sembuf from <sys/sem.h>.
type sembuf struct {
	num uint16
	op  int16
	flg int16
}

// Op applies a single semaphore operation with SEM_UNDO set, so a crashed
// process's increments/decrements are automatically reversed by the
// kernel.
func (s Set) Op(idx int, delta int16) error {
	ops := [1]sembuf{{num: uint16(idx), op: delta, flg: semUndo}}
	_, _, errno := unix.Syscall(unix.SYS_SEMOP, uintptr(s.id), uintptr(unsafe.Pointer(&ops[0])), 1)
	if errno != 0 {
		return errno
	}
	return nil
}

// Wait applies ops (each with SEM_UNDO) and blocks until they succeed,
// the context is done, or the 3-second reference timeout elapses,
// whichever comes first. golang.org/x/sys/unix does not expose a
// portable semtimedop across every build target this module supports, so
// the bound is implemented as a short-interval IPC_NOWAIT retry loop
// instead of the raw SYS_SEMTIMEDOP syscall; see DESIGN.md.
func (s Set) Wait(ctx context.Context, idx int, delta int16) error {
	const (
		ipcNowait   = 0x0800
		pollEvery   = 10 * time.Millisecond
		refDeadline = 3 * time.Second
	)
	deadline := time.Now().Add(refDeadline)
	ops := [1]sembuf{{num: uint16(idx), op: delta, flg: semUndo | ipcNowait}}

	for {
		_, _, errno := unix.Syscall(unix.SYS_SEMOP, uintptr(s.id), uintptr(unsafe.Pointer(&ops[0])), 1)
		if errno == 0 {
			return nil
		}
		if errno != unix.EAGAIN {
			return errno
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(pollEvery)
	}
}

// Lock decrements the binary lock semaphore at idx (expected initial
// value 1) with the 3s bounded wait.
func (s Set) Lock(ctx context.Context, idx int) error {
	return s.Wait(ctx, idx, -1)
}

// WaitPair atomically applies two operations — as one semop(2) call of
// two sembufs — blocking until both succeed together, the context is
// done, or the 3s reference timeout elapses. This mirrors the reference's
// semreglock[], which claims the binary lock and decrements the reader
// counter as a single indivisible operation so a reader never observes
// one half applied without the other.
func (s Set) WaitPair(ctx context.Context, idxA int, deltaA int16, idxB int, deltaB int16) error {
	const (
		ipcNowait   = 0x0800
		pollEvery   = 10 * time.Millisecond
		refDeadline = 3 * time.Second
	)
	deadline := time.Now().Add(refDeadline)
	ops := [2]sembuf{
		{num: uint16(idxA), op: deltaA, flg: semUndo | ipcNowait},
		{num: uint16(idxB), op: deltaB, flg: semUndo | ipcNowait},
	}

	for {
		_, _, errno := unix.Syscall(unix.SYS_SEMOP, uintptr(s.id), uintptr(unsafe.Pointer(&ops[0])), 2)
		if errno == 0 {
			return nil
		}
		if errno != unix.EAGAIN {
			return errno
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(pollEvery)
	}
}

// Unlock increments the binary lock semaphore at idx back to 1.
func (s Set) Unlock(idx int) error {
	return s.Op(idx, +1)
}

// Destroy removes the semaphore set (IPC_RMID). Only the component that
// created the set should call this.
func (s Set) Destroy() error {
	const ipcRmid = 0
	_, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(s.id), 0, ipcRmid, 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
