package shadowstore

import (
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fcntl byte-range locks are per (process, inode), not per file
// descriptor: a second lock request from the *same* process never
// conflicts with one it already holds. Exercising GC's non-blocking
// write-lock probe honestly therefore requires a second process, so
// TestGCStopsAtFirstLockedFile re-execs this test binary as a lock
// holder (see TestHelperHoldReadLock below), the same pattern exec_test.go
// in the standard library uses.
func spawnLockHolder(t *testing.T, path string) (ready <-chan struct{}, stop func()) {
	t.Helper()
	readyFile := path + ".ready"
	os.Remove(readyFile)

	cmd := exec.Command(os.Args[0], "-test.run=TestHelperHoldReadLock")
	cmd.Env = append(os.Environ(), "SHADOWSTORE_HELPER=1", "SHADOWSTORE_HELPER_PATH="+path, "SHADOWSTORE_HELPER_READY="+readyFile)
	require.NoError(t, cmd.Start())

	ch := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			if _, err := os.Stat(readyFile); err == nil {
				close(ch)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		close(ch)
	}()
	return ch, func() {
		cmd.Process.Kill()
		cmd.Wait()
		os.Remove(readyFile)
	}
}

// TestHelperHoldReadLock is not a real test: it's invoked as a subprocess
// by spawnLockHolder to hold a read lock on SHADOWSTORE_HELPER_PATH until
// killed.
func TestHelperHoldReadLock(t *testing.T) {
	if os.Getenv("SHADOWSTORE_HELPER") != "1" {
		t.Skip("only runs as a spawned helper")
	}
	path := os.Getenv("SHADOWSTORE_HELPER_PATH")
	f, err := os.Open(path)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	lock := unix.Flock_t{Type: unix.F_RDLCK, Start: 0, Len: 1}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lock); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	os.WriteFile(os.Getenv("SHADOWSTORE_HELPER_READY"), []byte("1"), 0o644)
	time.Sleep(10 * time.Second)
}

func TestCreateWriteReopenRead(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root)
	require.NoError(t, err)

	wf, err := store.Create(0)
	require.NoError(t, err)
	_, err = wf.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, wf.Close())

	rf, err := store.OpenForRead(0)
	require.NoError(t, err)
	defer rf.Close()

	buf := make([]byte, 5)
	n, err := rf.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestSetCurrentThenReadCurrent(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root)
	require.NoError(t, err)

	require.NoError(t, store.SetCurrent(3, 10000))
	cp, err := store.ReadCurrent()
	require.NoError(t, err)
	require.Equal(t, int64(3), cp.Seq)
	require.Equal(t, int64(10000), cp.MaxRec)

	// a second rewrite must still leave a single well-formed pointer, not
	// a partially overwritten one.
	require.NoError(t, store.SetCurrent(4, 10000))
	cp, err = store.ReadCurrent()
	require.NoError(t, err)
	require.Equal(t, int64(4), cp.Seq)
}

func TestGCStopsAtFirstLockedFile(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root)
	require.NoError(t, err)

	for seq := int64(0); seq < 4; seq++ {
		f, err := store.Create(seq)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	// a separate reader process holds a read lock on seq 1; GC must stop
	// there and not reclaim 2 or 3 even though they're unlocked.
	ready, stop := spawnLockHolder(t, store.pathFor(1))
	<-ready
	defer stop()

	oldest := int64(0)
	store.GC(&oldest, 4)

	require.Equal(t, int64(1), oldest)
	_, err = os.Stat(store.pathFor(0))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(store.pathFor(1))
	require.NoError(t, err)
	_, err = os.Stat(store.pathFor(2))
	require.NoError(t, err)
}

func TestOpenForReadMissingFile(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root)
	require.NoError(t, err)

	_, err = store.OpenForRead(99)
	require.Error(t, err)
	require.True(t, os.IsNotExist(err))
}
