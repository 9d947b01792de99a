// Package shadowstore manages the on-disk shadow-file tree the writer
// daemon appends to and readers consume from: a directory of
// sequence-numbered, fixed-record-count files plus an ASCII "current"
// pointer rewritten atomically on every rotation.
package shadowstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dchest/safefile"
	"golang.org/x/sys/unix"
)

const (
	// ShadowDir is the subdirectory of the store root holding shadow
	// files and the current pointer.
	ShadowDir = "pacct_shadow.d"

	currentName = "current"
	fileExt     = ".paf"
	seqDigits   = 10
)

var ErrBusy = errors.New("shadowstore: file still in use")

// Store is a handle to a shadow-file directory tree rooted at root/ShadowDir.
type Store struct {
	dir string
}

// Open returns a Store rooted at filepath.Join(root, ShadowDir), creating
// that directory (mode 0755) if it does not already exist.
func Open(root string) (*Store, error) {
	dir := filepath.Join(root, ShadowDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("shadowstore: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) pathFor(seq int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%0*d%s", seqDigits, seq, fileExt))
}

// PathFor returns the on-disk path of the shadow file for seq, for
// callers (tests, diagnostics) that need to inspect a shadow file
// directly rather than through OpenForRead/Create.
func (s *Store) PathFor(seq int64) string { return s.pathFor(seq) }

// Create creates (or truncates) the shadow file for seq, exclusively
// owned by the writer, mode 0644.
func (s *Store) Create(seq int64) (*os.File, error) {
	f, err := os.OpenFile(s.pathFor(seq), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shadowstore: create seq %d: %w", seq, err)
	}
	return f, nil
}

// OpenForRead opens the shadow file for seq read-only and places a
// non-blocking shared lock on byte 0. If the file does not exist, the
// underlying *PathError is returned unwrapped so callers can check
// os.IsNotExist. If the lock cannot be taken — which should not normally
// happen for a shared lock unless something else holds an exclusive GC
// probe lock at that instant — ErrBusy is returned and the file is closed.
func (s *Store) OpenForRead(seq int64) (*os.File, error) {
	f, err := os.Open(s.pathFor(seq))
	if err != nil {
		return nil, err
	}
	lock := unix.Flock_t{
		Type:  unix.F_RDLCK,
		Start: 0,
		Len:   1,
	}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lock); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: seq %d: %v", ErrBusy, seq, err)
	}
	return f, nil
}

// SetCurrent atomically rewrites the current pointer to "seq/maxrec",
// using create-then-replace semantics so a reader never observes a
// truncated or half-written pointer file.
func (s *Store) SetCurrent(seq, maxrec int64) error {
	f, err := safefile.Create(filepath.Join(s.dir, currentName), 0o644)
	if err != nil {
		return fmt.Errorf("shadowstore: open current for replace: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d/%d", seq, maxrec); err != nil {
		f.File.Close()
		os.Remove(f.Name())
		return fmt.Errorf("shadowstore: write current: %w", err)
	}
	if err := f.Commit(); err != nil {
		f.File.Close()
		os.Remove(f.Name())
		return fmt.Errorf("shadowstore: commit current: %w", err)
	}
	return nil
}

// CurrentPointer is the parsed content of the current pointer file.
type CurrentPointer struct {
	Seq    int64
	MaxRec int64
}

// ReadCurrent parses the current pointer file.
func (s *Store) ReadCurrent() (CurrentPointer, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, currentName))
	if err != nil {
		return CurrentPointer{}, err
	}
	parts := strings.SplitN(strings.TrimSpace(string(b)), "/", 2)
	if len(parts) != 2 {
		return CurrentPointer{}, fmt.Errorf("shadowstore: malformed current pointer %q", b)
	}
	seq, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return CurrentPointer{}, fmt.Errorf("shadowstore: malformed current seq: %w", err)
	}
	maxrec, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return CurrentPointer{}, fmt.Errorf("shadowstore: malformed current maxrec: %w", err)
	}
	return CurrentPointer{Seq: seq, MaxRec: maxrec}, nil
}

// GC removes shadow files in [*oldest, newest) that no reader holds a
// lock on, stopping at the first sequence it cannot reclaim — readers
// advance sequentially and need every sequence from their current
// position forward to still exist. *oldest is updated in place to the
// first sequence GC could not reclaim (or to newest if it reclaimed
// everything), so the caller's next GC pass resumes from there.
func (s *Store) GC(oldest *int64, newest int64) {
	for ; *oldest < newest; *oldest++ {
		path := s.pathFor(*oldest)
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			// Already gone; keep advancing past the gap.
			if os.IsNotExist(err) {
				continue
			}
			return
		}

		lock := unix.Flock_t{
			Type:  unix.F_WRLCK,
			Start: 0,
			Len:   1,
		}
		if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lock); err != nil {
			f.Close()
			return // still locked by a reader; stop the sweep here
		}
		f.Close()
		os.Remove(path)
	}
}
