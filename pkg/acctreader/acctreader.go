// Package acctreader is the unprivileged client library for the shadow
// accounting files maintained by the writer daemon: it attaches to the
// daemon's reader-presence semaphore, tracks a read offset across shadow
// file rotations, and decodes exited-process records on demand. When no
// daemon is reachable it falls through to Fallback Mode, reading a
// conventional (ps)acct file directly or driving its own private
// accounting session.
package acctreader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Atoptool/atop-sub001/internal/acctrec"
	"github.com/Atoptool/atop-sub001/internal/dlog"
	"github.com/Atoptool/atop-sub001/internal/ipcsem"
	"github.com/Atoptool/atop-sub001/internal/shadowstore"
)

var (
	// ErrDaemonStalled is returned by Attach when the daemon's semaphore
	// set exists but does not release the reader-registration lock
	// within the 3s reference timeout.
	ErrDaemonStalled = errors.New("acctreader: daemon did not respond within timeout")

	// ErrNoAccounting is returned when neither the writer daemon nor any
	// conventional pacct file nor a private session could be established.
	ErrNoAccounting = errors.New("acctreader: no process-accounting source available")
)

// conventionalPaths mirrors the pacctadm[] table consulted when no
// writer daemon is reachable.
var conventionalPaths = []string{
	"/var/log/pacct",
	"/var/account/pacct",
	"/var/log/account/pacct",
}

const (
	privateAcctDir  = "/var/cache/atop.d"
	privateAcctFile = "atop.acct"

	// privateSessionKey/privateSessionTotal mirror ATOPACCTKEY/ATOPACCTTOT: a second,
	// independent semaphore pair guarding the private fallback session,
	// distinct from ipcsem.PrivateKey (which tracks daemon liveness).
	privateSessionKey   = 3121959
	privateSessionTotal = 100

	maxPrivateFileSize = 200 * 1024 * 1024 // ACCTMAXFILESZ
)

// Mode reports which accounting source a Reader ended up attached to.
type Mode int

const (
	ModeNone Mode = iota
	ModeDaemon
	ModeConventional
	ModePrivate
)

// Reader is a session against the shadow accounting stream: either the
// writer daemon's shadow files, or (Fallback Mode) a conventional pacct
// file or a privately-managed one. Not safe for concurrent use from
// multiple goroutines.
type Reader struct {
	root string
	log  *dlog.Logger

	mode Mode

	// Daemon-mode state.
	pubSem   ipcsem.Set
	store    *shadowstore.Store
	seq      int64
	maxrec   int64
	recSize  int
	layout   acctrec.Layout
	fd       *os.File
	offset   int64

	// Fallback-mode state.
	fbPath     string
	fbFile     *os.File
	fbInode    uint64
	fbSize     int64
	fbPrivSem  ipcsem.Set
	fbPrivOwns bool

	droppedPrivs bool
}

// New returns a Reader rooted at the writer daemon's configured root
// directory (the same root the daemon was started with).
func New(root string, log *dlog.Logger) *Reader {
	if log == nil {
		log = dlog.NewDiscard(dlog.FacilityReader)
	}
	return &Reader{root: root, log: log}
}

// Mode reports the accounting source in use after a successful Attach.
func (r *Reader) Mode() Mode { return r.mode }

// Attach locates the writer daemon's public semaphore set and registers
// this reader as active. If no daemon is reachable it falls through to
// Fallback Mode. ctx bounds the 3s registration handshake.
func (r *Reader) Attach(ctx context.Context) error {
	pub, err := ipcsem.Open(ipcsem.PublicKey, 2)
	if err != nil {
		r.log.Infof("no writer daemon semaphore set, falling back: %v", err)
		return r.attachFallback(ctx)
	}

	if err := r.dropRootPrivs(); err != nil {
		return fmt.Errorf("acctreader: drop privileges: %w", err)
	}

	// Claim the binary lock (index 1) and decrement the reader counter
	// (index 0) as one atomic pair, mirroring the reference's
	// semreglock[]: a reader must never observe one half applied without
	// the other.
	if err := pub.WaitPair(ctx, 0, -1, 1, -1); err != nil {
		r.regainRootPrivs()
		if errors.Is(err, ipcsem.ErrTimeout) {
			return ErrDaemonStalled
		}
		return fmt.Errorf("acctreader: register with daemon: %w", err)
	}
	defer pub.Unlock(1)

	store, err := shadowstore.Open(r.root)
	if err != nil {
		pub.Op(0, +1)
		return fmt.Errorf("acctreader: open shadow store: %w", err)
	}

	cur, err := store.ReadCurrent()
	if err != nil {
		pub.Op(0, +1)
		return fmt.Errorf("acctreader: read current pointer: %w", err)
	}

	fd, err := store.OpenForRead(cur.Seq)
	if err != nil {
		pub.Op(0, +1)
		return fmt.Errorf("acctreader: open shadow file %d: %w", cur.Seq, err)
	}

	r.pubSem = pub
	r.store = store
	r.seq = cur.Seq
	r.maxrec = cur.MaxRec
	r.fd = fd
	r.offset = 0
	r.mode = ModeDaemon

	if err := r.detectLayout(ctx); err != nil {
		r.fd.Close()
		pub.Op(0, +1)
		r.mode = ModeNone
		return err
	}

	return nil
}

// detectLayout reads (and rewinds past) the first record to learn the
// on-disk record size, forcing a kernel write with a throw-away child if
// the shadow file is still empty at attach time.
func (r *Reader) detectLayout(ctx context.Context) error {
	st, err := r.fd.Stat()
	if err != nil {
		return fmt.Errorf("acctreader: stat shadow file: %w", err)
	}
	if st.Size() > 0 {
		return r.detectFromFile()
	}

	forceKernelRecord()

	const maxAttempts = 40
	const retryInterval = 50 * time.Millisecond
	for i := 0; i < maxAttempts; i++ {
		st, err := r.fd.Stat()
		if err == nil && st.Size() > 0 {
			return r.detectFromFile()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return fmt.Errorf("%w: shadow file empty after %d attempts", acctrec.ErrUnknownLayout, maxAttempts)
}

func (r *Reader) detectFromFile() error {
	buf := make([]byte, 2)
	if _, err := r.fd.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("acctreader: read layout probe: %w", err)
	}
	layout, size, err := acctrec.Detect(buf)
	if err != nil {
		return err
	}
	r.layout = layout
	r.recSize = size
	return nil
}

// forceKernelRecord forks a throw-away child process and waits for it,
// which causes the kernel to append one accounting record while
// process-accounting is active.
func forceKernelRecord() {
	// Absence of /bin/true is not fatal: the retry loop around this call
	// tolerates a still-empty file and eventually times out.
	_ = exec.Command("/bin/true").Run()
}

// CountAvailable reports how many unread records are available without
// consuming them, per the daemon-mode accounting described in
// original_source/acctproc.c:acctprocnt. It re-attaches transparently if
// the daemon removed the current shadow file beneath this reader.
func (r *Reader) CountAvailable(ctx context.Context) (int64, error) {
	if r.mode != ModeDaemon {
		return r.countAvailableFallback()
	}

	st, err := r.fd.Stat()
	if err != nil || fileUnlinked(st) {
		r.fd.Close()
		r.mode = ModeNone
		if err := r.Attach(ctx); err != nil {
			return 0, err
		}
		return 0, nil
	}

	size := st.Size()
	cur := size / int64(r.recSize)
	if cur < r.maxrec {
		return (size - r.offset) / int64(r.recSize), nil
	}

	// Current file is full; consult the pointer for the newest sequence.
	curp, err := r.store.ReadCurrent()
	if err != nil {
		return (size - r.offset) / int64(r.recSize), nil
	}
	newseq := curp.Seq
	if newseq == r.seq {
		return (size - r.offset) / int64(r.recSize), nil
	}
	if newseq < r.seq {
		// Daemon restarted mid-flight; drop this interval rather than
		// mixing generations.
		return 0, nil
	}

	newestPath := r.store.PathFor(newseq)
	nst, err := os.Stat(newestPath)
	if err != nil {
		return (size - r.offset) / int64(r.recSize), nil
	}

	avail := (size-r.offset)/int64(r.recSize) +
		(newseq-r.seq-1)*r.maxrec +
		nst.Size()/int64(r.recSize)
	return avail, nil
}

func fileUnlinked(st os.FileInfo) bool {
	sys, ok := st.Sys().(*unix.Stat_t)
	return ok && sys.Nlink == 0
}

// ReadNext decodes up to n records, advancing the read offset and
// transparently switching to the next shadow file when the current one
// is exhausted.
func (r *Reader) ReadNext(n int) ([]acctrec.TaskRecord, error) {
	if r.mode != ModeDaemon {
		return r.readNextFallback(n)
	}

	out := make([]acctrec.TaskRecord, 0, n)
	buf := make([]byte, r.recSize)

	for len(out) < n {
		nr, err := r.fd.ReadAt(buf, r.offset)
		if nr == r.recSize {
			rec, derr := acctrec.Decode(buf, r.layout)
			if derr != nil {
				return out, derr
			}
			out = append(out, rec)
			r.offset += int64(r.recSize)
			continue
		}
		if errors.Is(err, os.ErrClosed) {
			return out, err
		}
		// Exhausted the current file: try the next shadow file.
		if serr := r.switchShadow(); serr != nil {
			return out, serr
		}
	}
	return out, nil
}

// Skip advances the read offset by n records without decoding them,
// crossing shadow-file boundaries as needed.
func (r *Reader) Skip(n int64) error {
	if r.mode != ModeDaemon {
		return r.skipFallback(n)
	}

	for n > 0 {
		st, err := r.fd.Stat()
		if err != nil {
			return fmt.Errorf("acctreader: stat during skip: %w", err)
		}
		remaining := (st.Size() - r.offset) / int64(r.recSize)
		if n <= remaining {
			r.offset += n * int64(r.recSize)
			return nil
		}
		n -= remaining
		if err := r.switchShadow(); err != nil {
			return err
		}
	}
	return nil
}

// switchShadow opens seq+1, locks it, and closes the old fd (which
// releases its lock), exactly as original_source/acctproc.c:switchshadow.
func (r *Reader) switchShadow() error {
	next, err := r.store.OpenForRead(r.seq + 1)
	if err != nil {
		return fmt.Errorf("acctreader: switch to shadow %d: %w", r.seq+1, err)
	}
	r.fd.Close()
	r.fd = next
	r.seq++
	r.offset = 0
	return nil
}

// Close releases this reader's registration with the daemon (or its
// private fallback session) and closes open files.
func (r *Reader) Close() error {
	switch r.mode {
	case ModeDaemon:
		if r.fd != nil {
			r.fd.Close()
		}
		if r.pubSem != (ipcsem.Set{}) {
			r.pubSem.Op(0, +1)
		}
	case ModeConventional:
		if r.fbFile != nil {
			r.fbFile.Close()
		}
	case ModePrivate:
		r.closePrivateSession()
	}
	r.mode = ModeNone
	return nil
}

func (r *Reader) dropRootPrivs() error {
	if r.droppedPrivs {
		return nil
	}
	uid := os.Getuid()
	gid := os.Getgid()
	if err := unix.Setregid(-1, gid); err != nil {
		return err
	}
	if err := unix.Setreuid(-1, uid); err != nil {
		return err
	}
	r.droppedPrivs = true
	return nil
}

func (r *Reader) regainRootPrivs() {
	_ = unix.Setreuid(-1, 0)
	r.droppedPrivs = false
}

// --- Fallback Mode -----------------------------------------------------

// attachFallback probes conventional pacct paths for one actively
// growing, and if none is found, establishes or joins a privately
// managed accounting session under privateAcctDir.
func (r *Reader) attachFallback(ctx context.Context) error {
	for _, p := range conventionalPaths {
		before, err := os.Stat(p)
		if err != nil {
			continue
		}
		forceKernelRecord()
		after, err := os.Stat(p)
		if err != nil {
			continue
		}
		if after.Size() <= before.Size() {
			continue
		}
		f, err := os.Open(p)
		if err != nil {
			continue
		}
		if err := r.dropRootPrivs(); err != nil {
			f.Close()
			return fmt.Errorf("acctreader: drop privileges: %w", err)
		}
		buf := make([]byte, 2)
		if _, err := f.ReadAt(buf, 0); err != nil {
			f.Close()
			continue
		}
		layout, size, err := acctrec.Detect(buf)
		if err != nil {
			f.Close()
			continue
		}
		sys := after.Sys().(*unix.Stat_t)
		r.mode = ModeConventional
		r.fbPath = p
		r.fbFile = f
		r.fbInode = sys.Ino
		r.fbSize = after.Size()
		r.layout = layout
		r.recSize = size
		r.offset = after.Size()
		return nil
	}

	return r.attachPrivateSession(ctx)
}

// attachPrivateSession implements the private two-semaphore accounting
// session described by spec.md's Fallback Mode: the first attacher
// creates the session and switches on kernel accounting; later attachers
// only register as an additional user.
func (r *Reader) attachPrivateSession(ctx context.Context) error {
	sem, created, err := ipcsem.GetOrCreate(privateSessionKey, 2, 0o600)
	if err != nil {
		return fmt.Errorf("%w: private semaphore: %v", ErrNoAccounting, err)
	}
	if created {
		if err := sem.SetVal(0, 1); err != nil {
			return err
		}
		if err := sem.SetVal(1, privateSessionTotal); err != nil {
			return err
		}
	}

	if err := sem.Lock(ctx, 0); err != nil {
		return fmt.Errorf("%w: private session lock: %v", ErrNoAccounting, err)
	}
	defer sem.Unlock(0)

	path := filepath.Join(privateAcctDir, privateAcctFile)

	first, err := sem.GetVal(1)
	if err != nil {
		return err
	}
	if first == privateSessionTotal {
		if err := os.MkdirAll(privateAcctDir, 0o700); err != nil {
			return fmt.Errorf("%w: create private dir: %v", ErrNoAccounting, err)
		}
		fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("%w: create private file: %v", ErrNoAccounting, err)
		}
		fh.Close()
		if err := syscall.Acct(path); err != nil {
			os.Remove(path)
			return fmt.Errorf("%w: enable accounting: %v", ErrNoAccounting, err)
		}
		r.fbPrivOwns = true
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open private file: %v", ErrNoAccounting, err)
	}
	if err := r.dropRootPrivs(); err != nil {
		f.Close()
		return fmt.Errorf("acctreader: drop privileges: %w", err)
	}
	if err := sem.Op(1, -1); err != nil {
		f.Close()
		return err
	}

	st, _ := f.Stat()
	sys, _ := st.Sys().(*unix.Stat_t)
	var ino uint64
	if sys != nil {
		ino = sys.Ino
	}

	r.mode = ModePrivate
	r.fbPrivSem = sem
	r.fbPath = path
	r.fbFile = f
	r.fbInode = ino
	r.fbSize = 0
	return nil
}

func (r *Reader) closePrivateSession() {
	if r.fbFile != nil {
		r.fbFile.Close()
	}
	sem := r.fbPrivSem
	sem.Lock(context.Background(), 0)
	defer sem.Unlock(0)
	sem.Op(1, +1)

	v, err := sem.GetVal(1)
	if err == nil && v == privateSessionTotal {
		syscall.Acct("")
		os.Remove(r.fbPath)
	}
}

func (r *Reader) countAvailableFallback() (int64, error) {
	st, err := os.Stat(r.fbPath)
	if err != nil {
		if r.mode == ModeConventional {
			return 0, r.reopenRotatedConventional()
		}
		return 0, fmt.Errorf("acctreader: stat fallback source: %w", err)
	}
	sys, ok := st.Sys().(*unix.Stat_t)
	if ok && sys.Ino != r.fbInode {
		if err := r.reopenRotatedConventional(); err != nil {
			return 0, err
		}
		st, err = os.Stat(r.fbPath)
		if err != nil {
			return 0, err
		}
	}

	if st.Size() < r.offset {
		// Source truncated (e.g. logrotate with copytruncate): resume
		// from the start instead of reading stale bytes.
		r.offset = 0
	}

	if r.mode == ModePrivate && st.Size() > maxPrivateFileSize {
		if err := r.restartPrivateSession(); err != nil {
			return 0, err
		}
		st, err = os.Stat(r.fbPath)
		if err != nil {
			return 0, err
		}
	}

	return (st.Size() - r.offset) / int64(r.recSize), nil
}

func (r *Reader) restartPrivateSession() error {
	if err := syscall.Acct(""); err != nil {
		return err
	}
	if err := os.Truncate(r.fbPath, 0); err != nil {
		return err
	}
	if err := syscall.Acct(r.fbPath); err != nil {
		return err
	}
	r.offset = 0
	return nil
}

// reopenRotatedConventional reopens fbPath after an external logrotate
// and resets offset to 0, so reading continues from the start of the new
// file.
func (r *Reader) reopenRotatedConventional() error {
	r.fbFile.Close()

	f, err := os.Open(r.fbPath)
	if err != nil {
		return fmt.Errorf("acctreader: reopen rotated pacct file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	sys, _ := st.Sys().(*unix.Stat_t)

	r.fbFile = f
	if sys != nil {
		r.fbInode = sys.Ino
	}
	r.fbSize = st.Size()
	// The old file's remaining unread tail is gone with the rotation;
	// the new file starts fresh from its own beginning.
	r.offset = 0
	return nil
}

func (r *Reader) readNextFallback(n int) ([]acctrec.TaskRecord, error) {
	out := make([]acctrec.TaskRecord, 0, n)
	buf := make([]byte, r.recSize)
	for len(out) < n {
		nr, err := r.fbFile.ReadAt(buf, r.offset)
		if nr != r.recSize {
			if errors.Is(err, os.ErrClosed) {
				return out, err
			}
			break
		}
		rec, derr := acctrec.Decode(buf, r.layout)
		if derr != nil {
			return out, derr
		}
		out = append(out, rec)
		r.offset += int64(r.recSize)
	}
	return out, nil
}

func (r *Reader) skipFallback(n int64) error {
	r.offset += n * int64(r.recSize)
	return nil
}

// --- current-pointer helpers (used by some callers to diagnose state) --

// ParseCurrent is exposed for diagnostic tooling that wants to inspect
// the raw "seq/maxrec" pointer content without attaching a full Reader.
func ParseCurrent(raw string) (seq, maxrec int64, err error) {
	parts := strings.SplitN(strings.TrimSpace(raw), "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("acctreader: malformed current pointer %q", raw)
	}
	seq, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	maxrec, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return seq, maxrec, nil
}
