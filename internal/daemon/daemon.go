// Package daemon implements the shadow writer daemon's lifecycle and
// main loop: enable kernel process accounting against a private source
// file, drain it on every netlink taskstats wake-up, append records to
// the current shadow file, rotate and garbage-collect, and go idle
// (writing nothing, sequence reset to zero) whenever no reader is
// attached.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Atoptool/atop-sub001/internal/acctrec"
	"github.com/Atoptool/atop-sub001/internal/dlog"
	"github.com/Atoptool/atop-sub001/internal/ipcsem"
	"github.com/Atoptool/atop-sub001/internal/nltaskstats"
	"github.com/Atoptool/atop-sub001/internal/shadowstore"
)

// Exit codes match the reference daemon's process exit status contract,
// so operators and init scripts written against it keep working.
const (
	ExitUsage              = 1
	ExitDirValidation      = 2
	ExitDuplicateDaemon    = 3
	ExitSemaphoreIncrement = 4
	ExitAcctSetup          = 5
	ExitNetlinkOpen        = 6
	ExitShadowWrite        = 7
	ExitNetlinkRecv        = 8
	ExitRecordSizeDetect   = 9
)

// ExitError carries a process exit code alongside its message, the way
// main() translates a failed lifecycle stage into os.Exit(n).
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

func exitErr(code int, format string, args ...interface{}) *ExitError {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

const (
	sourceFileName = "pacct_source"

	// MaxSourceBytes is the hard cap that triggers truncation of the
	// source accounting file.
	MaxSourceBytes = 1 << 20 // 1 MiB

	// DefaultMaxShadowRec is the default record count per shadow file.
	DefaultMaxShadowRec = 10000

	// DefaultGCInterval matches the reference's GC_INTERVAL.
	DefaultGCInterval = 15 * time.Second

	readRetryCount    = 50
	readRetryInterval = 10 * time.Millisecond

	freeSpaceFloorPct = 5
)

// Config parameterizes a Writer.
type Config struct {
	Root         string
	MaxShadowRec int64
	GCInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxShadowRec <= 0 {
		c.MaxShadowRec = DefaultMaxShadowRec
	}
	if c.GCInterval <= 0 {
		c.GCInterval = DefaultGCInterval
	}
	return c
}

// Writer is the shadow writer daemon's lifecycle and drain loop.
type Writer struct {
	cfg Config
	log *dlog.Logger

	privSem ipcsem.Set
	pubSem  ipcsem.Set

	store *shadowstore.Store
	nl    *nltaskstats.Channel

	sourcePath string
	sourceFile *os.File

	layout  acctrec.Layout
	recSize int

	curSeq, oldSeq int64
	shadowFD       *os.File
	shadowBytes    int64
	maxShadowBytes int64
	shadowBusy     bool

	sourceBytesWritten int64
	lastGC             time.Time
	skippedForSpace    uint64

	// pending holds a trailing byte fragment shorter than one record,
	// carried over from the previous batch so a write never splits a
	// record across shadow files even if a read from the source file
	// happens to land mid-record.
	pending []byte
}

// New constructs a Writer; call the lifecycle methods in order (Init,
// AttachPrivateSem, OpenSourcePacct, CreateShadowDir, EnableKernelAcct,
// OpenNetlink) before Run.
func New(cfg Config, log *dlog.Logger) *Writer {
	return &Writer{cfg: cfg.withDefaults(), log: log}
}

// Init verifies the root directory exists, is owned by uid 0, and is not
// group/other writable.
func (w *Writer) Init() error {
	fi, err := os.Stat(w.cfg.Root)
	if err != nil {
		return exitErr(ExitDirValidation, "stat %s: %w", w.cfg.Root, err)
	}
	if !fi.IsDir() {
		return exitErr(ExitDirValidation, "%s is not a directory", w.cfg.Root)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return exitErr(ExitDirValidation, "%s: cannot determine ownership", w.cfg.Root)
	}
	if st.Uid != 0 {
		return exitErr(ExitDirValidation, "%s must be owned by root", w.cfg.Root)
	}
	if fi.Mode()&(0o020|0o002) != 0 {
		return exitErr(ExitDirValidation, "%s must not be writable for group/others", w.cfg.Root)
	}
	return nil
}

// AttachPrivateSem enforces the single-daemon-per-host invariant, then
// attaches (creating if absent) the public reader-presence set.
func (w *Writer) AttachPrivateSem() error {
	priv, created, err := ipcsem.GetOrCreate(ipcsem.PrivateKey, 1, 0o600)
	if err != nil {
		return exitErr(ExitDuplicateDaemon, "attach private semaphore: %w", err)
	}
	if !created {
		v, err := priv.GetVal(0)
		if err != nil {
			return exitErr(ExitDuplicateDaemon, "read private semaphore: %w", err)
		}
		if v > 0 {
			return exitErr(ExitDuplicateDaemon, "atopacctd is already running")
		}
	}
	w.privSem = priv

	pub, pubCreated, err := ipcsem.GetOrCreate(ipcsem.PublicKey, 2, 0o666)
	if err != nil {
		return exitErr(ExitDuplicateDaemon, "attach public semaphore: %w", err)
	}
	if pubCreated {
		if err := pub.SetVal(0, ipcsem.NTotal); err != nil {
			return exitErr(ExitDuplicateDaemon, "init public semaphore: %w", err)
		}
		if err := pub.SetVal(1, 1); err != nil {
			return exitErr(ExitDuplicateDaemon, "init public semaphore lock: %w", err)
		}
	}
	w.pubSem = pub

	if err := w.privSem.Op(0, +1); err != nil {
		return exitErr(ExitSemaphoreIncrement, "increment private semaphore: %w", err)
	}
	return nil
}

// OpenSourcePacct recreates the private kernel accounting source file
// and opens it for read, ready for the kernel to append to.
func (w *Writer) OpenSourcePacct() error {
	w.sourcePath = filepath.Join(w.cfg.Root, sourceFileName)
	os.Remove(w.sourcePath)

	wf, err := os.OpenFile(w.sourcePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return exitErr(ExitAcctSetup, "create source accounting file: %w", err)
	}
	wf.Close()

	rf, err := os.Open(w.sourcePath)
	if err != nil {
		return exitErr(ExitAcctSetup, "open source accounting file: %w", err)
	}
	w.sourceFile = rf
	return nil
}

// CreateShadowDir opens (creating) the shadow store, writes the first
// shadow file at sequence 0, and publishes the current pointer.
func (w *Writer) CreateShadowDir() error {
	store, err := shadowstore.Open(w.cfg.Root)
	if err != nil {
		return exitErr(ExitAcctSetup, "create shadow directory: %w", err)
	}
	w.store = store

	sfd, err := store.Create(0)
	if err != nil {
		return exitErr(ExitAcctSetup, "create shadow file 0: %w", err)
	}
	w.shadowFD = sfd
	if err := store.SetCurrent(0, w.cfg.MaxShadowRec); err != nil {
		return exitErr(ExitAcctSetup, "write current pointer: %w", err)
	}
	return nil
}

// EnableKernelAcct switches on kernel process accounting against the
// private source file.
func (w *Writer) EnableKernelAcct() error {
	if err := syscall.Acct(w.sourcePath); err != nil {
		os.Remove(w.sourcePath)
		return exitErr(ExitAcctSetup, "enable process accounting: %w", err)
	}
	return nil
}

// OpenNetlink opens the TASKSTATS wake-up channel.
func (w *Writer) OpenNetlink() error {
	nl, err := nltaskstats.Open()
	if err != nil {
		syscall.Acct("")
		return exitErr(ExitNetlinkOpen, "open netlink: %w", err)
	}
	w.nl = nl
	return nil
}

// Renice matches the reference's self-renice to the most favorable
// scheduling priority, so accounting drain keeps up with exit bursts.
func (w *Writer) Renice() {
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, -20); err != nil {
		w.log.Warnf("could not raise scheduling priority: %v", err)
	}
}

// Shutdown disables kernel accounting and removes the private source
// file. It does not remove shadow files or release semaphores — readers
// and the next daemon instance observe that state on their own terms.
func (w *Writer) Shutdown() {
	syscall.Acct("")
	os.Remove(w.sourcePath)
	if w.shadowFD != nil {
		w.shadowFD.Close()
	}
	if w.nl != nil {
		w.nl.Close()
	}
}

// Run executes the main drain loop until ctx is cancelled or an
// unrecoverable error occurs.
func (w *Writer) Run(ctx context.Context) error {
	w.lastGC = time.Now()
	buf := make([]byte, 8192)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := w.nl.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return exitErr(ExitNetlinkRecv, "netlink recv: %w", err)
		}

		n, err := w.readSourceWithRetry(buf)
		if err != nil {
			return exitErr(ExitShadowWrite, "read source accounting file: %w", err)
		}
		if n == 0 {
			continue
		}

		if err := w.onBatch(ctx, buf[:n]); err != nil {
			return err
		}

		if w.shadowBusy && time.Since(w.lastGC) > w.cfg.GCInterval {
			w.store.GC(&w.oldSeq, w.curSeq)
			w.lastGC = time.Now()
		}
	}
}

func (w *Writer) readSourceWithRetry(buf []byte) (int, error) {
	for attempt := 0; attempt < readRetryCount; attempt++ {
		n, err := w.sourceFile.Read(buf)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		time.Sleep(readRetryInterval)
	}
	return 0, nil
}

func (w *Writer) onBatch(ctx context.Context, batch []byte) error {
	if len(w.pending) > 0 {
		batch = append(append([]byte(nil), w.pending...), batch...)
		w.pending = nil
	}

	if w.recSize == 0 {
		layout, size, err := acctrec.Detect(batch)
		if err != nil {
			return exitErr(ExitRecordSizeDetect, "detect record layout: %w", err)
		}
		w.layout, w.recSize = layout, size
		w.maxShadowBytes = w.cfg.MaxShadowRec * int64(size)
	}

	if rem := len(batch) % w.recSize; rem != 0 {
		w.pending = append([]byte(nil), batch[len(batch)-rem:]...)
		batch = batch[:len(batch)-rem]
		if len(batch) == 0 {
			return nil
		}
	}

	w.sourceBytesWritten += int64(len(batch))
	if w.sourceBytesWritten >= MaxSourceBytes {
		if err := os.Truncate(w.sourcePath, 0); err == nil {
			w.sourceFile.Seek(0, 0)
			w.sourceBytesWritten = 0
		}
	}

	// The semaphore value itself counts down from NTotal as readers
	// attach; it reads back at NTotal exactly when no reader is present.
	readerSemVal, err := w.pubSem.GetVal(0)
	if err != nil {
		return exitErr(ExitShadowWrite, "read reader-presence semaphore: %w", err)
	}
	if readerSemVal >= ipcsem.NTotal { // no reader attached
		if w.shadowBusy {
			w.store.GC(&w.oldSeq, w.curSeq+1)
			w.oldSeq, w.curSeq = 0, 0
			w.shadowBytes = 0
			w.shadowFD.Close()
			sfd, err := w.store.Create(0)
			if err != nil {
				return exitErr(ExitShadowWrite, "recreate shadow 0: %w", err)
			}
			w.shadowFD = sfd
			if err := w.store.SetCurrent(0, w.cfg.MaxShadowRec); err != nil {
				return exitErr(ExitShadowWrite, "rewrite current pointer: %w", err)
			}
			w.shadowBusy = false
		}
		return nil
	}
	w.shadowBusy = true

	return w.passToShadow(batch)
}

// passToShadow appends batch (always a whole multiple of recSize; any
// trailing fragment was already diverted to w.pending by the caller) to
// the current shadow file, rotating at whole-record boundaries when the
// file would exceed maxShadowBytes. Unlike the reference's raw byte-count
// split, rotation here never cuts a record in half: record boundaries
// stay intact across rotation even when free space forces a skip.
func (w *Writer) passToShadow(batch []byte) error {
	if ok, err := w.hasFreeSpace(); err != nil {
		return exitErr(ExitShadowWrite, "statfs shadow directory: %w", err)
	} else if !ok {
		if w.skippedForSpace == 0 {
			w.log.Errorf("shadow filesystem over %d%% full; writes skipped", 100-freeSpaceFloorPct)
		}
		w.skippedForSpace += uint64(len(batch))
		return nil
	}
	if w.skippedForSpace > 0 {
		w.log.Infof("shadow writes resumed (%d bytes skipped)", w.skippedForSpace)
		w.skippedForSpace = 0
	}

	for off := 0; off < len(batch); {
		recsLeft := (w.maxShadowBytes - w.shadowBytes) / int64(w.recSize)
		if recsLeft <= 0 {
			if err := w.rotate(); err != nil {
				return err
			}
			continue
		}
		fit := int64(len(batch)-off) / int64(w.recSize)
		if fit > recsLeft {
			fit = recsLeft
		}
		n := int(fit) * w.recSize // batch is always a multiple of recSize, so n > 0 here
		written, err := w.shadowFD.Write(batch[off : off+n])
		if err != nil {
			return exitErr(ExitShadowWrite, "write shadow file: %w", err)
		}
		w.shadowBytes += int64(written)
		off += written
	}
	return nil
}

func (w *Writer) rotate() error {
	w.shadowFD.Close()
	w.curSeq++
	sfd, err := w.store.Create(w.curSeq)
	if err != nil {
		return exitErr(ExitShadowWrite, "create shadow seq %d: %w", w.curSeq, err)
	}
	w.shadowFD = sfd
	if err := w.store.SetCurrent(w.curSeq, w.cfg.MaxShadowRec); err != nil {
		return exitErr(ExitShadowWrite, "rewrite current pointer: %w", err)
	}
	w.shadowBytes = 0
	return nil
}

func (w *Writer) hasFreeSpace() (bool, error) {
	var st unix.Statfs_t
	if err := unix.Fstatfs(int(w.shadowFD.Fd()), &st); err != nil {
		return false, err
	}
	if st.Blocks == 0 {
		return true, nil
	}
	freePct := st.Bfree * 100 / st.Blocks
	return freePct >= freeSpaceFloorPct, nil
}
