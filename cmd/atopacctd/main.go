// Command atopacctd is the privileged shadow writer daemon: it drains
// the kernel's BSD process-accounting file into rotating shadow files
// that unprivileged readers consume through pkg/acctreader.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Atoptool/atop-sub001/internal/daemon"
	"github.com/Atoptool/atop-sub001/internal/dlog"
)

const (
	version    = "1.3"
	buildDate  = "2026-08-01"
	defaultDir = "/var/run"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("atopacctd", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	showVersion := fs.Bool("v", false, "print version and exit")
	showVersionLong := fs.Bool("V", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return daemon.ExitUsage
	}

	if *showVersion || *showVersionLong {
		fmt.Printf("Version: %s - %s\n", version, buildDate)
		return 0
	}

	root := defaultDir
	switch fs.NArg() {
	case 0:
	case 1:
		root = fs.Arg(0)
	default:
		fmt.Fprintln(os.Stderr, "usage: atopacctd [-v | -V | <root>]")
		return daemon.ExitUsage
	}

	log := dlog.New(os.Stderr, dlog.FacilityDaemon)

	// Validate before forking away from the terminal so a bad root
	// directory is reported to the invoking shell, not silently lost
	// after Daemonize detaches stderr.
	if err := daemon.New(daemon.Config{Root: root}, log).Init(); err != nil {
		return reportExit(log, err, daemon.ExitDirValidation)
	}

	if err := daemon.Daemonize(); err != nil {
		log.Errorf("daemonize: %v", err)
		return daemon.ExitDirValidation
	}

	// Past this point we are the detached child (Daemonize never
	// returns in the parent); the SEM_UNDO-tracked private semaphore
	// must be acquired here, not before forking, or the parent's exit
	// would immediately release it.
	log = dlog.New(logFileOrDiscard(root), dlog.FacilityDaemon)
	w := daemon.New(daemon.Config{Root: root}, log)
	if err := w.Init(); err != nil {
		return reportExit(log, err, daemon.ExitDirValidation)
	}

	if err := w.AttachPrivateSem(); err != nil {
		return reportExit(log, err, daemon.ExitDuplicateDaemon)
	}
	if err := w.OpenSourcePacct(); err != nil {
		return reportExit(log, err, daemon.ExitAcctSetup)
	}
	if err := w.CreateShadowDir(); err != nil {
		return reportExit(log, err, daemon.ExitAcctSetup)
	}
	if err := w.EnableKernelAcct(); err != nil {
		return reportExit(log, err, daemon.ExitAcctSetup)
	}
	if err := w.OpenNetlink(); err != nil {
		return reportExit(log, err, daemon.ExitNetlinkOpen)
	}
	w.Renice()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	err := w.Run(ctx)
	w.Shutdown()
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	return reportExit(log, err, daemon.ExitShadowWrite)
}

func reportExit(log *dlog.Logger, err error, fallback int) int {
	var exitErr *daemon.ExitError
	if errors.As(err, &exitErr) {
		log.Criticalf("%v", exitErr.Err)
		return exitErr.Code
	}
	log.Criticalf("%v", err)
	return fallback
}

// logFileOrDiscard opens a daemon log file under root once daemonized
// (stderr is gone after detaching from the controlling terminal);
// failing to open it degrades to discarding rather than crashing a
// daemon that has already validated its privileges and root directory.
func logFileOrDiscard(root string) *os.File {
	f, err := os.OpenFile(root+"/atopacctd.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		devnull, _ := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		return devnull
	}
	return f
}
