package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Atoptool/atop-sub001/internal/daemon"
	"github.com/Atoptool/atop-sub001/internal/dlog"
)

func TestRunPrintsVersionAndExitsZero(t *testing.T) {
	require.Equal(t, 0, run([]string{"-v"}))
	require.Equal(t, 0, run([]string{"-V"}))
}

func TestRunRejectsExtraPositionalArgs(t *testing.T) {
	require.Equal(t, daemon.ExitUsage, run([]string{"/one", "/two"}))
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	require.Equal(t, daemon.ExitUsage, run([]string{"-bogus"}))
}

func TestRunRejectsMissingRoot(t *testing.T) {
	require.Equal(t, daemon.ExitDirValidation, run([]string{"/nonexistent-atopacctd-root"}))
}

func TestReportExitFallsBackForPlainError(t *testing.T) {
	log := dlog.NewDiscard(dlog.FacilityDaemon)
	err := errors.New("plain error")
	require.Equal(t, 5, reportExit(log, err, 5))
}
