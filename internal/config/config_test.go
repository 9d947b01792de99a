package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadReaderRCMissingFileIsNotError(t *testing.T) {
	r, err := LoadReaderRC(filepath.Join(t.TempDir(), "nope.rc"))
	require.NoError(t, err)
	require.Equal(t, Reader{}, r)
}

func TestLoadReaderRCParsesPacctdir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atop.rc")
	require.NoError(t, os.WriteFile(path, []byte("# comment\npacctdir /srv/atop\n"), 0o644))

	r, err := LoadReaderRC(path)
	require.NoError(t, err)
	require.Equal(t, "/srv/atop", r.PacctDir)
}

func TestLoadReaderRCTooLarge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atop.rc")
	big := make([]byte, maxRCSize+1)
	require.NoError(t, os.WriteFile(path, big, 0o644))

	_, err := LoadReaderRC(path)
	require.ErrorIs(t, err, ErrRCFileTooLarge)
}
