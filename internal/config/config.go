// Package config loads the shadow reader's RC file: a small, flat
// "key value" settings file, the only setting of which today is the
// shadow store root override. It parses the file with
// github.com/gravwell/gcfg, which expects an explicit [section] header;
// this RC file predates that convention, so the loader wraps the raw
// bytes in an implicit section before handing them to gcfg.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gravwell/gcfg"
)

const maxRCSize = 64 * 1024

var ErrRCFileTooLarge = errors.New("config: RC file is too large")

// Reader holds the reader library's RC-file settings.
type Reader struct {
	// PacctDir overrides the default shadow store root ("/var/run") when
	// set, equivalent to the daemon's positional root argument.
	PacctDir string
}

type rcSection struct {
	Settings struct {
		Pacctdir string
	}
}

// LoadReaderRC parses path as the reader's RC file. A missing file is not
// an error: the zero-value Reader (no override) is returned.
func LoadReaderRC(path string) (Reader, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Reader{}, nil
		}
		return Reader{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if len(b) > maxRCSize {
		return Reader{}, ErrRCFileTooLarge
	}

	var sec rcSection
	if err := gcfg.ReadStringInto(&sec, wrapAsSection(string(b))); err != nil {
		return Reader{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return Reader{PacctDir: sec.Settings.Pacctdir}, nil
}

// wrapAsSection turns a flat "key value" RC file into the single-section
// INI gcfg expects, quoting bare values so paths containing spaces still
// parse as one field.
func wrapAsSection(raw string) string {
	var b strings.Builder
	b.WriteString("[settings]\n")
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			continue
		}
		fmt.Fprintf(&b, "%s = %q\n", fields[0], strings.TrimSpace(fields[1]))
	}
	return b.String()
}
