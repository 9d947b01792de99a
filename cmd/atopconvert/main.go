// Command atopconvert migrates a raw sample log from whatever schema
// version it was written at to a target version, applying the
// per-substructure converter chain registered in internal/rawconvert.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Atoptool/atop-sub001/internal/rawconvert"
)

const (
	exitUsage         = 1
	exitOpenInFail    = 2
	exitMagicMismatch = 3
	exitOpenOutFail   = 4
	exitConvertFail   = 7
	exitVersionLookup = 11
	exitSameFile      = 12
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("atopconvert", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	target := fs.String("t", "", "target schema version major.minor (default: newest known)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if fs.NArg() < 1 || fs.NArg() > 2 {
		fmt.Fprintln(os.Stderr, "usage: atopconvert [-t major.minor] infile [outfile]")
		return exitUsage
	}
	inPath := fs.Arg(0)
	outPath := inPath + ".converted"
	if fs.NArg() == 2 {
		outPath = fs.Arg(1)
	}
	if sameFile(inPath, outPath) {
		fmt.Fprintln(os.Stderr, "atopconvert: infile and outfile must differ")
		return exitSameFile
	}

	targetMajor, targetMinor := -1, -1
	if *target != "" {
		var err error
		targetMajor, targetMinor, err = parseVersion(*target)
		if err != nil {
			fmt.Fprintf(os.Stderr, "atopconvert: %v\n", err)
			return exitUsage
		}
	}

	in, err := os.Open(inPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "atopconvert: open %s: %v\n", inPath, err)
		return exitOpenInFail
	}
	defer in.Close()

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "atopconvert: open %s: %v\n", outPath, err)
		return exitOpenOutFail
	}
	defer out.Close()

	n, err := rawconvert.Convert(in, out, targetMajor, targetMinor)
	if err != nil {
		fmt.Fprintf(os.Stderr, "atopconvert: %v\n", err)
		return classifyError(err)
	}
	fmt.Fprintf(os.Stdout, "atopconvert: %d samples converted\n", n)
	return 0
}

func parseVersion(s string) (major, minor int, err error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad -t value %q, want major.minor", s)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad -t value %q: %w", s, err)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad -t value %q: %w", s, err)
	}
	return major, minor, nil
}

func sameFile(a, b string) bool {
	fa, err := os.Stat(a)
	if err != nil {
		return false
	}
	fb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(fa, fb)
}

func classifyError(err error) int {
	switch {
	case errors.Is(err, rawconvert.ErrBadMagic), errors.Is(err, rawconvert.ErrArchMismatch):
		return exitMagicMismatch
	case errors.Is(err, rawconvert.ErrUnsupportedVersion),
		errors.Is(err, rawconvert.ErrDowngrade),
		errors.Is(err, rawconvert.ErrSizeMismatch):
		return exitVersionLookup
	case errors.Is(err, rawconvert.ErrZlib):
		return exitConvertFail
	default:
		return exitConvertFail
	}
}
