// Package rawconvert implements the offline schema-migration engine for
// the raw sample-log format: a fixed header followed by a sequence of
// {sample header, zlib(sstat), zlib(tstat[n])} triples. It detects the
// schema version embedded in the header, walks a per-substructure
// converter table one version step at a time, and writes an equivalent
// stream at the requested target version.
package rawconvert

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic is the fixed 4-byte tag every raw log begins with.
	Magic uint32 = 0xFEEDBEEF

	// convertedBit marks a header's version field as having passed
	// through this tool at least once.
	convertedBit uint16 = 0x8000
	versionMask  uint16 = 0x7FFF
)

var (
	ErrBadMagic           = errors.New("rawconvert: bad magic")
	ErrArchMismatch       = errors.New("rawconvert: record header/length does not match this build's alignment")
	ErrUnsupportedVersion = errors.New("rawconvert: source version not present in the conversion table")
	ErrDowngrade          = errors.New("rawconvert: target version precedes source version")
	ErrSizeMismatch       = errors.New("rawconvert: header sstat/tstat length disagrees with the conversion table")
	ErrZlib               = errors.New("rawconvert: zlib stream error")
)

// Header is the fixed preamble of a raw log file.
type Header struct {
	Magic        uint32
	AVersion     uint16 // (major<<8|minor), high bit set once converted
	RawHeadLen   uint16
	RawRecLen    uint16
	SstatLen     uint32
	TstatLen     uint32
	PageSize     uint32
	SupportFlags uint32
	Sysname      [65]byte
	NodeName     [65]byte
	Release      [65]byte
	Version      [65]byte
	Machine      [65]byte
}

// rawHeadLen/rawRecLen are the "this CPU's alignment" constants the
// engine checks an input header against; they describe this Go build's
// own fixed Header/SampleHeader encoding, not the variable-length sstat
// blob sizes (which are looked up by version instead).
const (
	rawHeadLen = 4 + 2 + 2 + 2 + 4 + 4 + 4 + 4 + 65*5
	rawRecLen  = 8 + 4 + 4 + 4 + 4 + 4
)

// SampleHeader precedes each sample's compressed sstat/tstat blobs.
type SampleHeader struct {
	Curtime      int64
	Interval     int32
	NumDeviat    uint32 // tasks that exited/deviated this interval
	SstatCompLen uint32
	TstatCompLen uint32
	Flags        uint32
}

func readHeader(r io.Reader) (Header, error) {
	var h Header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return Header{}, fmt.Errorf("rawconvert: read header: %w", err)
	}
	return h, nil
}

// WriteHeader writes h to w. Exported for callers constructing synthetic
// raw logs (tests, fixture generators) outside this package.
func WriteHeader(w io.Writer, h Header) error {
	return writeHeader(w, h)
}

func writeHeader(w io.Writer, h Header) error {
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("rawconvert: write header: %w", err)
	}
	return nil
}

func readSampleHeader(r io.Reader) (SampleHeader, error) {
	var sh SampleHeader
	if err := binary.Read(r, binary.LittleEndian, &sh); err != nil {
		return SampleHeader{}, err
	}
	return sh, nil
}

func writeSampleHeader(w io.Writer, sh SampleHeader) error {
	return binary.Write(w, binary.LittleEndian, &sh)
}

// Convert reads a raw log from r and writes the equivalent stream at
// (targetMajor, targetMinor) to w. targetMajor < 0 means "latest version
// this table knows".
func Convert(r io.Reader, w io.Writer, targetMajor, targetMinor int) (samples int64, err error) {
	in, err := readHeader(r)
	if err != nil {
		return 0, err
	}
	if in.Magic != Magic {
		return 0, ErrBadMagic
	}
	if int(in.RawHeadLen) != rawHeadLen || int(in.RawRecLen) != rawRecLen {
		return 0, ErrArchMismatch
	}

	srcTag := in.AVersion &^ convertedBit
	srcIdx, ok := lookupVersion(srcTag)
	if !ok {
		return 0, ErrUnsupportedVersion
	}

	dstIdx := latestVersionIndex()
	if targetMajor >= 0 {
		idx, ok := lookupVersion(uint16(targetMajor<<8 | targetMinor))
		if !ok {
			return 0, ErrUnsupportedVersion
		}
		dstIdx = idx
	}
	if srcIdx > dstIdx {
		return 0, ErrDowngrade
	}

	src := versions[srcIdx]
	if int(in.SstatLen) != src.sstatLen || int(in.TstatLen) != src.tstatLen {
		return 0, ErrSizeMismatch
	}

	dst := versions[dstIdx]
	out := in
	out.AVersion = dst.tag() | convertedBit
	out.SstatLen = uint32(dst.sstatLen)
	out.TstatLen = uint32(dst.tstatLen)
	if err := writeHeader(w, out); err != nil {
		return 0, err
	}

	if srcIdx == dstIdx {
		n, err := copySamples(r, w)
		return n, err
	}
	return convertSamples(r, w, srcIdx, dstIdx)
}

// copySamples is the same-version path: samples are copied verbatim,
// since only the header's converted bit changes.
func copySamples(r io.Reader, w io.Writer) (int64, error) {
	var n int64
	for {
		sh, err := readSampleHeader(r)
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, unexpectedEOFIsNormal(err)
		}
		if err := writeSampleHeader(w, sh); err != nil {
			return n, err
		}
		if err := copyN(w, r, int64(sh.SstatCompLen)); err != nil {
			return n, err
		}
		if err := copyN(w, r, int64(sh.TstatCompLen)); err != nil {
			return n, err
		}
		n++
	}
}

func copyN(w io.Writer, r io.Reader, n int64) error {
	_, err := io.CopyN(w, r, n)
	return err
}

// unexpectedEOFIsNormal maps a truncated final sample to a clean end of
// stream rather than an error.
func unexpectedEOFIsNormal(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return nil
	}
	return err
}

// convertSamples walks every sample through the version chain
// [srcIdx..dstIdx), one step at a time, per substructure.
func convertSamples(r io.Reader, w io.Writer, srcIdx, dstIdx int) (int64, error) {
	var n int64
	for {
		sh, err := readSampleHeader(r)
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, unexpectedEOFIsNormal(err)
		}

		// readCompressed returns a nil blob with a nil error for a
		// truncated final sample: that ends the stream cleanly.
		sstat, err := readCompressed(r, int(sh.SstatCompLen), versions[srcIdx].sstatLen)
		if err != nil || sstat == nil {
			return n, err
		}
		tstat, err := readCompressed(r, int(sh.TstatCompLen), versions[srcIdx].tstatLen*int(sh.NumDeviat))
		if err != nil || tstat == nil {
			return n, err
		}

		for step := srcIdx; step < dstIdx; step++ {
			sstat = convertSstat(sstat, step)
			tstat = convertTstatArray(tstat, step, int(sh.NumDeviat))
		}

		sstatComp, err := compressBlob(sstat)
		if err != nil {
			return n, err
		}
		tstatComp, err := compressBlob(tstat)
		if err != nil {
			return n, err
		}

		out := sh
		out.SstatCompLen = uint32(len(sstatComp))
		out.TstatCompLen = uint32(len(tstatComp))
		if err := writeSampleHeader(w, out); err != nil {
			return n, err
		}
		if _, err := w.Write(sstatComp); err != nil {
			return n, err
		}
		if _, err := w.Write(tstatComp); err != nil {
			return n, err
		}
		n++
	}
}

// convertSstat runs one version step (step -> step+1) over a single
// sstat blob.
func convertSstat(old []byte, step int) []byte {
	from, to := versions[step], versions[step+1]
	new := make([]byte, to.sstatLen)
	for _, id := range sstatOrder {
		srcSpan, dstSpan := from.sSpan[id], to.sSpan[id]
		conv := to.sConv[id]
		if conv == nil {
			conv = identityCopy
		}
		conv(old[srcSpan.offset:srcSpan.offset+srcSpan.size], new[dstSpan.offset:dstSpan.offset+dstSpan.size])
	}
	return new
}

// convertTstatArray runs one version step over an array of n
// back-to-back tstat records.
func convertTstatArray(old []byte, step int, n int) []byte {
	from, to := versions[step], versions[step+1]
	new := make([]byte, to.tstatLen*n)
	for i := 0; i < n; i++ {
		oldRec := old[i*from.tstatLen : (i+1)*from.tstatLen]
		newRec := new[i*to.tstatLen : (i+1)*to.tstatLen]
		for _, id := range tstatOrder {
			srcSpan, dstSpan := from.tSpan[id], to.tSpan[id]
			conv := to.tConv[id]
			if conv == nil {
				conv = identityCopy
			}
			conv(oldRec[srcSpan.offset:srcSpan.offset+srcSpan.size], newRec[dstSpan.offset:dstSpan.offset+dstSpan.size])
		}
	}
	return new
}

func readCompressed(r io.Reader, compLen, rawLen int) ([]byte, error) {
	buf := make([]byte, compLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, unexpectedEOFIsNormal(err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrZlib, err)
	}
	defer zr.Close()
	out := make([]byte, rawLen)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrZlib, err)
	}
	return out, nil
}

func compressBlob(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return nil, fmt.Errorf("%w: %v", ErrZlib, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrZlib, err)
	}
	return buf.Bytes(), nil
}

// HeaderFor builds a fresh Header for version (major, minor), stamping
// RawHeadLen/RawRecLen/SstatLen/TstatLen from the conversion table.
// Writers producing test fixtures or fresh logs use this instead of
// hand-filling the struct.
func HeaderFor(major, minor int, uname Uname) (Header, error) {
	idx, ok := lookupVersion(uint16(major<<8 | minor))
	if !ok {
		return Header{}, ErrUnsupportedVersion
	}
	v := versions[idx]
	h := Header{
		Magic:      Magic,
		AVersion:   v.tag(),
		RawHeadLen: rawHeadLen,
		RawRecLen:  rawRecLen,
		SstatLen:   uint32(v.sstatLen),
		TstatLen:   uint32(v.tstatLen),
		PageSize:   uname.PageSize,
	}
	copyCString(h.Sysname[:], uname.Sysname)
	copyCString(h.NodeName[:], uname.NodeName)
	copyCString(h.Release[:], uname.Release)
	copyCString(h.Version[:], uname.Version)
	copyCString(h.Machine[:], uname.Machine)
	return h, nil
}

// Uname carries the kernel/arch metadata stamped into a Header.
type Uname struct {
	Sysname, NodeName, Release, Version, Machine string
	PageSize                                     uint32
}

func copyCString(dst []byte, s string) {
	n := copy(dst, s)
	if n < len(dst) {
		dst[n] = 0
	}
}
