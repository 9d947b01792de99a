package rawconvert

import (
	"io"
)

// WriteSample appends one sample at the given schema version to w.
// tstatRecords are concatenated in order; NumDeviat is derived from
// their count. Used by tests and by any future recording path that
// wants to produce a raw log this engine can later migrate.
func WriteSample(w io.Writer, curtime int64, interval int32, sstat []byte, tstatRecords [][]byte) error {
	tstat := make([]byte, 0, len(tstatRecords)*recLenOrZero(tstatRecords))
	for _, rec := range tstatRecords {
		tstat = append(tstat, rec...)
	}

	sstatComp, err := compressBlob(sstat)
	if err != nil {
		return err
	}
	tstatComp, err := compressBlob(tstat)
	if err != nil {
		return err
	}

	sh := SampleHeader{
		Curtime:      curtime,
		Interval:     interval,
		NumDeviat:    uint32(len(tstatRecords)),
		SstatCompLen: uint32(len(sstatComp)),
		TstatCompLen: uint32(len(tstatComp)),
	}
	if err := writeSampleHeader(w, sh); err != nil {
		return err
	}
	if _, err := w.Write(sstatComp); err != nil {
		return err
	}
	if _, err := w.Write(tstatComp); err != nil {
		return err
	}
	return nil
}

func recLenOrZero(recs [][]byte) int {
	if len(recs) == 0 {
		return 0
	}
	return len(recs[0])
}

// DecodeSample reads one sample at schema version (major, minor) back
// out of r: the raw sstat blob and the individual per-task tstat
// records, already decompressed and split.
func DecodeSample(r io.Reader, major, minor int) (sstat []byte, tstatRecords [][]byte, err error) {
	idx, ok := lookupVersion(uint16(major<<8 | minor))
	if !ok {
		return nil, nil, ErrUnsupportedVersion
	}
	sh, err := readSampleHeader(r)
	if err != nil {
		return nil, nil, err
	}
	v := versions[idx]
	sstat, err = readCompressed(r, int(sh.SstatCompLen), v.sstatLen)
	if err != nil {
		return nil, nil, err
	}
	tstat, err := readCompressed(r, int(sh.TstatCompLen), v.tstatLen*int(sh.NumDeviat))
	if err != nil {
		return nil, nil, err
	}
	recs := make([][]byte, sh.NumDeviat)
	for i := range recs {
		recs[i] = tstat[i*v.tstatLen : (i+1)*v.tstatLen]
	}
	return sstat, recs, nil
}

// GenSpan returns the byte offset and size of the "gen" substructure
// within one tstat record at schema version (major, minor). Exposed so
// callers (tests, and any future task-list UI) can read pid/comm
// without duplicating the layout table.
func GenSpan(major, minor int) (offset, size int, ok bool) {
	idx, ok := lookupVersion(uint16(major<<8 | minor))
	if !ok {
		return 0, 0, false
	}
	s, ok := versions[idx].tSpan[SubGen]
	return s.offset, s.size, ok
}
