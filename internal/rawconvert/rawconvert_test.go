package rawconvert

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func testUname() Uname {
	return Uname{Sysname: "Linux", NodeName: "test", Release: "6.0", Version: "#1", Machine: "x86_64", PageSize: 4096}
}

// genRecordV0 builds one whole v1.0 tstat record whose leading "gen"
// substructure (28 bytes: pid, ppid, exitcode, 16-byte comm) carries the
// given pid and command name; the other substructures are zero.
func genRecordV0(pid uint32, comm string) []byte {
	buf := make([]byte, versions[0].tstatLen)
	putBeUint32(buf[0:4], pid)
	copy(buf[12:28], comm)
	return buf
}

func buildV0Log(t *testing.T, n int) []byte {
	t.Helper()
	var out bytes.Buffer
	h, err := HeaderFor(1, 0, testUname())
	require.NoError(t, err)
	require.NoError(t, writeHeader(&out, h))

	sstat := make([]byte, versions[0].sstatLen)
	recs := make([][]byte, n)
	for i := 0; i < n; i++ {
		recs[i] = genRecordV0(uint32(1000+i), "worker")
	}
	require.NoError(t, WriteSample(&out, 1700000000, 5, sstat, recs))
	return out.Bytes()
}

func TestConvertSameVersionCopiesThrough(t *testing.T) {
	raw := buildV0Log(t, 3)

	var out bytes.Buffer
	n, err := Convert(bytes.NewReader(raw), &out, 1, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	outBytes := out.Bytes()
	h, err := readHeader(bytes.NewReader(outBytes))
	require.NoError(t, err)
	require.Equal(t, versions[0].tag()|convertedBit, h.AVersion)

	// Body bytes (everything after the header) are untouched.
	require.Equal(t, raw[rawHeadLen:], outBytes[rawHeadLen:])
}

func TestConvertChainPreservesTaskIdentity(t *testing.T) {
	raw := buildV0Log(t, 10)

	var out bytes.Buffer
	target := latestVersionIndex()
	n, err := Convert(bytes.NewReader(raw), &out, versions[target].major, versions[target].minor)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	h, err := readHeader(&out)
	require.NoError(t, err)
	require.Equal(t, versions[target].tag()|convertedBit, h.AVersion)
	require.Equal(t, uint32(versions[target].sstatLen), h.SstatLen)
	require.Equal(t, uint32(versions[target].tstatLen), h.TstatLen)

	_, recs, err := DecodeSample(&out, versions[target].major, versions[target].minor)
	require.NoError(t, err)
	require.Len(t, recs, 10)

	off, size, ok := GenSpan(versions[target].major, versions[target].minor)
	require.True(t, ok)
	for i, rec := range recs {
		gen := rec[off : off+size]
		pid := beUint32(gen[0:4])
		require.Equal(t, uint32(1000+i), pid)
		comm := bytes.TrimRight(gen[12:28], "\x00")
		require.Equal(t, "worker", string(comm))
	}
}

func TestConvertStepwiseEqualsDirectChain(t *testing.T) {
	raw := buildV0Log(t, 4)

	var direct bytes.Buffer
	_, err := Convert(bytes.NewReader(raw), &direct, versions[2].major, versions[2].minor)
	require.NoError(t, err)

	var stepA, stepB bytes.Buffer
	_, err = Convert(bytes.NewReader(raw), &stepA, versions[1].major, versions[1].minor)
	require.NoError(t, err)
	_, err = Convert(bytes.NewReader(stepA.Bytes()), &stepB, versions[2].major, versions[2].minor)
	require.NoError(t, err)

	hDirect, err := readHeader(&direct)
	require.NoError(t, err)
	hChained, err := readHeader(&stepB)
	require.NoError(t, err)
	require.Equal(t, hDirect.AVersion, hChained.AVersion)

	_, directRecs, err := DecodeSample(&direct, versions[2].major, versions[2].minor)
	require.NoError(t, err)
	_, chainedRecs, err := DecodeSample(&stepB, versions[2].major, versions[2].minor)
	require.NoError(t, err)
	require.Equal(t, directRecs, chainedRecs)
}

func TestConvertRejectsDowngrade(t *testing.T) {
	var raw bytes.Buffer
	h, err := HeaderFor(versions[2].major, versions[2].minor, testUname())
	require.NoError(t, err)
	require.NoError(t, writeHeader(&raw, h))
	require.NoError(t, WriteSample(&raw, 1, 1, make([]byte, versions[2].sstatLen), nil))

	var out bytes.Buffer
	_, err = Convert(bytes.NewReader(raw.Bytes()), &out, versions[0].major, versions[0].minor)
	require.ErrorIs(t, err, ErrDowngrade)
}

func TestConvertRejectsBadMagic(t *testing.T) {
	h, err := HeaderFor(1, 0, testUname())
	require.NoError(t, err)
	h.Magic = 0xdeadbeef
	var raw bytes.Buffer
	require.NoError(t, writeHeader(&raw, h))

	var out bytes.Buffer
	_, err = Convert(bytes.NewReader(raw.Bytes()), &out, -1, -1)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestConvertRejectsSizeMismatch(t *testing.T) {
	h, err := HeaderFor(1, 0, testUname())
	require.NoError(t, err)
	h.SstatLen = 1 // corrupt
	var raw bytes.Buffer
	require.NoError(t, writeHeader(&raw, h))

	var out bytes.Buffer
	_, err = Convert(bytes.NewReader(raw.Bytes()), &out, -1, -1)
	require.ErrorIs(t, err, ErrSizeMismatch)
}

func TestIdentityCopyZeroPadsExtraBytes(t *testing.T) {
	old := []byte{1, 2, 3, 4}
	new := make([]byte, 8) // engine always pre-zeroes before dispatch
	identityCopy(old, new)
	require.Equal(t, []byte{1, 2, 3, 4, 0, 0, 0, 0}, new)
}
