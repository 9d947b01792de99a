package acctrec

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectLayout(t *testing.T) {
	buf := make([]byte, SizeV3)

	buf[1] = 0x03
	layout, n, err := Detect(buf)
	require.NoError(t, err)
	require.Equal(t, LayoutV3, layout)
	require.Equal(t, SizeV3, n)

	buf[1] = 0x02
	layout, n, err = Detect(buf)
	require.NoError(t, err)
	require.Equal(t, LayoutV2, layout)
	require.Equal(t, SizeV2, n)

	buf[1] = 0x07
	_, _, err = Detect(buf)
	require.ErrorIs(t, err, ErrUnknownLayout)
}

func TestDetectShortBuffer(t *testing.T) {
	_, _, err := Detect([]byte{0x00})
	require.ErrorIs(t, err, ErrShortRecord)
}

func TestExpandComp(t *testing.T) {
	// exponent 0: value passes through unchanged.
	require.Equal(t, uint64(100), ExpandComp(100))
	// exponent 1, mantissa 1: 1 << 3 == 8.
	require.Equal(t, uint64(8), ExpandComp(1<<13|1))
}

func TestDecodeV3RoundTrip(t *testing.T) {
	buf := make([]byte, SizeV3)
	buf[1] = 0x03
	binary.LittleEndian.PutUint32(buf[16:20], 4242) // pid
	binary.LittleEndian.PutUint32(buf[20:24], 7)     // ppid
	binary.LittleEndian.PutUint32(buf[8:12], 1000)   // uid
	binary.LittleEndian.PutUint32(buf[4:8], 0)       // exitcode
	copy(buf[48:48+commLen], "bash")

	rec, err := Decode(buf, LayoutV3)
	require.NoError(t, err)
	require.Equal(t, uint32(4242), rec.Pid)
	require.Equal(t, uint32(7), rec.Ppid)
	require.Equal(t, uint32(1000), rec.Uid)
	require.Equal(t, "bash", rec.Comm)
}

func TestDecodeV2HasNoPid(t *testing.T) {
	buf := make([]byte, SizeV2)
	buf[1] = 0x02
	binary.LittleEndian.PutUint16(buf[2:4], 1001)  // ac_uid16
	binary.LittleEndian.PutUint16(buf[4:6], 1002)  // ac_gid16
	binary.LittleEndian.PutUint16(buf[16:18], 600) // ac_etime
	copy(buf[36:36+commLen+1], "sshd")

	rec, err := Decode(buf, LayoutV2)
	require.NoError(t, err)
	require.Zero(t, rec.Pid)
	require.Equal(t, uint32(1001), rec.Uid)
	require.Equal(t, uint32(1002), rec.Gid)
	require.Equal(t, uint64(600), rec.ElapsedHZ)
	require.Equal(t, "sshd", rec.Comm)
}

func TestDecodeShortRecord(t *testing.T) {
	_, err := Decode(make([]byte, 10), LayoutV3)
	require.ErrorIs(t, err, ErrShortRecord)
}
