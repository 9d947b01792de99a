package acctreader

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Atoptool/atop-sub001/internal/acctrec"
	"github.com/Atoptool/atop-sub001/internal/dlog"
	"github.com/Atoptool/atop-sub001/internal/shadowstore"
)

// v3Record builds one valid 64-byte struct-acct_v3 record with the given
// comm string, for use as test fixture bytes.
func v3Record(comm string) []byte {
	b := make([]byte, acctrec.SizeV3)
	b[1] = 0x03 // version nibble
	copy(b[48:48+16], comm)
	return b
}

// v2Record builds one valid 64-byte struct-acct record with the given
// comm string and uid/gid, for use as test fixture bytes.
func v2Record(comm string, uid, gid uint16) []byte {
	b := make([]byte, acctrec.SizeV2)
	b[1] = 0x02 // version nibble
	binary.LittleEndian.PutUint16(b[2:4], uid)
	binary.LittleEndian.PutUint16(b[4:6], gid)
	copy(b[36:36+16], comm)
	return b
}

func newDaemonModeReaderV2(t *testing.T, maxrec int64) (*Reader, *shadowstore.Store) {
	t.Helper()
	root := t.TempDir()
	store, err := shadowstore.Open(root)
	require.NoError(t, err)

	return &Reader{
		root:    root,
		log:     dlog.NewDiscard(dlog.FacilityReader),
		mode:    ModeDaemon,
		store:   store,
		maxrec:  maxrec,
		layout:  acctrec.LayoutV2,
		recSize: acctrec.SizeV2,
	}, store
}

func newDaemonModeReader(t *testing.T, maxrec int64) (*Reader, *shadowstore.Store) {
	t.Helper()
	root := t.TempDir()
	store, err := shadowstore.Open(root)
	require.NoError(t, err)

	return &Reader{
		root:    root,
		log:     dlog.NewDiscard(dlog.FacilityReader),
		mode:    ModeDaemon,
		store:   store,
		maxrec:  maxrec,
		layout:  acctrec.LayoutV3,
		recSize: acctrec.SizeV3,
	}, store
}

func writeShadowFile(t *testing.T, store *shadowstore.Store, seq int64, records [][]byte) {
	t.Helper()
	f, err := store.Create(seq)
	require.NoError(t, err)
	for _, rec := range records {
		_, err := f.Write(rec)
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
}

func TestCountAvailableWithinCurrentFile(t *testing.T) {
	r, store := newDaemonModeReader(t, 10)
	writeShadowFile(t, store, 0, [][]byte{v3Record("a"), v3Record("b")})
	require.NoError(t, store.SetCurrent(0, 10))

	fd, err := store.OpenForRead(0)
	require.NoError(t, err)
	r.fd = fd
	r.seq = 0
	r.offset = 0

	n, err := r.CountAvailable(nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestCountAvailableAcrossRotation(t *testing.T) {
	r, store := newDaemonModeReader(t, 2)
	writeShadowFile(t, store, 0, [][]byte{v3Record("a"), v3Record("b")})
	writeShadowFile(t, store, 1, [][]byte{v3Record("c"), v3Record("d")})
	writeShadowFile(t, store, 2, [][]byte{v3Record("e")})
	require.NoError(t, store.SetCurrent(2, 2))

	fd, err := store.OpenForRead(0)
	require.NoError(t, err)
	r.fd = fd
	r.seq = 0
	r.offset = 0

	n, err := r.CountAvailable(nil)
	require.NoError(t, err)
	// file 0 has 2 records unread, file 1 (fully skipped, newseq-seq-1=1
	// full file of maxrec=2) contributes 2, file 2 (newest) contributes 1.
	require.Equal(t, int64(2+2+1), n)
}

func TestCountAvailableDaemonRestartReportsZero(t *testing.T) {
	r, store := newDaemonModeReader(t, 2)
	writeShadowFile(t, store, 5, [][]byte{v3Record("a"), v3Record("b")})
	require.NoError(t, store.SetCurrent(0, 2)) // daemon restarted at seq 0

	fd, err := store.OpenForRead(5)
	require.NoError(t, err)
	r.fd = fd
	r.seq = 5
	r.offset = 0

	n, err := r.CountAvailable(nil)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReadNextSwitchesShadowFileOnExhaustion(t *testing.T) {
	r, store := newDaemonModeReader(t, 1)
	writeShadowFile(t, store, 0, [][]byte{v3Record("first")})
	writeShadowFile(t, store, 1, [][]byte{v3Record("second")})

	fd, err := store.OpenForRead(0)
	require.NoError(t, err)
	r.fd = fd
	r.seq = 0
	r.offset = 0

	recs, err := r.ReadNext(2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "first", recs[0].Comm)
	require.Equal(t, "second", recs[1].Comm)
	require.Equal(t, int64(1), r.seq)
}

func TestSkipCrossesShadowFileBoundary(t *testing.T) {
	r, store := newDaemonModeReader(t, 2)
	writeShadowFile(t, store, 0, [][]byte{v3Record("a"), v3Record("b")})
	writeShadowFile(t, store, 1, [][]byte{v3Record("c"), v3Record("d")})

	fd, err := store.OpenForRead(0)
	require.NoError(t, err)
	r.fd = fd
	r.seq = 0
	r.offset = 0

	require.NoError(t, r.Skip(3))
	require.Equal(t, int64(1), r.seq)
	require.Equal(t, int64(1*acctrec.SizeV3), r.offset)

	recs, err := r.ReadNext(1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "d", recs[0].Comm)
}

func TestReadNextDecodesV2Layout(t *testing.T) {
	r, store := newDaemonModeReaderV2(t, 10)
	writeShadowFile(t, store, 0, [][]byte{v2Record("sshd", 1001, 1002)})

	fd, err := store.OpenForRead(0)
	require.NoError(t, err)
	r.fd = fd
	r.seq = 0
	r.offset = 0

	recs, err := r.ReadNext(1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "sshd", recs[0].Comm)
	require.Equal(t, uint32(1001), recs[0].Uid)
	require.Equal(t, uint32(1002), recs[0].Gid)
	require.Zero(t, recs[0].Pid)
}

func TestParseCurrent(t *testing.T) {
	seq, maxrec, err := ParseCurrent("7/10000\n")
	require.NoError(t, err)
	require.Equal(t, int64(7), seq)
	require.Equal(t, int64(10000), maxrec)

	_, _, err = ParseCurrent("garbage")
	require.Error(t, err)
}
