package rawconvert

// versionSpec is one entry in the conversion table: a schema version's
// blob layout, plus (for every version after the first) the converters
// that build this version's blobs out of the previous version's. A nil
// entry in sConv/tConv for a given substructure means identityCopy.
type versionSpec struct {
	major, minor int

	sSizes map[SubID]int
	tSizes map[SubID]int
	sSpan  map[SubID]span
	tSpan  map[SubID]span

	sstatLen int
	tstatLen int

	// Converters that produce THIS version's blob from the previous
	// table entry's blob. Unset for versions[0].
	sConv map[SubID]ConverterFunc
	tConv map[SubID]ConverterFunc
}

func (v versionSpec) tag() uint16 {
	return uint16(v.major<<8 | v.minor)
}

func newVersion(major, minor int, sSizes, tSizes map[SubID]int, sConv, tConv map[SubID]ConverterFunc) versionSpec {
	return versionSpec{
		major:    major,
		minor:    minor,
		sSizes:   sSizes,
		tSizes:   tSizes,
		sSpan:    spansFor(sstatOrder, sSizes),
		tSpan:    spansFor(tstatOrder, tSizes),
		sstatLen: blobLen(sSizes, sstatOrder),
		tstatLen: blobLen(tSizes, tstatOrder),
		sConv:    sConv,
		tConv:    tConv,
	}
}

// versions is the conversion table, contiguous and ordered oldest to
// newest. Only the substructures that actually change between two
// adjacent entries carry a concrete converter; everything else is
// identity-copy by omission, per the "representative subset" allowance.
var versions = []versionSpec{
	// 1.0: baseline layout.
	newVersion(1, 0,
		map[SubID]int{SubCPU: 36, SubMem: 24, SubNet: 16, SubIntf: 12, SubDsk: 20, SubNfs: 12, SubCfs: 8, SubPsi: 12, SubGpu: 16, SubIfb: 8, SubWww: 16},
		map[SubID]int{SubGen: 28, SubCPU: 16, SubDsk: 16, SubMem: 20, SubNet: 12, SubGpu: 8},
		nil, nil,
	),
	// 1.1: widens the per-core CPU array (4 -> 8 cores); gen grows by
	// one reserved field via plain identity-copy (no renumbering yet).
	newVersion(1, 1,
		map[SubID]int{SubCPU: 68, SubMem: 24, SubNet: 16, SubIntf: 12, SubDsk: 20, SubNfs: 12, SubCfs: 8, SubPsi: 12, SubGpu: 16, SubIfb: 8, SubWww: 16},
		map[SubID]int{SubGen: 32, SubCPU: 16, SubDsk: 16, SubMem: 20, SubNet: 12, SubGpu: 8},
		map[SubID]ConverterFunc{SubCPU: convertCPUWiden},
		nil,
	),
	// 1.2: splits interface speed into speed/speed_prior/duplex/type;
	// renames gen's envid field to ctid+vpid.
	newVersion(1, 2,
		map[SubID]int{SubCPU: 68, SubMem: 24, SubNet: 16, SubIntf: 36, SubDsk: 20, SubNfs: 12, SubCfs: 8, SubPsi: 12, SubGpu: 16, SubIfb: 8, SubWww: 16},
		map[SubID]int{SubGen: 36, SubCPU: 16, SubDsk: 16, SubMem: 20, SubNet: 12, SubGpu: 8},
		map[SubID]ConverterFunc{SubIntf: convertIntfSplitSpeed},
		map[SubID]ConverterFunc{SubGen: convertGenEnvidToCtidVpid},
	),
	// 1.3: no layout change; ships as a pure identity-copy step so a
	// log already at 1.2 can still be "migrated" one step without any
	// substructure actually changing shape.
	newVersion(1, 3,
		map[SubID]int{SubCPU: 68, SubMem: 24, SubNet: 16, SubIntf: 36, SubDsk: 20, SubNfs: 12, SubCfs: 8, SubPsi: 12, SubGpu: 16, SubIfb: 8, SubWww: 16},
		map[SubID]int{SubGen: 36, SubCPU: 16, SubDsk: 16, SubMem: 20, SubNet: 12, SubGpu: 8},
		nil, nil,
	),
}

// lookupVersion returns the table index for tag (major<<8|minor, with
// the high "converted" bit already masked off by the caller).
func lookupVersion(tag uint16) (int, bool) {
	for i, v := range versions {
		if v.tag() == tag {
			return i, true
		}
	}
	return -1, false
}

func latestVersionIndex() int {
	return len(versions) - 1
}
