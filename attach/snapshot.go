// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package attach

import (
	"slices"

	"github.com/google/uuid"
	"github.com/siderolabs/go-pointer"
	"go.uber.org/zap"

	"github.com/nandcore/ubiattach/onflash"
)

// UnknownEC marks a PEB record whose erase counter was unreadable at scan
// time; the scanner back-fills it with the medium's mean EC once known.
const UnknownEC = ^uint64(0)

// PEBClass segregates erase-count statistics when SLC tracking is enabled.
// It is meaningless (always ClassDefault) otherwise.
type PEBClass int

// PEB classes.
const (
	ClassDefault PEBClass = iota
	ClassSLC
	ClassTLC
)

// PEBRecord is the in-memory record of one physical eraseblock. It is owned
// by exactly one container at a time: a volume's LEB map, or one of the
// snapshot's free/erase/corrupt/alien/waiting lists.
type PEBRecord struct {
	PNum uint32

	EC uint64

	VolID   uint32
	VolType onflash.VolType
	LNum    uint32
	SQNum   uint64

	CopyFlag    bool
	ScrubNeeded bool
	ScrubReason *string

	// DataSize and DataCRC mirror the VID header fields of the same name,
	// kept here so the reconciler can re-verify an already-recorded copy
	// if it turns out to be the candidate newer copy the next time it
	// loses reconciliation against yet another duplicate.
	DataSize uint32
	DataCRC  uint32

	Class PEBClass
}

// Volume is the in-memory record of one volume discovered during scan.
type Volume struct {
	VolID   uint32
	VolType onflash.VolType
	Compat  onflash.Compat

	DataPad uint32
	UsedEBs uint32 // STATIC only; 0 for DYNAMIC

	HighestLNum  uint32
	LastDataSize *uint32

	lebMap map[uint32]*PEBRecord
}

// newVolume creates a volume record seeded from the VID header of its first
// discovered LEB.
func newVolume(vid *onflash.VID) *Volume {
	return &Volume{
		VolID:   vid.VolID,
		VolType: vid.VolType,
		Compat:  vid.Compat,
		DataPad: vid.DataPad,
		UsedEBs: vid.UsedEBs,
		lebMap:  make(map[uint32]*PEBRecord),
	}
}

// LEBCount returns the number of LEBs currently mapped.
func (v *Volume) LEBCount() int {
	return len(v.lebMap)
}

// LEBNumbers returns this volume's LEB numbers in ascending order, giving
// deterministic iteration over what is otherwise a plain map.
func (v *Volume) LEBNumbers() []uint32 {
	keys := make([]uint32, 0, len(v.lebMap))
	for k := range v.lebMap {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}

// PEBFor returns the PEB record holding lnum, if any.
func (v *Volume) PEBFor(lnum uint32) (*PEBRecord, bool) {
	r, ok := v.lebMap[lnum]
	return r, ok
}

// Snapshot is the complete in-memory attach result: every volume's LEB map
// plus the free/erase/corrupt/alien/waiting queues and aggregate stats.
type Snapshot struct {
	AttachID uuid.UUID

	volumes      map[uint32]*Volume
	HighestVolID uint32

	Free    []*PEBRecord
	Erase   []*PEBRecord
	Corrupt []*PEBRecord
	Alien   []*PEBRecord
	Waiting []*PEBRecord

	BadPEBCount      int
	GoodPEBCount     int
	CorrPEBCount     int
	EmptyPEBCount    int
	MaybeBadPEBCount int
	AlienPEBCount    int

	ECSum, ECCount  uint64
	MinEC, MaxEC    uint64
	MeanEC          uint64
	SLCECSum        uint64
	SLCECCount      uint64
	TLCECSum        uint64
	TLCECCount      uint64
	SLCMeanEC       uint64
	TLCMeanEC       uint64

	MaxSQNum uint64
	ImageSeq uint32
	IsEmpty  bool

	// ReadOnly is set once a recovery write exhausts its retry budget
	// (§4.I step 4, §7 TRANSIENT): the medium is no longer considered
	// safe to write to for the remainder of this attach.
	ReadOnly bool

	logger    *zap.Logger
	crcReader crcReaderFunc
}

// crcReaderFunc reads and checksums a PEB's data area. The scanner installs
// a medium-backed implementation via SetCRCReader so AddToAV's
// reconciliation can verify a copy-flagged candidate's data CRC without the
// snapshot package importing device.
type crcReaderFunc func(pnum uint32, dataSize uint32) (crc uint32, outcome PEBReadOutcome, err error)

// PEBReadOutcome narrows device.Outcome to what the reconciler's CRC read
// needs to distinguish.
type PEBReadOutcome int

// Outcomes the reconciler's data-area CRC read can report.
const (
	PEBReadOK PEBReadOutcome = iota
	PEBReadBitflips
	PEBReadECCError
)

// SetCRCReader installs the function AddToAV uses to re-read and checksum a
// PEB's data area when reconciling a copy-flagged candidate.
func (s *Snapshot) SetCRCReader(f crcReaderFunc) {
	s.crcReader = f
}

// ListKind names one of the snapshot's non-volume PEB queues.
type ListKind int

// List kinds add_to_list can target.
const (
	ListFree ListKind = iota
	ListErase
	ListAlien
	ListWaiting
)

// NewSnapshot creates an empty attach snapshot.
func NewSnapshot(logger *zap.Logger) *Snapshot {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Snapshot{
		AttachID: uuid.New(),
		volumes:  make(map[uint32]*Volume),
		MinEC:    UnknownEC,
		logger:   logger,
	}
}

// VolumeIDs returns every known volume id in ascending order.
func (s *Snapshot) VolumeIDs() []uint32 {
	keys := make([]uint32, 0, len(s.volumes))
	for k := range s.volumes {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}

// FindVolume looks up a volume by id.
func (s *Snapshot) FindVolume(volID uint32) (*Volume, bool) {
	v, ok := s.volumes[volID]
	return v, ok
}

// AddVolume returns the existing volume record for vid.VolID, or creates and
// registers a new one seeded from vid.
func (s *Snapshot) AddVolume(vid *onflash.VID) *Volume {
	if v, ok := s.volumes[vid.VolID]; ok {
		return v
	}

	v := newVolume(vid)
	s.volumes[vid.VolID] = v

	if vid.VolID > s.HighestVolID || len(s.volumes) == 1 {
		s.HighestVolID = vid.VolID
	}

	return v
}

// RemoveVolume detaches every PEB currently held by vol into the erase
// queue and forgets the volume record.
func (s *Snapshot) RemoveVolume(vol *Volume) {
	for _, lnum := range vol.LEBNumbers() {
		rec := vol.lebMap[lnum]
		s.Erase = append(s.Erase, rec)
	}

	delete(s.volumes, vol.VolID)
}

// ValidateVIDHeader enforces §4.D's cross-LEB invariant: every non-first LEB
// of a volume must agree on vol_id, normalized vol_type, used_ebs and
// data_pad with the volume's accumulated record.
func ValidateVIDHeader(vol *Volume, vid *onflash.VID) error {
	if vid.VolID != vol.VolID {
		return wrapf(KindFormat, ErrMismatchedVID, "vol_id %d does not match volume %d", vid.VolID, vol.VolID)
	}

	if vid.VolType != vol.VolType {
		return wrapf(KindFormat, ErrMismatchedVID, "vol_type %s does not match volume's %s", vid.VolType, vol.VolType)
	}

	if vid.UsedEBs != vol.UsedEBs {
		return wrapf(KindFormat, ErrMismatchedVID, "used_ebs %d does not match volume's %d", vid.UsedEBs, vol.UsedEBs)
	}

	if vid.DataPad != vol.DataPad {
		return wrapf(KindFormat, ErrMismatchedVID, "data_pad %d does not match volume's %d", vid.DataPad, vol.DataPad)
	}

	return nil
}

// AddToAV inserts a used PEB into its volume's LEB map (add_to_av). If the
// slot is occupied, the reconciler decides the winner; the loser is pushed
// onto erase, at the head when it was corrupt, at the tail otherwise.
func (s *Snapshot) AddToAV(pnum uint32, ec uint64, vid *onflash.VID, bitflips bool) error {
	vol := s.AddVolume(vid)

	if existing, ok := vol.lebMap[vid.LNum]; ok {
		cmp, err := Compare(existing, pnum, vid, s.readDataCRC)
		if err != nil {
			return err
		}

		winnerIsNew := cmp&CompareNewerIsSecond != 0
		scrub := cmp&CompareScrubNewer != 0
		loserCorrupt := cmp&CompareOlderCorrupted != 0

		var loser *PEBRecord

		if winnerIsNew {
			loser = existing
			vol.lebMap[vid.LNum] = &PEBRecord{
				PNum: pnum, EC: ec, VolID: vid.VolID, VolType: vid.VolType, LNum: vid.LNum,
				SQNum: vid.SQNum, CopyFlag: vid.CopyFlag, ScrubNeeded: scrub || bitflips,
				DataSize: vid.DataSize, DataCRC: vid.DataCRC,
			}
		} else {
			loser = &PEBRecord{
				PNum: pnum, EC: ec, VolID: vid.VolID, VolType: vid.VolType, LNum: vid.LNum,
				SQNum: vid.SQNum, CopyFlag: vid.CopyFlag, DataSize: vid.DataSize, DataCRC: vid.DataCRC,
			}
			existing.ScrubNeeded = existing.ScrubNeeded || scrub
		}

		if loserCorrupt {
			s.Erase = append([]*PEBRecord{loser}, s.Erase...)
		} else {
			s.Erase = append(s.Erase, loser)
		}

		winner := vol.lebMap[vid.LNum]
		if winner.SQNum > s.MaxSQNum {
			s.MaxSQNum = winner.SQNum
		}

		s.updateHighest(vol, vid.LNum)

		return nil
	}

	if err := ValidateVIDHeader(vol, vid); err != nil {
		return err
	}

	vol.lebMap[vid.LNum] = &PEBRecord{
		PNum: pnum, EC: ec, VolID: vid.VolID, VolType: vid.VolType, LNum: vid.LNum,
		SQNum: vid.SQNum, CopyFlag: vid.CopyFlag, ScrubNeeded: bitflips,
		DataSize: vid.DataSize, DataCRC: vid.DataCRC,
	}

	if vid.SQNum > s.MaxSQNum {
		s.MaxSQNum = vid.SQNum
	}

	s.updateHighest(vol, vid.LNum)

	return nil
}

func (s *Snapshot) updateHighest(vol *Volume, lnum uint32) {
	if lnum >= vol.HighestLNum || vol.LEBCount() == 1 {
		vol.HighestLNum = lnum

		if rec, ok := vol.lebMap[lnum]; ok {
			vol.LastDataSize = pointer.To(rec.DataSize)
		}
	}
}

// readDataCRC reads and checksums pnum's data area via the installed
// crcReader, defaulting to a no-op "CRC good" outcome when none is
// installed (e.g. in header-only unit tests).
func (s *Snapshot) readDataCRC(pnum uint32, dataSize uint32) (crc uint32, outcome PEBReadOutcome, err error) {
	if s.crcReader == nil {
		return 0, PEBReadOK, nil
	}

	return s.crcReader(pnum, dataSize)
}

// AddToList pushes pnum onto one of the free/erase/alien/waiting queues
// (add_to_list). toHead is used for corrupt-origin entries so they are
// erased before older, merely-stale entries.
func (s *Snapshot) AddToList(rec *PEBRecord, which ListKind, toHead bool) {
	var target *[]*PEBRecord

	switch which {
	case ListFree:
		target = &s.Free
	case ListErase:
		target = &s.Erase
	case ListAlien:
		target = &s.Alien
	case ListWaiting:
		target = &s.Waiting
	}

	if toHead {
		*target = append([]*PEBRecord{rec}, *target...)
	} else {
		*target = append(*target, rec)
	}
}

// AddCorrupt pushes pnum onto the corrupt queue and increments the
// corruption counter.
func (s *Snapshot) AddCorrupt(rec *PEBRecord) {
	s.Corrupt = append(s.Corrupt, rec)
	s.CorrPEBCount++
}

// AccountEC folds ec into the running sum/mean/extrema, segregated by class
// when SLC tracking is active.
func (s *Snapshot) AccountEC(ec uint64, class PEBClass) {
	if ec == UnknownEC {
		return
	}

	s.ECSum += ec
	s.ECCount++

	if s.MinEC == UnknownEC || ec < s.MinEC {
		s.MinEC = ec
	}

	if ec > s.MaxEC {
		s.MaxEC = ec
	}

	switch class {
	case ClassSLC:
		s.SLCECSum += ec
		s.SLCECCount++
	case ClassTLC:
		s.TLCECSum += ec
		s.TLCECCount++
	}
}
