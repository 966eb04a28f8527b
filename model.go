// File model contains the structs which match the on-disk structures of the card and the FAT32 volume.
// They are decoded with encoding/binary in little endian order.

package sdfat

const (
	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrArchive   = 0x20
	attrLongName  = attrReadOnly | attrHidden | attrSystem | attrVolumeID

	// attrLongNameMask covers the bits which identify a long name slot.
	attrLongNameMask = 0x3F
)

const (
	slotSize = 32

	slotEnd     = 0x00
	slotDeleted = 0xE5
	slotDot     = 0x2E
	// slotKanji is stored instead of 0xE5 as first name byte of a valid entry.
	slotKanji = 0x05

	lastLongNameSlot = 0x40
)

const (
	partitionTypeFAT32    = 0x0B
	partitionTypeFAT32LBA = 0x0C

	bootSignature = 0xAA55
)

// partitionEntry is one of the four MBR partition table entries, starting at byte 446.
type partitionEntry struct {
	Status      byte
	CHSFirst    [3]byte
	Type        byte
	CHSLast     [3]byte
	FirstLBA    uint32
	SectorCount uint32
}

// masterBootRecord is block 0 of the card.
type masterBootRecord struct {
	BootCode   [446]byte
	Partitions [4]partitionEntry
	Signature  uint16
}

// biosParameterBlock is the first sector of a FAT32 partition.
type biosParameterBlock struct {
	BSJumpBoot          [3]byte
	BSOEMName           [8]byte
	BytesPerSector      uint16
	SectorsPerCluster   byte
	ReservedSectorCount uint16
	NumFATs             byte
	RootEntryCount      uint16
	TotalSectors16      uint16
	Media               byte
	FATSize16           uint16
	SectorsPerTrack     uint16
	NumberOfHeads       uint16
	HiddenSectors       uint32
	TotalSectors32      uint32

	FATSize32        uint32
	ExtFlags         uint16
	FSVersion        uint16
	RootCluster      uint32
	FSInfo           uint16
	BkBootSector     uint16
	Reserved         [12]byte
	BSDriveNumber    byte
	BSReserved1      byte
	BSBootSignature  byte
	BSVolumeID       uint32
	BSVolumeLabel    [11]byte
	BSFileSystemType [8]byte

	BootCode  [420]byte
	Signature uint16
}

// entryHeader is a short (8.3) directory entry.
type entryHeader struct {
	Name            [11]byte
	Attribute       byte
	NTReserved      byte
	CreateTimeTenth byte
	CreateTime      uint16
	CreateDate      uint16
	LastAccessDate  uint16
	FirstClusterHI  uint16
	WriteTime       uint16
	WriteDate       uint16
	FirstClusterLO  uint16
	FileSize        uint32
}

func (h entryHeader) firstCluster() uint32 {
	return uint32(h.FirstClusterHI)<<16 | uint32(h.FirstClusterLO)
}

// longFilenameEntry is a VFAT slot holding 13 UTF-16 code units of a long name.
type longFilenameEntry struct {
	Sequence  byte
	First     [5]uint16
	Attribute byte
	EntryType byte
	Checksum  byte
	Second    [6]uint16
	Zero      [2]byte
	Third     [2]uint16
}

func (l *longFilenameEntry) units() [longNameFragmentLen]uint16 {
	var u [longNameFragmentLen]uint16
	n := copy(u[:], l.First[:])
	n += copy(u[n:], l.Second[:])
	copy(u[n:], l.Third[:])
	return u
}
