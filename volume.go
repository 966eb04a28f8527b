package sdfat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/tivaport/sdfat/checkpoint"
)

// These errors may occur while reading a volume.
var (
	ErrSignature      = errors.New("no FAT32 volume found")
	ErrInvalidCluster = errors.New("invalid cluster number")
	ErrBadCluster     = errors.New("bad cluster in chain")
	ErrChainLoop      = errors.New("cluster chain does not terminate")
	ErrIndex          = errors.New("catalog index out of range")
	ErrNotFound       = errors.New("file not found")
	ErrReadOnly       = fmt.Errorf("volume is read-only: %w", syscall.EROFS)
)

// DefaultCapacity is the number of catalog entries the firmware has room for.
const DefaultCapacity = 40

// DefaultDirCapacity limits the entries of one directory read through Afero or FS.
const DefaultDirCapacity = 4096

// Lookup selects how the FAT sector of a cluster is read.
type Lookup int

const (
	// LookupLinear streams the FAT from its first sector up to the wanted one for every lookup.
	LookupLinear Lookup = iota
	// LookupDirect reads only the wanted sector and keeps the last one cached.
	LookupDirect
)

func (l Lookup) String() string {
	if l == LookupDirect {
		return "direct"
	}
	return "linear"
}

// ListOptions control a directory listing.
type ListOptions struct {
	// LongNames uses VFAT long names where a valid one precedes the short entry.
	LongNames bool
	// Subdirs also lists the directories found in the listed directory, one level deep.
	Subdirs bool
}

type options struct {
	capacity    int
	dirCapacity int
	lookup      Lookup
	list        ListOptions
	log         *logrus.Entry
}

// Option configures a Volume.
type Option func(*options)

// WithCapacity sets the number of entries the catalog holds.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithDirCapacity sets the number of entries a directory opened through Afero or FS may have.
func WithDirCapacity(n int) Option {
	return func(o *options) { o.dirCapacity = n }
}

// WithLookup sets the FAT lookup strategy.
func WithLookup(l Lookup) Option {
	return func(o *options) { o.lookup = l }
}

// WithListOptions sets the options List uses.
func WithListOptions(opts ListOptions) Option {
	return func(o *options) { o.list = opts }
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(o *options) { o.log = log }
}

// Geometry is the layout of a mounted volume. All addresses are absolute block numbers.
type Geometry struct {
	PartitionLBA      uint32
	PartitionSectors  uint32
	FATLBA            uint32
	SectorsPerFAT     uint32
	NumFATs           uint8
	ClusterLBA        uint32
	SectorsPerCluster uint8
	RootCluster       uint32
	TotalSectors      uint32
	// MaxCluster is the highest cluster number which has data sectors and a FAT entry.
	MaxCluster uint32
}

// ClusterSize returns the size of a cluster in bytes.
func (g Geometry) ClusterSize() int {
	return int(g.SectorsPerCluster) * BlockSize
}

// ClusterSector returns the first block of cluster.
func (g Geometry) ClusterSector(cluster uint32) uint32 {
	return g.ClusterLBA + (cluster-2)*uint32(g.SectorsPerCluster)
}

func (g Geometry) validCluster(cluster uint32) bool {
	return cluster >= 2 && cluster <= g.MaxCluster
}

// sectorCache keeps one block of the FAT.
type sectorCache struct {
	lba   uint32
	valid bool
	data  [BlockSize]byte
}

// Volume is a mounted FAT32 volume.
type Volume struct {
	dev  BlockDevice
	opts options
	log  *logrus.Entry

	geo     Geometry
	label   string
	catalog *Catalog

	fat   sectorCache
	block [BlockSize]byte
}

// Mount reads the partition table and the boot sector of the first partition of dev.
func Mount(dev BlockDevice, opts ...Option) (*Volume, error) {
	o := options{
		capacity:    DefaultCapacity,
		dirCapacity: DefaultDirCapacity,
		list:        ListOptions{LongNames: true},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logrus.NewEntry(logrus.StandardLogger())
	}

	v := &Volume{
		dev:     dev,
		opts:    o,
		log:     o.log.WithField("component", "sdfat"),
		catalog: NewCatalog(o.capacity),
	}
	if err := dev.Transaction(v.mount); err != nil {
		v.log.WithError(err).Error("Error FAT32.")
		return nil, err
	}

	v.log.WithFields(logrus.Fields{
		"partition":   v.geo.PartitionLBA,
		"fat":         v.geo.FATLBA,
		"clusters":    v.geo.ClusterLBA,
		"clusterSize": v.geo.ClusterSize(),
		"label":       v.label,
	}).Debug("FS is FAT32.")
	return v, nil
}

func (v *Volume) mount() error {
	if err := v.dev.ReadBlock(0, v.block[:]); err != nil {
		return checkpoint.Wrap(err, errors.New("could not read the partition table"))
	}
	var mbr masterBootRecord
	if err := binary.Read(bytes.NewReader(v.block[:]), binary.LittleEndian, &mbr); err != nil {
		return checkpoint.From(err)
	}
	part := mbr.Partitions[0]
	if mbr.Signature != bootSignature {
		return checkpoint.From(fmt.Errorf("%w: partition table signature 0x%04X", ErrSignature, mbr.Signature))
	}
	if part.Type != partitionTypeFAT32 && part.Type != partitionTypeFAT32LBA {
		return checkpoint.From(fmt.Errorf("%w: partition type 0x%02X", ErrSignature, part.Type))
	}

	if err := v.dev.ReadBlock(part.FirstLBA, v.block[:]); err != nil {
		return checkpoint.Wrap(err, fmt.Errorf("could not read the boot sector at %d", part.FirstLBA))
	}
	var bpb biosParameterBlock
	if err := binary.Read(bytes.NewReader(v.block[:]), binary.LittleEndian, &bpb); err != nil {
		return checkpoint.From(err)
	}
	if err := validate(bpb); err != nil {
		return checkpoint.From(err)
	}

	g := Geometry{
		PartitionLBA:      part.FirstLBA,
		PartitionSectors:  part.SectorCount,
		FATLBA:            part.FirstLBA + uint32(bpb.ReservedSectorCount),
		SectorsPerFAT:     bpb.FATSize32,
		NumFATs:           bpb.NumFATs,
		SectorsPerCluster: bpb.SectorsPerCluster,
		RootCluster:       bpb.RootCluster,
		TotalSectors:      bpb.TotalSectors32,
	}
	g.ClusterLBA = g.FATLBA + uint32(g.NumFATs)*g.SectorsPerFAT
	if g.TotalSectors == 0 {
		g.TotalSectors = g.PartitionSectors
	}

	used := g.ClusterLBA - g.PartitionLBA
	if g.TotalSectors <= used {
		return checkpoint.From(fmt.Errorf("%w: no data sectors", ErrSignature))
	}
	g.MaxCluster = 1 + (g.TotalSectors-used)/uint32(g.SectorsPerCluster)
	if entries := g.SectorsPerFAT * (BlockSize / 4); g.MaxCluster >= entries {
		g.MaxCluster = entries - 1
	}
	if !g.validCluster(g.RootCluster) {
		return checkpoint.From(fmt.Errorf("%w: root cluster %d", ErrSignature, g.RootCluster))
	}

	v.geo = g
	v.label = strings.TrimRight(string(bpb.BSVolumeLabel[:]), " ")
	v.fat.valid = false
	return nil
}

func validate(bpb biosParameterBlock) error {
	switch {
	case bpb.Signature != bootSignature:
		return fmt.Errorf("%w: boot sector signature 0x%04X", ErrSignature, bpb.Signature)
	case bpb.BytesPerSector != BlockSize:
		return fmt.Errorf("%w: %d bytes per sector", ErrSignature, bpb.BytesPerSector)
	case bpb.SectorsPerCluster == 0 || bpb.SectorsPerCluster&(bpb.SectorsPerCluster-1) != 0:
		return fmt.Errorf("%w: %d sectors per cluster", ErrSignature, bpb.SectorsPerCluster)
	case bpb.ReservedSectorCount == 0:
		return fmt.Errorf("%w: no reserved sectors", ErrSignature)
	case bpb.NumFATs == 0:
		return fmt.Errorf("%w: no FAT", ErrSignature)
	case bpb.FATSize32 == 0:
		return fmt.Errorf("%w: FAT size 0", ErrSignature)
	case bpb.RootCluster < 2:
		return fmt.Errorf("%w: root cluster %d", ErrSignature, bpb.RootCluster)
	}
	return nil
}

// Geometry returns the layout found by Mount.
func (v *Volume) Geometry() Geometry {
	return v.geo
}

// Label returns the volume label of the boot sector.
func (v *Volume) Label() string {
	return v.label
}

// Catalog returns the catalog filled by the last listing.
func (v *Volume) Catalog() *Catalog {
	return v.catalog
}
