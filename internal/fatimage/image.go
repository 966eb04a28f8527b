// Package fatimage builds FAT32 card images in memory for tests.
//
// Only the sectors that were written are stored, so images of card size (gigabytes) are cheap.
// The layout is an MBR with one partition, a FAT32 boot sector, two FATs and the cluster
// region. Directories are rewritten whenever an entry is added.
package fatimage

import (
	"encoding/binary"
	"io"
	"strings"
	"time"
)

const sectorSize = 512

// Config describes the image layout. Zero fields get defaults.
type Config struct {
	// Size of the whole card in bytes, default 64MiB.
	Size int64
	// PartitionLBA is the first block of the partition, default 2048.
	PartitionLBA uint32
	// PartitionType is the MBR partition type, default 0x0C.
	PartitionType byte
	// SectorsPerCluster, default 8.
	SectorsPerCluster uint8
	// ReservedSectors in front of the FATs, default 32.
	ReservedSectors uint16
	Label           string
	// EndOfChain is stored as the last FAT entry of every chain, default 0x0FFFFFFF.
	EndOfChain uint32
}

// Image is a sparse card image. It implements io.ReaderAt.
type Image struct {
	cfg     Config
	sectors map[uint32]*[sectorSize]byte

	fatLBA        uint32
	sectorsPerFAT uint32
	clusterLBA    uint32
	maxCluster    uint32

	used map[uint32]bool
	root *Dir
}

// New creates an empty formatted image.
func New(cfg Config) *Image {
	if cfg.Size == 0 {
		cfg.Size = 64 << 20
	}
	if cfg.PartitionLBA == 0 {
		cfg.PartitionLBA = 2048
	}
	if cfg.PartitionType == 0 {
		cfg.PartitionType = 0x0C
	}
	if cfg.SectorsPerCluster == 0 {
		cfg.SectorsPerCluster = 8
	}
	if cfg.ReservedSectors == 0 {
		cfg.ReservedSectors = 32
	}
	if cfg.EndOfChain == 0 {
		cfg.EndOfChain = 0x0FFFFFFF
	}

	img := &Image{
		cfg:     cfg,
		sectors: make(map[uint32]*[sectorSize]byte),
		used:    make(map[uint32]bool),
	}

	total := uint32(cfg.Size/sectorSize) - cfg.PartitionLBA
	spc := uint32(cfg.SectorsPerCluster)
	img.fatLBA = cfg.PartitionLBA + uint32(cfg.ReservedSectors)
	clusters := (total - uint32(cfg.ReservedSectors)) / spc
	img.sectorsPerFAT = ((clusters+2)*4 + sectorSize - 1) / sectorSize
	img.clusterLBA = img.fatLBA + 2*img.sectorsPerFAT
	img.maxCluster = 1 + (total-(img.clusterLBA-cfg.PartitionLBA))/spc

	img.writeMBR(total)
	img.writeBootSector(total)
	img.SetFAT(0, 0x0FFFFFF8)
	img.SetFAT(1, 0x0FFFFFFF)

	img.used[2] = true
	img.root = &Dir{img: img, clusters: []uint32{2}}
	img.root.flush()
	return img
}

func (img *Image) sector(lba uint32) *[sectorSize]byte {
	s, ok := img.sectors[lba]
	if !ok {
		s = new([sectorSize]byte)
		img.sectors[lba] = s
	}
	return s
}

// WriteAt stores p at off.
func (img *Image) WriteAt(p []byte, off int64) (int, error) {
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		s := img.sector(uint32(pos / sectorSize))
		n += copy(s[pos%sectorSize:], p[n:])
	}
	return n, nil
}

// ReadAt implements io.ReaderAt. Sectors never written read as zeros.
func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	if off >= img.cfg.Size {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && off+int64(n) < img.cfg.Size {
		pos := off + int64(n)
		in := int(pos % sectorSize)
		chunk := p[n:]
		if len(chunk) > sectorSize-in {
			chunk = chunk[:sectorSize-in]
		}
		if s, ok := img.sectors[uint32(pos/sectorSize)]; ok {
			copy(chunk, s[in:])
		} else {
			for i := range chunk {
				chunk[i] = 0
			}
		}
		n += len(chunk)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the card size in bytes.
func (img *Image) Size() int64 {
	return img.cfg.Size
}

// Root returns the root directory, which starts at cluster 2.
func (img *Image) Root() *Dir {
	return img.root
}

// ClusterSize returns the cluster size in bytes.
func (img *Image) ClusterSize() int {
	return int(img.cfg.SectorsPerCluster) * sectorSize
}

// FATLBA returns the first block of the first FAT.
func (img *Image) FATLBA() uint32 {
	return img.fatLBA
}

// ClusterLBA returns the first block of cluster.
func (img *Image) ClusterLBA(cluster uint32) uint32 {
	return img.clusterLBA + (cluster-2)*uint32(img.cfg.SectorsPerCluster)
}

// MaxCluster returns the highest usable cluster number.
func (img *Image) MaxCluster() uint32 {
	return img.maxCluster
}

// SetFAT stores value as FAT entry of cluster in both FATs.
func (img *Image) SetFAT(cluster, value uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	for fat := uint32(0); fat < 2; fat++ {
		off := int64(img.fatLBA+fat*img.sectorsPerFAT)*sectorSize + int64(cluster)*4
		img.WriteAt(b[:], off)
	}
}

// FAT returns the entry of cluster in the first FAT.
func (img *Image) FAT(cluster uint32) uint32 {
	var b [4]byte
	img.ReadAt(b[:], int64(img.fatLBA)*sectorSize+int64(cluster)*4)
	return binary.LittleEndian.Uint32(b[:])
}

// Cluster returns the content of cluster.
func (img *Image) Cluster(cluster uint32) []byte {
	data := make([]byte, img.ClusterSize())
	img.ReadAt(data, int64(img.ClusterLBA(cluster))*sectorSize)
	return data
}

// allocate returns n free clusters, preferring the ones given in want.
func (img *Image) allocate(n int, want []uint32) []uint32 {
	clusters := append([]uint32(nil), want...)
	next := uint32(2)
	for len(clusters) < n {
		for img.used[next] {
			next++
		}
		clusters = append(clusters, next)
		img.used[next] = true
	}
	for _, c := range clusters {
		img.used[c] = true
	}
	return clusters
}

// link writes clusters as one chain.
func (img *Image) link(clusters []uint32) {
	for i, c := range clusters {
		if i+1 < len(clusters) {
			img.SetFAT(c, clusters[i+1])
		} else {
			img.SetFAT(c, img.cfg.EndOfChain)
		}
	}
}

// writeChain stores data in clusters, zero padding the last one.
func (img *Image) writeChain(clusters []uint32, data []byte) {
	size := img.ClusterSize()
	for i, c := range clusters {
		chunk := make([]byte, size)
		if i*size < len(data) {
			copy(chunk, data[i*size:])
		}
		img.WriteAt(chunk, int64(img.ClusterLBA(c))*sectorSize)
	}
}

func (img *Image) writeMBR(total uint32) {
	var mbr [sectorSize]byte
	entry := mbr[446:]
	entry[4] = img.cfg.PartitionType
	binary.LittleEndian.PutUint32(entry[8:], img.cfg.PartitionLBA)
	binary.LittleEndian.PutUint32(entry[12:], total)
	mbr[510], mbr[511] = 0x55, 0xAA
	img.WriteAt(mbr[:], 0)
}

func (img *Image) writeBootSector(total uint32) {
	var bs [sectorSize]byte
	copy(bs[0:], []byte{0xEB, 0x58, 0x90})
	copy(bs[3:], "SDFAT   ")
	binary.LittleEndian.PutUint16(bs[11:], sectorSize)
	bs[13] = img.cfg.SectorsPerCluster
	binary.LittleEndian.PutUint16(bs[14:], img.cfg.ReservedSectors)
	bs[16] = 2
	bs[21] = 0xF8
	binary.LittleEndian.PutUint32(bs[28:], img.cfg.PartitionLBA)
	binary.LittleEndian.PutUint32(bs[32:], total)
	binary.LittleEndian.PutUint32(bs[36:], img.sectorsPerFAT)
	binary.LittleEndian.PutUint32(bs[44:], 2)
	binary.LittleEndian.PutUint16(bs[48:], 1)
	binary.LittleEndian.PutUint16(bs[50:], 6)
	bs[66] = 0x29
	label := img.cfg.Label
	if label == "" {
		label = "NO NAME"
	}
	copy(bs[71:82], strings.Repeat(" ", 11))
	copy(bs[71:82], strings.ToUpper(label))
	copy(bs[82:], "FAT32   ")
	bs[510], bs[511] = 0x55, 0xAA
	img.WriteAt(bs[:], int64(img.cfg.PartitionLBA)*sectorSize)
}

// packTime converts t to the FAT date and time fields.
func packTime(t time.Time) (date, clock uint16) {
	date = uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	clock = uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	return date, clock
}
