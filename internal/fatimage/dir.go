package fatimage

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

const slotSize = 32

// DefaultTime is the modification time of entries without ModTime.
var DefaultTime = time.Date(2013, time.June, 9, 14, 32, 0, 0, time.UTC)

// Entry describes a file or directory written to an image.
type Entry struct {
	Name         string
	ShortName    [11]byte
	FirstCluster uint32
	Clusters     []uint32
	Size         uint32
}

type entryOptions struct {
	clusters  []uint32
	modified  time.Time
	attr      byte
	short     *[11]byte
	ntFlags   byte
	longName  bool
	noLong    bool
	checksum  *byte
	sizeField *uint32
}

// EntryOption changes how an entry is written.
type EntryOption func(*entryOptions)

// At places the data in the given clusters, in order. Missing clusters are allocated.
func At(clusters ...uint32) EntryOption {
	return func(o *entryOptions) { o.clusters = clusters }
}

// ModTime sets the modification time.
func ModTime(t time.Time) EntryOption {
	return func(o *entryOptions) { o.modified = t }
}

// Attr adds attribute bits.
func Attr(attr byte) EntryOption {
	return func(o *entryOptions) { o.attr |= attr }
}

// Short writes name as 8.3 field without a long name. flags is the NT lowercase byte.
func Short(field string, flags byte) EntryOption {
	return func(o *entryOptions) {
		var f [11]byte
		copy(f[:], fmt.Sprintf("%-11s", field))
		o.short = &f
		o.ntFlags = flags
		o.noLong = true
	}
}

// LongName forces long name slots even if the name fits 8.3.
func LongName() EntryOption {
	return func(o *entryOptions) { o.longName = true }
}

// Checksum overrides the checksum stored in the long name slots.
func Checksum(sum byte) EntryOption {
	return func(o *entryOptions) { o.checksum = &sum }
}

// SizeField overrides the size stored in the entry.
func SizeField(size uint32) EntryOption {
	return func(o *entryOptions) { o.sizeField = &size }
}

// Dir is a directory of an image.
type Dir struct {
	img      *Image
	clusters []uint32
	slots    [][slotSize]byte
	shorts   int
}

// Cluster returns the first cluster of d.
func (d *Dir) Cluster() uint32 {
	return d.clusters[0]
}

// AddFile writes a file with data and adds its entry.
func (d *Dir) AddFile(name string, data []byte, opts ...EntryOption) Entry {
	o := d.options(opts)
	var clusters []uint32
	n := (len(data) + d.img.ClusterSize() - 1) / d.img.ClusterSize()
	if n > 0 || len(o.clusters) > 0 {
		clusters = d.img.allocate(n, o.clusters)
		d.img.link(clusters)
		d.img.writeChain(clusters, data)
	}

	e := Entry{Name: name, Clusters: clusters, Size: uint32(len(data))}
	if len(clusters) > 0 {
		e.FirstCluster = clusters[0]
	}
	size := e.Size
	if o.sizeField != nil {
		size = *o.sizeField
	}
	e.ShortName = d.add(name, e.FirstCluster, size, o.attr, o)
	return e
}

// AddDir creates a subdirectory with "." and ".." entries.
func (d *Dir) AddDir(name string, opts ...EntryOption) (*Dir, Entry) {
	o := d.options(opts)
	clusters := d.img.allocate(1, o.clusters)
	sub := &Dir{img: d.img, clusters: clusters[:1]}

	parent := d.Cluster()
	if d == d.img.root {
		parent = 0
	}
	sub.slots = append(sub.slots,
		rawEntry(dotName("."), AttrDirectory, 0, clusters[0], 0, o.modified),
		rawEntry(dotName(".."), AttrDirectory, 0, parent, 0, o.modified),
	)
	sub.flush()

	e := Entry{Name: name, FirstCluster: clusters[0], Clusters: clusters[:1]}
	e.ShortName = d.add(name, clusters[0], 0, o.attr|AttrDirectory, o)
	return sub, e
}

// AddVolumeLabel adds a volume label entry.
func (d *Dir) AddVolumeLabel(label string) {
	var field [11]byte
	copy(field[:], fmt.Sprintf("%-11s", strings.ToUpper(label)))
	d.AddSlot(rawEntry(field, AttrVolumeID, 0, 0, 0, DefaultTime))
}

// AddSlot appends a raw 32 byte slot.
func (d *Dir) AddSlot(slot [slotSize]byte) {
	d.slots = append(d.slots, slot)
	d.flush()
}

// AddDeleted appends a deleted short entry.
func (d *Dir) AddDeleted(name string) {
	field, _ := d.shortField(name)
	slot := rawEntry(field, AttrArchive, 0, 0, 0, DefaultTime)
	slot[0] = 0xE5
	d.AddSlot(slot)
}

// AddEnd appends an end marker. Slots added afterwards are never listed.
func (d *Dir) AddEnd() {
	d.AddSlot([slotSize]byte{})
}

// Pad appends deleted slots up to the end of the current cluster.
func (d *Dir) Pad() {
	perCluster := d.img.ClusterSize() / slotSize
	for len(d.slots)%perCluster != 0 {
		var slot [slotSize]byte
		slot[0] = 0xE5
		d.slots = append(d.slots, slot)
	}
	d.flush()
}

func (d *Dir) options(opts []EntryOption) entryOptions {
	o := entryOptions{modified: DefaultTime}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (d *Dir) add(name string, cluster, size uint32, attr byte, o entryOptions) [11]byte {
	var field [11]byte
	fits := false
	if o.short != nil {
		field = *o.short
	} else {
		field, fits = d.shortField(name)
	}
	if !o.noLong && (!fits || o.longName) {
		sum := Checksum83(field)
		if o.checksum != nil {
			sum = *o.checksum
		}
		d.slots = append(d.slots, LongNameSlots(name, sum)...)
	}
	if attr&AttrDirectory == 0 {
		attr |= AttrArchive
	}
	slot := rawEntry(field, attr, o.ntFlags, cluster, size, o.modified)
	d.slots = append(d.slots, slot)
	d.flush()
	return field
}

// shortField returns the 8.3 field of name and whether name fits it as is.
func (d *Dir) shortField(name string) ([11]byte, bool) {
	var field [11]byte
	for i := range field {
		field[i] = ' '
	}
	base, ext := name, ""
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		base, ext = name[:i], name[i+1:]
	}
	if valid83(base, 8) && valid83(ext, 3) {
		copy(field[:8], base)
		copy(field[8:], ext)
		return field, true
	}

	d.shorts++
	base = sanitize83(base)
	tail := fmt.Sprintf("~%d", d.shorts)
	if len(base) > 8-len(tail) {
		base = base[:8-len(tail)]
	}
	copy(field[:8], base+tail)
	ext = sanitize83(ext)
	if len(ext) > 3 {
		ext = ext[:3]
	}
	copy(field[8:], ext)
	return field, false
}

func valid83(s string, max int) bool {
	if len(s) > max {
		return false
	}
	for _, c := range []byte(s) {
		if !('A' <= c && c <= 'Z' || '0' <= c && c <= '9' || strings.IndexByte("_-$~!#%&", c) >= 0) {
			return false
		}
	}
	return true
}

func sanitize83(s string) string {
	var b strings.Builder
	for _, c := range []byte(strings.ToUpper(s)) {
		if valid83(string(c), 1) {
			b.WriteByte(c)
		} else if c != ' ' && c != '.' {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// flush rewrites the directory, growing its chain when needed.
func (d *Dir) flush() {
	perCluster := d.img.ClusterSize() / slotSize
	need := (len(d.slots) + perCluster - 1) / perCluster
	if need == 0 {
		need = 1
	}
	if need > len(d.clusters) {
		d.clusters = d.img.allocate(need, d.clusters)
	}
	d.img.link(d.clusters)

	data := make([]byte, 0, len(d.slots)*slotSize)
	for _, s := range d.slots {
		data = append(data, s[:]...)
	}
	d.img.writeChain(d.clusters, data)
}

// Attribute bits of a directory entry.
const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
	attrLongName  = 0x0F
)

func dotName(name string) [11]byte {
	var field [11]byte
	copy(field[:], fmt.Sprintf("%-11s", name))
	return field
}

func rawEntry(field [11]byte, attr, ntFlags byte, cluster, size uint32, modified time.Time) [slotSize]byte {
	var slot [slotSize]byte
	copy(slot[:11], field[:])
	slot[11] = attr
	slot[12] = ntFlags
	date, clock := packTime(modified)
	binary.LittleEndian.PutUint16(slot[14:], clock)
	binary.LittleEndian.PutUint16(slot[16:], date)
	binary.LittleEndian.PutUint16(slot[18:], date)
	binary.LittleEndian.PutUint16(slot[20:], uint16(cluster>>16))
	binary.LittleEndian.PutUint16(slot[22:], clock)
	binary.LittleEndian.PutUint16(slot[24:], date)
	binary.LittleEndian.PutUint16(slot[26:], uint16(cluster))
	binary.LittleEndian.PutUint32(slot[28:], size)
	return slot
}

// Checksum83 is the checksum long name slots carry for their short entry.
func Checksum83(field [11]byte) byte {
	var sum byte
	for _, c := range field {
		sum = (sum>>1 | sum<<7) + c
	}
	return sum
}

// LongNameSlots returns the VFAT slots for name in disk order. Runes above 0xFF are not supported.
func LongNameSlots(name string, checksum byte) [][slotSize]byte {
	var units []uint16
	for _, r := range name {
		units = append(units, uint16(r))
	}
	if len(units)%13 != 0 {
		units = append(units, 0x0000)
	}
	for len(units)%13 != 0 {
		units = append(units, 0xFFFF)
	}

	count := len(units) / 13
	slots := make([][slotSize]byte, 0, count)
	for seq := count; seq >= 1; seq-- {
		var slot [slotSize]byte
		slot[0] = byte(seq)
		if seq == count {
			slot[0] |= 0x40
		}
		slot[11] = attrLongName
		slot[13] = checksum

		part := units[(seq-1)*13 : seq*13]
		offsets := []int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}
		for i, off := range offsets {
			binary.LittleEndian.PutUint16(slot[off:], part[i])
		}
		slots = append(slots, slot)
	}
	return slots
}
