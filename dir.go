package sdfat

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/tivaport/sdfat/checkpoint"
)

const (
	longNameFragments   = 20
	longNameFragmentLen = 13
)

// longNameAccumulator collects the VFAT slots in front of one short entry.
// The slots are stored with descending sequence numbers, the first one carries the
// lastLongNameSlot flag.
type longNameAccumulator struct {
	units    [longNameFragments * longNameFragmentLen]uint16
	checksum byte
	total    int
	// next is the sequence number the next slot must have.
	next int
}

func (a *longNameAccumulator) reset() {
	a.checksum = 0
	a.total = 0
	a.next = 0
}

func (a *longNameAccumulator) add(l *longFilenameEntry) {
	seq := int(l.Sequence & 0x1F)
	if l.Sequence&lastLongNameSlot != 0 {
		a.reset()
		if seq == 0 || seq > longNameFragments {
			return
		}
		a.total = seq
		a.next = seq
		a.checksum = l.Checksum
	}
	if a.total == 0 || seq != a.next || l.Checksum != a.checksum {
		// Orphaned or out of order slot.
		a.reset()
		return
	}

	units := l.units()
	copy(a.units[(seq-1)*longNameFragmentLen:], units[:])
	a.next--
}

// name returns the long name if all slots arrived and belong to shortName.
func (a *longNameAccumulator) name(shortName [11]byte) (string, bool) {
	if a.total == 0 || a.next != 0 || a.checksum != shortNameChecksum(shortName) {
		return "", false
	}

	var b strings.Builder
	for _, u := range a.units[:a.total*longNameFragmentLen] {
		if u == 0x0000 || u == 0xFFFF {
			break
		}
		// Latin-1: only the low byte is kept.
		b.WriteRune(rune(u & 0xFF))
	}
	name := cleanName(b.String())
	return name, name != ""
}

func shortNameChecksum(name [11]byte) byte {
	var sum byte
	for _, c := range name {
		sum = (sum>>1 | sum<<7) + c
	}
	return sum
}

// shortName builds "BASE.EXT" from the 8.3 field. flags is the NT reserved byte holding the
// lowercase bits of Windows NT and later.
func shortName(field [11]byte, flags byte) string {
	base := []byte(strings.TrimRight(string(field[:8]), " "))
	ext := []byte(strings.TrimRight(string(field[8:]), " "))
	if len(base) > 0 && base[0] == slotKanji {
		base[0] = slotDeleted
	}
	if flags&0x08 != 0 {
		lowerASCII(base)
	}
	if flags&0x10 != 0 {
		lowerASCII(ext)
	}

	var b strings.Builder
	for _, c := range base {
		b.WriteRune(rune(c))
	}
	if len(ext) > 0 {
		b.WriteByte('.')
		for _, c := range ext {
			b.WriteRune(rune(c))
		}
	}
	return cleanName(b.String())
}

func lowerASCII(b []byte) {
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
}

// cleanName drops control characters.
func cleanName(name string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7F {
			return -1
		}
		return r
	}, name)
}

// dirParser turns directory sectors into catalog entries.
type dirParser struct {
	catalog   *Catalog
	parent    int
	longNames bool
	acc       longNameAccumulator
	err       error
}

// parseSector handles the 16 slots of one sector. It returns false at the end marker and
// when a slot cannot be decoded, the error is kept in p.err.
func (p *dirParser) parseSector(sector []byte) bool {
	for off := 0; off+slotSize <= len(sector); off += slotSize {
		more, err := p.parseSlot(sector[off : off+slotSize])
		if err != nil {
			p.err = err
			return false
		}
		if !more {
			return false
		}
	}
	return true
}

func (p *dirParser) parseSlot(slot []byte) (bool, error) {
	attr := slot[11]
	switch {
	case slot[0] == slotEnd:
		p.acc.reset()
		return false, nil
	case slot[0] == slotDeleted, slot[0] == slotDot:
		p.acc.reset()
		return true, nil
	case attr&attrLongNameMask == attrLongName:
		var l longFilenameEntry
		if err := binary.Read(bytes.NewReader(slot), binary.LittleEndian, &l); err != nil {
			return false, checkpoint.From(err)
		}
		p.acc.add(&l)
		return true, nil
	case attr&attrVolumeID != 0:
		p.acc.reset()
		return true, nil
	}

	var h entryHeader
	if err := binary.Read(bytes.NewReader(slot), binary.LittleEndian, &h); err != nil {
		return false, checkpoint.From(err)
	}

	name, ok := "", false
	if p.longNames {
		name, ok = p.acc.name(h.Name)
	}
	if !ok {
		name = shortName(h.Name, h.NTReserved)
	}
	p.acc.reset()

	if attr&(attrHidden|attrSystem|attrVolumeID) != 0 || name == "" {
		return true, nil
	}

	kind := KindFile
	if attr&attrDirectory != 0 {
		kind = KindDir
	}
	p.catalog.add(DirectoryEntry{
		Kind:         kind,
		Name:         name,
		FirstCluster: h.firstCluster(),
		Size:         h.FileSize,
		Modified:     unpackTimestamp(h.WriteDate, h.WriteTime),
		ShortName:    h.Name,
		Attr:         attr,
		Parent:       p.parent,
	})
	return true, nil
}

// List lists the root directory with the options given to Mount.
func (v *Volume) List() (*Catalog, error) {
	return v.ListDirectory(v.geo.RootCluster, v.opts.list)
}

// ListDirectory fills the catalog with the entries of the directory starting at first.
// On error the catalog holds what was found before the failure.
//
// With opts.Subdirs the directories found are listed too, in catalog order and one level
// deep, appending to the same catalog.
func (v *Volume) ListDirectory(first uint32, opts ListOptions) (*Catalog, error) {
	v.catalog.Reset()
	err := v.dev.Transaction(func() error {
		if err := v.scanDirectory(v.catalog, first, -1, opts.LongNames); err != nil {
			return err
		}
		if !opts.Subdirs {
			return nil
		}

		top := v.catalog.Len()
		for i := 0; i < top; i++ {
			e := v.catalog.entries[i]
			if e.Kind != KindDir {
				continue
			}
			if !v.geo.validCluster(e.FirstCluster) {
				v.log.WithField("name", e.Name).Debug("skipping directory without clusters")
				continue
			}
			if err := v.scanDirectory(v.catalog, e.FirstCluster, i, opts.LongNames); err != nil {
				return checkpoint.Wrap(err, ErrReadDir)
			}
		}
		return nil
	})
	return v.catalog, err
}

// scanDirectory parses every cluster of a directory. An end marker only ends the current
// cluster, the chain is still followed.
func (v *Volume) scanDirectory(c *Catalog, first uint32, parent int, longNames bool) error {
	p := dirParser{catalog: c, parent: parent, longNames: longNames}
	return v.walk(first, func(cluster uint32) (bool, error) {
		if err := v.streamCluster(cluster, p.parseSector); err != nil {
			return false, err
		}
		return true, p.err
	})
}
