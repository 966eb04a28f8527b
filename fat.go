package sdfat

import (
	"encoding/binary"
	"fmt"

	"github.com/tivaport/sdfat/checkpoint"
)

// clusterEntry is a value of the FAT. Only the low 28 bits are used by FAT32.
type clusterEntry uint32

func (e clusterEntry) Value() uint32 {
	return uint32(e) & 0x0FFFFFFF
}

func (e clusterEntry) IsFree() bool {
	return e.Value() == 0
}

func (e clusterEntry) IsReservedTemp() bool {
	return e.Value() == 1
}

func (e clusterEntry) IsNextCluster() bool {
	return e.Value() >= 2 && e.Value() <= 0x0FFFFFEF
}

func (e clusterEntry) IsReserved() bool {
	return e.Value() >= 0x0FFFFFF0 && e.Value() <= 0x0FFFFFF6
}

func (e clusterEntry) IsBad() bool {
	return e.Value() == 0x0FFFFFF7
}

func (e clusterEntry) IsEOF() bool {
	return e.Value() >= 0x0FFFFFF8
}

// NextCluster returns the cluster following current in its chain. end is true if current is
// the last cluster.
func (v *Volume) NextCluster(current uint32) (next uint32, end bool, err error) {
	err = v.dev.Transaction(func() error {
		var lookupErr error
		next, end, lookupErr = v.nextCluster(current)
		return lookupErr
	})
	return next, end, err
}

// Chain returns all clusters of the chain starting at first.
func (v *Volume) Chain(first uint32) ([]uint32, error) {
	var chain []uint32
	err := v.dev.Transaction(func() error {
		return v.walk(first, func(cluster uint32) (bool, error) {
			chain = append(chain, cluster)
			return true, nil
		})
	})
	return chain, err
}

func (v *Volume) nextCluster(current uint32) (uint32, bool, error) {
	if !v.geo.validCluster(current) {
		return 0, false, checkpoint.From(fmt.Errorf("%w: %d", ErrInvalidCluster, current))
	}

	lba := v.geo.FATLBA + current*4/BlockSize
	offset := current * 4 % BlockSize
	if err := v.readFATSector(lba); err != nil {
		return 0, false, checkpoint.Wrap(err, fmt.Errorf("could not read the FAT entry of cluster %d", current))
	}

	e := clusterEntry(binary.LittleEndian.Uint32(v.fat.data[offset:]))
	switch {
	case e.IsEOF():
		return 0, true, nil
	case e.IsBad():
		return 0, false, checkpoint.From(fmt.Errorf("%w: after cluster %d", ErrBadCluster, current))
	case !v.geo.validCluster(e.Value()):
		return 0, false, checkpoint.From(fmt.Errorf("%w: %d follows cluster %d", ErrInvalidCluster, e.Value(), current))
	}
	return e.Value(), false, nil
}

func (v *Volume) readFATSector(lba uint32) error {
	if v.opts.lookup == LookupDirect {
		if v.fat.valid && v.fat.lba == lba {
			return nil
		}
		v.fat.valid = false
		if err := v.dev.ReadBlock(lba, v.fat.data[:]); err != nil {
			return err
		}
		v.fat.lba = lba
		v.fat.valid = true
		return nil
	}

	current := v.geo.FATLBA
	found := false
	err := v.dev.StreamBlocks(current, func(block []byte) bool {
		if current < lba {
			current++
			return true
		}
		copy(v.fat.data[:], block)
		found = true
		return false
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("FAT sector %d not reached", lba)
	}
	v.fat.lba = lba
	v.fat.valid = false
	return nil
}

// walk calls fn for every cluster of the chain starting at first until fn returns false or
// the chain ends.
func (v *Volume) walk(first uint32, fn func(cluster uint32) (bool, error)) error {
	cluster := first
	for steps := uint32(0); ; steps++ {
		if steps > v.geo.MaxCluster {
			return checkpoint.From(fmt.Errorf("%w: starting at cluster %d", ErrChainLoop, first))
		}
		if !v.geo.validCluster(cluster) {
			return checkpoint.From(fmt.Errorf("%w: %d", ErrInvalidCluster, cluster))
		}

		more, err := fn(cluster)
		if err != nil || !more {
			return err
		}

		next, end, err := v.nextCluster(cluster)
		if err != nil || end {
			return err
		}
		cluster = next
	}
}

// streamCluster passes the sectors of cluster to fn until fn returns false.
func (v *Volume) streamCluster(cluster uint32, fn func(sector []byte) bool) error {
	return v.streamSectors(v.geo.ClusterSector(cluster), uint32(v.geo.SectorsPerCluster), fn)
}

// streamSectors passes count sectors starting at lba to fn until fn returns false.
func (v *Volume) streamSectors(lba uint32, count uint32, fn func(sector []byte) bool) error {
	return v.dev.StreamBlocks(lba, func(block []byte) bool {
		count--
		return fn(block) && count > 0
	})
}
