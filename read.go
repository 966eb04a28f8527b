package sdfat

import (
	"bytes"
	"fmt"
	"io"
	"syscall"

	"github.com/tivaport/sdfat/checkpoint"
)

// ReadFile reads the clusters of the chain starting at first into dst, whole sectors at a time,
// until the chain ends or dst is full. truncated reports that the chain had more data than
// dst could take.
//
// The file size is not known here, so the last cluster is read completely: only the first
// size bytes of dst are file content. A first cluster of 0 is an empty file.
func (v *Volume) ReadFile(first uint32, dst []byte) (n int, truncated bool, err error) {
	err = v.dev.Transaction(func() error {
		var readErr error
		n, truncated, readErr = v.readFile(first, dst, false)
		return readErr
	})
	return n, truncated, err
}

// ReadText is ReadFile for text files: it also stops at the first zero byte, which is not
// counted in n.
func (v *Volume) ReadText(first uint32, dst []byte) (n int, truncated bool, err error) {
	err = v.dev.Transaction(func() error {
		var readErr error
		n, truncated, readErr = v.readFile(first, dst, true)
		return readErr
	})
	return n, truncated, err
}

func (v *Volume) readFile(first uint32, dst []byte, text bool) (n int, truncated bool, err error) {
	if first == 0 {
		return 0, false, nil
	}

	done := false
	err = v.walk(first, func(cluster uint32) (bool, error) {
		if n >= len(dst) {
			truncated = true
			return false, nil
		}
		err := v.streamCluster(cluster, func(sector []byte) bool {
			if n >= len(dst) {
				truncated = true
				return false
			}
			if text {
				if end := bytes.IndexByte(sector, 0); end >= 0 {
					sector = sector[:end]
					done = true
				}
			}
			copied := copy(dst[n:], sector)
			n += copied
			if copied < len(sector) {
				truncated = true
				return false
			}
			return !done
		})
		return !done && !truncated, err
	})
	return n, truncated, err
}

// StreamFile writes the clusters of the chain starting at first to w. With text it stops at
// the first zero byte.
func (v *Volume) StreamFile(first uint32, w io.Writer, text bool) error {
	if first == 0 {
		return nil
	}
	return v.dev.Transaction(func() error {
		var writeErr error
		done := false
		err := v.walk(first, func(cluster uint32) (bool, error) {
			err := v.streamCluster(cluster, func(sector []byte) bool {
				if text {
					if end := bytes.IndexByte(sector, 0); end >= 0 {
						sector = sector[:end]
						done = true
					}
				}
				if _, writeErr = w.Write(sector); writeErr != nil {
					return false
				}
				return !done
			})
			return !done && writeErr == nil, err
		})
		if err != nil {
			return err
		}
		return checkpoint.From(writeErr)
	})
}

// readFileAt reads up to length bytes at offset of a file of the given size.
// Only the sectors holding the requested range are transferred.
func (v *Volume) readFileAt(first uint32, size int64, offset int64, length int64) ([]byte, error) {
	if offset < 0 {
		return nil, checkpoint.From(fmt.Errorf("%w: negative offset %d", ErrSeekFile, offset))
	}
	if offset+length > size {
		length = size - offset
	}
	if length <= 0 {
		return []byte{}, nil
	}

	clusterSize := int64(v.geo.ClusterSize())
	skip := offset / clusterSize
	start := offset % clusterSize
	data := make([]byte, 0, length)

	err := v.dev.Transaction(func() error {
		var index int64
		return v.walk(first, func(cluster uint32) (bool, error) {
			if index < skip {
				index++
				return true, nil
			}
			index++

			firstSector := uint32(start / BlockSize)
			cut := start % BlockSize
			start = 0
			err := v.streamSectors(v.geo.ClusterSector(cluster)+firstSector, uint32(v.geo.SectorsPerCluster)-firstSector, func(sector []byte) bool {
				sector = sector[cut:]
				cut = 0
				if want := length - int64(len(data)); int64(len(sector)) > want {
					sector = sector[:want]
				}
				data = append(data, sector...)
				return int64(len(data)) < length
			})
			return int64(len(data)) < length, err
		})
	})
	return data, err
}

// ReadEntry reads catalog entry i into dst. Unlike ReadFile, n never exceeds the file size.
func (v *Volume) ReadEntry(i int, dst []byte) (n int, truncated bool, err error) {
	e, err := v.catalog.Entry(i)
	if err != nil {
		return 0, false, err
	}
	if e.IsDir() {
		return 0, false, checkpoint.Wrap(syscall.EISDIR, fmt.Errorf("%w: %s", ErrReadFile, e.Name))
	}

	n, _, err = v.ReadFile(e.FirstCluster, dst)
	if n > int(e.Size) {
		n = int(e.Size)
	}
	return n, int64(e.Size) > int64(len(dst)), err
}

// FindByName returns the catalog index of the entry named name.
func (v *Volume) FindByName(name string) (int, bool) {
	return v.catalog.Find(name)
}
