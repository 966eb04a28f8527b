package sdfat

import (
	"os"
	"time"
)

// FileInfo returns e as os.FileInfo. Sys returns the DirectoryEntry.
func (e DirectoryEntry) FileInfo() os.FileInfo {
	return entryFileInfo{e}
}

type entryFileInfo struct {
	entry DirectoryEntry
}

func (e entryFileInfo) Name() string {
	return e.entry.Name
}

func (e entryFileInfo) Size() int64 {
	if e.IsDir() {
		return 0
	}
	return int64(e.entry.Size)
}

func (e entryFileInfo) Mode() os.FileMode {
	if e.IsDir() {
		return os.ModeDir | 0555
	}
	return 0444
}

func (e entryFileInfo) ModTime() time.Time {
	return e.entry.Modified.Time()
}

func (e entryFileInfo) IsDir() bool {
	return e.entry.Kind == KindDir
}

func (e entryFileInfo) Sys() interface{} {
	return e.entry
}
