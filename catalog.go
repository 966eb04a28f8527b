package sdfat

import (
	"fmt"
	"io"

	"github.com/tivaport/sdfat/checkpoint"
)

// Kind tells files and directories apart.
type Kind int

const (
	KindNone Kind = iota
	KindFile
	KindDir
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "FILE"
	case KindDir:
		return "DIR"
	}
	return "NONE"
}

// DirectoryEntry is a file or directory found by a listing.
type DirectoryEntry struct {
	Kind         Kind
	Name         string
	FirstCluster uint32
	// Size is only meaningful for files.
	Size     uint32
	Modified Timestamp

	ShortName [11]byte
	Attr      byte
	// Parent is the catalog index of the directory the entry was found in, or -1 for the
	// listed directory itself.
	Parent int
}

// IsDir reports whether e is a directory.
func (e DirectoryEntry) IsDir() bool {
	return e.Kind == KindDir
}

// Catalog is a fixed capacity list of directory entries in scan order.
type Catalog struct {
	entries   []DirectoryEntry
	truncated bool
}

// NewCatalog returns an empty catalog with room for capacity entries.
func NewCatalog(capacity int) *Catalog {
	if capacity < 0 {
		capacity = 0
	}
	return &Catalog{entries: make([]DirectoryEntry, 0, capacity)}
}

func (c *Catalog) Len() int {
	return len(c.entries)
}

func (c *Catalog) Cap() int {
	return cap(c.entries)
}

// Truncated reports whether entries were dropped since the last Reset because the catalog was full.
func (c *Catalog) Truncated() bool {
	return c.truncated
}

// Reset empties the catalog. The storage is reused.
func (c *Catalog) Reset() {
	c.entries = c.entries[:0]
	c.truncated = false
}

// Entry returns entry i.
func (c *Catalog) Entry(i int) (DirectoryEntry, error) {
	if i < 0 || i >= len(c.entries) {
		return DirectoryEntry{}, checkpoint.From(fmt.Errorf("%w: %d of %d", ErrIndex, i, len(c.entries)))
	}
	return c.entries[i], nil
}

// Entries returns a copy of all entries.
func (c *Catalog) Entries() []DirectoryEntry {
	return append([]DirectoryEntry(nil), c.entries...)
}

// Find returns the index of the first entry named exactly name.
func (c *Catalog) Find(name string) (int, bool) {
	for i := range c.entries {
		if c.entries[i].Name == name {
			return i, true
		}
	}
	return -1, false
}

// WriteListing prints the entries the way the card firmware lists a directory, one numbered
// line per entry. Entries of a subdirectory follow a "Content of NAME" header.
func (c *Catalog) WriteListing(w io.Writer) error {
	parent := -1
	for i, e := range c.entries {
		if e.Parent != parent && e.Parent >= 0 && e.Parent < len(c.entries) {
			if _, err := fmt.Fprintf(w, "Content of %s\n\t", c.entries[e.Parent].Name); err != nil {
				return checkpoint.From(err)
			}
		}
		parent = e.Parent

		if _, err := fmt.Fprintf(w, "%d. (%v)\t%s\t\t%v\n", i, e.Kind, e.Name, e.Modified); err != nil {
			return checkpoint.From(err)
		}
	}
	return nil
}

func (c *Catalog) add(e DirectoryEntry) bool {
	if len(c.entries) == cap(c.entries) {
		c.truncated = true
		return false
	}
	c.entries = append(c.entries, e)
	return true
}
