// Package checkpoint decorates errors with the file and line they passed through, so a failed
// card transfer can be traced from the bus up to the volume call that started it.
// Every error added to a checkpoint stays reachable through errors.Is and errors.As.
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"
)

// From records the caller of From on err.
// It returns nil for a nil err and passes io.EOF and io.ErrUnexpectedEOF through unchanged,
// as readers compare them with ==.
func From(err error) error {
	if err == nil || err == io.EOF || err == io.ErrUnexpectedEOF {
		return err
	}

	return newCheckpoint(nil, err, 2)
}

// Wrap records the caller of Wrap on prev and attaches err as the description of what failed
// at this point:
//  var ErrSignature = errors.New("not a FAT32 volume")
//
//  func mount() error {
//  	err := readBootSector()
//  	return checkpoint.Wrap(err, ErrSignature)
//  }
// Both ErrSignature and whatever readBootSector returned match errors.Is afterwards.
// Wrap returns nil if prev is nil, and io.EOF unchanged.
func Wrap(prev, err error) error {
	if prev == nil || prev == io.EOF {
		return prev
	}

	return newCheckpoint(prev, err, 2)
}

type checkpoint struct {
	err  error
	prev error

	file string
	line int
}

func newCheckpoint(prev, err error, skip int) *checkpoint {
	c := &checkpoint{err: err, prev: prev}
	if _, file, line, ok := runtime.Caller(skip); ok {
		c.file = filepath.Base(file)
		c.line = line
	}
	return c
}

func (c *checkpoint) location() string {
	if c.file == "" {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", c.file, c.line)
}

func (c *checkpoint) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %v", c.location(), c.err)
	if c.prev == nil {
		return b.String()
	}

	// Nested checkpoints already carry their own location.
	if _, ok := c.prev.(*checkpoint); ok {
		b.WriteString("\n")
		b.WriteString(c.prev.Error())
		return b.String()
	}
	b.WriteString("\n\tcaused by: ")
	b.WriteString(strings.ReplaceAll(c.prev.Error(), "\n", "\n\t"))
	return b.String()
}

func (c *checkpoint) Unwrap() error {
	if c.prev == nil {
		return c.err
	}
	return c.prev
}

func (c *checkpoint) Is(target error) bool {
	return c.prev != nil && errors.Is(c.err, target)
}

func (c *checkpoint) As(target interface{}) bool {
	return c.prev != nil && errors.As(c.err, target)
}
