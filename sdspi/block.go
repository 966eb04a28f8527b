package sdspi

import (
	"fmt"

	"github.com/tivaport/sdfat/checkpoint"
)

// tokenStartBlock precedes every data block of a single or multiple block read.
const tokenStartBlock = 0xFE

// ReceiveBlock waits for the data token and reads len(dst) bytes into dst, followed by the two
// CRC bytes which are discarded.
//
// If the token does not arrive within TokenPolls attempts an error matching ErrTimeout is
// returned; any other token than 0xFE is a data error token and returns ErrDataToken.
// dst may be partially written when an error occurs.
func (c *Card) ReceiveBlock(dst []byte) error {
	if len(dst)%2 != 0 {
		return checkpoint.From(fmt.Errorf("%w: %d", ErrOddLength, len(dst)))
	}

	token := byte(0xFF)
	for i := 0; i < c.cfg.TokenPolls; i++ {
		b, err := c.bus.ReadByte()
		if err != nil {
			return checkpoint.From(err)
		}
		token = b
		if token != 0xFF {
			break
		}
		c.cfg.Sleep(c.cfg.TokenDelay)
	}
	switch {
	case token == 0xFF:
		return checkpoint.From(fmt.Errorf("%w: no data token after %d polls", ErrTimeout, c.cfg.TokenPolls))
	case token != tokenStartBlock:
		return checkpoint.From(fmt.Errorf("%w 0x%02X", ErrDataToken, token))
	}

	for i := range dst {
		b, err := c.bus.ReadByte()
		if err != nil {
			return checkpoint.From(err)
		}
		dst[i] = b
	}

	// CRC, not checked in SPI mode.
	for i := 0; i < 2; i++ {
		if err := c.bus.WriteByte(0xFF); err != nil {
			return checkpoint.From(err)
		}
	}
	return nil
}

// ReadBlock reads block lba into dst, which must be BlockSize bytes long.
func (c *Card) ReadBlock(lba uint32, dst []byte) error {
	if len(dst) != BlockSize {
		return checkpoint.From(fmt.Errorf("read block %d: buffer of %d bytes, want %d", lba, len(dst), BlockSize))
	}
	if err := c.expect(CMD17, c.address(lba), 0); err != nil {
		return checkpoint.Wrap(err, fmt.Errorf("read block %d", lba))
	}
	return c.ReceiveBlock(dst)
}

// StreamBlocks starts a multiple block read at lba and passes every block to fn until fn
// returns false or a block could not be received. The transfer is always stopped with CMD12.
//
// The slice passed to fn is reused for the next block.
func (c *Card) StreamBlocks(lba uint32, fn func(block []byte) bool) error {
	if err := c.expect(CMD18, c.address(lba), 0); err != nil {
		return checkpoint.Wrap(err, fmt.Errorf("stream from block %d", lba))
	}

	var err error
	for {
		if err = c.ReceiveBlock(c.block[:]); err != nil {
			break
		}
		if !fn(c.block[:]) {
			break
		}
	}

	if _, stopErr := c.SendCommand(CMD12, 0); err == nil {
		err = stopErr
	}
	return err
}

// CSD is the raw card specific data register.
type CSD [16]byte

// Version returns the CSD structure version (0 for standard capacity, 1 for high capacity).
func (csd CSD) Version() int {
	return int(csd[0] >> 6)
}

// Capacity returns the card size in bytes.
func (csd CSD) Capacity() int64 {
	if csd.Version() == 1 {
		size := int64(csd[7]&0x3F)<<16 | int64(csd[8])<<8 | int64(csd[9])
		return (size + 1) * 512 * 1024
	}

	readBlockLength := uint(csd[5] & 0x0F)
	size := int64(csd[6]&0x03)<<10 | int64(csd[7])<<2 | int64(csd[8])>>6
	multiplier := uint(csd[9]&0x03)<<1 | uint(csd[10])>>7
	return (size + 1) << (multiplier + 2 + readBlockLength)
}

// ReadCSD reads the CSD register with CMD9.
func (c *Card) ReadCSD() (CSD, error) {
	var csd CSD
	if err := c.expect(CMD9, 0, 0); err != nil {
		return csd, err
	}
	err := c.ReceiveBlock(csd[:])
	return csd, err
}
