// Package sdsim emulates an SD card in SPI mode on top of a disk image.
//
// A Card implements sdspi.Bus, so the whole protocol stack (handshake, block reads, streaming)
// can run against an image file or an in-memory image instead of real hardware.
package sdsim

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/tivaport/sdfat/sdspi"
)

// Kind is the card family the emulator pretends to be.
type Kind int

const (
	// SDHC answers CMD8 and reports block addressing in its OCR.
	SDHC Kind = iota
	// SDv2 answers CMD8 but is byte addressed.
	SDv2
	// SDv1 rejects CMD8 and is initialised with ACMD41(0).
	SDv1
	// MMC rejects CMD8 and ACMD41 and is initialised with CMD1.
	MMC
)

// powerUpClocks is the number of bytes the card needs to see with chip select released
// before it accepts CMD0.
const powerUpClocks = 10

// Command is one command frame the card received.
type Command struct {
	Index byte
	Arg   uint32
	CRC   byte
	Speed sdspi.Speed
}

func (c Command) String() string {
	return fmt.Sprintf("CMD%d(0x%08X)", c.Index, c.Arg)
}

type options struct {
	kind          Kind
	busy          bool
	noDataToken   bool
	coldResetFail bool
	idlePolls     int
	log           *logrus.Entry
}

// Option configures a Card.
type Option func(*options)

// WithLegacy makes the card an SD v1 card.
func WithLegacy() Option {
	return func(o *options) { o.kind = SDv1 }
}

// WithMMC makes the card an MMC card.
func WithMMC() Option {
	return func(o *options) { o.kind = MMC }
}

// WithByteAddressing makes the card a standard capacity SD v2 card.
func WithByteAddressing() Option {
	return func(o *options) { o.kind = SDv2 }
}

// WithBusy makes the card hold MISO low forever.
func WithBusy() Option {
	return func(o *options) { o.busy = true }
}

// WithoutDataToken makes the card accept read commands but never send the data.
func WithoutDataToken() Option {
	return func(o *options) { o.noDataToken = true }
}

// WithColdResetFailure makes the card ignore the first CMD0, like a card that still runs at
// the speed of a previous session.
func WithColdResetFailure() Option {
	return func(o *options) { o.coldResetFail = true }
}

// WithIdlePolls sets how many initialisation commands the card answers with the idle flag
// before it is ready.
func WithIdlePolls(n int) Option {
	return func(o *options) { o.idlePolls = n }
}

// WithLogger sets the logger for the command trace.
func WithLogger(log *logrus.Entry) Option {
	return func(o *options) { o.log = log }
}

// Card is an emulated SD card.
type Card struct {
	image io.ReaderAt
	size  int64
	opts  options
	log   *logrus.Entry

	selected bool
	speed    sdspi.Speed
	clocks   int

	frame  []byte
	out    []byte
	resets int

	idle      bool
	idleLeft  int
	appCmd    bool
	streaming bool
	next      uint32

	commands []Command
}

// New returns a card holding size bytes of image.
func New(image io.ReaderAt, size int64, opts ...Option) *Card {
	o := options{idlePolls: 2}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Card{
		image: image,
		size:  size,
		opts:  o,
		log:   o.log.WithField("component", "sdsim"),
	}
}

// Commands returns every command frame received so far.
func (c *Card) Commands() []Command {
	return append([]Command(nil), c.commands...)
}

// Selected reports the chip select state.
func (c *Card) Selected() bool {
	return c.selected
}

// Speed returns the current bus clock.
func (c *Card) Speed() sdspi.Speed {
	return c.speed
}

// Blocks returns the number of 512 byte blocks on the card.
func (c *Card) Blocks() uint32 {
	return uint32(c.size / sdspi.BlockSize)
}

func (c *Card) ReadByte() (byte, error) {
	return c.exchange(0xFF), nil
}

func (c *Card) WriteByte(b byte) error {
	c.exchange(b)
	return nil
}

func (c *Card) SetChipSelect(selected bool) error {
	if !selected {
		c.frame = c.frame[:0]
		c.out = c.out[:0]
		c.streaming = false
	}
	c.selected = selected
	return nil
}

func (c *Card) SetSpeed(speed sdspi.Speed) error {
	c.log.WithField("speed", speed).Debug("bus speed")
	c.speed = speed
	return nil
}

// exchange shifts one byte in each direction.
func (c *Card) exchange(mosi byte) byte {
	if !c.selected {
		c.clocks++
		return 0xFF
	}

	if len(c.frame) > 0 {
		c.frame = append(c.frame, mosi)
		if len(c.frame) == 6 {
			c.execute()
			c.frame = c.frame[:0]
		}
		return 0xFF
	}
	if mosi&0xC0 == 0x40 {
		c.frame = append(c.frame, mosi)
		c.out = c.out[:0]
		return 0xFF
	}

	if len(c.out) == 0 && c.streaming {
		c.queueBlock(c.next)
		c.next++
	}
	if len(c.out) == 0 {
		if c.opts.busy {
			return 0x00
		}
		return 0xFF
	}
	b := c.out[0]
	c.out = c.out[1:]
	return b
}

func (c *Card) execute() {
	cmd := Command{
		Index: c.frame[0] & 0x3F,
		Arg:   uint32(c.frame[1])<<24 | uint32(c.frame[2])<<16 | uint32(c.frame[3])<<8 | uint32(c.frame[4]),
		CRC:   c.frame[5],
		Speed: c.speed,
	}
	c.commands = append(c.commands, cmd)
	c.log.WithField("speed", c.speed).Debug(cmd)

	appCmd := c.appCmd
	c.appCmd = false

	switch cmd.Index {
	case 0:
		c.reset(cmd)
	case 8:
		c.sendIfCond(cmd)
	case 55:
		c.appCmd = true
		c.respond(c.status())
	case 41:
		if !appCmd || c.opts.kind == MMC {
			c.respond(c.status() | byte(sdspi.R1IllegalCommand))
			return
		}
		if c.opts.kind == SDHC && cmd.Arg&(1<<30) == 0 {
			// A high capacity card never leaves idle for a host without HCS.
			c.respond(c.status())
			return
		}
		c.countdown()
	case 1:
		if c.opts.kind != MMC {
			c.respond(c.status() | byte(sdspi.R1IllegalCommand))
			return
		}
		c.countdown()
	case 58:
		ocr := byte(0x80)
		if c.opts.kind == SDHC && !c.idle {
			ocr |= 0x40
		}
		c.respond(c.status(), ocr, 0xFF, 0x80, 0x00)
	case 16:
		if cmd.Arg != sdspi.BlockSize {
			c.respond(c.status() | byte(sdspi.R1ParameterError))
			return
		}
		c.respond(c.status())
	case 9:
		csd := c.csd()
		c.respond(0x00)
		c.out = append(c.out, 0xFF, 0xFE)
		c.out = append(c.out, csd[:]...)
		c.out = append(c.out, 0x00, 0x00)
	case 17, 18:
		lba, ok := c.block(cmd.Arg)
		if !ok {
			c.respond(byte(sdspi.R1AddressError))
			return
		}
		c.respond(0x00)
		if cmd.Index == 17 {
			c.queueBlock(lba)
			return
		}
		c.streaming = true
		c.next = lba
	case 12:
		c.streaming = false
		// The first byte is clocked out together with the stuff byte.
		c.out = append(c.out[:0], 0xFF, 0xFF, 0x00, 0x00, 0x00)
	default:
		c.respond(c.status() | byte(sdspi.R1IllegalCommand))
	}
}

func (c *Card) reset(cmd Command) {
	c.resets++
	if c.clocks < powerUpClocks {
		c.log.WithField("clocks", c.clocks).Debug("CMD0 before power up, ignored")
		return
	}
	if c.resets == 1 && c.opts.coldResetFail {
		c.log.Debug("CMD0 ignored")
		return
	}
	if cmd.CRC != sdspi.CMD0.CRC() {
		c.respond(byte(sdspi.R1Idle | sdspi.R1CRCError))
		return
	}
	c.idle = true
	c.idleLeft = c.opts.idlePolls
	c.streaming = false
	c.respond(c.status())
}

func (c *Card) sendIfCond(cmd Command) {
	if c.opts.kind == SDv1 || c.opts.kind == MMC {
		c.respond(c.status() | byte(sdspi.R1IllegalCommand))
		return
	}
	if cmd.CRC != sdspi.CMD8.CRC() {
		c.respond(c.status() | byte(sdspi.R1CRCError))
		return
	}
	c.respond(c.status(), 0x00, 0x00, byte(cmd.Arg>>8)&0x0F, byte(cmd.Arg))
}

func (c *Card) countdown() {
	if c.idleLeft > 0 {
		c.idleLeft--
	} else {
		c.idle = false
	}
	c.respond(c.status())
}

func (c *Card) status() byte {
	if c.idle {
		return byte(sdspi.R1Idle)
	}
	return 0
}

// respond queues an R1 (and its payload) after one byte of command response time.
func (c *Card) respond(r1 byte, payload ...byte) {
	c.out = append(c.out[:0], 0xFF, r1)
	c.out = append(c.out, payload...)
}

// block turns a command argument into a block number.
func (c *Card) block(arg uint32) (uint32, bool) {
	lba := arg
	if c.opts.kind != SDHC {
		if arg%sdspi.BlockSize != 0 {
			return 0, false
		}
		lba = arg / sdspi.BlockSize
	}
	return lba, lba < c.Blocks()
}

func (c *Card) queueBlock(lba uint32) {
	if c.opts.noDataToken {
		return
	}
	if lba >= c.Blocks() {
		c.streaming = false
		c.out = append(c.out, 0xFF, 0x08)
		return
	}

	var data [sdspi.BlockSize]byte
	n, err := c.image.ReadAt(data[:], int64(lba)*sdspi.BlockSize)
	if err != nil && !(err == io.EOF && n > 0) {
		c.log.WithError(err).WithField("lba", lba).Error("image read failed")
		c.streaming = false
		c.out = append(c.out, 0xFF, 0x01)
		return
	}

	c.out = append(c.out, 0xFF, 0xFE)
	c.out = append(c.out, data[:]...)
	c.out = append(c.out, 0x00, 0x00)
}

// csd encodes the card size in a version 2 (SDHC) or version 1 register.
func (c *Card) csd() sdspi.CSD {
	var csd sdspi.CSD
	if c.opts.kind == SDHC {
		size := uint32(c.size/(512*1024)) - 1
		csd[0] = 0x40
		csd[5] = 0x09
		csd[7] = byte(size>>16) & 0x3F
		csd[8] = byte(size >> 8)
		csd[9] = byte(size)
		return csd
	}

	// (C_SIZE+1) << (C_SIZE_MULT+2+READ_BL_LEN) with the largest multiplier.
	const mult = 7
	readBlockLength := uint(9)
	size := c.size>>(mult+2+readBlockLength) - 1
	for size > 0xFFF && readBlockLength < 11 {
		readBlockLength++
		size = c.size>>(mult+2+readBlockLength) - 1
	}
	csd[5] = byte(readBlockLength)
	csd[6] = byte(size>>10) & 0x03
	csd[7] = byte(size >> 2)
	csd[8] = byte(size<<6) & 0xC0
	csd[9] = mult >> 1
	csd[10] = (mult & 1) << 7
	return csd
}
