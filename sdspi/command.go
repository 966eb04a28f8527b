package sdspi

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tivaport/sdfat/checkpoint"
)

// Command is an SD command index. The opcode on the wire is 0x40 | index.
type Command byte

const (
	CMD0  Command = 0  // GO_IDLE_STATE
	CMD1  Command = 1  // SEND_OP_COND (MMC)
	CMD8  Command = 8  // SEND_IF_COND
	CMD9  Command = 9  // SEND_CSD
	CMD12 Command = 12 // STOP_TRANSMISSION
	CMD16 Command = 16 // SET_BLOCKLEN
	CMD17 Command = 17 // READ_SINGLE_BLOCK
	CMD18 Command = 18 // READ_MULTIPLE_BLOCK
	CMD41 Command = 41 // SD_SEND_OP_COND, only valid after CMD55
	CMD55 Command = 55 // APP_CMD
	CMD58 Command = 58 // READ_OCR
)

// Opcode returns the first byte of the command frame.
func (c Command) Opcode() byte {
	return 0x40 | byte(c)&0x3F
}

// CRC returns the last byte of the command frame.
// Only CMD0 and CMD8 are checked by a card in SPI mode, and only for the arguments this package
// sends them with (0 and 0x1AA).
func (c Command) CRC() byte {
	switch c {
	case CMD0:
		return 0x95
	case CMD8:
		return 0x87
	}
	return 0x01
}

func (c Command) String() string {
	return fmt.Sprintf("CMD%d", byte(c))
}

// R1 is the one byte response every command starts with.
type R1 byte

const (
	R1Idle R1 = 1 << iota
	R1EraseReset
	R1IllegalCommand
	R1CRCError
	R1EraseSequenceError
	R1AddressError
	R1ParameterError
	// r1Invalid is set on any byte which is not a response at all.
	r1Invalid
)

// Valid reports whether the byte is a response (bit 7 clear).
func (r R1) Valid() bool {
	return r&r1Invalid == 0
}

// Ready reports a valid response with no flag set.
func (r R1) Ready() bool {
	return r == 0
}

// Idle reports a valid response which only has the idle flag set.
func (r R1) Idle() bool {
	return r == R1Idle
}

// Accepted reports a valid response without error flags. The card may still be idle.
func (r R1) Accepted() bool {
	return r <= R1Idle
}

func (r R1) String() string {
	return fmt.Sprintf("0x%02X", byte(r))
}

// SendCommand sends one command frame and returns the card's R1 response.
//
// Before sending it waits for the card to release the bus (reads 0xFF). If the card stays busy
// for ReadyPolls attempts the frame is not sent and 0xFF is returned with an error matching
// ErrTimeout. After the frame up to ResponsePolls bytes are read until one has bit 7 clear;
// when none has, the last byte read is returned without an error and R1.Valid reports false.
//
// SendCommand does not touch chip select; see Card.Transaction.
func (c *Card) SendCommand(cmd Command, arg uint32) (R1, error) {
	// The card is still streaming data when a multiple block read gets stopped.
	if cmd != CMD12 {
		if err := c.waitReady(); err != nil {
			return 0xFF, checkpoint.Wrap(err, fmt.Errorf("%v not sent", cmd))
		}
	}

	frame := [6]byte{
		cmd.Opcode(),
		byte(arg >> 24),
		byte(arg >> 16),
		byte(arg >> 8),
		byte(arg),
		cmd.CRC(),
	}
	for _, b := range frame {
		if err := c.bus.WriteByte(b); err != nil {
			return 0xFF, checkpoint.From(err)
		}
	}

	if cmd == CMD12 {
		// Stuff byte.
		if err := c.bus.WriteByte(0xFF); err != nil {
			return 0xFF, checkpoint.From(err)
		}
	}

	r := R1(0xFF)
	for n := 0; n < c.cfg.ResponsePolls; n++ {
		b, err := c.bus.ReadByte()
		if err != nil {
			return 0xFF, checkpoint.From(err)
		}
		r = R1(b)
		if r.Valid() {
			break
		}
	}

	c.log.WithFields(logrus.Fields{
		"cmd": cmd,
		"arg": fmt.Sprintf("0x%08X", arg),
		"r1":  r,
	}).Trace("command")
	return r, nil
}

// waitReady reads until the card answers 0xFF.
func (c *Card) waitReady() error {
	var b byte
	for i := 0; i < c.cfg.ReadyPolls; i++ {
		var err error
		b, err = c.bus.ReadByte()
		if err != nil {
			return checkpoint.From(err)
		}
		if b == 0xFF {
			return nil
		}
		c.cfg.Sleep(c.cfg.ReadyDelay)
	}
	return fmt.Errorf("%w: card busy after %d polls (last byte 0x%02X)", ErrTimeout, c.cfg.ReadyPolls, b)
}

// expect sends cmd and turns anything but the wanted response into an error.
func (c *Card) expect(cmd Command, arg uint32, want R1) error {
	r, err := c.SendCommand(cmd, arg)
	if err != nil {
		return err
	}
	if r != want {
		return checkpoint.From(&CommandError{Command: cmd, Response: r})
	}
	return nil
}

// appCommand sends CMD55 followed by cmd.
// The CMD55 response is returned instead when it already signals an error.
func (c *Card) appCommand(cmd Command, arg uint32) (R1, error) {
	r, err := c.SendCommand(CMD55, 0)
	if err != nil || !r.Accepted() {
		return r, err
	}
	return c.SendCommand(cmd, arg)
}
