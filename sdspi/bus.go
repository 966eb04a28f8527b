// Package sdspi talks to an SD card in SPI mode over a byte-synchronous bus.
//
// It covers the card side of the protocol only: command frames, R1 responses, data tokens,
// the two-speed power-up handshake and single/multiple block reads. The bus itself (SSI
// peripheral, chip-select pin and clock divider) is provided by the caller through Bus.
package sdspi

import "fmt"

// Bus is the byte-level SPI transport the card is wired to.
// All calls block until the byte has been shifted.
type Bus interface {
	// ReadByte clocks out 0xFF and returns the byte received at the same time.
	ReadByte() (byte, error)
	// WriteByte clocks out b and discards the byte received.
	WriteByte(b byte) error
	// SetChipSelect drives the card's chip-select line low when selected is true.
	SetChipSelect(selected bool) error
	// SetSpeed switches the bus clock.
	SetSpeed(speed Speed) error
}

// Speed is a bus clock profile.
type Speed int

const (
	// SpeedSlow is the identification clock the card must see until it left the idle state.
	SpeedSlow Speed = iota
	// SpeedFast is the data transfer clock.
	SpeedFast
)

// Hz returns the clock rate the profile stands for on the LM4F SSI ports.
func (s Speed) Hz() int {
	if s == SpeedFast {
		return 8000000
	}
	return 250000
}

func (s Speed) String() string {
	switch s {
	case SpeedSlow:
		return "slow"
	case SpeedFast:
		return "fast"
	}
	return fmt.Sprintf("Speed(%d)", int(s))
}
