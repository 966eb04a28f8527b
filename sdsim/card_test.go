package sdsim

import (
	"bytes"
	"testing"

	"github.com/tivaport/sdfat/sdspi"
)

// send clocks a command frame into the card and returns the next n bytes it answers with.
func send(c *Card, frame []byte, n int) []byte {
	for _, b := range frame {
		c.WriteByte(b)
	}
	out := make([]byte, n)
	for i := range out {
		out[i], _ = c.ReadByte()
	}
	return out
}

func powerUp(c *Card) {
	c.SetChipSelect(false)
	for i := 0; i < powerUpClocks; i++ {
		c.WriteByte(0xFF)
	}
	c.SetChipSelect(true)
}

func TestCard_reset(t *testing.T) {
	tests := []struct {
		name    string
		powered bool
		opts    []Option
		frame   []byte
		want    []byte
	}{
		{
			name:    "reset",
			powered: true,
			frame:   []byte{0x40, 0, 0, 0, 0, 0x95},
			want:    []byte{0xFF, 0x01, 0xFF},
		},
		{
			name:    "wrong crc",
			powered: true,
			frame:   []byte{0x40, 0, 0, 0, 0, 0x01},
			want:    []byte{0xFF, 0x09, 0xFF},
		},
		{
			name:  "no power up clocks",
			frame: []byte{0x40, 0, 0, 0, 0, 0x95},
			want:  []byte{0xFF, 0xFF, 0xFF},
		},
		{
			name:    "cold reset failure",
			powered: true,
			opts:    []Option{WithColdResetFailure()},
			frame:   []byte{0x40, 0, 0, 0, 0, 0x95},
			want:    []byte{0xFF, 0xFF, 0xFF},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(bytes.NewReader(nil), 1<<20, tt.opts...)
			if tt.powered {
				powerUp(c)
			} else {
				c.SetChipSelect(true)
			}

			if got := send(c, tt.frame, len(tt.want)); !bytes.Equal(got, tt.want) {
				t.Errorf("Card answered % X, want % X", got, tt.want)
			}
			if cmds := c.Commands(); len(cmds) != 1 || cmds[0].Index != 0 || cmds[0].CRC != tt.frame[5] {
				t.Errorf("Card.Commands() = %v", cmds)
			}
		})
	}
}

func TestCard_sendIfCond(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want []byte
	}{
		{name: "SDHC echoes the check pattern", want: []byte{0xFF, 0x01, 0x00, 0x00, 0x01, 0xAA}},
		{name: "SD v1 rejects CMD8", opts: []Option{WithLegacy()}, want: []byte{0xFF, 0x05, 0xFF, 0xFF, 0xFF, 0xFF}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(bytes.NewReader(nil), 1<<20, tt.opts...)
			powerUp(c)
			send(c, []byte{0x40, 0, 0, 0, 0, 0x95}, 2)

			if got := send(c, []byte{0x48, 0, 0, 0x01, 0xAA, 0x87}, len(tt.want)); !bytes.Equal(got, tt.want) {
				t.Errorf("Card answered % X, want % X", got, tt.want)
			}
		})
	}
}

func TestCard_deselectStopsOutput(t *testing.T) {
	image := bytes.Repeat([]byte{0xA5}, 1<<20)
	c := New(bytes.NewReader(image), int64(len(image)), WithIdlePolls(0))
	powerUp(c)
	send(c, []byte{0x40, 0, 0, 0, 0, 0x95}, 2)
	send(c, []byte{0x77, 0, 0, 0, 0, 0x01}, 2)
	send(c, []byte{0x69, 0x40, 0, 0, 0, 0x01}, 2)

	got := send(c, []byte{0x51, 0, 0, 0, 1, 0x01}, 4)
	if want := []byte{0xFF, 0x00, 0xFF, 0xFE}; !bytes.Equal(got, want) {
		t.Fatalf("Card answered % X, want % X", got, want)
	}

	c.SetChipSelect(false)
	c.SetChipSelect(true)
	if b, _ := c.ReadByte(); b != 0xFF {
		t.Errorf("Card.ReadByte() after deselect = 0x%02X, want 0xFF", b)
	}
	if c.Speed() != sdspi.SpeedSlow {
		t.Errorf("Card.Speed() = %v, want %v", c.Speed(), sdspi.SpeedSlow)
	}
}
