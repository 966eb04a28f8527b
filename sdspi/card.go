package sdspi

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tivaport/sdfat/checkpoint"
)

// These errors may occur while talking to the card.
var (
	ErrTimeout     = errors.New("sd card timeout")
	ErrDataToken   = errors.New("unexpected data token")
	ErrOddLength   = errors.New("block length must be even")
	ErrNoCard      = errors.New("no card answered the reset command")
	ErrVoltage     = errors.New("card does not accept 2.7-3.6V")
	ErrInitTimeout = errors.New("card did not leave the idle state")
	ErrCommand     = errors.New("command rejected")
)

// CommandError is returned when the card answers a command with an unexpected R1.
// It matches ErrCommand.
type CommandError struct {
	Command  Command
	Response R1
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%v answered %v", e.Command, e.Response)
}

func (e *CommandError) Is(target error) bool {
	return target == ErrCommand
}

// BlockSize is the only block length used.
const BlockSize = 512

// powerUpBytes of 0xFF give the card the 74 clocks it needs with chip select released.
const powerUpBytes = 10

// CardType is the card family detected by the handshake.
type CardType int

const (
	CardUnknown CardType = iota
	CardMMC
	CardSDv1
	CardSDv2
	// CardSDHC is an SDHC or SDXC card, which is addressed in blocks instead of bytes.
	CardSDHC
)

func (t CardType) String() string {
	switch t {
	case CardMMC:
		return "MMC"
	case CardSDv1:
		return "SDv1"
	case CardSDv2:
		return "SDv2"
	case CardSDHC:
		return "SDHC"
	}
	return "unknown"
}

// Config holds the polling limits. Every wait is a bounded number of attempts with a fixed
// delay in between, so the timeouts are approximate.
type Config struct {
	ReadyPolls    int
	ReadyDelay    time.Duration
	ResponsePolls int
	TokenPolls    int
	TokenDelay    time.Duration
	InitPolls     int
	InitDelay     time.Duration

	// Sleep waits between two polls. It defaults to time.Sleep.
	Sleep  func(time.Duration)
	Logger *logrus.Entry
}

// DefaultConfig returns the limits of the LM4F firmware: about 500ms for the card to get ready
// or to send a data token and about a second for the initialization.
func DefaultConfig() Config {
	return Config{
		ReadyPolls:    100,
		ReadyDelay:    5 * time.Millisecond,
		ResponsePolls: 10,
		TokenPolls:    100,
		TokenDelay:    5 * time.Millisecond,
		InitPolls:     100,
		InitDelay:     10 * time.Millisecond,
		Sleep:         time.Sleep,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.ReadyPolls <= 0 {
		cfg.ReadyPolls = def.ReadyPolls
	}
	if cfg.ResponsePolls <= 0 {
		cfg.ResponsePolls = def.ResponsePolls
	}
	if cfg.TokenPolls <= 0 {
		cfg.TokenPolls = def.TokenPolls
	}
	if cfg.InitPolls <= 0 {
		cfg.InitPolls = def.InitPolls
	}
	if cfg.Sleep == nil {
		cfg.Sleep = def.Sleep
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return cfg
}

// Card is an SD card on a Bus.
type Card struct {
	bus   Bus
	cfg   Config
	log   *logrus.Entry
	typ   CardType
	block [BlockSize]byte
}

// New returns a Card on bus without talking to it. Zero limits in cfg are replaced by the
// DefaultConfig values.
func New(bus Bus, cfg Config) *Card {
	cfg = cfg.withDefaults()
	return &Card{
		bus: bus,
		cfg: cfg,
		log: cfg.Logger.WithField("component", "sdspi"),
	}
}

// Open brings the card on bus into SPI data transfer mode.
func Open(bus Bus, cfg Config) (*Card, error) {
	c := New(bus, cfg)
	if err := c.Init(); err != nil {
		c.log.WithError(err).Error("SD Card init error.")
		return nil, err
	}
	return c, nil
}

// Type returns the card family found by Init.
func (c *Card) Type() CardType {
	return c.typ
}

// Init runs the power-up handshake at the slow clock and switches the bus to the fast clock.
//
// The reset command is retried once at the fast clock, which is what a card that kept its
// power since an earlier session (warm boot) may need.
func (c *Card) Init() error {
	if err := c.bus.SetSpeed(SpeedSlow); err != nil {
		return checkpoint.From(err)
	}
	if err := c.bus.SetChipSelect(false); err != nil {
		return checkpoint.From(err)
	}
	c.cfg.Sleep(c.cfg.InitDelay)
	for i := 0; i < powerUpBytes; i++ {
		if err := c.bus.WriteByte(0xFF); err != nil {
			return checkpoint.From(err)
		}
	}

	if err := c.Transaction(c.handshake); err != nil {
		return err
	}
	if err := c.bus.SetSpeed(SpeedFast); err != nil {
		return checkpoint.From(err)
	}
	c.log.WithField("type", c.typ).Debug("card initialised")
	return nil
}

func (c *Card) handshake() error {
	if err := c.reset(); err != nil {
		return err
	}

	r, err := c.SendCommand(CMD8, 0x1AA)
	if err != nil {
		return err
	}
	if r.Idle() {
		return c.handshakeV2()
	}
	return c.handshakeV1()
}

func (c *Card) reset() error {
	r, err := c.SendCommand(CMD0, 0)
	if err == nil && r.Idle() {
		return nil
	}
	c.log.WithField("r1", r).Debug("no reset at low speed, retrying at high speed")

	if err := c.bus.SetSpeed(SpeedFast); err != nil {
		return checkpoint.From(err)
	}
	r, err = c.SendCommand(CMD0, 0)
	if err != nil {
		return checkpoint.Wrap(err, ErrNoCard)
	}
	if !r.Idle() {
		return checkpoint.From(fmt.Errorf("%w: CMD0 answered %v", ErrNoCard, r))
	}
	return nil
}

func (c *Card) handshakeV2() error {
	var r7 [4]byte
	if err := c.readTrailer(r7[:]); err != nil {
		return err
	}
	if r7[2] != 0x01 || r7[3] != 0xAA {
		return checkpoint.From(fmt.Errorf("%w: R7 % X", ErrVoltage, r7))
	}

	if err := c.pollReady(func() (R1, error) { return c.appCommand(CMD41, 1<<30) }); err != nil {
		return err
	}

	if err := c.expect(CMD58, 0, 0); err != nil {
		return err
	}
	var ocr [4]byte
	if err := c.readTrailer(ocr[:]); err != nil {
		return err
	}
	c.typ = CardSDv2
	if ocr[0]&0x40 != 0 {
		c.typ = CardSDHC
	}
	return nil
}

func (c *Card) handshakeV1() error {
	c.typ = CardMMC
	op := func() (R1, error) { return c.SendCommand(CMD1, 0) }
	if r, err := c.appCommand(CMD41, 0); err != nil {
		return err
	} else if r.Accepted() {
		c.typ = CardSDv1
		op = func() (R1, error) { return c.appCommand(CMD41, 0) }
	}

	if err := c.pollReady(op); err != nil {
		return err
	}
	return c.expect(CMD16, BlockSize, 0)
}

// pollReady repeats op until the card answers with a clear R1.
func (c *Card) pollReady(op func() (R1, error)) error {
	var r R1
	for i := 0; i < c.cfg.InitPolls; i++ {
		var err error
		r, err = op()
		if err != nil {
			return err
		}
		if r.Ready() {
			return nil
		}
		c.cfg.Sleep(c.cfg.InitDelay)
	}
	return checkpoint.From(fmt.Errorf("%w: last response %v", ErrInitTimeout, r))
}

// readTrailer reads the bytes following an R1 (R3/R7 payloads).
func (c *Card) readTrailer(dst []byte) error {
	for i := range dst {
		b, err := c.bus.ReadByte()
		if err != nil {
			return checkpoint.From(err)
		}
		dst[i] = b
	}
	return nil
}

// Transaction selects the card, runs fn and releases the card again, also when fn fails.
// Every logical operation (mount, a directory listing, a file read) runs in one transaction.
func (c *Card) Transaction(fn func() error) (err error) {
	if err := c.bus.SetChipSelect(true); err != nil {
		return checkpoint.From(err)
	}
	defer func() {
		releaseErr := c.bus.SetChipSelect(false)
		if releaseErr == nil {
			// One more clock byte so the card lets go of MISO.
			_, releaseErr = c.bus.ReadByte()
		}
		if err == nil {
			err = checkpoint.From(releaseErr)
		}
	}()
	return fn()
}

// address converts a block number into a command argument.
func (c *Card) address(lba uint32) uint32 {
	if c.typ == CardSDHC {
		return lba
	}
	return lba * BlockSize
}
