//go:build linux

package drv8301

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/board/genericlinux/buses"
	"go.viam.com/rdk/logging"
)

// SPI settings for the DRV8301: CPOL=0, CPHA=1.
const (
	spiBaud = 1000000
	spiMode = 1
)

// The DRV8301 answers a read on the frame *after* the request, so a read is two transfers that
// must not be split by another motor's traffic on the same bus.
var busMu sync.Mutex

// ErrNoEnablePin is returned by Disable when no EN_GATE pin was configured.
var ErrNoEnablePin = errors.New("no EN_GATE pin configured")

// Driver is the transport to a single DRV8301, addressed by its chip select.
type Driver struct {
	bus        buses.SPI
	chipSelect string
	enGate     board.GPIOPin
	logger     logging.Logger
}

// NewDriver returns a Driver on the given bus. enGate may be nil if the power stage is enabled
// elsewhere.
func NewDriver(bus buses.SPI, chipSelect string, enGate board.GPIOPin, logger logging.Logger) *Driver {
	return &Driver{
		bus:        bus,
		chipSelect: chipSelect,
		enGate:     enGate,
		logger:     logger,
	}
}

// Enable drives EN_GATE high, powering up the gate drive stage. Without an EN_GATE pin the stage
// is assumed to be powered already and Enable does nothing.
func (d *Driver) Enable(ctx context.Context) error {
	if d.enGate == nil {
		d.logger.CDebugf(ctx, "no EN_GATE pin on %s, skipping enable", d.chipSelect)
		return nil
	}
	return d.enGate.Set(ctx, true, nil)
}

// Disable drives EN_GATE low. Every driver sharing the pin goes down with it.
func (d *Driver) Disable(ctx context.Context) error {
	if d.enGate == nil {
		return ErrNoEnablePin
	}
	return d.enGate.Set(ctx, false, nil)
}

// WriteConfig sends both control registers.
func (d *Driver) WriteConfig(ctx context.Context, img RegisterImage) error {
	if err := d.writeReg(ctx, regControl1, img.Control1.encode()); err != nil {
		return errors.Wrap(err, "writing control register 1")
	}
	if err := d.writeReg(ctx, regControl2, img.Control2.encode()); err != nil {
		return errors.Wrap(err, "writing control register 2")
	}
	return nil
}

// ReadConfig reads both control registers back from the chip.
func (d *Driver) ReadConfig(ctx context.Context) (RegisterImage, error) {
	c1, err := d.readReg(ctx, regControl1)
	if err != nil {
		return RegisterImage{}, errors.Wrap(err, "reading control register 1")
	}
	c2, err := d.readReg(ctx, regControl2)
	if err != nil {
		return RegisterImage{}, errors.Wrap(err, "reading control register 2")
	}
	return RegisterImage{Control1: decodeControl1(c1), Control2: decodeControl2(c2)}, nil
}

// Status holds the fault flags from the two status registers.
type Status struct {
	Fault            bool
	GVDDUnderVoltage bool
	PVDDUnderVoltage bool
	OverTempShutdown bool
	OverTempWarning  bool
	FETOvercurrent   uint8 // HA, LA, HB, LB, HC, LC from bit 5 down to bit 0
	GVDDOverVoltage  bool
	DeviceID         uint8
}

// ReadStatus reads both status registers.
func (d *Driver) ReadStatus(ctx context.Context) (Status, error) {
	s1, err := d.readReg(ctx, regStatus1)
	if err != nil {
		return Status{}, errors.Wrap(err, "reading status register 1")
	}
	s2, err := d.readReg(ctx, regStatus2)
	if err != nil {
		return Status{}, errors.Wrap(err, "reading status register 2")
	}
	return Status{
		Fault:            s1&(1<<10) != 0,
		GVDDUnderVoltage: s1&(1<<9) != 0,
		PVDDUnderVoltage: s1&(1<<8) != 0,
		OverTempShutdown: s1&(1<<7) != 0,
		OverTempWarning:  s1&(1<<6) != 0,
		FETOvercurrent:   uint8(s1 & 0x3F),
		GVDDOverVoltage:  s2&(1<<7) != 0,
		DeviceID:         uint8(s2 & 0x0F),
	}, nil
}

func (d *Driver) xfer(ctx context.Context, handle buses.SPIHandle, frame uint16) (uint16, error) {
	tx := [2]byte{byte(frame >> 8), byte(frame)}
	rx, err := handle.Xfer(ctx, spiBaud, d.chipSelect, spiMode, tx[:])
	if err != nil {
		return 0, err
	}
	if len(rx) < 2 {
		return 0, errors.Errorf("short SPI response: %d bytes", len(rx))
	}
	return uint16(rx[0])<<8 | uint16(rx[1]), nil
}

func (d *Driver) writeReg(ctx context.Context, addr uint8, data uint16) error {
	handle, err := d.bus.OpenHandle()
	if err != nil {
		return err
	}
	defer func() {
		if err := handle.Close(); err != nil {
			d.logger.CError(ctx, err)
		}
	}()

	frame := writeFrame(addr, data)
	d.logger.Debugf("Write to 0x%x: 0x%04x", addr, frame)

	busMu.Lock()
	defer busMu.Unlock()

	_, err = d.xfer(ctx, handle, frame)
	return err
}

func (d *Driver) readReg(ctx context.Context, addr uint8) (uint16, error) {
	handle, err := d.bus.OpenHandle()
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := handle.Close(); err != nil {
			d.logger.CError(ctx, err)
		}
	}()

	frame := readFrame(addr)

	busMu.Lock()
	defer busMu.Unlock()

	if _, err := d.xfer(ctx, handle, frame); err != nil {
		return 0, err
	}
	resp, err := d.xfer(ctx, handle, frame)
	if err != nil {
		return 0, err
	}

	d.logger.Debugf("Read from 0x%x: 0x%04x", addr, resp)

	if resp&frameFault != 0 {
		return 0, errors.Errorf("frame fault reading register 0x%x", addr)
	}
	if got := uint8(resp>>addrShift) & addrMask; got != addr {
		return 0, errors.Errorf("read of register 0x%x answered for register 0x%x", addr, got)
	}
	return resp & dataMask, nil
}
