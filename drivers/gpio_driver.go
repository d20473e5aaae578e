package drivers

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"github.com/stianeikeland/go-rpio/v4"
)

const gpioDriverName = "gpio"

// GpioLines drives the matrix control lines directly from Raspberry Pi GPIO.
// RowPins and ColPins carry the BCM pin numbers, in line order, and come
// straight from the JSON configuration.
type GpioLines struct {
	RowPins []uint8
	ColPins []uint8

	InvertRows    bool
	InvertColumns bool

	rows []rpio.Pin
	cols []rpio.Pin

	mu      sync.Mutex
	isReady bool
}

func (gp *GpioLines) Setup(ctx context.Context, rows int, cols int) error {
	if len(gp.RowPins) != rows || len(gp.ColPins) != cols {
		return errors.Errorf("gpio pin map mismatch: configured %d row / %d column pins, matrix needs %d/%d",
			len(gp.RowPins), len(gp.ColPins), rows, cols)
	}

	err := rpio.Open()
	if err != nil {
		return errors.Wrapf(err, "failed to Setup gpio driver for lines: %v, %v; ", gp.RowPins, gp.ColPins)
	}

	// Idle level is every electrode low: rows low, columns high.
	for _, rowPin := range gp.RowPins {
		pin := rpio.Pin(rowPin)
		pin.Output()
		gp.writePin(pin, false, gp.InvertRows)
		gp.rows = append(gp.rows, pin)
	}

	for _, colPin := range gp.ColPins {
		pin := rpio.Pin(colPin)
		pin.Output()
		gp.writePin(pin, true, gp.InvertColumns)
		gp.cols = append(gp.cols, pin)
	}

	gp.isReady = true
	return nil
}

func (gp *GpioLines) writePin(pin rpio.Pin, level bool, invert bool) {
	if invert {
		level = !level
	}
	if level {
		pin.High()
	} else {
		pin.Low()
	}
}

func (gp *GpioLines) WriteRow(row int, level bool) {
	gp.writePin(gp.rows[row], level, gp.InvertRows)
}

func (gp *GpioLines) WriteColumn(col int, level bool) {
	gp.writePin(gp.cols[col], level, gp.InvertColumns)
}

// Exclusive pins the calling goroutine to its OS thread and holds the bus
// mutex for the whole span of fn, the closest host-side analogue of the
// interrupt-disable bracket the matrix timing requires.
func (gp *GpioLines) Exclusive(fn func()) {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	fn()
}

func (gp *GpioLines) String() string {
	return gpioDriverName
}

func (gp *GpioLines) IsReady() bool {
	return gp.isReady
}

func (gp *GpioLines) Close() error {
	gp.isReady = false
	for _, pin := range gp.rows {
		gp.writePin(pin, false, gp.InvertRows)
	}
	for _, pin := range gp.cols {
		gp.writePin(pin, true, gp.InvertColumns)
	}
	return rpio.Close()
}
