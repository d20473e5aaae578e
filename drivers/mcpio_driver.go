package drivers

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	mcp23017 "github.com/racerxdl/go-mcp23017"
)

const mcpioDriverName = "mcpio"

// McpLines drives the matrix control lines through two MCP23017 expanders:
// one chip carries the row lines on pins 0..rows-1, the other the column
// lines on pins 0..cols-1.
type McpLines struct {
	RowBusNo uint8
	RowDevNo uint8
	ColBusNo uint8
	ColDevNo uint8

	rowDev *mcp23017.Device
	colDev *mcp23017.Device

	rows int
	cols int

	mu      sync.Mutex
	isReady bool
}

func (mcp *McpLines) Setup(ctx context.Context, rows int, cols int) (err error) {
	if rows > 16 || cols > 16 {
		return errors.Errorf("mcpio line count out of range (a single expander carries 16 lines, need %d rows / %d columns)", rows, cols)
	}

	mcp.rowDev, err = mcp23017.Open(mcp.RowBusNo, mcp.RowDevNo)
	if err != nil {
		return errors.Wrap(err, "failed to open row expander")
	}

	mcp.colDev, err = mcp23017.Open(mcp.ColBusNo, mcp.ColDevNo)
	if err != nil {
		return errors.Wrap(err, "failed to open column expander")
	}

	for pin := 0; pin < rows; pin++ {
		err = mcp.rowDev.PinMode(uint8(pin), mcp23017.OUTPUT)
		if err != nil {
			return errors.Wrapf(err, "failed to set row line %d to output", pin)
		}
		mcp.rowDev.DigitalWrite(uint8(pin), mcp23017.PinLevel(false))
	}

	for pin := 0; pin < cols; pin++ {
		err = mcp.colDev.PinMode(uint8(pin), mcp23017.OUTPUT)
		if err != nil {
			return errors.Wrapf(err, "failed to set column line %d to output", pin)
		}
		mcp.colDev.DigitalWrite(uint8(pin), mcp23017.PinLevel(true))
	}

	mcp.rows = rows
	mcp.cols = cols
	mcp.isReady = true

	return nil
}

// Write errors are dropped here: there is no recovery path in the middle of
// an exclusive bracket, the commanded state is what the caller tracks.
func (mcp *McpLines) WriteRow(row int, level bool) {
	mcp.rowDev.DigitalWrite(uint8(row), mcp23017.PinLevel(level))
}

func (mcp *McpLines) WriteColumn(col int, level bool) {
	mcp.colDev.DigitalWrite(uint8(col), mcp23017.PinLevel(level))
}

func (mcp *McpLines) Exclusive(fn func()) {
	mcp.mu.Lock()
	defer mcp.mu.Unlock()
	fn()
}

func (mcp *McpLines) String() string {
	return mcpioDriverName
}

func (mcp *McpLines) IsReady() bool {
	return mcp.isReady
}

func (mcp *McpLines) Close() error {
	mcp.isReady = false
	for pin := 0; pin < mcp.rows; pin++ {
		mcp.rowDev.DigitalWrite(uint8(pin), mcp23017.PinLevel(false))
	}
	for pin := 0; pin < mcp.cols; pin++ {
		mcp.colDev.DigitalWrite(uint8(pin), mcp23017.PinLevel(true))
	}

	err := mcp.rowDev.Close()
	closeErr := mcp.colDev.Close()
	if closeErr != nil {
		err = errors.Wrap(closeErr, "failed to close column expander")
	}
	return err
}
