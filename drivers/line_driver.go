package drivers

import "context"

// LineDriver drives the control lines of the electrode matrix: one set of
// row lines and one set of column lines. An electrode is addressed by
// driving its row and column lines to opposite levels, so the two writes
// belonging to one electrode must land inside a single Exclusive bracket.
type LineDriver interface {
	Setup(ctx context.Context, rows int, cols int) error
	Close() error
	String() string
	IsReady() bool
	WriteRow(row int, level bool)
	WriteColumn(col int, level bool)
	// Exclusive runs fn with the line bus held exclusively, suppressing any
	// observer of the lines for the whole span of fn. The bracket is released
	// on every exit path.
	Exclusive(fn func())
}

func MapAllLineDrivers() map[string]LineDriver {
	drivers := []LineDriver{
		&GpioLines{},
		&McpLines{},
		&MockLines{},
	}

	mapped := make(map[string]LineDriver)
	for _, driver := range drivers {
		mapped[driver.String()] = driver
	}
	return mapped
}
