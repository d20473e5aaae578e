package array

import (
	"github.com/MT522/microlab-firmware/drivers"
)

// Pattern is a full commanded-state snapshot of the matrix.
type Pattern [Rows][Cols]bool

// StateSink receives commanded electrode state changes. Notification happens
// after the line writes, outside any exclusive bracket.
type StateSink interface {
	ElectrodeChanged(row, col int, state bool)
}

// Driver owns the commanded-state matrix and every line-drive operation.
// The state it reports is the last commanded value, never a measurement.
//
// Driving an electrode means putting its row and column lines at opposite
// levels. The two writes of a single electrode, and the whole write set of a
// bulk operation, go inside one exclusive bracket so no observer of the
// lines can see a half-applied transition. The state matrix is updated in a
// second, non-critical pass.
type Driver struct {
	lines drivers.LineDriver
	table *Table
	state Pattern
	sink  StateSink
}

func NewDriver(lines drivers.LineDriver, table *Table) *Driver {
	return &Driver{lines: lines, table: table}
}

// SetSink installs an optional observer for commanded state changes.
func (d *Driver) SetSink(sink StateSink) {
	d.sink = sink
}

// Lookup resolves an electrode number through the address table.
func (d *Driver) Lookup(id int) (Coord, bool) {
	return d.table.Resolve(id)
}

// SetElectrode drives one electrode. Out-of-range coordinates are ignored.
func (d *Driver) SetElectrode(row, col int, state bool) {
	if row < 0 || row >= Rows || col < 0 || col >= Cols {
		return
	}

	d.lines.Exclusive(func() {
		// Electrode high: row line high, column line low. The complement
		// keeps the shared lines of adjacent electrodes undisturbed.
		d.lines.WriteRow(row, state)
		d.lines.WriteColumn(col, !state)
	})

	d.setState(row, col, state)
}

// SetElectrodeByID drives an electrode addressed by its external number.
// Numbers the table cannot resolve are silently ignored.
func (d *Driver) SetElectrodeByID(id int, state bool) {
	coord, found := d.table.Resolve(id)
	if !found {
		return
	}
	d.SetElectrode(coord.Row, coord.Col, state)
}

func (d *Driver) SetAllLow() {
	d.setAll(false)
}

func (d *Driver) SetAllHigh() {
	d.setAll(true)
}

func (d *Driver) setAll(state bool) {
	d.lines.Exclusive(func() {
		for row := 0; row < Rows; row++ {
			d.lines.WriteRow(row, state)
		}
		for col := 0; col < Cols; col++ {
			d.lines.WriteColumn(col, !state)
		}
	})

	for row := 0; row < Rows; row++ {
		for col := 0; col < Cols; col++ {
			d.setState(row, col, state)
		}
	}
}

// SetRow drives every electrode of one row, in a single bracket rather than
// Cols separate ones.
func (d *Driver) SetRow(row int, state bool) {
	if row < 0 || row >= Rows {
		return
	}

	d.lines.Exclusive(func() {
		d.lines.WriteRow(row, state)
		for col := 0; col < Cols; col++ {
			d.lines.WriteColumn(col, !state)
		}
	})

	for col := 0; col < Cols; col++ {
		d.setState(row, col, state)
	}
}

// SetColumn drives every electrode of one column, in a single bracket.
func (d *Driver) SetColumn(col int, state bool) {
	if col < 0 || col >= Cols {
		return
	}

	d.lines.Exclusive(func() {
		for row := 0; row < Rows; row++ {
			d.lines.WriteRow(row, state)
		}
		d.lines.WriteColumn(col, !state)
	})

	for row := 0; row < Rows; row++ {
		d.setState(row, col, state)
	}
}

// SetPattern applies a whole matrix snapshot. The line pairs are written
// electrode by electrode, but all of them inside one bracket.
func (d *Driver) SetPattern(p Pattern) {
	d.lines.Exclusive(func() {
		for row := 0; row < Rows; row++ {
			for col := 0; col < Cols; col++ {
				d.lines.WriteRow(row, p[row][col])
				d.lines.WriteColumn(col, !p[row][col])
			}
		}
	})

	for row := 0; row < Rows; row++ {
		for col := 0; col < Cols; col++ {
			d.setState(row, col, p[row][col])
		}
	}
}

// State reports the last commanded state of one electrode. Out-of-range
// coordinates read as low.
func (d *Driver) State(row, col int) bool {
	if row < 0 || row >= Rows || col < 0 || col >= Cols {
		return false
	}
	return d.state[row][col]
}

// Pattern returns a copy of the commanded-state matrix.
func (d *Driver) Pattern() Pattern {
	return d.state
}

func (d *Driver) setState(row, col int, state bool) {
	changed := d.state[row][col] != state
	d.state[row][col] = state
	if changed && d.sink != nil {
		d.sink.ElectrodeChanged(row, col, state)
	}
}
