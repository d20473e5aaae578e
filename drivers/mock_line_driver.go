package drivers

import (
	"context"
	"fmt"
	"io"
)

const mockDriverName = "mock"

// LineWrite records one control-line write observed by the mock driver.
type LineWrite struct {
	Column    bool
	Index     int
	Level     bool
	Exclusive bool
}

// MockLines keeps the commanded line levels in memory and records every
// write and every exclusive bracket, so tests can check both the final
// levels and how the writes were grouped.
type MockLines struct {
	rows []bool
	cols []bool

	writes   []LineWrite
	brackets int
	inFn     bool

	writeTo          io.Writer
	writeStateChange bool

	ready bool
}

func (ml *MockLines) Setup(ctx context.Context, rows int, cols int) error {
	ml.rows = make([]bool, rows)
	ml.cols = make([]bool, cols)
	ml.ready = true
	return nil
}

func (ml *MockLines) Close() error {
	ml.ready = false
	return nil
}

func (ml *MockLines) String() string {
	return mockDriverName
}

func (ml *MockLines) IsReady() bool {
	return ml.ready
}

func (ml *MockLines) WriteRow(row int, level bool) {
	if ml.writeStateChange && ml.rows[row] != level {
		fmt.Fprintf(ml.writeTo, "[row %d] level changed to %v\n", row, level)
	}
	ml.rows[row] = level
	ml.writes = append(ml.writes, LineWrite{Index: row, Level: level, Exclusive: ml.inFn})
}

func (ml *MockLines) WriteColumn(col int, level bool) {
	if ml.writeStateChange && ml.cols[col] != level {
		fmt.Fprintf(ml.writeTo, "[col %d] level changed to %v\n", col, level)
	}
	ml.cols[col] = level
	ml.writes = append(ml.writes, LineWrite{Column: true, Index: col, Level: level, Exclusive: ml.inFn})
}

func (ml *MockLines) Exclusive(fn func()) {
	ml.brackets++
	ml.inFn = true
	fn()
	ml.inFn = false
}

// RowLevel reports the last commanded level of a row line.
func (ml *MockLines) RowLevel(row int) bool {
	return ml.rows[row]
}

// ColumnLevel reports the last commanded level of a column line.
func (ml *MockLines) ColumnLevel(col int) bool {
	return ml.cols[col]
}

// Writes returns every recorded line write since the last Reset.
func (ml *MockLines) Writes() []LineWrite {
	return ml.writes
}

// Brackets returns how many exclusive sections were entered since the last
// Reset.
func (ml *MockLines) Brackets() int {
	return ml.brackets
}

// Reset drops the recorded writes and bracket count, keeping line levels.
func (ml *MockLines) Reset() {
	ml.writes = nil
	ml.brackets = 0
}

// MonitorStateChanges makes the mock print every line level change to writer.
func (ml *MockLines) MonitorStateChanges(writer io.Writer) {
	ml.writeTo = writer
	ml.writeStateChange = true
}
