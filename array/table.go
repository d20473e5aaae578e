// Package array owns the electrode matrix: the address table that turns an
// electrode number into its control-line pair, the drive controller that
// commands the lines, and the sequencer that plays timed step lists.
package array

import (
	"fmt"
	"strconv"
	"strings"
)

// Matrix dimensions.
const (
	Rows       = 10
	Cols       = 14
	Electrodes = Rows * Cols
)

// MaxSteps bounds how many steps a single sequence may carry.
const MaxSteps = 256

// Coord is the control-line pair addressing one electrode.
type Coord struct {
	Row int
	Col int
}

// FileReader returns the whole content of a named configuration source.
// os.ReadFile satisfies it.
type FileReader func(name string) ([]byte, error)

// Table maps electrode numbers 1..Electrodes to their line pairs. It is
// built once at startup and never mutated, so it is shared by reference
// without synchronization.
type Table struct {
	cells    [Electrodes]Coord
	resolved [Electrodes]bool
	fallback bool
}

// LoadTable builds the table from the two mapping sources: the electrode map
// (electrode number -> junction pin) and the pin map (line pair -> junction
// pin, inverted during the join). If either source cannot be read or parsed
// the whole table falls back to the identity layout, never a partial join.
func LoadTable(read FileReader, electrodeMapPath, pinMapPath string) *Table {
	t := &Table{}

	pins, okA := scanJunctionPins(read, electrodeMapPath)
	pairs, okB := scanLinePairs(read, pinMapPath)
	if !okA || !okB {
		t.applyIdentity()
		return t
	}

	for e := 1; e <= Electrodes; e++ {
		pin, found := pins[e]
		if !found {
			continue
		}
		coord, wired := pairs[pin]
		if !wired {
			continue
		}
		t.cells[e-1] = coord
		t.resolved[e-1] = true
	}

	return t
}

// IdentityTable returns the fallback layout directly, electrode e on
// row (e-1)/Cols, column (e-1)%Cols.
func IdentityTable() *Table {
	t := &Table{}
	t.applyIdentity()
	return t
}

// Resolve returns the line pair of an electrode. It reports false for
// numbers outside 1..Electrodes and for electrodes the two-stage join left
// unresolved.
func (t *Table) Resolve(id int) (Coord, bool) {
	if id < 1 || id > Electrodes {
		return Coord{}, false
	}
	if !t.resolved[id-1] {
		return Coord{}, false
	}
	return t.cells[id-1], true
}

// Fallback reports whether the identity layout replaced the mapping sources.
func (t *Table) Fallback() bool {
	return t.fallback
}

func (t *Table) applyIdentity() {
	for i := range t.cells {
		t.cells[i] = Coord{Row: i / Cols, Col: i % Cols}
		t.resolved[i] = true
	}
	t.fallback = true
}

// scanJunctionPins reads the electrode map source: a "mapping" object whose
// keys are decimal electrode numbers and whose values are junction pins.
func scanJunctionPins(read FileReader, path string) (map[int]int, bool) {
	data, err := read(path)
	if err != nil {
		return nil, false
	}

	body, found := sectionBody(string(data), "mapping")
	if !found {
		return nil, false
	}

	pins := make(map[int]int, Electrodes)
	for e := 1; e <= Electrodes; e++ {
		pin, found := intAfterKey(body, strconv.Itoa(e))
		if !found || pin < 1 || pin > Electrodes {
			continue
		}
		pins[e] = pin
	}

	return pins, true
}

// scanLinePairs reads the pin map source: an "electrodes" object whose keys
// are "row,col" strings and whose values are junction pins. The returned map
// is the inverse, junction pin -> line pair. When two pairs claim the same
// pin the later lookup (row-major order) wins.
func scanLinePairs(read FileReader, path string) (map[int]Coord, bool) {
	data, err := read(path)
	if err != nil {
		return nil, false
	}

	body, found := sectionBody(string(data), "electrodes")
	if !found {
		return nil, false
	}

	pairs := make(map[int]Coord, Electrodes)
	for row := 0; row < Rows; row++ {
		for col := 0; col < Cols; col++ {
			pin, found := intAfterKey(body, fmt.Sprintf("%d,%d", row, col))
			if !found || pin < 1 || pin > Electrodes {
				continue
			}
			pairs[pin] = Coord{Row: row, Col: col}
		}
	}

	return pairs, true
}

// sectionBody locates the quoted section key and returns the document tail
// after the first opening brace that follows it. This is a restricted scan,
// not a JSON parser: no nesting, no escapes, no arrays.
func sectionBody(doc, key string) (string, bool) {
	at := strings.Index(doc, `"`+key+`"`)
	if at < 0 {
		return "", false
	}
	brace := strings.IndexByte(doc[at:], '{')
	if brace < 0 {
		return "", false
	}
	return doc[at+brace+1:], true
}

// intAfterKey finds the quoted key by literal substring search and reads the
// integer right after the next colon.
func intAfterKey(body, key string) (int, bool) {
	at := strings.Index(body, `"`+key+`"`)
	if at < 0 {
		return 0, false
	}
	rest := body[at+len(key)+2:]
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return 0, false
	}
	return scanInt(rest[colon+1:]), true
}

// scanInt reads a decimal integer: leading whitespace skipped, optional
// minus, greedy digits, the first non-digit ends the scan. Trailing garbage
// is tolerated, not rejected.
func scanInt(s string) int {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}

	negative := false
	if i < len(s) && s[i] == '-' {
		negative = true
		i++
	}

	value := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		value = value*10 + int(s[i]-'0')
		i++
	}

	if negative {
		return -value
	}
	return value
}
