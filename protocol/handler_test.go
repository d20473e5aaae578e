package protocol

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MT522/microlab-firmware/array"
	"github.com/MT522/microlab-firmware/drivers"
)

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

type harness struct {
	handler *Handler
	drv     *array.Driver
	seq     *array.Sequencer
	mock    *drivers.MockLines
	clock   *fakeClock
	out     *bytes.Buffer
}

func newHarness(t *testing.T, table *array.Table) *harness {
	t.Helper()

	mock := &drivers.MockLines{}
	require.NoError(t, mock.Setup(context.Background(), array.Rows, array.Cols))

	clock := &fakeClock{now: time.Unix(1000, 0)}
	drv := array.NewDriver(mock, table)
	seq := array.NewSequencer(drv, clock)
	out := &bytes.Buffer{}

	return &harness{
		handler: NewHandler(drv, seq, out),
		drv:     drv,
		seq:     seq,
		mock:    mock,
		clock:   clock,
		out:     out,
	}
}

// exec feeds one terminated line through the byte state machine and returns
// whatever the handler wrote back.
func (h *harness) exec(line string) string {
	for i := 0; i < len(line); i++ {
		h.handler.ProcessByte(line[i])
	}
	h.handler.ProcessByte('\n')
	h.handler.ProcessPending()

	response := h.out.String()
	h.out.Reset()
	return response
}

// sparseTable resolves only electrode 1, to (0,0).
func sparseTable(t *testing.T) *array.Table {
	t.Helper()

	read := func(name string) ([]byte, error) {
		switch name {
		case "em":
			return []byte(`{"mapping": {"1": 1}}`), nil
		case "pm":
			return []byte(`{"electrodes": {"0,0": 1}}`), nil
		}
		return nil, errors.Errorf("unexpected file %s", name)
	}
	table := array.LoadTable(read, "em", "pm")
	require.False(t, table.Fallback())
	return table
}

func columnWrites(mock *drivers.MockLines) (cols []int) {
	for _, w := range mock.Writes() {
		if w.Column {
			cols = append(cols, w.Index)
		}
	}
	return
}

func TestGreet(t *testing.T) {
	h := newHarness(t, array.IdentityTable())

	h.handler.Greet()
	assert.Contains(t, h.out.String(), "Type 'HELP' for command list")
}

func TestSetCommand(t *testing.T) {
	// Identity layout puts electrode 25 on (1,10).
	h := newHarness(t, array.IdentityTable())

	response := h.exec("SET|25|1")
	assert.Equal(t, "Electrode 25 set to HIGH\nOK\n", response)
	assert.True(t, h.drv.State(1, 10))

	response = h.exec("SET|25|0")
	assert.Equal(t, "Electrode 25 set to LOW\nOK\n", response)
	assert.False(t, h.drv.State(1, 10))
}

func TestSetCommandValidation(t *testing.T) {
	h := newHarness(t, array.IdentityTable())

	assert.Equal(t, "ERROR: Invalid electrode (1-140)\n", h.exec("SET|0|1"))
	assert.Equal(t, "ERROR: Invalid electrode (1-140)\n", h.exec("SET|141|1"))
	assert.Equal(t, "ERROR: Missing delimiter\n", h.exec("SET|25"))
	assert.Equal(t, "ERROR: Invalid state (0=LOW, 1=HIGH)\n", h.exec("SET|25|2"))

	assert.Empty(t, h.mock.Writes())
}

func TestSetCommandToleratesTrailingGarbage(t *testing.T) {
	h := newHarness(t, array.IdentityTable())

	// The permissive scanner stops at the first non-digit, it never rejects
	// garbage-suffixed numerals.
	response := h.exec("SET|25abc|1xyz")
	assert.Equal(t, "Electrode 25 set to HIGH\nOK\n", response)
	assert.True(t, h.drv.State(1, 10))
}

func TestAllCommand(t *testing.T) {
	h := newHarness(t, array.IdentityTable())

	assert.Equal(t, "All electrodes set to HIGH\nOK\n", h.exec("ALL|1"))
	assert.Equal(t, "All electrodes set to LOW\nOK\n", h.exec("ALL|0"))

	assert.Equal(t, array.Pattern{}, h.drv.Pattern())

	// Each bulk call is one critical-section pass, not 140.
	assert.Equal(t, 2, h.mock.Brackets())

	assert.Equal(t, "ERROR: Invalid state (0=LOW, 1=HIGH)\n", h.exec("ALL|5"))
}

func TestRowCommand(t *testing.T) {
	h := newHarness(t, array.IdentityTable())

	assert.Equal(t, "Row 3 set to HIGH\nOK\n", h.exec("ROW|3|1"))
	for col := 0; col < array.Cols; col++ {
		assert.True(t, h.drv.State(3, col))
	}

	assert.Equal(t, "ERROR: Invalid row (0-9)\n", h.exec("ROW|10|1"))
	assert.Equal(t, "ERROR: Missing delimiter\n", h.exec("ROW|3"))
	assert.Equal(t, "ERROR: Invalid state (0=LOW, 1=HIGH)\n", h.exec("ROW|3|7"))
}

func TestColCommand(t *testing.T) {
	h := newHarness(t, array.IdentityTable())

	assert.Equal(t, "Column 13 set to LOW\nOK\n", h.exec("COL|13|0"))
	assert.Equal(t, "ERROR: Invalid column (0-13)\n", h.exec("COL|14|1"))
}

func TestStartCommand(t *testing.T) {
	h := newHarness(t, array.IdentityTable())

	response := h.exec("START|2|100|2|1,0|2,0|END")
	assert.Equal(t, "Executing sequence...\nSequence complete\nOK\n", response)

	// Electrode 1 then 2 (identity: columns 0 and 1), twice, in order.
	assert.Equal(t, []int{0, 1, 0, 1}, columnWrites(h.mock))

	// One 100ms inter-cycle delay, zero-duration holds.
	var pauses []time.Duration
	for _, d := range h.clock.sleeps {
		if d > 0 {
			pauses = append(pauses, d)
		}
	}
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, pauses)
}

func TestStartStepCountMismatch(t *testing.T) {
	h := newHarness(t, array.IdentityTable())

	// Two pairs supplied but only one declared: all declared pairs are
	// consumed without END immediately following.
	response := h.exec("START|2|100|1|1,0|2,0|END")
	assert.Equal(t, "ERROR: Missing END marker\n", response)
	assert.Empty(t, h.mock.Writes())

	// END shows up before the declared pair count is satisfied.
	response = h.exec("START|2|100|3|1,0|2,0|END")
	assert.Equal(t, "ERROR: Early END marker\n", response)
	assert.Empty(t, h.mock.Writes())
}

func TestStartFieldValidation(t *testing.T) {
	h := newHarness(t, array.IdentityTable())

	cases := []struct {
		line string
		want string
	}{
		{"START|0|0|1|1,0|END", "ERROR: Invalid cycle repetitions (1-1000)\n"},
		{"START|1001|0|1|1,0|END", "ERROR: Invalid cycle repetitions (1-1000)\n"},
		{"START|1", "ERROR: Missing delimiter after REPS\n"},
		{"START|1|-5|1|1,0|END", "ERROR: Invalid cycle delay\n"},
		{"START|1|0", "ERROR: Missing delimiter after DELAY\n"},
		{"START|1|0|0|1,0|END", "ERROR: Invalid steps count (1-256)\n"},
		{"START|1|0|257|1,0|END", "ERROR: Invalid steps count (1-256)\n"},
		{"START|1|0|1", "ERROR: Missing delimiter after STEPS\n"},
		{"START|1|0|1|141,0|END", "ERROR: Invalid electrode ID at step 0 (1-140)\n"},
		{"START|1|0|1|1 0|END", "ERROR: Missing comma in step\n"},
		{"START|1|0|1|1,-5|END", "ERROR: Invalid duration at step 0\n"},
		{"START|1|0|1|1,0", "ERROR: Missing delimiter\n"},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, h.exec(c.line), "line %q", c.line)
	}

	assert.Empty(t, h.mock.Writes())
}

func TestStartUnresolvedElectrodeDiscardsSequence(t *testing.T) {
	h := newHarness(t, sparseTable(t))

	// Electrode 2 is in range but unresolved: the whole build is discarded,
	// nothing is driven, not even the resolvable first step.
	response := h.exec("START|1|0|2|1,0|2,0|END")
	assert.Equal(t, "ERROR: Invalid electrode number\n", response)
	assert.Empty(t, h.mock.Writes())
}

func TestGetCommand(t *testing.T) {
	h := newHarness(t, array.IdentityTable())

	assert.Equal(t, "Electrode 25 (Row 1, Col 10): LOW\nOK\n", h.exec("GET|25"))

	h.exec("SET|25|1")
	assert.Equal(t, "Electrode 25 (Row 1, Col 10): HIGH\nOK\n", h.exec("GET|25"))
}

func TestGetOutOfRangeIsRangeError(t *testing.T) {
	h := newHarness(t, sparseTable(t))

	// Out-of-range is caught before resolution is attempted.
	assert.Equal(t, "ERROR: Invalid electrode (1-140)\n", h.exec("GET|999"))

	// In range but unresolved is the resolution failure path.
	assert.Equal(t, "ERROR: Failed to get electrode state\n", h.exec("GET|2"))
}

func TestTestCommand(t *testing.T) {
	h := newHarness(t, array.IdentityTable())

	response := h.exec("TEST")
	assert.Equal(t, "Running electrode test (140 electrodes x 100ms)...\nTest complete\nOK\n", response)

	require.Len(t, h.clock.sleeps, array.Electrodes)
	assert.Equal(t, array.Pattern{}, h.drv.Pattern())
}

func TestStatusCommand(t *testing.T) {
	h := newHarness(t, array.IdentityTable())

	response := h.exec("STATUS")
	assert.Contains(t, response, "Sequence: IDLE\n")
	assert.Contains(t, response, "Electrodes: 140 (10 rows x 14 columns)\n")

	// STATUS is terminal by itself, no trailing OK line.
	assert.True(t, strings.HasSuffix(response, "Status: OK\n\n"))

	h.seq.Start(&array.Sequence{
		Steps:  []array.Step{{Coord: array.Coord{Row: 0, Col: 0}, State: true, Hold: time.Minute}},
		Cycles: 1,
	})

	response = h.exec("STATUS")
	assert.Contains(t, response, "Sequence: RUNNING\n")
}

func TestStopCommand(t *testing.T) {
	h := newHarness(t, array.IdentityTable())

	assert.Equal(t, "No sequence running\nOK\n", h.exec("STOP"))

	h.seq.Start(&array.Sequence{
		Steps:  []array.Step{{Coord: array.Coord{Row: 0, Col: 0}, State: true, Hold: time.Minute}},
		Cycles: 1,
	})

	assert.Equal(t, "Sequence stopped\nOK\n", h.exec("STOP"))
	assert.False(t, h.seq.Running())

	// Whatever was commanded stays commanded.
	assert.True(t, h.drv.State(0, 0))
}

func TestReloadCommand(t *testing.T) {
	h := newHarness(t, array.IdentityTable())

	response := h.exec("RELOAD")
	assert.Equal(t, "Reload mapping not implemented (requires re-initialization)\nERROR: Not implemented\n", response)
}

func TestHelpCommand(t *testing.T) {
	h := newHarness(t, array.IdentityTable())

	response := h.exec("HELP")
	assert.Contains(t, response, "START|REPS|DELAY|STEPS|ID1,DUR1|ID2,DUR2|...|END")
	assert.NotContains(t, response, "ERROR")
	assert.False(t, strings.HasSuffix(response, "OK\n"))
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t, array.IdentityTable())

	assert.Equal(t, "ERROR: Unknown command. Type 'HELP' for command list\n", h.exec("FLUSH|1"))

	// Dispatch is case-sensitive.
	assert.Equal(t, "ERROR: Unknown command. Type 'HELP' for command list\n", h.exec("set|25|1"))
}

func TestLeadingWhitespaceTrimmed(t *testing.T) {
	h := newHarness(t, array.IdentityTable())

	assert.Equal(t, "No sequence running\nOK\n", h.exec(" \tSTOP"))

	// Whitespace-only lines produce no response at all.
	assert.Equal(t, "", h.exec("   "))
}

func TestBareTerminatorIgnored(t *testing.T) {
	h := newHarness(t, array.IdentityTable())

	h.handler.ProcessByte('\n')
	h.handler.ProcessByte('\r')
	assert.False(t, h.handler.Ready())

	h.handler.ProcessPending()
	assert.Equal(t, "", h.out.String())
}

func TestCarriageReturnTerminates(t *testing.T) {
	h := newHarness(t, array.IdentityTable())

	for _, b := range []byte("STOP") {
		h.handler.ProcessByte(b)
	}
	h.handler.ProcessByte('\r')
	require.True(t, h.handler.Ready())

	h.handler.ProcessPending()
	assert.Equal(t, "No sequence running\nOK\n", h.out.String())
}

func TestBufferOverflow(t *testing.T) {
	h := newHarness(t, array.IdentityTable())

	// One byte more than the longest accepted line: exactly one overflow
	// error, and the overflowing byte is discarded.
	for i := 0; i < bufferSize; i++ {
		h.handler.ProcessByte('A')
	}

	assert.Equal(t, "ERROR: Buffer overflow\n", h.out.String())
	assert.False(t, h.handler.Ready())
	h.out.Reset()

	// The state machine recovers: the next line parses normally.
	assert.Equal(t, "No sequence running\nOK\n", h.exec("STOP"))
}

func TestProcessPendingWithoutCommand(t *testing.T) {
	h := newHarness(t, array.IdentityTable())

	h.handler.ProcessPending()
	assert.Equal(t, "", h.out.String())
}

func TestExecuteLine(t *testing.T) {
	h := newHarness(t, array.IdentityTable())

	h.handler.Execute("SET|1|1")
	assert.Equal(t, "Electrode 1 set to HIGH\nOK\n", h.out.String())
	assert.True(t, h.drv.State(0, 0))
}
