// Package protocol implements the line-oriented text command protocol: byte
// accumulation, parsing, validation and dispatch onto the array driver and
// sequencer. Responses are ASCII lines, success is a literal "OK" line,
// failure an "ERROR: <message>" line.
package protocol

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MT522/microlab-firmware/array"
)

// bufferSize caps one command line; the longest accepted line is one byte
// shorter.
const bufferSize = 2048

// Handler accumulates transport bytes into command lines and executes them.
// One handler serves one transport connection; the driver and sequencer
// behind it are shared.
type Handler struct {
	drv *array.Driver
	seq *array.Sequencer
	out io.Writer

	buf      []byte
	line     string
	complete bool
}

func NewHandler(drv *array.Driver, seq *array.Sequencer, out io.Writer) *Handler {
	return &Handler{
		drv: drv,
		seq: seq,
		out: out,
		buf: make([]byte, 0, bufferSize),
	}
}

// Greet writes the startup banner.
func (h *Handler) Greet() {
	h.send("Electrode array command handler ready\n")
	h.send("Type 'HELP' for command list\n")
}

// ProcessByte feeds one transport byte into the accumulator. A full buffer
// produces an overflow error and a reset, discarding the byte. A terminator
// freezes a non-empty buffer into a pending command; bare terminators are
// ignored.
func (h *Handler) ProcessByte(b byte) {
	if len(h.buf) >= bufferSize-1 {
		h.sendError("Buffer overflow")
		h.buf = h.buf[:0]
		return
	}

	if b == '\n' || b == '\r' {
		if len(h.buf) > 0 {
			h.line = string(h.buf)
			h.complete = true
		}
		return
	}

	h.buf = append(h.buf, b)
}

// Ready reports whether a complete command line is pending.
func (h *Handler) Ready() bool {
	return h.complete
}

// ProcessPending executes the pending command, if any, and resets the
// accumulator regardless of the outcome.
func (h *Handler) ProcessPending() {
	if !h.complete {
		return
	}

	line := h.line
	h.buf = h.buf[:0]
	h.line = ""
	h.complete = false

	h.dispatch(line)
}

// Execute runs one already-terminated command line. This is the entry the
// HTTP and MQTT transports use.
func (h *Handler) Execute(line string) {
	h.dispatch(line)
}

func (h *Handler) dispatch(cmd string) {
	cmd = strings.TrimLeft(cmd, " \t")
	if cmd == "" {
		return
	}

	switch {
	case strings.HasPrefix(cmd, "START|"):
		h.cmdStart(cmd[len("START|"):])
	case strings.HasPrefix(cmd, "SET|"):
		h.cmdSet(cmd[len("SET|"):])
	case strings.HasPrefix(cmd, "ALL|"):
		h.cmdAll(cmd[len("ALL|"):])
	case strings.HasPrefix(cmd, "ROW|"):
		h.cmdRow(cmd[len("ROW|"):])
	case strings.HasPrefix(cmd, "COL|"):
		h.cmdCol(cmd[len("COL|"):])
	case strings.HasPrefix(cmd, "TEST"):
		h.cmdTest()
	case strings.HasPrefix(cmd, "STATUS"):
		h.cmdStatus()
	case strings.HasPrefix(cmd, "STOP"):
		h.cmdStop()
	case strings.HasPrefix(cmd, "GET|"):
		h.cmdGet(cmd[len("GET|"):])
	case strings.HasPrefix(cmd, "RELOAD"):
		h.cmdReload()
	case strings.HasPrefix(cmd, "HELP"):
		h.cmdHelp()
	default:
		h.sendError("Unknown command. Type 'HELP' for command list")
	}
}

// cmdStart parses START|REPS|DELAY|STEPS|ID1,DUR1|...|END, builds the step
// list and runs it synchronously. The first violated field aborts the whole
// command; later fields are never looked at.
func (h *Handler) cmdStart(rest string) {
	reps := scanInt(rest)
	if reps < 1 || reps > 1000 {
		h.sendError("Invalid cycle repetitions (1-1000)")
		return
	}

	rest, found := afterPipe(rest)
	if !found {
		h.sendError("Missing delimiter after REPS")
		return
	}

	delay := scanInt(rest)
	if delay < 0 {
		h.sendError("Invalid cycle delay")
		return
	}

	rest, found = afterPipe(rest)
	if !found {
		h.sendError("Missing delimiter after DELAY")
		return
	}

	numSteps := scanInt(rest)
	if numSteps < 1 || numSteps > array.MaxSteps {
		h.sendError(fmt.Sprintf("Invalid steps count (1-%d)", array.MaxSteps))
		return
	}

	rest, found = afterPipe(rest)
	if !found {
		h.sendError("Missing delimiter after STEPS")
		return
	}

	ids := make([]int, numSteps)
	durations := make([]int, numSteps)

	for i := 0; i < numSteps; i++ {
		ids[i] = scanInt(rest)
		if ids[i] < 1 || ids[i] > array.Electrodes {
			h.sendError(fmt.Sprintf("Invalid electrode ID at step %d (1-140)", i))
			return
		}

		comma := strings.IndexByte(rest, ',')
		if comma < 0 {
			h.sendError("Missing comma in step")
			return
		}
		rest = rest[comma+1:]

		durations[i] = scanInt(rest)
		if durations[i] < 0 {
			h.sendError(fmt.Sprintf("Invalid duration at step %d", i))
			return
		}

		rest, found = afterPipe(rest)
		if !found {
			h.sendError("Missing delimiter")
			return
		}

		if strings.HasPrefix(rest, "END") {
			if i+1 == numSteps {
				h.runSequence(reps, delay, ids, durations)
			} else {
				h.sendError("Early END marker")
			}
			return
		}
	}

	h.sendError("Missing END marker")
}

// runSequence resolves every electrode before any drive operation. A single
// unresolvable id discards the whole sequence.
func (h *Handler) runSequence(reps, delay int, ids, durations []int) {
	steps := make([]array.Step, len(ids))
	for i, id := range ids {
		coord, found := h.drv.Lookup(id)
		if !found {
			h.sendError("Invalid electrode number")
			return
		}
		steps[i] = array.Step{
			Coord: coord,
			State: true,
			Hold:  time.Duration(durations[i]) * time.Millisecond,
		}
	}

	seq := &array.Sequence{
		Steps:      steps,
		Cycles:     reps,
		CycleDelay: time.Duration(delay) * time.Millisecond,
	}

	h.send("Executing sequence...\n")
	h.seq.Run(seq)
	h.send("Sequence complete\n")
	h.sendOK()
}

func (h *Handler) cmdSet(rest string) {
	electrode := scanInt(rest)
	if electrode < 1 || electrode > array.Electrodes {
		h.sendError("Invalid electrode (1-140)")
		return
	}

	rest, found := afterPipe(rest)
	if !found {
		h.sendError("Missing delimiter")
		return
	}

	state := scanInt(rest)
	if state != 0 && state != 1 {
		h.sendError("Invalid state (0=LOW, 1=HIGH)")
		return
	}

	h.drv.SetElectrodeByID(electrode, state == 1)

	h.sendf("Electrode %d set to %s\n", electrode, levelName(state == 1))
	h.sendOK()
}

func (h *Handler) cmdAll(rest string) {
	state := scanInt(rest)
	if state != 0 && state != 1 {
		h.sendError("Invalid state (0=LOW, 1=HIGH)")
		return
	}

	if state == 1 {
		h.drv.SetAllHigh()
		h.send("All electrodes set to HIGH\n")
	} else {
		h.drv.SetAllLow()
		h.send("All electrodes set to LOW\n")
	}

	h.sendOK()
}

func (h *Handler) cmdRow(rest string) {
	row := scanInt(rest)
	if row < 0 || row > array.Rows-1 {
		h.sendError("Invalid row (0-9)")
		return
	}

	rest, found := afterPipe(rest)
	if !found {
		h.sendError("Missing delimiter")
		return
	}

	state := scanInt(rest)
	if state != 0 && state != 1 {
		h.sendError("Invalid state (0=LOW, 1=HIGH)")
		return
	}

	h.drv.SetRow(row, state == 1)

	h.sendf("Row %d set to %s\n", row, levelName(state == 1))
	h.sendOK()
}

func (h *Handler) cmdCol(rest string) {
	col := scanInt(rest)
	if col < 0 || col > array.Cols-1 {
		h.sendError("Invalid column (0-13)")
		return
	}

	rest, found := afterPipe(rest)
	if !found {
		h.sendError("Missing delimiter")
		return
	}

	state := scanInt(rest)
	if state != 0 && state != 1 {
		h.sendError("Invalid state (0=LOW, 1=HIGH)")
		return
	}

	h.drv.SetColumn(col, state == 1)

	h.sendf("Column %d set to %s\n", col, levelName(state == 1))
	h.sendOK()
}

func (h *Handler) cmdTest() {
	h.send("Running electrode test (140 electrodes x 100ms)...\n")
	h.seq.SweepAll()
	h.send("Test complete\n")
	h.sendOK()
}

func (h *Handler) cmdStatus() {
	h.send("\n=== System Status ===\n")

	if h.seq.Running() {
		h.send("Sequence: RUNNING\n")
	} else {
		h.send("Sequence: IDLE\n")
	}

	h.sendf("Electrodes: %d (%d rows x %d columns)\n", array.Electrodes, array.Rows, array.Cols)
	h.send("Status: OK\n\n")
}

func (h *Handler) cmdStop() {
	if h.seq.Running() {
		h.seq.Stop()
		h.send("Sequence stopped\n")
	} else {
		h.send("No sequence running\n")
	}
	h.sendOK()
}

func (h *Handler) cmdGet(rest string) {
	electrode := scanInt(rest)
	if electrode < 1 || electrode > array.Electrodes {
		h.sendError("Invalid electrode (1-140)")
		return
	}

	coord, found := h.drv.Lookup(electrode)
	if !found {
		h.sendError("Failed to get electrode state")
		return
	}

	state := h.drv.State(coord.Row, coord.Col)
	h.sendf("Electrode %d (Row %d, Col %d): %s\n", electrode, coord.Row, coord.Col, levelName(state))
	h.sendOK()
}

func (h *Handler) cmdReload() {
	h.send("Reload mapping not implemented (requires re-initialization)\n")
	h.sendError("Not implemented")
}

func (h *Handler) cmdHelp() {
	h.send("\n=== Electrode Array Commands ===\n")
	h.send("START|REPS|DELAY|STEPS|ID1,DUR1|ID2,DUR2|...|END - Execute sequence\n")
	h.send("SET|ELECTRODE|STATE - Set single electrode (STATE: 0=LOW, 1=HIGH)\n")
	h.send("ALL|STATE - Set all electrodes\n")
	h.send("ROW|ROW_NUM|STATE - Set all electrodes in row\n")
	h.send("COL|COL_NUM|STATE - Set all electrodes in column\n")
	h.send("TEST - Run full electrode test\n")
	h.send("STATUS - Get system status\n")
	h.send("STOP - Stop current sequence\n")
	h.send("GET|ELECTRODE - Get electrode state\n")
	h.send("RELOAD - Reload electrode mappings\n")
	h.send("HELP - Show this help\n\n")
}

func (h *Handler) send(text string) {
	io.WriteString(h.out, text)
}

func (h *Handler) sendf(format string, args ...interface{}) {
	fmt.Fprintf(h.out, format, args...)
}

func (h *Handler) sendError(msg string) {
	fmt.Fprintf(h.out, "ERROR: %s\n", msg)
}

func (h *Handler) sendOK() {
	h.send("OK\n")
}

func levelName(state bool) string {
	if state {
		return "HIGH"
	}
	return "LOW"
}

// afterPipe returns the text after the first '|'.
func afterPipe(s string) (string, bool) {
	i := strings.IndexByte(s, '|')
	if i < 0 {
		return "", false
	}
	return s[i+1:], true
}

// scanInt reads a decimal integer the permissive way: leading whitespace
// skipped, optional minus, greedy digits, the first non-digit ends the scan
// without raising an error on trailing garbage.
func scanInt(s string) int {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
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
