package microlab

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/MT522/microlab-firmware/array"
	"github.com/MT522/microlab-firmware/drivers"
	"github.com/MT522/microlab-firmware/mqtt"
	"github.com/MT522/microlab-firmware/protocol"
	"github.com/MT522/microlab-firmware/telemetry"
)

const defaultName = "microlab"

// MicroLab is the whole controller: one line driver, the electrode address
// table, the drive and sequence layers, and the host surfaces (TCP, HTTP,
// MQTT, telemetry) configured around them. It is unmarshalled straight from
// the JSON config file.
type MicroLab struct {
	Name string

	ElectrodeMapPath string
	PinMapPath       string

	TcpAddr    string
	HttpAddr   string
	MqttBroker string

	Gpio       *drivers.GpioLines
	Mcp23017   *drivers.McpLines
	FakeDriver *drivers.MockLines

	Influx *telemetry.Influx

	lines      drivers.LineDriver
	table      *array.Table
	drv        *array.Driver
	seq        *array.Sequencer
	mqttClient *mqtt.Client
	listener   net.Listener
	logger     *log.Logger

	cmdMu chMutex
}

// chMutex is a channel-based mutex so surface goroutines serialize command
// execution without holding sync primitives across handler callbacks.
type chMutex chan struct{}

func (m chMutex) lock()   { m <- struct{}{} }
func (m chMutex) unlock() { <-m }

func (ml *MicroLab) GetName() string {
	if len(ml.Name) > 0 {
		return ml.Name
	}
	return defaultName
}

// Init sets up the configured line driver, loads the electrode address
// table and brings every electrode low. Exactly one driver section must be
// present in the config.
func (ml *MicroLab) Init(ctx context.Context) error {
	ml.logger = log.NewWithOptions(os.Stderr, log.Options{
		Prefix: ml.GetName(),
		Level:  log.GetLevel(),
	})
	ml.cmdMu = make(chMutex, 1)

	configured := []drivers.LineDriver{}
	if ml.Gpio != nil {
		configured = append(configured, ml.Gpio)
	}
	if ml.Mcp23017 != nil {
		configured = append(configured, ml.Mcp23017)
	}
	if ml.FakeDriver != nil {
		configured = append(configured, ml.FakeDriver)
	}

	if len(configured) == 0 {
		return errors.New("no line driver configured")
	}
	if len(configured) > 1 {
		return errors.Errorf("%d line drivers configured, want exactly one", len(configured))
	}

	ml.lines = configured[0]
	err := ml.lines.Setup(ctx, array.Rows, array.Cols)
	if err != nil {
		return errors.Wrapf(err, "failed to setup %s driver", ml.lines)
	}

	ml.table = array.LoadTable(os.ReadFile, ml.ElectrodeMapPath, ml.PinMapPath)
	if ml.table.Fallback() {
		ml.logger.Warn("electrode map unavailable, using identity addressing")
	}

	ml.drv = array.NewDriver(ml.lines, ml.table)
	ml.seq = array.NewSequencer(ml.drv, nil)

	if ml.Influx != nil {
		err = ml.Influx.Setup()
		if err != nil {
			return errors.Wrap(err, "failed to setup influx telemetry")
		}
		ml.drv.SetSink(ml.Influx)
	}

	ml.drv.SetAllLow()

	return nil
}

// Execute runs a single command line through a dedicated handler and
// returns everything it wrote. Used by the HTTP and MQTT surfaces.
func (ml *MicroLab) Execute(line string) []byte {
	ml.cmdMu.lock()
	defer ml.cmdMu.unlock()

	buf := &bytes.Buffer{}
	handler := protocol.NewHandler(ml.drv, ml.seq, buf)
	handler.Execute(line)
	return buf.Bytes()
}

// ServeTCP accepts raw line-protocol connections on TcpAddr. Every
// connection gets its own handler writing responses straight back to the
// socket. Blocks until the context is cancelled or the listener fails.
func (ml *MicroLab) ServeTCP(ctx context.Context) error {
	if len(ml.TcpAddr) == 0 {
		return errors.New("tcp address not set")
	}

	var err error
	ml.listener, err = net.Listen("tcp", ml.TcpAddr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", ml.TcpAddr)
	}

	go func() {
		<-ctx.Done()
		ml.listener.Close()
	}()

	ml.logger.Info("Serving line protocol", "addr", ml.TcpAddr)

	for {
		conn, err := ml.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "tcp accept failed")
		}
		go ml.serveConn(conn)
	}
}

func (ml *MicroLab) serveConn(conn net.Conn) {
	defer conn.Close()

	handler := protocol.NewHandler(ml.drv, ml.seq, conn)
	handler.Greet()

	chunk := make([]byte, 256)
	for {
		n, err := conn.Read(chunk)
		for _, b := range chunk[:n] {
			handler.ProcessByte(b)
			if handler.Ready() {
				ml.cmdMu.lock()
				handler.ProcessPending()
				ml.cmdMu.unlock()
			}
		}
		if err != nil {
			if err != io.EOF {
				ml.logger.Debug("connection closed", "err", err)
			}
			return
		}
	}
}

// InitMqtt connects the command relay when a broker is configured.
func (ml *MicroLab) InitMqtt() error {
	if len(ml.MqttBroker) == 0 {
		return nil
	}

	client, err := mqtt.NewClient(ml.MqttBroker, ml.GetName())
	if err != nil {
		return errors.Wrap(err, "failed to create mqtt client")
	}

	relay := mqtt.NewCommandRelay(ml.GetName(), client, ml.Execute)
	err = client.Connect([]mqtt.Handler{relay})
	if err != nil {
		return errors.Wrap(err, "failed to connect mqtt client")
	}

	ml.mqttClient = client
	return nil
}

func (ml *MicroLab) PrintStatus(writer io.Writer) {
	fmt.Fprintln(writer)
	fmt.Fprintln(writer, "=== microlab status ===")
	fmt.Fprintf(writer, "| driver: %s ready: %v\n", ml.lines, ml.lines.IsReady())
	fmt.Fprintf(writer, "| addressing: ")
	if ml.table.Fallback() {
		fmt.Fprintln(writer, "identity fallback")
	} else {
		fmt.Fprintln(writer, "mapped")
	}

	active := 0
	pattern := ml.drv.Pattern()
	for row := range pattern {
		for col := range pattern[row] {
			if pattern[row][col] {
				active++
			}
		}
	}
	fmt.Fprintf(writer, "| electrodes high: %d of %d\n", active, array.Electrodes)
	fmt.Fprintf(writer, "| sequence running: %v\n", ml.seq.Running())
	fmt.Fprintln(writer, "-----------------------")
	fmt.Fprintln(writer)
}

func (ml *MicroLab) Close() (err error) {
	if ml.mqttClient != nil {
		discErr := ml.mqttClient.Disconnect(context.Background())
		if discErr != nil {
			err = errors.Wrap(discErr, "mqtt disconnect failed")
		}
	}

	if ml.Influx != nil {
		ml.Influx.Close()
	}

	if ml.lines != nil {
		closeErr := ml.lines.Close()
		if closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close %s driver", ml.lines)
		}
	}

	return
}
