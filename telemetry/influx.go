// Package telemetry records commanded electrode state changes in InfluxDB.
package telemetry

import (
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/pkg/errors"
)

const defaultMeasurement = "electrode_state"

// Influx turns every electrode state change into a point on the configured
// bucket. Writes go through the non-blocking write API so the drive path
// never waits on the network.
type Influx struct {
	Host         string
	Organization string
	Bucket       string
	Measurement  string
	Token        string

	client   influxdb2.Client
	writeAPI api.WriteAPI
	ready    bool
}

func (ix *Influx) Setup() error {
	if len(ix.Host) == 0 {
		return errors.New("influx host not set")
	}
	if len(ix.Measurement) == 0 {
		ix.Measurement = defaultMeasurement
	}

	ix.client = influxdb2.NewClient(ix.Host, ix.Token)
	ix.writeAPI = ix.client.WriteAPI(ix.Organization, ix.Bucket)
	ix.ready = true

	return nil
}

func (ix *Influx) IsReady() bool {
	return ix.ready
}

// ElectrodeChanged implements the drive controller's state sink.
func (ix *Influx) ElectrodeChanged(row, col int, state bool) {
	if !ix.ready {
		return
	}

	point := influxdb2.NewPoint(ix.Measurement,
		map[string]string{
			"row": strconv.Itoa(row),
			"col": strconv.Itoa(col),
		},
		map[string]interface{}{
			"state": state,
		},
		time.Now())

	ix.writeAPI.WritePoint(point)
}

func (ix *Influx) Close() error {
	if !ix.ready {
		return nil
	}
	ix.ready = false
	ix.writeAPI.Flush()
	ix.client.Close()
	return nil
}
