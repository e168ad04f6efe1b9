// Package influxdb records service lifecycle metrics in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. Each lifecycle event
// becomes one point in the service_lifecycle measurement, tagged with the
// service name, event type and status, carrying startup time, uptime, exit
// code and whether a forced kill was needed.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.SetOnError(func(err error) { log.Warn("influxdb write failed", "error", err) })
//	bus.Subscribe("influxdb", client)
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are batched per
// batch_size and flush_interval and never block the caller.
package influxdb
