// Package influxdb writes protocol telemetry to InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health checks. A Reporter
// samples every device's session counters at a fixed interval into the
// tuyable_session measurement, tagged by device id, category and product.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	interval := time.Duration(cfg.InfluxDB.StatsInterval) * time.Second
//	go influxdb.NewReporter(manager, client, interval).Run(ctx)
//
// # Thread Safety
//
// All methods are safe for concurrent use. Write errors are delivered
// asynchronously through SetOnError.
package influxdb
