// Package influxdb writes NXM bridge telemetry to InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library. The bridge records:
//   - nxm_route: the video and audio source of every destination, written
//     whenever the routing table changes
//   - nxm_status: connection status transitions
//   - nxm_dispatcher: dispatcher queue counters, written with health reports
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteRoute("Output1", "Input2", "Input2")
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are non-blocking and
// batched according to batch_size and flush_interval; asynchronous write
// failures are delivered to the SetOnError callback.
package influxdb
