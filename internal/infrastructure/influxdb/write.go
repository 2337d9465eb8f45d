package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementRoute      = "nxm_route"
	MeasurementStatus     = "nxm_status"
	MeasurementDispatcher = "nxm_dispatcher"
)

// WriteRoute records the current sources of one destination. Empty sources
// are omitted; a destination with neither is not written.
func (c *Client) WriteRoute(dest, videoSource, audioSource string) {
	fields := map[string]any{}
	if videoSource != "" {
		fields["video_source"] = videoSource
	}
	if audioSource != "" {
		fields["audio_source"] = audioSource
	}
	if len(fields) == 0 {
		return
	}
	c.write(MeasurementRoute, map[string]string{"destination": dest}, fields)
}

// WriteStatus records a connection status transition.
func (c *Client) WriteStatus(status, state, kind string, generation uint64) {
	fields := map[string]any{
		"status":     status,
		"state":      state,
		"generation": int64(generation), //nolint:gosec // counts connect attempts
		"live":       status == "live",
	}
	if kind != "" {
		fields["kind"] = kind
	}
	c.write(MeasurementStatus, nil, fields)
}

// WriteDispatcher records dispatcher counters.
func (c *Client) WriteDispatcher(pending int, enqueued, completed, failed, cancelled uint64) {
	c.write(MeasurementDispatcher, nil, map[string]any{
		"pending":   pending,
		"enqueued":  enqueued,
		"completed": completed,
		"failed":    failed,
		"cancelled": cancelled,
	})
}

func (c *Client) write(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	all := map[string]string{"site": c.siteID}
	for k, v := range tags {
		all[k] = v
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, all, fields, time.Now()))
}
