// Package bridge connects the NXM supervisor to the Gray Logic MQTT bus.
//
// Outbound, the bridge subscribes to every appliance subsystem under the
// observer id "mqtt" and publishes a retained StateMessage for each changed
// subsystem. It also records changes in the history repository and writes
// routing telemetry when those sinks are configured.
//
// Inbound, it accepts routing commands on graylogic/command/nxm/{output},
// turns them into realtime channel messages and acknowledges each one on
// graylogic/ack/nxm/{output} once the appliance accepted or refused it.
//
// A HealthReporter publishes bridge health every 30 seconds and on every
// connection status change.
package bridge
