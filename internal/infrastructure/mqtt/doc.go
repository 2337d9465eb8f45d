// Package mqtt connects the NXM bridge to the site MQTT broker.
//
// The bridge publishes appliance state and connection health, and receives
// routing commands, over the flat Gray Logic topic scheme:
//
//	graylogic/state/nxm/{subsystem}    retained subsystem JSON
//	graylogic/command/nxm/{target}     routing commands from Core
//	graylogic/ack/nxm/{target}         command acknowledgements
//	graylogic/health/nxm               retained bridge health
//
// # Connection
//
// Connect uses paho's auto-reconnect with backoff between the configured
// initial and maximum delays. A Last Will and Testament marks the bridge
// offline on the health topic if the process dies; Close publishes a
// graceful offline message instead. Subscriptions are tracked and restored
// after every reconnect.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
package mqtt
