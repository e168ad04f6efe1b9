// Package mqtt connects driverservice to an MQTT broker.
//
// This package manages:
//   - the broker connection, with auto-reconnect and subscription replay
//   - a retained presence message and Last Will on driverservice/system/status
//   - a lifecycle publisher that mirrors service events onto
//     driverservice/service/<name>/status (retained) and .../event
//   - stop commands received on driverservice/service/<name>/command
//
// # Security Considerations
//
//   - Enable TLS (cfg.Broker.TLS) for anything beyond a local broker
//   - The command topic can stop the driver; restrict it with broker ACLs
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	bus.Subscribe("mqtt", mqtt.NewLifecyclePublisher(client, client.QoS()))
//	err = client.Subscribe(mqtt.Topics{}.ServiceCommand("safaridriver"), 1,
//	    mqtt.StopHandler(cancel))
package mqtt
