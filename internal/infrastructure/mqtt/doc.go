// Package mqtt connects powerd to an MQTT broker.
//
// The broker carries power commands in, acknowledgements and retained power
// state out, and the presence of every powerd process:
//
//	powerd/command/{system_id}         commands (not retained)
//	powerd/ack/{system_id}             command outcomes
//	powerd/state/{system_id}           last reconciled state (retained)
//	powerd/system/status/{client_id}   online/offline, with a Last Will
//
// The client reconnects on its own and restores subscriptions after every
// reconnect. Handlers run on paho's goroutines and are shielded from panics.
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
//	        id, _ := mqtt.Topics{}.SystemID(topic)
//	        return handle(id, payload)
//	    })
package mqtt
