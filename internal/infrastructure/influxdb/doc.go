// Package influxdb exports power state transitions to InfluxDB v2.
//
// Every committed change becomes one point in the power_state measurement,
// tagged by system and source:
//
//	power_state,name=rack1-node3,source=probe,system=5f0c... from="Off",on=1i,state="On"
//
// Register the client as an engine observer:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	engine.AddObserver(client)
//
// Writes are batched and non-blocking (batch_size, flush_interval). Write
// failures arrive asynchronously through SetOnError.
package influxdb
