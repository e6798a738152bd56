package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every powerd topic.
const TopicPrefix = "powerd"

// Topics provides builders for powerd MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.State("rack1-node3-uuid") // powerd/state/rack1-node3-uuid
type Topics struct{}

// Command returns the topic a power command for a system is published on.
//
// Example: powerd/command/5f0c...
func (Topics) Command(systemID string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, systemID)
}

// Ack returns the topic command acknowledgements for a system go to.
//
// Example: powerd/ack/5f0c...
func (Topics) Ack(systemID string) string {
	return fmt.Sprintf("%s/ack/%s", TopicPrefix, systemID)
}

// State returns the retained power state topic of a system.
//
// Example: powerd/state/5f0c...
func (Topics) State(systemID string) string {
	return fmt.Sprintf("%s/state/%s", TopicPrefix, systemID)
}

// SystemStatus returns the presence topic of an MQTT client.
//
// Example: powerd/system/status/powerd-01
func (Topics) SystemStatus(clientID string) string {
	return fmt.Sprintf("%s/system/status/%s", TopicPrefix, clientID)
}

// AllCommands matches commands for every system.
func (Topics) AllCommands() string {
	return TopicPrefix + "/command/+"
}

// AllAcks matches acknowledgements for every system.
func (Topics) AllAcks() string {
	return TopicPrefix + "/ack/+"
}

// AllStates matches the state topic of every system.
func (Topics) AllStates() string {
	return TopicPrefix + "/state/+"
}

// SystemID extracts the trailing system identity from a command, ack or
// state topic. It returns false for topics outside that scheme.
func (Topics) SystemID(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefix || parts[2] == "" {
		return "", false
	}
	switch parts[1] {
	case "command", "ack", "state":
		return parts[2], true
	}
	return "", false
}
