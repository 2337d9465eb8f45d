package mqtt

import "fmt"

// TopicPrefix is the root of every Gray Logic topic.
const TopicPrefix = "graylogic"

// Protocol is the protocol segment used by this bridge.
const Protocol = "nxm"

// Topics builds the bridge's MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.State("AvMatrixRoutingV2")
//	// graylogic/state/nxm/AvMatrixRoutingV2
type Topics struct{}

// State returns the retained state topic of one subsystem.
func (Topics) State(subsystem string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, Protocol, subsystem)
}

// Command returns the command topic for target.
func (Topics) Command(target string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, Protocol, target)
}

// Ack returns the acknowledgement topic for target.
func (Topics) Ack(target string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, Protocol, target)
}

// Health returns the retained health topic of the bridge.
func (Topics) Health() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// AllCommands matches every command addressed to the bridge.
func (Topics) AllCommands() string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefix, Protocol)
}

// AllStates matches every subsystem state topic.
func (Topics) AllStates() string {
	return fmt.Sprintf("%s/state/%s/+", TopicPrefix, Protocol)
}

// CommandTarget extracts the target segment from a command topic. It
// returns false for topics outside the bridge's command tree.
func (Topics) CommandTarget(topic string) (string, bool) {
	prefix := fmt.Sprintf("%s/command/%s/", TopicPrefix, Protocol)
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return "", false
	}
	target := topic[len(prefix):]
	for i := 0; i < len(target); i++ {
		if target[i] == '/' {
			return "", false
		}
	}
	return target, true
}
