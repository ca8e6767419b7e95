package mqtt

import "fmt"

// TopicPrefix is the root of every topic the AV bridge uses.
const TopicPrefix = "graylogic"

// Topics provides builders for the topics that are not owned by a
// protocol bridge. Bridge topics (command, ack, state, health) are built
// by the bridge package itself.
type Topics struct{}

// SystemStatus returns the topic for process online/offline status.
//
// Example: graylogic/system/status/graylogic-avr
func (Topics) SystemStatus(clientID string) string {
	return fmt.Sprintf("%s/system/status/%s", TopicPrefix, clientID)
}

// Protocol returns a pattern matching every topic of one protocol,
// whatever the category (state, ack, health, ...).
//
// Pattern: graylogic/+/jblav/#
func (Topics) Protocol(protocol string) string {
	return fmt.Sprintf("%s/+/%s/#", TopicPrefix, protocol)
}

// All returns a pattern matching all Gray Logic topics.
//
// Pattern: graylogic/#
func (Topics) All() string {
	return TopicPrefix + "/#"
}
