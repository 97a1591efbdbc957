package topic

import (
	"fmt"
)

// Constants defining the standard topic segments.
// These are the contract between gearlink and the radio bridge that relays
// frames to and from the wearable. Changing them breaks deployed bridges.
const (
	// SuffixCommand carries command frames towards the device (Host -> Bridge).
	// Structure: {root}/cmd/{deviceID}
	SuffixCommand = "cmd"

	// SuffixResponse carries response frames from the device (Bridge -> Host).
	// Structure: {root}/resp/{deviceID}
	SuffixResponse = "resp"

	// SuffixNotify carries unsolicited notification frames (Bridge -> Host).
	// Structure: {root}/notify/{deviceID}
	SuffixNotify = "notify"

	// SuffixState carries the radio link state as a retained text message
	// ("connected" / "disconnected") published by the bridge.
	// Structure: {root}/state/{deviceID}
	SuffixState = "state"

	// SuffixPriority carries connection priority hints (Host -> Bridge).
	// Structure: {root}/priority/{deviceID}
	SuffixPriority = "priority"
)

// TopicBuilder encapsulates the logic for constructing MQTT topic strings.
type TopicBuilder struct {
	// root is the base namespace for all topics (e.g., "gearlink/v1").
	root string
}

// NewTopicBuilder creates a new instance of TopicBuilder with the specified root namespace.
func NewTopicBuilder(root string) *TopicBuilder {
	return &TopicBuilder{root: root}
}

// -----------------------------------------------------------------------------
// Topic Generation Methods
// -----------------------------------------------------------------------------

// Command returns the topic the host publishes command frames on.
func (b *TopicBuilder) Command(deviceID string) string {
	return b.build(SuffixCommand, deviceID)
}

// Response returns the topic the bridge publishes response frames on.
func (b *TopicBuilder) Response(deviceID string) string {
	return b.build(SuffixResponse, deviceID)
}

// Notify returns the topic the bridge publishes notification frames on.
func (b *TopicBuilder) Notify(deviceID string) string {
	return b.build(SuffixNotify, deviceID)
}

// State returns the retained link-state topic of a device.
func (b *TopicBuilder) State(deviceID string) string {
	return b.build(SuffixState, deviceID)
}

// StateWildcard returns the filter matching the link state of every device.
// Result: {root}/state/+
func (b *TopicBuilder) StateWildcard() string {
	return b.build(SuffixState, Wildcard)
}

// Priority returns the topic for connection priority hints.
func (b *TopicBuilder) Priority(deviceID string) string {
	return b.build(SuffixPriority, deviceID)
}

// -----------------------------------------------------------------------------
// Helper Methods
// -----------------------------------------------------------------------------

// build is a private helper to construct the final topic string.
// Pattern: {root}/{suffix}/{identifier}
func (b *TopicBuilder) build(suffix, id string) string {
	return fmt.Sprintf("%s/%s/%s", b.root, suffix, id)
}
