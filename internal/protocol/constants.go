package protocol

import "fmt"

// Kind is the first byte of every frame.
type Kind byte

const (
	KindCommand      Kind = 0x01
	KindResponse     Kind = 0x02
	KindNotification Kind = 0x03
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return fmt.Sprintf("kind(0x%02X)", byte(k))
	}
}

// Component addresses a firmware target on the device.
type Component uint8

const (
	// ComponentTag is the main wearable.
	ComponentTag Component = 0
	// ComponentGear is the attachable accessory.
	ComponentGear Component = 1
)

func (c Component) String() string {
	switch c {
	case ComponentTag:
		return "tag"
	case ComponentGear:
		return "gear"
	default:
		return fmt.Sprintf("component(%d)", uint8(c))
	}
}

// Domain groups related opcodes and events.
type Domain uint8

const (
	DomainBase    Domain = 0x00
	DomainDfu     Domain = 0x01
	DomainGesture Domain = 0x02
	DomainTouch   Domain = 0x03
	DomainModule  Domain = 0x04
	DomainSession Domain = 0x05
)

var domainNames = map[Domain]string{
	DomainBase:    "base",
	DomainDfu:     "dfu",
	DomainGesture: "gesture",
	DomainTouch:   "touch",
	DomainModule:  "module",
	DomainSession: "session",
}

func (d Domain) String() string {
	if name, ok := domainNames[d]; ok {
		return name
	}
	return fmt.Sprintf("domain(0x%02X)", uint8(d))
}

// Opcode identifies a command within its domain.
type Opcode uint8

// Base domain opcodes.
const (
	OpDeviceInfo   Opcode = 0x01
	OpBattery      Opcode = 0x02
	OpListSessions Opcode = 0x03
)

// DFU domain opcodes.
const (
	OpDfuStatus  Opcode = 0x01
	OpDfuPrepare Opcode = 0x02
	OpDfuWrite   Opcode = 0x03
	OpDfuExecute Opcode = 0x04
)

// OpcodeName renders an opcode for logs and metric labels.
func OpcodeName(d Domain, op Opcode) string {
	switch d {
	case DomainBase:
		switch op {
		case OpDeviceInfo:
			return "device_info"
		case OpBattery:
			return "battery"
		case OpListSessions:
			return "list_sessions"
		}
	case DomainDfu:
		switch op {
		case OpDfuStatus:
			return "dfu_status"
		case OpDfuPrepare:
			return "dfu_prepare"
		case OpDfuWrite:
			return "dfu_write"
		case OpDfuExecute:
			return "dfu_execute"
		}
	}
	return fmt.Sprintf("%s/0x%02X", d, uint8(op))
}

// Event identifies a notification within its domain.
type Event uint8

const (
	EventBattery            Event = 0x01 // DomainBase
	EventAttach             Event = 0x02 // DomainBase
	EventDfuExecuteComplete Event = 0x01 // DomainDfu
	EventGesture            Event = 0x01 // DomainGesture
	EventTouchStream        Event = 0x01 // DomainTouch
	EventModuleLoaded       Event = 0x01 // DomainModule
	EventSessionList        Event = 0x01 // DomainSession
)

const (
	// MaxPayloadSize is the largest payload a frame length field can describe.
	MaxPayloadSize = 0xFFFF

	// MaxWriteChunk is the largest firmware slice carried by one DFU write.
	MaxWriteChunk = 128

	commandHeaderSize      = 7
	responseHeaderSize     = 5
	notificationHeaderSize = 6
)
