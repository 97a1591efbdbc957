package notify

import (
	"github.com/autopeer-io/gearlink/internal/protocol"
	"github.com/autopeer-io/gearlink/pkg/log"
)

// Event matches notifications of one domain/event pair and decodes their
// payload into a new T. Payloads that fail to decode are logged and skipped.
func Event[T any, PT interface {
	*T
	protocol.Message
}](domain protocol.Domain, event protocol.Event) Extractor[PT] {
	return func(n *protocol.Notification) (PT, bool) {
		if !n.Is(domain, event) {
			return nil, false
		}
		out := PT(new(T))
		if err := protocol.Unmarshal(n.Payload, out); err != nil {
			log.Warn("Skipping undecodable notification", "component", n.Component.String(), "error", err)
			return nil, false
		}
		return out, true
	}
}

// FromComponent narrows ex to notifications sent by component c.
func FromComponent[T any](c protocol.Component, ex Extractor[T]) Extractor[T] {
	return func(n *protocol.Notification) (T, bool) {
		if n.Component != c {
			var zero T
			return zero, false
		}
		return ex(n)
	}
}

// Battery extracts battery status updates.
func Battery() Extractor[*protocol.BatteryStatus] {
	return Event[protocol.BatteryStatus](protocol.DomainBase, protocol.EventBattery)
}

// Attach extracts accessory attach/detach events.
func Attach() Extractor[*protocol.AttachEvent] {
	return Event[protocol.AttachEvent](protocol.DomainBase, protocol.EventAttach)
}

// Gestures extracts recognized gestures.
func Gestures() Extractor[*protocol.Gesture] {
	return Event[protocol.Gesture](protocol.DomainGesture, protocol.EventGesture)
}

// TouchStream extracts continuous touch sample batches.
func TouchStream() Extractor[*protocol.TouchStream] {
	return Event[protocol.TouchStream](protocol.DomainTouch, protocol.EventTouchStream)
}

// ModuleLoaded extracts loadable-module activation events.
func ModuleLoaded() Extractor[*protocol.ModuleLoaded] {
	return Event[protocol.ModuleLoaded](protocol.DomainModule, protocol.EventModuleLoaded)
}

// DfuExecuteComplete extracts install confirmations.
func DfuExecuteComplete() Extractor[*protocol.DfuExecuteComplete] {
	return Event[protocol.DfuExecuteComplete](protocol.DomainDfu, protocol.EventDfuExecuteComplete)
}

// Sessions extracts trial/session listings.
func Sessions() Extractor[*protocol.SessionList] {
	return Event[protocol.SessionList](protocol.DomainSession, protocol.EventSessionList)
}
