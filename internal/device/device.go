// Package device wraps the base-domain queries of the wearable.
package device

import (
	"context"
	"fmt"
	"strconv"

	"github.com/autopeer-io/gearlink/internal/catalog"
	"github.com/autopeer-io/gearlink/internal/dispatch"
	"github.com/autopeer-io/gearlink/internal/protocol"
	"github.com/autopeer-io/gearlink/pkg/log"
)

// Querier issues base-domain commands through a dispatcher.
type Querier struct {
	sender dispatch.Sender
}

func NewQuerier(sender dispatch.Sender) *Querier {
	return &Querier{sender: sender}
}

// BatteryLevel returns the main device's battery level in percent.
func (q *Querier) BatteryLevel(ctx context.Context) (int, error) {
	st, err := dispatch.Call[protocol.BatteryStatus](ctx, q.sender,
		protocol.NewCommand(protocol.ComponentTag, protocol.DomainBase, protocol.OpBattery, nil))
	if err != nil {
		return 0, fmt.Errorf("query battery: %w", err)
	}
	return int(st.Level), nil
}

// Info returns the identity and firmware version of one component.
func (q *Querier) Info(ctx context.Context, c protocol.Component) (*protocol.DeviceInfo, error) {
	return dispatch.Call[protocol.DeviceInfo](ctx, q.sender,
		protocol.NewCommand(c, protocol.DomainBase, protocol.OpDeviceInfo, nil))
}

// Sessions lists the trial/session recordings stored on the device.
func (q *Querier) Sessions(ctx context.Context) ([]protocol.Session, error) {
	list, err := dispatch.Call[protocol.SessionList](ctx, q.sender,
		protocol.NewCommand(protocol.ComponentTag, protocol.DomainBase, protocol.OpListSessions, nil))
	if err != nil {
		return nil, err
	}
	return list.Sessions, nil
}

// Describe queries each component and returns one catalog component per
// firmware target, modules included. The tag is always queried first so its
// version can accompany accessory lookups. Accessories that are not
// attached are skipped.
func (q *Querier) Describe(ctx context.Context, components ...protocol.Component) ([]catalog.Component, error) {
	tag, err := q.Info(ctx, protocol.ComponentTag)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", protocol.ComponentTag, err)
	}

	var out []catalog.Component
	for _, c := range components {
		info := tag
		if c != protocol.ComponentTag {
			info, err = q.Info(ctx, c)
			if protocol.HasStatus(err, protocol.StatusNotSupported) || protocol.HasStatus(err, protocol.StatusInvalidState) {
				log.Debug("Component not attached, skipping", "component", c.String())
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("describe %s: %w", c, err)
			}
		}
		out = append(out, targets(c, info, tag.FirmwareVersion)...)
	}
	return out, nil
}

func targets(c protocol.Component, info *protocol.DeviceInfo, tagVersion string) []catalog.Component {
	base := catalog.Component{
		ID:           c,
		VendorID:     strconv.FormatUint(uint64(info.VendorID), 10),
		ProductID:    strconv.FormatUint(uint64(info.ProductID), 10),
		SerialNumber: info.SerialNumber,
		Version:      info.FirmwareVersion,
		TagVersion:   tagVersion,
	}
	out := []catalog.Component{base}
	for _, m := range info.Modules {
		mod := base
		mod.ModuleID = m.ModuleID
		mod.Version = m.Version
		out = append(out, mod)
	}
	return out
}
