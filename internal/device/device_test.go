package device

import (
	"context"
	"testing"
	"time"

	"github.com/autopeer-io/gearlink/internal/dispatch"
	"github.com/autopeer-io/gearlink/internal/protocol"
	"github.com/autopeer-io/gearlink/internal/transport/fake"
)

func newQuerier(t *testing.T, dev *fake.Device) *Querier {
	t.Helper()
	d := dispatch.New(dev, dispatch.WithTimeout(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Run(ctx) }()
	t.Cleanup(cancel)
	return NewQuerier(d)
}

func infoHandler(infos map[protocol.Component]*protocol.DeviceInfo) fake.HandlerFunc {
	return func(cmd protocol.Command) fake.Reply {
		info, ok := infos[cmd.Component]
		if !ok {
			return fake.Reply{Status: protocol.StatusNotSupported}
		}
		return fake.Reply{Message: info}
	}
}

func TestDescribeIncludesModules(t *testing.T) {
	dev := fake.NewDevice()
	dev.Handle(protocol.DomainBase, protocol.OpDeviceInfo, infoHandler(map[protocol.Component]*protocol.DeviceInfo{
		protocol.ComponentTag:  {VendorID: 42, ProductID: 1, SerialNumber: "TAG-1", FirmwareVersion: "1.0.0"},
		protocol.ComponentGear: {VendorID: 42, ProductID: 7, SerialNumber: "GEAR-1", FirmwareVersion: "0.9.0", Modules: []protocol.ModuleInfo{{ModuleID: "gestures", Version: "3"}}},
	}))
	q := newQuerier(t, dev)

	got, err := q.Describe(context.Background(), protocol.ComponentGear, protocol.ComponentTag)
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d components, want 3: %+v", len(got), got)
	}

	gear, module, tag := got[0], got[1], got[2]
	if gear.ID != protocol.ComponentGear || gear.VendorID != "42" || gear.ProductID != "7" || gear.TagVersion != "1.0.0" {
		t.Errorf("gear = %+v", gear)
	}
	if module.ModuleID != "gestures" || module.Version != "3" || module.SerialNumber != "GEAR-1" {
		t.Errorf("module = %+v", module)
	}
	if tag.ID != protocol.ComponentTag || tag.Version != "1.0.0" || tag.ModuleID != "" {
		t.Errorf("tag = %+v", tag)
	}
}

func TestDescribeSkipsDetachedAccessory(t *testing.T) {
	dev := fake.NewDevice()
	dev.Handle(protocol.DomainBase, protocol.OpDeviceInfo, infoHandler(map[protocol.Component]*protocol.DeviceInfo{
		protocol.ComponentTag: {VendorID: 42, ProductID: 1, SerialNumber: "TAG-1", FirmwareVersion: "1.0.0"},
	}))
	q := newQuerier(t, dev)

	got, err := q.Describe(context.Background(), protocol.ComponentTag, protocol.ComponentGear)
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != protocol.ComponentTag {
		t.Errorf("got %+v, want only the tag", got)
	}
}

func TestBatteryLevelAndSessions(t *testing.T) {
	dev := fake.NewDevice()
	dev.HandleBattery(64)
	dev.Handle(protocol.DomainBase, protocol.OpListSessions, func(protocol.Command) fake.Reply {
		return fake.Reply{Message: &protocol.SessionList{Sessions: []protocol.Session{{ID: 1, Name: "morning run"}}}}
	})
	q := newQuerier(t, dev)

	level, err := q.BatteryLevel(context.Background())
	if err != nil || level != 64 {
		t.Errorf("BatteryLevel() = (%d, %v), want 64", level, err)
	}

	sessions, err := q.Sessions(context.Background())
	if err != nil || len(sessions) != 1 || sessions[0].Name != "morning run" {
		t.Errorf("Sessions() = (%+v, %v)", sessions, err)
	}
}
