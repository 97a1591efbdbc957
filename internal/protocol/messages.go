package protocol

// Field numbers below are part of the device contract.

// Empty is the payload of commands that carry no arguments.
type Empty struct{}

func (*Empty) Marshal() []byte { return nil }

func (*Empty) Unmarshal(b []byte) error {
	return walk(b, func(field) error { return nil })
}

// ModuleInfo describes a loadable firmware module installed on a component.
type ModuleInfo struct {
	ModuleID string // 1
	Version  string // 2
}

func (m *ModuleInfo) Marshal() []byte {
	var e encoder
	e.string(1, m.ModuleID)
	e.string(2, m.Version)
	return e
}

func (m *ModuleInfo) Unmarshal(b []byte) error {
	*m = ModuleInfo{}
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.ModuleID, err = f.string()
		case 2:
			m.Version, err = f.string()
		}
		return err
	})
}

// DeviceInfo answers OpDeviceInfo.
type DeviceInfo struct {
	VendorID        uint32       // 1
	ProductID       uint32       // 2
	SerialNumber    string       // 3
	FirmwareVersion string       // 4
	Modules         []ModuleInfo // 5
}

func (m *DeviceInfo) Marshal() []byte {
	var e encoder
	e.uint(1, uint64(m.VendorID))
	e.uint(2, uint64(m.ProductID))
	e.string(3, m.SerialNumber)
	e.string(4, m.FirmwareVersion)
	for i := range m.Modules {
		e.message(5, &m.Modules[i])
	}
	return e
}

func (m *DeviceInfo) Unmarshal(b []byte) error {
	*m = DeviceInfo{}
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.VendorID, err = f.uint32()
		case 2:
			m.ProductID, err = f.uint32()
		case 3:
			m.SerialNumber, err = f.string()
		case 4:
			m.FirmwareVersion, err = f.string()
		case 5:
			var mod ModuleInfo
			if err = f.message(&mod); err == nil {
				m.Modules = append(m.Modules, mod)
			}
		}
		return err
	})
}

// BatteryStatus answers OpBattery and is pushed as EventBattery.
type BatteryStatus struct {
	Level    uint32 // 1, percent
	Charging bool   // 2
}

func (m *BatteryStatus) Marshal() []byte {
	var e encoder
	e.uint(1, uint64(m.Level))
	e.bool(2, m.Charging)
	return e
}

func (m *BatteryStatus) Unmarshal(b []byte) error {
	*m = BatteryStatus{}
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Level, err = f.uint32()
		case 2:
			m.Charging, err = f.bool()
		}
		return err
	})
}

// DfuStatus answers OpDfuStatus with what the component already holds.
type DfuStatus struct {
	CurrentSize uint32 // 1
	CurrentCrc  uint32 // 2
	FinalSize   uint32 // 3
	FinalCrc    uint32 // 4
}

func (m *DfuStatus) Marshal() []byte {
	var e encoder
	e.uint(1, uint64(m.CurrentSize))
	e.uint(2, uint64(m.CurrentCrc))
	e.uint(3, uint64(m.FinalSize))
	e.uint(4, uint64(m.FinalCrc))
	return e
}

func (m *DfuStatus) Unmarshal(b []byte) error {
	*m = DfuStatus{}
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.CurrentSize, err = f.uint32()
		case 2:
			m.CurrentCrc, err = f.uint32()
		case 3:
			m.FinalSize, err = f.uint32()
		case 4:
			m.FinalCrc, err = f.uint32()
		}
		return err
	})
}

// DfuPrepare announces a new image to a component.
type DfuPrepare struct {
	FinalSize uint32 // 1
	FinalCrc  uint32 // 2
	Component uint32 // 3
	ModuleID  string // 4
}

func (m *DfuPrepare) Marshal() []byte {
	var e encoder
	e.uint(1, uint64(m.FinalSize))
	e.uint(2, uint64(m.FinalCrc))
	e.uint(3, uint64(m.Component))
	e.string(4, m.ModuleID)
	return e
}

func (m *DfuPrepare) Unmarshal(b []byte) error {
	*m = DfuPrepare{}
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.FinalSize, err = f.uint32()
		case 2:
			m.FinalCrc, err = f.uint32()
		case 3:
			m.Component, err = f.uint32()
		case 4:
			m.ModuleID, err = f.string()
		}
		return err
	})
}

// DfuWrite carries one image chunk.
type DfuWrite struct {
	Offset uint32 // 1
	Data   []byte // 2
}

func (m *DfuWrite) Marshal() []byte {
	var e encoder
	e.uint(1, uint64(m.Offset))
	e.bytes(2, m.Data)
	return e
}

func (m *DfuWrite) Unmarshal(b []byte) error {
	*m = DfuWrite{}
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Offset, err = f.uint32()
		case 2:
			m.Data, err = f.bytes()
		}
		return err
	})
}

// DfuWriteResult is the device's echo after storing a chunk.
type DfuWriteResult struct {
	Crc        uint32 // 1, crc16 of everything stored so far
	NextOffset uint32 // 2
}

func (m *DfuWriteResult) Marshal() []byte {
	var e encoder
	e.uint(1, uint64(m.Crc))
	e.uint(2, uint64(m.NextOffset))
	return e
}

func (m *DfuWriteResult) Unmarshal(b []byte) error {
	*m = DfuWriteResult{}
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Crc, err = f.uint32()
		case 2:
			m.NextOffset, err = f.uint32()
		}
		return err
	})
}

// DfuExecute schedules installation of the stored image.
type DfuExecute struct {
	Component uint32 // 1
}

func (m *DfuExecute) Marshal() []byte {
	var e encoder
	e.uint(1, uint64(m.Component))
	return e
}

func (m *DfuExecute) Unmarshal(b []byte) error {
	*m = DfuExecute{}
	return walk(b, func(f field) (err error) {
		if f.num == 1 {
			m.Component, err = f.uint32()
		}
		return err
	})
}

// DfuExecuteComplete is pushed once a component has installed its image.
type DfuExecuteComplete struct {
	Component uint32 // 1
	Success   bool   // 2
}

func (m *DfuExecuteComplete) Marshal() []byte {
	var e encoder
	e.uint(1, uint64(m.Component))
	e.bool(2, m.Success)
	return e
}

func (m *DfuExecuteComplete) Unmarshal(b []byte) error {
	*m = DfuExecuteComplete{}
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Component, err = f.uint32()
		case 2:
			m.Success, err = f.bool()
		}
		return err
	})
}

// Gesture is pushed when the wearable recognizes a motion.
type Gesture struct {
	Gesture   uint32 // 1
	Timestamp uint64 // 2, device uptime in ms
}

func (m *Gesture) Marshal() []byte {
	var e encoder
	e.uint(1, uint64(m.Gesture))
	e.uint(2, m.Timestamp)
	return e
}

func (m *Gesture) Unmarshal(b []byte) error {
	*m = Gesture{}
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Gesture, err = f.uint32()
		case 2:
			m.Timestamp, err = f.uint64()
		}
		return err
	})
}

// TouchStream carries a batch of continuous touch samples.
type TouchStream struct {
	Samples []uint32 // 1, packed
}

func (m *TouchStream) Marshal() []byte {
	var e encoder
	e.packed(1, m.Samples)
	return e
}

func (m *TouchStream) Unmarshal(b []byte) error {
	*m = TouchStream{}
	return walk(b, func(f field) (err error) {
		if f.num == 1 {
			m.Samples, err = f.appendUint32s(m.Samples)
		}
		return err
	})
}

// AttachEvent is pushed when an accessory is attached or detached.
type AttachEvent struct {
	Attached  bool   // 1
	VendorID  uint32 // 2
	ProductID uint32 // 3
}

func (m *AttachEvent) Marshal() []byte {
	var e encoder
	e.bool(1, m.Attached)
	e.uint(2, uint64(m.VendorID))
	e.uint(3, uint64(m.ProductID))
	return e
}

func (m *AttachEvent) Unmarshal(b []byte) error {
	*m = AttachEvent{}
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Attached, err = f.bool()
		case 2:
			m.VendorID, err = f.uint32()
		case 3:
			m.ProductID, err = f.uint32()
		}
		return err
	})
}

// ModuleLoaded is pushed when a loadable module activates.
type ModuleLoaded struct {
	ModuleID string // 1
	Version  string // 2
}

func (m *ModuleLoaded) Marshal() []byte {
	var e encoder
	e.string(1, m.ModuleID)
	e.string(2, m.Version)
	return e
}

func (m *ModuleLoaded) Unmarshal(b []byte) error {
	*m = ModuleLoaded{}
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.ModuleID, err = f.string()
		case 2:
			m.Version, err = f.string()
		}
		return err
	})
}

// Session is one recorded trial/session stored on the device.
type Session struct {
	ID        uint32 // 1
	Name      string // 2
	StartedAt uint64 // 3, unix seconds
}

func (m *Session) Marshal() []byte {
	var e encoder
	e.uint(1, uint64(m.ID))
	e.string(2, m.Name)
	e.uint(3, m.StartedAt)
	return e
}

func (m *Session) Unmarshal(b []byte) error {
	*m = Session{}
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.ID, err = f.uint32()
		case 2:
			m.Name, err = f.string()
		case 3:
			m.StartedAt, err = f.uint64()
		}
		return err
	})
}

// SessionList answers OpListSessions and is pushed as EventSessionList.
type SessionList struct {
	Sessions []Session // 1
}

func (m *SessionList) Marshal() []byte {
	var e encoder
	for i := range m.Sessions {
		e.message(1, &m.Sessions[i])
	}
	return e
}

func (m *SessionList) Unmarshal(b []byte) error {
	*m = SessionList{}
	return walk(b, func(f field) (err error) {
		if f.num == 1 {
			var s Session
			if err = f.message(&s); err == nil {
				m.Sessions = append(m.Sessions, s)
			}
		}
		return err
	})
}
