package fake

import (
	"sync"

	"github.com/autopeer-io/gearlink/internal/protocol"
)

// Target simulates the DFU side of one component.
type Target struct {
	mu sync.Mutex

	stored    []byte
	finalSize uint32
	finalCrc  uint32
	prepared  bool
	executed  int

	// CorruptAt makes the write ending at this offset echo a wrong crc.
	CorruptAt uint32

	// SkipAhead makes every write report a next offset this far beyond
	// the real one.
	SkipAhead uint32

	// OnExecute runs after an Execute command has been acknowledged.
	OnExecute func()
}

// AddTarget serves DFU commands for component from t.
func (d *Device) AddTarget(component protocol.Component, t *Target) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets[component] = t
}

// Seed makes the target report a partially stored image.
func (t *Target) Seed(stored []byte, finalSize uint32, finalCrc uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stored = append([]byte(nil), stored...)
	t.finalSize = finalSize
	t.finalCrc = uint32(finalCrc)
	t.prepared = true
}

// Stored returns the image bytes received so far.
func (t *Target) Stored() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.stored...)
}

// Executed returns how many Execute commands were accepted.
func (t *Target) Executed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executed
}

func (t *Target) serve(cmd protocol.Command) Reply {
	switch cmd.Opcode {
	case protocol.OpDfuStatus:
		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.prepared {
			return Reply{Status: protocol.StatusNoResponse}
		}
		return Reply{Message: &protocol.DfuStatus{
			CurrentSize: uint32(len(t.stored)),
			CurrentCrc:  uint32(protocol.CRC16(t.stored)),
			FinalSize:   t.finalSize,
			FinalCrc:    t.finalCrc,
		}}

	case protocol.OpDfuPrepare:
		var p protocol.DfuPrepare
		if err := protocol.Unmarshal(cmd.Payload, &p); err != nil {
			return Reply{Status: protocol.StatusInvalidParameter}
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		t.stored = nil
		t.finalSize = p.FinalSize
		t.finalCrc = p.FinalCrc
		t.prepared = true
		return Reply{}

	case protocol.OpDfuWrite:
		var w protocol.DfuWrite
		if err := protocol.Unmarshal(cmd.Payload, &w); err != nil {
			return Reply{Status: protocol.StatusInvalidParameter}
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.prepared || int(w.Offset) != len(t.stored) {
			return Reply{Status: protocol.StatusInvalidState}
		}
		t.stored = append(t.stored, w.Data...)
		next := uint32(len(t.stored))
		crc := uint32(protocol.CRC16(t.stored))
		if t.CorruptAt != 0 && next == t.CorruptAt {
			crc ^= 0xFFFF
		}
		return Reply{Message: &protocol.DfuWriteResult{Crc: crc, NextOffset: next + t.SkipAhead}}

	case protocol.OpDfuExecute:
		t.mu.Lock()
		t.executed++
		hook := t.OnExecute
		t.mu.Unlock()
		if hook != nil {
			defer hook()
		}
		return Reply{}
	}
	return Reply{Status: protocol.StatusUnknownCommand}
}
