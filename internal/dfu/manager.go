package dfu

import (
	"context"
	"fmt"
	"sync"

	"github.com/autopeer-io/gearlink/internal/catalog"
	"github.com/autopeer-io/gearlink/internal/protocol"
)

// Describer reports the firmware targets of the connected device.
type Describer interface {
	Describe(ctx context.Context, components ...protocol.Component) ([]catalog.Component, error)
}

// UpdateChecker resolves available updates for components.
type UpdateChecker interface {
	HasUpdate(ctx context.Context, components []catalog.Component, force bool) ([]catalog.UpdateDescriptor, error)
	RemoveUpdate(id catalog.Identity) error
}

// Manager is the entry point for firmware updates: it checks the catalog
// for the connected components and hands the result to the orchestrator.
type Manager struct {
	describer  Describer
	checker    UpdateChecker
	orch       *Orchestrator
	components []protocol.Component

	mu        sync.Mutex
	connected []catalog.Component
	updates   []catalog.UpdateDescriptor
}

// NewManager returns a manager covering the tag and the gear accessory.
func NewManager(describer Describer, checker UpdateChecker, orch *Orchestrator) *Manager {
	return &Manager{
		describer:  describer,
		checker:    checker,
		orch:       orch,
		components: []protocol.Component{protocol.ComponentTag, protocol.ComponentGear},
	}
}

// DescribeComponents queries the device for its firmware targets.
func (m *Manager) DescribeComponents(ctx context.Context) ([]catalog.Component, error) {
	components, err := m.describer.Describe(ctx, m.components...)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.connected = components
	m.mu.Unlock()
	return components, nil
}

// CheckFirmware returns one descriptor per connected firmware target. With
// force set, cached answers are ignored.
func (m *Manager) CheckFirmware(ctx context.Context, force bool) ([]catalog.UpdateDescriptor, error) {
	components, err := m.DescribeComponents(ctx)
	if err != nil {
		return nil, err
	}
	updates, err := m.checker.HasUpdate(ctx, components, force)
	if err != nil {
		return nil, fmt.Errorf("check firmware: %w", err)
	}
	m.mu.Lock()
	m.updates = updates
	m.mu.Unlock()
	return updates, nil
}

// ApplyUpdates transfers candidates, or the result of the last check when
// candidates is empty.
func (m *Manager) ApplyUpdates(ctx context.Context, candidates []catalog.UpdateDescriptor) error {
	m.mu.Lock()
	connected := m.connected
	if len(candidates) == 0 {
		candidates = m.updates
	}
	m.mu.Unlock()

	if connected == nil {
		var err error
		if connected, err = m.DescribeComponents(ctx); err != nil {
			return err
		}
	}
	return m.orch.ApplyFirmware(ctx, candidates, connected)
}

// ExecuteUpdates installs the transferred images.
func (m *Manager) ExecuteUpdates(ctx context.Context) error {
	return m.orch.ExecuteUpdates(ctx)
}

// Stop cancels the running transfer or install.
func (m *Manager) Stop() {
	m.orch.Stop()
}

// State returns the orchestrator state.
func (m *Manager) State() UpdateState {
	return m.orch.State()
}

// SetMinBatteryLevel changes the battery threshold for later operations.
func (m *Manager) SetMinBatteryLevel(level int) {
	m.orch.SetMinBatteryLevel(level)
}

// RemoveUpdate evicts the cached descriptor metadata for id. The binary
// file stays on disk.
func (m *Manager) RemoveUpdate(id catalog.Identity) error {
	return m.checker.RemoveUpdate(id)
}
