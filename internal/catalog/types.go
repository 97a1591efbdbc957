// Package catalog discovers firmware updates for device components. Results
// are cached on disk with a TTL; binaries of available updates are
// downloaded next to their metadata.
package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/autopeer-io/gearlink/internal/protocol"
)

// ErrNetwork wraps every failure of the remote catalog or a download.
var ErrNetwork = errors.New("network error")

// UpgradeStatus classifies a discovered update.
type UpgradeStatus int

const (
	NotAvailable UpgradeStatus = iota
	Optional
	Mandatory
)

var upgradeStatusNames = []string{"NOT_AVAILABLE", "OPTIONAL", "MANDATORY"}

func (s UpgradeStatus) String() string {
	if s >= 0 && int(s) < len(upgradeStatusNames) {
		return upgradeStatusNames[s]
	}
	return fmt.Sprintf("UpgradeStatus(%d)", int(s))
}

// Available reports whether the status carries a binary to install.
func (s UpgradeStatus) Available() bool {
	return s == Optional || s == Mandatory
}

func (s UpgradeStatus) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(upgradeStatusNames) {
		return nil, fmt.Errorf("invalid upgrade status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *UpgradeStatus) UnmarshalText(b []byte) error {
	name := strings.ToUpper(strings.TrimSpace(string(b)))
	for i, n := range upgradeStatusNames {
		if n == name {
			*s = UpgradeStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown upgrade status %q", string(b))
}

// UpdateDescriptor describes one update for one component. Descriptors are
// never mutated; a re-check produces a new one.
type UpdateDescriptor struct {
	TargetVersion  string        `json:"targetVersion"`
	UpgradeStatus  UpgradeStatus `json:"upgradeStatus"`
	DownloadURL    string        `json:"downloadUrl,omitempty"`
	VendorID       string        `json:"vendorId"`
	ProductID      string        `json:"productId"`
	ModuleID       string        `json:"moduleId,omitempty"`
	CachedFilePath string        `json:"cachedFilePath,omitempty"`
}

// IsModule reports whether the update targets a loadable module.
func (d *UpdateDescriptor) IsModule() bool {
	return d.ModuleID != ""
}

// Identity keys cache entries.
type Identity struct {
	VendorID     string
	ProductID    string
	ModuleID     string
	SerialNumber string
}

func (id Identity) String() string {
	parts := []string{id.VendorID, id.ProductID, id.SerialNumber}
	if id.ModuleID != "" {
		parts = append(parts, id.ModuleID)
	}
	return strings.Join(parts, "_")
}

// Component is one firmware target as reported by the device.
type Component struct {
	ID           protocol.Component
	VendorID     string
	ProductID    string
	ModuleID     string
	SerialNumber string
	Version      string

	// TagVersion is the main device's firmware version, sent along so the
	// catalog can check compatibility of accessory and module images.
	TagVersion string
}

// Identity returns the cache identity of the component.
func (c Component) Identity() Identity {
	return Identity{
		VendorID:     c.VendorID,
		ProductID:    c.ProductID,
		ModuleID:     c.ModuleID,
		SerialNumber: c.SerialNumber,
	}
}

// ClientContext identifies the calling application to the catalog.
type ClientContext struct {
	ClientID    string
	Platform    string
	CountryCode string
	SDKVersion  string
}
