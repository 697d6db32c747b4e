package consumer

import (
	"fmt"
	"strings"

	"github.com/tiger/callsurface/api/callmodel"
)

// Role classifies one consumer process. Roles are mutually exclusive per
// classification pass; at most one DefaultUI/SystemUI/VehicleUI session is
// authoritative per tenant at a time.
type Role string

const (
	RoleDefaultUI       Role = "default_ui"
	RoleSystemUI        Role = "system_ui"
	RoleVehicleUI       Role = "vehicle_ui"
	RoleNonUI           Role = "non_ui"
	RoleCompanion       Role = "companion"
	RolePeripheralAudio Role = "peripheral_audio"
)

// Validate enforces known roles.
func (r Role) Validate() error {
	switch r {
	case RoleDefaultUI, RoleSystemUI, RoleVehicleUI, RoleNonUI, RoleCompanion, RolePeripheralAudio:
		return nil
	default:
		return fmt.Errorf("unknown role %q", string(r))
	}
}

// IsUI reports whether the role competes for the authoritative UI slot.
func (r Role) IsUI() bool {
	return r == RoleDefaultUI || r == RoleSystemUI || r == RoleVehicleUI
}

// Capabilities are the declared capabilities of a consumer process, read from
// its manifest before classification.
type Capabilities struct {
	UI              bool `json:"ui"`
	DefaultDialer   bool `json:"default_dialer"`
	System          bool `json:"system"`
	VehicleMode     bool `json:"vehicle_mode"`
	Companion       bool `json:"companion"`
	PeripheralAudio bool `json:"peripheral_audio"`
	SelfManaged     bool `json:"self_managed"`
	ExternalCalls   bool `json:"external_calls"`
	Contacts        bool `json:"contacts"`
	CrossTenant     bool `json:"cross_tenant"`
	Persistent      bool `json:"persistent"`
}

// Identity names one classified consumer process for a tenant.
type Identity struct {
	Process      string           `json:"process"`
	Tenant       callmodel.Tenant `json:"tenant"`
	Role         Role             `json:"role"`
	Capabilities Capabilities     `json:"capabilities"`
}

// Validate enforces identity shape.
func (id Identity) Validate() error {
	if strings.TrimSpace(id.Process) == "" {
		return fmt.Errorf("process is required")
	}
	if err := id.Tenant.Validate(); err != nil {
		return err
	}
	return id.Role.Validate()
}

// Key returns the map key uniquely naming this consumer within a tenant.
func (id Identity) Key() string {
	return string(id.Tenant) + "/" + id.Process
}

// SupportsCall reports whether a call with the given flags may be delivered
// to this consumer at all.
func (id Identity) SupportsCall(selfManaged, external bool) bool {
	if selfManaged && !id.Capabilities.SelfManaged {
		return false
	}
	if external && !id.Capabilities.ExternalCalls {
		return false
	}
	return true
}

// Grants returns the view grants derived from declared capabilities.
func (id Identity) Grants() callmodel.ViewGrants {
	return callmodel.ViewGrants{Contacts: id.Capabilities.Contacts}
}

// Persistent reports whether the role contract requires automatic
// reconnection after a mid-session death.
func (id Identity) Persistent() bool {
	if id.Role == RoleVehicleUI {
		return true
	}
	return id.Role == RoleNonUI && id.Capabilities.Persistent
}
