package callmodel

import (
	"fmt"
	"strings"
)

// Tenant is the opaque key partitioning all orchestrator state. Every
// session, call, and consumer binding belongs to exactly one tenant.
type Tenant string

// Validate enforces tenant shape.
func (t Tenant) Validate() error {
	if strings.TrimSpace(string(t)) == "" {
		return fmt.Errorf("tenant is required")
	}
	return nil
}

// CallID identifies one call within the call state machine.
type CallID string

// State is the externally observable lifecycle state of a call.
type State string

const (
	StateNew          State = "new"
	StateDialing      State = "dialing"
	StateRinging      State = "ringing"
	StateActive       State = "active"
	StateHolding      State = "holding"
	StateDisconnected State = "disconnected"
)

// Validate enforces known call states.
func (s State) Validate() error {
	switch s {
	case StateNew, StateDialing, StateRinging, StateActive, StateHolding, StateDisconnected:
		return nil
	default:
		return fmt.Errorf("unknown call state %q", string(s))
	}
}

// Call is the read-only call record referenced by the orchestrator. The call
// state machine owns it; this layer never mutates it.
type Call struct {
	ID          CallID   `json:"call_id"`
	Tenant      Tenant   `json:"tenant"`
	State       State    `json:"state"`
	Parent      CallID   `json:"parent,omitempty"`
	Children    []CallID `json:"children,omitempty"`
	External    bool     `json:"external"`
	SelfManaged bool     `json:"self_managed"`
	Emergency   bool     `json:"emergency"`
	Alive       bool     `json:"alive"`

	// Caller-identity fields, redacted for consumers without a contacts grant.
	DisplayName string `json:"display_name,omitempty"`
	Handle      string `json:"handle,omitempty"`
}

// Validate enforces call record shape.
func (c Call) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("call_id is required")
	}
	if err := c.Tenant.Validate(); err != nil {
		return err
	}
	if err := c.State.Validate(); err != nil {
		return err
	}
	for _, child := range c.Children {
		if child == "" {
			return fmt.Errorf("call %s has an empty child id", c.ID)
		}
		if child == c.ID {
			return fmt.Errorf("call %s lists itself as a child", c.ID)
		}
	}
	return nil
}

// IsConference reports whether the call is a conference root.
func (c Call) IsConference() bool {
	return len(c.Children) > 0
}

// ViewGrants controls which fields a consumer view may carry.
type ViewGrants struct {
	Contacts bool
}

// View is the per-consumer payload sent over a session. Handle is the
// short-lived RPC alias for the call id; caller-identity fields are present
// only when the consumer holds the contacts grant.
type View struct {
	Handle      string   `json:"handle"`
	Tenant      Tenant   `json:"tenant"`
	State       State    `json:"state"`
	Parent      string   `json:"parent,omitempty"`
	Children    []string `json:"children,omitempty"`
	External    bool     `json:"external"`
	SelfManaged bool     `json:"self_managed"`
	Emergency   bool     `json:"emergency"`
	Alive       bool     `json:"alive"`
	DisplayName string   `json:"display_name,omitempty"`
	HandleURI   string   `json:"handle_uri,omitempty"`
}

// ViewFor builds the filtered consumer view of the call. The handle mapping
// for the call itself and its relatives is supplied by the tracker.
func (c Call) ViewFor(handle string, relatives map[CallID]string, grants ViewGrants) View {
	view := View{
		Handle:      handle,
		Tenant:      c.Tenant,
		State:       c.State,
		External:    c.External,
		SelfManaged: c.SelfManaged,
		Emergency:   c.Emergency,
		Alive:       c.Alive,
	}
	if c.Parent != "" {
		view.Parent = relatives[c.Parent]
	}
	for _, child := range c.Children {
		if alias, ok := relatives[child]; ok {
			view.Children = append(view.Children, alias)
		}
	}
	if grants.Contacts {
		view.DisplayName = c.DisplayName
		view.HandleURI = c.Handle
	}
	return view
}

// AudioState describes the route and mute condition fanned out to sessions.
type AudioState struct {
	Route     string   `json:"route"`
	Muted     bool     `json:"muted"`
	Supported []string `json:"supported,omitempty"`
}

// Endpoint describes the active call endpoint fanned out to sessions.
type Endpoint struct {
	ID   string `json:"endpoint_id"`
	Kind string `json:"kind"`
}
