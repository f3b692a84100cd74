// Package ids defines the opaque 128-bit identifiers used throughout the
// tunnel core: resources, gateways, and the local client itself.
package ids

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ResourceId identifies a ResourceDescription (a CIDR or DNS resource the
// user is authorized to reach).
type ResourceId uuid.UUID

// GatewayId identifies a remote gateway that terminates tunnels for one or
// more resources.
type GatewayId uuid.UUID

// ClientId identifies this client within the portal's device registry.
type ClientId uuid.UUID

// NewResourceId parses a string UUID into a ResourceId.
func NewResourceId(s string) (ResourceId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ResourceId{}, fmt.Errorf("parsing resource id %q: %w", s, err)
	}
	return ResourceId(u), nil
}

// NewGatewayId parses a string UUID into a GatewayId.
func NewGatewayId(s string) (GatewayId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return GatewayId{}, fmt.Errorf("parsing gateway id %q: %w", s, err)
	}
	return GatewayId(u), nil
}

// NewClientId parses a string UUID into a ClientId.
func NewClientId(s string) (ClientId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ClientId{}, fmt.Errorf("parsing client id %q: %w", s, err)
	}
	return ClientId(u), nil
}

func (r ResourceId) String() string { return uuid.UUID(r).String() }
func (g GatewayId) String() string  { return uuid.UUID(g).String() }
func (c ClientId) String() string   { return uuid.UUID(c).String() }

func (r ResourceId) MarshalJSON() ([]byte, error) { return json.Marshal(r.String()) }
func (g GatewayId) MarshalJSON() ([]byte, error)  { return json.Marshal(g.String()) }
func (c ClientId) MarshalJSON() ([]byte, error)   { return json.Marshal(c.String()) }

func (r *ResourceId) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	id, err := NewResourceId(s)
	if err != nil {
		return err
	}
	*r = id
	return nil
}

func (g *GatewayId) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	id, err := NewGatewayId(s)
	if err != nil {
		return err
	}
	*g = id
	return nil
}

func (c *ClientId) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	id, err := NewClientId(s)
	if err != nil {
		return err
	}
	*c = id
	return nil
}
