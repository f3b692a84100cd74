// Package protocol defines the control-plane wire messages exchanged
// between the tunnel core and the portal's signaling channel.
//
// All messages are JSON-encoded with a "type" discriminator field, following
// the same two-pass marshal/unmarshal scheme bamgate's peer-mesh protocol
// used — but the message set itself is generalized from a flat peer mesh to
// the client/gateway/resource model: instead of peers announcing themselves
// to each other, the client asks the portal to broker a connection to a
// resource, and the portal relays the gateway's SDP answer back tagged with
// a reference so replies can be correlated to the request that caused them.
package protocol

import (
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/kuuji/ztcore/internal/ids"
)

// Reference is an opaque token echoed back by the portal on replies to a
// request, carried in the wire envelope's "ref" field alongside "type".
type Reference string

// Message is implemented by every ingress (portal -> client) message type.
type Message interface {
	MessageType() string
}

// EgressMessage is implemented by every egress (client -> portal) message type.
type EgressMessage interface {
	EgressType() string
}

// DnsServer identifies an upstream resolver the tunnel forwards queries to
// when they don't match a managed DNS resource.
type DnsServer struct {
	Address netip.AddrPort `json:"address"`
}

// InterfaceConfig is the portal-supplied tunnel interface configuration
// delivered with Init.
type InterfaceConfig struct {
	Ipv4        netip.Addr  `json:"ipv4"`
	Ipv6        netip.Addr  `json:"ipv6"`
	UpstreamDNS []DnsServer `json:"upstreamDns,omitempty"`
}

// ResourceKind discriminates the ResourceDescription tagged union.
type ResourceKind string

const (
	ResourceKindCidr ResourceKind = "cidr"
	ResourceKindDns  ResourceKind = "dns"
)

// ResourceDescription is the tagged union of a Cidr resource (a routed
// subnet) and a Dns resource (a name pattern resolved and proxied through a
// gateway). Exactly one of CidrAddress / DnsAddress is meaningful, selected
// by Kind.
type ResourceDescription struct {
	Kind        ResourceKind
	Id          ids.ResourceId
	Name        string
	CidrAddress netip.Prefix // set when Kind == ResourceKindCidr

	// DnsAddress is a name pattern: exact ("baz.com"), single-label
	// wildcard ("?.foo.com"), or multi-label wildcard ("*.foo.com"). Set
	// when Kind == ResourceKindDns.
	DnsAddress string
}

type resourceWire struct {
	Type    string         `json:"type"`
	Id      ids.ResourceId `json:"id"`
	Name    string         `json:"name"`
	Address string         `json:"address"`
}

func (r ResourceDescription) MarshalJSON() ([]byte, error) {
	w := resourceWire{Id: r.Id, Name: r.Name}
	switch r.Kind {
	case ResourceKindCidr:
		w.Type = "cidr"
		w.Address = r.CidrAddress.String()
	case ResourceKindDns:
		w.Type = "dns"
		w.Address = r.DnsAddress
	default:
		return nil, fmt.Errorf("resource %s: unknown kind %q", r.Id, r.Kind)
	}
	return json.Marshal(w)
}

func (r *ResourceDescription) UnmarshalJSON(b []byte) error {
	var w resourceWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	r.Id = w.Id
	r.Name = w.Name
	switch w.Type {
	case "cidr":
		r.Kind = ResourceKindCidr
		prefix, err := netip.ParsePrefix(w.Address)
		if err != nil {
			return fmt.Errorf("resource %s: parsing cidr address %q: %w", w.Id, w.Address, err)
		}
		r.CidrAddress = prefix
	case "dns":
		r.Kind = ResourceKindDns
		r.DnsAddress = w.Address
	default:
		return fmt.Errorf("resource %s: unknown resource type %q", w.Id, w.Type)
	}
	return nil
}

// Relay describes a STUN or TURN server the gateway offered for ICE
// connectivity, delivered with ConnectionDetails.
type Relay struct {
	Type     string `json:"type"` // "stun" or "turn"
	Addr     string `json:"addr"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Realm    string `json:"realm,omitempty"`
}

// DomainResponse carries the gateway's resolved addresses for a DNS
// resource, delivered once the gateway has resolved the name on the
// client's behalf.
type DomainResponse struct {
	Domain    string       `json:"domain"`
	Addresses []netip.Addr `json:"addresses"`
}

// --- Ingress messages (portal -> client) ---

// InitMessage carries the interface configuration and the resource set the
// client is authorized to reach. Only the first Init is applied; subsequent
// Inits are logged and ignored.
type InitMessage struct {
	Interface InterfaceConfig       `json:"interface"`
	Resources []ResourceDescription `json:"resources"`
}

func (InitMessage) MessageType() string { return "init" }

// ConfigChangedMessage is reserved; currently a no-op on receipt.
type ConfigChangedMessage struct {
	Config json.RawMessage `json:"config"`
}

func (ConfigChangedMessage) MessageType() string { return "config_changed" }

// ConnectionDetailsMessage is the portal's reply to a PrepareConnection
// intent, naming the gateway to connect to and its relay candidates.
type ConnectionDetailsMessage struct {
	GatewayId  ids.GatewayId  `json:"gatewayId"`
	ResourceId ids.ResourceId `json:"resourceId"`
	Relays     []Relay        `json:"relays"`
}

func (ConnectionDetailsMessage) MessageType() string { return "connection_details" }

// GatewayPayloadKind discriminates the Connect message's embedded payload.
type GatewayPayloadKind string

const (
	GatewayPayloadConnectionAccepted GatewayPayloadKind = "connection_accepted"
	GatewayPayloadResourceAccepted   GatewayPayloadKind = "resource_accepted"
)

// ConnectMessage carries the gateway's answer to a connection request. When
// Kind is connection_accepted, AnswerSDP is the gateway's SDP answer for a
// brand new peer connection. When Kind is resource_accepted, the gateway
// reused an existing connection and only resolved a domain for it, so
// AnswerSDP is empty.
type ConnectMessage struct {
	ResourceId       ids.ResourceId
	GatewayPublicKey string
	Kind             GatewayPayloadKind
	AnswerSDP        string
	DomainResponse   *DomainResponse
}

type connectWire struct {
	ResourceId       ids.ResourceId `json:"resourceId"`
	GatewayPublicKey string         `json:"gatewayPublicKey"`
	GatewayPayload   struct {
		Type           string          `json:"type"`
		SDP            string          `json:"sdp,omitempty"`
		DomainResponse *DomainResponse `json:"domainResponse,omitempty"`
	} `json:"gatewayPayload"`
}

func (m ConnectMessage) MarshalJSON() ([]byte, error) {
	w := connectWire{ResourceId: m.ResourceId, GatewayPublicKey: m.GatewayPublicKey}
	w.GatewayPayload.Type = string(m.Kind)
	w.GatewayPayload.SDP = m.AnswerSDP
	w.GatewayPayload.DomainResponse = m.DomainResponse
	return json.Marshal(w)
}

func (m *ConnectMessage) UnmarshalJSON(b []byte) error {
	var w connectWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	m.ResourceId = w.ResourceId
	m.GatewayPublicKey = w.GatewayPublicKey
	m.Kind = GatewayPayloadKind(w.GatewayPayload.Type)
	m.AnswerSDP = w.GatewayPayload.SDP
	m.DomainResponse = w.GatewayPayload.DomainResponse
	return nil
}

func (ConnectMessage) MessageType() string { return "connect" }

// IceCandidatesMessage carries trickled ICE candidates from a gateway.
type IceCandidatesMessage struct {
	GatewayId  ids.GatewayId `json:"gatewayId"`
	Candidates []string      `json:"candidates"`
}

func (IceCandidatesMessage) MessageType() string { return "ice_candidates" }

// ResourceCreatedOrUpdatedMessage inserts or updates a resource.
type ResourceCreatedOrUpdatedMessage struct {
	Resource ResourceDescription `json:"resource"`
}

func (ResourceCreatedOrUpdatedMessage) MessageType() string { return "resource_created_or_updated" }

// ResourceDeletedMessage removes a resource and tears down peers using it.
type ResourceDeletedMessage struct {
	Id ids.ResourceId `json:"id"`
}

func (ResourceDeletedMessage) MessageType() string { return "resource_deleted" }

// SignedLogUrlMessage asks the client to roll and upload its log file to a
// pre-signed URL.
type SignedLogUrlMessage struct {
	Url string `json:"url"`
}

func (SignedLogUrlMessage) MessageType() string { return "signed_log_url" }

// messageTypes maps wire-format "type" discriminators to factory functions
// that produce zero-value pointers of the corresponding message type.
var messageTypes = map[string]func() Message{
	"init":                        func() Message { return &InitMessage{} },
	"config_changed":              func() Message { return &ConfigChangedMessage{} },
	"connection_details":          func() Message { return &ConnectionDetailsMessage{} },
	"connect":                     func() Message { return &ConnectMessage{} },
	"ice_candidates":              func() Message { return &IceCandidatesMessage{} },
	"resource_created_or_updated": func() Message { return &ResourceCreatedOrUpdatedMessage{} },
	"resource_deleted":            func() Message { return &ResourceDeletedMessage{} },
	"signed_log_url":              func() Message { return &SignedLogUrlMessage{} },
}

// Envelope wraps an ingress message with the channel reference it arrived
// with, if any.
type Envelope struct {
	Message   Message
	Reference Reference
}

// Unmarshal decodes a JSON ingress frame, using its "type" field to select
// the concrete Message type and its "ref" field (if present) as the
// envelope's Reference.
func Unmarshal(data []byte) (Envelope, error) {
	var env struct {
		Type string `json:"type"`
		Ref  string `json:"ref,omitempty"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding message envelope: %w", err)
	}

	factory, ok := messageTypes[env.Type]
	if !ok {
		return Envelope{}, fmt.Errorf("unknown message type: %q", env.Type)
	}

	msg := factory()
	if err := json.Unmarshal(data, msg); err != nil {
		return Envelope{}, fmt.Errorf("decoding %q message: %w", env.Type, err)
	}

	return Envelope{Message: msg, Reference: Reference(env.Ref)}, nil
}

// --- Egress messages (client -> portal) ---

// RequestConnectionMessage asks the portal to broker a brand-new connection
// to a gateway for a resource. Sent with ref set to the resource id.
type RequestConnectionMessage struct {
	ResourceId ids.ResourceId `json:"resourceId"`
	GatewayId  ids.GatewayId  `json:"gatewayId"`
	OfferSDP   string         `json:"offerSdp"`
}

func (RequestConnectionMessage) EgressType() string { return "request_connection" }

// ReuseConnectionMessage asks the portal to reuse an existing gateway
// connection for a (possibly different) resource. Sent with ref set to the
// resource id.
type ReuseConnectionMessage struct {
	ResourceId ids.ResourceId `json:"resourceId"`
	GatewayId  ids.GatewayId  `json:"gatewayId"`
}

func (ReuseConnectionMessage) EgressType() string { return "reuse_connection" }

// BroadcastIceCandidatesMessage relays locally-gathered ICE candidates to
// one or more gateways.
type BroadcastIceCandidatesMessage struct {
	GatewayIds []ids.GatewayId `json:"gatewayIds"`
	Candidates []string        `json:"candidates"`
}

func (BroadcastIceCandidatesMessage) EgressType() string { return "broadcast_ice_candidates" }

// PrepareConnectionMessage signals intent to connect to a resource, asking
// the portal to select (or confirm) a gateway. Sent with ref set to the
// resource id.
type PrepareConnectionMessage struct {
	ResourceId          ids.ResourceId  `json:"resourceId"`
	ConnectedGatewayIds []ids.GatewayId `json:"connectedGatewayIds"`
}

func (PrepareConnectionMessage) EgressType() string { return "prepare_connection" }

// CreateLogSinkMessage asks the portal for a signed log upload URL.
type CreateLogSinkMessage struct{}

func (CreateLogSinkMessage) EgressType() string { return "create_log_sink" }

// MarshalEgress serializes an egress message, injecting its "type"
// discriminator and an optional "ref" field, the way Unmarshal on the ingress
// side expects to find them.
func MarshalEgress(msg EgressMessage, ref Reference) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message payload: %w", err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("re-decoding message payload: %w", err)
	}

	typeBytes, err := json.Marshal(msg.EgressType())
	if err != nil {
		return nil, fmt.Errorf("marshaling message type: %w", err)
	}
	obj["type"] = typeBytes

	if ref != "" {
		refBytes, err := json.Marshal(string(ref))
		if err != nil {
			return nil, fmt.Errorf("marshaling message ref: %w", err)
		}
		obj["ref"] = refBytes
	}

	return json.Marshal(obj)
}

// --- Channel-level errors ---

// ChannelErrorKind enumerates the fatal/transient error classes the portal
// can signal out-of-band (via a channel reply error, not a typed message).
type ChannelErrorKind int

const (
	// ErrorOffline means the referenced resource has no online gateways or
	// relays; recover by cleaning up that resource's connection.
	ErrorOffline ChannelErrorKind = iota
	// ErrorUnmatchedTopic means the client's topic subscription is stale;
	// recover by rejoining.
	ErrorUnmatchedTopic
	// ErrorTokenExpired is fatal: the portal requires a fresh token.
	ErrorTokenExpired
	// ErrorClosedByPortal is fatal: the portal closed the channel.
	ErrorClosedByPortal
)

// ChannelError is a typed channel-level error, optionally carrying the
// reference of the request that triggered it.
type ChannelError struct {
	Kind      ChannelErrorKind
	Reference Reference
	Topic     string
}

func (e ChannelError) Error() string {
	switch e.Kind {
	case ErrorOffline:
		return fmt.Sprintf("resource offline (ref=%s)", e.Reference)
	case ErrorUnmatchedTopic:
		return fmt.Sprintf("unmatched topic %q", e.Topic)
	case ErrorTokenExpired:
		return "token expired"
	case ErrorClosedByPortal:
		return "closed by portal"
	default:
		return "unknown channel error"
	}
}

// IsFatal reports whether the error should surface to the embedding process
// as fatal rather than trigger an internal recovery (Offline, UnmatchedTopic).
func (e ChannelError) IsFatal() bool {
	return e.Kind == ErrorTokenExpired || e.Kind == ErrorClosedByPortal
}
