package protocol

import (
	"encoding/json"
	"net/netip"
	"strings"
	"testing"

	"github.com/kuuji/ztcore/internal/ids"
)

func TestUnmarshal_Init(t *testing.T) {
	t.Parallel()

	resID := mustResourceID(t, "7a1c0000-0000-4000-8000-000000000001")
	data, err := json.Marshal(map[string]any{
		"type": "init",
		"ref":  "ref-1",
		"interface": map[string]any{
			"ipv4": "100.64.0.1",
			"ipv6": "fd00::1",
		},
		"resources": []any{
			map[string]any{
				"type":    "cidr",
				"id":      resID.String(),
				"name":    "internal-net",
				"address": "10.0.0.0/24",
			},
		},
	})
	if err != nil {
		t.Fatalf("marshaling fixture: %v", err)
	}

	env, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if env.Reference != "ref-1" {
		t.Errorf("Reference = %q, want %q", env.Reference, "ref-1")
	}

	init, ok := env.Message.(*InitMessage)
	if !ok {
		t.Fatalf("expected *InitMessage, got %T", env.Message)
	}
	if init.Interface.Ipv4 != netip.MustParseAddr("100.64.0.1") {
		t.Errorf("Ipv4 = %v", init.Interface.Ipv4)
	}
	if len(init.Resources) != 1 || init.Resources[0].Kind != ResourceKindCidr {
		t.Fatalf("unexpected resources: %+v", init.Resources)
	}
	if init.Resources[0].CidrAddress.String() != "10.0.0.0/24" {
		t.Errorf("CidrAddress = %v", init.Resources[0].CidrAddress)
	}
}

func TestUnmarshal_UnknownType(t *testing.T) {
	t.Parallel()

	_, err := Unmarshal([]byte(`{"type":"bogus"}`))
	if err == nil || !strings.Contains(err.Error(), "unknown message type") {
		t.Fatalf("err = %v, want unknown message type error", err)
	}
}

func TestUnmarshal_MalformedJSON(t *testing.T) {
	t.Parallel()

	_, err := Unmarshal([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestResourceDescription_RoundTrip(t *testing.T) {
	t.Parallel()

	cases := []ResourceDescription{
		{
			Kind:        ResourceKindCidr,
			Id:          mustResourceID(t, "7a1c0000-0000-4000-8000-000000000002"),
			Name:        "vpc",
			CidrAddress: netip.MustParsePrefix("192.168.1.0/24"),
		},
		{
			Kind:       ResourceKindDns,
			Id:         mustResourceID(t, "7a1c0000-0000-4000-8000-000000000003"),
			Name:       "internal-api",
			DnsAddress: "api.internal",
		},
	}

	for _, want := range cases {
		data, err := json.Marshal(want)
		if err != nil {
			t.Fatalf("Marshal() error: %v", err)
		}

		var got ResourceDescription
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal() error: %v", err)
		}

		if got.Kind != want.Kind || got.Id != want.Id || got.Name != want.Name {
			t.Errorf("round-trip mismatch: got %+v, want %+v", got, want)
		}
		if want.Kind == ResourceKindCidr && got.CidrAddress != want.CidrAddress {
			t.Errorf("CidrAddress mismatch: got %v, want %v", got.CidrAddress, want.CidrAddress)
		}
		if want.Kind == ResourceKindDns && got.DnsAddress != want.DnsAddress {
			t.Errorf("DnsAddress mismatch: got %v, want %v", got.DnsAddress, want.DnsAddress)
		}
	}
}

func TestConnectMessage_ConnectionAccepted_RoundTrip(t *testing.T) {
	t.Parallel()

	want := &ConnectMessage{
		ResourceId:       mustResourceID(t, "7a1c0000-0000-4000-8000-000000000004"),
		GatewayPublicKey: "abc123",
		Kind:             GatewayPayloadConnectionAccepted,
		AnswerSDP:        "v=0\r\nanswer",
	}

	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	env, err := Unmarshal(injectType(t, data, "connect"))
	if err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}

	got, ok := env.Message.(*ConnectMessage)
	if !ok {
		t.Fatalf("expected *ConnectMessage, got %T", env.Message)
	}
	if got.Kind != GatewayPayloadConnectionAccepted || got.AnswerSDP != want.AnswerSDP {
		t.Errorf("round-trip mismatch: got %+v", got)
	}
}

func TestConnectMessage_ResourceAccepted_RoundTrip(t *testing.T) {
	t.Parallel()

	want := &ConnectMessage{
		ResourceId: mustResourceID(t, "7a1c0000-0000-4000-8000-000000000005"),
		Kind:       GatewayPayloadResourceAccepted,
		DomainResponse: &DomainResponse{
			Domain:    "api.internal",
			Addresses: []netip.Addr{netip.MustParseAddr("100.96.0.5")},
		},
	}

	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	env, err := Unmarshal(injectType(t, data, "connect"))
	if err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}

	got, ok := env.Message.(*ConnectMessage)
	if !ok {
		t.Fatalf("expected *ConnectMessage, got %T", env.Message)
	}
	if got.Kind != GatewayPayloadResourceAccepted || got.DomainResponse == nil {
		t.Fatalf("unexpected result: %+v", got)
	}
	if got.DomainResponse.Domain != "api.internal" {
		t.Errorf("Domain = %q", got.DomainResponse.Domain)
	}
}

// injectType adds a top-level "type" field to an already-marshaled message,
// mirroring what the portal actually sends on the wire.
func injectType(t *testing.T, data []byte, typ string) []byte {
	t.Helper()
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decoding fixture: %v", err)
	}
	typJSON, err := json.Marshal(typ)
	if err != nil {
		t.Fatalf("marshaling type: %v", err)
	}
	raw["type"] = typJSON
	out, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("re-marshaling fixture: %v", err)
	}
	return out
}

func mustResourceID(t *testing.T, s string) ids.ResourceId {
	t.Helper()
	id, err := ids.NewResourceId(s)
	if err != nil {
		t.Fatalf("NewResourceId(%q): %v", s, err)
	}
	return id
}

func mustGatewayID(t *testing.T, s string) ids.GatewayId {
	t.Helper()
	id, err := ids.NewGatewayId(s)
	if err != nil {
		t.Fatalf("NewGatewayId(%q): %v", s, err)
	}
	return id
}

func TestMarshalEgress_InjectsTypeAndRef(t *testing.T) {
	t.Parallel()

	msg := &RequestConnectionMessage{
		ResourceId: mustResourceID(t, "7a1c0000-0000-4000-8000-000000000006"),
		GatewayId:  mustGatewayID(t, "7a1c0000-0000-4000-8000-000000000007"),
		OfferSDP:   "v=0\r\noffer",
	}

	data, err := MarshalEgress(msg, Reference("ref-42"))
	if err != nil {
		t.Fatalf("MarshalEgress() error: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decoding output: %v", err)
	}

	var gotType string
	if err := json.Unmarshal(raw["type"], &gotType); err != nil {
		t.Fatalf("decoding type: %v", err)
	}
	if gotType != "request_connection" {
		t.Errorf("type = %q, want %q", gotType, "request_connection")
	}

	var gotRef string
	if err := json.Unmarshal(raw["ref"], &gotRef); err != nil {
		t.Fatalf("decoding ref: %v", err)
	}
	if gotRef != "ref-42" {
		t.Errorf("ref = %q, want %q", gotRef, "ref-42")
	}
}

func TestMarshalEgress_OmitsEmptyRef(t *testing.T) {
	t.Parallel()

	data, err := MarshalEgress(&CreateLogSinkMessage{}, "")
	if err != nil {
		t.Fatalf("MarshalEgress() error: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	if _, ok := raw["ref"]; ok {
		t.Error("expected no \"ref\" field when reference is empty")
	}
}

func TestChannelError_IsFatal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind  ChannelErrorKind
		fatal bool
	}{
		{ErrorOffline, false},
		{ErrorUnmatchedTopic, false},
		{ErrorTokenExpired, true},
		{ErrorClosedByPortal, true},
	}

	for _, tt := range tests {
		err := ChannelError{Kind: tt.kind, Topic: "client"}
		if got := err.IsFatal(); got != tt.fatal {
			t.Errorf("Kind=%v IsFatal() = %v, want %v", tt.kind, got, tt.fatal)
		}
		if err.Error() == "" {
			t.Errorf("Kind=%v Error() returned empty string", tt.kind)
		}
	}
}
