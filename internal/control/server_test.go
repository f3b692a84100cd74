package control

import (
	"path/filepath"
	"testing"
)

func TestServer_StartStopFetchStatus(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "test.sock")

	provider := func() Status {
		return Status{
			Device:            "test-device",
			Interface:         "tun0",
			ServerURL:         "wss://portal.example.com/client/websocket",
			UptimeSeconds:     42.5,
			ConnectedGateways: 1,
			Resources: []ResourceStatus{
				{ID: "res-1", Name: "home-network", Kind: "cidr", Address: "192.168.1.0/24"},
			},
		}
	}

	srv := NewServer(socketPath, provider, nil)

	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer srv.Stop()

	status, err := FetchStatus(socketPath)
	if err != nil {
		t.Fatalf("FetchStatus() error: %v", err)
	}

	if status.Device != "test-device" {
		t.Errorf("Device = %q, want %q", status.Device, "test-device")
	}
	if status.Interface != "tun0" {
		t.Errorf("Interface = %q, want %q", status.Interface, "tun0")
	}
	if status.ConnectedGateways != 1 {
		t.Errorf("ConnectedGateways = %d, want 1", status.ConnectedGateways)
	}
	if len(status.Resources) != 1 {
		t.Fatalf("len(Resources) = %d, want 1", len(status.Resources))
	}
	if status.Resources[0].ID != "res-1" {
		t.Errorf("Resources[0].ID = %q, want %q", status.Resources[0].ID, "res-1")
	}
	if status.Resources[0].Kind != "cidr" {
		t.Errorf("Resources[0].Kind = %q, want %q", status.Resources[0].Kind, "cidr")
	}
}

func TestFetchStatus_NoServer(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "nonexistent.sock")

	_, err := FetchStatus(socketPath)
	if err == nil {
		t.Fatal("expected error when server is not running, got nil")
	}
}
