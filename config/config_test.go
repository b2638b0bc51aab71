package config

import "testing"

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("PLAYHOUSE_NODE_ID", "play-1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NodeID != "play-1" {
		t.Errorf("NodeID = %q, want play-1", cfg.NodeID)
	}
	if cfg.Listen != ":9000" {
		t.Errorf("Listen = %q, want :9000", cfg.Listen)
	}
	if cfg.MaxPacketSize != 1<<20 {
		t.Errorf("MaxPacketSize = %d, want 1MiB", cfg.MaxPacketSize)
	}
	if cfg.HeartbeatInterval().Seconds() != 15 {
		t.Errorf("HeartbeatInterval = %v, want 15s", cfg.HeartbeatInterval())
	}
}

func TestValidateRejectsMissingNodeID(t *testing.T) {
	cfg := &NodeConfig{Listen: ":9000", HeartbeatIntervalMs: 1000, HeartbeatTimeoutMs: 3000, MaxPacketSize: 1024}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for missing node_id")
	}
}

func TestValidateRejectsHeartbeatTimeoutNotExceedingInterval(t *testing.T) {
	cfg := &NodeConfig{NodeID: "n", Listen: ":9000", S2sListen: ":9100", HeartbeatIntervalMs: 3000, HeartbeatTimeoutMs: 3000, MaxPacketSize: 1024}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for heartbeat_timeout_ms <= heartbeat_interval_ms")
	}
}

func TestPeerAddrParsesNodeIDAndAddress(t *testing.T) {
	nodeID, addr, err := PeerAddr("play-2=10.0.0.2:9100")
	if err != nil {
		t.Fatalf("PeerAddr: %v", err)
	}
	if nodeID != "play-2" || addr != "10.0.0.2:9100" {
		t.Errorf("got nodeID=%q addr=%q", nodeID, addr)
	}
}

func TestPeerAddrRejectsMissingSeparator(t *testing.T) {
	if _, _, err := PeerAddr("play-2"); err == nil {
		t.Error("PeerAddr() = nil error, want error for missing '='")
	}
}

func TestServiceBindingParsesIDAndNode(t *testing.T) {
	serviceID, nodeID, err := ServiceBinding("42=api-2")
	if err != nil {
		t.Fatalf("ServiceBinding: %v", err)
	}
	if serviceID != 42 || nodeID != "api-2" {
		t.Errorf("got serviceID=%d nodeID=%q", serviceID, nodeID)
	}
}

func TestServiceBindingRejectsNonNumericID(t *testing.T) {
	if _, _, err := ServiceBinding("x=api-2"); err == nil {
		t.Error("ServiceBinding() = nil error, want error for non-numeric service id")
	}
}

func TestLoadGeneratesNodeIDWhenUnset(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NodeID == "" {
		t.Error("NodeID should be auto-generated when unset")
	}
}
