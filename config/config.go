// Package config loads node bootstrap configuration, mirroring the
// teacher's viper-backed host-agent config: file source plus environment
// overrides, unmarshalled into a plain struct and validated once.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// NodeConfig configures a Play or Api node process. Transport and protocol
// tunables double as sender.Services/session.Session knobs; NodeID/Peers
// configure the S2S fabric.
type NodeConfig struct {
	NodeID string `mapstructure:"node_id" yaml:"node_id"`
	Listen string `mapstructure:"listen" yaml:"listen"`

	// S2sListen is the address this node's S2S transport accepts peer
	// links on, separate from Listen (client-facing).
	S2sListen string `mapstructure:"s2s_listen" yaml:"s2s_listen"`

	// Peers lists every other node's id and S2S dial address, e.g.
	// "play-2=10.0.0.2:9100". The local node is never listed.
	Peers []string `mapstructure:"peers" yaml:"peers"`

	// ApiServiceID, when non-zero, is the ServiceId this node advertises
	// to peers as an Api controller host (0 means "this node hosts no Api
	// services").
	ApiServiceID int `mapstructure:"api_service_id" yaml:"api_service_id"`

	// ApiServices statically maps other ServiceIds to the node hosting them,
	// e.g. "42=api-2", populating this node's router.ServiceDirectory at
	// boot. Service discovery proper is an external collaborator; this is
	// the same static-mapping assumption Peers makes for node addresses.
	ApiServices []string `mapstructure:"api_services" yaml:"api_services"`

	UseWebsocket                    bool   `mapstructure:"use_websocket" yaml:"use_websocket"`
	UseSsl                          bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
	WebSocketPath                   string `mapstructure:"web_socket_path" yaml:"web_socket_path"`
	SkipServerCertificateValidation bool   `mapstructure:"skip_server_certificate_validation" yaml:"skip_server_certificate_validation"`

	ConnectionIdleTimeoutMs int `mapstructure:"connection_idle_timeout_ms" yaml:"connection_idle_timeout_ms"`
	HeartbeatIntervalMs     int `mapstructure:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs      int `mapstructure:"heartbeat_timeout_ms" yaml:"heartbeat_timeout_ms"`
	RequestTimeoutMs        int `mapstructure:"request_timeout_ms" yaml:"request_timeout_ms"`

	SendBufferSize            int `mapstructure:"send_buffer_size" yaml:"send_buffer_size"`
	ReceiveBufferSize         int `mapstructure:"receive_buffer_size" yaml:"receive_buffer_size"`
	MaxPacketSize             int `mapstructure:"max_packet_size" yaml:"max_packet_size"`
	CompressionThresholdBytes int `mapstructure:"compression_threshold_bytes" yaml:"compression_threshold_bytes"`

	AuthenticateMessageID string `mapstructure:"authenticate_message_id" yaml:"authenticate_message_id"`
	DefaultStageType      string `mapstructure:"default_stage_type" yaml:"default_stage_type"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// HeartbeatInterval returns HeartbeatIntervalMs as a time.Duration.
func (c *NodeConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// HeartbeatTimeout returns HeartbeatTimeoutMs as a time.Duration.
func (c *NodeConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMs) * time.Millisecond
}

// ConnectionIdleTimeout returns ConnectionIdleTimeoutMs as a time.Duration.
func (c *NodeConfig) ConnectionIdleTimeout() time.Duration {
	return time.Duration(c.ConnectionIdleTimeoutMs) * time.Millisecond
}

// RequestTimeout returns RequestTimeoutMs as a time.Duration.
func (c *NodeConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// Load reads configuration from configPath (YAML/JSON/TOML, anything viper
// recognizes), applying defaults and PLAYHOUSE_-prefixed environment
// overrides. An empty configPath relies on env vars and defaults alone.
func Load(configPath string) (*NodeConfig, error) {
	v := viper.New()

	v.SetDefault("listen", ":9000")
	v.SetDefault("s2s_listen", ":9100")
	v.SetDefault("use_websocket", false)
	v.SetDefault("use_ssl", false)
	v.SetDefault("web_socket_path", "/ws")
	v.SetDefault("connection_idle_timeout_ms", 60_000)
	v.SetDefault("heartbeat_interval_ms", 15_000)
	v.SetDefault("heartbeat_timeout_ms", 45_000)
	v.SetDefault("request_timeout_ms", 5_000)
	v.SetDefault("send_buffer_size", 256)
	v.SetDefault("receive_buffer_size", 256)
	v.SetDefault("max_packet_size", 1<<20)
	v.SetDefault("compression_threshold_bytes", 1024)
	v.SetDefault("authenticate_message_id", "Authenticate")
	v.SetDefault("default_stage_type", "lobby")
	v.SetDefault("log_level", "info")

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	v.SetEnvPrefix("PLAYHOUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(*os.PathError); !ok {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg NodeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// Validate checks the fields Load cannot default its way around.
func (c *NodeConfig) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.S2sListen == "" {
		return fmt.Errorf("s2s_listen is required")
	}
	if c.HeartbeatTimeoutMs <= c.HeartbeatIntervalMs {
		return fmt.Errorf("heartbeat_timeout_ms (%d) must exceed heartbeat_interval_ms (%d)",
			c.HeartbeatTimeoutMs, c.HeartbeatIntervalMs)
	}
	if c.MaxPacketSize <= 0 {
		return fmt.Errorf("max_packet_size must be positive")
	}
	return nil
}

// PeerAddr parses one "nodeId=host:port" entry from Peers.
func PeerAddr(entry string) (nodeID, addr string, err error) {
	i := strings.IndexByte(entry, '=')
	if i < 0 {
		return "", "", fmt.Errorf("peer entry %q missing '=' separator", entry)
	}
	return entry[:i], entry[i+1:], nil
}

// ServiceBinding parses one "serviceId=nodeId" entry from ApiServices.
func ServiceBinding(entry string) (serviceID uint16, nodeID string, err error) {
	i := strings.IndexByte(entry, '=')
	if i < 0 {
		return 0, "", fmt.Errorf("api service entry %q missing '=' separator", entry)
	}
	id, err := strconv.ParseUint(entry[:i], 10, 16)
	if err != nil {
		return 0, "", fmt.Errorf("api service entry %q has non-numeric service id: %w", entry, err)
	}
	return uint16(id), entry[i+1:], nil
}
