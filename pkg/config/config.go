// Package config loads the YAML configuration shared by the lockstep server
// and client binaries.
//
// A single file holds both a `server` and a `client` section. Anything left
// out of the file keeps its Default() value. Durations use Go syntax
// ("50ms", "2s").
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the reliable (TCP) port. The unreliable UDP socket listens
// on DefaultPort+1.
const DefaultPort uint16 = 23019

type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

type TransportKind string

const (
	TransportTCP          TransportKind = "tcp"
	TransportWebSocket    TransportKind = "websocket"
	TransportWebTransport TransportKind = "webtransport"
)

type Config struct {
	Environment Environment  `yaml:"environment"`
	Server      ServerConfig `yaml:"server"`
	Client      ClientConfig `yaml:"client"`
}

type ServerConfig struct {
	Address string `yaml:"address"`
	Port    uint16 `yaml:"port"`

	// Version must match the client's exactly or the client is refused.
	Version string `yaml:"version"`

	// Period is the simulation tick length.
	Period time.Duration `yaml:"period"`

	// MergeGrace is how long a due frame waits for stragglers before it is
	// merged with empty inputs in their place.
	MergeGrace time.Duration `yaml:"merge_grace"`

	// MaxConsecutiveMisses disconnects a playing client that failed to
	// report this many frames in a row. Zero disables the check.
	MaxConsecutiveMisses int `yaml:"max_consecutive_misses"`

	// InputLag shifts client input this many frames into the future.
	InputLag uint32 `yaml:"input_lag"`

	// CatchUpBatch is the number of frames per CatchUp packet.
	CatchUpBatch int `yaml:"catch_up_batch"`

	MaxClients int `yaml:"max_clients"`

	// MaxDecodeErrors disconnects a connection after this many consecutive
	// malformed reliable packets.
	MaxDecodeErrors int `yaml:"max_decode_errors"`

	// AuthTimeout drops connections that have not authenticated in time.
	AuthTimeout time.Duration `yaml:"auth_timeout"`

	// JoinTimeout drops clients that have not started playing this long
	// after authenticating.
	JoinTimeout time.Duration `yaml:"join_timeout"`

	// AlwaysRun advances frames even when nobody is playing. A virtual
	// client implies it.
	AlwaysRun bool `yaml:"always_run"`

	// VirtualClient, when set, is the name of the server-hosted player.
	VirtualClient string `yaml:"virtual_client"`

	// Compression for world snapshots: none, lz4 or zstd.
	Compression string `yaml:"compression"`

	// MagicNumber prefixes every packet. Zero means the built-in default.
	MagicNumber uint32 `yaml:"magic_number"`

	// UnauthenticatedRate limits unreliable packets per second from
	// sources not yet bound to a session.
	UnauthenticatedRate  float64 `yaml:"unauthenticated_rate"`
	UnauthenticatedBurst int     `yaml:"unauthenticated_burst"`

	Transport         TransportKind `yaml:"transport"`
	WebSocketEndpoint string        `yaml:"ws_endpoint"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	DeniedOrigins     []string      `yaml:"denied_origins"`
	CertPath          string        `yaml:"cert_path"`
	KeyPath           string        `yaml:"key_path"`
}

type ClientConfig struct {
	Address string `yaml:"address"`
	Port    uint16 `yaml:"port"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Heartbeat is how often handshake and stalled-input packets are
	// resent on the unreliable channel.
	Heartbeat time.Duration `yaml:"heartbeat"`

	// FrameBufferAdvance sets how far behind the client may fall before it
	// consumes more than one frame per poll.
	FrameBufferAdvance uint32 `yaml:"frame_buffer_advance"`

	// InputResend is how many recent inputs ride along with each Input
	// packet.
	InputResend int `yaml:"input_resend"`

	// MaxStall gives up after this long without a new frame. Zero waits
	// forever.
	MaxStall time.Duration `yaml:"max_stall"`

	MagicNumber uint32 `yaml:"magic_number"`

	Transport          TransportKind `yaml:"transport"`
	WebSocketEndpoint  string        `yaml:"ws_endpoint"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

func Default() *Config {
	return &Config{
		Environment: Development,
		Server: ServerConfig{
			Address:              "127.0.0.1",
			Port:                 DefaultPort,
			Version:              "1.0",
			Period:               50 * time.Millisecond,
			MergeGrace:           250 * time.Millisecond,
			MaxConsecutiveMisses: 40,
			InputLag:             2,
			CatchUpBatch:         32,
			MaxClients:           32,
			MaxDecodeErrors:      8,
			AuthTimeout:          10 * time.Second,
			JoinTimeout:          30 * time.Second,
			Compression:          "zstd",
			UnauthenticatedRate:  20,
			UnauthenticatedBurst: 10,
			Transport:            TransportTCP,
			WebSocketEndpoint:    "/lockstep",
		},
		Client: ClientConfig{
			Address:            "127.0.0.1",
			Port:               DefaultPort,
			Name:               "player",
			Version:            "1.0",
			Heartbeat:          250 * time.Millisecond,
			FrameBufferAdvance: 10,
			InputResend:        3,
			Transport:          TransportTCP,
			WebSocketEndpoint:  "/lockstep",
		},
	}
}

// LoadFile reads path on top of Default() and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	s := c.Server
	if s.Period <= 0 {
		errs = append(errs, errors.New("server.period must be positive"))
	}
	if s.MergeGrace < 0 {
		errs = append(errs, errors.New("server.merge_grace must not be negative"))
	}
	if s.CatchUpBatch <= 0 {
		errs = append(errs, errors.New("server.catch_up_batch must be positive"))
	}
	if s.AuthTimeout <= 0 {
		errs = append(errs, errors.New("server.auth_timeout must be positive"))
	}
	if s.JoinTimeout <= 0 {
		errs = append(errs, errors.New("server.join_timeout must be positive"))
	}
	if s.MaxClients <= 0 {
		errs = append(errs, errors.New("server.max_clients must be positive"))
	}
	if s.Port == 0 || s.Port == 65535 {
		errs = append(errs, fmt.Errorf("server.port %d leaves no room for the unreliable port", s.Port))
	}
	switch s.Compression {
	case "none", "lz4", "zstd":
	default:
		errs = append(errs, fmt.Errorf("server.compression %q is not one of none, lz4, zstd", s.Compression))
	}
	if err := validTransport("server", s.Transport); err != nil {
		errs = append(errs, err)
	}

	cl := c.Client
	if cl.Heartbeat <= 0 {
		errs = append(errs, errors.New("client.heartbeat must be positive"))
	}
	if cl.FrameBufferAdvance == 0 {
		errs = append(errs, errors.New("client.frame_buffer_advance must be positive"))
	}
	if cl.InputResend <= 0 {
		errs = append(errs, errors.New("client.input_resend must be positive"))
	}
	if cl.MaxStall < 0 {
		errs = append(errs, errors.New("client.max_stall must not be negative"))
	}
	if err := validTransport("client", cl.Transport); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func validTransport(section string, kind TransportKind) error {
	switch kind {
	case TransportTCP, TransportWebSocket, TransportWebTransport:
		return nil
	}
	return fmt.Errorf("%s.transport %q is not one of tcp, websocket, webtransport", section, kind)
}
