// Package config loads and validates the nft-sync instance configuration.
//
// Configuration is HCL (or JSON, selected by file extension). Environment
// variables are available to HCL expressions as env.NAME:
//
//	mode      = ["server"]
//	protocol  = "tls"
//	rules_dir = "/etc/nft-sync/rules"
//
//	server {
//	  address = "0.0.0.0:7777"
//	  tls {
//	    cert = "${env.NFT_SYNC_PKI}/server.pem"
//	    key  = "${env.NFT_SYNC_PKI}/server-key.pem"
//	    ca   = "${env.NFT_SYNC_PKI}/ca.pem"
//	  }
//	}
//
// A Config is immutable once Load returns it.
package config

import (
	"net"
	"strconv"
	"time"

	"grimm.is/nftsync/internal/brand"
	"grimm.is/nftsync/internal/logging"
)

// CurrentSchemaVersion is the newest schema this package reads.
const CurrentSchemaVersion = "1.0"

const (
	ModeServer = "server"
	ModeClient = "client"

	ProtocolTCP = "tcp"
	ProtocolTLS = "tls"

	DefaultIdleTimeout    = "5m"
	DefaultConnectTimeout = "10s"
	DefaultRetries        = 3
)

// DefaultServerAddress listens on every address at the product's port.
var DefaultServerAddress = net.JoinHostPort("0.0.0.0", strconv.Itoa(brand.DefaultPort))

// Config is the top-level nft-sync configuration.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	Mode        []string `hcl:"mode,optional" json:"mode"`
	Protocol    string   `hcl:"protocol,optional" json:"protocol"`
	RulesDir    string   `hcl:"rules_dir,optional" json:"rules_dir,omitempty"`
	StateDir    string   `hcl:"state_dir,optional" json:"state_dir,omitempty"` // Apply journal directory; defaults to the product state dir
	IdleTimeout string   `hcl:"idle_timeout,optional" json:"idle_timeout,omitempty"`

	Log     *LogConfig     `hcl:"log,block" json:"log,omitempty"`
	Server  *ServerConfig  `hcl:"server,block" json:"server,omitempty"`
	Client  *ClientConfig  `hcl:"client,block" json:"client,omitempty"`
	Metrics *MetricsConfig `hcl:"metrics,block" json:"metrics,omitempty"`

	idleTimeout time.Duration
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string        `hcl:"level,optional" json:"level,omitempty"`
	JSON   bool          `hcl:"json,optional" json:"json,omitempty"`
	File   string        `hcl:"file,optional" json:"file,omitempty"`
	Syslog *SyslogConfig `hcl:"syslog,block" json:"syslog,omitempty"`
}

// SyslogConfig forwards log records to a remote syslog server.
type SyslogConfig struct {
	Host     string `hcl:"host" json:"host"`
	Port     int    `hcl:"port,optional" json:"port,omitempty"`
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"` // udp or tcp
	Tag      string `hcl:"tag,optional" json:"tag,omitempty"`
}

// TLSConfig names PEM files for mutual TLS.
type TLSConfig struct {
	Cert       string `hcl:"cert" json:"cert"`
	Key        string `hcl:"key" json:"key"`
	CA         string `hcl:"ca" json:"ca"`
	ServerName string `hcl:"server_name,optional" json:"server_name,omitempty"` // client only
}

// ServerConfig is the listening side.
type ServerConfig struct {
	Address   string     `hcl:"address,optional" json:"address,omitempty"`
	Interface string     `hcl:"interface,optional" json:"interface,omitempty"` // Bind to this link's first IPv4 address, port from Address
	FreeBind  bool       `hcl:"freebind,optional" json:"freebind,omitempty"`
	NetNS     string     `hcl:"netns,optional" json:"netns,omitempty"`           // Named netns for the kernel channel
	RateLimit int        `hcl:"rate_limit,optional" json:"rate_limit,omitempty"` // Sessions per source address per minute; 0 disables
	MaxConns  int        `hcl:"max_connections,optional" json:"max_connections,omitempty"`
	TLS       *TLSConfig `hcl:"tls,block" json:"tls,omitempty"`
}

// ClientConfig is the connecting side.
type ClientConfig struct {
	Address        string     `hcl:"address" json:"address"`
	ConnectTimeout string     `hcl:"connect_timeout,optional" json:"connect_timeout,omitempty"`
	Retries        *int       `hcl:"retries,optional" json:"retries,omitempty"`
	OutputDir      string     `hcl:"output_dir,optional" json:"output_dir,omitempty"` // FETCH writes files here instead of stdout
	TLS            *TLSConfig `hcl:"tls,block" json:"tls,omitempty"`

	connectTimeout time.Duration
}

// MetricsConfig exposes Prometheus metrics over HTTP.
type MetricsConfig struct {
	Listen string `hcl:"listen" json:"listen"`
}

// IsServer reports whether server mode is enabled.
func (c *Config) IsServer() bool { return c.hasMode(ModeServer) }

// IsClient reports whether client mode is enabled.
func (c *Config) IsClient() bool { return c.hasMode(ModeClient) }

func (c *Config) hasMode(m string) bool {
	for _, v := range c.Mode {
		if v == m {
			return true
		}
	}
	return false
}

// UseTLS reports whether connections use mutual TLS.
func (c *Config) UseTLS() bool { return c.Protocol == ProtocolTLS }

// IdleTimeoutDuration returns the parsed idle timeout. Zero disables reaping.
func (c *Config) IdleTimeoutDuration() time.Duration { return c.idleTimeout }

// ConnectTimeoutDuration returns the parsed connect timeout.
func (c *ClientConfig) ConnectTimeoutDuration() time.Duration { return c.connectTimeout }

// RetryCount returns the number of reconnect attempts after the first.
func (c *ClientConfig) RetryCount() int {
	if c.Retries == nil {
		return DefaultRetries
	}
	return *c.Retries
}

// LogTarget converts the log block into a logging target.
func (c *Config) LogTarget() (logging.Target, error) {
	t := logging.Target{Level: logging.LevelInfo, Syslog: logging.DefaultSyslogConfig()}
	if c.Log == nil {
		return t, nil
	}
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return t, err
	}
	t.Level = level
	t.JSON = c.Log.JSON
	t.File = c.Log.File
	if s := c.Log.Syslog; s != nil {
		t.Syslog.Enabled = true
		t.Syslog.Host = s.Host
		if s.Port != 0 {
			t.Syslog.Port = s.Port
		}
		if s.Protocol != "" {
			t.Syslog.Protocol = s.Protocol
		}
		if s.Tag != "" {
			t.Syslog.Tag = s.Tag
		}
	}
	return t, nil
}

// Defaults fills unset fields with their default values.
func (c *Config) Defaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.Protocol == "" {
		c.Protocol = ProtocolTLS
	}
	if c.IdleTimeout == "" {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.IsServer() {
		if c.Server == nil {
			c.Server = &ServerConfig{}
		}
		if c.Server.Address == "" {
			c.Server.Address = DefaultServerAddress
		}
		if c.StateDir == "" {
			c.StateDir = brand.GetStateDir()
		}
	}
	if c.Client != nil && c.Client.ConnectTimeout == "" {
		c.Client.ConnectTimeout = DefaultConnectTimeout
	}
}
