package config

import "time"

// Config holds all configuration for the transport core.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Pool    PoolConfig    `yaml:"pool"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	TLS     TLSConfig     `yaml:"tls"`
}

// PoolConfig holds the pool's admission bounds, keep-alive expiry and
// the protocols the pool is allowed to negotiate.
type PoolConfig struct {
	MaxConnections          int           `yaml:"max_connections"`
	MaxKeepaliveConnections int           `yaml:"max_keepalive_connections"`
	KeepaliveExpiry         time.Duration `yaml:"keepalive_expiry"`
	HTTP1                   bool          `yaml:"http1"`
	HTTP2                   bool          `yaml:"http2"`
	Retries                 int           `yaml:"retries"`
	UDS                     string        `yaml:"uds"`
	LocalAddress            string        `yaml:"local_address"`
}

// ProxyConfig holds the forward/tunnel proxy settings.
type ProxyConfig struct {
	URL      string            `yaml:"url"`
	Mode     string            `yaml:"mode"` // "forward" or "tunnel"
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Headers  map[string]string `yaml:"headers"`
}

// TLSConfig holds the defaults applied to TLS upgrades (direct https dials
// and CONNECT-tunnelled upgrades alike).
type TLSConfig struct {
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
	CAFile             string   `yaml:"ca_file"`
	CertFile           string   `yaml:"cert_file"`
	KeyFile            string   `yaml:"key_file"`
	ALPNProtocols      []string `yaml:"alpn_protocols"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	FileOutput bool   `yaml:"file_output"`
	LogDir     string `yaml:"log_dir"`
}
