package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/raptorbox/raptor-broker/internal/policy"
)

type Config struct {
	// TCP Address optionally specifies the TCP address for the server to listen on,
	// in the form "host:port". If empty, and no other network protocol is used, ":1883" is used.
	TCP struct {
		Address string `json:"address" yaml:"address" toml:"address"`
	} `json:"tcp" yaml:"tcp" toml:"tcp"`

	// TLS Address optionally specifies an address for the server to listen on for TLS connections,
	// in the form "host:port". If empty, TLS is not used.
	TLS struct {
		Address string `json:"address" yaml:"address" toml:"address"`
		KeyPair `yaml:",inline"`
	} `json:"tls" yaml:"tls" toml:"tls"`

	// WS Address optionally specifies an address for the server to listen on for Websocket connections,
	// in the form "host:port". If empty, Websocket is not used.
	WS struct {
		Address     string `json:"address" yaml:"address" toml:"address"`
		CheckOrigin bool   `json:"check_origin" yaml:"check_origin" toml:"check_origin"`
	} `json:"ws" yaml:"ws" toml:"ws"`

	// WSS Address optionally specifies an address for the server to listen on for Secure Websocket connections,
	// in the form "host:port". If empty, Secure Websocket is not used.
	WSS struct {
		Address     string `json:"address" yaml:"address" toml:"address"`
		CheckOrigin bool   `json:"check_origin" yaml:"check_origin" toml:"check_origin"`
		KeyPair     `yaml:",inline"`
	} `json:"wss" yaml:"wss" toml:"wss"`

	// Log configures optional log output file as well as the log level setting.
	Log struct {
		File  string `json:"file" yaml:"file" toml:"file"`
		Level string `json:"level" yaml:"level" toml:"level"`
	} `json:"log" yaml:"log" toml:"log"`

	MQTT struct {
		// Time allowed between accepting a connection and receiving its CONNECT packet. Default 30s.
		ConnectTimeout Duration `json:"connect_timeout" yaml:"connect_timeout" toml:"connect_timeout"`
		// Outbound messages buffered per client before further messages are dropped. Default 1024.
		MaxInflight int `json:"max_inflight" yaml:"max_inflight" toml:"max_inflight"`
		// Largest accepted remaining length of a control packet. Default 1 MiB, at most 268435455.
		MaxPacketSize int `json:"max_packet_size" yaml:"max_packet_size" toml:"max_packet_size"`
	} `json:"mqtt" yaml:"mqtt" toml:"mqtt"`

	// Store Dir is where retained messages are kept. If empty, they are kept in memory only.
	Store struct {
		Dir string `json:"dir" yaml:"dir" toml:"dir"`
	} `json:"store" yaml:"store" toml:"store"`

	Raptor struct {
		URL string `json:"url" yaml:"url" toml:"url"`
		// Bound on every remote call. Default 10s.
		Timeout Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	} `json:"raptor" yaml:"raptor" toml:"raptor"`

	// Bootstrap is the privileged service identity owning the service token.
	Bootstrap struct {
		Username  string `json:"username" yaml:"username" toml:"username"`
		Password  string `json:"password" yaml:"password" toml:"password"`
		TokenName string `json:"token" yaml:"token" toml:"token"`
	} `json:"bootstrap" yaml:"bootstrap" toml:"bootstrap"`

	// LocalAdmin credentials are accepted without contacting Raptor.
	// Defaults to the Bootstrap credentials.
	LocalAdmin struct {
		Username string `json:"username" yaml:"username" toml:"username"`
		Password string `json:"password" yaml:"password" toml:"password"`
	} `json:"local_admin" yaml:"local_admin" toml:"local_admin"`

	Auth struct {
		// User names up to this length log in with their password used as a token. Default 3.
		TokenUsernameMaxLen int `json:"token_username_max_len" yaml:"token_username_max_len" toml:"token_username_max_len"`
		// Roles allowed everything. Default admin, super_admin.
		AdminRoles []string `json:"admin_roles" yaml:"admin_roles" toml:"admin_roles"`
		// Resource types reserved to admin roles. Default token, user.
		AdminOnly []string `json:"admin_only" yaml:"admin_only" toml:"admin_only"`
		// Resource type -> required permission. Default action:execute, stream:pull, device:admin, tree:tree.
		Policy map[string]string `json:"policy" yaml:"policy" toml:"policy"`
		// Keep granted remote decisions for this long. Default 0, disabled.
		DecisionCacheTTL Duration `json:"decision_cache_ttl" yaml:"decision_cache_ttl" toml:"decision_cache_ttl"`
	} `json:"auth" yaml:"auth" toml:"auth"`
}

type KeyPair struct {
	Cert string `json:"cert" yaml:"cert" toml:"cert"`
	Key  string `json:"key" yaml:"key" toml:"key"`
}

// Duration is a time.Duration written as a string such as "10s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// New loads the config file at fPath, applies .env and environment
// overrides, and validates the result. An empty fPath uses defaults.
func New(fPath string) (*Config, error) {
	c := Config{}
	if fPath != "" {
		if err := c.LoadFromFile(fPath); err != nil {
			return nil, err
		}
	}

	if err := loadDotEnv(fPath); err != nil {
		return nil, err
	}
	c.applyEnv()

	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadFromFile decodes fPath by its extension: .yaml/.yml, .toml, else JSON.
func (c *Config) LoadFromFile(fPath string) error {
	b, err := os.ReadFile(fPath)
	if err != nil {
		return errors.New("error opening config file: " + err.Error())
	}

	switch strings.ToLower(filepath.Ext(fPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, c)
	case ".toml":
		err = toml.Unmarshal(b, c)
	default:
		err = json.Unmarshal(b, c)
	}
	if err != nil {
		return errors.New("error reading config file: " + err.Error())
	}

	return nil
}

// .env next to the config file first, then in the working directory.
// Variables already set in the environment win.
func loadDotEnv(fPath string) error {
	paths := []string{".env"}
	if fPath != "" {
		paths = append([]string{filepath.Join(filepath.Dir(fPath), ".env")}, paths...)
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return errors.New("error reading " + p + ": " + err.Error())
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	set(&c.Log.Level, "LOG_LEVEL")
	set(&c.Raptor.URL, "RAPTOR_URL")
	set(&c.Bootstrap.Username, "RAPTOR_USERNAME")
	set(&c.Bootstrap.Password, "RAPTOR_PASSWORD")
	set(&c.Bootstrap.TokenName, "RAPTOR_TOKEN_NAME")
	set(&c.TCP.Address, "MQTT_ADDRESS")
	set(&c.WS.Address, "WS_ADDRESS")
}

func (c *Config) validate() error {
	if c.TCP.Address == "" && c.TLS.Address == "" && c.WS.Address == "" && c.WSS.Address == "" {
		c.TCP.Address = ":1883" // default to basic TCP only server if nothing specified.
	}

	if c.TCP.Address != "" {
		if !strings.Contains(c.TCP.Address, ":") {
			c.TCP.Address += ":1883" // if just ip/host or nothing specified
		}
	}

	if c.TLS.Address != "" {
		if c.TLS.Cert == "" || c.TLS.Key == "" {
			return errors.New("invalid TLS certificate and/or private key file path setup")
		}

		if !strings.Contains(c.TLS.Address, ":") {
			c.TLS.Address += ":8883"
		}
	}

	if c.WS.Address != "" {
		if !strings.Contains(c.WS.Address, ":") {
			c.WS.Address += ":80"
		}
	}

	if c.WSS.Address != "" {
		if c.WSS.Cert == "" || c.WSS.Key == "" {
			return errors.New("invalid TLS certificate and/or private key file path setup for Websocket Secure")
		}

		if !strings.Contains(c.WSS.Address, ":") {
			c.WSS.Address += ":443"
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "error", "warn", "info", "debug":
	default:
		return errors.New("unknown log level: " + c.Log.Level)
	}

	if c.MQTT.ConnectTimeout.Duration <= 0 {
		c.MQTT.ConnectTimeout.Duration = 30 * time.Second
	}
	if c.MQTT.MaxInflight <= 0 {
		c.MQTT.MaxInflight = 1024
	}
	if c.MQTT.MaxPacketSize <= 0 {
		c.MQTT.MaxPacketSize = 1 << 20
	} else if c.MQTT.MaxPacketSize > 268435455 {
		c.MQTT.MaxPacketSize = 268435455
	}

	if c.Raptor.URL == "" {
		return errors.New("missing raptor url")
	}
	c.Raptor.URL = strings.TrimRight(c.Raptor.URL, "/")
	if c.Raptor.Timeout.Duration <= 0 {
		c.Raptor.Timeout.Duration = 10 * time.Second
	}

	if c.Bootstrap.Username == "" || c.Bootstrap.Password == "" {
		return errors.New("missing bootstrap service username and/or password")
	}
	if c.Bootstrap.TokenName == "" {
		c.Bootstrap.TokenName = "broker"
	}

	if c.LocalAdmin.Username == "" && c.LocalAdmin.Password == "" {
		c.LocalAdmin.Username, c.LocalAdmin.Password = c.Bootstrap.Username, c.Bootstrap.Password
	}

	if c.Auth.TokenUsernameMaxLen <= 0 {
		c.Auth.TokenUsernameMaxLen = 3
	}
	if c.Auth.DecisionCacheTTL.Duration < 0 {
		return errors.New("negative auth decision cache ttl")
	}

	if _, err := c.PolicyTable(); err != nil {
		return errors.New("invalid auth policy: " + err.Error())
	}

	return nil
}

// PolicyTable builds the authorization table. Unset parts use the defaults.
func (c *Config) PolicyTable() (*policy.Table, error) {
	var perms map[policy.ResourceType]policy.Permission
	if c.Auth.Policy != nil {
		perms = make(map[policy.ResourceType]policy.Permission, len(c.Auth.Policy))
		for rt, p := range c.Auth.Policy {
			perms[policy.ResourceType(rt)] = policy.Permission(p)
		}
	}

	var adminOnly []policy.ResourceType
	if c.Auth.AdminOnly != nil {
		adminOnly = make([]policy.ResourceType, 0, len(c.Auth.AdminOnly))
		for _, rt := range c.Auth.AdminOnly {
			adminOnly = append(adminOnly, policy.ResourceType(rt))
		}
	}

	var roles []policy.RoleName
	if c.Auth.AdminRoles != nil {
		roles = make([]policy.RoleName, 0, len(c.Auth.AdminRoles))
		for _, r := range c.Auth.AdminRoles {
			roles = append(roles, policy.RoleName(r))
		}
	}

	return policy.New(perms, adminOnly, roles)
}
