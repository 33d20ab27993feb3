package config

/*
[server]
host = ""
port = "21"
family = "any" # any/ipv4/ipv6
banner = "ftpd v0.1.0"
anonymous = true
root = "/tmp"
list_command = "ls -n"
cli = false

[transfer]
max_chunks = 256
pool_size = 1024
recv_buffer = 4096
send_buffer = 4096
connect_timeout = "30s"

[auth]
fail_delay = "3s"
system_users = false

[auth.fail2ban]
enabled = true
max_attempts = 5
find_time = "10m"
ban_time = "30m"
whitelist = ["127.0.0.0/8"]

[[users]]
name = "alice"
password = "$2a$12$..." # ftpd --hash-password / console hash-password
root = "/srv/ftp/alice"

[log]
level = "warn" # debug/info/warn/error
format = "text" # text/json

[metrics]
listen = "" # e.g. "127.0.0.1:9121"
*/

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Version 是程序版本号, 也出现在欢迎语中
const Version = "v0.1.0"

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Transfer TransferConfig `toml:"transfer"`
	Auth     AuthConfig     `toml:"auth"`
	Users    []UserConfig   `toml:"users"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

type ServerConfig struct {
	Host        string `toml:"host"`
	Port        string `toml:"port"`
	Family      string `toml:"family"`
	Banner      string `toml:"banner"`
	Anonymous   bool   `toml:"anonymous"`
	Root        string `toml:"root"`
	ListCommand string `toml:"list_command"`
	CLI         bool   `toml:"cli"`
}

// TransferConfig 控制数据通道的缓冲
type TransferConfig struct {
	MaxChunks      int      `toml:"max_chunks"`
	PoolSize       int      `toml:"pool_size"`
	RecvBuffer     int      `toml:"recv_buffer"`
	SendBuffer     int      `toml:"send_buffer"`
	ConnectTimeout Duration `toml:"connect_timeout"`
}

type AuthConfig struct {
	FailDelay   Duration       `toml:"fail_delay"`
	SystemUsers bool           `toml:"system_users"`
	Fail2Ban    Fail2BanConfig `toml:"fail2ban"`
}

type Fail2BanConfig struct {
	Enabled     bool     `toml:"enabled"`
	MaxAttempts int      `toml:"max_attempts"`
	FindTime    Duration `toml:"find_time"`
	BanTime     Duration `toml:"ban_time"`
	Whitelist   []string `toml:"whitelist"`
}

// UserConfig 是配置文件中的一个静态用户
type UserConfig struct {
	Name     string `toml:"name"`
	Password string `toml:"password"` // crypt 格式摘要, 空表示任意密码
	Root     string `toml:"root"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// Duration 允许在 TOML 中用 "3s", "10m" 这样的字符串表示时长
type Duration struct {
	time.Duration
}

// UnmarshalText 实现 encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText 实现 encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default 返回未提供配置文件时使用的默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "21",
			Family:      "any",
			Banner:      "ftpd " + Version,
			Anonymous:   true,
			Root:        "/tmp",
			ListCommand: "ls -n",
		},
		Transfer: TransferConfig{
			MaxChunks:      256,
			PoolSize:       1024,
			RecvBuffer:     4096,
			SendBuffer:     4096,
			ConnectTimeout: Duration{30 * time.Second},
		},
		Auth: AuthConfig{
			FailDelay: Duration{3 * time.Second},
			Fail2Ban: Fail2BanConfig{
				Enabled:     true,
				MaxAttempts: 5,
				FindTime:    Duration{10 * time.Minute},
				BanTime:     Duration{30 * time.Minute},
			},
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
	}
}

// LoadConfig 读取 path 指向的 TOML 文件, 未出现的字段保留默认值
func LoadConfig(path string) (*Config, error) {
	_, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %w", err)
	}
	config := Default()
	meta, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("config file decode error: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file has unknown keys: %v", undecoded)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate 检查取值范围
func (c *Config) Validate() error {
	switch c.Server.Family {
	case "", "any", "ipv4", "ipv6":
	default:
		return fmt.Errorf("server.family must be any, ipv4 or ipv6, got %q", c.Server.Family)
	}
	if c.Transfer.MaxChunks < 1 {
		return fmt.Errorf("transfer.max_chunks must be positive, got %d", c.Transfer.MaxChunks)
	}
	if c.Transfer.PoolSize < 0 {
		return fmt.Errorf("transfer.pool_size must not be negative, got %d", c.Transfer.PoolSize)
	}
	if c.Transfer.RecvBuffer < 64 || c.Transfer.SendBuffer < 64 {
		return fmt.Errorf("transfer buffers must be at least 64 bytes")
	}
	if c.Auth.FailDelay.Duration < 0 {
		return fmt.Errorf("auth.fail_delay must not be negative")
	}
	seen := make(map[string]bool)
	for _, u := range c.Users {
		if u.Name == "" {
			return fmt.Errorf("users: empty name")
		}
		if seen[u.Name] {
			return fmt.Errorf("users: duplicate name %q", u.Name)
		}
		seen[u.Name] = true
	}
	return nil
}
