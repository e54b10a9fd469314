package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/BioHazard786/huddle/internal/roomlink"
)

// Default configuration values (production)
const (
	DefaultDomain          = "huddle.qzz.io"
	DefaultAddr            = ":8080"
	DefaultSTUN            = "stun:stun.l.google.com:19302"
	DefaultName            = "guest"
	DefaultLogLevel        = "error"
	DefaultShutdownTimeout = 10 * time.Second

	// EnvPrefix namespaces environment variables: HUDDLE_TURN_USER and so on.
	EnvPrefix = "HUDDLE"
)

// Keys shared by flags, environment variables and config files.
const (
	KeyLogLevel        = "log-level"
	KeyLogFile         = "log-file"
	KeyAddr            = "addr"
	KeyOrigins         = "origin"
	KeyShutdownTimeout = "shutdown-timeout"
	KeyDomain          = "domain"
	KeyServer          = "server"
	KeyName            = "name"
	KeySTUN            = "stun"
	KeyTURN            = "turn"
	KeyTURNUser        = "turn-user"
	KeyTURNPass        = "turn-pass"
	KeyRelay           = "relay"
	KeyCamera          = "camera"
	KeyMic             = "mic"
	KeyScreen          = "screen"
)

var ErrRelayWithoutTURN = errors.New("cannot force relay mode without TURN server configured")

// Server holds relay server configuration.
type Server struct {
	Addr            string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	LogLevel        string
	LogFile         string
}

// Client holds call client configuration.
type Client struct {
	// Domain is the public host serving room links and the relay.
	Domain string
	// Server overrides the relay websocket URL derived from Domain.
	Server string

	Name string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool

	// Media sources
	CameraFile string
	MicFile    string
	ScreenFile string

	LogLevel string
	LogFile  string
}

// LoadServer reads server configuration with the following priority:
// 1. CLI flags - highest priority
// 2. Environment variables (HUDDLE_*)
// 3. Config file, when one is given
// 4. Defaults - lowest priority
func LoadServer(file string, flags *pflag.FlagSet) (*Server, error) {
	v, err := load(file, flags)
	if err != nil {
		return nil, err
	}

	cfg := &Server{
		Addr:            v.GetString(KeyAddr),
		AllowedOrigins:  stringList(v, KeyOrigins),
		ShutdownTimeout: v.GetDuration(KeyShutdownTimeout),
		LogLevel:        v.GetString(KeyLogLevel),
		LogFile:         v.GetString(KeyLogFile),
	}
	if cfg.Addr == "" {
		return nil, errors.New("listen address cannot be empty")
	}
	return cfg, nil
}

// LoadClient reads client configuration with the same priority as LoadServer.
func LoadClient(file string, flags *pflag.FlagSet) (*Client, error) {
	v, err := load(file, flags)
	if err != nil {
		return nil, err
	}

	cfg := &Client{
		Domain:     v.GetString(KeyDomain),
		Server:     v.GetString(KeyServer),
		Name:       strings.TrimSpace(v.GetString(KeyName)),
		STUNServer: v.GetString(KeySTUN),
		TURNServer: v.GetString(KeyTURN),
		TURNUser:   v.GetString(KeyTURNUser),
		TURNPass:   v.GetString(KeyTURNPass),
		ForceRelay: v.GetBool(KeyRelay),
		CameraFile: v.GetString(KeyCamera),
		MicFile:    v.GetString(KeyMic),
		ScreenFile: v.GetString(KeyScreen),
		LogLevel:   v.GetString(KeyLogLevel),
		LogFile:    v.GetString(KeyLogFile),
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return nil, ErrRelayWithoutTURN
	}
	return cfg, nil
}

func load(file string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
				slog.Info("no config file found", "configFilePath", file)
			} else {
				return nil, fmt.Errorf("read config %s: %w", file, err)
			}
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyLogLevel, DefaultLogLevel)
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyAddr, DefaultAddr)
	v.SetDefault(KeyShutdownTimeout, DefaultShutdownTimeout)
	v.SetDefault(KeyDomain, DefaultDomain)
	v.SetDefault(KeyName, DefaultName)
	v.SetDefault(KeySTUN, DefaultSTUN)
}

// stringList reads a list that may arrive as a YAML list, repeated flags or
// a comma separated environment variable.
func stringList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// WebSocketURL is the relay endpoint: Server when set, otherwise derived
// from Domain. A domain with an http:// scheme yields a plain ws:// URL.
func (c *Client) WebSocketURL() string {
	if c.Server != "" {
		return c.Server
	}
	scheme, host := splitDomain(c.Domain)
	if scheme == "http" {
		return fmt.Sprintf("ws://%s/ws", host)
	}
	return fmt.Sprintf("wss://%s/ws", host)
}

// HTTPBase is the relay's plain HTTP origin, used for /rooms and /health.
func (c *Client) HTTPBase() string {
	if c.Server != "" {
		if u, err := url.Parse(c.Server); err == nil {
			scheme := "https"
			if u.Scheme == "ws" || u.Scheme == "http" {
				scheme = "http"
			}
			return fmt.Sprintf("%s://%s", scheme, u.Host)
		}
	}
	scheme, host := splitDomain(c.Domain)
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}

func splitDomain(domain string) (scheme, host string) {
	if s, rest, ok := strings.Cut(domain, "://"); ok {
		return s, strings.TrimSuffix(rest, "/")
	}
	return "", strings.TrimSuffix(domain, "/")
}

// GetRoomLink returns the shareable URL for a room ID
func (c *Client) GetRoomLink(roomID string) string {
	return roomlink.Build(c.Domain, roomID)
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Client) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured
func (c *Client) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	host := strings.TrimPrefix(strings.TrimPrefix(c.TURNServer, "turn:"), "turns:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Client) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}
