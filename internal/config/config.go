// Package config loads client and server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/omochice/roomchat/internal/client"
	"github.com/omochice/roomchat/internal/logging"
	"github.com/omochice/roomchat/pkg/protocol"
)

// Client configures cmd/client.
type Client struct {
	ServerURL   string `env:"CHAT_SERVER_URL"   envDefault:"ws://127.0.0.1:8000/ws"`
	APIURL      string `env:"CHAT_API_URL"      envDefault:"http://127.0.0.1:8000"`
	Username    string `env:"CHAT_USERNAME"`
	AccessToken string `env:"CHAT_ACCESS_TOKEN"`
	Codec       string `env:"CHAT_CODEC"        envDefault:"json"`
	Engine      string `env:"CHAT_WS_ENGINE"    envDefault:"nhooyr"`

	JoinTimeout time.Duration `env:"CHAT_JOIN_TIMEOUT" envDefault:"30s"`
	DialTimeout time.Duration `env:"CHAT_DIAL_TIMEOUT" envDefault:"10s"`

	Reconnect         bool          `env:"CHAT_RECONNECT"           envDefault:"true"`
	ReconnectDelay    time.Duration `env:"CHAT_RECONNECT_DELAY"     envDefault:"1s"`
	ReconnectDelayMax time.Duration `env:"CHAT_RECONNECT_DELAY_MAX" envDefault:"5s"`
	ReconnectAttempts int           `env:"CHAT_RECONNECT_ATTEMPTS"  envDefault:"0"`

	SendRate  float64 `env:"CHAT_SEND_RATE"  envDefault:"20"`
	SendBurst int     `env:"CHAT_SEND_BURST" envDefault:"5"`

	LogLevel  string `env:"CHAT_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"CHAT_LOG_FORMAT" envDefault:"console"`
}

// Server configures cmd/server.
type Server struct {
	ListenAddr   string `env:"CHAT_LISTEN_ADDR"   envDefault:":8000"`
	HistoryLimit int    `env:"CHAT_HISTORY_LIMIT" envDefault:"200"`
	LogLevel     string `env:"CHAT_LOG_LEVEL"     envDefault:"info"`
	LogFormat    string `env:"CHAT_LOG_FORMAT"    envDefault:"console"`
}

// LoadClient reads the client configuration from the process environment.
func LoadClient() (Client, error) {
	return parseClient(env.Options{})
}

// LoadServer reads the server configuration from the process environment.
func LoadServer() (Server, error) {
	return parseServer(env.Options{})
}

func parseClient(opts env.Options) (Client, error) {
	var cfg Client
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Client{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func parseServer(opts env.Options) (Server, error) {
	var cfg Server
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Server{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Backoff returns the reconnect policy described by the configuration.
func (c Client) Backoff() client.Backoff {
	b := client.DefaultBackoff()
	b.Initial = c.ReconnectDelay
	b.Max = c.ReconnectDelayMax
	b.MaxAttempts = c.ReconnectAttempts
	return b
}

// Validate reports every invalid setting at once.
func (c Client) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server url is required"))
	}
	if _, err := protocol.CodecByName(c.Codec); err != nil {
		errs = append(errs, err)
	}
	if _, err := client.NewDialer(c.Engine, nil, true); err != nil {
		errs = append(errs, err)
	}
	if c.JoinTimeout <= 0 {
		errs = append(errs, fmt.Errorf("join timeout must be positive, got %s", c.JoinTimeout))
	}
	if c.DialTimeout <= 0 {
		errs = append(errs, fmt.Errorf("dial timeout must be positive, got %s", c.DialTimeout))
	}
	if c.Reconnect && c.ReconnectDelay <= 0 {
		errs = append(errs, fmt.Errorf("reconnect delay must be positive, got %s", c.ReconnectDelay))
	}
	if c.Reconnect && c.ReconnectDelayMax < c.ReconnectDelay {
		errs = append(errs, fmt.Errorf("reconnect delay max %s is below reconnect delay %s", c.ReconnectDelayMax, c.ReconnectDelay))
	}
	if c.SendRate <= 0 || c.SendBurst <= 0 {
		errs = append(errs, errors.New("send rate and burst must be positive"))
	}
	if err := logging.ValidateFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (s Server) Validate() error {
	var errs []error
	if s.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if s.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("history limit must not be negative, got %d", s.HistoryLimit))
	}
	if err := logging.ValidateFormat(s.LogFormat); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
