// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/caarlos0/env/v11"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the bridge configuration.
type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	AppService AppServiceConfig  `yaml:"appservice"`
	Telegram   TelegramConfig    `yaml:"telegram"`
	Bridge     BridgeConfig      `yaml:"bridge"`
	Shortener  ShortenerConfig   `yaml:"shortener"`
	Database   DatabaseConfig    `yaml:"database"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

type HomeserverConfig struct {
	// Address is used for client-server API calls.
	Address string `yaml:"address"`
	// PublicAddress is used to build download links shown to Telegram users.
	// Defaults to Address.
	PublicAddress string `yaml:"public_address"`
	Domain        string `yaml:"domain"`
}

type AppServiceConfig struct {
	Hostname string `yaml:"hostname"`
	Port     uint16 `yaml:"port"`

	ASToken string `yaml:"as_token" env:"AS_TOKEN"`
	HSToken string `yaml:"hs_token" env:"HS_TOKEN"`

	// GhostPrefix is the localpart prefix of ghost users. Matrix events sent
	// by users with this prefix are never relayed back to Telegram.
	GhostPrefix string `yaml:"ghost_prefix"`
	// AliasPrefix is the localpart prefix of the room aliases that link a
	// room to a Telegram group.
	AliasPrefix string `yaml:"alias_prefix"`
}

type TelegramConfig struct {
	Token       string `yaml:"token" env:"TELEGRAM_TOKEN"`
	PollTimeout int    `yaml:"poll_timeout"`
}

type BridgeConfig struct {
	StalenessThreshold time.Duration `yaml:"staleness_threshold"`
	SettleDelay        time.Duration `yaml:"settle_delay"`
	EventTimeout       time.Duration `yaml:"event_timeout"`
	// DisplaynameTemplate renders ghost display names from DisplaynameParams.
	DisplaynameTemplate string `yaml:"displayname_template"`
	MaxMediaSize        int64  `yaml:"max_media_size"`

	displaynameTemplate *template.Template `yaml:"-"`
}

type ShortenerConfig struct {
	// URL of a shortening endpoint. The long URL is sent as the "url" query
	// parameter and the response body is used as the short URL. Empty
	// disables shortening.
	URL string `yaml:"url"`
}

type DatabaseConfig struct {
	Type         string `yaml:"type"`
	URI          string `yaml:"uri" env:"DATABASE_URI"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	FirstName string
	LastName  string
	Username  string
	FullName  string
}

const (
	defaultStalenessThreshold  = 600 * time.Second
	defaultSettleDelay         = 500 * time.Millisecond
	defaultEventTimeout        = time.Minute
	defaultGhostPrefix         = "telegram_"
	defaultAliasPrefix         = "telegram_"
	defaultDisplaynameTemplate = "{{.FullName}} (Telegram)"
	defaultMaxMediaSize        = 20 * 1024 * 1024
	defaultPollTimeout         = 30
)

// LoadConfig reads a YAML config file, applies TELEMATRIX_* environment
// overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config data, applies environment overrides and
// validates the result.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	opts := env.Options{Prefix: "TELEMATRIX_"}
	for _, target := range []any{&c.AppService, &c.Telegram, &c.Database} {
		if err := env.ParseWithOptions(target, opts); err != nil {
			return fmt.Errorf("failed to parse environment: %w", err)
		}
	}
	return nil
}

// PostProcess fills defaults and checks required fields.
func (c *Config) PostProcess() error {
	var missing []string
	for name, value := range map[string]string{
		"homeserver.address":  c.Homeserver.Address,
		"homeserver.domain":   c.Homeserver.Domain,
		"appservice.as_token": c.AppService.ASToken,
		"appservice.hs_token": c.AppService.HSToken,
		"telegram.token":      c.Telegram.Token,
		"database.uri":        c.Database.URI,
	} {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("missing required config fields: %s", strings.Join(missing, ", "))
	}
	c.Homeserver.Address = strings.TrimRight(c.Homeserver.Address, "/")
	if c.Homeserver.PublicAddress == "" {
		c.Homeserver.PublicAddress = c.Homeserver.Address
	}
	c.Homeserver.PublicAddress = strings.TrimRight(c.Homeserver.PublicAddress, "/")
	if c.AppService.Hostname == "" {
		c.AppService.Hostname = "0.0.0.0"
	}
	if c.AppService.Port == 0 {
		c.AppService.Port = 5000
	}
	if c.AppService.GhostPrefix == "" {
		c.AppService.GhostPrefix = defaultGhostPrefix
	}
	if c.AppService.AliasPrefix == "" {
		c.AppService.AliasPrefix = defaultAliasPrefix
	}
	if c.Telegram.PollTimeout <= 0 {
		c.Telegram.PollTimeout = defaultPollTimeout
	}
	switch c.Database.Type {
	case "":
		c.Database.Type = "sqlite3"
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}
	return c.Bridge.postProcess()
}

func (bc *BridgeConfig) postProcess() error {
	if bc.StalenessThreshold <= 0 {
		bc.StalenessThreshold = defaultStalenessThreshold
	}
	if bc.SettleDelay < 0 {
		return errors.New("bridge.settle_delay must not be negative")
	} else if bc.SettleDelay == 0 {
		bc.SettleDelay = defaultSettleDelay
	}
	if bc.EventTimeout <= 0 {
		bc.EventTimeout = defaultEventTimeout
	}
	if bc.MaxMediaSize <= 0 {
		bc.MaxMediaSize = defaultMaxMediaSize
	}
	if bc.DisplaynameTemplate == "" {
		bc.DisplaynameTemplate = defaultDisplaynameTemplate
	}
	var err error
	bc.displaynameTemplate, err = template.New("displayname").Parse(bc.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse displayname template: %w", err)
	}
	return nil
}

// FormatDisplayname generates a display name from the template and params.
func (bc *BridgeConfig) FormatDisplayname(params DisplaynameParams) string {
	if params.FullName == "" {
		params.FullName = strings.TrimSpace(params.FirstName + " " + params.LastName)
	}
	if bc.displaynameTemplate == nil {
		return params.FullName
	}
	var sb strings.Builder
	if err := bc.displaynameTemplate.Execute(&sb, params); err != nil {
		return params.FullName
	}
	return sb.String()
}
