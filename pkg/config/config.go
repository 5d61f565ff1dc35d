// Copyright 2024-2026 Aiku AI

// Package config loads and validates the channel cloner configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/channel-cloner/pkg/cloner"
	"github.com/aiku/channel-cloner/pkg/platform"
)

//go:embed example-config.yaml
var ExampleConfig string

const (
	NetworkMattermost = "mattermost"
	NetworkMatrix     = "matrix"

	workerEnvPrefix = "CLONER_WORKER_"
	workerEnvSuffix = "_TOKEN"
)

// Config holds the channel cloner configuration.
type Config struct {
	// Network selects the platform adapter: "mattermost" or "matrix".
	Network string `yaml:"network"`
	// ServerURL is the Mattermost server URL or the Matrix homeserver URL.
	ServerURL string `yaml:"server_url"`

	MonitorToken  string `yaml:"monitor_token"`
	SourceChannel string `yaml:"source_channel"`
	TargetChannel string `yaml:"target_channel"`

	Workers      []WorkerConfig  `yaml:"workers"`
	Blacklist    []string        `yaml:"blacklist"`
	Replacements ReplacementList `yaml:"replacements"`

	Proxy ProxyConfig `yaml:"proxy"`
	// BotPrefix marks usernames whose messages are never relayed.
	BotPrefix string `yaml:"bot_prefix"`
	// AdminAPIAddr is the listen address of the admin HTTP API. Empty
	// disables it.
	AdminAPIAddr string `yaml:"admin_api_addr"`

	ReplyIndex ReplyIndexConfig `yaml:"reply_index"`

	Logging zeroconfig.Config `yaml:"logging"`
}

// WorkerConfig is one worker account.
type WorkerConfig struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

// ProxyConfig routes every platform client through a proxy. An empty Type
// disables it.
type ProxyConfig struct {
	Type string `yaml:"type"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ReplyIndexConfig struct {
	Backend    string        `yaml:"backend"`
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

// ReplacementList is an ordered list of replacements decoded from a YAML
// mapping. Mapping order is kept.
type ReplacementList []cloner.Replacement

func (rl *ReplacementList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		*rl = nil
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("replacements must be a mapping, got %s at line %d", node.ShortTag(), node.Line)
	}
	out := make(ReplacementList, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var from, to string
		if err := node.Content[i].Decode(&from); err != nil {
			return fmt.Errorf("failed to decode replacement key at line %d: %w", node.Content[i].Line, err)
		}
		if err := node.Content[i+1].Decode(&to); err != nil {
			return fmt.Errorf("failed to decode replacement for %q: %w", from, err)
		}
		out = append(out, cloner.Replacement{From: from, To: to})
	}
	*rl = out
	return nil
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the loaded configuration and fills defaults.
func (c *Config) PostProcess() error {
	c.Network = strings.ToLower(strings.TrimSpace(c.Network))
	switch c.Network {
	case "":
		c.Network = NetworkMattermost
	case NetworkMattermost, NetworkMatrix:
	default:
		return fmt.Errorf("unknown network %q", c.Network)
	}
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	}
	if c.MonitorToken == "" {
		errs = append(errs, errors.New("monitor_token is required"))
	}
	if c.SourceChannel == "" {
		errs = append(errs, errors.New("source_channel is required"))
	}
	if c.TargetChannel == "" {
		errs = append(errs, errors.New("target_channel is required"))
	}
	seen := make(map[string]struct{}, len(c.Workers))
	for i, w := range c.Workers {
		if w.Name == "" || w.Token == "" {
			errs = append(errs, fmt.Errorf("workers[%d] needs both name and token", i))
			continue
		}
		if _, dup := seen[w.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate worker name %q", w.Name))
		}
		seen[w.Name] = struct{}{}
	}
	if c.Proxy.Type != "" {
		switch c.Proxy.Type {
		case "http", "https", "socks5":
		default:
			errs = append(errs, fmt.Errorf("unsupported proxy type %q", c.Proxy.Type))
		}
		if c.Proxy.Host == "" || c.Proxy.Port <= 0 {
			errs = append(errs, errors.New("proxy needs host and port"))
		}
	}
	if _, err := cloner.NewReplyIndex(c.ReplyIndex.Backend, c.ReplyIndex.MaxEntries, c.ReplyIndex.TTL); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "network")
	helper.Copy(up.Str, "server_url")
	helper.Copy(up.Str, "monitor_token")
	helper.Copy(up.Str, "source_channel")
	helper.Copy(up.Str, "target_channel")
	helper.Copy(up.List, "workers")
	helper.Copy(up.List, "blacklist")
	helper.Copy(up.Map, "replacements")
	helper.Copy(up.Str, "proxy", "type")
	helper.Copy(up.Str, "proxy", "host")
	helper.Copy(up.Int, "proxy", "port")
	helper.Copy(up.Str, "bot_prefix")
	helper.Copy(up.Str, "admin_api_addr")
	helper.Copy(up.Str, "reply_index", "backend")
	helper.Copy(up.Int, "reply_index", "max_entries")
	helper.Copy(up.Str, "reply_index", "ttl")
	helper.Copy(up.Map, "logging")
}

// Upgrader merges a user config onto ExampleConfig.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks:         nil,
	Base:           ExampleConfig,
}

// Load reads the config at path, upgrading it against the example config
// first. When save is set the upgraded file is written back.
func Load(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a config document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// BlacklistSet returns the blacklist as a lookup set.
func (c *Config) BlacklistSet() cloner.Blacklist {
	ids := make([]platform.UserID, 0, len(c.Blacklist))
	for _, id := range c.Blacklist {
		ids = append(ids, platform.UserID(id))
	}
	return cloner.NewBlacklist(ids...)
}

// WorkerEntries returns the configured workers as admin API entries.
func (c *Config) WorkerEntries() []cloner.WorkerEntry {
	out := make([]cloner.WorkerEntry, 0, len(c.Workers))
	for _, w := range c.Workers {
		out = append(out, cloner.WorkerEntry{Name: w.Name, Token: w.Token})
	}
	return out
}

// HTTPClient returns the HTTP client every platform client should use.
func (c *Config) HTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if c.Proxy.Type != "" {
		transport.Proxy = http.ProxyURL(&url.URL{
			Scheme: c.Proxy.Type,
			Host:   net.JoinHostPort(c.Proxy.Host, strconv.Itoa(c.Proxy.Port)),
		})
	}
	return &http.Client{Transport: transport}
}

// WorkersFromEnv scans the environment for CLONER_WORKER_<NAME>_TOKEN
// variables. Names are lowercased and returned in sorted order.
func WorkersFromEnv() []cloner.WorkerEntry {
	return workersFromEnviron(os.Environ())
}

func workersFromEnviron(environ []string) []cloner.WorkerEntry {
	var entries []cloner.WorkerEntry
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		if len(key) <= len(workerEnvPrefix)+len(workerEnvSuffix) ||
			!strings.HasPrefix(key, workerEnvPrefix) || !strings.HasSuffix(key, workerEnvSuffix) {
			continue
		}
		name := key[len(workerEnvPrefix) : len(key)-len(workerEnvSuffix)]
		entries = append(entries, cloner.WorkerEntry{Name: strings.ToLower(name), Token: value})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}
