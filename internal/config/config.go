// Package config loads and validates the gateway configuration: server,
// storage, routing rules, namespace policies and the background knobs.
// The decoded file is checked against an embedded JSON schema before the
// rule expressions and durations are compiled.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"rootcellar/internal/routing"
)

//go:embed schema.json
var schemaJSON []byte

type Config struct {
	Server struct {
		Port   int    `yaml:"port" json:"port"`
		Origin string `yaml:"origin" json:"origin"`
	} `yaml:"server" json:"server"`

	Storage struct {
		Dir string `yaml:"dir" json:"dir"`
	} `yaml:"storage" json:"storage"`

	Logging struct {
		Level      string `yaml:"level" json:"level"`
		File       string `yaml:"file" json:"file"`
		MaxSizeMB  int    `yaml:"maxSizeMB" json:"maxSizeMB"`
		StatsEvery string `yaml:"statsEvery" json:"statsEvery"`

		StatsInterval time.Duration `yaml:"-" json:"-"`
	} `yaml:"logging" json:"logging"`

	Queue struct {
		Retention string `yaml:"retention" json:"retention"`

		RetentionDur time.Duration `yaml:"-" json:"-"`
	} `yaml:"queue" json:"queue"`

	Lifecycle struct {
		Cooldown  string `yaml:"cooldown" json:"cooldown"`
		PollEvery string `yaml:"pollEvery" json:"pollEvery"`

		CooldownDur time.Duration `yaml:"-" json:"-"`
		PollDur     time.Duration `yaml:"-" json:"-"`
	} `yaml:"lifecycle" json:"lifecycle"`

	Connectivity struct {
		ProbeEvery string `yaml:"probeEvery" json:"probeEvery"`
		ProbePath  string `yaml:"probePath" json:"probePath"`

		ProbeDur time.Duration `yaml:"-" json:"-"`
	} `yaml:"connectivity" json:"connectivity"`

	Manifest struct {
		Path string `yaml:"path" json:"path"`
	} `yaml:"manifest" json:"manifest"`

	Namespaces []Namespace `yaml:"namespaces" json:"namespaces,omitempty"`
	Rules      []Rule      `yaml:"rules" json:"rules,omitempty"`
}

type Namespace struct {
	Name             string `yaml:"name" json:"name"`
	MaxEntries       int    `yaml:"maxEntries" json:"maxEntries,omitempty"`
	MaxAge           string `yaml:"maxAge" json:"maxAge,omitempty"`
	AcceptedStatuses []int  `yaml:"acceptedStatuses" json:"acceptedStatuses,omitempty"`

	MaxAgeDur time.Duration `yaml:"-" json:"-"`
}

type Rule struct {
	Name           string   `yaml:"name" json:"name,omitempty"`
	Match          string   `yaml:"match" json:"match"`
	Method         string   `yaml:"method" json:"method,omitempty"`
	Strategy       string   `yaml:"strategy" json:"strategy"`
	Namespace      string   `yaml:"namespace" json:"namespace,omitempty"`
	NetworkTimeout string   `yaml:"networkTimeout" json:"networkTimeout,omitempty"`
	Plugins        []Plugin `yaml:"plugins" json:"plugins,omitempty"`

	Matchers   []routing.Matcher `yaml:"-" json:"-"`
	TimeoutDur time.Duration     `yaml:"-" json:"-"`
}

type Plugin struct {
	Kind  string `yaml:"kind" json:"kind"`
	Topic string `yaml:"topic" json:"topic,omitempty"`
}

// Load reads the YAML file, applies .env and ROOTCELLAR_* overrides,
// validates the result against the embedded schema and compiles the
// rule matchers and duration strings. Rules keep declaration order.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		// .env is optional; anything else is worth surfacing.
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.validateSchema(); err != nil {
		return nil, fmt.Errorf("config schema: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ROOTCELLAR_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("ROOTCELLAR_ORIGIN"); v != "" {
		c.Server.Origin = v
	}
	if v := os.Getenv("ROOTCELLAR_DATA_DIR"); v != "" {
		c.Storage.Dir = v
	}
	if v := os.Getenv("ROOTCELLAR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ROOTCELLAR_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	if v := os.Getenv("ROOTCELLAR_MANIFEST"); v != "" {
		c.Manifest.Path = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "./data"
	}
	if c.Queue.Retention == "" {
		c.Queue.Retention = "24h"
	}
	if c.Lifecycle.Cooldown == "" {
		c.Lifecycle.Cooldown = "1h"
	}
	if c.Lifecycle.PollEvery == "" {
		c.Lifecycle.PollEvery = "60s"
	}
	if c.Connectivity.ProbeEvery == "" {
		c.Connectivity.ProbeEvery = "15s"
	}
	if c.Connectivity.ProbePath == "" {
		c.Connectivity.ProbePath = "/"
	}
}

// validateSchema round-trips the config through JSON so the schema sees the
// same shapes the file declared.
func (c *Config) validateSchema() error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", doc); err != nil {
		return err
	}
	sch, err := compiler.Compile("config.schema.json")
	if err != nil {
		return err
	}

	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}

func (c *Config) compile() error {
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")

	var err error
	if c.Queue.RetentionDur, err = time.ParseDuration(c.Queue.Retention); err != nil {
		return fmt.Errorf("queue.retention: %w", err)
	}
	if c.Lifecycle.CooldownDur, err = time.ParseDuration(c.Lifecycle.Cooldown); err != nil {
		return fmt.Errorf("lifecycle.cooldown: %w", err)
	}
	if c.Lifecycle.PollDur, err = time.ParseDuration(c.Lifecycle.PollEvery); err != nil {
		return fmt.Errorf("lifecycle.pollEvery: %w", err)
	}
	if c.Connectivity.ProbeDur, err = time.ParseDuration(c.Connectivity.ProbeEvery); err != nil {
		return fmt.Errorf("connectivity.probeEvery: %w", err)
	}
	if c.Logging.StatsEvery != "" {
		if c.Logging.StatsInterval, err = time.ParseDuration(c.Logging.StatsEvery); err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
	}

	names := map[string]struct{}{}
	for i := range c.Namespaces {
		ns := &c.Namespaces[i]
		if _, dup := names[ns.Name]; dup {
			return fmt.Errorf("namespaces[%d]: duplicate name %q", i, ns.Name)
		}
		names[ns.Name] = struct{}{}
		if ns.MaxAge != "" {
			if ns.MaxAgeDur, err = time.ParseDuration(ns.MaxAge); err != nil {
				return fmt.Errorf("namespaces[%d].maxAge: %w", i, err)
			}
		}
	}

	for i := range c.Rules {
		r := &c.Rules[i]
		if r.Matchers, err = routing.ParseMatch(r.Match); err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		strategy, err := routing.ParseStrategy(r.Strategy)
		if err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
		if strategy != routing.NetworkOnly {
			if r.Namespace == "" {
				return fmt.Errorf("rules[%d]: strategy %s needs a namespace", i, strategy)
			}
			if _, ok := names[r.Namespace]; !ok {
				return fmt.Errorf("rules[%d]: unknown namespace %q", i, r.Namespace)
			}
		}
		if r.NetworkTimeout != "" {
			if r.TimeoutDur, err = time.ParseDuration(r.NetworkTimeout); err != nil {
				return fmt.Errorf("rules[%d].networkTimeout: %w", i, err)
			}
		}
		for j, p := range r.Plugins {
			if p.Kind == routing.PluginEnqueueOnFailure && p.Topic == "" {
				return fmt.Errorf("rules[%d].plugins[%d]: %s needs a topic", i, j, p.Kind)
			}
		}
	}
	return nil
}

// BuildRules converts the compiled config rules into routing rules,
// preserving declaration order.
func (c *Config) BuildRules() []*routing.Rule {
	out := make([]*routing.Rule, 0, len(c.Rules))
	for i := range c.Rules {
		r := &c.Rules[i]
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i)
		}
		plugins := make([]routing.Plugin, 0, len(r.Plugins))
		for _, p := range r.Plugins {
			plugins = append(plugins, routing.Plugin{Kind: p.Kind, Topic: p.Topic})
		}
		out = append(out, &routing.Rule{
			Name:           name,
			Method:         strings.ToUpper(r.Method),
			Matchers:       r.Matchers,
			Strategy:       routing.Strategy(r.Strategy),
			Namespace:      r.Namespace,
			NetworkTimeout: r.TimeoutDur,
			Plugins:        plugins,
		})
	}
	return out
}
