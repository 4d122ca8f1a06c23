// Package config loads and validates the bot configuration file.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/SleeplessOne1917/lemmy-bot-sub000/internal/federation"
	"github.com/SleeplessOne1917/lemmy-bot-sub000/internal/lemmy"
)

//go:embed schema.json
var schemaJSON string

const (
	DefaultIntervalSeconds  = 10
	DefaultReconnectMinutes = 5
	DefaultStorageDSN       = "file:lemmybot.db"
)

// Credentials is the bot account login. Absent credentials mean read-only
// operation; categories that require a session are then rejected at
// validation time.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func (c Credentials) IsZero() bool {
	return c.Username == "" && c.Password == ""
}

// Connection tunes the transport.
type Connection struct {
	// Secure dials wss:// first and falls back to ws://; insecure-first
	// inverts the order. Defaults to secure.
	Secure           *bool `yaml:"secure"`
	ReconnectMinutes int   `yaml:"reconnectMinutes"`
}

// Schedule names the polled categories and their fetch cadence.
type Schedule struct {
	IntervalSeconds int `yaml:"intervalSeconds"`
	// Categories maps category name to a per-category interval override
	// in seconds; zero means use the default interval.
	Categories map[string]int `yaml:"categories"`
}

// Storage selects the dedup store backend by DSN.
type Storage struct {
	DSN string `yaml:"dsn"`
}

// Reprocess sets the global default reprocess delay applied when a
// handler leaves the directive untouched. Zero means handled items are
// never reprocessed.
type Reprocess struct {
	DefaultMinutes int `yaml:"defaultMinutes"`
}

// Config models the bot configuration file.
type Config struct {
	Instance    string             `yaml:"instance"`
	Credentials Credentials        `yaml:"credentials"`
	Connection  Connection         `yaml:"connection"`
	Schedule    Schedule           `yaml:"schedule"`
	Storage     Storage            `yaml:"storage"`
	Reprocess   Reprocess          `yaml:"reprocess"`
	Federation  federation.Options `yaml:"federation"`
}

// Load reads, schema-checks, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.Instance = strings.TrimSpace(c.Instance)
	if c.Connection.ReconnectMinutes <= 0 {
		c.Connection.ReconnectMinutes = DefaultReconnectMinutes
	}
	if c.Schedule.IntervalSeconds <= 0 {
		c.Schedule.IntervalSeconds = DefaultIntervalSeconds
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		c.Storage.DSN = DefaultStorageDSN
	}
}

// Validate checks cross-field invariants the schema cannot express.
func (c *Config) Validate() error {
	if c.Instance == "" {
		return fmt.Errorf("config.instance is required")
	}
	if strings.Contains(c.Instance, "://") {
		return fmt.Errorf("config.instance must be a bare hostname, not a URL")
	}
	if (c.Credentials.Username == "") != (c.Credentials.Password == "") {
		return fmt.Errorf("config.credentials requires both username and password")
	}
	for name, interval := range c.Schedule.Categories {
		if !lemmy.ValidCategory(name) {
			return fmt.Errorf("unknown category %q in schedule.categories", name)
		}
		if interval < 0 {
			return fmt.Errorf("category %q has negative interval", name)
		}
		if lemmy.Category(name).RequiresAuth() && c.Credentials.IsZero() {
			return fmt.Errorf("category %q requires credentials", name)
		}
	}
	if !c.Federation.IsZero() {
		if err := c.Federation.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Interval returns the effective fetch interval for a category, in
// seconds.
func (c *Config) Interval(category lemmy.Category) int {
	if override, ok := c.Schedule.Categories[string(category)]; ok && override > 0 {
		return override
	}
	return c.Schedule.IntervalSeconds
}

// PolledCategories returns the configured categories in the stable
// category order.
func (c *Config) PolledCategories() []lemmy.Category {
	var out []lemmy.Category
	for _, category := range lemmy.Categories() {
		if _, ok := c.Schedule.Categories[string(category)]; ok {
			out = append(out, category)
		}
	}
	return out
}

func validateSchema(data []byte) error {
	// The schema validator speaks JSON; round-trip the YAML document
	// through encoding/json first.
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid config yaml: %w", err)
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("invalid config yaml: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(encoded)))
	if err != nil {
		return fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := configSchema().Validate(instance); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}
	return nil
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
)

func configSchema() *jsonschema.Schema {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			panic(fmt.Sprintf("embedded config schema is invalid: %v", err))
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("bot-config.schema.json", doc); err != nil {
			panic(fmt.Sprintf("embedded config schema is invalid: %v", err))
		}
		schema, err := compiler.Compile("bot-config.schema.json")
		if err != nil {
			panic(fmt.Sprintf("embedded config schema is invalid: %v", err))
		}
		compiledSchema = schema
	})
	return compiledSchema
}
