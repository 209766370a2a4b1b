package internal

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Log formats.
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Config represents the application configuration.
type Config struct {
	App           ApplicationConfig   `yaml:"app"`
	Site          SiteConfig          `yaml:"site"`
	Cache         CacheConfig         `yaml:"cache"`
	Query         QueryConfig         `yaml:"query"`
	Auth          AuthConfig          `yaml:"auth"`
	Develop       DevelopConfig       `yaml:"develop"`
	Plugins       []PluginConfig      `yaml:"plugins"`
	Pages         []PageConfig        `yaml:"pages"`
	StaticQueries []StaticQueryConfig `yaml:"static_queries"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for _, v := range []validation.Validatable{&c.App, &c.Site, &c.Cache, &c.Query, &c.Auth, &c.Develop} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Plugins),
		validation.Field(&c.Pages, validation.By(uniquePagePaths)),
		validation.Field(&c.StaticQueries, validation.By(uniqueStaticIDs)),
	)
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel  slog.Level `yaml:"log_level"`
	LogFormat string     `yaml:"log_format"`
	HTTP      HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.LogFormat, validation.In(LogFormatJSON, LogFormatText)),
	); err != nil {
		return err
	}
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// SiteConfig locates the site. Public artifacts go to <directory>/public
// and page results to <directory>/.cache.
type SiteConfig struct {
	Directory string `yaml:"directory"`
}

// Validate validates the site configuration.
func (c *SiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Directory, validation.Required),
	)
}

// Resolve returns p relative to the site directory unless it is absolute.
func (c *SiteConfig) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Directory, p)
}

// CacheConfig configures the persistent store.
type CacheConfig struct {
	// Path is relative to the site directory.
	Path string `yaml:"path"`
	// WorkerID scopes result caches so parallel build workers sharing one
	// store never see each other's entries.
	WorkerID  string `yaml:"worker_id"`
	MaxTables int    `yaml:"max_tables"`
}

// Validate validates the cache configuration.
func (c *CacheConfig) Validate() error {
	if c.WorkerID == "" {
		c.WorkerID = "main"
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.MaxTables, validation.Min(0)),
	)
}

// QueryConfig configures the query runner.
type QueryConfig struct {
	SlowThreshold      time.Duration `yaml:"slow_threshold"`
	Concurrency        int           `yaml:"concurrency"`
	SchemaMajorVersion int           `yaml:"schema_major_version"`
}

// Validate validates the query configuration.
func (c *QueryConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.SlowThreshold, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.Concurrency, validation.Required, validation.Min(1)),
		validation.Field(&c.SchemaMajorVersion, validation.Min(1)),
	)
}

// AuthConfig holds authentication configuration for the dev server API.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// DevelopConfig configures develop mode.
type DevelopConfig struct {
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
	// EventThrottle bounds how often graph-updated events reach clients.
	EventThrottle time.Duration `yaml:"event_throttle"`
}

// Validate validates the develop configuration.
func (c *DevelopConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Debounce, validation.Min(time.Duration(0))),
		validation.Field(&c.EventThrottle, validation.Min(time.Duration(0))),
	)
}

// PluginConfig selects a built-in plugin. Options are decoded by the
// plugin's constructor.
type PluginConfig struct {
	Resolve string    `yaml:"resolve"`
	Name    string    `yaml:"name"`
	Options yaml.Node `yaml:"options"`
}

// Validate validates one plugin entry.
func (c PluginConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Resolve, validation.Required),
	)
}

var pagePathRule = validation.Match(regexp.MustCompile(`^/`)).Error("must start with /")

// PageConfig declares one page and its query.
type PageConfig struct {
	Path      string         `yaml:"path"`
	Component string         `yaml:"component"`
	Query     string         `yaml:"query"`
	QueryFile string         `yaml:"query_file"`
	Context   map[string]any `yaml:"context"`
	MatchPath string         `yaml:"match_path"`
}

// Validate validates one page entry.
func (c PageConfig) Validate() error {
	if err := validation.ValidateStruct(&c,
		validation.Field(&c.Path, validation.Required, pagePathRule),
		validation.Field(&c.Component, validation.Required),
	); err != nil {
		return fmt.Errorf("page %s: %w", c.Path, err)
	}
	if c.Query != "" && c.QueryFile != "" {
		return fmt.Errorf("page %s: query and query_file are mutually exclusive", c.Path)
	}
	return nil
}

// StaticQueryConfig declares one static query.
type StaticQueryConfig struct {
	ID        string `yaml:"id"`
	Component string `yaml:"component"`
	Query     string `yaml:"query"`
	QueryFile string `yaml:"query_file"`
}

// Validate validates one static query entry.
func (c StaticQueryConfig) Validate() error {
	if err := validation.ValidateStruct(&c,
		validation.Field(&c.ID, validation.Required),
		validation.Field(&c.Component, validation.Required),
	); err != nil {
		return fmt.Errorf("static query %s: %w", c.ID, err)
	}
	if c.Query != "" && c.QueryFile != "" {
		return fmt.Errorf("static query %s: query and query_file are mutually exclusive", c.ID)
	}
	return nil
}

func uniquePagePaths(value any) error {
	pages, _ := value.([]PageConfig)
	seen := make(map[string]struct{}, len(pages))
	for _, p := range pages {
		if _, ok := seen[p.Path]; ok {
			return fmt.Errorf("duplicate page path %s", p.Path)
		}
		seen[p.Path] = struct{}{}
	}
	return nil
}

func uniqueStaticIDs(value any) error {
	queries, _ := value.([]StaticQueryConfig)
	seen := make(map[string]struct{}, len(queries))
	for _, q := range queries {
		if _, ok := seen[q.ID]; ok {
			return fmt.Errorf("duplicate static query id %s", q.ID)
		}
		seen[q.ID] = struct{}{}
	}
	return nil
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel:  slog.LevelInfo,
			LogFormat: LogFormatJSON,
			HTTP: HTTPConfig{
				Port: 8000,
			},
		},
		Site: SiteConfig{
			Directory: ".",
		},
		Cache: CacheConfig{
			Path:     ".cache/kiln.db",
			WorkerID: "main",
		},
		Query: QueryConfig{
			SlowThreshold:      15 * time.Second,
			Concurrency:        4,
			SchemaMajorVersion: 4,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Develop: DevelopConfig{
			Watch:         true,
			Debounce:      200 * time.Millisecond,
			EventThrottle: time.Second,
		},
	}
}
