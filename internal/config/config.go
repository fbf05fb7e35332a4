// Package config loads anthill's configuration from anthill.yaml and
// ANTHILL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// ANTHILL_ENGINE_BATCH_SIZE=50.
const EnvPrefix = "ANTHILL"

// ConfigFileName is the file searched for when no explicit path is given.
const ConfigFileName = "anthill.yaml"

// Storage backends
const (
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
	BackendMemory = "memory"
)

// FlagCase controls how captured flag strings are case-normalized.
type FlagCase string

const (
	// FlagCasePreserve keeps the flag exactly as captured (default)
	FlagCasePreserve FlagCase = "preserve"
	// FlagCaseUpper upper-cases every flag
	FlagCaseUpper FlagCase = "upper"
	// FlagCaseLower lower-cases every flag
	FlagCaseLower FlagCase = "lower"
)

var validFlagCases = map[FlagCase]bool{
	FlagCasePreserve: true,
	FlagCaseUpper:    true,
	FlagCaseLower:    true,
}

// Config is the full, validated configuration.
type Config struct {
	DataDir    string     `mapstructure:"data_dir" yaml:"data_dir"`
	Engine     Engine     `mapstructure:"engine" yaml:"engine"`
	Storage    Storage    `mapstructure:"storage" yaml:"storage"`
	Submission Submission `mapstructure:"submission" yaml:"submission"`
	API        API        `mapstructure:"api" yaml:"api"`
	Log        Log        `mapstructure:"log" yaml:"log"`
}

// Engine holds the knobs of the flag lifecycle engine.
type Engine struct {
	// TickLength is the submission cadence; usually the scoring round length.
	TickLength time.Duration `mapstructure:"tick_length" yaml:"tick_length"`
	// ScoringWindow is how long after the first capture a flag still scores.
	ScoringWindow time.Duration `mapstructure:"scoring_window" yaml:"scoring_window"`
	// BatchSize is the hard ceiling on flags per submission request.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`
	// MaxRetries is the number of retries after the first failed attempt.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
	// OwnTeamID and NOPTeamID short-circuit captures from those teams.
	// Negative disables; team 0 is a real team in most games.
	OwnTeamID           int  `mapstructure:"own_team_id" yaml:"own_team_id"`
	NOPTeamID           int  `mapstructure:"nop_team_id" yaml:"nop_team_id"`
	NOPTeamGrantsPoints bool `mapstructure:"nop_team_grants_points" yaml:"nop_team_grants_points"`
	// FlagValuePattern must match the whole normalized flag. The default
	// accepts both FORMAT{...} flags and the 31 character base32 "=" flags.
	FlagValuePattern string   `mapstructure:"flag_value_pattern" yaml:"flag_value_pattern"`
	FlagCase         FlagCase `mapstructure:"flag_case" yaml:"flag_case"`
	// ExpiryInterval is the sweep cadence; 0 means min(TickLength, ScoringWindow).
	ExpiryInterval time.Duration `mapstructure:"expiry_interval" yaml:"expiry_interval"`
	// ShutdownGrace bounds how long an in-flight batch may finish on exit.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

// Storage selects and configures the persistence backend.
type Storage struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Path is the SQLite database file; relative paths live under DataDir.
	Path  string `mapstructure:"path" yaml:"path"`
	MySQL MySQL  `mapstructure:"mysql" yaml:"mysql"`
}

// MySQL holds server-mode connection settings (MySQL or dolt sql-server).
type MySQL struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	Database string `mapstructure:"database" yaml:"database"`
	TLS      bool   `mapstructure:"tls" yaml:"tls"`
}

// Submission configures the scoring endpoint client.
type Submission struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	Token   string        `mapstructure:"token" yaml:"token"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// StatusAliases maps endpoint status strings onto verdict names.
	StatusAliases map[string]string `mapstructure:"status_aliases" yaml:"status_aliases"`
}

// API configures the reporting and capture-intake HTTP server.
type API struct {
	Listen         string   `mapstructure:"listen" yaml:"listen"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// Log configures slog output.
type Log struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DefaultFlagPattern accepts FORMAT{...} flags and the 31 character "="
// terminated flags most attack-defense games hand out.
const DefaultFlagPattern = `[A-Za-z0-9_]+\{[^{}\s]+\}|[A-Z0-9]{31}=`

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		DataDir: ".anthill",
		Engine: Engine{
			TickLength:       60 * time.Second,
			ScoringWindow:    5 * time.Minute,
			BatchSize:        100,
			MaxRetries:       3,
			OwnTeamID:        -1,
			NOPTeamID:        -1,
			FlagValuePattern: DefaultFlagPattern,
			FlagCase:         FlagCasePreserve,
			ShutdownGrace:    15 * time.Second,
		},
		Storage: Storage{
			Backend: BackendSQLite,
			Path:    "anthill.db",
			MySQL: MySQL{
				Host:     "127.0.0.1",
				Port:     3306,
				User:     "root",
				Database: "anthill",
			},
		},
		Submission: Submission{
			Timeout: 10 * time.Second,
		},
		API: API{
			Listen:         "127.0.0.1:8080",
			AllowedOrigins: []string{},
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("engine.tick_length", d.Engine.TickLength)
	v.SetDefault("engine.scoring_window", d.Engine.ScoringWindow)
	v.SetDefault("engine.batch_size", d.Engine.BatchSize)
	v.SetDefault("engine.max_retries", d.Engine.MaxRetries)
	v.SetDefault("engine.own_team_id", d.Engine.OwnTeamID)
	v.SetDefault("engine.nop_team_id", d.Engine.NOPTeamID)
	v.SetDefault("engine.nop_team_grants_points", d.Engine.NOPTeamGrantsPoints)
	v.SetDefault("engine.flag_value_pattern", d.Engine.FlagValuePattern)
	v.SetDefault("engine.flag_case", string(d.Engine.FlagCase))
	v.SetDefault("engine.expiry_interval", d.Engine.ExpiryInterval)
	v.SetDefault("engine.shutdown_grace", d.Engine.ShutdownGrace)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.mysql.host", d.Storage.MySQL.Host)
	v.SetDefault("storage.mysql.port", d.Storage.MySQL.Port)
	v.SetDefault("storage.mysql.user", d.Storage.MySQL.User)
	v.SetDefault("storage.mysql.password", d.Storage.MySQL.Password)
	v.SetDefault("storage.mysql.database", d.Storage.MySQL.Database)
	v.SetDefault("storage.mysql.tls", d.Storage.MySQL.TLS)

	v.SetDefault("submission.url", d.Submission.URL)
	v.SetDefault("submission.token", d.Submission.Token)
	v.SetDefault("submission.timeout", d.Submission.Timeout)

	v.SetDefault("api.listen", d.API.Listen)
	v.SetDefault("api.allowed_origins", d.API.AllowedOrigins)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load reads configuration from path (or the discovered anthill.yaml when
// path is empty), applies ANTHILL_* environment overrides and validates the
// result. A missing config file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if found := findConfigFile(); found != "" {
		v.SetConfigFile(found)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", found, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// findConfigFile looks in the working directory, then the user config dir.
func findConfigFile() string {
	candidates := []string{ConfigFileName}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "anthill", ConfigFileName))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

// Validate checks the configuration and fills derived defaults.
func (c *Config) Validate() error {
	var errs []error

	e := &c.Engine
	if e.TickLength <= 0 {
		errs = append(errs, fmt.Errorf("engine.tick_length must be positive (got %s)", e.TickLength))
	}
	if e.ScoringWindow <= 0 {
		errs = append(errs, fmt.Errorf("engine.scoring_window must be positive (got %s)", e.ScoringWindow))
	}
	if e.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("engine.batch_size must be positive (got %d)", e.BatchSize))
	}
	if e.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("engine.max_retries must be non-negative (got %d)", e.MaxRetries))
	}
	if e.ShutdownGrace < 0 {
		errs = append(errs, fmt.Errorf("engine.shutdown_grace must be non-negative (got %s)", e.ShutdownGrace))
	}
	if _, err := regexp.Compile(e.FlagValuePattern); err != nil {
		errs = append(errs, fmt.Errorf("engine.flag_value_pattern: %w", err))
	}
	e.FlagCase = FlagCase(strings.ToLower(string(e.FlagCase)))
	if e.FlagCase == "" {
		e.FlagCase = FlagCasePreserve
	}
	if !validFlagCases[e.FlagCase] {
		errs = append(errs, fmt.Errorf("engine.flag_case: %q is invalid (valid values: preserve, upper, lower)", e.FlagCase))
	}
	if e.ExpiryInterval == 0 && e.TickLength > 0 && e.ScoringWindow > 0 {
		e.ExpiryInterval = min(e.TickLength, e.ScoringWindow)
	}
	if e.ExpiryInterval < 0 || (e.ScoringWindow > 0 && e.ExpiryInterval > e.ScoringWindow) {
		errs = append(errs, fmt.Errorf("engine.expiry_interval must be in (0, scoring_window] (got %s)", e.ExpiryInterval))
	}

	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for the sqlite backend"))
		}
	case BackendMySQL:
		if c.Storage.MySQL.Host == "" || c.Storage.MySQL.Database == "" {
			errs = append(errs, errors.New("storage.mysql.host and storage.mysql.database are required for the mysql backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.backend: %q is invalid (valid values: sqlite, mysql, memory)", c.Storage.Backend))
	}

	if c.Submission.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("submission.timeout must be positive (got %s)", c.Submission.Timeout))
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: %q is invalid (valid values: text, json)", c.Log.Format))
	}

	return errors.Join(errs...)
}

// FlagPattern compiles the configured flag pattern, anchored so the whole
// normalized value has to match.
func (e Engine) FlagPattern() (*regexp.Regexp, error) {
	return regexp.Compile(`^(?:` + e.FlagValuePattern + `)$`)
}

// SQLitePath resolves the SQLite database file against DataDir.
func (c *Config) SQLitePath() string {
	if filepath.IsAbs(c.Storage.Path) {
		return c.Storage.Path
	}
	return filepath.Join(c.DataDir, c.Storage.Path)
}
