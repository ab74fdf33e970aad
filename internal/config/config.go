package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	VaultPath       string           `mapstructure:"vault_path" validate:"required,dir"`
	Fields          FieldsConfig     `mapstructure:"fields"`
	Indexer         IndexerConfig    `mapstructure:"indexer"`
	Recurrence      RecurrenceConfig `mapstructure:"recurrence"`
	Sync            SyncConfig       `mapstructure:"sync"`
	Accounts        []AccountConfig  `mapstructure:"accounts" validate:"dive"`
	Database        DatabaseConfig   `mapstructure:"database"`
	IgnorePatterns  []string         `mapstructure:"ignore_patterns"`
	IncludePatterns []string         `mapstructure:"include_patterns"`
	UndoLimit       int              `mapstructure:"undo_limit" validate:"min=1,max=500"`
}

// FieldsConfig maps event properties to frontmatter keys. Every key is
// user-configurable; there is no fixed schema.
type FieldsConfig struct {
	Start             string `mapstructure:"start" validate:"required"`
	End               string `mapstructure:"end" validate:"required"`
	Date              string `mapstructure:"date" validate:"required"`
	AllDay            string `mapstructure:"all_day" validate:"required"`
	Title             string `mapstructure:"title" validate:"required"`
	Skip              string `mapstructure:"skip" validate:"required"`
	RecurrenceType    string `mapstructure:"recurrence_type" validate:"required"`
	RecurrenceSpec    string `mapstructure:"recurrence_spec" validate:"required"`
	RecurrenceGroupID string `mapstructure:"recurrence_group_id" validate:"required"`
	InstanceDate      string `mapstructure:"instance_date" validate:"required"`
	FutureInstances   string `mapstructure:"future_instances" validate:"required"`
	RecurrenceOff     string `mapstructure:"recurrence_disabled" validate:"required"`
	Source            string `mapstructure:"source" validate:"required"`
	CalendarSync      string `mapstructure:"calendar_sync" validate:"required"`
}

// IndexerConfig holds scan and watch settings
type IndexerConfig struct {
	Concurrency      int `mapstructure:"concurrency" validate:"min=1,max=256"`
	DebounceMs       int `mapstructure:"debounce_ms" validate:"min=0"`
	NotifyDebounceMs int `mapstructure:"notify_debounce_ms" validate:"min=0"`
}

// RecurrenceConfig holds recurring event settings
type RecurrenceConfig struct {
	FutureInstances int `mapstructure:"future_instances" validate:"min=1,max=52"`
}

// SyncConfig holds remote calendar sync behavior settings
type SyncConfig struct {
	Schedule     string `mapstructure:"schedule"`
	DeletePolicy string `mapstructure:"delete_policy" validate:"oneof=always never ask"`
	Concurrency  int    `mapstructure:"concurrency" validate:"min=1,max=64"`
	StateFile    string `mapstructure:"state_file"`
}

// AccountConfig describes one CalDAV account
type AccountConfig struct {
	ID        string           `mapstructure:"id" validate:"required"`
	URL       string           `mapstructure:"url" validate:"required,url"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Calendars []CalendarConfig `mapstructure:"calendars" validate:"dive"`
}

// AuthConfig holds credentials for a CalDAV account. Secrets may come from the
// config file (with ${ENV} expansion) or from the OS keyring.
type AuthConfig struct {
	Type           string `mapstructure:"type" validate:"oneof=basic oauth2"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	KeyringService string `mapstructure:"keyring_service"`
	ClientID       string `mapstructure:"client_id"`
	ClientSecret   string `mapstructure:"client_secret"`
	TokenURL       string `mapstructure:"token_url"`
	RefreshToken   string `mapstructure:"refresh_token"`
}

// CalendarConfig binds a remote calendar collection to a vault folder
type CalendarConfig struct {
	Handle string `mapstructure:"handle" validate:"required"`
	Folder string `mapstructure:"folder" validate:"required"`
}

// DatabaseConfig holds settings for the optional Postgres index mirror
type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host" validate:"required_if=Enabled true"`
	Port     int    `mapstructure:"port" validate:"min=1,max=65535"`
	User     string `mapstructure:"user" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database" validate:"required_if=Enabled true"`
	Schema   string `mapstructure:"schema"` // Optional: derived from vault name if not specified
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, sslMode,
	)
	if d.Schema != "" {
		connStr += "&search_path=" + d.Schema + ",public"
	}
	return connStr
}

// Account returns the account with the given id
func (c *Config) Account(id string) (*AccountConfig, bool) {
	for i := range c.Accounts {
		if c.Accounts[i].ID == id {
			return &c.Accounts[i], true
		}
	}
	return nil, false
}

// DefaultFields returns the default frontmatter key mapping
func DefaultFields() FieldsConfig {
	return FieldsConfig{
		Start:             "start",
		End:               "end",
		Date:              "date",
		AllDay:            "allDay",
		Title:             "title",
		Skip:              "skip",
		RecurrenceType:    "rrule",
		RecurrenceSpec:    "rruleSpec",
		RecurrenceGroupID: "rruleId",
		InstanceDate:      "instanceDate",
		FutureInstances:   "futureInstances",
		RecurrenceOff:     "rruleDisabled",
		Source:            "source",
		CalendarSync:      "calendarSync",
	}
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Fields: DefaultFields(),
		Indexer: IndexerConfig{
			Concurrency:      10,
			DebounceMs:       500,
			NotifyDebounceMs: 100,
		},
		Recurrence: RecurrenceConfig{
			FutureInstances: 2,
		},
		Sync: SyncConfig{
			Schedule:     "*/15 * * * *",
			DeletePolicy: "ask",
			Concurrency:  10,
		},
		Database: DatabaseConfig{
			Port:    5432,
			SSLMode: "require",
		},
		IgnorePatterns: []string{
			".obsidian/**",
			".trash/**",
			".git/**",
			"**/.DS_Store",
			"**/node_modules/**",
		},
		UndoLimit: 50,
	}
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	setDefaults(v, defaults)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("VAULTCAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is okay if we have environment variables
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("fields.start", d.Fields.Start)
	v.SetDefault("fields.end", d.Fields.End)
	v.SetDefault("fields.date", d.Fields.Date)
	v.SetDefault("fields.all_day", d.Fields.AllDay)
	v.SetDefault("fields.title", d.Fields.Title)
	v.SetDefault("fields.skip", d.Fields.Skip)
	v.SetDefault("fields.recurrence_type", d.Fields.RecurrenceType)
	v.SetDefault("fields.recurrence_spec", d.Fields.RecurrenceSpec)
	v.SetDefault("fields.recurrence_group_id", d.Fields.RecurrenceGroupID)
	v.SetDefault("fields.instance_date", d.Fields.InstanceDate)
	v.SetDefault("fields.future_instances", d.Fields.FutureInstances)
	v.SetDefault("fields.recurrence_disabled", d.Fields.RecurrenceOff)
	v.SetDefault("fields.source", d.Fields.Source)
	v.SetDefault("fields.calendar_sync", d.Fields.CalendarSync)
	v.SetDefault("indexer.concurrency", d.Indexer.Concurrency)
	v.SetDefault("indexer.debounce_ms", d.Indexer.DebounceMs)
	v.SetDefault("indexer.notify_debounce_ms", d.Indexer.NotifyDebounceMs)
	v.SetDefault("recurrence.future_instances", d.Recurrence.FutureInstances)
	v.SetDefault("sync.schedule", d.Sync.Schedule)
	v.SetDefault("sync.delete_policy", d.Sync.DeletePolicy)
	v.SetDefault("sync.concurrency", d.Sync.Concurrency)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.sslmode", d.Database.SSLMode)
	v.SetDefault("ignore_patterns", d.IgnorePatterns)
	v.SetDefault("undo_limit", d.UndoLimit)
}

// normalize expands paths and secrets and fills per-entry defaults that
// viper cannot express for slices of structs.
func (c *Config) normalize() {
	c.VaultPath = expandPath(c.VaultPath)
	c.Database.Password = os.ExpandEnv(c.Database.Password)

	if c.Database.Schema == "" {
		c.Database.Schema = SanitizeIdentifier(filepath.Base(c.VaultPath))
	}
	if c.Sync.StateFile != "" {
		c.Sync.StateFile = expandPath(c.Sync.StateFile)
	}

	for i := range c.Accounts {
		auth := &c.Accounts[i].Auth
		if auth.Type == "" {
			auth.Type = "basic"
		}
		auth.Password = os.ExpandEnv(auth.Password)
		auth.ClientSecret = os.ExpandEnv(auth.ClientSecret)
		auth.RefreshToken = os.ExpandEnv(auth.RefreshToken)
		for j := range c.Accounts[i].Calendars {
			cal := &c.Accounts[i].Calendars[j]
			cal.Folder = filepath.ToSlash(strings.Trim(cal.Folder, "/"))
		}
	}
}

// Validate checks cfg against its struct tags and cross-field rules
func Validate(cfg *Config) error {
	validate := validator.New()

	// Register custom validation for directory existence
	validate.RegisterValidation("dir", func(fl validator.FieldLevel) bool {
		path := fl.Field().String()
		if path == "" {
			return false
		}
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		return info.IsDir()
	})

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	seen := make(map[string]bool)
	for _, acc := range cfg.Accounts {
		if seen[acc.ID] {
			return fmt.Errorf("config validation failed: duplicate account id %q", acc.ID)
		}
		seen[acc.ID] = true

		if acc.Auth.Type == "oauth2" && (acc.Auth.ClientID == "" || acc.Auth.TokenURL == "") {
			return fmt.Errorf("config validation failed: account %q: oauth2 requires client_id and token_url", acc.ID)
		}
	}

	return nil
}

// getConfigDir returns the appropriate config directory for the OS
func getConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "vaultcal")
		}
		return filepath.Join(os.Getenv("USERPROFILE"), ".config", "vaultcal")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "vaultcal")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "vaultcal")
	}
}

// GetStateDir returns the directory for storing state files
func GetStateDir() (string, error) {
	dir := getConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	return dir, nil
}

// expandPath expands ~ and environment variables in a path
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	return os.ExpandEnv(path)
}

// SanitizeIdentifier converts a vault name into a valid PostgreSQL identifier
// used as the mirror schema name.
// Rules:
// - Lowercase only
// - Starts with letter or underscore
// - Contains only letters, digits, underscores
// - Spaces and hyphens become underscores
// - Max 63 characters (PostgreSQL limit)
func SanitizeIdentifier(name string) string {
	name = strings.ToLower(name)

	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")

	reg := regexp.MustCompile(`[^a-z0-9_]`)
	name = reg.ReplaceAllString(name, "")

	reg = regexp.MustCompile(`_+`)
	name = reg.ReplaceAllString(name, "_")

	name = strings.Trim(name, "_")

	if len(name) == 0 {
		name = "vault"
	} else if unicode.IsDigit(rune(name[0])) {
		name = "vault_" + name
	}

	if len(name) > 63 {
		name = name[:63]
		name = strings.TrimRight(name, "_")
	}

	return name
}
