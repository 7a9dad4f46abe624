package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Duration is a time.Duration written as "1s" or "24h" in config files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var secs float64
		if nerr := json.Unmarshal(b, &secs); nerr != nil {
			return fmt.Errorf("duration must be a string like \"1s\": %w", err)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`

	DownloadPath    string `json:"download_path" yaml:"download_path"`
	VODDownloadPath string `json:"vod_download_path" yaml:"vod_download_path"`
	FallbackPath    string `json:"fallback_path" yaml:"fallback_path"`

	StoreBackend string   `json:"store_backend" yaml:"store_backend"`
	TaskFile     string   `json:"task_file" yaml:"task_file"`
	SQLitePath   string   `json:"sqlite_path" yaml:"sqlite_path"`
	SaveInterval Duration `json:"save_interval" yaml:"save_interval"`

	YTDLPPath   string `json:"yt_dlp_path" yaml:"yt_dlp_path"`
	Aria2cPath  string `json:"aria2c_path" yaml:"aria2c_path"`
	UseAria2c   bool   `json:"use_aria2c" yaml:"use_aria2c"`
	Aria2RPCUrl string `json:"aria2_rpc_url" yaml:"aria2_rpc_url"`
	Aria2Secret string `json:"aria2_secret" yaml:"aria2_secret"`

	MaxFilenameLength int      `json:"max_filename_length" yaml:"max_filename_length"`
	MaxLogLines       int      `json:"max_log_lines" yaml:"max_log_lines"`
	MaxTasks          int      `json:"max_tasks" yaml:"max_tasks"`
	TaskRetention     Duration `json:"task_retention" yaml:"task_retention"`
	TerminateGrace    Duration `json:"terminate_grace" yaml:"terminate_grace"`
	CreateShortcuts   bool     `json:"create_shortcuts" yaml:"create_shortcuts"`

	ProbeHLS bool              `json:"probe_hls" yaml:"probe_hls"`
	Headers  map[string]string `json:"headers" yaml:"headers"`

	WebDir   string `json:"web_dir" yaml:"web_dir"`
	LogLevel string `json:"log_level" yaml:"log_level"`
	LogJSON  bool   `json:"log_json" yaml:"log_json"`
}

const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

func Default() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              5000,
		FallbackPath:      "./downloads",
		StoreBackend:      BackendJSON,
		TaskFile:          "tasks.json",
		SQLitePath:        "./data/tasks.db",
		SaveInterval:      Duration(time.Second),
		YTDLPPath:         "yt-dlp",
		Aria2cPath:        "aria2c",
		UseAria2c:         true,
		MaxFilenameLength: 50,
		MaxLogLines:       200,
		MaxTasks:          50,
		TaskRetention:     Duration(24 * time.Hour),
		TerminateGrace:    Duration(5 * time.Second),
		CreateShortcuts:   true,
		ProbeHLS:          true,
		Headers: map[string]string{
			"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		WebDir:   "./web",
		LogLevel: "info",
	}
}

// LoadConfig builds the configuration from defaults, the optional file at
// path (JSON, or YAML for .yaml/.yml), a .env file in the working directory
// and finally the process environment. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // Use defaults
		}
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"DOWNLOAD_PATH":     &c.DownloadPath,
		"VOD_DOWNLOAD_PATH": &c.VODDownloadPath,
		"FALLBACK_PATH":     &c.FallbackPath,
		"TASK_FILE":         &c.TaskFile,
		"HOST":              &c.Host,
		"LOG_LEVEL":         &c.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Port = port
	}
	return nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.StoreBackend {
	case BackendJSON:
		if c.TaskFile == "" {
			return fmt.Errorf("task_file is required for the json backend")
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown store_backend %q", c.StoreBackend)
	}
	if c.MaxTasks < 0 || c.MaxLogLines < 0 || c.MaxFilenameLength < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
