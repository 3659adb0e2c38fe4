// Package config loads the Run Manager's configuration in layers: a YAML
// file for structured settings, environment variables (including any a .env
// file supplies without overriding variables already set), and finally CLI
// flags — each layer overriding the previous one (spec §3, C8). This mirrors the teacher's godotenv+yaml.v3 layering,
// generalized with a flag layer on top since this service is a standalone
// binary rather than one deployment among several environments.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"sapporo/internal/wes/model"
)

// Config is the fully resolved, ready-to-use configuration.
type Config struct {
	Host string
	Port int
	Debug bool

	RunDir              string
	ServiceInfoPath     string
	ExecutableWorkflows []string
	RunSh               string
	AuthConfigPath      string

	URLPrefix   string
	BaseURL     string
	AllowOrigin []string

	RunRemoveOlderThanDays int
	SnapshotInterval       time.Duration

	RegisteredOnlyMode bool

	RegisteredWorkflows     []RegisteredWorkflow
	SupportedTypeVersions   map[string][]string
	DefaultEngineParameters map[string]map[string]string
	RequireTypeVersion      bool

	AllowInsecureIdP bool

	Auth model.AuthConfig

	// Archive holds the optional S3-compatible archival target (SPEC_FULL's
	// domain stack addition). Endpoint == "" disables archiving. There is no
	// flag for this deliberately: credentials come only from the environment
	// (the YAML overlay has no archive fields), never from a command line
	// visible in `ps`.
	Archive ArchiveConfig
}

// ArchiveConfig mirrors objstore.Config's shape so config doesn't need to
// import the objstore package just to describe its settings.
type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// RegisteredWorkflow is one entry of the --service-info overlay's
// registered_workflows list (SPEC_FULL "registered-only mode"), still in
// string form here since config doesn't import validator or model just to
// describe its own YAML shape; main.go converts these to
// validator.RegisteredWorkflow.
type RegisteredWorkflow struct {
	WorkflowName             string            `yaml:"workflow_name"`
	WorkflowURL              string            `yaml:"workflow_url"`
	WorkflowType             string            `yaml:"workflow_type"`
	WorkflowTypeVersion      string            `yaml:"workflow_type_version"`
	WorkflowEngine           string            `yaml:"workflow_engine"`
	WorkflowEngineParameters map[string]string `yaml:"workflow_engine_parameters"`
}

// Default returns the built-in defaults, matching
// original_source/sapporo/config.py's constants where this service exposes
// the same knob.
func Default() Config {
	return Config{
		Host:                   "127.0.0.1",
		Port:                   1122,
		RunDir:                 "./runs",
		AllowOrigin:            []string{"*"},
		RunRemoveOlderThanDays: 0, // 0 disables the sweep
		SnapshotInterval:       30 * time.Minute,
	}
}

// flagValues holds the raw values Load's private flag.FlagSet parses from
// args, before applyFlags copies the explicitly set ones into Config.
type flagValues struct {
	host                string
	port                int
	debug               bool
	runDir              string
	serviceInfo         string
	executableWorkflows string
	runSh               string
	authConfig          string
	urlPrefix           string
	baseURL             string
	allowOrigin         string
	removeOlderThanDays int
	snapshotInterval    time.Duration
	registeredOnly      bool
}

// Load resolves configuration from, in increasing priority: built-in
// defaults, an optional YAML file, environment variables (SAPPORO_*, which
// an optional .env file may supply for variables not already set), then CLI
// flags parsed from args.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load() // best effort; a missing .env is not an error

	fs := flag.NewFlagSet("sapporo", flag.ContinueOnError)
	fv := flagValues{}
	fs.StringVar(&fv.host, "host", "", "bind host")
	fs.IntVar(&fv.port, "port", 0, "bind port")
	fs.BoolVar(&fv.debug, "debug", false, "enable debug logging")
	fs.StringVar(&fv.runDir, "run-dir", "", "run directory root")
	fs.StringVar(&fv.serviceInfo, "service-info", "", "path to a service-info.json overlay")
	fs.StringVar(&fv.executableWorkflows, "executable-workflows", "", "path to an executable workflow whitelist YAML")
	fs.StringVar(&fv.runSh, "run-sh", "", "path to the dispatcher script")
	fs.StringVar(&fv.authConfig, "auth-config", "", "path to an auth-config YAML")
	fs.StringVar(&fv.urlPrefix, "url-prefix", "", "URL path prefix this service is mounted under")
	fs.StringVar(&fv.baseURL, "base-url", "", "externally visible base URL, for reverse-proxy awareness")
	fs.StringVar(&fv.allowOrigin, "allow-origin", "", "comma-separated CORS allow-origin list")
	fs.IntVar(&fv.removeOlderThanDays, "run-remove-older-than-days", -1, "delete terminal run directories older than this many days (<=0 disables)")
	fs.DurationVar(&fv.snapshotInterval, "snapshot-interval", 0, "SQLite snapshot rebuild interval")
	fs.BoolVar(&fv.registeredOnly, "registered-only-mode", false, "only accept workflow_url values naming a registered workflow")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()

	if path := os.Getenv("SAPPORO_CONFIG_YAML"); path != "" {
		if err := applyYAML(&cfg, path); err != nil {
			return nil, fmt.Errorf("load yaml config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	applyFlags(&cfg, fs, fv)

	if cfg.AuthConfigPath != "" {
		auth, err := loadAuthConfig(cfg.AuthConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load auth config %s: %w", cfg.AuthConfigPath, err)
		}
		cfg.Auth = *auth
	}

	if cfg.ServiceInfoPath != "" {
		overlay, err := loadServiceInfoOverlay(cfg.ServiceInfoPath)
		if err != nil {
			return nil, fmt.Errorf("load service-info overlay %s: %w", cfg.ServiceInfoPath, err)
		}
		cfg.RegisteredWorkflows = overlay.RegisteredWorkflows
		cfg.SupportedTypeVersions = overlay.SupportedTypeVersions
		cfg.DefaultEngineParameters = overlay.DefaultWorkflowEngineParameters
		cfg.RequireTypeVersion = overlay.RequireTypeVersion
	}

	if v := os.Getenv("SAPPORO_ALLOW_INSECURE_IDP"); v != "" {
		cfg.AllowInsecureIdP = true
	}

	applyArchiveEnv(&cfg)

	return &cfg, nil
}

func applyArchiveEnv(cfg *Config) {
	if v := os.Getenv("SAPPORO_S3_ENDPOINT"); v != "" {
		cfg.Archive.Endpoint = v
	}
	if v := os.Getenv("SAPPORO_S3_ACCESS_KEY"); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := os.Getenv("SAPPORO_S3_SECRET_KEY"); v != "" {
		cfg.Archive.SecretKey = v
	}
	if v := os.Getenv("SAPPORO_S3_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("SAPPORO_S3_USE_SSL"); v != "" {
		cfg.Archive.UseSSL = v == "1" || v == "true"
	}
}

// yamlOverlay is the shape of the optional structured config file, covering
// settings that don't map cleanly onto a single flag/env pair.
type yamlOverlay struct {
	Host                   string   `yaml:"host"`
	Port                   int      `yaml:"port"`
	Debug                  bool     `yaml:"debug"`
	RunDir                 string   `yaml:"run_dir"`
	ServiceInfoPath        string   `yaml:"service_info"`
	ExecutableWorkflows    []string `yaml:"executable_workflows"`
	RunSh                  string   `yaml:"run_sh"`
	AuthConfigPath         string   `yaml:"auth_config"`
	URLPrefix              string   `yaml:"url_prefix"`
	BaseURL                string   `yaml:"base_url"`
	AllowOrigin            []string `yaml:"allow_origin"`
	RunRemoveOlderThanDays int      `yaml:"run_remove_older_than_days"`
	SnapshotInterval       string   `yaml:"snapshot_interval"`
	RegisteredOnlyMode     bool     `yaml:"registered_only_mode"`
}

func applyYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var ov yamlOverlay
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return err
	}
	if ov.Host != "" {
		cfg.Host = ov.Host
	}
	if ov.Port != 0 {
		cfg.Port = ov.Port
	}
	cfg.Debug = cfg.Debug || ov.Debug
	if ov.RunDir != "" {
		cfg.RunDir = ov.RunDir
	}
	if ov.ServiceInfoPath != "" {
		cfg.ServiceInfoPath = ov.ServiceInfoPath
	}
	if len(ov.ExecutableWorkflows) > 0 {
		cfg.ExecutableWorkflows = ov.ExecutableWorkflows
	}
	if ov.RunSh != "" {
		cfg.RunSh = ov.RunSh
	}
	if ov.AuthConfigPath != "" {
		cfg.AuthConfigPath = ov.AuthConfigPath
	}
	if ov.URLPrefix != "" {
		cfg.URLPrefix = ov.URLPrefix
	}
	if ov.BaseURL != "" {
		cfg.BaseURL = ov.BaseURL
	}
	if len(ov.AllowOrigin) > 0 {
		cfg.AllowOrigin = ov.AllowOrigin
	}
	if ov.RunRemoveOlderThanDays != 0 {
		cfg.RunRemoveOlderThanDays = ov.RunRemoveOlderThanDays
	}
	if ov.SnapshotInterval != "" {
		if d, err := time.ParseDuration(ov.SnapshotInterval); err == nil {
			cfg.SnapshotInterval = d
		}
	}
	cfg.RegisteredOnlyMode = cfg.RegisteredOnlyMode || ov.RegisteredOnlyMode
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SAPPORO_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("SAPPORO_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("SAPPORO_DEBUG"); v != "" {
		cfg.Debug = v == "1" || v == "true"
	}
	if v := os.Getenv("SAPPORO_RUN_DIR"); v != "" {
		cfg.RunDir = v
	}
	if v := os.Getenv("SAPPORO_SERVICE_INFO"); v != "" {
		cfg.ServiceInfoPath = v
	}
	if v := os.Getenv("SAPPORO_RUN_SH"); v != "" {
		cfg.RunSh = v
	}
	if v := os.Getenv("SAPPORO_AUTH_CONFIG"); v != "" {
		cfg.AuthConfigPath = v
	}
	if v := os.Getenv("SAPPORO_URL_PREFIX"); v != "" {
		cfg.URLPrefix = v
	}
	if v := os.Getenv("SAPPORO_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("SAPPORO_RUN_REMOVE_OLDER_THAN_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RunRemoveOlderThanDays = n
		}
	}
	if v := os.Getenv("SAPPORO_SNAPSHOT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SnapshotInterval = d
		}
	}
	if v := os.Getenv("SAPPORO_REGISTERED_ONLY_MODE"); v != "" {
		cfg.RegisteredOnlyMode = v == "1" || v == "true"
	}
}

func applyFlags(cfg *Config, fs *flag.FlagSet, fv flagValues) {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["host"] {
		cfg.Host = fv.host
	}
	if set["port"] {
		cfg.Port = fv.port
	}
	if set["debug"] {
		cfg.Debug = fv.debug
	}
	if set["run-dir"] {
		cfg.RunDir = fv.runDir
	}
	if set["service-info"] {
		cfg.ServiceInfoPath = fv.serviceInfo
	}
	if set["run-sh"] {
		cfg.RunSh = fv.runSh
	}
	if set["auth-config"] {
		cfg.AuthConfigPath = fv.authConfig
	}
	if set["url-prefix"] {
		cfg.URLPrefix = fv.urlPrefix
	}
	if set["base-url"] {
		cfg.BaseURL = fv.baseURL
	}
	if set["allow-origin"] {
		cfg.AllowOrigin = splitCSV(fv.allowOrigin)
	}
	if set["run-remove-older-than-days"] {
		cfg.RunRemoveOlderThanDays = fv.removeOlderThanDays
	}
	if set["snapshot-interval"] {
		cfg.SnapshotInterval = fv.snapshotInterval
	}
	if set["registered-only-mode"] {
		cfg.RegisteredOnlyMode = fv.registeredOnly
	}
	if set["executable-workflows"] && fv.executableWorkflows != "" {
		if list, err := loadWorkflowWhitelist(fv.executableWorkflows); err == nil {
			cfg.ExecutableWorkflows = list
		}
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func loadWorkflowWhitelist(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list []string
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func loadAuthConfig(path string) (*model.AuthConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg model.AuthConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// serviceInfoOverlay is the --service-info YAML's shape: the registered-only
// workflow list plus the compatibility-matrix knobs that were otherwise
// unreachable from any flag/env pair (SPEC_FULL "registered-only mode",
// SUPPLEMENTED FEATURES #5, spec.md B1).
type serviceInfoOverlay struct {
	RegisteredWorkflows             []RegisteredWorkflow          `yaml:"registered_workflows"`
	SupportedTypeVersions           map[string][]string           `yaml:"supported_type_versions"`
	DefaultWorkflowEngineParameters map[string]map[string]string  `yaml:"default_workflow_engine_parameters"`
	RequireTypeVersion              bool                          `yaml:"require_type_version"`
}

func loadServiceInfoOverlay(path string) (*serviceInfoOverlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var overlay serviceInfoOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, err
	}
	return &overlay, nil
}
