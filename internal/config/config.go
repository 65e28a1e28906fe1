package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the file-backed configuration for the CLI and the gateway.
// The SDK itself is configured programmatically; this layer only feeds it.
type Config struct {
	Gateway           GatewayConfig   `yaml:"gateway"`
	Rules             map[string]bool `yaml:"rules"`
	CustomRules       []CustomRule    `yaml:"custom_rules"`
	GlobalReplaceWith string          `yaml:"global_replace_with"`
	Dashboard         DashboardConfig `yaml:"dashboard"`
	Redact            RedactConfig    `yaml:"redact"`
	Log               LogConfig       `yaml:"log"`
}

// GatewayConfig holds the forward-proxy settings.
type GatewayConfig struct {
	Listen string `yaml:"listen"`
	// InterceptMode 控制 HTTPS CONNECT 的处理方式：
	// - global：对所有域名启用 MITM（默认）
	// - targets：仅对 targets 中启用的 host 启用 MITM（更安全，避免影响非目标流量）
	InterceptMode string         `yaml:"intercept_mode"`
	Targets       []TargetConfig `yaml:"targets"`
}

// TargetConfig represents one upstream host the gateway intercepts.
type TargetConfig struct {
	Host    string `yaml:"host"`
	Enabled bool   `yaml:"enabled"`
}

// CustomRule is a user-supplied pattern with its replacement label.
type CustomRule struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Label   string `yaml:"label" json:"label"`
}

// DashboardConfig holds compliance-endpoint settings.
type DashboardConfig struct {
	APIKey        string `yaml:"api_key"`
	APIURL        string `yaml:"api_url"`
	FailSilent    *bool  `yaml:"fail_silent"`
	HookTimeoutMS int    `yaml:"hook_timeout_ms"`
}

// RedactConfig holds engine tunables.
type RedactConfig struct {
	MaxDepth int `yaml:"max_depth"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default configuration values. Never hand out defaultConfig directly:
// its map and slice fields would be shared and mutated by unmarshal/merge.
var defaultConfig = Config{
	Gateway: GatewayConfig{
		Listen:        "127.0.0.1:28691",
		InterceptMode: "targets",
		Targets: []TargetConfig{
			{Host: "api.anthropic.com", Enabled: true},
			{Host: "api.openai.com", Enabled: true},
			{Host: "generativelanguage.googleapis.com", Enabled: true},
		},
	},
	Rules: map[string]bool{},
	Log: LogConfig{
		Level: "info",
		File:  "~/.redactpii/redactpii.log",
	},
}

func defaults() Config {
	cfg := defaultConfig
	cfg.Rules = make(map[string]bool, len(defaultConfig.Rules))
	for k, v := range defaultConfig.Rules {
		cfg.Rules[k] = v
	}
	cfg.Gateway.Targets = append([]TargetConfig(nil), defaultConfig.Gateway.Targets...)
	cfg.CustomRules = append([]CustomRule(nil), defaultConfig.CustomRules...)
	return cfg
}

// ConfigPath returns the expanded global config file path.
func ConfigPath() string {
	if cfgPath := os.Getenv("REDACTPII_CONFIG"); cfgPath != "" {
		return expandPath(cfgPath)
	}
	return filepath.Join(homeDir(), ".redactpii", "config.yaml")
}

// ProjectConfigPath returns the project-level config path.
func ProjectConfigPath() string {
	return ".redactpii.yaml"
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	return os.Getenv("USERPROFILE") // Windows
}

// DataDir returns the data directory path (CA material, logs).
func DataDir() string {
	return filepath.Join(homeDir(), ".redactpii")
}

// expandPath expands ~ in path
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(os.PathSeparator)) {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}

// Manager handles config loading, merging, and hot-reload.
type Manager struct {
	mu      sync.RWMutex
	config  Config
	watcher *fsnotify.Watcher
	// configPath 为全局配置文件路径；通过 CLI --config 指定时写入该路径。
	configPath string
	// projectPath 为项目级覆盖配置路径（默认 .redactpii.yaml）。
	projectPath string
	// patternCrypto 用于把 custom_rules 的 pattern 与 dashboard.api_key
	// 以加密形式落盘（进程内仍为明文）。密钥由上层从口令派生后注入。
	patternCrypto *patternCrypto
}

// Load loads configuration from the given file path (or the defaults when
// cfgFile is empty) and returns a Manager.
func Load(cfgFile string) (*Manager, error) {
	m := NewManager()

	if cfgFile != "" {
		configPath := expandPath(cfgFile)
		if abs, err := filepath.Abs(configPath); err == nil {
			configPath = abs
		}
		m.configPath = configPath
	}
	if err := m.Load(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewManager creates a new config manager with default paths.
func NewManager() *Manager {
	globalPath := ConfigPath()
	if abs, err := filepath.Abs(globalPath); err == nil {
		globalPath = abs
	}
	projectPath := ProjectConfigPath()
	if abs, err := filepath.Abs(projectPath); err == nil {
		projectPath = abs
	}
	return &Manager{
		config:      defaults(),
		configPath:  globalPath,
		projectPath: projectPath,
	}
}

// Load reads the global config and merges the project config over it.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := defaults()

	if data, err := os.ReadFile(m.configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return err
		}
		slog.Debug("Loaded config", "path", m.configPath)
	} else if !os.IsNotExist(err) {
		return err
	}

	if data, err := os.ReadFile(m.projectPath); err == nil {
		var projectCfg Config
		if err := yaml.Unmarshal(data, &projectCfg); err != nil {
			return err
		}
		cfg = mergeConfigs(cfg, projectCfg)
		slog.Debug("Merged project config", "path", m.projectPath)
	} else if !os.IsNotExist(err) {
		return err
	}

	// 若启用了落盘加密，先把密文解密为明文，再做 sanitize。
	if err := m.decryptLoadedSecrets(&cfg); err != nil {
		return err
	}

	// 规范化配置：清理不可见字符、修正标签等，避免“规则看起来已配置但实际不生效”。
	sanitizeLoadedConfig(&cfg)

	m.config = cfg
	return nil
}

func sanitizeLoadedConfig(cfg *Config) {
	if cfg == nil {
		return
	}

	cfg.Gateway.Listen = strings.TrimSpace(cfg.Gateway.Listen)
	cfg.Gateway.InterceptMode = strings.TrimSpace(cfg.Gateway.InterceptMode)

	if len(cfg.CustomRules) > 0 {
		out := make([]CustomRule, 0, len(cfg.CustomRules))
		for _, cr := range cfg.CustomRules {
			pat := strings.TrimSpace(cr.Pattern)
			if pat == "" {
				continue
			}
			// 回退值传空串：标签缺省的语义留给引擎决定，避免把默认
			// 标签固化进随后落盘的配置文件。
			label := SanitizeLabel(cr.Label, "")
			out = append(out, CustomRule{Pattern: pat, Label: label})
		}
		cfg.CustomRules = out
	}

	if len(cfg.Gateway.Targets) > 0 {
		out := make([]TargetConfig, 0, len(cfg.Gateway.Targets))
		for _, t := range cfg.Gateway.Targets {
			h := strings.TrimSpace(t.Host)
			if h == "" {
				continue
			}
			out = append(out, TargetConfig{Host: h, Enabled: t.Enabled})
		}
		cfg.Gateway.Targets = out
	}

	cfg.Dashboard.APIKey = strings.TrimSpace(cfg.Dashboard.APIKey)
	cfg.Dashboard.APIURL = strings.TrimSpace(cfg.Dashboard.APIURL)
}

// Get returns the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Update applies a mutation function to the config and saves to disk.
func (m *Manager) Update(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.config)
	return m.saveLocked()
}

// saveLocked writes the current config to disk (must be called with mu held).
func (m *Manager) saveLocked() error {
	toSave, err := m.encryptSecretsForSave(m.config)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(&toSave)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(m.configPath, data, 0600); err != nil {
		return err
	}
	// 保底：若文件已存在，WriteFile 不一定会覆盖权限；这里再 chmod 一次。
	_ = os.Chmod(m.configPath, 0600)
	return nil
}

// Watch starts watching for config file changes.
func (m *Manager) Watch(onChange func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watcher != nil {
		return nil // Already watching
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	cfgPath := filepath.Clean(m.configPath)
	if err := watcher.Add(filepath.Dir(cfgPath)); err != nil {
		return err
	}

	projectPath := filepath.Clean(m.projectPath)
	if _, err := os.Stat(projectPath); err == nil {
		if err := watcher.Add(filepath.Dir(projectPath)); err != nil {
			return err
		}
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				name := filepath.Clean(event.Name)
				if name == cfgPath || name == projectPath {
					slog.Info("Config file changed, reloading...")
					if err := m.Load(); err != nil {
						slog.Error("Failed to reload config", "error", err)
					} else if onChange != nil {
						onChange()
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watcher error", "error", err)
			}
		}
	}()

	return nil
}

// Close stops the config watcher.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// mergeConfigs merges project config over global config.
func mergeConfigs(global, project Config) Config {
	result := global

	// 规则开关与自定义规则按“项目追加/覆盖”处理
	if len(project.Rules) > 0 {
		if result.Rules == nil {
			result.Rules = map[string]bool{}
		}
		for k, v := range project.Rules {
			result.Rules[k] = v
		}
	}
	if len(project.CustomRules) > 0 {
		result.CustomRules = append(result.CustomRules, project.CustomRules...)
	}
	if len(project.Gateway.Targets) > 0 {
		result.Gateway.Targets = append(result.Gateway.Targets, project.Gateway.Targets...)
	}

	if project.Gateway.Listen != "" {
		result.Gateway.Listen = project.Gateway.Listen
	}
	if project.Gateway.InterceptMode != "" {
		result.Gateway.InterceptMode = project.Gateway.InterceptMode
	}
	if project.GlobalReplaceWith != "" {
		result.GlobalReplaceWith = project.GlobalReplaceWith
	}
	if project.Dashboard.APIKey != "" {
		result.Dashboard.APIKey = project.Dashboard.APIKey
	}
	if project.Dashboard.APIURL != "" {
		result.Dashboard.APIURL = project.Dashboard.APIURL
	}
	if project.Dashboard.FailSilent != nil {
		result.Dashboard.FailSilent = project.Dashboard.FailSilent
	}
	if project.Dashboard.HookTimeoutMS != 0 {
		result.Dashboard.HookTimeoutMS = project.Dashboard.HookTimeoutMS
	}
	if project.Redact.MaxDepth != 0 {
		result.Redact.MaxDepth = project.Redact.MaxDepth
	}
	if project.Log.Level != "" {
		result.Log.Level = project.Log.Level
	}
	if project.Log.File != "" {
		result.Log.File = project.Log.File
	}

	return result
}
