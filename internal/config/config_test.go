package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_全局与项目配置合并(t *testing.T) {
	dir := t.TempDir()
	globalPath := filepath.Join(dir, "config.yaml")
	projectPath := filepath.Join(dir, ".redactpii.yaml")

	global := `
rules:
  NAME: false
  PHONE: true
custom_rules:
  - pattern: 'EMP-\d{5}'
    label: employee-id
dashboard:
  api_key: global-key
log:
  level: warn
`
	project := `
rules:
  NAME: true
custom_rules:
  - pattern: '\b\d{5}\b'
    label: ZIP
dashboard:
  api_key: project-key
redact:
  max_depth: 16
`
	if err := os.WriteFile(globalPath, []byte(global), 0600); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	if err := os.WriteFile(projectPath, []byte(project), 0600); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	m := NewManager()
	m.configPath = globalPath
	m.projectPath = projectPath
	if err := m.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	cfg := m.Get()

	// 项目覆盖全局的规则开关
	if !cfg.Rules["NAME"] {
		t.Fatalf("rules[NAME]=false, want true（项目覆盖全局）")
	}
	if !cfg.Rules["PHONE"] {
		t.Fatalf("rules[PHONE]=false, want true（全局保留）")
	}

	// 自定义规则为全局 + 项目追加；标签被规范化
	if len(cfg.CustomRules) != 2 {
		t.Fatalf("len(custom_rules)=%d, want 2", len(cfg.CustomRules))
	}
	if cfg.CustomRules[0].Label != "EMPLOYEE_ID" {
		t.Fatalf("custom_rules[0].label=%q, want EMPLOYEE_ID", cfg.CustomRules[0].Label)
	}
	if cfg.CustomRules[1].Label != "ZIP" {
		t.Fatalf("custom_rules[1].label=%q, want ZIP", cfg.CustomRules[1].Label)
	}

	if cfg.Dashboard.APIKey != "project-key" {
		t.Fatalf("api_key=%q, want project-key", cfg.Dashboard.APIKey)
	}
	if cfg.Redact.MaxDepth != 16 {
		t.Fatalf("max_depth=%d, want 16", cfg.Redact.MaxDepth)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("log.level=%q, want warn", cfg.Log.Level)
	}
}

func TestLoad_缺失文件时使用默认值(t *testing.T) {
	dir := t.TempDir()

	m := NewManager()
	m.configPath = filepath.Join(dir, "missing.yaml")
	m.projectPath = filepath.Join(dir, ".redactpii.yaml")
	if err := m.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	cfg := m.Get()

	if cfg.Gateway.Listen != "127.0.0.1:28691" {
		t.Fatalf("gateway.listen=%q", cfg.Gateway.Listen)
	}
	if cfg.Gateway.InterceptMode != "targets" {
		t.Fatalf("gateway.intercept_mode=%q", cfg.Gateway.InterceptMode)
	}
	if len(cfg.Gateway.Targets) == 0 {
		t.Fatalf("默认 targets 为空")
	}
}

func TestSanitizeLoadedConfig_清理空白与空项(t *testing.T) {
	cfg := Config{
		Gateway: GatewayConfig{
			Listen: " 127.0.0.1:9000 ",
			Targets: []TargetConfig{
				{Host: " api.example.com ", Enabled: true},
				{Host: "   ", Enabled: true},
			},
		},
		CustomRules: []CustomRule{
			{Pattern: "  ", Label: "X"},
			{Pattern: ` \d{4} `, Label: "code"},
		},
		Dashboard: DashboardConfig{APIKey: " key "},
	}
	sanitizeLoadedConfig(&cfg)

	if cfg.Gateway.Listen != "127.0.0.1:9000" {
		t.Fatalf("listen=%q", cfg.Gateway.Listen)
	}
	if len(cfg.Gateway.Targets) != 1 || cfg.Gateway.Targets[0].Host != "api.example.com" {
		t.Fatalf("targets=%+v", cfg.Gateway.Targets)
	}
	if len(cfg.CustomRules) != 1 {
		t.Fatalf("custom_rules=%+v", cfg.CustomRules)
	}
	if cfg.CustomRules[0].Pattern != `\d{4}` || cfg.CustomRules[0].Label != "CODE" {
		t.Fatalf("custom_rules[0]=%+v", cfg.CustomRules[0])
	}
	if cfg.Dashboard.APIKey != "key" {
		t.Fatalf("api_key=%q", cfg.Dashboard.APIKey)
	}
}
