package redact

import (
	"fmt"
	"regexp"
)

// defaultCustomLabel is substituted for a custom rule with no label.
const defaultCustomLabel = "DIGITS"

// CustomRule is a caller-supplied pattern with its own replacement label.
type CustomRule struct {
	Pattern string
	Label   string
}

// Config is the rule configuration resolved once into an Engine.
// Rules maps built-in category names to enabled/disabled; categories absent
// from the map keep their built-in default. Unknown names are ignored so
// configs written against a newer rule set still load.
type Config struct {
	Rules             map[string]bool
	CustomRules       []CustomRule
	GlobalReplaceWith string
}

// InvalidPatternError reports a custom rule whose pattern failed to compile.
type InvalidPatternError struct {
	Pattern string
	Index   int // position in Config.CustomRules
	Err     error
}

func (e *InvalidPatternError) Error() string {
	return fmt.Sprintf("invalid custom pattern at index %d (%q): %v", e.Index, e.Pattern, e.Err)
}

func (e *InvalidPatternError) Unwrap() error { return e.Err }

// NewEngine compiles the configuration into an immutable matcher list:
// built-in categories first in canonical order, then custom rules in the
// order supplied. Patterns are compiled exactly once, here.
func NewEngine(cfg Config) (*Engine, error) {
	var matchers []matcher

	for prio, name := range builtinOrder {
		rule := builtinRules[name]
		enabled := rule.defaultEnabled
		if v, ok := cfg.Rules[name]; ok {
			enabled = v
		}
		if !enabled {
			continue
		}
		matchers = append(matchers, matcher{
			// 内置规则在发布前全部验证过；这里 MustCompile 失败即为编程错误。
			re:       regexp.MustCompile(rule.pattern),
			category: rule.category,
			label:    rule.label,
			priority: prio,
		})
	}

	for i, cr := range cfg.CustomRules {
		re, err := regexp.Compile(cr.Pattern)
		if err != nil {
			return nil, &InvalidPatternError{Pattern: cr.Pattern, Index: i, Err: err}
		}
		// 可以命中空串的模式会产生零长度 span（无界输出），在这里一次性拒绝，
		// 而不是等到运行时逐个丢弃。
		if re.MatchString("") {
			return nil, &InvalidPatternError{Pattern: cr.Pattern, Index: i, Err: fmt.Errorf("pattern matches the empty string")}
		}
		label := cr.Label
		if label == "" {
			label = defaultCustomLabel
		}
		matchers = append(matchers, matcher{
			re:       re,
			category: label,
			label:    label,
			priority: len(builtinOrder) + i,
		})
	}

	return &Engine{
		matchers:      matchers,
		globalReplace: cfg.GlobalReplaceWith,
	}, nil
}
