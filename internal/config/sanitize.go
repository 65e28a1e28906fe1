package config

import (
	"strings"
	"unicode"
)

// maxLabelLen bounds a replacement label so a pathological config cannot
// blow up redacted output size.
const maxLabelLen = 64

// SanitizePatternValue 清理用户输入的匹配值：去除前后空白，移除不可见的
// 控制/格式字符（如 0x1F、BOM、零宽字符等）。
//
// 目的：避免“看起来一样但实际不匹配”的隐形字符导致规则不生效。
func SanitizePatternValue(s string) string {
	cleaned := strings.Map(func(r rune) rune {
		// C0 控制字符、DEL，以及其他控制/格式字符（含常见零宽字符、BOM）
		if r < 0x20 || r == 0x7f || unicode.IsControl(r) || unicode.In(r, unicode.Cf) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(cleaned)
}

// SanitizeLabel 将自定义规则的替换标签归一化为稳定形态：
// 仅保留 [A-Z0-9_]，空白与 '-' 折叠为单个 '_'，小写转大写，截断超长标签。
// 归一化后为空时回退到 fallback（fallback 本身原样信任，不再二次清理）。
func SanitizeLabel(s, fallback string) string {
	s = SanitizePatternValue(s)

	out := make([]byte, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, byte(r-'a'+'A'))
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			out = append(out, byte(r))
		case r == '_' || r == '-' || unicode.IsSpace(r):
			// 折叠连续分隔符，且不以 '_' 开头
			if n := len(out); n > 0 && out[n-1] != '_' {
				out = append(out, '_')
			}
		}
	}
	if len(out) > maxLabelLen {
		out = out[:maxLabelLen]
	}
	for len(out) > 0 && out[len(out)-1] == '_' {
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return fallback
	}
	return string(out)
}
