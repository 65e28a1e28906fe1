package redact

type builtinRule struct {
	pattern        string
	category       string
	label          string
	defaultEnabled bool
}

// builtinOrder is the canonical priority order of the built-in categories.
// 顺序即优先级：CREDIT_CARD 必须排在 PHONE/SSN 之前，否则一串完整卡号会被
// 更短的数字规则分段吃掉；NAME 的问候语启发式精度最低，固定垫底。
var builtinOrder = []string{
	"CREDIT_CARD",
	"SSN",
	"EMAIL",
	"PHONE",
	"NAME",
}

var builtinRules = map[string]builtinRule{
	"CREDIT_CARD": {
		pattern:        `\d{4}[ -]?\d{4}[ -]?\d{4}[ -]?\d{4}|\d{4}[ -]?\d{6}[ -]?\d{4}\d?`,
		category:       "CREDIT_CARD",
		label:          "CREDIT_CARD_NUMBER",
		defaultEnabled: true,
	},
	"SSN": {
		pattern:        `\b\d{3}[ -.]\d{2}[ -.]\d{4}\b`,
		category:       "US_SOCIAL_SECURITY_NUMBER",
		label:          "US_SOCIAL_SECURITY_NUMBER",
		defaultEnabled: true,
	},
	"EMAIL": {
		pattern:        `(?i)[a-z0-9_\-.+]+@\w+(?:\.\w+)*`,
		category:       "EMAIL",
		label:          "EMAIL_ADDRESS",
		defaultEnabled: true,
	},
	"PHONE": {
		pattern:        `(?:\(?\+?[0-9]{1,2}\)?[-. ]?)?(?:\(?[0-9]{3}\)?[-. ]?[0-9]{3,4}[-. ]?[0-9]{4}|[0-9]{3}[-. ]?[0-9]{4}|[0-9]{4}[-. ]?[0-9]{4}|\b[A-Z0-9]{7}\b)`,
		category:       "PHONE_NUMBER",
		label:          "PHONE_NUMBER",
		defaultEnabled: true,
	},
	"NAME": {
		// 用捕获组限定替换范围：只替换姓名本体，保留前面的问候语。
		pattern:        `(?i)(?:^|\.\s+)(?:dear|hi|hello|greetings|hey|hey there)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)+)`,
		category:       "PERSON_NAME",
		label:          "PERSON_NAME",
		defaultEnabled: true,
	},
}

// BuiltinCategories returns the built-in rule names in canonical priority
// order. Useful for CLIs/config validation that want to enumerate them.
func BuiltinCategories() []string {
	out := make([]string, len(builtinOrder))
	copy(out, builtinOrder)
	return out
}
