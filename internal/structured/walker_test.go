package structured

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/inkdust2021/redactpii/internal/redact"
)

func emailOnlyEngine(t *testing.T) *redact.Engine {
	t.Helper()
	eng, err := redact.NewEngine(redact.Config{Rules: map[string]bool{
		"EMAIL": true, "CREDIT_CARD": false, "SSN": false, "PHONE": false, "NAME": false,
	}})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng
}

func TestRedact_嵌套结构中的字符串叶子全部脱敏(t *testing.T) {
	eng := emailOnlyEngine(t)

	in := map[string]any{
		"name":  "John Doe",
		"email": "john@example.com",
		"profile": map[string]any{
			"contact": "contact@example.com",
		},
	}

	out, events, err := Redact(eng, in, 0)
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}

	m := out.(map[string]any)
	if m["name"] != "John Doe" {
		t.Fatalf("name 不应被修改：%v", m["name"])
	}
	if m["email"] != "EMAIL_ADDRESS" {
		t.Fatalf("email=%v", m["email"])
	}
	if m["profile"].(map[string]any)["contact"] != "EMAIL_ADDRESS" {
		t.Fatalf("profile.contact=%v", m["profile"])
	}
	if len(events) != 2 {
		t.Fatalf("期望聚合 2 个事件，实际 %d 个", len(events))
	}
}

func TestRedact_序列保持长度与顺序(t *testing.T) {
	eng := emailOnlyEngine(t)

	in := []any{"a@example.com", "plain", float64(42), true, nil, "b@example.com"}
	out, _, err := Redact(eng, in, 0)
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}

	s := out.([]any)
	if len(s) != len(in) {
		t.Fatalf("长度发生变化：%d -> %d", len(in), len(s))
	}
	want := []any{"EMAIL_ADDRESS", "plain", float64(42), true, nil, "EMAIL_ADDRESS"}
	for i := range want {
		if s[i] != want[i] {
			t.Fatalf("s[%d]=%v, want %v", i, s[i], want[i])
		}
	}
}

func TestRedact_非文本标量原样返回(t *testing.T) {
	eng := emailOnlyEngine(t)

	in := map[string]any{
		"count":  json.Number("12345678901234567890"),
		"ratio":  0.5,
		"active": true,
		"none":   nil,
	}
	out, events, err := Redact(eng, in, 0)
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}
	m := out.(map[string]any)
	// json.Number 原样透传，重编码不丢精度
	if m["count"] != json.Number("12345678901234567890") {
		t.Fatalf("count=%v", m["count"])
	}
	if m["ratio"] != 0.5 || m["active"] != true || m["none"] != nil {
		t.Fatalf("标量被意外修改：%+v", m)
	}
	if len(events) != 0 {
		t.Fatalf("期望无事件，实际：%+v", events)
	}
}

func TestRedact_超过最大深度返回带路径的错误(t *testing.T) {
	eng := emailOnlyEngine(t)

	deep := any("x@example.com")
	for i := 0; i < 10; i++ {
		deep = map[string]any{"inner": []any{deep}}
	}

	_, _, err := Redact(eng, deep, 3)
	if err == nil {
		t.Fatalf("期望超深错误")
	}
	var derr *MaxDepthExceededError
	if !errors.As(err, &derr) {
		t.Fatalf("期望 *MaxDepthExceededError，实际 %T", err)
	}
	if derr.Path == "" || derr.Depth != 3 {
		t.Fatalf("错误细节不符合预期：%+v", derr)
	}
}

func TestRedact_不修改输入结构(t *testing.T) {
	eng := emailOnlyEngine(t)

	in := map[string]any{"email": "john@example.com"}
	if _, _, err := Redact(eng, in, 0); err != nil {
		t.Fatalf("Redact: %v", err)
	}
	if in["email"] != "john@example.com" {
		t.Fatalf("输入被原地修改：%v", in["email"])
	}
}
