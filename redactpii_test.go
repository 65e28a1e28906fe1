package redactpii

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func boolPtr(b bool) *bool { return &b }

func TestRedact_问候语加电话场景(t *testing.T) {
	r, err := New(Options{Rules: map[string]bool{"NAME": true, "PHONE": true}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got := r.Redact("Hi David Johnson, call 555-555-5555")
	want := "Hi PERSON_NAME, call PHONE_NUMBER"
	if got != want {
		t.Fatalf("Redact()=%q, want %q", got, want)
	}
}

func TestRedactObject_同形返回且仅字符串叶子变化(t *testing.T) {
	r, err := New(Options{Rules: map[string]bool{
		"EMAIL": true, "CREDIT_CARD": false, "SSN": false, "PHONE": false, "NAME": false,
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := map[string]any{
		"name":  "John Doe",
		"email": "john@example.com",
		"profile": map[string]any{
			"contact": "contact@example.com",
		},
	}
	out, err := r.RedactObject(in)
	if err != nil {
		t.Fatalf("RedactObject: %v", err)
	}

	m := out.(map[string]any)
	if m["name"] != "John Doe" {
		t.Fatalf("name=%v", m["name"])
	}
	if m["email"] != "EMAIL_ADDRESS" {
		t.Fatalf("email=%v", m["email"])
	}
	if m["profile"].(map[string]any)["contact"] != "EMAIL_ADDRESS" {
		t.Fatalf("profile=%v", m["profile"])
	}
	// 输入不被修改
	if in["email"] != "john@example.com" {
		t.Fatalf("输入被原地修改：%v", in["email"])
	}
}

func TestRedactObject_结构体输入经JSON规整(t *testing.T) {
	type profile struct {
		Contact string `json:"contact"`
	}
	type user struct {
		Name    string  `json:"name"`
		Email   string  `json:"email"`
		Profile profile `json:"profile"`
	}

	r, err := New(Options{Rules: map[string]bool{
		"EMAIL": true, "CREDIT_CARD": false, "SSN": false, "PHONE": false, "NAME": false,
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := r.RedactObject(user{
		Name:    "John Doe",
		Email:   "john@example.com",
		Profile: profile{Contact: "contact@example.com"},
	})
	if err != nil {
		t.Fatalf("RedactObject: %v", err)
	}
	m := out.(map[string]any)
	if m["email"] != "EMAIL_ADDRESS" || m["name"] != "John Doe" {
		t.Fatalf("结果不符合预期：%+v", m)
	}
}

func TestRedactObject_超深结构返回MaxDepthExceededError(t *testing.T) {
	r, err := New(Options{MaxDepth: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	deep := any("leaf")
	for i := 0; i < 16; i++ {
		deep = []any{deep}
	}
	_, err = r.RedactObject(deep)
	var derr *MaxDepthExceededError
	if !errors.As(err, &derr) {
		t.Fatalf("期望 *MaxDepthExceededError，实际 %v", err)
	}
}

func TestHasPII_规则开关与无副作用(t *testing.T) {
	requests := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		requests <- struct{}{}
	}))
	defer srv.Close()

	on, err := New(Options{
		Rules:  map[string]bool{"EMAIL": true},
		APIKey: "k",
		APIURL: srv.URL,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	off, err := New(Options{
		Rules:  map[string]bool{"EMAIL": false, "CREDIT_CARD": false, "SSN": false, "PHONE": false, "NAME": false},
		APIKey: "k",
		APIURL: srv.URL,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !on.HasPII("Contact test@example.com") {
		t.Fatalf("期望检测到 PII")
	}
	if off.HasPII("Contact test@example.com") {
		t.Fatalf("规则关闭后不应检测到 PII")
	}

	// HasPII 永远不触发上报
	select {
	case <-requests:
		t.Fatalf("HasPII 不应产生任何请求")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHasPII_自定义规则首个命中捕获组为空时仍检测(t *testing.T) {
	r, err := New(Options{
		Rules:       map[string]bool{"CREDIT_CARD": false, "SSN": false, "EMAIL": false, "PHONE": false, "NAME": false},
		CustomRules: []CustomRule{{Pattern: `x(a*)y`, Label: "X"}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := "xy xay"
	if got := r.Redact(in); got != "xy xXy" {
		t.Fatalf("Redact()=%q", got)
	}
	if !r.HasPII(in) {
		t.Fatalf("Redact 会改写该输入，HasPII 却返回 false")
	}
}

func TestBuiltinCategories_与规则开关键一致(t *testing.T) {
	cats := BuiltinCategories()
	if len(cats) == 0 {
		t.Fatalf("期望非空的内置分类列表")
	}
	rules := make(map[string]bool, len(cats))
	for _, c := range cats {
		rules[c] = false
	}
	r, err := New(Options{Rules: rules})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.HasPII("test@example.com 555-123-4567") {
		t.Fatalf("全部内置分类关闭后不应再有命中")
	}
}

func TestRedact_全局替换场景(t *testing.T) {
	r, err := New(Options{GlobalReplaceWith: "[REDACTED]"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := r.Redact("test@example.com"); got != "[REDACTED]" {
		t.Fatalf("Redact()=%q", got)
	}
}

func TestNew_非法自定义模式在构造期失败(t *testing.T) {
	_, err := New(Options{CustomRules: []CustomRule{{Pattern: `([bad`, Label: "X"}}})
	var perr *InvalidPatternError
	if !errors.As(err, &perr) {
		t.Fatalf("期望 *InvalidPatternError，实际 %v", err)
	}
}

func TestRedact_挂起的端点不拖慢调用(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		<-release // 故意挂起，模拟不可达/极慢端点
	}))
	defer srv.Close()
	defer close(release)

	r, err := New(Options{APIKey: "k", APIURL: srv.URL, HookTimeout: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	got := r.Redact("reach me at someone@example.com")
	elapsed := time.Since(start)

	if got != "reach me at EMAIL_ADDRESS" {
		t.Fatalf("Redact()=%q", got)
	}
	// 本地处理时间量级，与端点延迟无关
	if elapsed > 200*time.Millisecond {
		t.Fatalf("Redact 被上报路径拖慢：%v", elapsed)
	}
}

func TestRedact_并发调用安全(t *testing.T) {
	r, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 200; j++ {
				if got := r.Redact("mail test@example.com now"); got != "mail EMAIL_ADDRESS now" {
					t.Errorf("Redact()=%q", got)
					return
				}
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
