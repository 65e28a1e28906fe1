// Package gateway runs a local MITM forward proxy that redacts PII from
// outbound request bodies before they reach upstream LLM APIs. Responses
// are never touched: labels are one way and the upstream only ever sees
// redacted text.
package gateway

import (
	"bytes"
	"compress/gzip"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
	"github.com/elazarl/goproxy"
	"github.com/inkdust2021/redactpii"
	"github.com/inkdust2021/redactpii/internal/cert"
	"github.com/inkdust2021/redactpii/internal/config"
)

const (
	maxTextBodyBytes     = 10 * 1024 * 1024 // 10MB
	defaultInterceptMode = "targets"
)

type runtimeConfig struct {
	interceptMode string
	targets       map[string]bool
	redactor      *redactpii.Redactor
}

// Server is the redacting forward proxy.
type Server struct {
	proxy      *goproxy.ProxyHttpServer
	config     *config.Manager
	ca         *cert.CA
	listenAddr string
	runtime    atomic.Value // runtimeConfig
}

// NewServer builds the proxy from the current configuration. A config that
// fails to compile (bad custom pattern) is a construction error here; later
// reloads with a bad config keep the previous runtime instead.
func NewServer(cfg *config.Manager, ca *cert.CA) (*Server, error) {
	c := cfg.Get()

	proxy := goproxy.NewProxyHttpServer()
	proxy.Tr = &http.Transport{
		DisableCompression: true,
		ForceAttemptHTTP2:  false,
		TLSNextProto:       make(map[string]func(string, *tls.Conn) http.RoundTripper),
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: false,
		},
	}

	server := &Server{
		proxy:      proxy,
		config:     cfg,
		ca:         ca,
		listenAddr: c.Gateway.Listen,
	}
	rt, err := buildRuntime(c)
	if err != nil {
		return nil, err
	}
	server.runtime.Store(rt)

	server.setupHandlers()
	return server, nil
}

// Start blocks serving proxy traffic on the configured listen address.
func (s *Server) Start() error {
	slog.Info("Starting redactpii gateway", "address", s.listenAddr)
	return http.ListenAndServe(s.listenAddr, s.proxy)
}

// Handler exposes the proxy handler for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.proxy
}

func (s *Server) runtimeSnapshot() runtimeConfig {
	v := s.runtime.Load()
	if v == nil {
		return runtimeConfig{}
	}
	return v.(runtimeConfig)
}

func (s *Server) shouldIntercept(host string) bool {
	rt := s.runtimeSnapshot()
	if rt.interceptMode == "global" {
		return true
	}
	_, ok := rt.targets[canonicalHost(host)]
	return ok
}

func canonicalHost(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	// Prefer robust parsing for host:port / [ipv6]:port.
	if h, _, err := net.SplitHostPort(host); err == nil {
		return strings.ToLower(h)
	}
	// If host is like "[::1]" (no port) or plain hostname, normalize brackets/case.
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.ToLower(host)
}

func requestHost(req *http.Request) string {
	if req == nil {
		return ""
	}
	if req.URL != nil {
		if h := canonicalHost(req.URL.Hostname()); h != "" {
			return h
		}
		if h := canonicalHost(req.URL.Host); h != "" {
			return h
		}
	}
	return canonicalHost(req.Host)
}

// redactJSONBody 仅在 body 为合法 JSON 时做结构化脱敏；否则返回错误，
// 由上层回退到“整段文本脱敏”逻辑。
func redactJSONBody(r *redactpii.Redactor, body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// 防御：拒绝 “合法 JSON + 额外尾随内容” 的情况，避免重编码后语义变化。
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("trailing JSON data")
	}

	redacted, err := r.RedactObject(v)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(redacted)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Server) setupHandlers() {
	s.proxy.OnRequest().DoFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		rt := s.runtimeSnapshot()
		host := requestHost(req)
		if !s.shouldIntercept(host) || rt.redactor == nil {
			return req, nil // Pass through
		}

		contentType := ""
		if req != nil {
			contentType = req.Header.Get("Content-Type")
		}

		slog.Debug("Intercepting request", "host", host, "method", req.Method, "path", req.URL.Path)

		// Set Accept-Encoding: identity to prevent compression
		req.Header.Set("Accept-Encoding", "identity")

		if req.Body == nil || req.Body == http.NoBody || !isTextContent(contentType) {
			return req, nil
		}

		contentEncoding := strings.ToLower(strings.TrimSpace(req.Header.Get("Content-Encoding")))
		if strings.Contains(contentEncoding, ",") {
			// 多重编码暂不支持解压与脱敏；直接转发，避免破坏请求。
			return req, nil
		}
		if contentEncoding != "" && contentEncoding != "identity" && contentEncoding != "gzip" && contentEncoding != "br" && contentEncoding != "brotli" {
			// 未知压缩：不做脱敏，避免在二进制数据上误命中并破坏请求。
			return req, nil
		}

		if req.ContentLength > int64(maxTextBodyBytes) {
			slog.Debug("Skip redaction (request too large)", "host", host, "content_length", req.ContentLength)
			return req, nil
		}

		originalBody := req.Body
		limited := io.LimitReader(originalBody, int64(maxTextBodyBytes)+1)
		rawBody, err := io.ReadAll(limited)
		if err != nil {
			// 尽量把已经读取的内容放回去，避免破坏请求转发。
			req.Body = &readerWithClose{
				r: io.MultiReader(bytes.NewReader(rawBody), originalBody),
				c: originalBody,
			}
			req.ContentLength = -1
			req.Header.Del("Content-Length")
			slog.Error("Failed to read request body", "error", err, "host", host)
			return req, nil
		}

		if len(rawBody) > maxTextBodyBytes {
			// 体积超限：不做脱敏，但需要把已读取的前缀放回去继续转发。
			req.Body = &readerWithClose{
				r: io.MultiReader(bytes.NewReader(rawBody), originalBody),
				c: originalBody,
			}
			req.ContentLength = -1
			req.Header.Del("Content-Length")
			slog.Debug("Skip redaction (request too large)", "host", host, "limit_bytes", maxTextBodyBytes)
			return req, nil
		}

		_ = originalBody.Close()

		body := rawBody
		// 若请求体带压缩编码，先解压后再做脱敏，并把请求改为“无压缩”转发（移除 Content-Encoding）。
		if contentEncoding == "gzip" || contentEncoding == "br" || contentEncoding == "brotli" {
			decoded, derr := decompressBytes(rawBody, contentEncoding, maxTextBodyBytes)
			if derr != nil {
				// 解压失败：转发原始压缩体，避免中断业务请求。
				setBody(req, rawBody)
				return req, nil
			}
			body = decoded
			req.Header.Del("Content-Encoding")
		}

		// 额外防御：非 UTF-8 文本不做脱敏，避免误伤二进制/乱码体。
		if !utf8.Valid(body) {
			setBody(req, rawBody)
			return req, nil
		}

		var outBody []byte
		if strings.Contains(contentType, "application/json") {
			if out, jerr := redactJSONBody(rt.redactor, body); jerr == nil {
				outBody = out
			} else {
				outBody = []byte(rt.redactor.Redact(string(body)))
			}
		} else {
			outBody = []byte(rt.redactor.Redact(string(body)))
		}

		// 兼容兜底：若走了“整段文本脱敏”且把合法 JSON 改坏了，则回退发送原始 body，避免上游解析失败。
		if strings.Contains(contentType, "application/json") && json.Valid(body) && !json.Valid(outBody) {
			outBody = body
		}

		if !bytes.Equal(outBody, body) {
			slog.Info("Redacted sensitive data in request", "host", host)
		}

		setBody(req, outBody)
		return req, nil
	})

	// HTTPS CONNECT:
	// - intercept_mode=global：对所有域名启用 MITM
	// - intercept_mode=targets：仅对 targets 中启用的域名启用 MITM
	s.proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		if !s.shouldIntercept(host) {
			slog.Debug("HTTPS tunnel pass-through", "host", host)
			return goproxy.OkConnect, host
		}

		slog.Debug("MITM for HTTPS", "host", host)

		caCert, err := s.ca.GetTLSCertificate()
		if err != nil {
			slog.Error("Failed to get CA certificate", "error", err)
			return goproxy.RejectConnect, host
		}

		return &goproxy.ConnectAction{
			Action:    goproxy.ConnectMitm,
			TLSConfig: goproxy.TLSConfigFromCA(&caCert),
		}, host
	}))
}

func setBody(req *http.Request, body []byte) {
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	req.TransferEncoding = nil
	req.Header.Del("Transfer-Encoding")
}

// isTextContent checks if content type is text-like
func isTextContent(contentType string) bool {
	textTypes := []string{
		"application/json",
		"text/",
		"application/x-www-form-urlencoded",
	}
	for _, t := range textTypes {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}

func normalizeInterceptMode(mode string) string {
	m := strings.ToLower(strings.TrimSpace(mode))
	if m == "" {
		return defaultInterceptMode
	}
	switch m {
	case "global", "targets":
		return m
	default:
		return defaultInterceptMode
	}
}

func buildRuntime(c config.Config) (runtimeConfig, error) {
	customRules := make([]redactpii.CustomRule, 0, len(c.CustomRules))
	for _, cr := range c.CustomRules {
		pat := config.SanitizePatternValue(cr.Pattern)
		if pat == "" {
			continue
		}
		customRules = append(customRules, redactpii.CustomRule{
			Pattern: pat,
			Label:   config.SanitizeLabel(cr.Label, ""),
		})
	}

	r, err := redactpii.New(redactpii.Options{
		Rules:             c.Rules,
		CustomRules:       customRules,
		GlobalReplaceWith: c.GlobalReplaceWith,
		APIKey:            c.Dashboard.APIKey,
		APIURL:            c.Dashboard.APIURL,
		FailSilent:        c.Dashboard.FailSilent,
		HookTimeout:       time.Duration(c.Dashboard.HookTimeoutMS) * time.Millisecond,
		MaxDepth:          c.Redact.MaxDepth,
	})
	if err != nil {
		return runtimeConfig{}, err
	}

	targets := make(map[string]bool)
	for _, t := range c.Gateway.Targets {
		if t.Enabled {
			targets[canonicalHost(t.Host)] = true
		}
	}

	rawMode := strings.ToLower(strings.TrimSpace(c.Gateway.InterceptMode))
	if rawMode != "" && rawMode != "global" && rawMode != "targets" {
		slog.Warn("Invalid gateway intercept_mode, defaulting to targets", "intercept_mode", c.Gateway.InterceptMode)
	}

	return runtimeConfig{
		interceptMode: normalizeInterceptMode(c.Gateway.InterceptMode),
		targets:       targets,
		redactor:      r,
	}, nil
}

// ReloadFromConfig 在不重启网关的情况下重载配置（主要用于规则/目标域名变更）。
// 注意：不会热更新 listen 地址；规则编译失败时保留旧运行时配置。
func (s *Server) ReloadFromConfig() {
	c := s.config.Get()
	if strings.TrimSpace(c.Gateway.Listen) != "" && strings.TrimSpace(c.Gateway.Listen) != strings.TrimSpace(s.listenAddr) {
		slog.Warn("Config reloaded but listen address cannot be hot-updated; restart required",
			"current", s.listenAddr, "configured", c.Gateway.Listen)
	}

	rt, err := buildRuntime(c)
	if err != nil {
		slog.Error("Config reload rejected, keeping previous rules", "error", err)
		return
	}
	s.runtime.Store(rt)
	slog.Info("Config reloaded",
		"intercept_mode", rt.interceptMode,
		"targets", len(rt.targets),
		"custom_rules", len(c.CustomRules),
	)
}

func decompressBytes(raw []byte, encoding string, limit int) ([]byte, error) {
	enc := strings.ToLower(strings.TrimSpace(encoding))
	if enc == "" || enc == "identity" {
		return raw, nil
	}

	var r io.Reader
	switch enc {
	case "gzip":
		gr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		r = gr
	case "br", "brotli":
		r = brotli.NewReader(bytes.NewReader(raw))
	default:
		return nil, fmt.Errorf("unsupported content-encoding: %s", encoding)
	}

	limited := io.LimitReader(r, int64(limit)+1)
	out, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, fmt.Errorf("decompressed body too large")
	}
	return out, nil
}

type readerWithClose struct {
	r io.Reader
	c io.Closer
}

func (rc *readerWithClose) Read(p []byte) (int, error) { return rc.r.Read(p) }
func (rc *readerWithClose) Close() error {
	if rc.c == nil {
		return nil
	}
	return rc.c.Close()
}
