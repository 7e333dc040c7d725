package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"golang.org/x/net/html"
)

// HTTP tool defaults.
const (
	DefaultHTTPTimeout  = 20 * time.Second
	DefaultHTTPMaxBytes = 4000
)

// HTTPExecutor serves http_request tools: one request per placeholder with
// the extracted or configured method, endpoint, body and headers.
type HTTPExecutor struct {
	Client *http.Client
}

// Execute implements Executor.
func (h *HTTPExecutor) Execute(ctx context.Context, call Call) (string, error) {
	cfg := call.Def.Config
	endpoint := call.str("endpoint")
	if endpoint == "" {
		endpoint = cfg.Endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || endpoint == "" {
		return "", fmt.Errorf("invalid endpoint %q", endpoint)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	method := strings.ToUpper(call.str("method"))
	if method == "" {
		method = strings.ToUpper(cfg.Method)
	}
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	switch b := call.Params["body"].(type) {
	case nil:
	case string:
		body = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return "", fmt.Errorf("encode body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	timeout := DefaultHTTPTimeout
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return "", fmt.Errorf("invalid timeout %q: %w", cfg.Timeout, err)
		}
		timeout = d
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return "", err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	if hdrs, ok := call.Params["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultHTTPMaxBytes
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)*8))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, capRunes(strings.TrimSpace(string(raw)), 200))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	var text string
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		text, err = formatJSON(raw, cfg.Select, resp.StatusCode)
	case mediaType == "text/html":
		text, err = htmlText(raw)
	default:
		text = strings.TrimSpace(string(raw))
	}
	if err != nil {
		return "", err
	}
	return capRunes(text, maxBytes), nil
}

// formatJSON pretty-prints a JSON body, optionally projected through an
// expression evaluated with body and status in scope.
func formatJSON(raw []byte, selectExpr string, status int) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("decode json response: %w", err)
	}
	if selectExpr != "" {
		env := map[string]any{"body": v, "status": status}
		out, err := expr.Eval(selectExpr, env)
		if err != nil {
			return "", fmt.Errorf("select %q: %w", selectExpr, err)
		}
		v = out
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(pretty), nil
}

func htmlText(raw []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	var b strings.Builder
	walkText(doc, &b, false)

	var lines []string
	for _, ln := range strings.Split(b.String(), "\n") {
		if ln = strings.Join(strings.Fields(ln), " "); ln != "" {
			lines = append(lines, ln)
		}
	}
	return strings.Join(lines, "\n"), nil
}

func walkText(n *html.Node, b *strings.Builder, hidden bool) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "script", "style", "noscript", "head":
			hidden = true
		case "br", "p", "div", "li", "tr", "h1", "h2", "h3", "h4", "section", "article":
			b.WriteString("\n")
		}
	}
	if !hidden && n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkText(c, b, hidden)
	}
}

func capRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "\n...[truncated]"
}
