package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/toolmux/toolmux/pkg/provider/llm"
)

// BuiltinTool is a tool implemented as a Go function that runs in-process.
//
// Built-in tools bypass MCP protocol overhead: Invoke calls the Handler
// directly without any network or subprocess round-trip. They are always
// appended to every agent's tool set and cannot be stopped.
type BuiltinTool struct {
	// Definition is the tool's public descriptor presented to the LLM.
	Definition llm.ToolDefinition

	// Handler is the function invoked when the tool is called. args is a
	// JSON object string (e.g. "{}" or `{"key":"value"}`). Returning a
	// non-nil error marks the result as an error.
	Handler func(ctx context.Context, args string) (string, error)
}

// httpRequestTimeout bounds a single http_request tool call.
const httpRequestTimeout = 30 * time.Second

// maxHTTPResponseBytes caps the response body returned by http_request so a
// misbehaving endpoint cannot flood the model context.
const maxHTTPResponseBytes = 64 * 1024

// defaultBuiltins returns the built-in tool set every agent receives:
// calculator, current_time, and http_request.
func defaultBuiltins() []BuiltinTool {
	return []BuiltinTool{
		{
			Definition: llm.ToolDefinition{
				Name:        "calculator",
				Description: "Evaluate an arithmetic expression. Supports + - * / % ^, parentheses, and decimal numbers.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"expression": map[string]any{
							"type":        "string",
							"description": "The arithmetic expression to evaluate, e.g. \"(2 + 3) * 4\".",
						},
					},
					"required": []any{"expression"},
				},
			},
			Handler: calculatorHandler,
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "current_time",
				Description: "Get the current date and time, optionally in a specific IANA timezone. Defaults to UTC.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"timezone": map[string]any{
							"type":        "string",
							"description": "IANA timezone name, e.g. \"Europe/Berlin\". Defaults to UTC.",
						},
					},
				},
			},
			Handler: currentTimeHandler,
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "http_request",
				Description: "Perform an HTTP request and return the status and response body (text only, truncated at 64 KiB).",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"method": map[string]any{
							"type":        "string",
							"description": "HTTP method. Defaults to GET.",
						},
						"url": map[string]any{
							"type":        "string",
							"description": "Absolute URL to request.",
						},
						"headers": map[string]any{
							"type":        "object",
							"description": "Optional request headers.",
						},
						"body": map[string]any{
							"type":        "string",
							"description": "Optional request body.",
						},
					},
					"required": []any{"url"},
				},
			},
			Handler: httpRequestHandler,
		},
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// calculator
// ─────────────────────────────────────────────────────────────────────────────

func calculatorHandler(_ context.Context, args string) (string, error) {
	var in struct {
		Expression string `json:"expression"`
	}
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return "", fmt.Errorf("calculator: invalid args: %w", err)
	}
	if strings.TrimSpace(in.Expression) == "" {
		return "", fmt.Errorf("calculator: expression must not be empty")
	}

	result, err := evalExpression(in.Expression)
	if err != nil {
		return "", fmt.Errorf("calculator: %w", err)
	}
	return strconv.FormatFloat(result, 'f', -1, 64), nil
}

// exprParser is a recursive-descent parser for arithmetic expressions.
//
// Grammar (highest binding last):
//
//	expr   = term   { ("+" | "-") term }
//	term   = power  { ("*" | "/" | "%") power }
//	power  = unary  [ "^" power ]            (right associative)
//	unary  = [ "-" | "+" ] primary
//	primary = number | "(" expr ")"
type exprParser struct {
	input string
	pos   int
}

// evalExpression evaluates an arithmetic expression string.
func evalExpression(input string) (float64, error) {
	p := &exprParser{input: input}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected character %q at position %d", p.input[p.pos], p.pos)
	}
	return v, nil
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) parseExpr() (float64, error) {
	v, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			r, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			v += r
		case '-':
			p.pos++
			r, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			v -= r
		default:
			return v, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	v, err := p.parsePower()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			r, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			v *= r
		case '/':
			p.pos++
			r, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			if r == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			v /= r
		case '%':
			p.pos++
			r, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			if r == 0 {
				return 0, fmt.Errorf("modulo by zero")
			}
			v = math.Mod(v, r)
		default:
			return v, nil
		}
	}
}

func (p *exprParser) parsePower() (float64, error) {
	base, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	if p.peek() == '^' {
		p.pos++
		exp, err := p.parsePower()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

func (p *exprParser) parseUnary() (float64, error) {
	switch p.peek() {
	case '-':
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	case '+':
		p.pos++
		return p.parseUnary()
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (float64, error) {
	c := p.peek()
	if c == '(' {
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis at position %d", p.pos)
		}
		p.pos++
		return v, nil
	}

	start := p.pos
	for p.pos < len(p.input) && (isDigit(p.input[p.pos]) || p.input[p.pos] == '.') {
		p.pos++
	}
	if p.pos == start {
		return 0, fmt.Errorf("expected number at position %d", start)
	}
	v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", p.input[start:p.pos])
	}
	return v, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// ─────────────────────────────────────────────────────────────────────────────
// current_time
// ─────────────────────────────────────────────────────────────────────────────

func currentTimeHandler(_ context.Context, args string) (string, error) {
	var in struct {
		Timezone string `json:"timezone"`
	}
	if args != "" {
		if err := json.Unmarshal([]byte(args), &in); err != nil {
			return "", fmt.Errorf("current_time: invalid args: %w", err)
		}
	}

	loc := time.UTC
	if in.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(in.Timezone)
		if err != nil {
			return "", fmt.Errorf("current_time: unknown timezone %q", in.Timezone)
		}
	}
	return time.Now().In(loc).Format(time.RFC3339), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// http_request
// ─────────────────────────────────────────────────────────────────────────────

func httpRequestHandler(ctx context.Context, args string) (string, error) {
	var in struct {
		Method  string            `json:"method"`
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
	}
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return "", fmt.Errorf("http_request: invalid args: %w", err)
	}
	if in.URL == "" {
		return "", fmt.Errorf("http_request: url is required")
	}
	method := strings.ToUpper(in.Method)
	if method == "" {
		method = http.MethodGet
	}

	ctx, cancel := context.WithTimeout(ctx, httpRequestTimeout)
	defer cancel()

	var body io.Reader
	if in.Body != "" {
		body = strings.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, in.URL, body)
	if err != nil {
		return "", fmt.Errorf("http_request: %w", err)
	}
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http_request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes))
	if err != nil {
		return "", fmt.Errorf("http_request: read body: %w", err)
	}

	return fmt.Sprintf("%s\n%s", resp.Status, data), nil
}
