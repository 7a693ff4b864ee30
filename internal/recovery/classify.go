// Package recovery classifies tool-call failures and runs recovery
// strategies for them. Every attempt is appended to the audit trail, and
// a failure no strategy can fix yields an outcome that recommends manual
// intervention instead of an error.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/toolbridge/internal/client"
	"github.com/nugget/toolbridge/internal/mcp"
)

// Category buckets a failure by what went wrong.
type Category string

// Failure categories.
const (
	CategoryPermission     Category = "permission"
	CategoryConnection     Category = "connection"
	CategoryTimeout        Category = "timeout"
	CategoryNotFound       Category = "not_found"
	CategoryInvalidRequest Category = "invalid_request"
	CategoryServerError    Category = "server_error"
	CategoryRateLimit      Category = "rate_limit"
	CategoryAuth           Category = "auth"
	CategoryUnknown        Category = "unknown"
)

// Severity orders failures by how much intervention they need.
type Severity int

// Severities, lowest first.
const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "severity(" + strconv.Itoa(int(s)) + ")"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Classification is the verdict on one failure.
type Classification struct {
	Category Category `json:"category"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`

	// RetryAfter is the delay the server asked for, if it supplied one.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Retryable reports whether repeating the same call may succeed.
func (c Classification) Retryable() bool {
	switch c.Category {
	case CategoryTimeout, CategoryConnection:
		return c.Severity < SeverityHigh
	}
	return false
}

// Classify inspects err and assigns a category and severity. Typed
// errors are checked first, JSON-RPC error codes next, and the error
// text last.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown, Severity: SeverityLow}
	}
	c := classifyTyped(err)
	c.Message = err.Error()
	if c.RetryAfter == 0 {
		c.RetryAfter = RetryHint(c.Message)
	}
	return c
}

// ClassifyMessage classifies a failure known only by its text, such as
// a tool result with isError set.
func ClassifyMessage(msg string) Classification {
	c := classifyText(msg)
	c.Message = msg
	c.RetryAfter = RetryHint(msg)
	return c
}

func classifyTyped(err error) Classification {
	var (
		permErr    *client.PermissionError
		openErr    *mcp.CircuitOpenError
		timeoutErr *mcp.TimeoutError
		connErr    *mcp.ConnectionError
		decodeErr  *mcp.DecodeError
		rpcErr     *mcp.RPCError
	)
	switch {
	case errors.As(err, &permErr):
		return Classification{Category: CategoryPermission, Severity: SeverityHigh}
	case errors.Is(err, client.ErrUnknownServer):
		return Classification{Category: CategoryNotFound, Severity: SeverityLow}
	case errors.Is(err, exec.ErrNotFound):
		// The server binary is missing; no amount of retrying helps.
		return Classification{Category: CategoryConnection, Severity: SeverityCritical}
	case errors.As(err, &openErr):
		return Classification{Category: CategoryConnection, Severity: SeverityHigh}
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return Classification{Category: CategoryTimeout, Severity: SeverityMedium}
	case errors.Is(err, mcp.ErrCancelled), errors.As(err, &connErr):
		return Classification{Category: CategoryConnection, Severity: SeverityMedium}
	case errors.As(err, &decodeErr):
		return Classification{Category: CategoryServerError, Severity: SeverityMedium}
	case errors.As(err, &rpcErr):
		return classifyRPC(rpcErr)
	case errors.Is(err, context.Canceled):
		return Classification{Category: CategoryUnknown, Severity: SeverityLow}
	}
	return classifyText(err.Error())
}

func classifyRPC(e *mcp.RPCError) Classification {
	switch e.Code {
	case mcp.CodeMethodNotFound:
		return Classification{Category: CategoryNotFound, Severity: SeverityLow}
	case mcp.CodeParseError, mcp.CodeInvalidRequest, mcp.CodeInvalidParams:
		return Classification{Category: CategoryInvalidRequest, Severity: SeverityLow}
	}

	// Internal and server-defined codes say little on their own; the
	// message usually does.
	c := classifyText(e.Message)
	if c.Category == CategoryUnknown {
		c = Classification{Category: CategoryServerError, Severity: SeverityMedium}
	}
	c.RetryAfter = retryHintData(e.Data)
	return c
}

// textRule matches a failure message to a category. Rules are evaluated
// in order and the first match wins. Patterns match whole words, so
// "eof" does not match "thereof" and "500" does not match "1500ms". A
// trailing '*' matches any word suffix.
type textRule struct {
	category Category
	severity Severity
	re       *regexp.Regexp
}

func rule(category Category, severity Severity, patterns ...string) textRule {
	alts := make([]string, len(patterns))
	for i, p := range patterns {
		if stem, ok := strings.CutSuffix(p, "*"); ok {
			alts[i] = regexp.QuoteMeta(stem) + `[a-z]*`
			continue
		}
		alts[i] = regexp.QuoteMeta(p)
	}
	return textRule{
		category: category,
		severity: severity,
		re:       regexp.MustCompile(`(?:^|[^a-z0-9])(?:` + strings.Join(alts, "|") + `)(?:$|[^a-z0-9])`),
	}
}

var textRules = []textRule{
	rule(CategoryRateLimit, SeverityMedium,
		"rate limit*", "ratelimit*", "too many requests", "429", "quota exceeded", "throttl*"),
	rule(CategoryAuth, SeverityHigh,
		"unauthorized", "unauthenticated", "401", "invalid api key", "invalid token",
		"token expired", "authentication", "credentials"),
	rule(CategoryPermission, SeverityHigh,
		"permission denied", "forbidden", "403", "access denied", "not permitted", "not allowed"),
	rule(CategoryTimeout, SeverityMedium,
		"timeout", "timed out", "deadline exceeded"),
	rule(CategoryConnection, SeverityMedium,
		"connection refused", "connection reset", "broken pipe", "eof", "stream closed",
		"not connected", "no such process"),
	rule(CategoryNotFound, SeverityLow,
		"not found", "no such file", "does not exist", "unknown tool", "404"),
	rule(CategoryInvalidRequest, SeverityLow,
		"invalid", "malformed", "bad request", "400", "missing required"),
	rule(CategoryServerError, SeverityMedium,
		"internal error", "internal server error", "500", "502", "503",
		"service unavailable", "temporarily unavailable"),
}

func classifyText(msg string) Classification {
	lower := strings.ToLower(msg)
	for _, r := range textRules {
		if r.re.MatchString(lower) {
			return Classification{Category: r.category, Severity: r.severity}
		}
	}
	return Classification{Category: CategoryUnknown, Severity: SeverityLow}
}

var retryHintPattern = regexp.MustCompile(`(?i)retry[ _-]?after[:=]?\s*(\d+(?:\.\d+)?)\s*(ms|milliseconds?|s|secs?|seconds?|m|mins?|minutes?)?\b`)

// RetryHint extracts a server-supplied delay such as "retry after 3s"
// or "Retry-After: 2" from msg. Bare numbers are seconds. It returns 0
// when msg carries no hint.
func RetryHint(msg string) time.Duration {
	m := retryHintPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil || n <= 0 {
		return 0
	}
	unit := time.Second
	switch u := strings.ToLower(m[2]); {
	case strings.HasPrefix(u, "ms"), strings.HasPrefix(u, "milli"):
		unit = time.Millisecond
	case strings.HasPrefix(u, "m"):
		unit = time.Minute
	}
	return time.Duration(n * float64(unit))
}

// retryHintData reads a retry delay in seconds from a JSON-RPC error's
// data member, accepting either retryAfter or retry_after.
func retryHintData(data json.RawMessage) time.Duration {
	if len(data) == 0 {
		return 0
	}
	var hint struct {
		Camel *float64 `json:"retryAfter"`
		Snake *float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(data, &hint); err != nil {
		return 0
	}
	secs := hint.Camel
	if secs == nil {
		secs = hint.Snake
	}
	if secs == nil || *secs <= 0 {
		return 0
	}
	return time.Duration(*secs * float64(time.Second))
}
