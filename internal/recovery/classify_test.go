package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/nugget/toolbridge/internal/client"
	"github.com/nugget/toolbridge/internal/mcp"
)

func TestClassify(t *testing.T) {
	spawnErr := &exec.Error{Name: "missing-server", Err: exec.ErrNotFound}

	tests := []struct {
		name     string
		err      error
		category Category
		severity Severity
	}{
		{"permission", &client.PermissionError{Agent: "coder", Server: "search"}, CategoryPermission, SeverityHigh},
		{"unknown server", fmt.Errorf("%w: ghost", client.ErrUnknownServer), CategoryNotFound, SeverityLow},
		{"missing binary", spawnErr, CategoryConnection, SeverityCritical},
		{"missing binary behind breaker", &mcp.CircuitOpenError{Server: "fs", Err: spawnErr}, CategoryConnection, SeverityCritical},
		{"circuit open", &mcp.CircuitOpenError{Server: "fs", Err: errors.New("exit status 1")}, CategoryConnection, SeverityHigh},
		{"timeout", &mcp.TimeoutError{Server: "fs", Method: "tools/call", After: time.Second}, CategoryTimeout, SeverityMedium},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), CategoryTimeout, SeverityMedium},
		{"cancelled by disconnect", mcp.ErrCancelled, CategoryConnection, SeverityMedium},
		{"stream closed", &mcp.ConnectionError{Server: "fs", Op: "read", Err: mcp.ErrStreamClosed}, CategoryConnection, SeverityMedium},
		{"decode", &mcp.DecodeError{Line: []byte("{"), Err: errors.New("unexpected EOF")}, CategoryServerError, SeverityMedium},
		{"method not found", &mcp.RPCError{Code: mcp.CodeMethodNotFound, Message: "no such method"}, CategoryNotFound, SeverityLow},
		{"invalid params", &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: "path is required"}, CategoryInvalidRequest, SeverityLow},
		{"internal rpc", &mcp.RPCError{Code: mcp.CodeInternalError, Message: "boom"}, CategoryServerError, SeverityMedium},
		{"rpc rate limit text", &mcp.RPCError{Code: -32000, Message: "Rate limit exceeded"}, CategoryRateLimit, SeverityMedium},
		{"caller cancelled", context.Canceled, CategoryUnknown, SeverityLow},
		{"text rate limit", errors.New("HTTP 429 Too Many Requests"), CategoryRateLimit, SeverityMedium},
		{"text auth", errors.New("Unauthorized: invalid API key"), CategoryAuth, SeverityHigh},
		{"text forbidden", errors.New("403 Forbidden"), CategoryPermission, SeverityHigh},
		{"text connection", errors.New("dial unix /tmp/x.sock: connection refused"), CategoryConnection, SeverityMedium},
		{"text not found", errors.New("open /etc/nope: no such file or directory"), CategoryNotFound, SeverityLow},
		{"text server error", errors.New("503 Service Unavailable"), CategoryServerError, SeverityMedium},
		{"unrecognized", errors.New("the flux capacitor hiccuped"), CategoryUnknown, SeverityLow},
		{"eof inside a word", errors.New("the remainder thereof was discarded"), CategoryUnknown, SeverityLow},
		{"status code inside a number", errors.New("query took 1500ms"), CategoryUnknown, SeverityLow},
		{"status code inside an id", errors.New("job 44291 stalled"), CategoryUnknown, SeverityLow},
		{"bare eof", errors.New("read |0: unexpected EOF"), CategoryConnection, SeverityMedium},
		{"stemmed throttle", errors.New("request throttled by upstream"), CategoryRateLimit, SeverityMedium},
		{"underscore separated", errors.New("error: invalid_request"), CategoryInvalidRequest, SeverityLow},
		{"status after punctuation", errors.New("upstream returned status=500"), CategoryServerError, SeverityMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.err)
			if c.Category != tt.category || c.Severity != tt.severity {
				t.Errorf("Classify(%v) = %s/%s, want %s/%s", tt.err, c.Category, c.Severity, tt.category, tt.severity)
			}
			if c.Message != tt.err.Error() {
				t.Errorf("Message = %q, want %q", c.Message, tt.err.Error())
			}
		})
	}
}

func TestClassify_Nil(t *testing.T) {
	c := Classify(nil)
	if c.Category != CategoryUnknown {
		t.Errorf("Classify(nil).Category = %s, want unknown", c.Category)
	}
}

func TestClassify_RetryAfterFromData(t *testing.T) {
	for _, data := range []string{`{"retryAfter": 2}`, `{"retry_after": 2.0}`} {
		err := &mcp.RPCError{Code: -32000, Message: "rate limited", Data: json.RawMessage(data)}
		c := Classify(err)
		if c.Category != CategoryRateLimit {
			t.Errorf("%s: category = %s, want rate_limit", data, c.Category)
		}
		if c.RetryAfter != 2*time.Second {
			t.Errorf("%s: RetryAfter = %v, want 2s", data, c.RetryAfter)
		}
	}
}

func TestClassify_RetryAfterFromText(t *testing.T) {
	c := Classify(errors.New("rate limit exceeded, retry after 3s"))
	if c.RetryAfter != 3*time.Second {
		t.Errorf("RetryAfter = %v, want 3s", c.RetryAfter)
	}
}

func TestRetryHint(t *testing.T) {
	tests := []struct {
		msg  string
		want time.Duration
	}{
		{"retry after 3s", 3 * time.Second},
		{"Retry-After: 2", 2 * time.Second},
		{"retry_after=1.5 seconds", 1500 * time.Millisecond},
		{"please retry after 250ms", 250 * time.Millisecond},
		{"retry after 2 minutes", 2 * time.Minute},
		{"slow down", 0},
		{"retry after 0s", 0},
	}
	for _, tt := range tests {
		if got := RetryHint(tt.msg); got != tt.want {
			t.Errorf("RetryHint(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestClassifyMessage(t *testing.T) {
	c := ClassifyMessage("Too many requests. Retry after 4s")
	if c.Category != CategoryRateLimit {
		t.Errorf("Category = %s, want rate_limit", c.Category)
	}
	if c.RetryAfter != 4*time.Second {
		t.Errorf("RetryAfter = %v, want 4s", c.RetryAfter)
	}
	if c.Message != "Too many requests. Retry after 4s" {
		t.Errorf("Message = %q", c.Message)
	}
}

func TestClassification_Retryable(t *testing.T) {
	tests := []struct {
		c    Classification
		want bool
	}{
		{Classification{Category: CategoryTimeout, Severity: SeverityMedium}, true},
		{Classification{Category: CategoryConnection, Severity: SeverityMedium}, true},
		{Classification{Category: CategoryConnection, Severity: SeverityHigh}, false},
		{Classification{Category: CategoryConnection, Severity: SeverityCritical}, false},
		{Classification{Category: CategoryRateLimit, Severity: SeverityMedium}, false},
		{Classification{Category: CategoryPermission, Severity: SeverityHigh}, false},
	}
	for _, tt := range tests {
		if got := tt.c.Retryable(); got != tt.want {
			t.Errorf("%s/%s Retryable() = %v, want %v", tt.c.Category, tt.c.Severity, got, tt.want)
		}
	}
}

func TestSeverity_MarshalText(t *testing.T) {
	data, err := json.Marshal(Classification{Category: CategoryAuth, Severity: SeverityCritical})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"category":"auth","severity":"critical","message":""}`; string(data) != want {
		t.Errorf("json = %s, want %s", data, want)
	}
	if got := Severity(9).String(); got != "severity(9)" {
		t.Errorf("Severity(9) = %q", got)
	}
}
