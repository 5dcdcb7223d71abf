// Package trace implements the Trace Recorder (spec §4.2/§4.4): it
// accumulates one ExecutionTrace per workflow run as tasks complete,
// sanitizes it per spec §6 (secret redaction, non-JSON-native
// canonicalization, 10 KB payload truncation), and hands the finished trace
// to a Store for persistence. Grounded on the teacher's features/run/mongo
// and features/runlog/mongo for the accumulate-then-persist shape — the
// teacher appends one runlog.Event per step and lets the store assemble a
// page, whereas a trace here is built up in memory across a whole workflow
// and written once at completion, matching spec §3's single-row
// ExecutionTrace shape.
package trace

import (
	"context"
	"math/big"
	"regexp"
	"sync"
	"time"

	"github.com/casys-ai/pml/pkg/bridge"
	"github.com/casys-ai/pml/pkg/capability"
)

// maxPayloadBytes is the sanitization truncation threshold (spec §6).
const maxPayloadBytes = 10 * 1024

// Decision records which outcome a decision node took during execution.
type Decision struct {
	NodeID  string
	Outcome string
}

// TaskResult records one task's observed invocation and result, sanitized
// before being appended.
type TaskResult struct {
	TaskID     string
	Tool       string
	Args       map[string]any
	Result     any
	Success    bool
	DurationMs int64
}

// ExecutionTrace is the accumulated, sanitized record of one workflow run
// (spec §3 ExecutionTrace).
type ExecutionTrace struct {
	ID             string
	CapabilityID   capability.FQDN
	IntentText     string
	InitialContext map[string]any
	ExecutedAt     time.Time
	Success        bool
	DurationMs     int64
	ErrorMessage   string
	ExecutedPath   []string
	Decisions      []Decision
	TaskResults    []TaskResult
	Priority       float64
	ParentTraceID  string
}

// Store persists a finished ExecutionTrace. Concrete backends live in
// sibling packages (mongostore for a MongoDB execution_trace collection).
type Store interface {
	Save(ctx context.Context, t ExecutionTrace) error
}

// Recorder accumulates one ExecutionTrace across a single workflow run. All
// methods are safe for concurrent use by the tasks of one layer.
type Recorder struct {
	mu      sync.Mutex
	started time.Time
	trace   ExecutionTrace
}

// New starts accumulating a trace for one workflow run.
func New(runID string, capabilityID capability.FQDN, intentText string, initialContext map[string]any, parentTraceID string) *Recorder {
	return &Recorder{
		started: time.Now(),
		trace: ExecutionTrace{
			ID:             runID,
			CapabilityID:   capabilityID,
			IntentText:     intentText,
			InitialContext: initialContext,
			ParentTraceID:  parentTraceID,
		},
	}
}

// RecordDecision appends the outcome a decision node took (spec §5: children
// of the same parent are ordered by write-time ts, preserved here by append
// order under the recorder's lock).
func (r *Recorder) RecordDecision(nodeID, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace.Decisions = append(r.trace.Decisions, Decision{NodeID: nodeID, Outcome: outcome})
}

// RecordExecutedNode appends nodeID to the executed path in the order the
// executor actually traversed it.
func (r *Recorder) RecordExecutedNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace.ExecutedPath = append(r.trace.ExecutedPath, nodeID)
}

// ForTask scopes a bridge.TraceRecorder to one task id, so every RPC call
// the Bridge makes while executing that task is attributed to it. pkg/pml's
// BridgeInvoker creates one of these per task before calling
// bridge.Execute.
func (r *Recorder) ForTask(taskID, tool string) bridge.TraceRecorder {
	return &taskScope{recorder: r, taskID: taskID, tool: tool}
}

// Finish marks the trace complete and returns the sanitized, final record
// ready for Store.Save.
func (r *Recorder) Finish(success bool, errMessage string) ExecutionTrace {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace.ExecutedAt = r.started
	r.trace.Success = success
	r.trace.ErrorMessage = errMessage
	r.trace.DurationMs = time.Since(r.started).Milliseconds()
	return r.trace
}

type taskScope struct {
	recorder *Recorder
	taskID   string
	tool     string
}

// RecordCall implements bridge.TraceRecorder: one RPC call observed while
// executing this task becomes one sanitized TaskResult row.
func (s *taskScope) RecordCall(call bridge.TracedCall) {
	s.recorder.mu.Lock()
	defer s.recorder.mu.Unlock()
	s.recorder.trace.TaskResults = append(s.recorder.trace.TaskResults, TaskResult{
		TaskID:     s.taskID,
		Tool:       s.tool,
		Args:       sanitize(call.Arguments).(map[string]any),
		Result:     sanitize(call.Result),
		Success:    call.Err == "",
		DurationMs: call.Duration.Milliseconds(),
	})
}

// redactKeys names fields whose value is always replaced regardless of
// shape, matched case-insensitively against a map key (spec §6: "redact
// patterns matching known secret shapes").
var redactKeys = map[string]bool{
	"apikey": true, "api_key": true, "token": true, "secret": true,
	"password": true, "authorization": true, "bearer": true,
}

// secretPattern catches bearer tokens and common API-key prefixes embedded
// inside an otherwise ordinary string value.
var secretPattern = regexp.MustCompile(`(?i)(bearer\s+[a-z0-9._-]{10,}|sk-[a-z0-9]{20,}|AKIA[0-9A-Z]{16})`)

// sanitize applies spec §6's persistence rules recursively: secret
// redaction, canonical string form for non-JSON natives (time.Time,
// *big.Int), and truncation of any payload whose encoded size exceeds
// maxPayloadBytes. Circular references are already impossible here, since
// static analysis forbids dynamic graphs and every input to this function
// is plain decoded JSON or Go-native RPC arguments, never a cyclic pointer
// structure.
func sanitize(v any) any {
	return sanitizeDepth(v, 0)
}

func sanitizeDepth(v any, depth int) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if redactKeys[lower(k)] {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = sanitizeDepth(val, depth+1)
		}
		return truncateIfOversized(out)
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = sanitizeDepth(val, depth+1)
		}
		return truncateIfOversized(out)
	case string:
		return secretPattern.ReplaceAllString(t, "[REDACTED]")
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *big.Int:
		return t.String()
	case big.Int:
		return t.String()
	default:
		return v
	}
}

func truncateIfOversized(v any) any {
	size := approxSize(v)
	if size <= maxPayloadBytes {
		return v
	}
	return map[string]any{"_truncated": true, "_originalSize": size}
}

// approxSize estimates an encoded payload's size without a full JSON
// marshal round-trip on every nested value; good enough to decide whether
// the 10 KB truncation rule applies.
func approxSize(v any) int {
	switch t := v.(type) {
	case map[string]any:
		n := 2
		for k, val := range t {
			n += len(k) + 4 + approxSize(val)
		}
		return n
	case []any:
		n := 2
		for _, val := range t {
			n += approxSize(val) + 1
		}
		return n
	case string:
		return len(t) + 2
	default:
		return 16
	}
}

func lower(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
