package attributes

import (
	"testing"

	"github.com/mrzor/socket-tracer/internal/config"
	"github.com/mrzor/socket-tracer/internal/procmeta"
	"github.com/mrzor/socket-tracer/internal/protocols"
	"github.com/mrzor/socket-tracer/internal/socket"
	"go.uber.org/zap/zaptest"
)

var testSchema = protocols.Schema{
	Name: "test_events",
	Columns: []protocols.Column{
		{Name: "upid", Type: protocols.UInt128},
		{Name: "method", Type: protocols.String},
		{Name: "status", Type: protocols.Int64},
	},
}

func testRecord() protocols.Record {
	upid := procmeta.NewUPID(4242, 777)
	return protocols.Record{
		Protocol: protocols.HTTP,
		Conn:     socket.ConnID{UPID: upid, FD: 3, Generation: 1},
		Values: []any{
			protocols.UInt128Value{High: upid.High(), Low: upid.Low()},
			"POST",
			int64(201),
		},
	}
}

func testMetadata() *procmeta.ProcessMetadata {
	return &procmeta.ProcessMetadata{
		Comm:        "myapp",
		Args:        []string{"myapp", "--port", "8080"},
		CmdlineFull: "myapp --port 8080",
	}
}

func TestNewEnv(t *testing.T) {
	env := NewEnv(testRecord(), testSchema, testMetadata())

	if env["protocol"] != "http" {
		t.Errorf("protocol = %v, want http", env["protocol"])
	}
	if env["pid"] != 4242 {
		t.Errorf("pid = %v, want 4242", env["pid"])
	}
	record, ok := env["record"].(map[string]any)
	if !ok {
		t.Fatalf("record has type %T", env["record"])
	}
	if record["upid"] != "4242:777" {
		t.Errorf("record.upid = %v, want 4242:777", record["upid"])
	}
	if record["status"] != int64(201) {
		t.Errorf("record.status = %v, want 201", record["status"])
	}
	if env["cmdline"] != "myapp --port 8080" {
		t.Errorf("cmdline = %v", env["cmdline"])
	}
}

func TestNewEnv_NoMetadata(t *testing.T) {
	env := NewEnv(testRecord(), testSchema, nil)

	if env["cmdline"] != "" {
		t.Errorf("cmdline = %v, want empty", env["cmdline"])
	}
	if args, _ := env["args"].([]string); len(args) != 0 {
		t.Errorf("args = %v, want empty", args)
	}
}

func TestEvaluator_Simple(t *testing.T) {
	attrs := []config.CustomAttribute{
		{Name: "test.method", Expression: `record["method"]`},
		{Name: "arg.first", Expression: `args[0]`},
		{Name: "is.created", Expression: `record["status"] == 201`},
	}

	evaluator, err := NewEvaluator(attrs, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	result, err := evaluator.EvaluateCustomAttributes(NewEnv(testRecord(), testSchema, testMetadata()))
	if err != nil {
		t.Fatalf("EvaluateCustomAttributes() error = %v", err)
	}

	if len(result) != 3 {
		t.Fatalf("Expected 3 attributes, got %d", len(result))
	}
	want := map[string]string{"test.method": "POST", "arg.first": "myapp", "is.created": "true"}
	for _, kv := range result {
		if got := kv.Value.AsString(); got != want[string(kv.Key)] {
			t.Errorf("%s = %q, want %q", kv.Key, got, want[string(kv.Key)])
		}
	}
}

func TestEvaluator_MapExpansion(t *testing.T) {
	attrs := []config.CustomAttribute{
		{Name: "expanded", Expression: `{"a.b": comm, "c": 1}`},
	}

	evaluator, err := NewEvaluator(attrs, nil)
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	result, err := evaluator.EvaluateCustomAttributes(NewEnv(testRecord(), testSchema, testMetadata()))
	if err != nil {
		t.Fatalf("EvaluateCustomAttributes() error = %v", err)
	}

	if len(result) != 2 {
		t.Fatalf("Expected 2 attributes (map expansion), got %d", len(result))
	}
	got := make(map[string]string)
	for _, kv := range result {
		got[string(kv.Key)] = kv.Value.AsString()
	}
	if got["expanded.a_b"] != "myapp" {
		t.Errorf("expanded.a_b = %q, want myapp", got["expanded.a_b"])
	}
	if got["expanded.c"] != "1" {
		t.Errorf("expanded.c = %q, want 1", got["expanded.c"])
	}
}

func TestEvaluator_FailingExpressionIsSkipped(t *testing.T) {
	attrs := []config.CustomAttribute{
		{Name: "out.of.range", Expression: `args[5]`},
		{Name: "comm", Expression: `comm`},
	}

	evaluator, err := NewEvaluator(attrs, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	result, err := evaluator.EvaluateCustomAttributes(NewEnv(testRecord(), testSchema, testMetadata()))
	if err != nil {
		t.Fatalf("EvaluateCustomAttributes() error = %v", err)
	}
	if len(result) != 1 || result[0].Key != "comm" {
		t.Errorf("result = %v, want only comm", result)
	}
}

func TestEvaluator_NilEnv(t *testing.T) {
	evaluator, err := NewEvaluator([]config.CustomAttribute{{Name: "c", Expression: `cmdline`}}, nil)
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	result, err := evaluator.EvaluateCustomAttributes(nil)
	if err != nil || result != nil {
		t.Errorf("EvaluateCustomAttributes(nil) = %v, %v; want nil, nil", result, err)
	}
}

func TestEvaluator_CompileError(t *testing.T) {
	_, err := NewEvaluator([]config.CustomAttribute{{Name: "bad", Expression: `unknown_variable +`}}, nil)
	if err == nil {
		t.Fatal("NewEvaluator() expected error for invalid expression")
	}
}

func TestSanitizeAttributeName(t *testing.T) {
	tests := map[string]string{
		"simple":    "simple",
		"with.dot":  "with_dot",
		"a-b c":     "a_b_c",
		"UPPER_123": "UPPER_123",
	}
	for in, want := range tests {
		if got := sanitizeAttributeName(in); got != want {
			t.Errorf("sanitizeAttributeName(%q) = %q, want %q", in, got, want)
		}
	}
}
