package windows

import (
	"strings"
	"testing"
)

func TestPSQuoteEscapesSingleQuotes(t *testing.T) {
	if got, want := psQuote(`it's a test`), `'it''s a test'`; got != want {
		t.Errorf("psQuote = %q, want %q", got, want)
	}
}

func TestBuildCommandLineQuotesArgvAndEnv(t *testing.T) {
	cmd := buildCommandLine([]string{"whoami", "/all"}, map[string]string{"FOO": "bar baz"})
	if !strings.Contains(cmd, "$env:FOO='bar baz'; ") {
		t.Errorf("buildCommandLine = %q, want it to set $env:FOO", cmd)
	}
	if !strings.Contains(cmd, "& 'whoami' '/all'") {
		t.Errorf("buildCommandLine = %q, want a quoted argv invocation", cmd)
	}
}

func TestBuildCommandLineWithNoEnv(t *testing.T) {
	cmd := buildCommandLine([]string{"ipconfig"}, nil)
	if cmd != "& 'ipconfig'" {
		t.Errorf("buildCommandLine = %q, want %q", cmd, "& 'ipconfig'")
	}
}

func TestUnmarshalOneOrManyWrapsBareObject(t *testing.T) {
	var out []struct {
		Name string `json:"Name"`
	}
	if err := unmarshalOneOrMany(`{"Name":"alice"}`, &out); err != nil {
		t.Fatalf("unmarshalOneOrMany: %v", err)
	}
	if len(out) != 1 || out[0].Name != "alice" {
		t.Fatalf("out = %+v, want one element named alice", out)
	}
}

func TestUnmarshalOneOrManyPassesThroughArray(t *testing.T) {
	var out []struct {
		Name string `json:"Name"`
	}
	if err := unmarshalOneOrMany(`[{"Name":"alice"},{"Name":"bob"}]`, &out); err != nil {
		t.Fatalf("unmarshalOneOrMany: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("out = %+v, want two elements", out)
	}
}

func TestUnmarshalOneOrManyEmptyIsNoop(t *testing.T) {
	var out []struct{ Name string }
	if err := unmarshalOneOrMany("   ", &out); err != nil {
		t.Fatalf("unmarshalOneOrMany on blank input: %v", err)
	}
	if out != nil {
		t.Fatalf("out = %+v, want nil", out)
	}
}

func TestSha256HexIsStableAndDistinguishesInput(t *testing.T) {
	a := sha256Hex([]byte("payload-a"))
	b := sha256Hex([]byte("payload-b"))
	if a == b {
		t.Fatalf("sha256Hex collided for distinct inputs")
	}
	if a != sha256Hex([]byte("payload-a")) {
		t.Fatalf("sha256Hex is not stable for the same input")
	}
	if len(a) != 64 {
		t.Fatalf("sha256Hex length = %d, want 64 hex chars", len(a))
	}
}
