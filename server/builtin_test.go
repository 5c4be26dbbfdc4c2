package server

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func callHandler(t *testing.T, tool Tool, args string) (string, error) {
	t.Helper()
	return tool.Handler(context.Background(), json.RawMessage(args))
}

func TestCalculator(t *testing.T) {
	calc := CalculatorTool()

	cases := []struct {
		operation, a, b string
		want            string
	}{
		{"add", "2", "8", "10"},
		{"subtract", "5", "1.5", "3.5"},
		{"multiply", "4", "2.5", "10"},
		{"divide", "1", "4", "0.25"},
		{"add", "-3", "3", "0"},
	}
	for _, c := range cases {
		args, _ := json.Marshal(map[string]string{"operation": c.operation, "a": c.a, "b": c.b})
		got, err := callHandler(t, calc, string(args))
		if err != nil {
			t.Fatalf("%s(%s, %s): %v", c.operation, c.a, c.b, err)
		}
		if got != c.want {
			t.Fatalf("%s(%s, %s) = %q, expect %q", c.operation, c.a, c.b, got, c.want)
		}
	}
}

func TestCalculatorDivideByZero(t *testing.T) {
	_, err := callHandler(t, CalculatorTool(), `{"operation":"divide","a":"1","b":"0"}`)
	if err == nil || err.Error() != "Division by zero" {
		t.Fatalf("expect Division by zero, got %v", err)
	}
}

func TestCalculatorBadInput(t *testing.T) {
	calc := CalculatorTool()
	if _, err := callHandler(t, calc, `{"operation":"add","a":"two","b":"8"}`); err == nil {
		t.Fatal("expect error for non-numeric operand")
	}
	if _, err := callHandler(t, calc, `{"operation":"modulo","a":"1","b":"2"}`); err == nil {
		t.Fatal("expect error for unknown operation")
	}
}

func TestEcho(t *testing.T) {
	got, err := callHandler(t, EchoTool(), `{"message":"Hello from echo!"}`)
	if err != nil {
		t.Fatal(err)
	}
	if got != "Hello from echo!" {
		t.Fatalf("expect the message back, got %q", got)
	}
}

func TestCLI(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on unix echo")
	}
	got, err := callHandler(t, CLITool(), `{"command":"echo","args":"Hello from echo!"}`)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(got) != "Hello from echo!" {
		t.Fatalf("expect the echoed args, got %q", got)
	}
}

func TestCLIFailures(t *testing.T) {
	cli := CLITool()
	if _, err := callHandler(t, cli, `{"args":"no command"}`); err == nil {
		t.Fatal("expect error for missing command")
	}
	if _, err := callHandler(t, cli, `{"command":"definitely-not-a-real-binary-4c1d"}`); err == nil {
		t.Fatal("expect error for unknown binary")
	}
}

func TestListDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	args, _ := json.Marshal(map[string]string{"path": dir})
	got, err := callHandler(t, ListDirTool(), string(args))
	if err != nil {
		t.Fatal(err)
	}
	if got != "a.txt\nsub/\n" {
		t.Fatalf("expect sorted listing with directory marker, got %q", got)
	}

	if _, err := callHandler(t, ListDirTool(), `{"path":"/definitely/not/here"}`); err == nil {
		t.Fatal("expect error for a missing directory")
	}
}
