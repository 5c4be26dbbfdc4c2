package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// RegisterBuiltins adds the stock tool set: echo, calculator, cli, list_dir.
func RegisterBuiltins(s *Server) error {
	for _, t := range []Tool{EchoTool(), CalculatorTool(), CLITool(), ListDirTool()} {
		if err := s.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// EchoTool returns its "message" argument unchanged.
func EchoTool() Tool {
	return Tool{
		Name:        "echo",
		Description: "Echoes back the provided message",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string","description":"The message to echo back"}},"required":["message"]}`),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var p struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return "", fmt.Errorf("invalid echo arguments: %w", err)
			}
			return p.Message, nil
		},
	}
}

// CalculatorTool performs basic arithmetic. Operands arrive as decimal
// strings ("2", "8", "3.5") and the result is rendered back to one.
func CalculatorTool() Tool {
	return Tool{
		Name:        "calculator",
		Description: "Performs basic arithmetic operations",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"operation":{"type":"string","enum":["add","subtract","multiply","divide"]},"a":{"type":"string","description":"First operand"},"b":{"type":"string","description":"Second operand"}},"required":["operation","a","b"]}`),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var p struct {
				Operation string `json:"operation"`
				A         string `json:"a"`
				B         string `json:"b"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return "", fmt.Errorf("invalid calculator arguments: %w", err)
			}
			a, err := strconv.ParseFloat(p.A, 64)
			if err != nil {
				return "", fmt.Errorf("invalid operand a: %q", p.A)
			}
			b, err := strconv.ParseFloat(p.B, 64)
			if err != nil {
				return "", fmt.Errorf("invalid operand b: %q", p.B)
			}

			var result float64
			switch p.Operation {
			case "add":
				result = a + b
			case "subtract":
				result = a - b
			case "multiply":
				result = a * b
			case "divide":
				if b == 0 {
					return "", errors.New("Division by zero")
				}
				result = a / b
			default:
				return "", fmt.Errorf("unknown operation: %q", p.Operation)
			}
			return strconv.FormatFloat(result, 'f', -1, 64), nil
		},
	}
}

// CLITool runs a host command and captures its combined output. The args
// string is split on whitespace, shell-free. Register it only on servers for
// trusted callers — it executes whatever it is told to.
func CLITool() Tool {
	return Tool{
		Name:        "cli",
		Description: "Executes a command line program and returns its output",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"The program to run"},"args":{"type":"string","description":"Whitespace-separated arguments"}},"required":["command"]}`),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var p struct {
				Command string `json:"command"`
				Args    string `json:"args"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return "", fmt.Errorf("invalid cli arguments: %w", err)
			}
			if p.Command == "" {
				return "", errors.New("command is required")
			}

			cmd := exec.CommandContext(ctx, p.Command, strings.Fields(p.Args)...)
			out, err := cmd.CombinedOutput()
			if err != nil {
				if len(out) > 0 {
					return "", fmt.Errorf("%v: %s", err, strings.TrimSpace(string(out)))
				}
				return "", err
			}
			return string(out), nil
		},
	}
}

// ListDirTool lists a directory, one entry per line, subdirectories marked
// with a trailing slash.
func ListDirTool() Tool {
	return Tool{
		Name:        "list_dir",
		Description: "Lists the contents of a directory",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"The directory to list"}},"required":["path"]}`),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var p struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return "", fmt.Errorf("invalid list_dir arguments: %w", err)
			}
			entries, err := os.ReadDir(p.Path)
			if err != nil {
				return "", err
			}

			var sb strings.Builder
			for _, e := range entries {
				sb.WriteString(e.Name())
				if e.IsDir() {
					sb.WriteByte('/')
				}
				sb.WriteByte('\n')
			}
			return sb.String(), nil
		},
	}
}
