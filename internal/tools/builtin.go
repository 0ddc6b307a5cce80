package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/wardenhub/warden-gateway/internal/store"
)

const (
	shellTimeout = 60 * time.Second
	maxFileRead  = 256 * 1024
)

// NewBuiltinRegistry returns the registry of built-in host skills with
// their sensitivity tiers.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()

	r.Register(&Tool{
		Skill:       "browser",
		Action:      "open",
		Description: "Open a URL in the user's default browser",
		Tier:        store.TierGreen,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{"type": "string", "description": "The URL to open"},
			},
			"required": []string{"url"},
		},
		Handler: openURL,
	})

	r.Register(&Tool{
		Skill:       "clipboard",
		Action:      "read",
		Description: "Read the current clipboard contents",
		Tier:        store.TierYellow,
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: readClipboard,
	})

	r.Register(&Tool{
		Skill:       "clipboard",
		Action:      "write",
		Description: "Replace the clipboard contents with the given text",
		Tier:        store.TierYellow,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string", "description": "Text to place on the clipboard"},
			},
			"required": []string{"text"},
		},
		Handler: writeClipboard,
	})

	r.Register(&Tool{
		Skill:       "fs",
		Action:      "read",
		Description: "Read a text file from the host filesystem",
		Tier:        store.TierYellow,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Absolute path of the file"},
			},
			"required": []string{"path"},
		},
		Handler: readFile,
	})

	r.Register(&Tool{
		Skill:       "shell",
		Action:      "execute",
		Description: "Run a shell command on the host and return its output",
		Tier:        store.TierRed,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string", "description": "The command to run"},
			},
			"required": []string{"command"},
		},
		Handler: executeShell,
	})

	return r
}

func openURL(ctx context.Context, args map[string]any) (string, error) {
	url, err := stringArg(args, "url")
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", fmt.Errorf("only http(s) URLs can be opened")
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to open browser: %w", err)
	}
	return fmt.Sprintf("Opened %s in the default browser", url), nil
}

func clipboardCommands(write bool) *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		if write {
			return exec.Command("pbcopy")
		}
		return exec.Command("pbpaste")
	default:
		if write {
			return exec.Command("xclip", "-selection", "clipboard")
		}
		return exec.Command("xclip", "-selection", "clipboard", "-o")
	}
}

func readClipboard(ctx context.Context, args map[string]any) (string, error) {
	out, err := clipboardCommands(false).Output()
	if err != nil {
		return "", fmt.Errorf("failed to read clipboard: %w", err)
	}
	return string(out), nil
}

func writeClipboard(ctx context.Context, args map[string]any) (string, error) {
	text, err := stringArg(args, "text")
	if err != nil {
		return "", err
	}
	cmd := clipboardCommands(true)
	cmd.Stdin = strings.NewReader(text)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("failed to write clipboard: %w", err)
	}
	return fmt.Sprintf("Copied %d bytes to the clipboard", len(text)), nil
}

func readFile(ctx context.Context, args map[string]any) (string, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Size() > maxFileRead {
		return "", fmt.Errorf("file too large: %d bytes (limit %d)", info.Size(), maxFileRead)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return string(data), nil
}

func executeShell(ctx context.Context, args map[string]any) (string, error) {
	command, err := stringArg(args, "command")
	if err != nil {
		return "", err
	}

	execCtx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("command failed: %w\n%s", err, string(out))
	}
	return string(out), nil
}
