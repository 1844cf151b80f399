package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"llmgate/pkg/gateway"
)

// Exit codes. Gateway failures map to a code per error kind so scripts can
// tell a bad key from a throttled account.
const (
	exitOK        = 0
	exitFailure   = 1
	exitUsage     = 2
	exitAuth      = 3
	exitRateLimit = 4
	exitTimeout   = 5
)

// usageError reports a bad invocation; the usage text is printed with it.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// app carries the process streams so commands can be driven from tests.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := &app{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
	err := a.run(ctx, os.Args[1:])
	stop()
	if err != nil {
		a.printError(err)
	}
	os.Exit(exitCode(err))
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		showUsage(a.stderr)
		return usageErrorf("no command given")
	}

	switch args[0] {
	case "--help", "-h", "help":
		showUsage(a.stdout)
		return nil
	case "chat":
		return a.runChat(ctx, args[1:])
	case "models":
		return a.runModels(ctx, args[1:])
	case "encrypt":
		return a.runEncrypt(args[1:])
	default:
		return usageErrorf("unknown command: %s\n\nRun 'llmgate --help' for usage information.", args[0])
	}
}

func (a *app) printError(err error) {
	red := color.New(color.FgRed, color.Bold)
	red.Fprint(a.stderr, "error: ")
	fmt.Fprintln(a.stderr, err)

	var gwErr *gateway.Error
	if errors.As(err, &gwErr) && gwErr.IsRetryable() {
		color.New(color.FgYellow).Fprintln(a.stderr, "hint: the failure is transient, --retry backs off and tries again")
	}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ue *usageError
	if errors.As(err, &ue) {
		return exitUsage
	}
	switch {
	case errors.Is(err, gateway.ErrAuth):
		return exitAuth
	case errors.Is(err, gateway.ErrRateLimit):
		return exitRateLimit
	case errors.Is(err, gateway.ErrTimeout):
		return exitTimeout
	default:
		return exitFailure
	}
}

func showUsage(w io.Writer) {
	fmt.Fprint(w, `llmgate - command line client for OpenRouter-compatible LLM gateways

USAGE:
    llmgate <COMMAND> [FLAGS]

COMMANDS:
    chat        Send a prompt and print the reply
    models      List the models the gateway offers
    encrypt     Encrypt a secret for use in the config file

COMMON FLAGS:
    -c, --config PATH     Config file (default: ~/.llmgate/config.yaml)
        --env-file PATH   Load environment variables from a file (default: ./.env if present)
    -v, --verbose         Enable debug logging
    -h, --help            Show help for a command

CONFIGURATION:
    Environment: LLMGATE_* variables override the config file.
    The API key is read from gateway.api_key, LLMGATE_API_KEY or OPENROUTER_API_KEY.
    Values prefixed with "enc:" are decrypted with LLMGATE_CONFIG_KEY.

EXAMPLES:
    llmgate chat "Explain SSE in one paragraph"
    echo "Summarize this" | llmgate chat --model anthropic/claude-sonnet-4 -
    llmgate chat --schema person.json --no-stream "Invent a person"
    llmgate models --filter claude
    LLMGATE_CONFIG_KEY=pass llmgate encrypt sk-or-v1-...
`)
}
