package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"llmgate/internal/infra/config"
)

const configKeyEnv = "LLMGATE_CONFIG_KEY"

func (a *app) runEncrypt(args []string) error {
	fs := pflag.NewFlagSet("encrypt", pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	keyEnv := fs.String("key-env", configKeyEnv, "environment variable holding the passphrase")

	done, err := parseFlags(fs, args, func() { encryptUsage(a.stderr, fs) })
	if done || err != nil {
		return err
	}
	if fs.NArg() > 1 {
		return usageErrorf("encrypt takes a single value, got %d", fs.NArg())
	}

	passphrase, err := a.passphrase(*keyEnv)
	if err != nil {
		return err
	}

	value := fs.Arg(0)
	if value == "" || value == "-" {
		line, err := bufio.NewReader(a.stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read value: %w", err)
		}
		value = strings.TrimSpace(line)
	}
	if value == "" {
		return usageErrorf("nothing to encrypt")
	}

	enc, err := config.EncryptSecret(value, passphrase)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, enc)
	return nil
}

// passphrase reads the key from env, or prompts for it without echo when
// stdin is a terminal.
func (a *app) passphrase(env string) (string, error) {
	if v := os.Getenv(env); v != "" {
		return v, nil
	}
	fd, tty := terminalFd(a.stdin)
	if !tty {
		return "", fmt.Errorf("no passphrase: set %s", env)
	}
	fmt.Fprint(a.stderr, "passphrase: ")
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(a.stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if len(pass) == 0 {
		return "", errors.New("empty passphrase")
	}
	return string(pass), nil
}

func encryptUsage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintf(w, `Encrypt a secret for the config file. The output carries the "enc:"
prefix and is decrypted at load time with the same passphrase.

Usage:
  llmgate encrypt [flags] <value>
  llmgate encrypt [flags] -        # read the value from stdin

Flags:
%s`, fs.FlagUsages())
}
