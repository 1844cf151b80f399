package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/pflag"
	"github.com/tidwall/gjson"

	"llmgate/pkg/gateway"
)

type chatFlags struct {
	common      commonFlags
	model       string
	system      string
	noStream    bool
	retry       bool
	render      string
	schemaPath  string
	temperature float64
	maxTokens   int
}

func (a *app) runChat(ctx context.Context, args []string) error {
	var f chatFlags
	fs := pflag.NewFlagSet("chat", pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	f.common.register(fs)
	fs.StringVarP(&f.model, "model", "m", "", "model ID (default: gateway.model from config)")
	fs.StringVarP(&f.system, "system", "s", "", "system prompt")
	fs.BoolVar(&f.noStream, "no-stream", false, "wait for the whole reply instead of streaming it")
	fs.BoolVar(&f.retry, "retry", false, "retry transient failures with exponential backoff")
	fs.StringVar(&f.render, "render", string(renderAuto), "render Markdown replies: auto, always or never (buffers streamed output)")
	fs.StringVar(&f.schemaPath, "schema", "", "JSON Schema file the reply must conform to")
	fs.Float64VarP(&f.temperature, "temperature", "t", 0, "sampling temperature")
	fs.IntVar(&f.maxTokens, "max-tokens", 0, "maximum tokens to generate")

	done, err := parseFlags(fs, args, func() { chatUsage(a.stderr, fs) })
	if done || err != nil {
		return err
	}
	mode, err := parseRenderMode(f.render)
	if err != nil {
		return err
	}
	prompt, err := a.readPrompt(fs.Args())
	if err != nil {
		return err
	}

	req := gateway.ChatRequest{Model: f.model}
	if f.system != "" {
		req.Messages = append(req.Messages, gateway.SystemMessage(f.system))
	}
	req.Messages = append(req.Messages, gateway.UserMessage(prompt))
	if fs.Changed("temperature") {
		req.Temperature = &f.temperature
	}
	if f.maxTokens > 0 {
		req.MaxTokens = &f.maxTokens
	}

	var schema json.RawMessage
	if f.schemaPath != "" {
		if req.ResponseFormat, err = loadSchemaFormat(f.schemaPath); err != nil {
			return err
		}
		schema = req.ResponseFormat.JSONSchema.Schema
		mode = renderNever
	}

	rt, err := loadRuntime(ctx, f.common)
	if err != nil {
		return err
	}
	defer rt.close()
	if rt.cfg.Gateway.APIKey == "" {
		return errNoAPIKey
	}
	client := newClient(rt.cfg, rt.logger)

	render := shouldRender(mode, a.stdout)
	var (
		reply    *gateway.ChatResponse
		attempts int
	)
	if f.noStream {
		reply, attempts, err = a.complete(ctx, client, req, f.retry)
	} else {
		reply, attempts, err = a.stream(ctx, client, req, f.retry, !render)
	}
	if err != nil {
		return err
	}

	msg, _ := reply.FirstMessage()
	if f.noStream || render {
		if err := a.printReply(msg.Content, render); err != nil {
			return err
		}
	}
	printToolCalls(a.stdout, msg.ToolCalls)
	printUsage(a.stderr, reply.Model, reply.Usage, attempts)

	if schema != nil {
		if err := gateway.ValidateJSON(schema, msg.Content); err != nil {
			return fmt.Errorf("reply does not match %s: %w", f.schemaPath, err)
		}
	}
	return nil
}

// complete sends req in one round trip.
func (a *app) complete(ctx context.Context, client *gateway.Client, req gateway.ChatRequest, retry bool) (*gateway.ChatResponse, int, error) {
	if !retry {
		resp, err := client.Complete(ctx, req)
		return resp, 1, err
	}
	res := client.CompleteWithRetry(ctx, req)
	return res.Value, res.Attempts, res.Err
}

// stream prints text fragments as they arrive when live is set, and returns
// the accumulated reply.
func (a *app) stream(ctx context.Context, client *gateway.Client, req gateway.ChatRequest, retry, live bool) (*gateway.ChatResponse, int, error) {
	var res gateway.RetryResult[*gateway.Decoder]
	if retry {
		res = client.StreamWithRetry(ctx, req)
	} else {
		dec, err := client.Stream(ctx, req)
		res = gateway.RetryResult[*gateway.Decoder]{Value: dec, Err: err, Attempts: 1}
	}
	if res.Err != nil {
		return nil, res.Attempts, res.Err
	}

	w := gateway.Watch(ctx, res.Value, 0)
	for u := range w.Updates() {
		if live && u.Text != "" {
			fmt.Fprint(a.stdout, u.Text)
		}
	}
	state, err := w.Result()
	if live && state.Content != "" {
		fmt.Fprintln(a.stdout)
	}
	if err != nil {
		return nil, res.Attempts, err
	}
	return state.Response(), res.Attempts, nil
}

func (a *app) printReply(text string, render bool) error {
	if text == "" {
		return nil
	}
	if render {
		out, err := renderMarkdown(text, a.stdout)
		if err != nil {
			return err
		}
		fmt.Fprint(a.stdout, out)
		return nil
	}
	fmt.Fprintln(a.stdout, text)
	return nil
}

// readPrompt joins the positional arguments. "-" or no arguments with a
// non-terminal stdin reads the prompt from stdin.
func (a *app) readPrompt(args []string) (string, error) {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		if _, tty := terminalFd(a.stdin); tty {
			return "", usageErrorf("no prompt given")
		}
	}
	if prompt == "" || prompt == "-" {
		data, err := io.ReadAll(a.stdin)
		if err != nil {
			return "", fmt.Errorf("read prompt: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" {
		return "", usageErrorf("prompt is empty")
	}
	return prompt, nil
}

// loadSchemaFormat reads a JSON Schema file into a strict json_schema
// response format named after the file.
func loadSchemaFormat(path string) (*gateway.ResponseFormat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return nil, usageErrorf("schema %s is not a JSON object", path)
	}
	return &gateway.ResponseFormat{
		Type: "json_schema",
		JSONSchema: &gateway.JSONSchema{
			Name:   schemaName(path),
			Strict: true,
			Schema: json.RawMessage(data),
		},
	}, nil
}

// schemaName derives a format name from a file name, keeping only the
// characters the gateway accepts.
func schemaName(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, base)
	if name == "" {
		return "response"
	}
	return name
}

func chatUsage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintf(w, `Send a prompt and print the reply.

Usage:
  llmgate chat [flags] <prompt...>
  llmgate chat [flags] -        # read the prompt from stdin

Flags:
%s`, fs.FlagUsages())
}
