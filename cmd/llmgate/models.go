package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	json "github.com/goccy/go-json"
	"github.com/spf13/pflag"

	"llmgate/pkg/gateway"
)

func (a *app) runModels(ctx context.Context, args []string) error {
	var (
		common  commonFlags
		filter  string
		asJSON  bool
		retries bool
	)
	fs := pflag.NewFlagSet("models", pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	common.register(fs)
	fs.StringVarP(&filter, "filter", "f", "", "only list models whose ID contains this text")
	fs.BoolVar(&asJSON, "json", false, "print the listing as JSON")
	fs.BoolVar(&retries, "retry", false, "retry transient failures with exponential backoff")

	done, err := parseFlags(fs, args, func() { modelsUsage(a.stderr, fs) })
	if done || err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return usageErrorf("unexpected argument: %s", fs.Arg(0))
	}

	rt, err := loadRuntime(ctx, common)
	if err != nil {
		return err
	}
	defer rt.close()
	client := newClient(rt.cfg, rt.logger)

	var models []gateway.ModelInfo
	if retries {
		res := gateway.Retry(ctx, retryConfig(rt.cfg.Retry), client.Models)
		models, err = res.Value, res.Err
	} else {
		models, err = client.Models(ctx)
	}
	if err != nil {
		return err
	}

	models = filterModels(models, filter)
	if asJSON {
		out, err := json.MarshalIndent(models, "", "  ")
		if err != nil {
			return fmt.Errorf("encode models: %w", err)
		}
		fmt.Fprintln(a.stdout, string(out))
		return nil
	}
	printModels(a.stdout, models)
	return nil
}

// filterModels keeps models whose ID contains filter, sorted by ID.
func filterModels(models []gateway.ModelInfo, filter string) []gateway.ModelInfo {
	filter = strings.ToLower(filter)
	out := make([]gateway.ModelInfo, 0, len(models))
	for _, m := range models {
		if filter == "" || strings.Contains(strings.ToLower(m.ID), filter) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func printModels(w io.Writer, models []gateway.ModelInfo) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCONTEXT\tPROMPT/TOK\tCOMPLETION/TOK")
	for _, m := range models {
		ctxLen := "-"
		if m.ContextLength > 0 {
			ctxLen = fmt.Sprintf("%d", m.ContextLength)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ID, ctxLen, priceOrDash(m.Pricing.Prompt), priceOrDash(m.Pricing.Completion))
	}
	tw.Flush()
}

func priceOrDash(p string) string {
	if p == "" {
		return "-"
	}
	return p
}

func modelsUsage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintf(w, `List the models the gateway offers.

Usage:
  llmgate models [flags]

Flags:
%s`, fs.FlagUsages())
}
