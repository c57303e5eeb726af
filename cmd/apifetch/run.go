package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/apifetch/pkg/client"
	"github.com/Sternrassler/apifetch/pkg/config"
	"github.com/Sternrassler/apifetch/pkg/logging"
	"github.com/Sternrassler/apifetch/pkg/metrics"
	"github.com/Sternrassler/apifetch/pkg/state"
)

type runOptions struct {
	endpoint string
	params   []string
	headers  []string
	timeout  time.Duration
	pages    bool
	limit    int
	output   string
	metrics  bool
	resume   bool

	metricsAddr string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one endpoint and print its items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := root.load(cmd)
			if err != nil {
				return err
			}
			return runEndpoint(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), f, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.endpoint, "endpoint", "e", "", "endpoint name")
	flags.StringArrayVarP(&opts.params, "param", "p", nil, "request parameter as key=value (repeatable)")
	flags.StringArrayVarP(&opts.headers, "header", "H", nil, "request header as key=value (repeatable)")
	flags.DurationVar(&opts.timeout, "timeout", 0, "per-request timeout")
	flags.BoolVar(&opts.pages, "pages", false, "print one record per page instead of per item")
	flags.IntVarP(&opts.limit, "limit", "n", 0, "stop after n items (or pages with --pages)")
	flags.StringVarP(&opts.output, "output", "o", "json", "output format: json or yaml")
	flags.BoolVar(&opts.metrics, "metrics", false, "print a metrics summary to stderr when done")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address at /metrics while running")
	flags.BoolVar(&opts.resume, "resume", false, "merge the parameters saved by the last successful run")
	cmd.MarkFlagRequired("endpoint")
	return cmd
}

func runEndpoint(ctx context.Context, out, errOut io.Writer, f *config.File, opts *runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.output != "json" && opts.output != "yaml" {
		return fmt.Errorf("unknown output format %q", opts.output)
	}
	params, err := parseParams(opts.params)
	if err != nil {
		return err
	}
	headers, err := parsePairs(opts.headers)
	if err != nil {
		return fmt.Errorf("header: %w", err)
	}

	if opts.metricsAddr != "" {
		ms, err := startMetricsServer(opts.metricsAddr)
		if err != nil {
			return err
		}
		defer ms.Close()
	}

	rt, err := config.Build(f)
	if err != nil {
		return err
	}
	defer rt.Close()

	c, err := client.New(ctx, rt.Client)
	if err != nil {
		return err
	}
	h, err := c.Endpoint(opts.endpoint)
	if err != nil {
		return err
	}

	cp, err := state.Open(ctx, rt.State, f.Connector)
	if err != nil {
		return err
	}
	checkpointKey := "run:" + opts.endpoint
	if opts.resume {
		if saved, ok := cp.Get(checkpointKey); ok {
			if m, ok := saved.(map[string]any); ok {
				for k, v := range m {
					if _, set := params[k]; !set {
						params[k] = v
					}
				}
			}
		}
	}
	saved := make(map[string]any, len(params))
	for k, v := range params {
		saved[k] = v
	}

	if len(headers) > 0 {
		params[client.KeyHeaders] = headers
	}
	if opts.timeout > 0 {
		params[client.KeyTimeout] = opts.timeout
	}

	runID := uuid.NewString()
	events := logging.NewEventLogger(f.Connector, opts.endpoint)
	events.Info("run_started", "run_id", runID, "params", saved)
	start := time.Now()

	w := newWriter(out, opts.output)
	count, err := emit(ctx, h, params, opts, w)
	if err != nil {
		events.Error("run_failed", "run_id", runID, "error", err, "emitted", count)
		return err
	}
	if err := w.flush(); err != nil {
		return err
	}

	if err := cp.Set(ctx, checkpointKey, saved); err != nil {
		events.Warn("checkpoint_failed", "run_id", runID, "error", err)
	}
	events.Info("run_finished", "run_id", runID, "emitted", count, "duration", time.Since(start).String())

	if opts.metrics {
		return metrics.WriteSummary(errOut, metrics.Gatherer)
	}
	return nil
}

// emit writes items or pages until the call ends or the limit is reached.
func emit(ctx context.Context, h *client.Handle, params client.Params, opts *runOptions, w *writer) (int, error) {
	count := 0
	if opts.pages {
		for page, err := range h.Pages(ctx, params) {
			if err != nil {
				return count, err
			}
			items, err := page.Items()
			if err != nil {
				return count, err
			}
			record := map[string]any{"page": page.Index, "items": printableAll(items)}
			if err := w.write(record); err != nil {
				return count, err
			}
			count++
			if opts.limit > 0 && count >= opts.limit {
				break
			}
		}
		return count, nil
	}

	for item, err := range h.Items(ctx, params) {
		if err != nil {
			return count, err
		}
		if err := w.write(printable(item)); err != nil {
			return count, err
		}
		count++
		if opts.limit > 0 && count >= opts.limit {
			break
		}
	}
	return count, nil
}

// printable converts XML nodes, which reference their parents, to markup.
func printable(item any) any {
	switch t := item.(type) {
	case *xmlquery.Node:
		return t.OutputXML(true)
	case []byte:
		return string(t)
	default:
		return item
	}
}

func printableAll(items []any) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = printable(item)
	}
	return out
}

// writer prints JSON lines, or a single YAML sequence.
type writer struct {
	out     io.Writer
	format  string
	records []any
}

func newWriter(out io.Writer, format string) *writer {
	return &writer{out: out, format: format}
}

func (w *writer) write(v any) error {
	if w.format == "yaml" {
		w.records = append(w.records, v)
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	_, err = fmt.Fprintf(w.out, "%s\n", data)
	return err
}

func (w *writer) flush() error {
	if w.format != "yaml" {
		return nil
	}
	if w.records == nil {
		w.records = []any{}
	}
	enc := yaml.NewEncoder(w.out)
	enc.SetIndent(2)
	if err := enc.Encode(w.records); err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	return enc.Close()
}

// parseParams turns key=value pairs into parameters. Values are decoded as
// YAML scalars, so numbers and booleans keep their type.
func parseParams(pairs []string) (client.Params, error) {
	raw, err := parsePairs(pairs)
	if err != nil {
		return nil, fmt.Errorf("param: %w", err)
	}
	params := make(client.Params, len(raw))
	for k, s := range raw {
		params[k] = scalar(s)
	}
	return params, nil
}

func scalar(s string) any {
	if s == "" {
		return ""
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil && s != "true" && s != "false" {
		return s
	}
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func parsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
