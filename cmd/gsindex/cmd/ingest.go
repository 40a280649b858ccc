package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/gsindex/internal/config"
	gserrors "github.com/Aman-CERP/gsindex/internal/errors"
	"github.com/Aman-CERP/gsindex/internal/index"
	"github.com/Aman-CERP/gsindex/internal/output"
	"github.com/Aman-CERP/gsindex/internal/store"
)

const (
	defaultIngestBatchSize = 500
	maxIngestLineBytes     = 16 << 20
)

// ingestRecord is one line of ingest input.
type ingestRecord struct {
	Key    string            `json:"key"`
	Fields map[string]string `json:"fields,omitempty"`
	Delete bool              `json:"delete,omitempty"`
}

func newIngestCmd(opts *rootOptions) *cobra.Command {
	var (
		batchSize   int
		watchConfig bool
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "ingest <index> [file|-]",
		Short: "Apply a stream of JSON-lines changes",
		Long: `Read JSON lines and apply them to an index in batches.

Each line is either an upsert or a delete:
  {"key": "a", "fields": {"title": "Hello"}}
  {"key": "b", "delete": true}

Each batch is applied as one update. Input is read from stdin when the
file is '-' or missing.

With --watch-config the configuration file is reloaded when it changes,
and writers opened after a reload use the new settings.`,
		Example: `  gsindex ingest docs changes.jsonl --batch-size 1000
  producer | gsindex ingest docs -`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := "-"
			if len(args) == 2 {
				src = args[1]
			}
			return runIngest(cmd, opts, args[0], src, batchSize, watchConfig, jsonOutput)
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", defaultIngestBatchSize, "Records applied per update")
	cmd.Flags().BoolVar(&watchConfig, "watch-config", false, "Reload the config file when it changes")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the summary as JSON")

	return cmd
}

func runIngest(cmd *cobra.Command, opts *rootOptions, name, src string, batchSize int, watchConfig, jsonOutput bool) error {
	if batchSize < 1 {
		return gserrors.ConfigError(fmt.Sprintf("--batch-size must be at least 1, got %d", batchSize), nil)
	}

	in, size, closeInput, err := openIngestInput(cmd, src)
	if err != nil {
		return err
	}
	defer closeInput()

	ctx := cmd.Context()
	var source index.ConfigSource = opts.cfg
	if watchConfig {
		live, err := watchConfigFile(ctx, opts)
		if err != nil {
			return err
		}
		defer func() { _ = live.Close() }()
		source = live
	}

	out := output.New(cmd.OutOrStdout())
	var total index.UpdateSummary
	err = runRegistry(ctx, opts.newRegistry(source), func(ctx context.Context, r *index.Registry) error {
		ing := &ingester{
			r:         r,
			name:      name,
			batchSize: batchSize,
			progress: func(read int64) {
				out.Progress(read, size, "Ingesting "+name)
			},
		}
		sum, err := ing.run(ctx, in)
		total = sum
		return err
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		return out.JSON(total)
	}
	out.Successf("Ingested into %s", name)
	out.Field("Inserted", total.Inserted)
	out.Field("Updated", total.Updated)
	out.Field("Deleted", total.Deleted)
	out.Field("Documents", total.DocCount)
	return nil
}

// openIngestInput opens src, or stdin for "-". size is zero when unknown.
func openIngestInput(cmd *cobra.Command, src string) (io.Reader, int64, func(), error) {
	if src == "-" {
		return cmd.InOrStdin(), 0, func() {}, nil
	}
	f, err := os.Open(src)
	if err != nil {
		return nil, 0, nil, gserrors.IOError("failed to open input", err).WithDetail("path", src)
	}
	var size int64
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	return f, size, func() { _ = f.Close() }, nil
}

// watchConfigFile follows the --config file, or ./gsindex.yaml.
func watchConfigFile(ctx context.Context, opts *rootOptions) (*config.Live, error) {
	path := opts.configPath
	if path == "" {
		if _, err := os.Stat(config.ProjectConfigFile); err != nil {
			return nil, gserrors.ConfigError("--watch-config needs a config file", nil).
				WithSuggestion("pass --config or create " + config.ProjectConfigFile)
		}
		path = config.ProjectConfigFile
	}
	logger := opts.logger
	return config.Watch(ctx, path,
		config.WithLogger(logger),
		config.WithReloadHook(func(cfg *config.Config) {
			logger.Info("ingest_config_reloaded", slog.Int("indexes", len(cfg.Indexes)))
		}),
	)
}

// ingester turns JSON lines into batched updates.
type ingester struct {
	r         *index.Registry
	name      string
	batchSize int
	progress  func(read int64)

	changes index.Changes
	keys    map[string]struct{}
	total   index.UpdateSummary
}

func (g *ingester) run(ctx context.Context, in io.Reader) (index.UpdateSummary, error) {
	cr := &countingReader{r: in}
	sc := bufio.NewScanner(cr)
	sc.Buffer(make([]byte, 0, 64*1024), maxIngestLineBytes)
	g.keys = make(map[string]struct{}, g.batchSize)

	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec ingestRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return g.total, gserrors.ConfigError(fmt.Sprintf("invalid record on line %d", line), err)
		}
		if rec.Key == "" {
			return g.total, gserrors.ConfigError(fmt.Sprintf("record on line %d has no key", line), nil)
		}

		// A key seen twice in one batch would lose its order, since an
		// update applies deletes before upserts.
		if _, dup := g.keys[rec.Key]; dup {
			if err := g.flush(ctx); err != nil {
				return g.total, err
			}
		}
		g.keys[rec.Key] = struct{}{}
		if rec.Delete {
			g.changes.Deletes = append(g.changes.Deletes, rec.Key)
		} else {
			g.changes.Upserts = append(g.changes.Upserts, store.Document{Key: rec.Key, Fields: rec.Fields})
		}

		if len(g.keys) >= g.batchSize {
			if err := g.flush(ctx); err != nil {
				return g.total, err
			}
			g.progress(cr.n)
		}
	}
	if err := sc.Err(); err != nil {
		return g.total, gserrors.IOError("failed to read input", err)
	}
	if err := g.flush(ctx); err != nil {
		return g.total, err
	}
	g.progress(cr.n)
	return g.total, nil
}

func (g *ingester) flush(ctx context.Context) error {
	if len(g.keys) == 0 {
		return nil
	}
	sum, err := g.r.Update(ctx, g.name, g.changes)
	if err != nil {
		return err
	}
	g.total.Inserted += sum.Inserted
	g.total.Updated += sum.Updated
	g.total.Deleted += sum.Deleted
	g.total.DocCount = sum.DocCount

	g.changes = index.Changes{}
	clear(g.keys)
	return nil
}

// countingReader counts bytes read for progress reporting.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
