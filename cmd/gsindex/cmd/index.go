package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	gserrors "github.com/Aman-CERP/gsindex/internal/errors"
	"github.com/Aman-CERP/gsindex/internal/index"
	"github.com/Aman-CERP/gsindex/internal/output"
	"github.com/Aman-CERP/gsindex/internal/store"
)

func newUpsertCmd(opts *rootOptions) *cobra.Command {
	var (
		fields []string
		commit bool
	)

	cmd := &cobra.Command{
		Use:   "upsert <index> <key>",
		Short: "Insert or replace a document",
		Long: `Insert a document, replacing any document with the same key.

Fields are given as name=value pairs. A repeated field name keeps the
last value.`,
		Example: `  gsindex upsert docs readme --field title=README --field body="Getting started"`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := parseDocument(args[1], fields)
			if err != nil {
				return err
			}
			return opts.withRegistry(cmd.Context(), func(ctx context.Context, r *index.Registry) error {
				if err := r.Upsert(ctx, args[0], doc, commit); err != nil {
					return err
				}
				output.New(cmd.OutOrStdout()).Successf("Upserted %s into %s", doc.Key, args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVarP(&fields, "field", "f", nil, "Field as name=value (repeatable)")
	cmd.Flags().BoolVar(&commit, "commit", false, "Commit and release the writer immediately")

	return cmd
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	var commit bool

	cmd := &cobra.Command{
		Use:   "delete <index> <key>",
		Short: "Delete the document with a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRegistry(cmd.Context(), func(ctx context.Context, r *index.Registry) error {
				if err := r.DeleteByKey(ctx, args[0], args[1], commit); err != nil {
					return err
				}
				output.New(cmd.OutOrStdout()).Successf("Deleted %s from %s", args[1], args[0])
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&commit, "commit", false, "Commit and release the writer immediately")

	return cmd
}

func newMergeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "merge <index>",
		Short: "Merge the index down to as few segments as the backend allows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRegistry(cmd.Context(), func(ctx context.Context, r *index.Registry) error {
				if err := r.ForceMerge(ctx, args[0]); err != nil {
					return err
				}
				output.New(cmd.OutOrStdout()).Successf("Merged %s", args[0])
				return nil
			})
		},
	}
}

func newCommitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "commit <index>",
		Short: "Commit buffered changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRegistry(cmd.Context(), func(ctx context.Context, r *index.Registry) error {
				if err := r.Commit(ctx, args[0]); err != nil {
					return err
				}
				output.New(cmd.OutOrStdout()).Successf("Committed %s", args[0])
				return nil
			})
		},
	}
}

func newRecreateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recreate <index>",
		Short: "Replace the index with an empty one",
		Long: `Discard every document in the index and leave an empty index of the
configured backend in its place. A corrupt index is recreated as well.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRegistry(cmd.Context(), func(ctx context.Context, r *index.Registry) error {
				if err := r.RecreateEmpty(ctx, args[0]); err != nil {
					return err
				}
				output.New(cmd.OutOrStdout()).Successf("Recreated %s", args[0])
				return nil
			})
		},
	}
}

func newCountCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "count <index>",
		Short: "Print the number of documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRegistry(cmd.Context(), func(ctx context.Context, r *index.Registry) error {
				n, err := r.CurrentDocumentCount(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "get <index> <key>",
		Short: "Print the stored document with a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRegistry(cmd.Context(), func(ctx context.Context, r *index.Registry) error {
				doc, found, err := r.Document(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				out := output.New(cmd.OutOrStdout())
				if !found {
					out.Warningf("No document with key %q in %s", args[1], args[0])
					return nil
				}
				return printDocument(out, doc, jsonOutput)
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newBrowseCmd(opts *rootOptions) *cobra.Command {
	var (
		start      string
		size       int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "browse <index> [field]",
		Short: "Page through a field's terms",
		Long: `List the indexed terms of a field with their document frequencies,
starting at the first term not before --start.

Without a field, list the fields the index knows.`,
		Example: `  gsindex browse docs title --start go --size 20`,
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			field := ""
			if len(args) == 2 {
				field = args[1]
			}
			return opts.withRegistry(cmd.Context(), func(ctx context.Context, r *index.Registry) error {
				page, err := r.BrowseTerms(ctx, args[0], field, start, size)
				if err != nil {
					return err
				}
				out := output.New(cmd.OutOrStdout())
				if jsonOutput {
					return out.JSON(page)
				}
				printTermPage(out, page)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "First term to list")
	cmd.Flags().IntVar(&size, "size", index.DefaultBrowsePageSize, "Terms per page")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// parseDocument builds a document from name=value pairs.
func parseDocument(key string, pairs []string) (store.Document, error) {
	doc := store.Document{Key: key, Fields: make(map[string]string, len(pairs))}
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return store.Document{}, gserrors.ConfigError(fmt.Sprintf("invalid field %q", pair), nil).
				WithSuggestion("pass fields as --field name=value")
		}
		doc.Fields[name] = value
	}
	return doc, nil
}

func printDocument(out *output.Writer, doc store.Document, jsonOutput bool) error {
	if jsonOutput {
		return out.JSON(ingestRecord{Key: doc.Key, Fields: doc.Fields})
	}
	out.Field(store.KeyField, doc.Key)
	names := make([]string, 0, len(doc.Fields))
	for name := range doc.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out.Field(name, doc.Fields[name])
	}
	return nil
}

func printTermPage(out *output.Writer, page *store.TermPage) {
	if page.Field == "" {
		out.Statusf("📋", "Fields (%d)", len(page.Fields))
		for _, f := range page.Fields {
			out.Status("", f)
		}
		return
	}
	out.Statusf("📋", "%s: %d terms", page.Field, page.Total)
	for _, tf := range page.Terms {
		out.Field(tf.Term, tf.DocFreq)
	}
	if len(page.Terms) == 0 {
		out.Status("", "(no terms)")
	}
}
