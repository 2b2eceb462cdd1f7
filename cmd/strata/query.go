package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/strata/internal/query"
	"github.com/kalambet/strata/internal/storage"
)

func newQueryCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Read file versions and search chunks",
		Long: `Read file versions and search chunks.

A repository may be given by ID, URL, or display name.

Examples:
  strata query current --repo docs --path guide.md
  strata query at-time --repo docs --path guide.md --at 2024-06-01T09:30:00Z
  strata query history --repo docs --path guide.md
  strata query search "go build" --type markdown --has-code`,
	}
	cmd.PersistentFlags().Bool("json", false, "print results as JSON")
	cmd.AddCommand(
		newQueryCurrentCmd(st),
		newQueryAtTimeCmd(st),
		newQueryAtCommitCmd(st),
		newQueryHistoryCmd(st),
		newQueryListCmd(st),
		newQuerySearchCmd(st),
		newQueryChunksCmd(st),
	)
	return cmd
}

// withQuery opens the application for a read-only command.
func withQuery(cmd *cobra.Command, st *cliState, fn func(q *query.Facade) error) error {
	a, err := openApp(cmd.Context(), st.cfg, appOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			printWarning("closing storage: %v", err)
		}
	}()
	return fn(a.query)
}

func jsonFlag(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func addFileFlags(cmd *cobra.Command) {
	cmd.Flags().String("repo", "", "repository ID, URL, or name")
	cmd.Flags().String("path", "", "file path relative to the repository root")
	cmd.MarkFlagRequired("repo")
	cmd.MarkFlagRequired("path")
}

func fileFlags(cmd *cobra.Command) (repo, path string) {
	repo, _ = cmd.Flags().GetString("repo")
	path, _ = cmd.Flags().GetString("path")
	return repo, path
}

func showVersion(cmd *cobra.Command, q *query.Facade, v storage.FileVersion, withChunks bool) error {
	w := cmd.OutOrStdout()
	if !withChunks {
		if jsonFlag(cmd) {
			return printJSON(w, v)
		}
		printVersion(w, v)
		return nil
	}
	chunks, err := q.Chunks(cmd.Context(), v.ID)
	if err != nil {
		return err
	}
	for i := range chunks {
		chunks[i].Embedding = nil
	}
	if jsonFlag(cmd) {
		return printJSON(w, struct {
			Version storage.FileVersion    `json:"version"`
			Chunks  []storage.ContentChunk `json:"chunks"`
		}{v, chunks})
	}
	printVersion(w, v)
	printChunks(w, chunks)
	return nil
}

func newQueryCurrentCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "current",
		Short: "Show the current version of a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, path := fileFlags(cmd)
			content, _ := cmd.Flags().GetBool("content")
			return withQuery(cmd, st, func(q *query.Facade) error {
				v, err := q.Current(cmd.Context(), repo, path)
				if err != nil {
					return err
				}
				return showVersion(cmd, q, v, content)
			})
		},
	}
	addFileFlags(cmd)
	cmd.Flags().Bool("content", false, "include the version's chunks")
	return cmd
}

func newQueryAtTimeCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "at-time",
		Short: "Show the version of a file valid at an instant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, path := fileFlags(cmd)
			atStr, _ := cmd.Flags().GetString("at")
			content, _ := cmd.Flags().GetBool("content")
			at, err := query.ParseInstant(atStr)
			if err != nil {
				return err
			}
			return withQuery(cmd, st, func(q *query.Facade) error {
				v, err := q.AtTime(cmd.Context(), repo, path, at)
				if err != nil {
					return err
				}
				return showVersion(cmd, q, v, content)
			})
		},
	}
	addFileFlags(cmd)
	cmd.Flags().String("at", "", "instant (RFC 3339 or YYYY-MM-DD[ HH:MM:SS], UTC if no zone)")
	cmd.Flags().Bool("content", false, "include the version's chunks")
	cmd.MarkFlagRequired("at")
	return cmd
}

func newQueryAtCommitCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "at-commit",
		Short: "Show the version of a file recorded for a commit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, path := fileFlags(cmd)
			commit, _ := cmd.Flags().GetString("commit")
			content, _ := cmd.Flags().GetBool("content")
			return withQuery(cmd, st, func(q *query.Facade) error {
				v, err := q.AtCommit(cmd.Context(), repo, path, commit)
				if err != nil {
					return err
				}
				return showVersion(cmd, q, v, content)
			})
		},
	}
	addFileFlags(cmd)
	cmd.Flags().String("commit", "", "commit identifier")
	cmd.Flags().Bool("content", false, "include the version's chunks")
	cmd.MarkFlagRequired("commit")
	return cmd
}

func newQueryHistoryCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List every version of a file, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, path := fileFlags(cmd)
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			return withQuery(cmd, st, func(q *query.Facade) error {
				vs, err := q.History(cmd.Context(), repo, path, limit, offset)
				if err != nil {
					return err
				}
				if jsonFlag(cmd) {
					return printJSON(cmd.OutOrStdout(), nonNil(vs))
				}
				printVersions(cmd.OutOrStdout(), vs)
				return nil
			})
		},
	}
	addFileFlags(cmd)
	cmd.Flags().Int("limit", 50, "maximum number of versions")
	cmd.Flags().Int("offset", 0, "number of versions to skip")
	return cmd
}

func newQueryListCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List file versions, most recently ingested first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts query.ListOptions
			opts.Repo, _ = cmd.Flags().GetString("repo")
			opts.ContentType, _ = cmd.Flags().GetString("type")
			opts.CurrentOnly, _ = cmd.Flags().GetBool("current")
			opts.Limit, _ = cmd.Flags().GetInt("limit")
			opts.Offset, _ = cmd.Flags().GetInt("offset")
			return withQuery(cmd, st, func(q *query.Facade) error {
				vs, err := q.List(cmd.Context(), opts)
				if err != nil {
					return err
				}
				if jsonFlag(cmd) {
					return printJSON(cmd.OutOrStdout(), nonNil(vs))
				}
				printVersions(cmd.OutOrStdout(), vs)
				return nil
			})
		},
	}
	cmd.Flags().String("repo", "", "repository ID, URL, or name")
	cmd.Flags().String("type", "", "content type (markdown, text, pdf, ...)")
	cmd.Flags().Bool("current", false, "only current versions")
	cmd.Flags().Int("limit", 50, "maximum number of versions")
	cmd.Flags().Int("offset", 0, "number of versions to skip")
	return cmd
}

func newQuerySearchCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search [text]",
		Short: "Search chunks by content and metadata",
		Long: `Search chunks by content and metadata.

Without --at or --all only current versions are searched. With --semantic the
text is embedded and chunks are ranked by similarity, which needs Ollama.

Examples:
  strata query search "go build"
  strata query search --type markdown --meta section=Build
  strata query search "release process" --semantic --limit 5`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := searchOptionsFromFlags(cmd, args)
			if err != nil {
				return err
			}
			return withQuery(cmd, st, func(q *query.Facade) error {
				hits, err := q.Search(cmd.Context(), opts)
				if err != nil {
					return err
				}
				for i := range hits {
					hits[i].Chunk.Embedding = nil
				}
				if jsonFlag(cmd) {
					if hits == nil {
						hits = []query.Hit{}
					}
					return printJSON(cmd.OutOrStdout(), hits)
				}
				printHits(cmd, hits, opts.Semantic)
				return nil
			})
		},
	}
	cmd.Flags().String("repo", "", "repository ID, URL, or name")
	cmd.Flags().String("path", "", "file path relative to the repository root")
	cmd.Flags().String("type", "", "content type of the chunk")
	cmd.Flags().Bool("has-code", false, "only chunks that contain (or, with =false, lack) code")
	cmd.Flags().StringToString("meta", nil, "metadata key=value pairs that must match")
	cmd.Flags().String("at", "", "search the versions valid at this instant")
	cmd.Flags().Bool("all", false, "search every version, not only current ones")
	cmd.Flags().Bool("semantic", false, "rank by embedding similarity")
	cmd.Flags().Int("limit", 20, "maximum number of results")
	return cmd
}

func searchOptionsFromFlags(cmd *cobra.Command, args []string) (query.SearchOptions, error) {
	var opts query.SearchOptions
	if len(args) > 0 {
		opts.Text = args[0]
	}
	flags := cmd.Flags()
	opts.Repo, _ = flags.GetString("repo")
	opts.Path, _ = flags.GetString("path")
	opts.ContentType, _ = flags.GetString("type")
	opts.Metadata, _ = flags.GetStringToString("meta")
	opts.AllVersions, _ = flags.GetBool("all")
	opts.Semantic, _ = flags.GetBool("semantic")
	opts.Limit, _ = flags.GetInt("limit")
	if flags.Changed("has-code") {
		hasCode, _ := flags.GetBool("has-code")
		opts.HasCode = &hasCode
	}
	if atStr, _ := flags.GetString("at"); atStr != "" {
		at, err := query.ParseInstant(atStr)
		if err != nil {
			return opts, err
		}
		opts.At = &at
	}
	if opts.Semantic && strings.TrimSpace(opts.Text) == "" {
		return opts, fmt.Errorf("--semantic needs search text")
	}
	return opts, nil
}

func printHits(cmd *cobra.Command, hits []query.Hit, semantic bool) {
	w := cmd.OutOrStdout()
	if len(hits) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}
	for i, h := range hits {
		header := fmt.Sprintf("Result %d", i+1)
		fmt.Fprintf(w, "\n%s %s @ %s", colorize(colorBold, header), h.Version.Path, shortID(h.Version.CommitID))
		if semantic {
			fmt.Fprintf(w, " [score: %.3f]", h.Score)
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "  %s\n", truncate(h.Chunk.Content, 500))
	}
}

func newQueryChunksCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "chunks <version-id>",
		Short: "Print the chunks of a file version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQuery(cmd, st, func(q *query.Facade) error {
				chunks, err := q.Chunks(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				for i := range chunks {
					chunks[i].Embedding = nil
				}
				if jsonFlag(cmd) {
					return printJSON(cmd.OutOrStdout(), chunks)
				}
				printChunks(cmd.OutOrStdout(), chunks)
				return nil
			})
		},
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
