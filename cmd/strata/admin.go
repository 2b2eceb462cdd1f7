package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kalambet/strata/internal/query"
	"github.com/kalambet/strata/internal/storage"
	"github.com/kalambet/strata/internal/temporal"
)

// --- verify ---

func newVerifyCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check stored histories for overlapping or missing intervals",
		Long: `Check stored histories for overlapping or missing intervals.

Every path must have exactly one current version, and each superseded version
must end where its successor starts. Exits non-zero when a problem is found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, _ := cmd.Flags().GetString("repo")
			path, _ := cmd.Flags().GetString("path")
			if path != "" && repo == "" {
				return fmt.Errorf("--path needs --repo")
			}

			a, err := openApp(cmd.Context(), st.cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			reports, err := verifyReports(cmd, a.engine, a.query, repo, path)
			if err != nil && !errors.Is(err, storage.ErrStoreCorruption) {
				return err
			}
			if jsonFlag(cmd) {
				if err := printJSON(cmd.OutOrStdout(), nonNil(reports)); err != nil {
					return err
				}
			} else {
				printVerifyReports(reports)
			}
			for _, r := range reports {
				if !r.OK() {
					return errSilent
				}
			}
			return nil
		},
	}
	cmd.Flags().String("repo", "", "only verify this repository (ID, URL, or name)")
	cmd.Flags().String("path", "", "only verify this file (requires --repo)")
	cmd.Flags().Bool("json", false, "print reports as JSON")
	return cmd
}

func verifyReports(cmd *cobra.Command, eng *temporal.Engine, q *query.Facade, repo, path string) ([]temporal.VerifyReport, error) {
	ctx := cmd.Context()
	if repo == "" {
		return eng.VerifyAll(ctx)
	}
	r, err := q.Repository(ctx, repo)
	if err != nil {
		return nil, err
	}
	paths := []string{query.CleanPath(path)}
	if path == "" {
		paths, err = eng.Backend().ListPaths(ctx, r.ID)
		if err != nil {
			return nil, fmt.Errorf("listing paths: %w", err)
		}
	}
	var reports []temporal.VerifyReport
	var errs []error
	for _, p := range paths {
		report, err := eng.Verify(ctx, r.ID, p)
		if err != nil {
			errs = append(errs, err)
		}
		reports = append(reports, report)
	}
	return reports, errors.Join(errs...)
}

func printVerifyReports(reports []temporal.VerifyReport) {
	bad, versions := 0, 0
	for _, r := range reports {
		versions += r.Versions
		if r.OK() {
			continue
		}
		bad++
		for _, p := range r.Problems {
			printError("%s: %s", r.Path, p)
		}
	}
	printStatus("Paths", "%d checked, %d versions", len(reports), versions)
	if bad > 0 {
		printStatus("Problems", "%d paths", bad)
		return
	}
	printSuccess("All histories are consistent")
}

// --- runs ---

func newRunsCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent ingestion runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			a, err := openApp(cmd.Context(), st.cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			rec, ok := a.backend.(storage.RunRecorder)
			if !ok {
				return fmt.Errorf("storage backend %q does not record runs", st.cfg.Storage.Backend)
			}
			runs, err := rec.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if jsonFlag(cmd) {
				return printJSON(w, nonNil(runs))
			}
			if len(runs) == 0 {
				fmt.Fprintln(w, "No runs found.")
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTARTED\tSTATE\tFILES\tOK\tFAILED\tSKIPPED\tSOURCE")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
					shortID(r.ID), humanize.Time(r.StartedAt), r.State,
					r.Total, r.Succeeded, r.Failed, r.Skipped, r.SourceDir)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "maximum number of runs to list")
	cmd.Flags().Bool("json", false, "print runs as JSON")
	return cmd
}

// --- repos ---

func newReposCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repos",
		Short: "List ingested repositories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQuery(cmd, st, func(q *query.Facade) error {
				repos, err := q.Repositories(cmd.Context())
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if jsonFlag(cmd) {
					return printJSON(w, nonNil(repos))
				}
				if len(repos) == 0 {
					fmt.Fprintln(w, "No repositories found.")
					return nil
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tLAST INGESTED\tURL")
				for _, r := range repos {
					last := "never"
					if r.LastIngestedAt != nil {
						last = humanize.Time(*r.LastIngestedAt)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", shortID(r.ID), r.Name, last, r.URL)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().Bool("json", false, "print repositories as JSON")
	return cmd
}
