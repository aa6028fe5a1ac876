package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapebot/internal/report"
	"github.com/JakeFAU/scrapebot/internal/targets"
)

// newScrapeCmd creates the 'scrape' subcommand, which resolves every target in
// the catalog and writes the results to the configured sink.
func newScrapeCmd() *cobra.Command {
	var targetsFile string
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Resolve every target in the catalog",
		Long: `Loads the target catalog, resolves each target through the cache
(fetching on a miss), writes the results to the configured sink and prints a
summary. The command fails after the whole batch has run if any target
failed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if targetsFile == "" {
				targetsFile = appInstance.Config().Crawler.TargetsFile
			}
			return runScrape(cmd, appInstance, targetsFile)
		},
	}
	cmd.Flags().StringVar(&targetsFile, "targets", "", "target catalog (default crawler.targets_file)")
	return cmd
}

func runScrape(cmd *cobra.Command, appInstance App, targetsFile string) error {
	resources, err := targets.Load(targetsFile)
	if err != nil {
		return err
	}

	sink, err := appInstance.NewSink(cmd.Context())
	if err != nil {
		return fmt.Errorf("open result sink: %w", err)
	}
	if sink != nil {
		defer func() {
			if cerr := sink.Close(); cerr != nil {
				appInstance.Logger().Warn("failed to close result sink", zap.Error(cerr))
			}
		}()
	}

	batch, runErr := appInstance.Run(cmd.Context(), resources, sink)
	printSummary(cmd.OutOrStdout(), batch.RunID, batch.Summary)

	switch {
	case runErr != nil:
		return runErr
	case batch.Summary.Total < len(resources):
		return fmt.Errorf("interrupted: %d of %d resources resolved", batch.Summary.Total, len(resources))
	case batch.Summary.Failed > 0:
		return fmt.Errorf("%d of %d resources failed", batch.Summary.Failed, batch.Summary.Total)
	}
	return nil
}

func printSummary(w io.Writer, runID string, s report.Summary) {
	fmt.Fprintf(w, "run %s: %d/%d succeeded (cached %d, fetched %d, failed %d)\n",
		runID, s.Succeeded, s.Total, s.Cached, s.Fetched, s.Failed)
	if s.Failed == 0 {
		return
	}
	parts := make([]string, 0, len(s.FailuresByKind))
	for _, kind := range s.Kinds() {
		parts = append(parts, fmt.Sprintf("%s=%d", kind, s.FailuresByKind[kind]))
	}
	fmt.Fprintf(w, "failures: %s\n", strings.Join(parts, " "))
}
