package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrapebot/internal/cache"
	"github.com/JakeFAU/scrapebot/internal/targets"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the scrape cache",
	}
	cmd.AddCommand(newCacheStatsCmd())
	cmd.AddCommand(newCacheClearCmd())
	return cmd
}

func newCacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print cache statistics as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(appInstance.Cache().Stats(cmd.Context())); err != nil {
				return fmt.Errorf("encode stats: %w", err)
			}
			return nil
		},
	}
}

func newCacheClearCmd() *cobra.Command {
	var (
		key         string
		target      string
		targetsFile string
	)
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear one entry, or the whole cache when no entry is named",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			c := appInstance.Cache()
			if target != "" {
				if targetsFile == "" {
					targetsFile = appInstance.Config().Crawler.TargetsFile
				}
				key, err = targetKey(targetsFile, target)
				if err != nil {
					return err
				}
			}
			if key == "" {
				c.ClearAll(cmd.Context())
				fmt.Fprintln(cmd.OutOrStdout(), "cleared all cache entries")
				return nil
			}
			c.Clear(cmd.Context(), key)
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", key)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "cache key to clear")
	cmd.Flags().StringVar(&target, "target", "", "name of the catalog target whose entry to clear")
	cmd.Flags().StringVar(&targetsFile, "targets", "", "target catalog (default crawler.targets_file)")
	cmd.MarkFlagsMutuallyExclusive("key", "target")
	return cmd
}

func targetKey(targetsFile, name string) (string, error) {
	resources, err := targets.Load(targetsFile)
	if err != nil {
		return "", err
	}
	for _, res := range resources {
		if res.Name == name {
			return cache.ResourceKey(res), nil
		}
	}
	return "", fmt.Errorf("target %q not found in %s", name, targetsFile)
}
