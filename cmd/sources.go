package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-validator/internal/config"
	"github.com/JakeFAU/source-validator/internal/server"
	"github.com/JakeFAU/source-validator/internal/source"
	"github.com/JakeFAU/source-validator/internal/store"
)

func newSourcesCmd(cc *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage the configured source store",
	}
	cmd.AddCommand(newSourcesImportCmd(cc))
	cmd.AddCommand(newSourcesListCmd(cc))
	return cmd
}

func newSourcesImportCmd(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Upsert a JSON array of sources into the configured store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			return withSources(cmd.Context(), cfg, func(repo store.SourceRepository) error {
				n, err := server.ImportFile(cmd.Context(), repo, args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported %d sources\n", n)
				return err
			})
		},
	}
}

func newSourcesListCmd(cc *commandContext) *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sources, optionally filtered by group",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			return withSources(cmd.Context(), cfg, func(repo store.SourceRepository) error {
				var records []*source.Record
				if cmd.Flags().Changed("group") {
					records, err = repo.ListByGroup(cmd.Context(), group)
				} else {
					records, err = repo.LoadAll(cmd.Context())
				}
				if err != nil {
					return fmt.Errorf("list sources: %w", err)
				}
				rows := make([][]string, 0, len(records))
				for _, rec := range records {
					rows = append(rows, []string{strconv.Itoa(rec.SerialNumber), rec.Name, rec.URL, rec.Group})
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Serial", "Name", "URL", "Group"},
					rows,
					[]columnAlignment{alignRight},
				))
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "Only list sources in this group (e.g. invalid)")
	return cmd
}

func withSources(ctx context.Context, cfg *config.Config, fn func(store.SourceRepository) error) error {
	repo, pool, err := server.OpenSources(ctx, cfg, zap.NewNop())
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}
	if cfg.Sources.SeedFile != "" {
		if _, err := server.ImportFile(ctx, repo, cfg.Sources.SeedFile); err != nil {
			return fmt.Errorf("seed sources: %w", err)
		}
	}
	return fn(repo)
}
