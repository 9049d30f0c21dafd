package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ent0n29/gallery/internal/export"
	"github.com/ent0n29/gallery/internal/interaction"
	"github.com/ent0n29/gallery/internal/recovery"
)

func newHistoryCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and manage stored interactions",
		Long: `Inspect and manage the interaction store selected by STORE_DSN or --store.

Run these against a stopped server, or use "recover" without --all, which
only touches records older than RECOVERY_STALE_AFTER.`,
	}
	cmd.AddCommand(
		newHistoryListCmd(c),
		newHistoryShowCmd(c),
		newHistoryExportCmd(c),
		newHistoryDeleteCmd(c),
		newHistoryClearCmd(c),
		newHistoryRecoverCmd(c),
	)
	return cmd
}

// withStore opens the configured store for the duration of fn.
func (c *cli) withStore(cmd *cobra.Command, fn func(interaction.Store) error) error {
	store, err := interaction.NewStore(cmd.Context(), c.cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("open interaction store: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func newHistoryListCmd(c *cli) *cobra.Command {
	var (
		pending bool
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List interactions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd, func(store interaction.Store) error {
				var (
					items []interaction.Interaction
					err   error
				)
				if pending {
					items, err = store.ListPending(cmd.Context())
				} else {
					items, err = store.ListAll(cmd.Context())
				}
				if err != nil {
					return err
				}
				if limit > 0 && len(items) > limit {
					items = items[:limit]
				}
				renderList(cmd.OutOrStdout(), items, pending)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&pending, "pending", false, "Only show interactions still waiting for a final response")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show at most this many interactions (0 = all)")
	return cmd
}

func newHistoryShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one interaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.withStore(cmd, func(store interaction.Store) error {
				it, err := store.Get(cmd.Context(), id)
				if errors.Is(err, interaction.ErrNotFound) {
					return fmt.Errorf("interaction %d not found", id)
				}
				if err != nil {
					return err
				}
				renderInteraction(cmd.OutOrStdout(), it)
				return nil
			})
		},
	}
}

func newHistoryExportCmd(c *cli) *cobra.Command {
	var (
		format string
		out    string
		redact bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export interactions (jsonl, json, yaml, md)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			exporter, err := export.NewExporter(format)
			if err != nil {
				return err
			}
			return c.withStore(cmd, func(store interaction.Store) error {
				items, err := store.ListAll(cmd.Context())
				if err != nil {
					return err
				}

				var w io.Writer = cmd.OutOrStdout()
				if out != "" {
					f, err := os.Create(out)
					if err != nil {
						return fmt.Errorf("create %s: %w", out, err)
					}
					defer f.Close()
					w = f
				}
				if err := export.Write(exporter, items, w, redact); err != nil {
					return fmt.Errorf("export: %w", err)
				}
				if out != "" {
					c.logger.Info("exported interactions", "count", len(items), "format", exporter.Extension(), "path", out)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "jsonl", "Export format: jsonl, json, yaml, md")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write to this file instead of stdout")
	cmd.Flags().BoolVar(&redact, "redact", false, "Mask emails, phone numbers and API keys")
	return cmd
}

func newHistoryDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one interaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.withStore(cmd, func(store interaction.Store) error {
				if err := store.DeleteByID(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render(fmt.Sprintf("deleted interaction %d", id)))
				return nil
			})
		},
	}
}

func newHistoryClearCmd(c *cli) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every interaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to clear history without --yes")
			}
			return c.withStore(cmd, func(store interaction.Store) error {
				if err := store.DeleteAll(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("history cleared"))
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm deleting all interactions")
	return cmd
}

func newHistoryRecoverCmd(c *cli) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Finalize interactions left pending by a stopped process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd, func(store interaction.Store) error {
				sweeper := recovery.New(recovery.Config{
					Store:      store,
					StaleAfter: c.cfg.RecoveryStaleAfter,
					Logger:     c.logger,
				})
				var (
					n   int
					err error
				)
				if all {
					n, err = sweeper.RecoverAll(cmd.Context())
				} else {
					n, err = sweeper.Sweep(cmd.Context())
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render(fmt.Sprintf("finalized %d abandoned interaction(s)", n)))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Finalize every pending interaction, not only stale ones (server must be stopped)")
	return cmd
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid interaction id %q", raw)
	}
	return id, nil
}
