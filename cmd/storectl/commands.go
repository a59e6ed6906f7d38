package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	appEngine "github.com/taskerino/backend/internal/application/engine"
	domainAttachment "github.com/taskerino/backend/internal/domain/attachment"
	domainSession "github.com/taskerino/backend/internal/domain/session"
)

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print cache, queue, attachment and index statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd.Context(), func(e *appEngine.Engine) error {
				stats, err := e.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func newGCCmd(opts *rootOptions) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete attachments that no session references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd.Context(), func(e *appEngine.Engine) error {
				onProgress := func(p domainAttachment.GCProgress) {
					if !quiet {
						fmt.Fprintf(cmd.ErrOrStderr(), "\rscanned %d/%d, deleted %d", p.Scanned, p.Total, p.Deleted)
					}
				}
				result, err := e.CollectGarbage(cmd.Context(), onProgress)
				if !quiet {
					fmt.Fprintln(cmd.ErrOrStderr())
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress output")
	return cmd
}

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the session indexes against stored metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd.Context(), func(e *appEngine.Engine) error {
				report, err := e.VerifyIndexes(cmd.Context())
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if !report.Valid {
					return fmt.Errorf("indexes are out of sync: %d missing, %d orphaned", len(report.Missing), len(report.Orphans))
				}
				return nil
			})
		},
	}
}

func newRebuildCmd(opts *rootOptions) *cobra.Command {
	var optimize bool
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the session indexes from stored metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd.Context(), func(e *appEngine.Engine) error {
				result, err := e.RebuildIndexes(cmd.Context())
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				if !optimize {
					return nil
				}
				optimized, err := e.OptimizeIndexes(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), optimized)
			})
		},
	}
	cmd.Flags().BoolVar(&optimize, "optimize", false, "compact the indexes after rebuilding")
	return cmd
}

func newRecoverCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Replay the write-ahead log and report what was recovered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd.Context(), func(e *appEngine.Engine) error {
				result := e.Recovery()
				if result == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "backend has no write-ahead log")
					return nil
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func newCheckpointCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Flush pending writes and truncate the write-ahead log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd.Context(), func(e *appEngine.Engine) error {
				if err := e.Checkpoint(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "checkpoint complete")
				return nil
			})
		},
	}
}

func newCompressCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compress <session-id>",
		Short: "Compress the chunk data of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd.Context(), func(e *appEngine.Engine) error {
				result, err := e.CompressSession(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <sessions.json>",
		Short: "Import sessions from the single-file legacy format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			legacy, err := readLegacySessions(args[0])
			if err != nil {
				return err
			}
			return opts.withEngine(cmd.Context(), func(e *appEngine.Engine) error {
				migrated, failed := 0, 0
				for i := range legacy {
					if _, err := e.MigrateLegacySession(cmd.Context(), &legacy[i]); err != nil {
						failed++
						fmt.Fprintf(cmd.ErrOrStderr(), "skip %s: %v\n", legacy[i].ID, err)
						continue
					}
					migrated++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "migrated %d sessions, %d failed\n", migrated, failed)
				if failed > 0 {
					return fmt.Errorf("%d sessions could not be migrated", failed)
				}
				return nil
			})
		},
	}
}

// readLegacySessions 旧文件可能是会话数组，也可能是单个会话
func readLegacySessions(path string) ([]domainSession.LegacySession, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var sessions []domainSession.LegacySession
		if err := json.Unmarshal(data, &sessions); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		return sessions, nil
	}

	var single domainSession.LegacySession
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return []domainSession.LegacySession{single}, nil
}
