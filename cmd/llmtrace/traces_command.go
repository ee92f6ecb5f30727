package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ongoingai/llmtrace/internal/config"
	"github.com/ongoingai/llmtrace/internal/trace"
)

const tracesListDefaultLimit = 20

func newTracesCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "traces",
		Short: "Inspect recorded trace records",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "path to config file")

	cmd.AddCommand(newTracesListCmd(&configPath))
	cmd.AddCommand(newTracesShowCmd(&configPath))
	cmd.AddCommand(newTracesTailCmd(&configPath))
	return cmd
}

func newTracesListCmd(configPath *string) *cobra.Command {
	var (
		format string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent trace records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			normalized, err := normalizeTextJSONFormat("traces list", format, "text")
			if err != nil {
				return err
			}
			if limit < 0 {
				return fmt.Errorf("invalid --limit %d: must be >= 0", limit)
			}

			records, err := readTraceRecords(cmd, *configPath)
			if err != nil {
				return err
			}
			if records == nil {
				records = []*trace.Record{}
			}
			if limit > 0 && len(records) > limit {
				records = records[len(records)-limit:]
			}

			if normalized == "json" {
				return writeIndentedJSON(cmd.OutOrStdout(), records)
			}
			return writeTraceTable(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or json")
	cmd.Flags().IntVarP(&limit, "limit", "n", tracesListDefaultLimit, "number of most recent records to show; 0 shows all")
	return cmd
}

func newTracesShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Print one trace record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := readTraceRecords(cmd, *configPath)
			if err != nil {
				return err
			}
			record, err := trace.FindRecord(records, args[0])
			if err != nil {
				if errors.Is(err, trace.ErrNotFound) {
					return failf("trace %q not found", strings.TrimSpace(args[0]))
				}
				return failf("failed to find trace: %w", err)
			}
			return writeIndentedJSON(cmd.OutOrStdout(), record)
		},
	}
}

func newTracesTailCmd(configPath *string) *cobra.Command {
	var (
		follow       bool
		pollInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the raw JSONL trace log, optionally following new records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, stage, err := loadAndValidateConfig(*configPath, nil)
			if err != nil {
				return configFailure(stage, err)
			}
			if driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); driver != config.StorageDriverJSONL {
				return failf("traces tail requires the jsonl storage driver (got %q)", cfg.Storage.Driver)
			}

			ctx, stop := signalNotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			err = trace.Follow(ctx, cfg.Storage.Path, trace.FollowOptions{
				FromStart:    true,
				Watch:        follow,
				PollInterval: pollInterval,
			}, func(line []byte) error {
				if _, err := out.Write(append(line, '\n')); err != nil {
					return err
				}
				return nil
			})
			if err != nil {
				return failf("failed to tail trace log: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing records as they are appended")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", time.Second, "re-read interval while following")
	return cmd
}

func readTraceRecords(cmd *cobra.Command, configPath string) ([]*trace.Record, error) {
	cfg, stage, err := loadAndValidateConfig(configPath, nil)
	if err != nil {
		return nil, configFailure(stage, err)
	}
	store, err := openTraceStore(cfg)
	if err != nil {
		return nil, err
	}
	defer closeTraceStoreWithWarning(store, cmd.ErrOrStderr())

	records, err := store.ReadAll(cmd.Context())
	if err != nil {
		return nil, failf("failed to read traces: %w", err)
	}
	return records, nil
}

func writeTraceTable(out io.Writer, records []*trace.Record) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIMESTAMP\tMODEL\tDURATION_MS\tSTATUS")
	for _, record := range records {
		fmt.Fprintf(
			w,
			"%s\t%s\t%s\t%d\t%s\n",
			record.ID,
			record.Timestamp.UTC().Format(time.RFC3339),
			requestModel(record.Request),
			record.DurationMS,
			recordStatus(record),
		)
	}
	return w.Flush()
}

func recordStatus(record *trace.Record) string {
	if message := record.ErrorMessage(); message != "" {
		return "error: " + message
	}
	if record.HasResponse() {
		return "ok"
	}
	return "-"
}

func requestModel(request json.RawMessage) string {
	var body struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(request, &body); err != nil || strings.TrimSpace(body.Model) == "" {
		return "-"
	}
	return body.Model
}

func writeIndentedJSON(out io.Writer, payload any) error {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return failf("failed to encode output: %w", err)
	}
	encoded = append(bytes.TrimSpace(encoded), '\n')
	_, err = out.Write(encoded)
	return err
}
