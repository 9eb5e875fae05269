package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-hpkb/internal/config"
	"github.com/drfirst/go-hpkb/internal/extraction"
	"github.com/drfirst/go-hpkb/internal/infrastructure/postgres"
)

func extractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract DOCUMENT...",
		Short: "Extract knowledge sections from package insert documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")

			e, err := setup(cmd, config.NeedDatabase, config.NeedLLM)
			if err != nil {
				return err
			}
			defer e.close()

			tasks, err := extraction.LoadTasks(e.cfg.Extraction.TasksFile)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := e.connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			llm, err := extraction.NewLLMClient(extraction.LLMConfig{
				BaseURL:           e.cfg.LLM.BaseURL,
				APIKey:            e.cfg.LLM.APIKey,
				Model:             e.cfg.LLM.Model,
				Temperature:       e.cfg.LLM.Temperature,
				MaxTokens:         e.cfg.LLM.MaxTokens,
				Timeout:           e.cfg.LLM.Timeout,
				RequestsPerMinute: e.cfg.LLM.RequestsPerMinute,
			}, nil, e.logger)
			if err != nil {
				return err
			}

			logs := postgres.NewExtractionLogRepository(pool, e.logger)
			runner := extraction.NewRunner(llm, logs, extraction.PromptLoader{Dir: e.cfg.Extraction.PromptDir}, nil, e.logger)
			processor := extraction.NewProcessor(tasks, runner, e.logger)

			tw := tablewriter.NewWriter(cmd.OutOrStdout())
			tw.SetHeader([]string{"Document", "Section", "Result", "Log"})

			failed := 0
			for _, path := range args {
				doc, err := extraction.ReadDocument(path)
				if err != nil {
					return err
				}
				summary, err := processor.Process(ctx, doc, force)
				if err != nil {
					return err
				}
				e.logger.Info("document processed",
					zap.String("document_id", summary.DocumentID),
					zap.Int("succeeded", summary.Succeeded()),
					zap.Int("skipped", len(summary.Skipped)),
					zap.Int("failed", len(summary.Failed)))

				for _, row := range summaryRows(summary) {
					tw.Append(row)
				}
				failed += len(summary.Failed)
			}
			tw.Render()

			if failed > 0 {
				return fmt.Errorf("%d sections failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "call the model even when a selected answer exists")
	return cmd
}

func summaryRows(s *extraction.Summary) [][]string {
	var rows [][]string
	for section, res := range s.Results {
		status := "extracted"
		if res.Resumed {
			status = "resumed"
		}
		logID := ""
		if res.Log != nil {
			logID = strconv.FormatInt(res.Log.ID, 10)
		}
		rows = append(rows, []string{s.DocumentID, section, status, logID})
	}
	for section, err := range s.Failed {
		rows = append(rows, []string{s.DocumentID, section, "failed: " + err.Error(), ""})
	}
	for _, section := range s.Skipped {
		rows = append(rows, []string{s.DocumentID, section, "skipped", ""})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i][1] < rows[j][1] })
	return rows
}

func manualEntryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manual-entry",
		Short: "Record a reviewed answer for one section",
		Long: "Record a reviewed answer for one section of a document. The JSON payload is\n" +
			"validated against the section schema and stored as the selected answer.\n" +
			"Sections: " + strings.Join(extraction.Sections(), ", "),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			document, _ := cmd.Flags().GetString("document")
			drug, _ := cmd.Flags().GetString("drug")
			section, _ := cmd.Flags().GetString("section")
			reviewer, _ := cmd.Flags().GetString("reviewer")
			file, _ := cmd.Flags().GetString("file")

			var raw []byte
			var err error
			if file == "-" {
				raw, err = readAll(cmd)
			} else {
				raw, err = os.ReadFile(file)
			}
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}

			e, err := setup(cmd, config.NeedDatabase)
			if err != nil {
				return err
			}
			defer e.close()

			pool, err := e.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			log, err := extraction.Record(cmd.Context(), postgres.NewExtractionLogRepository(pool, e.logger), extraction.ManualEntry{
				DocumentID: document,
				Drug:       drug,
				Section:    section,
				ReviewedBy: reviewer,
				Raw:        raw,
			}, e.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recorded log %d for %s %s\n", log.ID, document, section)
			return nil
		},
	}
	cmd.Flags().String("document", "", "source document id")
	cmd.Flags().String("drug", "", "canonical drug name")
	cmd.Flags().String("section", "", "section name")
	cmd.Flags().String("reviewer", "", "who reviewed the answer")
	cmd.Flags().String("file", "-", "JSON payload file, - for stdin")
	for _, name := range []string{"document", "drug", "section", "reviewer"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func selectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "select LOG_ID",
		Short: "Mark an extraction attempt as the chosen answer for its section",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid log id %q", args[0])
			}
			reviewer, _ := cmd.Flags().GetString("reviewer")

			e, err := setup(cmd, config.NeedDatabase)
			if err != nil {
				return err
			}
			defer e.close()

			pool, err := e.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			return postgres.NewExtractionLogRepository(pool, e.logger).Select(cmd.Context(), id, reviewer)
		},
	}
	cmd.Flags().String("reviewer", "", "who reviewed the answer")
	_ = cmd.MarkFlagRequired("reviewer")
	return cmd
}

func readAll(cmd *cobra.Command) ([]byte, error) {
	return io.ReadAll(cmd.InOrStdin())
}
