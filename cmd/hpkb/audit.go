package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-hpkb/internal/caseload"
	"github.com/drfirst/go-hpkb/internal/config"
	"github.com/drfirst/go-hpkb/internal/domain/audit"
	"github.com/drfirst/go-hpkb/internal/infrastructure/postgres"
	"github.com/drfirst/go-hpkb/internal/infrastructure/redpanda"
	"github.com/drfirst/go-hpkb/internal/ingest"
)

func loadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load DRUG...",
		Short: "Rebuild the rules of each drug from its selected extraction logs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			loader := ingest.NewLoader(
				postgres.NewExtractionLogRepository(pool, e.logger),
				postgres.NewRuleRepository(pool, e.logger),
				nil, e.logger)

			for _, drug := range args {
				res, err := loader.LoadDrug(cmd.Context(), drug)
				if err != nil {
					return fmt.Errorf("load %s: %w", drug, err)
				}
				for _, d := range res.Dropped {
					e.logger.Warn("dropped", zap.String("drug", res.Drug), zap.Error(d))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rules from %d sections, %d dropped\n",
					res.Drug, res.Rules.Len(), len(res.Sections), len(res.Dropped))
			}
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit SOURCE...",
		Short: "Audit cases against the stored rules",
		Long: "Audit cases against the stored rules. A source is a case file, a FHIR Bundle,\n" +
			"or a case file followed by #case_id to audit one case out of a list.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			persist, _ := cmd.Flags().GetBool("persist")
			format, _ := cmd.Flags().GetString("format")
			if format != "json" && format != "table" {
				return fmt.Errorf("unknown format %q", format)
			}

			e, err := setup(cmd, config.NeedDatabase)
			if err != nil {
				return err
			}
			defer e.close()

			ctx := cmd.Context()
			pool, err := e.connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			cases := caseload.NewFileLoader(e.logger)
			opts := []audit.ServiceOption{audit.WithCaseLoader(cases)}
			if persist {
				opts = append(opts, audit.WithSink(postgres.NewReportRepository(pool, redpanda.TopicAuditReports, e.logger)))
			}
			engine := audit.NewEngine(audit.Config{
				IncludeCompliant:  e.cfg.Audit.IncludeCompliant,
				IncludeAdvisories: e.cfg.Audit.IncludeAdvisories,
				AdvisoryTags:      e.cfg.Audit.AdvisoryTags,
			}, e.logger)
			service := audit.NewService(engine, postgres.NewRuleRepository(pool, e.logger), e.logger, opts...)

			var reports []*audit.Report
			for _, source := range args {
				if strings.Contains(source, "#") {
					report, err := service.AuditSource(ctx, source)
					if err != nil {
						return fmt.Errorf("audit %s: %w", source, err)
					}
					reports = append(reports, report)
					continue
				}
				all, err := cases.LoadAll(ctx, source)
				if err != nil {
					return err
				}
				for _, c := range all {
					report, err := service.Audit(ctx, c)
					if err != nil {
						return fmt.Errorf("audit %s#%s: %w", source, c.ID, err)
					}
					reports = append(reports, report)
				}
			}

			for _, r := range reports {
				counts := r.CountBy()
				e.logger.Info("case audited",
					zap.String("case_id", r.CaseID),
					zap.Int("findings", len(r.Findings)),
					zap.Int("violations", counts[audit.CategoryViolation]),
					zap.Int("indeterminate", counts[audit.CategoryIndeterminate]))
			}

			if format == "table" {
				writeReportTable(cmd.OutOrStdout(), reports)
				return nil
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetEscapeHTML(false)
			enc.SetIndent("", "  ")
			if len(reports) == 1 {
				return enc.Encode(reports[0])
			}
			return enc.Encode(reports)
		},
	}
	cmd.Flags().Bool("persist", false, "store reports and queue them for publication")
	cmd.Flags().String("format", "json", "output format: json or table")
	return cmd
}

func writeReportTable(w io.Writer, reports []*audit.Report) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"Case", "Drug", "Rule", "Category", "Severity", "Explanation"})
	tw.SetAutoWrapText(false)
	for _, r := range reports {
		for _, f := range r.Findings {
			tw.Append([]string{r.CaseID, f.Drug, string(f.RuleType), string(f.Category), string(f.Severity), f.Explanation})
		}
	}
	tw.Render()
}
