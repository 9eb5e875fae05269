package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-hpkb/internal/domain/audit"
)

const (
	contraindicationCols = `id, drug_canonical_name, patient_profile, severity, source_text`
	dosageCols           = `id, drug_canonical_name, patient_profile, dosage, source_text`
	allergyCols          = `id, drug_canonical_name, triggering_substance_name, source_text`
	interactionCols      = `precipitant_drug_name, interaction_id, affected_target_name, affected_target_examples,
		severity, effect_summary, mechanism, clinical_management, source_text`
	administrationCols = `id, drug_canonical_name, tags, instruction_text, is_complex, llm_summary`
)

// RuleRepository stores the structured rules of every drug
type RuleRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(pool *pgxpool.Pool, logger *zap.Logger) *RuleRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleRepository{pool: pool, logger: logger, tracer: otel.Tracer("rule-repository")}
}

// RulesForDrug returns every rule whose drug, or interaction precipitant, is drug.
// An unknown drug yields an empty rule set.
func (r *RuleRepository) RulesForDrug(ctx context.Context, drug string) (*audit.RuleSet, error) {
	ctx, span := r.tracer.Start(ctx, "rules_for_drug", trace.WithAttributes(attribute.String("drug", drug)))
	defer span.End()

	rs, err := readRules(ctx, r.pool, drug)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("rules", rs.Len()))
	return rs, nil
}

func readRules(ctx context.Context, q queryable, drug string) (*audit.RuleSet, error) {
	rs := &audit.RuleSet{}
	var err error

	if rs.Contraindications, err = collect(ctx, q,
		`SELECT `+contraindicationCols+` FROM contraindication_rules WHERE drug_canonical_name = $1 ORDER BY id`,
		drug, scanContraindication); err != nil {
		return nil, fmt.Errorf("contraindication rules: %w", err)
	}
	if rs.Dosages, err = collect(ctx, q,
		`SELECT `+dosageCols+` FROM dosage_rules WHERE drug_canonical_name = $1 ORDER BY id`,
		drug, scanDosage); err != nil {
		return nil, fmt.Errorf("dosage rules: %w", err)
	}
	if rs.Allergies, err = collect(ctx, q,
		`SELECT `+allergyCols+` FROM allergy_rules WHERE drug_canonical_name = $1 ORDER BY id`,
		drug, scanAllergy); err != nil {
		return nil, fmt.Errorf("allergy rules: %w", err)
	}
	if rs.Interactions, err = collect(ctx, q,
		`SELECT `+interactionCols+` FROM interaction_details WHERE precipitant_drug_name = $1 ORDER BY interaction_id`,
		drug, scanInteraction); err != nil {
		return nil, fmt.Errorf("interaction details: %w", err)
	}
	if rs.Administration, err = collect(ctx, q,
		`SELECT `+administrationCols+` FROM administration_texts WHERE drug_canonical_name = $1 ORDER BY id`,
		drug, scanAdministration); err != nil {
		return nil, fmt.Errorf("administration texts: %w", err)
	}
	return rs, nil
}

func collect[T any](ctx context.Context, q queryable, sql, drug string, scan func(pgx.Row) (T, error)) ([]T, error) {
	rows, err := q.Query(ctx, sql, drug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanContraindication(row pgx.Row) (audit.ContraindicationRule, error) {
	var (
		r        audit.ContraindicationRule
		profile  []byte
		severity *string
	)
	if err := row.Scan(&r.ID, &r.Drug, &profile, &severity, &r.SourceText); err != nil {
		return r, err
	}
	if severity != nil {
		s := audit.Severity(*severity)
		r.Severity = &s
	}
	if err := json.Unmarshal(profile, &r.Profile); err != nil {
		return r, fmt.Errorf("rule %s profile: %w", r.ID, err)
	}
	return r, nil
}

func scanDosage(row pgx.Row) (audit.DosageRule, error) {
	var (
		r               audit.DosageRule
		profile, dosage []byte
	)
	if err := row.Scan(&r.ID, &r.Drug, &profile, &dosage, &r.SourceText); err != nil {
		return r, err
	}
	if err := json.Unmarshal(profile, &r.Profile); err != nil {
		return r, fmt.Errorf("rule %s profile: %w", r.ID, err)
	}
	if err := json.Unmarshal(dosage, &r.Dosage); err != nil {
		return r, fmt.Errorf("rule %s dosage: %w", r.ID, err)
	}
	return r, nil
}

func scanAllergy(row pgx.Row) (audit.AllergyRule, error) {
	var r audit.AllergyRule
	err := row.Scan(&r.ID, &r.Drug, &r.TriggeringSubstance, &r.SourceText)
	return r, err
}

func scanInteraction(row pgx.Row) (audit.InteractionDetail, error) {
	var r audit.InteractionDetail
	err := row.Scan(&r.PrecipitantDrug, &r.InteractionID, &r.AffectedTarget, &r.AffectedTargetExamples,
		&r.Severity, &r.EffectSummary, &r.Mechanism, &r.ClinicalManagement, &r.SourceText)
	return r, err
}

func scanAdministration(row pgx.Row) (audit.AdministrationText, error) {
	var r audit.AdministrationText
	err := row.Scan(&r.ID, &r.Drug, &r.Tags, &r.InstructionText, &r.IsComplex, &r.Summary)
	return r, err
}

// ReplaceDrugRules deletes every rule of drug and inserts rules in one
// transaction. Interaction details are keyed by their precipitant.
func (r *RuleRepository) ReplaceDrugRules(ctx context.Context, drug string, rules *audit.RuleSet) error {
	ctx, span := r.tracer.Start(ctx, "replace_drug_rules", trace.WithAttributes(attribute.String("drug", drug)))
	defer span.End()

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, table := range []string{"contraindication_rules", "dosage_rules", "allergy_rules", "administration_texts"} {
			if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE drug_canonical_name = $1`, drug); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM interaction_details WHERE precipitant_drug_name = $1`, drug); err != nil {
			return fmt.Errorf("clear interaction_details: %w", err)
		}
		return insertRules(ctx, tx, rules)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	r.logger.Info("drug rules replaced",
		zap.String("drug", drug),
		zap.Int("contraindications", len(rules.Contraindications)),
		zap.Int("dosages", len(rules.Dosages)),
		zap.Int("allergies", len(rules.Allergies)),
		zap.Int("interactions", len(rules.Interactions)),
		zap.Int("administration", len(rules.Administration)),
	)
	return nil
}

func insertRules(ctx context.Context, tx pgx.Tx, rules *audit.RuleSet) error {
	batch := &pgx.Batch{}
	for _, c := range rules.Contraindications {
		profile, err := json.Marshal(c.Profile)
		if err != nil {
			return fmt.Errorf("encode profile %s: %w", c.ID, err)
		}
		var severity *string
		if c.Severity != nil {
			s := string(*c.Severity)
			severity = &s
		}
		batch.Queue(`INSERT INTO contraindication_rules (`+contraindicationCols+`) VALUES ($1, $2, $3, $4, $5)`,
			c.ID, c.Drug, profile, severity, c.SourceText)
	}
	for _, d := range rules.Dosages {
		profile, err := json.Marshal(d.Profile)
		if err != nil {
			return fmt.Errorf("encode profile %s: %w", d.ID, err)
		}
		dosage, err := json.Marshal(d.Dosage)
		if err != nil {
			return fmt.Errorf("encode dosage %s: %w", d.ID, err)
		}
		batch.Queue(`INSERT INTO dosage_rules (`+dosageCols+`) VALUES ($1, $2, $3, $4, $5)`,
			d.ID, d.Drug, profile, dosage, d.SourceText)
	}
	for _, a := range rules.Allergies {
		batch.Queue(`INSERT INTO allergy_rules (`+allergyCols+`) VALUES ($1, $2, $3, $4)`,
			a.ID, a.Drug, a.TriggeringSubstance, a.SourceText)
	}
	for _, ix := range rules.Interactions {
		examples := ix.AffectedTargetExamples
		if examples == nil {
			examples = []string{}
		}
		batch.Queue(`INSERT INTO interaction_details (`+interactionCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			ix.PrecipitantDrug, ix.InteractionID, ix.AffectedTarget, examples,
			ix.Severity, ix.EffectSummary, ix.Mechanism, ix.ClinicalManagement, ix.SourceText)
	}
	for _, t := range rules.Administration {
		tags := t.Tags
		if tags == nil {
			tags = []string{}
		}
		batch.Queue(`INSERT INTO administration_texts (`+administrationCols+`) VALUES ($1, $2, $3, $4, $5, $6)`,
			t.ID, t.Drug, tags, t.InstructionText, t.IsComplex, t.Summary)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert rules: %w", err)
	}
	return nil
}
