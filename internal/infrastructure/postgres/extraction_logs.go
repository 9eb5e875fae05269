package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-hpkb/internal/extraction"
)

// ErrLogNotFound is returned when selecting a log id that does not exist
var ErrLogNotFound = errors.New("extraction log not found")

const extractionLogCols = `id, source_document_id, section_name, drug_canonical_name, model_name, prompt_version,
	system_prompt, user_prompt, request_timestamp, response_timestamp, duration_ms,
	original_response, cleaned_output, is_successful, is_valid_json, is_schema_valid, is_selected,
	error_message, validation_error, prompt_tokens, completion_tokens, total_tokens,
	attempt_number, reviewed_by`

// ExtractionLogRepository stores extraction attempts
type ExtractionLogRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewExtractionLogRepository creates a new extraction log repository
func NewExtractionLogRepository(pool *pgxpool.Pool, logger *zap.Logger) *ExtractionLogRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExtractionLogRepository{pool: pool, logger: logger}
}

func scanExtractionLog(row pgx.Row) (*extraction.ExtractionLog, error) {
	var l extraction.ExtractionLog
	var responseAt *time.Time
	err := row.Scan(&l.ID, &l.SourceDocumentID, &l.SectionName, &l.DrugCanonicalName, &l.ModelName, &l.PromptVersion,
		&l.SystemPrompt, &l.UserPrompt, &l.RequestTimestamp, &responseAt, &l.DurationMS,
		&l.OriginalResponse, &l.CleanedOutput, &l.IsSuccessful, &l.IsValidJSON, &l.IsSchemaValid, &l.IsSelected,
		&l.ErrorMessage, &l.ValidationError, &l.PromptTokens, &l.CompletionTokens, &l.TotalTokens,
		&l.AttemptNumber, &l.ReviewedBy)
	if err != nil {
		return nil, err
	}
	if responseAt != nil {
		l.ResponseTimestamp = *responseAt
	}
	return &l, nil
}

// Insert writes one log row and returns its id
func (r *ExtractionLogRepository) Insert(ctx context.Context, l *extraction.ExtractionLog) (int64, error) {
	var cleaned any
	if len(l.CleanedOutput) > 0 {
		cleaned = l.CleanedOutput
	}
	var responseAt any
	if !l.ResponseTimestamp.IsZero() {
		responseAt = l.ResponseTimestamp
	}

	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO llm_extraction_logs (source_document_id, section_name, drug_canonical_name, model_name, prompt_version,
			system_prompt, user_prompt, request_timestamp, response_timestamp, duration_ms,
			original_response, cleaned_output, is_successful, is_valid_json, is_schema_valid, is_selected,
			error_message, validation_error, prompt_tokens, completion_tokens, total_tokens,
			attempt_number, reviewed_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		RETURNING id`,
		l.SourceDocumentID, l.SectionName, l.DrugCanonicalName, l.ModelName, l.PromptVersion,
		l.SystemPrompt, l.UserPrompt, l.RequestTimestamp, responseAt, l.DurationMS,
		l.OriginalResponse, cleaned, l.IsSuccessful, l.IsValidJSON, l.IsSchemaValid, l.IsSelected,
		l.ErrorMessage, l.ValidationError, l.PromptTokens, l.CompletionTokens, l.TotalTokens,
		l.AttemptNumber, l.ReviewedBy,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert extraction log: %w", err)
	}
	return id, nil
}

// FindSelected returns the newest selected successful log of a document
// section, or nil when none exists.
func (r *ExtractionLogRepository) FindSelected(ctx context.Context, documentID, section string) (*extraction.ExtractionLog, error) {
	l, err := scanExtractionLog(r.pool.QueryRow(ctx, `
		SELECT `+extractionLogCols+`
		FROM llm_extraction_logs
		WHERE source_document_id = $1 AND section_name = $2
		  AND is_successful AND is_selected
		ORDER BY request_timestamp DESC, id DESC
		LIMIT 1`, documentID, section))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find selected log: %w", err)
	}
	return l, nil
}

// LatestSelected returns, per section, the newest selected successful log
// for a drug.
func (r *ExtractionLogRepository) LatestSelected(ctx context.Context, drug string) (map[string]*extraction.ExtractionLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+extractionLogCols+` FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY section_name ORDER BY request_timestamp DESC, id DESC) AS rn
			FROM llm_extraction_logs
			WHERE drug_canonical_name = $1 AND is_successful AND is_selected
		) ranked
		WHERE rn = 1`, drug)
	if err != nil {
		return nil, fmt.Errorf("query selected logs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*extraction.ExtractionLog)
	for rows.Next() {
		l, err := scanExtractionLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan selected log: %w", err)
		}
		out[l.SectionName] = l
	}
	return out, rows.Err()
}

// Select marks a successful log as the chosen answer for its document
// section and clears the flag on its siblings.
func (r *ExtractionLogRepository) Select(ctx context.Context, id int64, reviewer string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var documentID, section string
		err := tx.QueryRow(ctx,
			`SELECT source_document_id, section_name FROM llm_extraction_logs WHERE id = $1 AND is_successful FOR UPDATE`,
			id).Scan(&documentID, &section)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrLogNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("lock log: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE llm_extraction_logs SET is_selected = FALSE WHERE source_document_id = $1 AND section_name = $2 AND id <> $3`,
			documentID, section, id); err != nil {
			return fmt.Errorf("clear selection: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE llm_extraction_logs SET is_selected = TRUE, reviewed_by = $2 WHERE id = $1`,
			id, reviewer); err != nil {
			return fmt.Errorf("select log: %w", err)
		}
		r.logger.Info("extraction log selected",
			zap.Int64("log_id", id),
			zap.String("document_id", documentID),
			zap.String("section", section),
			zap.String("reviewed_by", reviewer),
		)
		return nil
	})
}
