package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Manual entries are logged with these markers in place of model details
const (
	ManualModelName     = "human_ground_truth"
	ManualPromptVersion = "manual_v1.0"
	manualPrompt        = "N/A - Manual Entry"
)

// ManualEntry is a reviewer-supplied answer for one section
type ManualEntry struct {
	DocumentID string
	Drug       string
	Section    string
	ReviewedBy string
	Raw        []byte
}

// Record validates a manual entry and logs it as the selected answer for
// its section. Invalid payloads are rejected without being logged.
func Record(ctx context.Context, store LogStore, entry ManualEntry, logger *zap.Logger) (*ExtractionLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if entry.DocumentID == "" || entry.Drug == "" || entry.ReviewedBy == "" {
		return nil, errors.New("manual entry: document, drug and reviewer are required")
	}

	payload, err := DecodePayload(entry.Section, entry.Raw)
	if err != nil {
		return nil, fmt.Errorf("manual entry: %w", err)
	}
	cleaned, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	now := time.Now()
	log := &ExtractionLog{
		SourceDocumentID:  entry.DocumentID,
		SectionName:       entry.Section,
		DrugCanonicalName: strPtr(entry.Drug),
		ModelName:         ManualModelName,
		PromptVersion:     ManualPromptVersion,
		SystemPrompt:      manualPrompt,
		UserPrompt:        manualPrompt,
		RequestTimestamp:  now,
		ResponseTimestamp: now,
		OriginalResponse:  strPtr(string(cleaned)),
		CleanedOutput:     cleaned,
		IsSuccessful:      true,
		IsValidJSON:       boolPtr(true),
		IsSchemaValid:     boolPtr(true),
		IsSelected:        true,
		AttemptNumber:     1,
		ReviewedBy:        strPtr(entry.ReviewedBy),
	}
	id, err := store.Insert(ctx, log)
	if err != nil {
		return nil, fmt.Errorf("record manual entry: %w", err)
	}
	log.ID = id

	logger.Info("manual entry recorded",
		zap.String("document_id", entry.DocumentID),
		zap.String("section", entry.Section),
		zap.String("reviewed_by", entry.ReviewedBy),
		zap.Int64("log_id", id),
	)
	return log, nil
}
