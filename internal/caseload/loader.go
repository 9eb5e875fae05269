package caseload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-hpkb/internal/domain/audit"
)

// FileLoader reads cases from files. A source is a path, optionally
// followed by "#case_id" to pick one case out of a list.
type FileLoader struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewFileLoader creates a new file loader
func NewFileLoader(logger *zap.Logger) *FileLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileLoader{logger: logger, now: time.Now}
}

// LoadCase implements audit.CaseLoader
func (l *FileLoader) LoadCase(ctx context.Context, source string) (*audit.PatientCase, error) {
	path, id, _ := strings.Cut(source, "#")
	cases, err := l.LoadAll(ctx, path)
	if err != nil {
		return nil, err
	}
	if id == "" {
		if len(cases) != 1 {
			return nil, fmt.Errorf("%s holds %d cases, name one with #case_id", path, len(cases))
		}
		return cases[0], nil
	}
	for _, c := range cases {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s in %s", audit.ErrCaseNotFound, id, path)
}

// LoadAll reads every case in the file at path
func (l *FileLoader) LoadAll(ctx context.Context, path string) ([]*audit.PatientCase, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read case file: %w", err)
	}
	cases, err := Decode(data, l.now())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	l.logger.Debug("cases loaded", zap.String("path", path), zap.Int("cases", len(cases)))
	return cases, nil
}

// Decode reads a FHIR Bundle or a JSON case document
func Decode(data []byte, now time.Time) ([]*audit.PatientCase, error) {
	if IsBundle(data) {
		c, err := FromBundle(data, now)
		if err != nil {
			return nil, err
		}
		return []*audit.PatientCase{c}, nil
	}
	return DecodeCases(data)
}

// IsBundle reports whether data is a FHIR resource of type Bundle
func IsBundle(data []byte) bool {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return false
	}
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	return json.Unmarshal(data, &head) == nil && head.ResourceType == "Bundle"
}
