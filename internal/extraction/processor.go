package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// activeIngredientKey is the context value computed from a composition payload
const activeIngredientKey = "active_ingredient_name"

// Summary reports what processing one document did
type Summary struct {
	DocumentID string
	Results    map[string]*Result
	Skipped    []string
	Failed     map[string]error
}

// Succeeded returns the number of tasks that produced a payload
func (s *Summary) Succeeded() int {
	return len(s.Results)
}

// Processor runs every task of a TaskSet against one document, passing
// context values such as the drug's canonical name between tasks.
type Processor struct {
	tasks  *TaskSet
	runner *Runner
	logger *zap.Logger
}

// NewProcessor creates a new document processor
func NewProcessor(tasks *TaskSet, runner *Runner, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{tasks: tasks, runner: runner, logger: logger}
}

// Process runs the tasks in order. A task whose input sections are absent,
// or whose required context was not provided by an earlier task, is
// skipped. A failing task does not stop later tasks. Only context
// cancellation aborts processing.
func (p *Processor) Process(ctx context.Context, doc *Document, force bool) (*Summary, error) {
	for _, name := range doc.Duplicates {
		p.logger.Warn("duplicate section, keeping the last one",
			zap.String("document_id", doc.ID), zap.String("section", name))
	}

	tasks, undefined := p.tasks.Ordered()
	for _, name := range undefined {
		p.logger.Error("task in execution order is not defined", zap.String("task", name))
	}

	summary := &Summary{
		DocumentID: doc.ID,
		Results:    make(map[string]*Result),
		Failed:     make(map[string]error),
	}
	execCtx := make(map[string]string)

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		input, ok := doc.CombinedText(task.InputSections)
		if !ok {
			p.logger.Warn("skipping task, input sections not found",
				zap.String("task", task.Name),
				zap.Strings("input_sections", task.InputSections),
			)
			summary.Skipped = append(summary.Skipped, task.Name)
			continue
		}

		vars, missing := required(execCtx, task.RequiresContext)
		if len(missing) > 0 {
			p.logger.Error("skipping task, required context missing",
				zap.String("task", task.Name),
				zap.Strings("missing", missing),
			)
			summary.Skipped = append(summary.Skipped, task.Name)
			continue
		}

		res, err := p.runner.Run(ctx, task, doc.ID, input, vars, force)
		if err != nil {
			summary.Failed[task.Name] = err
			continue
		}
		summary.Results[task.Name] = res

		provided, err := provide(task, res.Payload)
		if err != nil {
			p.logger.Warn("could not derive context", zap.String("task", task.Name), zap.Error(err))
		}
		for k, v := range provided {
			execCtx[k] = v
		}
	}

	p.logger.Info("document processed",
		zap.String("document_id", doc.ID),
		zap.Int("succeeded", summary.Succeeded()),
		zap.Int("tasks", len(tasks)),
		zap.Int("failed", len(summary.Failed)),
	)
	return summary, nil
}

func required(execCtx map[string]string, keys []string) (map[string]string, []string) {
	vars := make(map[string]string, len(keys))
	var missing []string
	for _, k := range keys {
		v, ok := execCtx[k]
		if !ok {
			missing = append(missing, k)
			continue
		}
		vars[k] = v
	}
	return vars, missing
}

// provide extracts the context values a task declares from its payload
func provide(task Task, payload Payload) (map[string]string, error) {
	if len(task.ProvidesContext) == 0 {
		return nil, nil
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	out := make(map[string]string, len(task.ProvidesContext))
	var missing []string
	for key, src := range task.ProvidesContext {
		if src == customContext {
			if v := activeIngredients(payload); key == activeIngredientKey && v != "" {
				out[key] = v
			} else {
				missing = append(missing, key)
			}
			continue
		}
		v, ok := fields[src]
		if !ok || v == nil {
			missing = append(missing, key)
			continue
		}
		if s, ok := v.(string); ok {
			out[key] = s
		} else {
			out[key] = fmt.Sprint(v)
		}
	}
	if len(missing) > 0 {
		return out, fmt.Errorf("no value for %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func activeIngredients(payload Payload) string {
	comp, ok := payload.(*CompositionPayload)
	if !ok {
		return ""
	}
	var names []string
	for _, s := range comp.Substances {
		if s.Role == "活性成份" {
			names = append(names, s.Name)
		}
	}
	return strings.Join(names, ", ")
}
