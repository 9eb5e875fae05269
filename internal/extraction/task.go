package extraction

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// ErrMissingContext is returned when a prompt references a value nobody provided
var ErrMissingContext = errors.New("missing prompt context")

// customContext marks a provided context value computed from the payload
// rather than copied from a result field.
const customContext = "__custom_logic__"

// PromptFiles names the system and user prompt templates of a task
type PromptFiles struct {
	System string `mapstructure:"system"`
	User   string `mapstructure:"user"`
}

// Task is one section extraction as declared in the tasks file
type Task struct {
	Name            string            `mapstructure:"-"`
	ID              string            `mapstructure:"task_id"`
	Version         string            `mapstructure:"version"`
	InputSections   []string          `mapstructure:"input_sections"`
	Prompts         PromptFiles       `mapstructure:"prompts"`
	RequiresContext []string          `mapstructure:"requires_context"`
	ProvidesContext map[string]string `mapstructure:"-"`
}

// Section is the extraction log section the task writes, which is its ID
func (t Task) Section() string {
	return t.ID
}

// PromptVersion defaults to 1.0 when the task declares none
func (t Task) PromptVersion() string {
	if t.Version == "" {
		return "1.0"
	}
	return t.Version
}

// TaskSet is the parsed tasks file
type TaskSet struct {
	Tasks map[string]Task
	Order []string
}

// Ordered returns the tasks in execution order. Names in the order list
// without a definition are returned separately.
func (s *TaskSet) Ordered() ([]Task, []string) {
	tasks := make([]Task, 0, len(s.Order))
	var undefined []string
	for _, name := range s.Order {
		t, ok := s.Tasks[name]
		if !ok {
			undefined = append(undefined, name)
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, undefined
}

// BySection finds the task that writes section
func (s *TaskSet) BySection(section string) (Task, bool) {
	names := make([]string, 0, len(s.Tasks))
	for name := range s.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if t := s.Tasks[name]; t.ID == section {
			return t, true
		}
	}
	return Task{}, false
}

type rawTask struct {
	Task            `mapstructure:",squash"`
	ProvidesContext any `mapstructure:"provides_context"`
}

type rawTaskFile struct {
	Tasks map[string]rawTask `mapstructure:"tasks"`
	Order []string           `mapstructure:"task_execution_order"`
}

// LoadTasks reads a YAML tasks file
func LoadTasks(path string) (*TaskSet, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read tasks %s: %w", path, err)
	}

	var raw rawTaskFile
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("decode tasks %s: %w", path, err)
	}
	if len(raw.Tasks) == 0 || len(raw.Order) == 0 {
		return nil, fmt.Errorf("tasks %s: tasks and task_execution_order are required", path)
	}

	set := &TaskSet{Tasks: make(map[string]Task, len(raw.Tasks)), Order: raw.Order}
	for name, rt := range raw.Tasks {
		t := rt.Task
		t.Name = name
		if _, ok := SectionPayload[t.ID]; !ok {
			return nil, fmt.Errorf("task %s: %w: %q", name, ErrUnknownSection, t.ID)
		}
		if t.Prompts.System == "" || t.Prompts.User == "" {
			return nil, fmt.Errorf("task %s: prompts.system and prompts.user are required", name)
		}
		provides, err := providedContext(rt.ProvidesContext)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", name, err)
		}
		t.ProvidesContext = provides
		set.Tasks[name] = t
	}
	return set, nil
}

// providedContext accepts either a single result key or a map of context
// key to result key.
func providedContext(v any) (map[string]string, error) {
	switch pc := v.(type) {
	case nil:
		return nil, nil
	case string:
		return map[string]string{pc: pc}, nil
	case map[string]any:
		out := make(map[string]string, len(pc))
		for k, src := range pc {
			s, ok := src.(string)
			if !ok {
				return nil, fmt.Errorf("provides_context.%s must be a string", k)
			}
			out[k] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("provides_context has unsupported type %T", v)
	}
}

// PromptLoader reads prompt templates from a directory laid out as
// system_prompts/ and user_prompts/.
type PromptLoader struct {
	Dir string
}

// Load returns the system and user templates of a task
func (l PromptLoader) Load(t Task) (string, string, error) {
	system, err := os.ReadFile(filepath.Join(l.Dir, "system_prompts", t.Prompts.System))
	if err != nil {
		return "", "", fmt.Errorf("load system prompt: %w", err)
	}
	user, err := os.ReadFile(filepath.Join(l.Dir, "user_prompts", t.Prompts.User))
	if err != nil {
		return "", "", fmt.Errorf("load user prompt: %w", err)
	}
	return string(system), string(user), nil
}

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// RenderPrompt substitutes {name} placeholders from vars. Doubled braces
// are literal braces. Any placeholder without a value fails with
// ErrMissingContext.
func RenderPrompt(template string, vars map[string]string) (string, error) {
	const lb, rb = "\x00", "\x01"
	s := strings.NewReplacer("{{", lb, "}}", rb).Replace(template)

	var missing []string
	s = placeholder.ReplaceAllStringFunc(s, func(m string) string {
		key := m[1 : len(m)-1]
		if v, ok := vars[key]; ok {
			return v
		}
		missing = append(missing, key)
		return m
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingContext, strings.Join(missing, ", "))
	}
	return strings.NewReplacer(lb, "{", rb, "}").Replace(s), nil
}
