// Package blueprint loads agent and deterministic-task definitions from
// disk and prepares them for dispatch: parameter validation against the
// declared JSON-Schema and placeholder substitution into the run payload.
package blueprint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/agentcoord/agentcoord/internal/common/apperr"
	"github.com/agentcoord/agentcoord/internal/demand"
)

// Type distinguishes conversational agents from deterministic commands.
type Type string

const (
	TypeAgent         Type = "agent"
	TypeDeterministic Type = "deterministic"
)

// Valid reports whether t is a known blueprint type.
func (t Type) Valid() bool {
	return t == TypeAgent || t == TypeDeterministic
}

// ParameterStrategy is how a deterministic command receives its parameters.
type ParameterStrategy string

const (
	StrategyStdinJSON ParameterStrategy = "stdin_json"
	StrategyArgs      ParameterStrategy = "args"
	StrategyEnv       ParameterStrategy = "env"
	StrategyFile      ParameterStrategy = "file"
)

// Valid reports whether s is a known parameter strategy.
func (s ParameterStrategy) Valid() bool {
	switch s {
	case StrategyStdinJSON, StrategyArgs, StrategyEnv, StrategyFile:
		return true
	}
	return false
}

// Blueprint is one loaded definition.
type Blueprint struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Type        Type           `json:"type"`
	Tags        []string       `json:"tags,omitempty"`
	Demands     demand.Demands `json:"demands,omitempty"`

	ParametersSchema json.RawMessage `json:"parameters_schema,omitempty"`
	OutputSchema     json.RawMessage `json:"output_schema,omitempty"`

	// Deterministic-type fields.
	Command           string            `json:"command,omitempty"`
	ParameterStrategy ParameterStrategy `json:"parameter_strategy,omitempty"`
	TimeoutSeconds    int               `json:"timeout_seconds,omitempty"`

	// Sidecar files, loaded alongside agent.json.
	SystemPrompt string          `json:"-"`
	MCPServers   json.RawMessage `json:"-"`
}

const (
	metadataFile     = "agent.json"
	systemPromptFile = "agent.system-prompt.md"
	mcpFile          = "agent.mcp.json"
	paramsSchemaFile = "agent.parameters.json"
)

// Loader reads blueprints from a root directory, one subdirectory per
// blueprint. Definitions are re-read on every load so edits take effect
// without a restart.
type Loader struct {
	root string
}

// NewLoader creates a loader over the given blueprint root.
func NewLoader(root string) *Loader {
	return &Loader{root: root}
}

// Load reads and validates the blueprint with the given name.
func (l *Loader) Load(name string) (*Blueprint, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return nil, apperr.Newf(apperr.KindValidation, "invalid blueprint name %q", name)
	}
	dir := filepath.Join(l.root, name)

	raw, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.Newf(apperr.KindValidation, "blueprint %q not found", name)
		}
		return nil, fmt.Errorf("failed to read blueprint %s: %w", name, err)
	}

	var bp Blueprint
	if err := json.Unmarshal(raw, &bp); err != nil {
		return nil, apperr.Newf(apperr.KindValidation, "blueprint %q has malformed %s: %v", name, metadataFile, err)
	}
	if bp.Name != name {
		return nil, apperr.Newf(apperr.KindValidation,
			"blueprint name %q does not match directory %q", bp.Name, name)
	}
	if !bp.Type.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, "blueprint %q has unknown type %q", name, bp.Type)
	}

	if prompt, err := readOptional(filepath.Join(dir, systemPromptFile)); err != nil {
		return nil, err
	} else {
		bp.SystemPrompt = string(prompt)
	}
	if mcp, err := readOptional(filepath.Join(dir, mcpFile)); err != nil {
		return nil, err
	} else if len(mcp) > 0 {
		bp.MCPServers = json.RawMessage(mcp)
	}
	if len(bp.ParametersSchema) == 0 {
		if schema, err := readOptional(filepath.Join(dir, paramsSchemaFile)); err != nil {
			return nil, err
		} else if len(schema) > 0 {
			bp.ParametersSchema = json.RawMessage(schema)
		}
	}

	if err := bp.validate(); err != nil {
		return nil, err
	}
	return &bp, nil
}

// List returns the names of every loadable blueprint under the root.
func (l *Loader) List() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read blueprint root: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(l.root, entry.Name(), metadataFile)); err != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (bp *Blueprint) validate() error {
	switch bp.Type {
	case TypeAgent:
		if bp.SystemPrompt == "" && len(bp.MCPServers) == 0 {
			return apperr.Newf(apperr.KindValidation,
				"agent blueprint %q needs %s or %s", bp.Name, systemPromptFile, mcpFile)
		}
		if bp.Command != "" {
			return apperr.Newf(apperr.KindValidation,
				"agent blueprint %q must not declare a command", bp.Name)
		}
	case TypeDeterministic:
		if bp.Command == "" {
			return apperr.Newf(apperr.KindValidation,
				"deterministic blueprint %q needs a command", bp.Name)
		}
		if bp.ParameterStrategy != "" && !bp.ParameterStrategy.Valid() {
			return apperr.Newf(apperr.KindValidation,
				"deterministic blueprint %q has unknown parameter_strategy %q", bp.Name, bp.ParameterStrategy)
		}
		if len(bp.OutputSchema) > 0 {
			return apperr.Newf(apperr.KindValidation,
				"output_schema is only valid for agent blueprints, found on %q", bp.Name)
		}
		if bp.TimeoutSeconds < 0 {
			return apperr.Newf(apperr.KindValidation,
				"deterministic blueprint %q has negative timeout_seconds", bp.Name)
		}
	}
	return nil
}

func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
