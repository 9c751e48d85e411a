package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/halbert/dispatch/services"
	"github.com/halbert/dispatch/utils"
)

// Built-in defaults used for missing keys and for invalid documents.
const (
	DefaultOrchestratorModel   = "llama3.1:8b-instruct"
	DefaultProvider            = "ollama"
	DefaultRoutingStrategy     = "auto"
	DefaultComplexityThreshold = 0.5
	DefaultHandoffStrategy     = "summarized"
	DefaultMaxContextTokens    = 4096
)

// Document is the on-disk routing policy.
type Document struct {
	Orchestrator Orchestrator `yaml:"orchestrator" json:"orchestrator" toml:"orchestrator"`
	Specialist   Specialist   `yaml:"specialist" json:"specialist" toml:"specialist"`
	Routing      Routing      `yaml:"routing" json:"routing" toml:"routing"`
	Handoff      Handoff      `yaml:"handoff" json:"handoff" toml:"handoff"`
}

// Orchestrator is the always-available generalist backend.
type Orchestrator struct {
	Model    string `yaml:"model" json:"model" toml:"model" validate:"required"`
	Provider string `yaml:"provider" json:"provider" toml:"provider" validate:"required"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" toml:"endpoint,omitempty" validate:"omitempty,url"`
}

// Specialist is the optional heavier backend.
type Specialist struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" toml:"enabled"`
	Model    string `yaml:"model,omitempty" json:"model,omitempty" toml:"model,omitempty" validate:"required_if=Enabled true"`
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty" toml:"provider,omitempty" validate:"required_if=Enabled true"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" toml:"endpoint,omitempty" validate:"omitempty,url"`
}

// Routing selects the backend per request.
type Routing struct {
	Strategy            string   `yaml:"strategy" json:"strategy" toml:"strategy" validate:"oneof=orchestrator_only specialist_preferred auto"`
	PreferSpecialistFor []string `yaml:"prefer_specialist_for" json:"prefer_specialist_for" toml:"prefer_specialist_for" validate:"dive,oneof=chat code_generation code_analysis system_command reasoning quick_query"`
	ComplexityThreshold float64  `yaml:"complexity_threshold" json:"complexity_threshold" toml:"complexity_threshold" validate:"min=0,max=1"`
}

// Handoff controls context compression for the chosen backend.
type Handoff struct {
	Strategy         string `yaml:"strategy" json:"strategy" toml:"strategy" validate:"oneof=full summarized minimal rag_enhanced"`
	MaxContextTokens int    `yaml:"max_context_tokens" json:"max_context_tokens" toml:"max_context_tokens" validate:"min=1"`
	StrictBudget     bool   `yaml:"strict_budget,omitempty" json:"strict_budget,omitempty" toml:"strict_budget,omitempty"`
}

// Default returns the built-in policy.
func Default() *Document {
	return &Document{
		Orchestrator: Orchestrator{
			Model:    DefaultOrchestratorModel,
			Provider: DefaultProvider,
		},
		Specialist: Specialist{
			Enabled:  false,
			Provider: DefaultProvider,
		},
		Routing: Routing{
			Strategy:            DefaultRoutingStrategy,
			PreferSpecialistFor: []string{"code_generation", "code_analysis"},
			ComplexityThreshold: DefaultComplexityThreshold,
		},
		Handoff: Handoff{
			Strategy:         DefaultHandoffStrategy,
			MaxContextTokens: DefaultMaxContextTokens,
		},
	}
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	out := *d
	out.Routing.PreferSpecialistFor = append([]string(nil), d.Routing.PreferSpecialistFor...)
	return &out
}

// Validate checks every field constraint.
func (d *Document) Validate() error {
	return utils.ValidateStruct(d)
}

type format int

const (
	formatYAML format = iota
	formatJSON
	formatTOML
)

func formatFor(path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML, nil
	case ".json":
		return formatJSON, nil
	case ".toml":
		return formatTOML, nil
	}
	return 0, fmt.Errorf("unsupported policy file extension %q", filepath.Ext(path))
}

// Parse decodes data over the defaults, so absent keys keep their default
// values, then validates the result.
func Parse(data []byte, path string) (*Document, error) {
	f, err := formatFor(path)
	if err != nil {
		return nil, services.WrapError(services.ErrorTypeConfigInvalid, "unknown policy format", err)
	}

	doc := Default()
	switch f {
	case formatYAML:
		err = yaml.Unmarshal(data, doc)
	case formatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(doc)
	case formatTOML:
		err = toml.Unmarshal(data, doc)
	}
	if err != nil {
		return nil, services.WrapError(services.ErrorTypeConfigInvalid, "malformed policy document", err)
	}

	if err := doc.Validate(); err != nil {
		return nil, services.WrapError(services.ErrorTypeConfigInvalid, "policy document failed validation", err)
	}
	return doc, nil
}

// Load reads and parses the document at path. A missing file yields the
// defaults without error.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, services.WrapError(services.ErrorTypeConfigInvalid, "read policy document", err)
	}
	return Parse(data, path)
}

// LoadOrDefault loads path, substituting the defaults when the document is
// invalid. The failure is logged once here and not returned.
func LoadOrDefault(path string, logger *zap.Logger) *Document {
	doc, err := Load(path)
	if err != nil {
		logger.Warn("invalid policy document, using defaults",
			zap.String("path", path),
			zap.Error(err),
			zap.Any("fields", utils.GetValidationFields(err)),
		)
		return Default()
	}
	return doc
}

// Marshal encodes d in the format implied by path's extension.
func Marshal(d *Document, path string) ([]byte, error) {
	f, err := formatFor(path)
	if err != nil {
		return nil, err
	}
	switch f {
	case formatJSON:
		return json.MarshalIndent(d, "", "  ")
	case formatTOML:
		return toml.Marshal(d)
	default:
		return yaml.Marshal(d)
	}
}

// FileStore persists documents to a single file.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the stored document.
func (s *FileStore) Load() (*Document, error) {
	return Load(s.path)
}

// SavePolicy writes d atomically through a temp file and rename.
func (s *FileStore) SavePolicy(d *Document) error {
	data, err := Marshal(d, s.path)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create policy dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".policy-*")
	if err != nil {
		return fmt.Errorf("create temp policy file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write policy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close policy: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace policy: %w", err)
	}
	return nil
}
