package plugin

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ManifestFileName is the file name LoadDir looks for in rule directories.
const ManifestFileName = "rule.yaml"

// IsolationLevel is the scope a rule needs to see at once.
type IsolationLevel string

const (
	// IsolationGlobal rules see the whole document.
	IsolationGlobal IsolationLevel = "global"

	// IsolationBlock rules only need one block at a time.
	IsolationBlock IsolationLevel = "block"
)

// Exports names the guest functions the host calls. Empty names fall back to
// the conventional export names.
type Exports struct {
	// Lint is the checking entry point.
	Lint string `yaml:"lint,omitempty" validate:"omitempty,printascii"`

	// Alloc is the guest allocator, used by the interpreter backend.
	Alloc string `yaml:"alloc,omitempty" validate:"omitempty,printascii"`

	// Free optionally releases buffers after a call.
	Free string `yaml:"free,omitempty" validate:"omitempty,printascii"`
}

// Manifest describes a rule plugin.
type Manifest struct {
	Name           string         `yaml:"name" validate:"required,rulename"`
	Version        string         `yaml:"version" validate:"required"`
	Description    string         `yaml:"description,omitempty"`
	Aliases        []string       `yaml:"aliases,omitempty" validate:"dive,rulename"`
	Fixable        bool           `yaml:"fixable,omitempty"`
	NodeTypes      []string       `yaml:"node_types,omitempty"`
	IsolationLevel IsolationLevel `yaml:"isolation_level,omitempty" validate:"omitempty,oneof=global block"`
	Languages      []string       `yaml:"languages,omitempty"`
	Capabilities   []string       `yaml:"capabilities,omitempty"`

	// Wasm is the artifact path, relative to the manifest file.
	Wasm string `yaml:"wasm" validate:"required"`

	// SHA256 is the optional hex digest the artifact must match.
	SHA256 string `yaml:"sha256,omitempty" validate:"omitempty,len=64,hexadecimal"`

	// Backend forces a backend instead of detecting it from the artifact.
	Backend BackendKind `yaml:"backend,omitempty" validate:"omitempty,oneof=auto interpreter runtime"`

	Exports Exports `yaml:"exports,omitempty"`

	// Options is the default rule configuration.
	Options map[string]any `yaml:"options,omitempty"`

	// Path is the file the manifest was loaded from.
	Path string `yaml:"-"`

	// WasmPath is the resolved artifact path.
	WasmPath string `yaml:"-"`
}

// LintExport returns the configured lint export name or the default.
func (m *Manifest) LintExport() string {
	if m.Exports.Lint != "" {
		return m.Exports.Lint
	}
	return "lint"
}

// Isolation returns the isolation level, defaulting to global.
func (m *Manifest) Isolation() IsolationLevel {
	if m.IsolationLevel == "" {
		return IsolationGlobal
	}
	return m.IsolationLevel
}

// VerifyChecksum checks module against the manifest's digest, if any.
func (m *Manifest) VerifyChecksum(module []byte) error {
	if m.SHA256 == "" {
		return nil
	}

	sum := sha256.Sum256(module)
	computed := hex.EncodeToString(sum[:])
	if !bytes.EqualFold([]byte(computed), []byte(m.SHA256)) {
		return NewInvalidManifestError(m.Name,
			fmt.Sprintf("WASM module checksum mismatch: expected %s, got %s", m.SHA256, computed), nil)
	}
	return nil
}

var ruleNamePattern = regexp.MustCompile(`^[A-Za-z0-9@][A-Za-z0-9@._/-]*$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("rulename", func(fl validator.FieldLevel) bool {
		return ruleNamePattern.MatchString(fl.Field().String())
	})
	return v
}

// ManifestLoader loads and validates rule manifests.
type ManifestLoader struct {
	// BaseDir resolves relative artifact paths for manifests loaded from bytes.
	BaseDir string
}

// NewManifestLoader creates a new manifest loader.
func NewManifestLoader(baseDir string) *ManifestLoader {
	return &ManifestLoader{BaseDir: baseDir}
}

// LoadFromFile loads a manifest from a YAML file.
func (l *ManifestLoader) LoadFromFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewInvalidManifestError("", fmt.Sprintf("failed to read manifest %s", path), err)
	}

	m, err := l.parse(data)
	if err != nil {
		return nil, err
	}
	m.Path = path
	m.WasmPath = l.resolveWasmPath(m)
	return m, nil
}

// LoadFromBytes loads a manifest from YAML bytes. Relative artifact paths
// are resolved against BaseDir.
func (l *ManifestLoader) LoadFromBytes(data []byte) (*Manifest, error) {
	m, err := l.parse(data)
	if err != nil {
		return nil, err
	}
	m.WasmPath = l.resolveWasmPath(m)
	return m, nil
}

// ReadModule reads the manifest's artifact and verifies its checksum.
func (l *ManifestLoader) ReadModule(m *Manifest) ([]byte, error) {
	module, err := os.ReadFile(m.WasmPath)
	if err != nil {
		return nil, NewInvalidManifestError(m.Name, fmt.Sprintf("failed to read WASM module %s", m.WasmPath), err)
	}
	if err := m.VerifyChecksum(module); err != nil {
		return nil, err
	}
	return module, nil
}

func (l *ManifestLoader) parse(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, NewInvalidManifestError("", "manifest is empty", nil)
		}
		return nil, NewInvalidManifestError("", "failed to parse manifest YAML", err)
	}

	if err := ValidateManifest(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ValidateManifest checks the structural rules of a manifest.
func ValidateManifest(m *Manifest) error {
	if err := validate.Struct(m); err != nil {
		return NewInvalidManifestError(m.Name, "invalid manifest", err)
	}

	seen := map[string]bool{m.Name: true}
	for _, alias := range m.Aliases {
		if seen[alias] {
			return NewInvalidManifestError(m.Name, fmt.Sprintf("duplicate alias %q", alias), nil)
		}
		seen[alias] = true
	}
	return nil
}

func (l *ManifestLoader) resolveWasmPath(m *Manifest) string {
	if filepath.IsAbs(m.Wasm) {
		return m.Wasm
	}
	if m.Path != "" {
		return filepath.Join(filepath.Dir(m.Path), m.Wasm)
	}
	return filepath.Join(l.BaseDir, m.Wasm)
}

// FindManifests returns the manifest files of dir's rule subdirectories and
// any manifest directly in dir, sorted by path.
func FindManifests(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		var candidate string
		switch {
		case entry.IsDir():
			candidate = filepath.Join(dir, entry.Name(), ManifestFileName)
		case entry.Name() == ManifestFileName:
			candidate = filepath.Join(dir, entry.Name())
		default:
			continue
		}
		if _, err := os.Stat(candidate); err == nil {
			paths = append(paths, candidate)
		}
	}

	sort.Strings(paths)
	return paths, nil
}
