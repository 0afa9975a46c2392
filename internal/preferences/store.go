// Package preferences implements component G (spec.md §4.G): the
// per-user preferences and custom bundle/behavior registry, persisted
// as a single JSON document. The atomic tmp-then-rename write is the
// same pattern as internal/transcript.Store's metadata.json, generalized
// here to a single top-level document instead of one per session.
package preferences

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/streamgate/agentgw/internal/apperrors"
)

const fileName = "preferences.json"

// CustomBundle is a user-registered bundle source (spec.md §3).
type CustomBundle struct {
	Name string `json:"name" yaml:"name"`
	URI  string `json:"uri" yaml:"uri"`
}

// CustomBehavior is a user-registered behavior source (spec.md §3).
type CustomBehavior struct {
	Name string `json:"name" yaml:"name"`
	URI  string `json:"uri" yaml:"uri"`
}

// Document is the persisted preferences document (spec.md §6.4).
type Document struct {
	DefaultBundle    string           `json:"default_bundle,omitempty" yaml:"default_bundle,omitempty"`
	DefaultBehaviors []string         `json:"default_behaviors,omitempty" yaml:"default_behaviors,omitempty"`
	ShowThinking     bool             `json:"show_thinking" yaml:"show_thinking"`
	DefaultCwd       string           `json:"default_cwd,omitempty" yaml:"default_cwd,omitempty"`
	CustomBundles    []CustomBundle   `json:"custom_bundles,omitempty" yaml:"custom_bundles,omitempty"`
	CustomBehaviors  []CustomBehavior `json:"custom_behaviors,omitempty" yaml:"custom_behaviors,omitempty"`
}

// Store owns the preferences document for the process's single user
// (spec.md §1: single-user gateway).
type Store struct {
	path string

	mu  sync.Mutex
	doc Document
}

// New loads (or initializes) the preferences document at
// stateRoot/preferences.json.
func New(stateRoot string) (*Store, error) {
	s := &Store{path: filepath.Join(stateRoot, fileName)}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read preferences: %w", err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("parse preferences: %w", err)
	}
	return s, nil
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Get returns a copy of the current document.
func (s *Store) Get() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// Put replaces the whole document (spec.md §4.G: "get/put-whole").
func (s *Store) Put(doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = doc
	return s.persistLocked()
}

// AddCustomBundle registers a new bundle source after validating its URI.
func (s *Store) AddCustomBundle(b CustomBundle) error {
	if err := ValidateURI(b.URI); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.doc.CustomBundles {
		if existing.Name == b.Name {
			return apperrors.Validation(fmt.Sprintf("custom bundle %q already registered", b.Name))
		}
	}
	s.doc.CustomBundles = append(s.doc.CustomBundles, b)
	return s.persistLocked()
}

// RemoveCustomBundle deregisters a bundle source by name.
func (s *Store) RemoveCustomBundle(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.doc.CustomBundles {
		if existing.Name == name {
			s.doc.CustomBundles = append(s.doc.CustomBundles[:i], s.doc.CustomBundles[i+1:]...)
			return s.persistLocked()
		}
	}
	return apperrors.New(apperrors.CodeValidation, fmt.Sprintf("custom bundle %q not registered", name))
}

// AddCustomBehavior registers a new behavior source after validating its URI.
func (s *Store) AddCustomBehavior(b CustomBehavior) error {
	if err := ValidateURI(b.URI); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.doc.CustomBehaviors {
		if existing.Name == b.Name {
			return apperrors.Validation(fmt.Sprintf("custom behavior %q already registered", b.Name))
		}
	}
	s.doc.CustomBehaviors = append(s.doc.CustomBehaviors, b)
	return s.persistLocked()
}

// RemoveCustomBehavior deregisters a behavior source by name.
func (s *Store) RemoveCustomBehavior(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.doc.CustomBehaviors {
		if existing.Name == name {
			s.doc.CustomBehaviors = append(s.doc.CustomBehaviors[:i], s.doc.CustomBehaviors[i+1:]...)
			return s.persistLocked()
		}
	}
	return apperrors.New(apperrors.CodeValidation, fmt.Sprintf("custom behavior %q not registered", name))
}

// ExportYAML serializes the document to YAML (spec.md SPEC_FULL.md
// domain-stack wiring of gopkg.in/yaml.v3 for import/export).
func (s *Store) ExportYAML() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return yaml.Marshal(s.doc)
}

// ImportYAML replaces the document from a YAML payload, validating every
// custom source URI before committing.
func (s *Store) ImportYAML(data []byte) error {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, "parse preferences yaml", err)
	}
	for _, b := range doc.CustomBundles {
		if err := ValidateURI(b.URI); err != nil {
			return err
		}
	}
	for _, b := range doc.CustomBehaviors {
		if err := ValidateURI(b.URI); err != nil {
			return err
		}
	}
	return s.Put(doc)
}

// forbiddenRoots are system paths a file:// URI must never resolve under,
// even if the raw path looks contained (spec.md §4.G).
var forbiddenRoots = []string{"/etc", "/var", "/usr", "/bin", "/sbin", "/System", "/Library"}

// ValidateURI checks a registry source URI as its own operation, separate
// from registration (spec.md §4.G). Only git+https:// and file:// are
// accepted; file:// URIs must resolve under the user's home directory and
// must not land under a forbidden system path. No other root is accepted.
func ValidateURI(uri string) error {
	switch {
	case strings.HasPrefix(uri, "git+https://"):
		return nil
	case strings.HasPrefix(uri, "file://"):
		return validateFileURI(uri)
	default:
		return apperrors.Validation(fmt.Sprintf("unsupported registry URI scheme in %q", uri))
	}
}

func validateFileURI(uri string) error {
	raw := strings.TrimPrefix(uri, "file://")
	if strings.Contains(raw, "..") {
		return apperrors.Validation("file:// registry URI must not contain \"..\"")
	}

	resolved, err := filepath.Abs(raw)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, "resolve file:// registry URI", err)
	}
	resolved, err = filepath.EvalSymlinks(resolved)
	if err != nil {
		if !os.IsNotExist(err) {
			return apperrors.Wrap(apperrors.CodeValidation, "resolve file:// registry URI", err)
		}
		resolved, _ = filepath.Abs(raw)
	}

	for _, root := range forbiddenRoots {
		if resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return apperrors.Validation(fmt.Sprintf("file:// registry URI must not resolve under %q", root))
		}
	}

	home, err := os.UserHomeDir()
	if err == nil && (resolved == home || strings.HasPrefix(resolved, home+string(filepath.Separator))) {
		return nil
	}

	return apperrors.Validation("file:// registry URI must resolve under the user's home directory")
}
