package exemption

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// StaticSource is an in-memory policy table.
type StaticSource struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

func NewStaticSource(policies ...Policy) *StaticSource {
	s := &StaticSource{policies: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		s.policies[p.AccountID] = p
	}
	return s
}

func (s *StaticSource) Put(p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.AccountID] = p
}

func (s *StaticSource) Lookup(ctx context.Context, accountID string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[accountID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

type policyFile struct {
	Policies []Policy `yaml:"policies"`
}

// FileSource serves policies from a YAML whitelist. Environment references in
// the file are expanded on load.
type FileSource struct {
	path   string
	logger *slog.Logger
	static atomic.Pointer[StaticSource]
}

func NewFileSource(path string, logger *slog.Logger) (*FileSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &FileSource{path: path, logger: logger.With("component", "exemption_file")}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload swaps in the current file contents. On error the previous policies stay.
func (f *FileSource) Reload() error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("failed to read exemption file: %w", err)
	}
	var doc policyFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &doc); err != nil {
		return fmt.Errorf("failed to parse exemption file: %w", err)
	}
	for i := range doc.Policies {
		if err := validatePolicy(&doc.Policies[i]); err != nil {
			return err
		}
	}
	f.static.Store(NewStaticSource(doc.Policies...))
	f.logger.Info("exemption_policies_loaded", "path", f.path, "count", len(doc.Policies))
	return nil
}

func (f *FileSource) Lookup(ctx context.Context, accountID string) (*Policy, error) {
	return f.static.Load().Lookup(ctx, accountID)
}
