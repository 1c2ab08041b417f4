package codegen

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// scriptExtension per generated language.
var scriptExtension = map[string]string{
	LangPython:     ".py",
	LangJavaScript: ".js",
}

// RegistrationService writes generated artifacts into the definitions and
// scripts directories. Any write failure rolls back every file written for
// that node name.
type RegistrationService struct {
	definitionsDir string
	logger         *slog.Logger
}

// NewRegistrationService creates a registration service rooted at the
// definitions directory; scripts go under its scripts/ subdirectory.
func NewRegistrationService(definitionsDir string, logger *slog.Logger) *RegistrationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegistrationService{definitionsDir: definitionsDir, logger: logger}
}

// Register persists the generated node. On failure nothing remains on disk.
func (s *RegistrationService) Register(gen *Generated) error {
	ext, ok := scriptExtension[gen.Language]
	if !ok {
		return fmt.Errorf("register %s: unsupported language %q", gen.Name, gen.Language)
	}

	defPath := filepath.Join(s.definitionsDir, gen.Name+".yaml")
	scriptPath := filepath.Join(s.definitionsDir, "scripts", gen.Name+ext)

	if _, err := os.Stat(defPath); err == nil {
		return fmt.Errorf("register %s: definition already exists", gen.Name)
	}

	var written []string
	rollback := func() {
		for _, path := range written {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("rollback failed to remove file", "path", path, "error", err)
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(scriptPath), 0o755); err != nil {
		return fmt.Errorf("register %s: %w", gen.Name, err)
	}
	if err := os.WriteFile(defPath, gen.Definition, 0o644); err != nil {
		return fmt.Errorf("register %s: write definition: %w", gen.Name, err)
	}
	written = append(written, defPath)

	if err := os.WriteFile(scriptPath, []byte(gen.Code), 0o644); err != nil {
		rollback()
		return fmt.Errorf("register %s: write script: %w", gen.Name, err)
	}
	written = append(written, scriptPath)

	s.logger.Info("generated node registered",
		"name", gen.Name, "language", gen.Language, "template", gen.Template)
	return nil
}

// Unregister removes a previously-registered node's files.
func (s *RegistrationService) Unregister(name, language string) error {
	ext, ok := scriptExtension[language]
	if !ok {
		return fmt.Errorf("unregister %s: unsupported language %q", name, language)
	}
	var firstErr error
	for _, path := range []string{
		filepath.Join(s.definitionsDir, name+".yaml"),
		filepath.Join(s.definitionsDir, "scripts", name+ext),
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Pipeline runs analyze → generate → register end to end.
type Pipeline struct {
	analyzer     *GapAnalyzer
	generator    *Generator
	registration *RegistrationService
	logger       *slog.Logger
}

// NewPipeline wires the three collaborators.
func NewPipeline(analyzer *GapAnalyzer, generator *Generator, registration *RegistrationService, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		analyzer:     analyzer,
		generator:    generator,
		registration: registration,
		logger:       logger,
	}
}

// Extend handles one "new capability" request. When the capability already
// exists, it reports the covering node without generating anything.
func (p *Pipeline) Extend(task string) (GapResult, *Generated, error) {
	result := p.analyzer.Analyze(task)
	if !result.HasGap {
		p.logger.Info("capability already covered", "task", task, "node", result.MatchedNode)
		return result, nil, nil
	}

	gen, err := p.generator.Generate(task, result)
	if err != nil {
		return result, nil, fmt.Errorf("generate for %q: %w", task, err)
	}
	if err := p.registration.Register(gen); err != nil {
		return result, nil, fmt.Errorf("register %q: %w", gen.Name, err)
	}
	return result, gen, nil
}
