// Package principles loads the Pre-Dot pipeline's rule/principle
// documents from markdown files with YAML frontmatter, grounded on the
// teacher's PromptEngine component loader
// (internal/infrastructure/prompt/prompt_loader.go: ParsePromptFile's
// "---\nyaml\n---\nbody" convention) — generalized from PromptComponent's
// {name, priority, requires} schema to PrincipleFile's {id, summary,
// type, triggers, always, threshold}, and using the real gopkg.in/yaml.v3
// dependency the teacher's go.mod already carries instead of the
// teacher's hand-rolled line scanner (which existed only to dodge that
// dependency for a handful of scalar fields — we have no such reason to
// avoid it here).
package principles

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cortexrt/assistant/internal/domain/entity"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// frontmatter is the YAML header schema of one principles/*.md file.
//
//	---
//	id: tone-and-voice
//	summary: Keep responses concise and avoid hedging.
//	type: principle   # or "rule"
//	always: false
//	threshold: 4
//	triggers:
//	  - tone
//	  - voice
//	---
//	Full body text the Consolidator/assembler falls back to...
type frontmatter struct {
	ID        string   `yaml:"id"`
	Summary   string   `yaml:"summary"`
	Type      string   `yaml:"type"`
	Always    bool     `yaml:"always"`
	Threshold int      `yaml:"threshold"`
	Triggers  []string `yaml:"triggers"`
}

// FileLoader implements service.PrincipleLoader over a directory of
// markdown files with YAML frontmatter.
type FileLoader struct {
	dir    string
	logger *zap.Logger
}

// NewFileLoader builds a loader rooted at dir (expected to hold one
// *.md file per principle or rule).
func NewFileLoader(dir string, logger *zap.Logger) *FileLoader {
	return &FileLoader{dir: dir, logger: logger}
}

// LoadPrinciples implements service.PrincipleLoader.
func (l *FileLoader) LoadPrinciples(ctx context.Context) ([]entity.PrincipleFile, error) {
	return l.load()
}

func (l *FileLoader) load() ([]entity.PrincipleFile, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("principles: read dir: %w", err)
	}

	var out []entity.PrincipleFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		pf, err := parseFile(filepath.Join(l.dir, e.Name()))
		if err != nil {
			l.logger.Warn("principles: skipping unparsable file", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, *pf)
	}
	return out, nil
}

func parseFile(path string) (*entity.PrincipleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	content := string(data)

	base := strings.TrimSuffix(filepath.Base(path), ".md")
	if !strings.HasPrefix(content, "---") {
		return &entity.PrincipleFile{
			ID:   base,
			Type: entity.PrincipleTypePrinciple,
			Body: strings.TrimSpace(content),
		}, nil
	}

	lines := strings.Split(content, "\n")
	closingIdx := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			closingIdx = i
			break
		}
	}
	if closingIdx == -1 {
		return nil, fmt.Errorf("unclosed YAML frontmatter in %s", path)
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:closingIdx], "\n")), &fm); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	body := strings.TrimSpace(strings.Join(lines[closingIdx+1:], "\n"))

	id := fm.ID
	if id == "" {
		id = base
	}
	typ := entity.PrincipleTypePrinciple
	if fm.Type == string(entity.PrincipleTypeRule) {
		typ = entity.PrincipleTypeRule
	}

	return &entity.PrincipleFile{
		ID:        id,
		Summary:   fm.Summary,
		Type:      typ,
		Triggers:  fm.Triggers,
		Always:    fm.Always,
		Threshold: fm.Threshold,
		Body:      body,
	}, nil
}
