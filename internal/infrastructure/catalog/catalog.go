// Package catalog provides a filesystem-backed service.PersonaCatalog,
// grounded on the same markdown-with-frontmatter convention as
// internal/infrastructure/principles (itself adapted from the teacher's
// PromptEngine component loader) — personas and councils are authored as
// one file per entry under a catalog root, hot-reloadable the same way
// the teacher's prompt components are.
package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	domaintool "github.com/cortexrt/assistant/internal/domain/tool"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type personaFrontmatter struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Summary string `yaml:"summary"`
}

type councilFrontmatter struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Personas    []string `yaml:"personas"`
}

// FileCatalog implements service.PersonaCatalog over two directories —
// personas/*.md and councils/*.md — plus the device's live tool registry
// for the writer pass's tool subset selection.
type FileCatalog struct {
	personasDir string
	councilsDir string
	registry    domaintool.Registry
	logger      *zap.Logger
}

// NewFileCatalog builds the catalog. registry is the device's currently
// built Handler Registry (internal/infrastructure/tool.BuildFromManifest
// output) so CompactToolCatalog reflects what's actually dispatchable for
// this device, not a static global list.
func NewFileCatalog(personasDir, councilsDir string, registry domaintool.Registry, logger *zap.Logger) *FileCatalog {
	return &FileCatalog{personasDir: personasDir, councilsDir: councilsDir, registry: registry, logger: logger}
}

func (c *FileCatalog) CompactPersonaSummaries(ctx context.Context) ([]string, error) {
	personas, err := c.loadPersonas()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(personas))
	for id, p := range personas {
		out = append(out, fmt.Sprintf("%s: %s — %s", id, p.name, p.summary))
	}
	return out, nil
}

func (c *FileCatalog) CompactCouncilSummaries(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(c.councilsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("catalog: read councils dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		fm, _, err := parseMarkdown[councilFrontmatter](filepath.Join(c.councilsDir, e.Name()))
		if err != nil {
			c.logger.Warn("catalog: skipping unparsable council", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, fmt.Sprintf("%s: %s — %s (personas: %s)", fm.ID, fm.Name, fm.Description, strings.Join(fm.Personas, ", ")))
	}
	return out, nil
}

func (c *FileCatalog) PersonaBody(ctx context.Context, id string) (string, error) {
	path := filepath.Join(c.personasDir, id+".md")
	_, body, err := parseMarkdown[personaFrontmatter](path)
	if err != nil {
		return "", fmt.Errorf("catalog: persona body %q: %w", id, err)
	}
	return body, nil
}

func (c *FileCatalog) CompactToolCatalog(ctx context.Context) ([]string, error) {
	defs := c.registry.List()
	out := make([]string, 0, len(defs))
	for _, d := range defs {
		out = append(out, fmt.Sprintf("%s: %s", d.Name, d.Description))
	}
	return out, nil
}

type personaEntry struct {
	name    string
	summary string
}

func (c *FileCatalog) loadPersonas() (map[string]personaEntry, error) {
	entries, err := os.ReadDir(c.personasDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]personaEntry{}, nil
		}
		return nil, fmt.Errorf("catalog: read personas dir: %w", err)
	}
	out := make(map[string]personaEntry, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		fm, _, err := parseMarkdown[personaFrontmatter](filepath.Join(c.personasDir, e.Name()))
		if err != nil {
			c.logger.Warn("catalog: skipping unparsable persona", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		id := fm.ID
		if id == "" {
			id = strings.TrimSuffix(e.Name(), ".md")
		}
		out[id] = personaEntry{name: fm.Name, summary: fm.Summary}
	}
	return out, nil
}

// parseMarkdown splits a "---\nyaml\n---\nbody" file into its frontmatter
// (unmarshaled into T) and trimmed body.
func parseMarkdown[T any](path string) (T, string, error) {
	var fm T
	data, err := os.ReadFile(path)
	if err != nil {
		return fm, "", err
	}
	content := string(data)
	if !strings.HasPrefix(content, "---") {
		return fm, strings.TrimSpace(content), nil
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
		return fm, "", fmt.Errorf("unclosed YAML frontmatter in %s", path)
	}

	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:closingIdx], "\n")), &fm); err != nil {
		return fm, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	return fm, strings.TrimSpace(strings.Join(lines[closingIdx+1:], "\n")), nil
}
