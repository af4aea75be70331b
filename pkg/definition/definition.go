// Package definition loads dashboard definition documents: the persisted
// description of a dashboard's tabs, panels and variables. Documents are
// JSON or YAML files in a dashboards directory; the store keeps the parsed
// set in memory, hot-reloads on file changes and can sync the directory from
// a git remote ("dashboards as code").
package definition

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/umputun/varflow/pkg/engine"
)

// Document is one dashboard definition as persisted on disk.
type Document struct {
	ID          string        `json:"id" yaml:"id"`
	Title       string        `json:"title" yaml:"title"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"` // markdown
	Tabs        []Tab         `json:"tabs,omitempty" yaml:"tabs,omitempty"`
	Panels      []PanelDef    `json:"panels,omitempty" yaml:"panels,omitempty"`
	Variables   []VariableDef `json:"variables,omitempty" yaml:"variables,omitempty"`

	path    string    // source file, set by the store
	modTime time.Time // source file modification time
}

// Tab is a named tab grouping panels.
type Tab struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title" yaml:"title"`
}

// PanelDef is one panel: placement plus the query whose $name references
// bind it to variables.
type PanelDef struct {
	ID    string `json:"id" yaml:"id"`
	TabID string `json:"tab,omitempty" yaml:"tab,omitempty"`
	Title string `json:"title" yaml:"title"`
	Query string `json:"query" yaml:"query"`
}

// ParentDef names a parent variable and the field its value filters on.
type ParentDef struct {
	Name  string `json:"name" yaml:"name"`
	Field string `json:"field" yaml:"field"`
}

// VariableDef is the persisted form of a variable. Scope defaults to global;
// tab and panel scoped definitions expand into one independent instance per
// assigned tab or panel.
type VariableDef struct {
	Name      string          `json:"name" yaml:"name"`
	Scope     string          `json:"scope,omitempty" yaml:"scope,omitempty"` // "global" (default), "tab", "panel"
	Tabs      []string        `json:"tabs,omitempty" yaml:"tabs,omitempty"`
	Panels    []string        `json:"panels,omitempty" yaml:"panels,omitempty"`
	Stream    string          `json:"stream" yaml:"stream"`
	Field     string          `json:"field" yaml:"field"`
	Filters   []engine.Filter `json:"filters,omitempty" yaml:"filters,omitempty"`
	DependsOn []ParentDef     `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Default   string          `json:"default,omitempty" yaml:"default,omitempty"`
	Multi     bool            `json:"multi,omitempty" yaml:"multi,omitempty"`
}

// Path returns the source file the document was loaded from.
func (d *Document) Path() string { return d.path }

// ModTime returns the source file's modification time.
func (d *Document) ModTime() time.Time { return d.modTime }

// Parse decodes a document from JSON or YAML, chosen by file extension
// (.yaml/.yml for YAML, anything else JSON), and validates it.
func Parse(path string, data []byte) (*Document, error) {
	var doc Document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse json %s: %w", path, err)
		}
	}
	doc.path = path
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return &doc, nil
}

// Load reads and parses a document file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path) //nolint:gosec // paths come from the configured dashboards dir
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	doc, err := Parse(path, data)
	if err != nil {
		return nil, err
	}
	if info, serr := os.Stat(path); serr == nil {
		doc.modTime = info.ModTime()
	}
	return doc, nil
}

// Validate checks structural consistency: ids present and unique, scope
// assignments referencing known tabs/panels, no duplicate (name, scope)
// instances, and a loadable dependency graph (parents resolve, no cycles).
func (d *Document) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("dashboard id is required")
	}

	tabs := make(map[string]bool, len(d.Tabs))
	for _, tab := range d.Tabs {
		if tab.ID == "" {
			return fmt.Errorf("tab without id")
		}
		if tabs[tab.ID] {
			return fmt.Errorf("duplicate tab id %q", tab.ID)
		}
		tabs[tab.ID] = true
	}

	panels := make(map[string]bool, len(d.Panels))
	for _, p := range d.Panels {
		if p.ID == "" {
			return fmt.Errorf("panel without id")
		}
		if panels[p.ID] {
			return fmt.Errorf("duplicate panel id %q", p.ID)
		}
		if p.TabID != "" && !tabs[p.TabID] {
			return fmt.Errorf("panel %q references unknown tab %q", p.ID, p.TabID)
		}
		panels[p.ID] = true
	}

	for _, v := range d.Variables {
		if v.Name == "" {
			return fmt.Errorf("variable without name")
		}
		switch v.Scope {
		case "", "global":
			if len(v.Tabs) > 0 || len(v.Panels) > 0 {
				return fmt.Errorf("variable %q: global scope takes no tab/panel assignment", v.Name)
			}
		case "tab":
			if len(v.Tabs) == 0 {
				return fmt.Errorf("variable %q: tab scope requires assigned tabs", v.Name)
			}
			for _, id := range v.Tabs {
				if !tabs[id] {
					return fmt.Errorf("variable %q assigned to unknown tab %q", v.Name, id)
				}
			}
		case "panel":
			if len(v.Panels) == 0 {
				return fmt.Errorf("variable %q: panel scope requires assigned panels", v.Name)
			}
			for _, id := range v.Panels {
				if !panels[id] {
					return fmt.Errorf("variable %q assigned to unknown panel %q", v.Name, id)
				}
			}
		default:
			return fmt.Errorf("variable %q: unknown scope %q", v.Name, v.Scope)
		}
	}

	// instances must be unique per (name, scope) and the dependency
	// configuration must form a loadable acyclic graph
	instances := d.Instances()
	seen := make(map[engine.Key]bool, len(instances))
	for _, v := range instances {
		if seen[v.Key()] {
			return fmt.Errorf("duplicate variable instance %s", v.Key())
		}
		seen[v.Key()] = true
	}
	g := engine.NewGraph()
	for _, v := range instances {
		// first pass installs nodes without edges so definition order
		// doesn't matter for parent resolution
		bare := *v
		bare.Parents = nil
		if err := g.AddOrUpdate(&bare); err != nil {
			return err
		}
	}
	for _, v := range instances {
		if err := g.AddOrUpdate(v); err != nil {
			return fmt.Errorf("variable %s: %w", v.Key(), err)
		}
	}
	return nil
}

// Instances expands variable definitions into concrete engine instances:
// one per assigned tab or panel for scoped definitions, a single global
// instance otherwise.
func (d *Document) Instances() []*engine.Variable {
	var out []*engine.Variable
	for _, def := range d.Variables {
		base := engine.Variable{
			Name:         def.Name,
			Stream:       def.Stream,
			Field:        def.Field,
			Filters:      append([]engine.Filter(nil), def.Filters...),
			DefaultValue: def.Default,
			Multi:        def.Multi,
		}
		for _, p := range def.DependsOn {
			base.Parents = append(base.Parents, engine.Parent{Name: p.Name, Field: p.Field})
		}
		switch def.Scope {
		case "tab":
			for _, tabID := range def.Tabs {
				v := base
				v.Scope = engine.TabScope(tabID)
				out = append(out, &v)
			}
		case "panel":
			for _, panelID := range def.Panels {
				v := base
				v.Scope = engine.PanelScope(panelID)
				out = append(out, &v)
			}
		default:
			v := base
			v.Scope = engine.GlobalScope()
			out = append(out, &v)
		}
	}
	return out
}

// EnginePanels converts panel definitions into engine panels, extracting
// $name variable references from each panel's query.
func (d *Document) EnginePanels() []engine.Panel {
	out := make([]engine.Panel, 0, len(d.Panels))
	for _, p := range d.Panels {
		out = append(out, engine.Panel{
			ID:    p.ID,
			TabID: p.TabID,
			Title: p.Title,
			Refs:  ExtractRefs(p.Query),
		})
	}
	return out
}

// refRe matches $name variable references in a panel query.
var refRe = regexp.MustCompile(`\$([a-zA-Z_][a-zA-Z0-9_]*)`)

// ExtractRefs returns the unique variable names referenced as $name in a
// query, in order of first appearance.
func ExtractRefs(query string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range refRe.FindAllStringSubmatch(query, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}
