package batchmail

import (
	"fmt"
	"html/template"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	textTemplate "text/template"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// TemplateEngineImpl implements the TemplateEngine interface. Names ending
// in .html are parsed with html/template, everything else with text/template.
type TemplateEngineImpl struct {
	config        TemplateConfig
	htmlTemplates map[string]*template.Template
	textTemplates map[string]*textTemplate.Template
	mutex         sync.RWMutex
}

// NewTemplateEngine creates a new template engine with the given configuration.
func NewTemplateEngine(config TemplateConfig) (TemplateEngine, error) {
	if len(config.Extension) == 0 {
		config.Extension = []string{".html", ".text"}
	}

	engine := &TemplateEngineImpl{
		config:        config,
		htmlTemplates: make(map[string]*template.Template),
		textTemplates: make(map[string]*textTemplate.Template),
	}

	if config.Directory != "" {
		if err := engine.LoadTemplatesFromDir(config.Directory); err != nil {
			return nil, fmt.Errorf("failed to load templates from directory: %w", err)
		}
	}

	return engine, nil
}

// Render renders a template with the provided data. It returns
// ErrTemplateNotFound when no template of that name is registered.
func (te *TemplateEngineImpl) Render(templateName string, data interface{}) (string, error) {
	te.mutex.RLock()
	defer te.mutex.RUnlock()

	if htmlTmpl, exists := te.htmlTemplates[templateName]; exists {
		var buf strings.Builder
		if err := htmlTmpl.Execute(&buf, data); err != nil {
			return "", NewTemplateError(templateName, "render", "failed to execute HTML template", err)
		}
		return buf.String(), nil
	}

	if textTmpl, exists := te.textTemplates[templateName]; exists {
		var buf strings.Builder
		if err := textTmpl.Execute(&buf, data); err != nil {
			return "", NewTemplateError(templateName, "render", "failed to execute text template", err)
		}
		return buf.String(), nil
	}

	return "", ErrTemplateNotFound
}

// RegisterTemplate registers a template with the given name and content.
func (te *TemplateEngineImpl) RegisterTemplate(name string, content string) error {
	te.mutex.Lock()
	defer te.mutex.Unlock()

	if strings.HasSuffix(name, ".html") {
		tmpl, err := template.New(name).Funcs(te.htmlFuncs()).Parse(content)
		if err != nil {
			return NewTemplateError(name, "parse", "failed to parse HTML template", err)
		}
		te.htmlTemplates[name] = tmpl
		return nil
	}

	tmpl, err := textTemplate.New(name).Funcs(textTemplate.FuncMap(sharedFuncs())).Parse(content)
	if err != nil {
		return NewTemplateError(name, "parse", "failed to parse text template", err)
	}
	te.textTemplates[name] = tmpl
	return nil
}

// LoadTemplatesFromDir registers every file with a configured extension.
// welcome.html registers "welcome.html"; promo/june.text registers "promo.june.text".
func (te *TemplateEngineImpl) LoadTemplatesFromDir(dir string) error {
	cleanDir := filepath.Clean(dir)

	return filepath.WalkDir(cleanDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		cleanPath := filepath.Clean(path)
		if !isPathWithinDir(cleanPath, cleanDir) {
			return fmt.Errorf("security error: path traversal detected: %s", path)
		}

		ext := filepath.Ext(path)
		if !te.hasExtension(ext) {
			return nil
		}

		content, err := os.ReadFile(cleanPath)
		if err != nil {
			return fmt.Errorf("failed to read template file %s: %w", cleanPath, err)
		}

		relativePath, err := filepath.Rel(cleanDir, cleanPath)
		if err != nil {
			return fmt.Errorf("failed to get relative path for %s: %w", path, err)
		}

		// The extension stays part of the name so the html and text bodies of
		// one template can coexist.
		templateName := strings.ReplaceAll(relativePath, string(filepath.Separator), ".")

		if err := te.RegisterTemplate(templateName, string(content)); err != nil {
			return fmt.Errorf("failed to register template %s: %w", templateName, err)
		}
		return nil
	})
}

func (te *TemplateEngineImpl) hasExtension(ext string) bool {
	for _, valid := range te.config.Extension {
		if ext == valid {
			return true
		}
	}
	return false
}

// sharedFuncs are available to both HTML and text templates.
func sharedFuncs() map[string]any {
	titleCaser := cases.Title(language.English)
	return map[string]any{
		"upper":     strings.ToUpper,
		"lower":     strings.ToLower,
		"title":     titleCaser.String,
		"trim":      strings.TrimSpace,
		"join":      strings.Join,
		"split":     strings.Split,
		"replace":   strings.ReplaceAll,
		"contains":  strings.Contains,
		"hasPrefix": strings.HasPrefix,
		"hasSuffix": strings.HasSuffix,
		"now":       time.Now,
		"formatTime": func(format string, t time.Time) string {
			return t.Format(format)
		},
		"default": func(defaultValue, value interface{}) interface{} {
			if value == nil || value == "" {
				return defaultValue
			}
			return value
		},
	}
}

// htmlFuncs returns the template functions for HTML templates.
func (te *TemplateEngineImpl) htmlFuncs() template.FuncMap {
	funcs := template.FuncMap(sharedFuncs())

	if te.config.AllowUnsafeFunctions {
		// These bypass auto-escaping. Opt-in only.
		funcs["unsafeHTML"] = func(s string) template.HTML {
			return template.HTML(s) // #nosec G203
		}
		funcs["unsafeURL"] = func(s string) template.URL {
			return template.URL(s) // #nosec G203
		}
	}

	return funcs
}

// isPathWithinDir checks if a given path is within the specified directory to prevent path traversal attacks.
func isPathWithinDir(path, dir string) bool {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}

	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}

	return !strings.HasPrefix(rel, "..")
}
