package render

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/beacon-ops/gwfailover/internal/registry"
)

// DefaultPlaceholder is the token substituted with the connection string.
const DefaultPlaceholder = "${COUCHBASE_SERVER}"

// TemplateError means the template could not be read or is unusable.
type TemplateError struct {
	Path string
	Err  error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %s: %v", e.Path, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// IOError means the rendered config could not be published.
type IOError struct {
	Path string
	Op   string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("render %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Rendered describes the config file most recently published.
type Rendered struct {
	TemplatePath string             `json:"template_path"`
	Candidate    registry.Candidate `json:"candidate"`
	Path         string             `json:"path"`
	RenderedAt   time.Time          `json:"rendered_at"`
}

// Renderer substitutes a candidate into the template and publishes the
// result at OutputPath.
type Renderer struct {
	TemplatePath string
	OutputPath   string
	Placeholder  string
	FileMode     os.FileMode
}

func New(templatePath, outputPath string) *Renderer {
	return &Renderer{TemplatePath: templatePath, OutputPath: outputPath}
}

func (r *Renderer) placeholder() string {
	if r.Placeholder == "" {
		return DefaultPlaceholder
	}
	return r.Placeholder
}

// Check verifies the template is readable and contains the placeholder.
func (r *Renderer) Check() error {
	_, err := r.load()
	return err
}

func (r *Renderer) load() (string, error) {
	b, err := os.ReadFile(filepath.Clean(r.TemplatePath))
	if err != nil {
		return "", &TemplateError{Path: r.TemplatePath, Err: err}
	}
	tpl := string(b)
	if !strings.Contains(tpl, r.placeholder()) {
		return "", &TemplateError{Path: r.TemplatePath, Err: fmt.Errorf("placeholder %s not found", r.placeholder())}
	}
	return tpl, nil
}

// Render writes the template with every placeholder replaced by c's
// connection string. The destination is replaced atomically; readers see
// either the previous file or the complete new one.
func (r *Renderer) Render(c registry.Candidate) (Rendered, error) {
	tpl, err := r.load()
	if err != nil {
		return Rendered{}, err
	}
	out := strings.ReplaceAll(tpl, r.placeholder(), c.ConnString())
	if err := r.publish([]byte(out)); err != nil {
		return Rendered{}, err
	}
	return Rendered{
		TemplatePath: r.TemplatePath,
		Candidate:    c,
		Path:         r.OutputPath,
		RenderedAt:   time.Now(),
	}, nil
}

func (r *Renderer) publish(data []byte) error {
	dir := filepath.Dir(r.OutputPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return &IOError{Path: dir, Op: "mkdir", Err: err}
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(r.OutputPath)+".*")
	if err != nil {
		return &IOError{Path: dir, Op: "create", Err: err}
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return &IOError{Path: tmpName, Op: "write", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		return &IOError{Path: tmpName, Op: "sync", Err: err}
	}
	mode := r.FileMode
	if mode == 0 {
		mode = 0o644
	}
	if err := tmp.Chmod(mode); err != nil {
		return &IOError{Path: tmpName, Op: "chmod", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &IOError{Path: tmpName, Op: "close", Err: err}
	}
	if err := os.Rename(tmpName, r.OutputPath); err != nil {
		return &IOError{Path: r.OutputPath, Op: "rename", Err: err}
	}
	ok = true
	syncDir(dir)
	return nil
}

// syncDir makes the rename durable where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(filepath.Clean(dir))
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
