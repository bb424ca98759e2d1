package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Verdict is an inspector's positive answer: the file belongs to the product
// with these attributes. A nil *Verdict with a nil error is a well-formed
// negative, not a failure.
type Verdict struct {
	Version        Version
	FileDate       time.Time
	StartTime      time.Time
	StopTime       time.Time
	QualityChecked bool
}

// Inspector decides whether a path is an instance of one product.
// Implementations are read-only over the catalog.
type Inspector interface {
	Inspect(ctx context.Context, path string, args []string) (*Verdict, error)
}

// TemplateInspector recognizes files purely by the product's filename
// template. It is the binding for products without an external inspector.
type TemplateInspector struct {
	template *FilenameTemplate
}

func (t *TemplateInspector) Inspect(_ context.Context, path string, _ []string) (*Verdict, error) {
	parsed, ok, err := t.template.Parse(filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if !ok || !parsed.HasDate || !parsed.HasVersion {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	day := DateOnly(parsed.Date)
	return &Verdict{
		Version:   parsed.Version,
		FileDate:  day,
		StartTime: day,
		StopTime:  day.Add(24*time.Hour - time.Second),
	}, nil
}

// ExecInspector runs an external inspector executable. Contract: argv is
// the configured args followed by the absolute path; exit 0 with a JSON
// verdict on stdout is an accept, exit 1 is a well-formed negative, anything
// else is a fault.
type ExecInspector struct {
	Bin     string
	Timeout time.Duration
}

// execVerdict is the wire form of a verdict on the inspector's stdout.
type execVerdict struct {
	Version   string `json:"version"`
	FileDate  string `json:"file_date"`
	StartTime string `json:"start_time,omitempty"`
	StopTime  string `json:"stop_time,omitempty"`
	Quality   bool   `json:"quality_checked,omitempty"`
}

func (e *ExecInspector) Inspect(ctx context.Context, path string, args []string) (*Verdict, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := append(append([]string{}, args...), path)
	cmd := exec.CommandContext(ctx, e.Bin, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil // negative
		}
		return nil, fmt.Errorf("inspector %s: %w (stderr: %s)", e.Bin, err, strings.TrimSpace(stderr.String()))
	}

	var wire execVerdict
	if err := json.Unmarshal(stdout.Bytes(), &wire); err != nil {
		return nil, fmt.Errorf("inspector %s: bad verdict: %w", e.Bin, err)
	}
	v, err := ParseVersion(wire.Version)
	if err != nil {
		return nil, fmt.Errorf("inspector %s: %w", e.Bin, err)
	}
	day, err := time.ParseInLocation("2006-01-02", wire.FileDate, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("inspector %s: bad file_date %q", e.Bin, wire.FileDate)
	}
	verdict := &Verdict{
		Version:        v,
		FileDate:       day,
		StartTime:      day,
		StopTime:       day.Add(24*time.Hour - time.Second),
		QualityChecked: wire.Quality,
	}
	if wire.StartTime != "" {
		if t, err := time.Parse(time.RFC3339, wire.StartTime); err == nil {
			verdict.StartTime = t.UTC()
		}
	}
	if wire.StopTime != "" {
		if t, err := time.Parse(time.RFC3339, wire.StopTime); err == nil {
			verdict.StopTime = t.UTC()
		}
	}
	return verdict, nil
}

// InspectorHost binds products to inspectors, caches the bindings and
// isolates inspector faults to the single candidate file.
type InspectorHost struct {
	codec *Codec

	mu       sync.Mutex
	bindings map[uint]Inspector
}

func NewInspectorHost(codec *Codec) *InspectorHost {
	return &InspectorHost{codec: codec, bindings: make(map[uint]Inspector)}
}

// Bind overrides the inspector for a product. Used by tests and embedded
// deployments.
func (h *InspectorHost) Bind(productID uint, insp Inspector) {
	h.mu.Lock()
	h.bindings[productID] = insp
	h.mu.Unlock()
}

func (h *InspectorHost) inspectorFor(p *Product) (Inspector, error) {
	h.mu.Lock()
	if insp, ok := h.bindings[p.ID]; ok {
		h.mu.Unlock()
		return insp, nil
	}
	h.mu.Unlock()

	var insp Inspector
	if strings.TrimSpace(p.InspectorPath) != "" {
		insp = &ExecInspector{Bin: p.InspectorPath}
	} else {
		t, err := h.codec.TemplateFor(p)
		if err != nil {
			return nil, err
		}
		insp = &TemplateInspector{template: t}
	}
	h.mu.Lock()
	h.bindings[p.ID] = insp
	h.mu.Unlock()
	return insp, nil
}

// Inspect runs the product's inspector on path. Faults (including panics in
// embedded inspectors) come back as *InspectorFault.
func (h *InspectorHost) Inspect(ctx context.Context, p *Product, path string) (verdict *Verdict, err error) {
	insp, bindErr := h.inspectorFor(p)
	if bindErr != nil {
		return nil, &InspectorFault{Product: p.Name, Path: path, Err: bindErr}
	}
	defer func() {
		if r := recover(); r != nil {
			verdict = nil
			err = &InspectorFault{Product: p.Name, Path: path, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	v, inspErr := insp.Inspect(ctx, path, strings.Fields(p.InspectorArgs))
	if inspErr != nil {
		return nil, &InspectorFault{Product: p.Name, Path: path, Err: inspErr}
	}
	return v, nil
}
