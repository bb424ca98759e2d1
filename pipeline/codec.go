package pipeline

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Codec synthesizes and parses filenames for catalog products, pinning the
// satellite/instrument/mission placeholders from each product's row.
type Codec struct {
	cat *Catalog

	mu        sync.Mutex
	templates map[uint]*FilenameTemplate
	contexts  map[uint]TemplateVars
}

func NewCodec(cat *Catalog) *Codec {
	return &Codec{
		cat:       cat,
		templates: make(map[uint]*FilenameTemplate),
		contexts:  make(map[uint]TemplateVars),
	}
}

// contextFor resolves the product's fixed placeholder values.
func (c *Codec) contextFor(p *Product) (TemplateVars, error) {
	c.mu.Lock()
	if vars, ok := c.contexts[p.ID]; ok {
		c.mu.Unlock()
		return vars, nil
	}
	c.mu.Unlock()

	vars := TemplateVars{Level: p.Level}
	inst, err := c.cat.InstrumentByID(p.InstrumentID)
	if err != nil {
		return vars, fmt.Errorf("product %q: %w", p.Name, err)
	}
	vars.Instrument = inst.Name
	sat, err := c.cat.SatelliteByID(inst.SatelliteID)
	if err != nil {
		return vars, fmt.Errorf("product %q: %w", p.Name, err)
	}
	vars.Satellite = sat.Name
	mission, err := c.cat.MissionByID(sat.MissionID)
	if err != nil {
		return vars, fmt.Errorf("product %q: %w", p.Name, err)
	}
	vars.Mission = mission.Name

	c.mu.Lock()
	c.contexts[p.ID] = vars
	c.mu.Unlock()
	return vars, nil
}

// TemplateFor returns the compiled parse template for a product, cached.
func (c *Codec) TemplateFor(p *Product) (*FilenameTemplate, error) {
	c.mu.Lock()
	if t, ok := c.templates[p.ID]; ok {
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	vars, err := c.contextFor(p)
	if err != nil {
		return nil, err
	}
	pinned := map[string]string{
		"sat":     vars.Satellite,
		"inst":    vars.Instrument,
		"mission": vars.Mission,
		"level":   formatLevel(vars.Level),
	}
	t, err := CompileTemplate(p.FormatTemplate, pinned)
	if err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}
	c.mu.Lock()
	c.templates[p.ID] = t
	c.mu.Unlock()
	return t, nil
}

// Synthesize produces the canonical filename for (product, date, version).
func (c *Codec) Synthesize(p *Product, date time.Time, v Version) (string, error) {
	vars, err := c.contextFor(p)
	if err != nil {
		return "", err
	}
	vars.Date = date
	vars.Version = v
	vars.NNN = "000"
	return SynthesizeFilename(p.FormatTemplate, vars)
}

// AbsolutePath is mission.root_dir / product.relative_path / filename.
func AbsolutePath(m *Mission, p *Product, filename string) string {
	return filepath.Join(m.RootDir, filepath.FromSlash(p.RelativePath), filename)
}

// ProductMatch is one product whose template matched a filename.
type ProductMatch struct {
	Product Product
	Parsed  ParsedName
	free    int
}

// Identify matches a filename against every product template. When several
// products match, the one with the fewest free wildcards wins; a tie fails
// with ErrAmbiguousMatch, no match fails with ErrNoMatch.
func (c *Codec) Identify(name string) (*ProductMatch, error) {
	matches, err := c.IdentifyAll(name)
	if err != nil {
		return nil, err
	}
	switch {
	case len(matches) == 0:
		return nil, fmt.Errorf("%w: %s", ErrNoMatch, name)
	case len(matches) == 1:
		return &matches[0], nil
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].free < matches[j].free })
	if matches[0].free == matches[1].free {
		names := make([]string, 0, len(matches))
		for _, m := range matches {
			if m.free == matches[0].free {
				names = append(names, m.Product.Name)
			}
		}
		return nil, fmt.Errorf("%w: %s matches %s", ErrAmbiguousMatch, name, strings.Join(names, ", "))
	}
	return &matches[0], nil
}

// IdentifyAll returns every matching product, unordered.
func (c *Codec) IdentifyAll(name string) ([]ProductMatch, error) {
	products, err := c.cat.Products()
	if err != nil {
		return nil, err
	}
	var matches []ProductMatch
	for _, p := range products {
		t, err := c.TemplateFor(&p)
		if err != nil {
			return nil, err
		}
		parsed, ok, err := t.Parse(name)
		if err != nil || !ok {
			continue
		}
		matches = append(matches, ProductMatch{Product: p, Parsed: *parsed, free: t.FreeWildcards})
	}
	return matches, nil
}
