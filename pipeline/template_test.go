package pipeline

import (
	"testing"
	"time"
)

var templateVars = TemplateVars{
	Date:       time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
	Version:    Version{Interface: 1, Quality: 2, Revision: 0},
	Satellite:  "tha",
	Instrument: "fgm",
	Mission:    "themis",
	Level:      1,
	NNN:        "001",
}

func TestSynthesizeFilename(t *testing.T) {
	cases := []struct {
		tmpl string
		want string
	}{
		{"{sat}_{inst}_{date}_{v}.cdf", "tha_fgm_20260310_v1.2.0.cdf"},
		{"{mission}_L{level}_{date:%Y-%m-%d}.dat", "themis_L1_2026-03-10.dat"},
		{"{sat}_{date:%y%j}_{nnn}.pkt", "tha_26069_001.pkt"},
		{"plain_literal.txt", "plain_literal.txt"},
	}
	for _, c := range cases {
		got, err := SynthesizeFilename(c.tmpl, templateVars)
		if err != nil {
			t.Errorf("%q: %v", c.tmpl, err)
			continue
		}
		if got != c.want {
			t.Errorf("%q = %q, want %q", c.tmpl, got, c.want)
		}
	}
}

func TestSynthesizeFilename_Errors(t *testing.T) {
	for _, tmpl := range []string{
		"{bogus}_x",
		"{date:%Q}",
		"unterminated_{date",
	} {
		if _, err := SynthesizeFilename(tmpl, templateVars); err == nil {
			t.Errorf("%q: expected error", tmpl)
		}
	}
}

func TestTemplateRoundTrip(t *testing.T) {
	tmpl := "{sat}_{inst}_l1_{date}_{v}.cdf"
	name, err := SynthesizeFilename(tmpl, templateVars)
	if err != nil {
		t.Fatal(err)
	}

	ft, err := CompileTemplate(tmpl, nil)
	if err != nil {
		t.Fatal(err)
	}
	parsed, ok, err := ft.Parse(name)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("synthesized name %q did not parse back", name)
	}
	if !parsed.HasDate || !parsed.Date.Equal(templateVars.Date) {
		t.Errorf("date = %v, want %v", parsed.Date, templateVars.Date)
	}
	if !parsed.HasVersion || parsed.Version != templateVars.Version {
		t.Errorf("version = %v, want %v", parsed.Version, templateVars.Version)
	}
	if parsed.Satellite != "tha" {
		t.Errorf("satellite = %q", parsed.Satellite)
	}
}

func TestCompileTemplate_PinnedPlaceholders(t *testing.T) {
	tmpl := "{sat}_{inst}_{date}_{v}.cdf"

	free, err := CompileTemplate(tmpl, nil)
	if err != nil {
		t.Fatal(err)
	}
	pinned, err := CompileTemplate(tmpl, map[string]string{"sat": "tha", "inst": "fgm"})
	if err != nil {
		t.Fatal(err)
	}

	// Pinning turns placeholders into literals: fewer free wildcards, and
	// other satellites stop matching.
	if free.FreeWildcards != 4 {
		t.Errorf("unpinned FreeWildcards = %d, want 4", free.FreeWildcards)
	}
	if pinned.FreeWildcards != 2 {
		t.Errorf("pinned FreeWildcards = %d, want 2", pinned.FreeWildcards)
	}

	if _, ok, _ := pinned.Parse("thb_fgm_20260310_v1.0.0.cdf"); ok {
		t.Error("pinned template must not match another satellite")
	}
	if _, ok, _ := pinned.Parse("tha_fgm_20260310_v1.0.0.cdf"); !ok {
		t.Error("pinned template must match its own satellite")
	}
}

func TestParse_NoMatchAndBadField(t *testing.T) {
	ft, err := CompileTemplate("{sat}_{date}_{v}.dat", nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok, err := ft.Parse("completely_different.txt"); ok || err != nil {
		t.Errorf("expected clean no-match, got ok=%v err=%v", ok, err)
	}

	// Matches the shape but the date digits are not a calendar date.
	if _, _, err := ft.Parse("tha_20269999_v1.0.0.dat"); err == nil {
		t.Error("expected a field error for impossible date")
	}
}

func TestStrftimeGoLayout(t *testing.T) {
	cases := []struct {
		format string
		want   string
	}{
		{"%Y%m%d", "20060102"},
		{"%Y-%m-%dT%H:%M:%S", "2006-01-02T15:04:05"},
		{"%y%j", "06002"},
		{"100%%", "100%"},
	}
	for _, c := range cases {
		got, err := strftimeGoLayout(c.format)
		if err != nil {
			t.Errorf("%q: %v", c.format, err)
			continue
		}
		if got != c.want {
			t.Errorf("%q = %q, want %q", c.format, got, c.want)
		}
	}
	if _, err := strftimeGoLayout("%Y%"); err == nil {
		t.Error("trailing %% must error")
	}
}
