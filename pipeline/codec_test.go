package pipeline

import (
	"errors"
	"testing"
	"time"
)

func TestCodec_SynthesizeUsesProductContext(t *testing.T) {
	fx := newFixture(t)
	codec := NewCodec(fx.cat)

	name, err := codec.Synthesize(fx.l1, testDay, Version{1, 0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if name != "tha_fgm_l1_20260310_v1.0.0.cdf" {
		t.Fatalf("name = %q", name)
	}
}

func TestCodec_Identify(t *testing.T) {
	fx := newFixture(t)
	codec := NewCodec(fx.cat)

	match, err := codec.Identify("tha_fgm_l0_20260310_v1.0.0.dat")
	if err != nil {
		t.Fatal(err)
	}
	if match.Product.ID != fx.l0.ID {
		t.Fatalf("matched product %d, want %d", match.Product.ID, fx.l0.ID)
	}
	if !match.Parsed.Date.Equal(testDay) {
		t.Errorf("date = %v", match.Parsed.Date)
	}
	if match.Parsed.Version != (Version{1, 0, 0}) {
		t.Errorf("version = %v", match.Parsed.Version)
	}

	_, err = codec.Identify("no_such_shape.bin")
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}

func TestCodec_IdentifyPrefersFewerWildcards(t *testing.T) {
	fx := newFixture(t)

	// A looser template that also matches L0 names: the year plus a free
	// counter absorb what the L0 template reads as a full date, costing one
	// extra free wildcard. The tighter L0 template must win.
	loose := &Product{
		Name:           "tha_fgm_raw",
		InstrumentID:   fx.inst.ID,
		RelativePath:   "raw",
		Level:          0,
		FormatTemplate: "{sat}_{inst}_l0_{date:%Y}{nnn}0_{v}.dat",
	}
	if err := fx.cat.AddProduct(loose); err != nil {
		t.Fatal(err)
	}

	codec := NewCodec(fx.cat)
	match, err := codec.Identify("tha_fgm_l0_20260310_v1.0.0.dat")
	if err != nil {
		t.Fatal(err)
	}
	if match.Product.ID != fx.l0.ID {
		t.Fatalf("expected the tighter template to win, matched %q", match.Product.Name)
	}
}

func TestCodec_IdentifyAmbiguous(t *testing.T) {
	fx := newFixture(t)

	twin := &Product{
		Name:           "tha_fgm_l0_copy",
		InstrumentID:   fx.inst.ID,
		RelativePath:   "l0copy",
		Level:          0,
		FormatTemplate: fx.l0.FormatTemplate,
	}
	if err := fx.cat.AddProduct(twin); err != nil {
		t.Fatal(err)
	}

	codec := NewCodec(fx.cat)
	_, err := codec.Identify("tha_fgm_l0_20260310_v1.0.0.dat")
	if !errors.Is(err, ErrAmbiguousMatch) {
		t.Fatalf("expected ErrAmbiguousMatch, got %v", err)
	}
}

func TestCodec_RoundTripEveryProduct(t *testing.T) {
	fx := newFixture(t)
	codec := NewCodec(fx.cat)

	for _, p := range []*Product{fx.l0, fx.l1} {
		v := Version{2, 1, 3}
		d := time.Date(2026, 7, 4, 0, 0, 0, 0, time.UTC)
		name, err := codec.Synthesize(p, d, v)
		if err != nil {
			t.Fatalf("%s: %v", p.Name, err)
		}
		match, err := codec.Identify(name)
		if err != nil {
			t.Fatalf("%s: %v", p.Name, err)
		}
		if match.Product.ID != p.ID {
			t.Errorf("%s: round trip matched %q", p.Name, match.Product.Name)
		}
		if match.Parsed.Version != v || !match.Parsed.Date.Equal(d) {
			t.Errorf("%s: parsed %v %v", p.Name, match.Parsed.Version, match.Parsed.Date)
		}
	}
}
