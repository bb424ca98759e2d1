package pipeline

import "testing"

func TestParseVersion(t *testing.T) {
	cases := []struct {
		in      string
		want    Version
		wantErr bool
	}{
		{in: "1.2.3", want: Version{Interface: 1, Quality: 2, Revision: 3}},
		{in: "v1.2.3", want: Version{Interface: 1, Quality: 2, Revision: 3}},
		{in: " 10.0.7 ", want: Version{Interface: 10, Quality: 0, Revision: 7}},
		{in: "1.2", wantErr: true},
		{in: "1.2.3.4", wantErr: true},
		{in: "1.-2.3", wantErr: true},
		{in: "a.b.c", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, c := range cases {
		got, err := ParseVersion(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseVersion(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseVersion(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseVersion(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestVersionOrdering(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"2.0.0", "1.9.9", 1},
		{"1.1.0", "1.0.9", 1},
		{"1.0.1", "1.0.0", 1},
		{"1.0.0", "1.0.1", -1},
	}
	for _, c := range cases {
		a, _ := ParseVersion(c.a)
		b, _ := ParseVersion(c.b)
		if got := a.Compare(b); got != c.want {
			t.Errorf("Compare(%s, %s) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestVersionBumpsResetLowerFields(t *testing.T) {
	v := Version{Interface: 2, Quality: 3, Revision: 4}

	if got := v.BumpInterface(); got != (Version{Interface: 3}) {
		t.Errorf("BumpInterface = %v", got)
	}
	if got := v.BumpQuality(); got != (Version{Interface: 2, Quality: 4}) {
		t.Errorf("BumpQuality = %v", got)
	}
	if got := v.BumpRevision(); got != (Version{Interface: 2, Quality: 3, Revision: 5}) {
		t.Errorf("BumpRevision = %v", got)
	}
}

func TestVersionStringAndTag(t *testing.T) {
	v := Version{Interface: 1, Quality: 2, Revision: 3}
	if v.String() != "1.2.3" {
		t.Errorf("String = %q", v.String())
	}
	if v.Tag() != "v1.2.3" {
		t.Errorf("Tag = %q", v.Tag())
	}
}

func TestMaxVersion(t *testing.T) {
	if _, ok := MaxVersion(nil); ok {
		t.Fatal("empty slice must report not ok")
	}
	vs := []Version{{1, 0, 0}, {1, 2, 0}, {1, 1, 9}}
	max, ok := MaxVersion(vs)
	if !ok || max != (Version{1, 2, 0}) {
		t.Fatalf("MaxVersion = %v, %v", max, ok)
	}
}
