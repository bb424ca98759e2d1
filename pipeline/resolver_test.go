package pipeline

import (
	"testing"
	"time"
)

func TestResolverWindow(t *testing.T) {
	fx := newFixture(t)
	res := NewResolver(fx.cat)

	day := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	cases := []struct {
		tb          Timebase
		date        time.Time
		start, stop time.Time
	}{
		{TimebaseFile, day(2026, 3, 10), day(2026, 3, 10), day(2026, 3, 10)},
		{TimebaseDaily, day(2026, 3, 10), day(2026, 3, 10), day(2026, 3, 10)},
		// 2026-03-10 is a Tuesday; the ISO week runs Mon 9th..Sun 15th.
		{TimebaseWeekly, day(2026, 3, 10), day(2026, 3, 9), day(2026, 3, 15)},
		// A Sunday belongs to the week that started the previous Monday.
		{TimebaseWeekly, day(2026, 3, 15), day(2026, 3, 9), day(2026, 3, 15)},
		{TimebaseMonthly, day(2026, 2, 14), day(2026, 2, 1), day(2026, 2, 28)},
		{TimebaseYearly, day(2026, 7, 4), day(2026, 1, 1), day(2026, 12, 31)},
	}
	for _, c := range cases {
		start, stop, err := res.Window(c.tb, c.date)
		if err != nil {
			t.Errorf("%s %s: %v", c.tb, c.date.Format("2006-01-02"), err)
			continue
		}
		if !start.Equal(c.start) || !stop.Equal(c.stop) {
			t.Errorf("%s %s: window %s..%s, want %s..%s", c.tb, c.date.Format("2006-01-02"),
				start.Format("2006-01-02"), stop.Format("2006-01-02"),
				c.start.Format("2006-01-02"), c.stop.Format("2006-01-02"))
		}
	}

	if _, _, err := res.Window(Timebase("HOURLY"), day(2026, 3, 10)); err == nil {
		t.Error("unknown timebase must error")
	}
}

func TestResolverWindow_RunTracksCatalog(t *testing.T) {
	fx := newFixture(t)
	res := NewResolver(fx.cat)

	// Empty catalog: RUN collapses to the requested day.
	start, stop, err := res.Window(TimebaseRun, testDay)
	if err != nil {
		t.Fatal(err)
	}
	if !start.Equal(testDay) || !stop.Equal(testDay) {
		t.Fatalf("empty-catalog RUN window %s..%s", start, stop)
	}

	fx.addL0File(t, testDay, Version{1, 0, 0}, false)
	fx.addL0File(t, testDay.AddDate(0, 0, 9), Version{1, 0, 0}, false)

	// The window is re-evaluated per call, so it grows with the catalog.
	start, stop, err = res.Window(TimebaseRun, testDay)
	if err != nil {
		t.Fatal(err)
	}
	if !start.Equal(testDay) || !stop.Equal(testDay.AddDate(0, 0, 9)) {
		t.Fatalf("RUN window %s..%s", start, stop)
	}
}

func TestResolverResolve(t *testing.T) {
	fx := newFixture(t)
	res := NewResolver(fx.cat)

	ri, err := res.Resolve(fx.proc, testDay)
	if err != nil {
		t.Fatal(err)
	}
	if len(ri.MissingRequired) != 1 || ri.MissingRequired[0] != fx.l0.ID {
		t.Fatalf("expected l0 reported missing, got %v", ri.MissingRequired)
	}

	old := fx.addL0File(t, testDay, Version{1, 0, 0}, false)
	cur := fx.addL0File(t, testDay, Version{1, 1, 0}, false)

	ri, err = res.Resolve(fx.proc, testDay)
	if err != nil {
		t.Fatal(err)
	}
	if len(ri.MissingRequired) != 0 {
		t.Fatalf("unexpected missing %v", ri.MissingRequired)
	}
	if len(ri.Parents) != 1 || ri.Parents[0].ID != cur.ID {
		t.Fatalf("expected only the newest parent %d, got %+v", cur.ID, ri.Parents)
	}
	_ = old
}

func TestResolverResolve_OptionalInput(t *testing.T) {
	fx := newFixture(t)

	hk := &Product{
		Name:           "tha_fgm_hk",
		InstrumentID:   fx.inst.ID,
		RelativePath:   "hk",
		Level:          0,
		FormatTemplate: "{sat}_{inst}_hk_{date}_{v}.dat",
	}
	if err := fx.cat.AddProduct(hk); err != nil {
		t.Fatal(err)
	}
	l1b := &Product{
		Name:           "tha_fgm_l1b",
		InstrumentID:   fx.inst.ID,
		RelativePath:   "l1b",
		Level:          1,
		FormatTemplate: "{sat}_{inst}_l1b_{date}_{v}.cdf",
	}
	if err := fx.cat.AddProduct(l1b); err != nil {
		t.Fatal(err)
	}
	proc := &Process{Name: "l0_hk_to_l1b", OutputProductID: l1b.ID, OutputTimebase: TimebaseDaily}
	err := fx.cat.AddProcess(proc, []ProductProcessLink{
		{InputProductID: fx.l0.ID},
		{InputProductID: hk.ID, Optional: true},
	})
	if err != nil {
		t.Fatal(err)
	}

	fx.addL0File(t, testDay, Version{1, 0, 0}, false)

	res := NewResolver(fx.cat)
	ri, err := res.Resolve(proc, testDay)
	if err != nil {
		t.Fatal(err)
	}
	if len(ri.MissingRequired) != 0 {
		t.Fatalf("optional absence must not block: %v", ri.MissingRequired)
	}
	if len(ri.MissingOptional) != 1 || ri.MissingOptional[0] != hk.ID {
		t.Fatalf("expected hk reported optional-missing, got %v", ri.MissingOptional)
	}
	if len(ri.Parents) != 1 {
		t.Fatalf("parents = %+v", ri.Parents)
	}
}

func TestFingerprint(t *testing.T) {
	parents := []File{
		{ID: 1, ProductID: 10, InterfaceVersion: 1},
		{ID: 2, ProductID: 11, InterfaceVersion: 1, QualityVersion: 2},
	}
	code := &Code{InterfaceVersion: 1}

	base := Fingerprint(parents, code)

	// Order-independent over the parent set.
	swapped := []File{parents[1], parents[0]}
	if Fingerprint(swapped, code) != base {
		t.Error("fingerprint must not depend on parent order")
	}

	// Sensitive to parent version, parent identity and code version.
	bumped := []File{parents[0], parents[1]}
	bumped[1].QualityVersion = 3
	if Fingerprint(bumped, code) == base {
		t.Error("fingerprint must change with a parent version")
	}
	replaced := []File{parents[0], {ID: 9, ProductID: 11, InterfaceVersion: 1, QualityVersion: 2}}
	if Fingerprint(replaced, code) == base {
		t.Error("fingerprint must change when a parent file is replaced")
	}
	newCode := &Code{InterfaceVersion: 1, RevisionVersion: 1}
	if Fingerprint(parents, newCode) == base {
		t.Error("fingerprint must change with the code version")
	}
}

func TestNewestDependencies(t *testing.T) {
	fx := newFixture(t)
	res := NewResolver(fx.cat)

	parent := fx.addL0File(t, testDay, Version{1, 0, 0}, false)
	out := &File{Filename: "tha_fgm_l1_20260310_v1.0.0.cdf", ProductID: fx.l1.ID, UTCFileDate: testDay}
	out.SetVersion(Version{1, 0, 0})
	if err := fx.cat.CommitDerivedFile(out, []uint{parent.ID}, fx.code.ID); err != nil {
		t.Fatal(err)
	}

	ok, err := res.NewestDependencies(out)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("dependencies should be newest right after the build")
	}

	// A newer L0 arrives: the recorded parent is no longer newest.
	fx.addL0File(t, testDay, Version{1, 1, 0}, false)
	ok, err = res.NewestDependencies(out)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("stale dependency must be detected")
	}
}
