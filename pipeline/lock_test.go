package pipeline

import (
	"errors"
	"testing"
	"time"
)

func TestRunLock_AcquireReleaseCycle(t *testing.T) {
	fx := newFixture(t)
	lock := NewRunLock(fx.cat)

	entry, err := lock.Acquire(fx.mission.ID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.RunID == "" || !entry.CurrentlyProcessing {
		t.Fatalf("bad lock entry %+v", entry)
	}

	// Second acquire must contend.
	if _, err := lock.Acquire(fx.mission.ID); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}

	if err := lock.Release(entry, "run complete"); err != nil {
		t.Fatal(err)
	}
	cur, err := lock.Current(fx.mission.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur != nil {
		t.Fatal("released lock must not be current")
	}

	// Released lock frees the mission for the next run.
	if _, err := lock.Acquire(fx.mission.ID); err != nil {
		t.Fatal(err)
	}
}

func TestRunLock_PerMission(t *testing.T) {
	fx := newFixture(t)
	other := &Mission{Name: "goes", RootDir: fx.mission.RootDir}
	if err := fx.cat.AddMission(other); err != nil {
		t.Fatal(err)
	}
	lock := NewRunLock(fx.cat)

	if _, err := lock.Acquire(fx.mission.ID); err != nil {
		t.Fatal(err)
	}
	// A different mission's runs are independent.
	if _, err := lock.Acquire(other.ID); err != nil {
		t.Fatal(err)
	}
}

func TestRunLock_UniqueIndexBacksLock(t *testing.T) {
	fx := newFixture(t)
	lock := NewRunLock(fx.cat)

	entry, err := lock.Acquire(fx.mission.ID)
	if err != nil {
		t.Fatal(err)
	}

	// A second active row for the mission must be rejected by the schema,
	// not just by Acquire's check.
	dup := &Log{
		RunID:               "raced-run",
		PID:                 1,
		MissionID:           fx.mission.ID,
		CurrentlyProcessing: true,
		StartTime:           time.Now().UTC(),
	}
	if err := fx.cat.db.Create(dup).Error; err == nil {
		t.Fatal("second active run row must violate the run lock index")
	}

	// Finished runs are unconstrained history.
	now := time.Now().UTC()
	done := &Log{
		RunID:     "finished-run",
		PID:       1,
		MissionID: fx.mission.ID,
		StartTime: now,
		EndTime:   &now,
	}
	if err := fx.cat.db.Create(done).Error; err != nil {
		t.Fatal(err)
	}

	if err := lock.Release(entry, "run complete"); err != nil {
		t.Fatal(err)
	}
}

func TestRunLock_ClearRequiresComment(t *testing.T) {
	fx := newFixture(t)
	lock := NewRunLock(fx.cat)

	if _, err := lock.Acquire(fx.mission.ID); err != nil {
		t.Fatal(err)
	}

	var cfgErr *ConfigError
	if _, err := lock.Clear(fx.mission.ID, ""); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for empty comment, got %v", err)
	}

	cleared, err := lock.Clear(fx.mission.ID, "operator crash cleanup")
	if err != nil {
		t.Fatal(err)
	}
	if cleared.RunID == "" {
		t.Fatal("cleared entry must carry the run id")
	}

	// Nothing left to clear.
	if _, err := lock.Clear(fx.mission.ID, "again"); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for absent lock, got %v", err)
	}
}

func TestRunLock_StaleDetection(t *testing.T) {
	fx := newFixture(t)
	lock := NewRunLock(fx.cat)

	entry, err := lock.Acquire(fx.mission.ID)
	if err != nil {
		t.Fatal(err)
	}
	// Held by this live process: not stale.
	if lock.Stale(entry) {
		t.Fatal("live holder must not be judged stale")
	}

	// Another host cannot be probed, so it is never stale from here.
	entry.Host = "somewhere-else"
	if lock.Stale(entry) {
		t.Fatal("remote holder must not be judged stale")
	}

	// Same host, long-dead pid.
	entry.Host = currentHostname()
	entry.PID = 99999999
	if !lock.Stale(entry) {
		t.Fatal("dead pid on this host must be judged stale")
	}
}
