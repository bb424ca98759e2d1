package pipeline

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RunLock is the catalog-backed mutual exclusion for processing passes.
// The lock is a Log row with CurrentlyProcessing set; holding it records
// who is running where, so a stale lock can be judged before clearing.
type RunLock struct {
	cat *Catalog
}

func NewRunLock(cat *Catalog) *RunLock {
	return &RunLock{cat: cat}
}

// Acquire takes the processing lock for a mission. It returns ErrLockHeld,
// wrapped with the holder's identity, when another run is active. The unique
// index on active log rows is the backstop: when two acquirers race past the
// check, the loser's insert fails and is reported as the lock being held.
func (l *RunLock) Acquire(missionID uint) (*Log, error) {
	entry := &Log{
		RunID:               uuid.NewString(),
		PID:                 os.Getpid(),
		User:                currentUsername(),
		Host:                currentHostname(),
		MissionID:           missionID,
		CurrentlyProcessing: true,
		StartTime:           time.Now().UTC(),
	}
	err := l.cat.db.Transaction(func(tx *gorm.DB) error {
		var holder Log
		res := tx.Where("mission_id = ? AND currently_processing = ?", missionID, true).
			First(&holder)
		if res.Error == nil {
			return lockHeldBy(&holder)
		}
		if res.Error != gorm.ErrRecordNotFound {
			return res.Error
		}
		return tx.Create(entry).Error
	})
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return nil, err
		}
		// The insert can lose a race to a concurrent acquirer. If someone
		// holds the lock now, that is the real cause of the failure.
		if holder, herr := l.Current(missionID); herr == nil && holder != nil {
			return nil, lockHeldBy(holder)
		}
		return nil, err
	}
	return entry, nil
}

func lockHeldBy(holder *Log) error {
	return fmt.Errorf("%w: run %s by %s@%s (pid %d) since %s",
		ErrLockHeld, holder.RunID, holder.User, holder.Host, holder.PID,
		holder.StartTime.Format(time.RFC3339))
}

// Release ends a run normally. The row stays as history with the outcome
// note; only the processing flag drops.
func (l *RunLock) Release(entry *Log, comment string) error {
	now := time.Now().UTC()
	return l.cat.db.Model(&Log{}).
		Where("id = ? AND currently_processing = ?", entry.ID, true).
		Updates(map[string]any{
			"currently_processing": false,
			"end_time":             now,
			"comment":              comment,
		}).Error
}

// Clear force-releases a lock that outlived its run, e.g. after a crash.
// The comment is mandatory: whoever clears a lock says why.
func (l *RunLock) Clear(missionID uint, comment string) (*Log, error) {
	if comment == "" {
		return nil, &ConfigError{Reason: "clearing a run lock requires a comment"}
	}
	var holder Log
	err := l.cat.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("mission_id = ? AND currently_processing = ?", missionID, true).
			First(&holder)
		if res.Error == gorm.ErrRecordNotFound {
			return &ConfigError{Reason: "no run lock to clear"}
		}
		if res.Error != nil {
			return res.Error
		}
		return tx.Model(&holder).Updates(map[string]any{
			"currently_processing": false,
			"end_time":             time.Now().UTC(),
			"comment":              "cleared: " + comment,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &holder, nil
}

// Current returns the active lock for a mission, or nil.
func (l *RunLock) Current(missionID uint) (*Log, error) {
	var holder Log
	err := l.cat.db.Where("mission_id = ? AND currently_processing = ?", missionID, true).
		First(&holder).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &holder, nil
}

// Stale reports whether a lock's holder looks dead: same host with the pid
// gone. A lock held on another host is never judged stale from here.
func (l *RunLock) Stale(entry *Log) bool {
	if entry.Host != currentHostname() {
		return false
	}
	proc, err := os.FindProcess(entry.PID)
	if err != nil {
		return true
	}
	// Signal 0 probes for existence without touching the process.
	return proc.Signal(syscall.Signal(0)) != nil
}

func currentUsername() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}

func currentHostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}
