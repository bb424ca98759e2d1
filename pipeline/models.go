package pipeline

import "time"

// Timebase is the temporal granularity at which a process groups inputs.
type Timebase string

const (
	TimebaseFile    Timebase = "FILE"
	TimebaseDaily   Timebase = "DAILY"
	TimebaseWeekly  Timebase = "WEEKLY"
	TimebaseMonthly Timebase = "MONTHLY"
	TimebaseYearly  Timebase = "YEARLY"
	TimebaseRun     Timebase = "RUN"
)

func (t Timebase) Valid() bool {
	switch t {
	case TimebaseFile, TimebaseDaily, TimebaseWeekly, TimebaseMonthly, TimebaseYearly, TimebaseRun:
		return true
	}
	return false
}

type Mission struct {
	ID      uint   `gorm:"primaryKey"`
	Name    string `gorm:"uniqueIndex;size:128"`
	RootDir string `gorm:"size:1024"`
}

type Satellite struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex:uniq_sat_mission;size:128"`
	MissionID uint   `gorm:"uniqueIndex:uniq_sat_mission;index"`
}

type Instrument struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"uniqueIndex:uniq_inst_sat;size:128"`
	SatelliteID uint   `gorm:"uniqueIndex:uniq_inst_sat;index"`
}

// Product is a named class of files. FormatTemplate is the filename pattern
// with {name[:fmt]} placeholders. InspectorPath names an external inspector
// executable; when empty the filename codec itself acts as the inspector.
type Product struct {
	ID             uint   `gorm:"primaryKey"`
	Name           string `gorm:"uniqueIndex;size:128"`
	InstrumentID   uint   `gorm:"index"`
	RelativePath   string `gorm:"size:1024"`
	Level          float64
	FormatTemplate string `gorm:"size:512"`
	SuperProductID *uint
	InspectorPath  string `gorm:"size:1024"`
	InspectorArgs  string `gorm:"size:1024"`
}

// Process has exactly one output product and one or more input products
// declared via ProductProcessLink rows.
type Process struct {
	ID              uint   `gorm:"primaryKey"`
	Name            string `gorm:"uniqueIndex;size:128"`
	OutputProductID uint   `gorm:"uniqueIndex"`
	OutputTimebase  Timebase `gorm:"size:16"`
}

// ProductProcessLink declares one input product of a process.
type ProductProcessLink struct {
	ProcessID      uint `gorm:"primaryKey;autoIncrement:false"`
	InputProductID uint `gorm:"primaryKey;autoIncrement:false"`
	Optional       bool
}

// Code is a concrete external executable implementing a process. Exactly one
// code per process is active and newest on any calendar date in
// [StartDate, StopDate).
type Code struct {
	ID                     uint   `gorm:"primaryKey"`
	Filename               string `gorm:"size:256"`
	RelativePath           string `gorm:"size:1024"`
	ProcessID              uint   `gorm:"index"`
	InterfaceVersion       int
	QualityVersion         int
	RevisionVersion        int
	OutputInterfaceVersion int
	StartDate              time.Time `gorm:"index"`
	StopDate               time.Time `gorm:"index"`
	Active                 bool      `gorm:"index"`
	NewestVersion          bool      `gorm:"index"`
	Arguments              string    `gorm:"size:1024"`
	DateWritten            time.Time
	MD5                    string `gorm:"size:32"`
}

func (c *Code) Version() Version {
	return Version{Interface: c.InterfaceVersion, Quality: c.QualityVersion, Revision: c.RevisionVersion}
}

func (c *Code) SetVersion(v Version) {
	c.InterfaceVersion = v.Interface
	c.QualityVersion = v.Quality
	c.RevisionVersion = v.Revision
}

// File is one catalog row per physical file version. Rows are never deleted;
// ExistsOnDisk=false records supersession or vanished files. At most one row
// per (ProductID, UTCFileDate) has NewestVersion=true.
type File struct {
	ID                uint      `gorm:"primaryKey"`
	Filename          string    `gorm:"uniqueIndex;size:512"`
	ProductID         uint      `gorm:"index:idx_product_date"`
	UTCFileDate       time.Time `gorm:"index:idx_product_date"`
	UTCStartTime      time.Time
	UTCStopTime       time.Time
	InterfaceVersion  int
	QualityVersion    int
	RevisionVersion   int
	ExistsOnDisk      bool `gorm:"index"`
	NewestVersion     bool `gorm:"index"`
	MD5               string `gorm:"size:32"`
	VerboseProvenance string `gorm:"type:text"`
	QualityChecked    bool
	InputFingerprint  string `gorm:"size:32"`
}

func (f *File) Version() Version {
	return Version{Interface: f.InterfaceVersion, Quality: f.QualityVersion, Revision: f.RevisionVersion}
}

func (f *File) SetVersion(v Version) {
	f.InterfaceVersion = v.Interface
	f.QualityVersion = v.Quality
	f.RevisionVersion = v.Revision
}

// FileFileLink is a directed provenance edge from an input file to the file
// it helped produce. The graph is acyclic.
type FileFileLink struct {
	SourceFileID    uint `gorm:"primaryKey;autoIncrement:false"`
	ResultingFileID uint `gorm:"primaryKey;autoIncrement:false"`
}

// FileCodeLink records which code produced a file.
type FileCodeLink struct {
	ResultingFileID uint `gorm:"primaryKey;autoIncrement:false"`
	SourceCodeID    uint `gorm:"primaryKey;autoIncrement:false"`
}

// Log is the run log. At most one row per mission has
// CurrentlyProcessing=true; that row is the run lock.
type Log struct {
	ID                  uint   `gorm:"primaryKey"`
	RunID               string `gorm:"size:36;index"`
	StartTime           time.Time
	EndTime             *time.Time
	PID                 int
	User                string `gorm:"size:128"`
	Host                string `gorm:"size:256"`
	MissionID           uint   `gorm:"index"`
	CurrentlyProcessing bool   `gorm:"index"`
	Comment             string `gorm:"type:text"`
}
