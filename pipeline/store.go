package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Catalog owns all persistence. Every other component reads through it and
// mutates only via the transactional operations it exposes.
type Catalog struct {
	db *gorm.DB
}

// OpenCatalog opens (creating if necessary) a mission catalog.
func OpenCatalog(path string) (*Catalog, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&Mission{}, &Satellite{}, &Instrument{}, &Product{}, &Process{},
		&ProductProcessLink{}, &Code{}, &File{}, &FileFileLink{},
		&FileCodeLink{}, &Log{},
	); err != nil {
		return nil, err
	}
	// At most one run lock row per mission. The index makes the lock hold
	// even when two acquirers race past the in-transaction check.
	if err := db.Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_logs_run_lock ON logs(mission_id) WHERE currently_processing",
	).Error; err != nil {
		return nil, err
	}
	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DateOnly truncates a time to its UTC calendar date. All utc_file_date
// comparisons go through this.
func DateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// --- inserts used by schema setup, add-file and tests -----------------------

func (c *Catalog) AddMission(m *Mission) error       { return c.db.Create(m).Error }
func (c *Catalog) AddSatellite(s *Satellite) error   { return c.db.Create(s).Error }
func (c *Catalog) AddInstrument(i *Instrument) error { return c.db.Create(i).Error }

func (c *Catalog) AddProduct(p *Product) error {
	if strings.TrimSpace(p.FormatTemplate) == "" {
		return &ConfigError{Reason: fmt.Sprintf("product %q has no format template", p.Name)}
	}
	return c.db.Create(p).Error
}

func (c *Catalog) AddProcess(p *Process, inputs []ProductProcessLink) error {
	if !p.OutputTimebase.Valid() {
		return &ConfigError{Reason: fmt.Sprintf("process %q has invalid timebase %q", p.Name, p.OutputTimebase)}
	}
	if len(inputs) == 0 {
		return &ConfigError{Reason: fmt.Sprintf("process %q declares no inputs", p.Name)}
	}
	return c.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return err
		}
		for i := range inputs {
			inputs[i].ProcessID = p.ID
			if err := tx.Create(&inputs[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// AddCode inserts a code row, demoting the previous newest code for the same
// process when the new one carries a higher version.
func (c *Catalog) AddCode(code *Code) error {
	if !code.StartDate.Before(code.StopDate) {
		return &ConfigError{Reason: fmt.Sprintf("code %q has start_date >= stop_date", code.Filename)}
	}
	return c.db.Transaction(func(tx *gorm.DB) error {
		var prev []Code
		if err := tx.Where("process_id = ? AND newest_version = ?", code.ProcessID, true).Find(&prev).Error; err != nil {
			return err
		}
		newest := true
		for _, p := range prev {
			if Newer(code.Version(), p.Version()) {
				if err := tx.Model(&Code{}).Where("id = ?", p.ID).
					Update("newest_version", false).Error; err != nil {
					return err
				}
			} else {
				newest = false
			}
		}
		code.NewestVersion = newest
		return tx.Create(code).Error
	})
}

// --- lookups ----------------------------------------------------------------

func (c *Catalog) MissionByName(name string) (*Mission, error) {
	var m Mission
	if err := c.db.Where("name = ?", name).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Catalog) MissionByID(id uint) (*Mission, error) {
	var m Mission
	if err := c.db.First(&m, id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Catalog) SatelliteByID(id uint) (*Satellite, error) {
	var s Satellite
	if err := c.db.First(&s, id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Catalog) InstrumentByID(id uint) (*Instrument, error) {
	var i Instrument
	if err := c.db.First(&i, id).Error; err != nil {
		return nil, err
	}
	return &i, nil
}

// Missions returns all missions in the catalog.
func (c *Catalog) Missions() ([]Mission, error) {
	var out []Mission
	return out, c.db.Order("id asc").Find(&out).Error
}

func (c *Catalog) ProductByID(id uint) (*Product, error) {
	var p Product
	if err := c.db.First(&p, id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Catalog) ProductByName(name string) (*Product, error) {
	var p Product
	if err := c.db.Where("name = ?", name).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Catalog) Products() ([]Product, error) {
	var out []Product
	return out, c.db.Order("id asc").Find(&out).Error
}

func (c *Catalog) ProcessByID(id uint) (*Process, error) {
	var p Process
	if err := c.db.First(&p, id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Catalog) Processes() ([]Process, error) {
	var out []Process
	return out, c.db.Order("id asc").Find(&out).Error
}

// ProcessForOutputProduct returns the process producing the given product,
// or nil when the product is ingested only.
func (c *Catalog) ProcessForOutputProduct(productID uint) (*Process, error) {
	var p Process
	err := c.db.Where("output_product_id = ?", productID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ProcessesConsumingProduct returns processes that declare the product as an
// input.
func (c *Catalog) ProcessesConsumingProduct(productID uint) ([]Process, error) {
	var links []ProductProcessLink
	if err := c.db.Where("input_product_id = ?", productID).Find(&links).Error; err != nil {
		return nil, err
	}
	var out []Process
	for _, l := range links {
		var p Process
		if err := c.db.First(&p, l.ProcessID).Error; err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// InputProductsForProcess returns the declared inputs with their optional
// flags.
func (c *Catalog) InputProductsForProcess(processID uint) ([]ProductProcessLink, error) {
	var out []ProductProcessLink
	return out, c.db.Where("process_id = ?", processID).Order("input_product_id asc").Find(&out).Error
}

func (c *Catalog) FileByID(id uint) (*File, error) {
	var f File
	if err := c.db.First(&f, id).Error; err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *Catalog) FileByName(name string) (*File, error) {
	var f File
	if err := c.db.Where("filename = ?", name).First(&f).Error; err != nil {
		return nil, err
	}
	return &f, nil
}

// FilesForProduct returns every registered file of a product, all versions.
func (c *Catalog) FilesForProduct(productID uint) ([]File, error) {
	var out []File
	err := c.db.Where("product_id = ?", productID).Order("id asc").Find(&out).Error
	return out, err
}

// FilesForProductOnDate returns all versions; callers filter by
// NewestVersion if they care.
func (c *Catalog) FilesForProductOnDate(productID uint, date time.Time) ([]File, error) {
	var out []File
	err := c.db.Where("product_id = ? AND utc_file_date = ?", productID, DateOnly(date)).
		Order("id asc").Find(&out).Error
	return out, err
}

// NewestFileForProductOnDate returns nil when no file exists.
func (c *Catalog) NewestFileForProductOnDate(productID uint, date time.Time) (*File, error) {
	var f File
	err := c.db.Where("product_id = ? AND utc_file_date = ? AND newest_version = ?",
		productID, DateOnly(date), true).First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// NewestFilesForProductInRange returns the newest file of each date in
// [start, stop], date-ascending. Used for multi-day timebase windows.
func (c *Catalog) NewestFilesForProductInRange(productID uint, start, stop time.Time) ([]File, error) {
	var out []File
	err := c.db.Where("product_id = ? AND newest_version = ? AND utc_file_date >= ? AND utc_file_date <= ?",
		productID, true, DateOnly(start), DateOnly(stop)).
		Order("utc_file_date asc").Find(&out).Error
	return out, err
}

// DatesForProduct returns the distinct utc_file_dates with any file of the
// product, ascending.
func (c *Catalog) DatesForProduct(productID uint) ([]time.Time, error) {
	var files []File
	if err := c.db.Select("utc_file_date").Where("product_id = ?", productID).
		Order("utc_file_date asc").Find(&files).Error; err != nil {
		return nil, err
	}
	var out []time.Time
	var last time.Time
	for _, f := range files {
		d := DateOnly(f.UTCFileDate)
		if len(out) == 0 || !d.Equal(last) {
			out = append(out, d)
			last = d
		}
	}
	return out, nil
}

// CatalogDateRange is the min/max utc_file_date across all files; it defines
// the RUN timebase window. ok is false for an empty catalog.
func (c *Catalog) CatalogDateRange() (start, stop time.Time, ok bool, err error) {
	var first, last File
	e := c.db.Order("utc_file_date asc").First(&first).Error
	if errors.Is(e, gorm.ErrRecordNotFound) {
		return time.Time{}, time.Time{}, false, nil
	}
	if e != nil {
		return time.Time{}, time.Time{}, false, e
	}
	if e := c.db.Order("utc_file_date desc").First(&last).Error; e != nil {
		return time.Time{}, time.Time{}, false, e
	}
	return DateOnly(first.UTCFileDate), DateOnly(last.UTCFileDate), true, nil
}

// ActiveCodeForProcess returns the code row with active, newest_version and
// start_date <= date < stop_date. When several rows qualify the highest
// version wins, tie-broken by most recent date_written.
func (c *Catalog) ActiveCodeForProcess(processID uint, date time.Time) (*Code, error) {
	d := DateOnly(date)
	var codes []Code
	err := c.db.Where("process_id = ? AND active = ? AND newest_version = ? AND start_date <= ? AND stop_date > ?",
		processID, true, true, d, d).Find(&codes).Error
	if err != nil {
		return nil, err
	}
	if len(codes) == 0 {
		return nil, nil
	}
	best := codes[0]
	for _, code := range codes[1:] {
		cmp := code.Version().Compare(best.Version())
		if cmp > 0 || (cmp == 0 && code.DateWritten.After(best.DateWritten)) {
			best = code
		}
	}
	return &best, nil
}

func (c *Catalog) CodeByID(id uint) (*Code, error) {
	var code Code
	if err := c.db.First(&code, id).Error; err != nil {
		return nil, err
	}
	return &code, nil
}

// ParentsOfFile returns the recorded provenance parents.
func (c *Catalog) ParentsOfFile(fileID uint) ([]File, error) {
	var links []FileFileLink
	if err := c.db.Where("resulting_file_id = ?", fileID).Find(&links).Error; err != nil {
		return nil, err
	}
	var out []File
	for _, l := range links {
		var f File
		if err := c.db.First(&f, l.SourceFileID).Error; err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// CodeForFile returns the code recorded as the file's producer, or nil for
// ingested files.
func (c *Catalog) CodeForFile(fileID uint) (*Code, error) {
	var link FileCodeLink
	err := c.db.Where("resulting_file_id = ?", fileID).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c.CodeByID(link.SourceCodeID)
}

// --- transactional commits --------------------------------------------------

// commitFile inserts f inside tx, maintaining the one-newest-per
// (product, date) invariant: f becomes newest iff its version is strictly
// newer than every existing version on the date.
func commitFile(tx *gorm.DB, f *File) error {
	f.UTCFileDate = DateOnly(f.UTCFileDate)
	var existing []File
	if err := tx.Where("product_id = ? AND utc_file_date = ?", f.ProductID, f.UTCFileDate).
		Find(&existing).Error; err != nil {
		return err
	}
	newest := true
	for _, e := range existing {
		if !Newer(f.Version(), e.Version()) {
			newest = false
			break
		}
	}
	f.NewestVersion = newest
	if newest {
		if err := tx.Model(&File{}).
			Where("product_id = ? AND utc_file_date = ? AND newest_version = ?",
				f.ProductID, f.UTCFileDate, true).
			Update("newest_version", false).Error; err != nil {
			return err
		}
	}
	if err := tx.Create(f).Error; err != nil {
		return &CommitConflict{Filename: f.Filename, Err: err}
	}
	return nil
}

// CommitIngestedFile inserts a file accepted by the ingestion pipeline,
// flipping the previous newest for the same (product, date) in the same
// transaction.
func (c *Catalog) CommitIngestedFile(f *File) error {
	return c.db.Transaction(func(tx *gorm.DB) error {
		return commitFile(tx, f)
	})
}

// CommitDerivedFile inserts a runner output with its provenance: one
// FileFileLink per parent and the FileCodeLink, all in one transaction.
func (c *Catalog) CommitDerivedFile(f *File, parentIDs []uint, codeID uint) error {
	return c.db.Transaction(func(tx *gorm.DB) error {
		if err := commitFile(tx, f); err != nil {
			return err
		}
		for _, pid := range parentIDs {
			if err := tx.Create(&FileFileLink{SourceFileID: pid, ResultingFileID: f.ID}).Error; err != nil {
				return &CommitConflict{Filename: f.Filename, Err: err}
			}
		}
		if err := tx.Create(&FileCodeLink{ResultingFileID: f.ID, SourceCodeID: codeID}).Error; err != nil {
			return &CommitConflict{Filename: f.Filename, Err: err}
		}
		return nil
	})
}

// SetExistsOnDisk flips the exists_on_disk flag only; newest arbitration is
// untouched (see check-disk).
func (c *Catalog) SetExistsOnDisk(fileID uint, exists bool) error {
	return c.db.Model(&File{}).Where("id = ?", fileID).
		Update("exists_on_disk", exists).Error
}

// PurgeFile marks a catalog row deleted from disk. The row itself stays; the
// operator comment is appended to its provenance.
func (c *Catalog) PurgeFile(filename, comment string) error {
	if strings.TrimSpace(comment) == "" {
		return &ConfigError{Reason: "purge requires a non-empty comment"}
	}
	return c.db.Transaction(func(tx *gorm.DB) error {
		var f File
		if err := tx.Where("filename = ?", filename).First(&f).Error; err != nil {
			return err
		}
		prov := strings.TrimSpace(f.VerboseProvenance + "\npurged: " + comment)
		return tx.Model(&File{}).Where("id = ?", f.ID).Updates(map[string]any{
			"exists_on_disk":     false,
			"newest_version":     false,
			"verbose_provenance": prov,
		}).Error
	})
}

// FilesOnDisk returns all rows with exists_on_disk=true.
func (c *Catalog) FilesOnDisk() ([]File, error) {
	var out []File
	return out, c.db.Where("exists_on_disk = ?", true).Order("id asc").Find(&out).Error
}

// FilesOffDisk returns all rows with exists_on_disk=false.
func (c *Catalog) FilesOffDisk() ([]File, error) {
	var out []File
	return out, c.db.Where("exists_on_disk = ?", false).Order("id asc").Find(&out).Error
}

// NewestFiles returns every row currently flagged newest. Used by
// reprocessing.
func (c *Catalog) NewestFiles() ([]File, error) {
	var out []File
	return out, c.db.Where("newest_version = ?", true).Order("id asc").Find(&out).Error
}
