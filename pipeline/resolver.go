package pipeline

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// Resolver selects the input files for a (process, date) target and
// fingerprints them.
type Resolver struct {
	cat *Catalog
}

func NewResolver(cat *Catalog) *Resolver {
	return &Resolver{cat: cat}
}

// Window returns the [start, stop] date range the timebase groups around
// date. RUN spans the whole catalog and is re-evaluated on every call, so a
// grown mission range changes the window (and the fingerprint) on the next
// plan.
func (r *Resolver) Window(tb Timebase, date time.Time) (time.Time, time.Time, error) {
	d := DateOnly(date)
	switch tb {
	case TimebaseFile, TimebaseDaily:
		return d, d, nil
	case TimebaseWeekly:
		// ISO week: Monday through Sunday.
		weekday := int(d.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		start := d.AddDate(0, 0, 1-weekday)
		return start, start.AddDate(0, 0, 6), nil
	case TimebaseMonthly:
		start := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, -1), nil
	case TimebaseYearly:
		start := time.Date(d.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(1, 0, -1), nil
	case TimebaseRun:
		start, stop, ok, err := r.cat.CatalogDateRange()
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		if !ok {
			return d, d, nil
		}
		return start, stop, nil
	default:
		return time.Time{}, time.Time{}, &ConfigError{Reason: fmt.Sprintf("unknown timebase %q", tb)}
	}
}

// WindowStart normalizes a date to its window's representative date, used to
// key candidates so one build covers the whole window.
func (r *Resolver) WindowStart(tb Timebase, date time.Time) (time.Time, error) {
	start, _, err := r.Window(tb, date)
	return start, err
}

// ResolvedInputs is the outcome of input selection for one candidate.
type ResolvedInputs struct {
	// Parents are the newest files of each input product per date in the
	// window, id-ascending.
	Parents []File

	// MissingRequired lists required input products with no file in the
	// window; non-empty means the candidate is infeasible.
	MissingRequired []uint

	// MissingOptional lists absent optional inputs, for logging only.
	MissingOptional []uint
}

func (ri *ResolvedInputs) ParentIDs() []uint {
	out := make([]uint, len(ri.Parents))
	for i, f := range ri.Parents {
		out[i] = f.ID
	}
	return out
}

// Resolve selects inputs for the process around date according to its
// timebase.
func (r *Resolver) Resolve(proc *Process, date time.Time) (*ResolvedInputs, error) {
	links, err := r.cat.InputProductsForProcess(proc.ID)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, &ConfigError{Reason: fmt.Sprintf("process %d declares no inputs", proc.ID)}
	}
	start, stop, err := r.Window(proc.OutputTimebase, date)
	if err != nil {
		return nil, err
	}

	out := &ResolvedInputs{}
	for _, link := range links {
		files, err := r.cat.NewestFilesForProductInRange(link.InputProductID, start, stop)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			if link.Optional {
				out.MissingOptional = append(out.MissingOptional, link.InputProductID)
			} else {
				out.MissingRequired = append(out.MissingRequired, link.InputProductID)
			}
			continue
		}
		out.Parents = append(out.Parents, files...)
	}
	sort.Slice(out.Parents, func(i, j int) bool { return out.Parents[i].ID < out.Parents[j].ID })
	return out, nil
}

// Fingerprint is the multiset of input file versions plus the producing
// code's version, hashed. Equality with a committed output's recorded
// fingerprint means the output is current.
func Fingerprint(parents []File, code *Code) string {
	lines := make([]string, 0, len(parents)+1)
	for _, p := range parents {
		lines = append(lines, fmt.Sprintf("%d:%d:%s", p.ProductID, p.ID, p.Version()))
	}
	sort.Strings(lines)
	lines = append(lines, "code:"+code.Version().String())
	h := md5.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NewestDependencies reports whether the output's recorded parents are still
// the newest files of their products on their dates.
func (r *Resolver) NewestDependencies(output *File) (bool, error) {
	parents, err := r.cat.ParentsOfFile(output.ID)
	if err != nil {
		return false, err
	}
	for _, p := range parents {
		newest, err := r.cat.NewestFileForProductOnDate(p.ProductID, p.UTCFileDate)
		if err != nil {
			return false, err
		}
		if newest == nil || newest.ID != p.ID {
			return false, nil
		}
	}
	return true, nil
}
