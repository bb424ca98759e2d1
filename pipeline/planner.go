package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Job is one planned build: run Code for Process on Date with Parents as
// inputs, producing OutputPath at PlannedVersion.
type Job struct {
	Process        Process
	Code           Code
	OutputProduct  Product
	Date           time.Time
	Parents        []File
	InputProducts  []Product
	OutputName     string
	OutputPath     string
	PlannedVersion Version
	Fingerprint    string
}

func (j *Job) ParentIDs() []uint {
	out := make([]uint, len(j.Parents))
	for i, f := range j.Parents {
		out[i] = f.ID
	}
	return out
}

// Skip records a dropped candidate for the status report.
type Skip struct {
	Process Process
	Date    time.Time
	Reason  string
}

// PlanResult is one planner pass: jobs ordered by product level then date,
// plus the candidates dropped on the way.
type PlanResult struct {
	Jobs  []Job
	Skips []Skip
}

// Planner reduces the candidate set (process × date) to an ordered job list.
type Planner struct {
	cat     *Catalog
	res     *Resolver
	codec   *Codec
	mission *Mission
	logger  *slog.Logger
}

func NewPlanner(cat *Catalog, res *Resolver, codec *Codec, mission *Mission, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{cat: cat, res: res, codec: codec, mission: mission, logger: logger}
}

type candidate struct {
	process Process
	date    time.Time
}

// CheckGraph rejects cycles in the product-process graph. Called before lock
// acquisition; a cycle is a fatal ConfigError.
func (p *Planner) CheckGraph() error {
	procs, err := p.cat.Processes()
	if err != nil {
		return err
	}
	// edges: input product -> output product
	edges := make(map[uint][]uint)
	for _, proc := range procs {
		links, err := p.cat.InputProductsForProcess(proc.ID)
		if err != nil {
			return err
		}
		for _, l := range links {
			edges[l.InputProductID] = append(edges[l.InputProductID], proc.OutputProductID)
		}
	}
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[uint]int)
	var visit func(id uint) error
	visit = func(id uint) error {
		switch state[id] {
		case inStack:
			return &ConfigError{Reason: fmt.Sprintf("cycle in product-process graph at product %d", id)}
		case done:
			return nil
		}
		state[id] = inStack
		for _, next := range edges[id] {
			if err := visit(next); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for id := range edges {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Plan runs one gather → prune → order → name pass over every process. The
// process command loops passes until a pass plans nothing, so an output
// committed in one pass becomes a concrete input in the next.
func (p *Planner) Plan(ctx context.Context) (*PlanResult, error) {
	if err := p.CheckGraph(); err != nil {
		return nil, err
	}
	procs, err := p.cat.Processes()
	if err != nil {
		return nil, err
	}
	var cands []candidate
	for _, proc := range procs {
		dates, err := p.gatherDates(&proc)
		if err != nil {
			return nil, err
		}
		for _, d := range dates {
			cands = append(cands, candidate{process: proc, date: d})
		}
	}
	return p.reduce(ctx, cands, false)
}

// PlanReprocess gathers candidates only from existing outputs whose recorded
// dependencies are stale. incRevision forces a rebuild (revision bump) even
// when the fingerprint is current.
func (p *Planner) PlanReprocess(ctx context.Context, incRevision bool) (*PlanResult, error) {
	if err := p.CheckGraph(); err != nil {
		return nil, err
	}
	newest, err := p.cat.NewestFiles()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var cands []candidate
	for _, f := range newest {
		proc, err := p.cat.ProcessForOutputProduct(f.ProductID)
		if err != nil {
			return nil, err
		}
		if proc == nil {
			continue // ingested product, nothing to rebuild
		}
		if !incRevision {
			ok, err := p.res.NewestDependencies(&f)
			if err != nil {
				return nil, err
			}
			stale, err := p.fingerprintStale(proc, &f)
			if err != nil {
				return nil, err
			}
			if ok && !stale {
				continue
			}
		}
		key := fmt.Sprintf("%d@%s", proc.ID, DateOnly(f.UTCFileDate).Format("20060102"))
		if seen[key] {
			continue
		}
		seen[key] = true
		cands = append(cands, candidate{process: *proc, date: DateOnly(f.UTCFileDate)})
	}
	return p.reduce(ctx, cands, incRevision)
}

func (p *Planner) fingerprintStale(proc *Process, output *File) (bool, error) {
	code, err := p.cat.ActiveCodeForProcess(proc.ID, output.UTCFileDate)
	if err != nil || code == nil {
		return false, err
	}
	ri, err := p.res.Resolve(proc, output.UTCFileDate)
	if err != nil {
		return false, err
	}
	if len(ri.MissingRequired) > 0 {
		return false, nil
	}
	return Fingerprint(ri.Parents, code) != output.InputFingerprint, nil
}

// gatherDates is the initial candidate dates of a process: every window
// holding a file of any input product.
func (p *Planner) gatherDates(proc *Process) ([]time.Time, error) {
	links, err := p.cat.InputProductsForProcess(proc.ID)
	if err != nil {
		return nil, err
	}
	seen := make(map[time.Time]bool)
	var out []time.Time
	for _, l := range links {
		dates, err := p.cat.DatesForProduct(l.InputProductID)
		if err != nil {
			return nil, err
		}
		for _, d := range dates {
			ws, err := p.res.WindowStart(proc.OutputTimebase, d)
			if err != nil {
				return nil, err
			}
			if !seen[ws] {
				seen[ws] = true
				out = append(out, ws)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// reduce applies the prune/order/name stages to the gathered candidates.
func (p *Planner) reduce(ctx context.Context, cands []candidate, forceRevision bool) (*PlanResult, error) {
	result := &PlanResult{}
	planned := make(map[string]int) // output (product@date) -> index into result.Jobs

	for _, cand := range cands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		job, skip, err := p.buildJob(ctx, cand, forceRevision)
		if err != nil {
			return nil, err
		}
		if skip != nil {
			result.Skips = append(result.Skips, *skip)
			continue
		}
		if job == nil {
			continue // current, silently dropped
		}
		// Superseded-by-newer-version prune: one plan per (product, date),
		// the higher planned version wins.
		key := fmt.Sprintf("%d@%s", job.OutputProduct.ID, job.Date.Format("20060102"))
		if i, ok := planned[key]; ok {
			if Newer(job.PlannedVersion, result.Jobs[i].PlannedVersion) {
				result.Jobs[i] = *job
			}
			continue
		}
		planned[key] = len(result.Jobs)
		result.Jobs = append(result.Jobs, *job)
	}

	// Order: product level ascending, then date ascending.
	sort.SliceStable(result.Jobs, func(i, j int) bool {
		a, b := result.Jobs[i], result.Jobs[j]
		if a.OutputProduct.Level != b.OutputProduct.Level {
			return a.OutputProduct.Level < b.OutputProduct.Level
		}
		return a.Date.Before(b.Date)
	})
	return result, nil
}

// buildJob runs the per-candidate prunes and naming. Returns (nil, nil, nil)
// when the output is already current.
func (p *Planner) buildJob(ctx context.Context, cand candidate, forceRevision bool) (*Job, *Skip, error) {
	proc := cand.process
	date := cand.date

	code, err := p.cat.ActiveCodeForProcess(proc.ID, date)
	if err != nil {
		return nil, nil, err
	}
	if code == nil {
		p.logger.Debug("no active code", "process", proc.Name, "date", date.Format("2006-01-02"))
		return nil, &Skip{Process: proc, Date: date, Reason: ErrNoActiveCode.Error()}, nil
	}

	ri, err := p.res.Resolve(&proc, date)
	if err != nil {
		return nil, nil, err
	}
	if len(ri.MissingRequired) > 0 {
		p.logger.Warn("required input missing",
			"process", proc.Name, "date", date.Format("2006-01-02"),
			"missing_products", ri.MissingRequired)
		return nil, &Skip{Process: proc, Date: date, Reason: ErrDependencyMissing.Error()}, nil
	}
	for _, parent := range ri.Parents {
		if !parent.ExistsOnDisk {
			p.logger.Warn("input missing from disk",
				"process", proc.Name, "date", date.Format("2006-01-02"), "file", parent.Filename)
			return nil, &Skip{Process: proc, Date: date, Reason: "input missing from disk: " + parent.Filename}, nil
		}
	}

	fp := Fingerprint(ri.Parents, code)
	prev, err := p.cat.NewestFileForProductOnDate(proc.OutputProductID, date)
	if err != nil {
		return nil, nil, err
	}
	if prev != nil && prev.InputFingerprint == fp && !forceRevision {
		return nil, nil, nil // output exists and is current
	}

	version, err := p.chooseVersion(prev, ri.Parents)
	if err != nil {
		return nil, nil, err
	}

	product, err := p.cat.ProductByID(proc.OutputProductID)
	if err != nil {
		return nil, nil, err
	}
	name, err := p.codec.Synthesize(product, date, version)
	if err != nil {
		return nil, nil, err
	}

	inputProducts, err := p.parentProducts(ri.Parents)
	if err != nil {
		return nil, nil, err
	}

	return &Job{
		Process:        proc,
		Code:           *code,
		OutputProduct:  *product,
		Date:           date,
		Parents:        ri.Parents,
		InputProducts:  inputProducts,
		OutputName:     name,
		OutputPath:     AbsolutePath(p.mission, product, name),
		PlannedVersion: version,
		Fingerprint:    fp,
	}, nil, nil
}

// parentProducts loads the distinct products behind a parent set, so the
// runner can resolve input paths without further catalog trips.
func (p *Planner) parentProducts(parents []File) ([]Product, error) {
	seen := make(map[uint]bool)
	var out []Product
	for _, f := range parents {
		if seen[f.ProductID] {
			continue
		}
		seen[f.ProductID] = true
		prod, err := p.cat.ProductByID(f.ProductID)
		if err != nil {
			return nil, err
		}
		out = append(out, *prod)
	}
	return out, nil
}

// chooseVersion applies the bump rules against the previous newest output:
// interface when an input's interface advanced, quality when the input data
// changed, revision when only the code advanced. First builds start at
// v1.0.0.
func (p *Planner) chooseVersion(prev *File, parents []File) (Version, error) {
	if prev == nil {
		return FirstVersion, nil
	}
	prevParents, err := p.cat.ParentsOfFile(prev.ID)
	if err != nil {
		return Version{}, err
	}
	byProduct := make(map[uint][]File)
	for _, f := range prevParents {
		byProduct[f.ProductID] = append(byProduct[f.ProductID], f)
	}
	interfaceBump := false
	qualityBump := false
	for _, parent := range parents {
		old := byProduct[parent.ProductID]
		if len(old) == 0 {
			qualityBump = true // input product newly present
			continue
		}
		matched := false
		for _, o := range old {
			if o.ID == parent.ID {
				matched = true
				break
			}
			if parent.InterfaceVersion > o.InterfaceVersion {
				interfaceBump = true
			}
		}
		if !matched {
			qualityBump = true
		}
	}
	switch {
	case interfaceBump:
		return prev.Version().BumpInterface(), nil
	case qualityBump:
		return prev.Version().BumpQuality(), nil
	default:
		// Inputs unchanged: the code advanced or a rebuild was forced.
		return prev.Version().BumpRevision(), nil
	}
}
