package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// DiskIssueKind classifies a catalog/filesystem disagreement.
type DiskIssueKind string

const (
	IssueMissing      DiskIssueKind = "missing"      // marked on disk, file gone
	IssueReappeared   DiskIssueKind = "reappeared"   // marked off disk, file present
	IssueUnregistered DiskIssueKind = "unregistered" // on disk, no catalog row
)

type DiskIssue struct {
	Kind     DiskIssueKind
	Path     string
	FileID   uint
	Filename string
}

type DiskReport struct {
	Checked int
	Issues  []DiskIssue
	Fixed   int
}

// DiskChecker reconciles the catalog's ExistsOnDisk flags with the
// filesystem. The catalog is the authority for identity; the filesystem is
// the authority for presence.
type DiskChecker struct {
	cat     *Catalog
	codec   *Codec
	mission *Mission
	logger  *slog.Logger
}

func NewDiskChecker(cat *Catalog, codec *Codec, mission *Mission, logger *slog.Logger) *DiskChecker {
	if logger == nil {
		logger = slog.Default()
	}
	if codec == nil {
		codec = NewCodec(cat)
	}
	return &DiskChecker{cat: cat, codec: codec, mission: mission, logger: logger}
}

// Check walks every catalog row and every product directory. With fix set,
// presence flags are updated to match the filesystem. A file that reappears
// has its flag restored but is never re-promoted to newest; planning decides
// freshness, not presence.
func (d *DiskChecker) Check(ctx context.Context, fix bool, out io.Writer) (*DiskReport, error) {
	report := &DiskReport{}

	products, err := d.cat.Products()
	if err != nil {
		return nil, err
	}
	registered := make(map[string]bool)

	for _, p := range products {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		files, err := d.cat.FilesForProduct(p.ID)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			report.Checked++
			path := AbsolutePath(d.mission, &p, f.Filename)
			registered[path] = true
			_, statErr := os.Stat(path)
			present := statErr == nil

			switch {
			case f.ExistsOnDisk && !present:
				report.Issues = append(report.Issues, DiskIssue{
					Kind: IssueMissing, Path: path, FileID: f.ID, Filename: f.Filename,
				})
				fmt.Fprintf(out, "MISSING    %s\n", path)
				if fix {
					if err := d.cat.SetExistsOnDisk(f.ID, false); err != nil {
						return nil, err
					}
					report.Fixed++
				}
			case !f.ExistsOnDisk && present:
				report.Issues = append(report.Issues, DiskIssue{
					Kind: IssueReappeared, Path: path, FileID: f.ID, Filename: f.Filename,
				})
				fmt.Fprintf(out, "REAPPEARED %s\n", path)
				if fix {
					if err := d.cat.SetExistsOnDisk(f.ID, true); err != nil {
						return nil, err
					}
					report.Fixed++
				}
			}
		}

		if err := d.scanUnregistered(&p, registered, report, out); err != nil {
			return nil, err
		}
	}

	d.logger.Info("disk check done",
		"checked", report.Checked, "issues", len(report.Issues), "fixed", report.Fixed)
	return report, nil
}

// scanUnregistered reports files in a product directory the catalog does not
// know. These are never auto-registered; registration goes through ingest so
// an inspector vouches for the file.
func (d *DiskChecker) scanUnregistered(p *Product, registered map[string]bool, report *DiskReport, out io.Writer) error {
	dir := filepath.Join(d.mission.RootDir, filepath.FromSlash(p.RelativePath))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	t, err := d.codec.TemplateFor(p)
	if err != nil {
		// A broken template is a config problem for ingest, not for the
		// presence reconcile.
		d.logger.Warn("template unavailable for unregistered scan",
			"product", p.Name, "error", err)
		t = nil
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if registered[path] {
			continue
		}
		// Only flag files that look like instances of this product;
		// product directories may hold unrelated droppings.
		if t != nil {
			if _, ok, _ := t.Parse(e.Name()); !ok {
				continue
			}
		}
		report.Issues = append(report.Issues, DiskIssue{
			Kind: IssueUnregistered, Path: path, Filename: e.Name(),
		})
		fmt.Fprintf(out, "UNKNOWN    %s\n", path)
	}
	return nil
}
