package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Routing subdirectories under the incoming directory. A file that cannot be
// ingested is moved, never deleted; the reason sidecar says why.
const (
	rejectSubdir     = "reject"
	ambiguousSubdir  = "ambiguous"
	quarantineSubdir = "quarantine"
)

// IngestStats counts one scan pass.
type IngestStats struct {
	Scanned     int
	Ingested    int
	Rejected    int
	Ambiguous   int
	Quarantined int
	Errors      int
}

// Ingester moves recognized files from the incoming directory into the
// mission tree and registers them. Identification is two-phase: template
// match narrows the candidates, then each candidate product's inspector
// gets the final say.
type Ingester struct {
	cat     *Catalog
	codec   *Codec
	host    *InspectorHost
	mission *Mission
	cfg     *MissionConfig
	logger  *slog.Logger
}

func NewIngester(cat *Catalog, codec *Codec, host *InspectorHost, mission *Mission, cfg *MissionConfig, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{cat: cat, codec: codec, host: host, mission: mission, cfg: cfg, logger: logger}
}

// ScanOnce ingests every regular file currently in the incoming directory.
// Per-file failures are routed and counted, not returned; only an unusable
// incoming directory fails the scan.
func (g *Ingester) ScanOnce(ctx context.Context) (*IngestStats, error) {
	stats := &IngestStats{}
	entries, err := os.ReadDir(g.cfg.IncomingDir)
	if err != nil {
		return nil, fmt.Errorf("reading incoming dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".reason.txt") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Scanned++
		g.ingestOne(ctx, filepath.Join(g.cfg.IncomingDir, name), stats)
	}
	g.logger.Info("ingest pass done",
		"scanned", stats.Scanned, "ingested", stats.Ingested,
		"rejected", stats.Rejected, "ambiguous", stats.Ambiguous,
		"quarantined", stats.Quarantined, "errors", stats.Errors)
	return stats, nil
}

func (g *Ingester) ingestOne(ctx context.Context, path string, stats *IngestStats) {
	name := filepath.Base(path)

	matches, err := g.codec.IdentifyAll(name)
	if err != nil {
		g.logger.Error("identify failed", "file", name, "error", err)
		stats.Errors++
		return
	}

	// The inspector, not the template, decides membership. A template match
	// with a negative inspector verdict is not a match.
	type accepted struct {
		match   ProductMatch
		verdict *Verdict
	}
	var accepts []accepted
	for _, m := range matches {
		verdict, err := g.host.Inspect(ctx, &m.Product, path)
		if err != nil {
			var fault *InspectorFault
			if errors.As(err, &fault) {
				g.route(path, quarantineSubdir, fmt.Sprintf("inspector for %s faulted: %v", m.Product.Name, err))
				stats.Quarantined++
				return
			}
			g.logger.Error("inspect failed", "file", name, "product", m.Product.Name, "error", err)
			stats.Errors++
			return
		}
		if verdict != nil {
			accepts = append(accepts, accepted{match: m, verdict: verdict})
		}
	}

	switch len(accepts) {
	case 0:
		g.route(path, rejectSubdir, "no product accepted this file")
		stats.Rejected++
	case 1:
		if err := g.admit(path, &accepts[0].match, accepts[0].verdict); err != nil {
			g.logger.Error("ingest failed", "file", name, "error", err)
			g.route(path, rejectSubdir, fmt.Sprintf("ingest failed: %v", err))
			stats.Errors++
		} else {
			stats.Ingested++
		}
	default:
		products := make([]string, len(accepts))
		for i, a := range accepts {
			products[i] = a.match.Product.Name
		}
		g.route(path, ambiguousSubdir, "accepted by multiple products: "+strings.Join(products, ", "))
		stats.Ambiguous++
	}
}

// admit moves the file into its product directory and registers it. The move
// happens first; if the commit then fails the file stays in the product
// directory and check-disk picks it up on the next reconcile.
func (g *Ingester) admit(path string, m *ProductMatch, v *Verdict) error {
	name := filepath.Base(path)
	md5sum, err := FileMD5(path)
	if err != nil {
		return err
	}

	dstDir := filepath.Join(g.mission.RootDir, filepath.FromSlash(m.Product.RelativePath))
	moved, err := MoveFileToDir(path, dstDir)
	if err != nil {
		return err
	}

	f := &File{
		Filename:          filepath.Base(moved),
		ProductID:         m.Product.ID,
		UTCFileDate:       DateOnly(v.FileDate),
		UTCStartTime:      v.StartTime,
		UTCStopTime:       v.StopTime,
		ExistsOnDisk:      true,
		QualityChecked:    v.QualityChecked,
		MD5:               md5sum,
		VerboseProvenance: "ingested from " + name,
	}
	f.SetVersion(v.Version)
	if err := g.cat.CommitIngestedFile(f); err != nil {
		return err
	}
	g.logger.Info("ingested", "file", f.Filename, "product", m.Product.Name,
		"date", f.UTCFileDate.Format("2006-01-02"), "version", v.Version.String())
	return nil
}

// route moves a file into one of the routing subdirectories and writes the
// reason sidecar next to it.
func (g *Ingester) route(path, subdir, reason string) {
	name := filepath.Base(path)
	dst := filepath.Join(g.cfg.IncomingDir, subdir)
	moved, err := MoveFileToDir(path, dst)
	if err != nil {
		g.logger.Error("routing failed", "file", name, "dest", subdir, "error", err)
		return
	}
	if err := WriteReasonFile(moved, reason); err != nil {
		g.logger.Error("reason file failed", "file", name, "error", err)
	}
	g.logger.Warn("file routed", "file", name, "dest", subdir, "reason", reason)
}

// Watch runs ScanOnce, then keeps scanning as the incoming directory
// changes. Events are debounced: a burst of writes triggers one pass after
// the directory goes quiet, which also rides out files that arrive slowly.
func (g *Ingester) Watch(ctx context.Context, settle time.Duration) error {
	if settle <= 0 {
		settle = 2 * time.Second
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(g.cfg.IncomingDir); err != nil {
		return err
	}

	if _, err := g.ScanOnce(ctx); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	arm := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(settle, func() {
			select {
			case fire <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if insideRoutingDir(ev.Name) {
				continue
			}
			arm()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			g.logger.Error("watch error", "error", err)
		case <-fire:
			if _, err := g.ScanOnce(ctx); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
	}
}

func insideRoutingDir(path string) bool {
	dir := filepath.Base(filepath.Dir(path))
	return dir == rejectSubdir || dir == ambiguousSubdir || dir == quarantineSubdir
}
