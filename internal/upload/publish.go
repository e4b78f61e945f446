package upload

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zinc-sig/harness/internal/output"
)

const defaultPublishWorkers = 4

// Publisher copies a finished run to a provider: every unit's log directory
// under <run_id>/<name>/<version>/<package_id>/, then the report itself as
// <run_id>/report.json with log paths pointing at the uploaded copies.
type Publisher struct {
	Provider Provider
	Workers  int
	Logger   *zap.Logger
}

// NewPublisher returns a publisher for p
func NewPublisher(p Provider, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{Provider: p, Workers: defaultPublishWorkers, Logger: logger}
}

// Publish uploads the logs and the report and returns the report's location.
// Log failures are logged and leave the local path in the report; only a
// failed report upload is an error.
func (p *Publisher) Publish(ctx context.Context, report *output.Report) (string, error) {
	if err := p.Provider.Prepare(ctx); err != nil {
		return "", err
	}

	workers := p.Workers
	if workers < 1 {
		workers = defaultPublishWorkers
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range report.Recipes {
		rec := &report.Recipes[i]
		for j := range rec.Configurations {
			cfg := &rec.Configurations[j]
			if cfg.BuildLog == "" {
				continue
			}
			base := path.Join(report.RunID, rec.Name, rec.Version, cfg.PackageID, "logs")
			g.Go(func() error {
				if err := p.uploadDir(gctx, cfg.BuildLog, base); err != nil {
					p.Logger.Warn("log upload failed",
						zap.String("recipe", rec.Name+"/"+rec.Version),
						zap.String("package_id", cfg.PackageID),
						zap.Error(err))
					return nil
				}
				if cfg.RunLog != "" {
					if rel, err := filepath.Rel(cfg.BuildLog, cfg.RunLog); err == nil && filepath.IsLocal(rel) {
						cfg.RunLog = p.Provider.Location(path.Join(base, filepath.ToSlash(rel)))
					}
				}
				cfg.BuildLog = p.Provider.Location(base)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := output.WriteJSON(&buf, report); err != nil {
		return "", err
	}
	key := path.Join(report.RunID, "report.json")
	if err := p.Provider.Upload(ctx, &buf, key); err != nil {
		return "", fmt.Errorf("failed to upload report: %w", err)
	}

	location := p.Provider.Location(key)
	p.Logger.Info("report published", zap.String("provider", p.Provider.Name()), zap.String("location", location))
	return location, nil
}

func (p *Publisher) uploadDir(ctx context.Context, dir, base string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := p.uploadFile(ctx, filepath.Join(dir, e.Name()), path.Join(base, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) uploadFile(ctx context.Context, src, key string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	return p.Provider.Upload(ctx, f, key)
}
