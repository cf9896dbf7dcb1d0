// Package cve ingests vulnerability data from pluggable sources into the
// store. Each refresh pass fetches every enabled source, isolates failures
// per source, and records an ingestion run either way.
package cve

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sysmanage/sysmanage-server/internal/server/faults"
	"github.com/sysmanage/sysmanage-server/internal/server/store"
)

// Run statuses recorded in the ingestion log.
const (
	RunSuccess = "success"
	RunFailed  = "failed"
)

// Record is a source-neutral vulnerability.
type Record struct {
	CveID        string
	Severity     string
	Score        float64
	Summary      string
	Published    time.Time
	Modified     time.Time
	AffectedJSON string
	Packages     []Package
}

// Package names one affected package.
type Package struct {
	Name         string
	Manager      string
	VersionRange string
	FixedVersion string
}

// Source fetches vulnerabilities modified since a point in time. A zero
// since means a full fetch.
type Source interface {
	Name() string
	Fetch(ctx context.Context, since time.Time) ([]Record, error)
}

// Service runs refresh passes over the configured sources.
type Service struct {
	store   *store.Store
	sources []Source
}

func New(s *store.Store, sources ...Source) *Service {
	return &Service{store: s, sources: sources}
}

// RefreshAll fetches every source. One failing source does not stop the
// others; the pass fails only when no source succeeded.
func (s *Service) RefreshAll(ctx context.Context) error {
	settings, err := s.store.GetCveSettings(ctx, s.store.DB())
	if err != nil {
		return err
	}
	if !settings.Enabled {
		slog.Debug("vulnerability refresh disabled")
		return nil
	}

	since := settings.LastIncremental
	if settings.LastFullSync.After(since) {
		since = settings.LastFullSync
	}
	full := since.IsZero()

	succeeded := 0
	for _, src := range s.sources {
		if err := s.ingest(ctx, src, since); err != nil {
			slog.Error("source ingestion failed", "source", src.Name(), "err", err)
			continue
		}
		succeeded++
	}
	if len(s.sources) > 0 && succeeded == 0 {
		return faults.New(faults.DependencyFailed, "every vulnerability source failed")
	}

	if settings.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -int(settings.RetentionDays))
		n, err := s.store.PruneVulnerabilities(ctx, s.store.DB(), cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			slog.Info("pruned stale vulnerabilities", "count", n)
		}
	}

	now := time.Now()
	if full {
		if err := s.store.MarkCveSync(ctx, s.store.DB(), true, now); err != nil {
			return err
		}
	}
	return s.store.MarkCveSync(ctx, s.store.DB(), false, now)
}

// ingest fetches one source and lands its records, writing an ingestion run
// row with the outcome.
func (s *Service) ingest(ctx context.Context, src Source, since time.Time) error {
	started := time.Now()

	records, fetchErr := src.Fetch(ctx, since)
	if fetchErr != nil {
		s.logRun(ctx, src.Name(), RunFailed, 0, fetchErr, started)
		return fetchErr
	}

	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range records {
			if err := s.landRecord(ctx, tx, src.Name(), rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logRun(ctx, src.Name(), RunFailed, 0, err, started)
		return err
	}

	s.logRun(ctx, src.Name(), RunSuccess, int64(len(records)), nil, started)
	slog.Info("ingested vulnerability source", "source", src.Name(), "records", len(records))
	return nil
}

func (s *Service) landRecord(ctx context.Context, tx *sql.Tx, source string, rec Record) error {
	if rec.CveID == "" {
		return fmt.Errorf("record from %s has no cve id", source)
	}

	v := &store.Vulnerability{
		ID:          uuid.NewString(),
		CveID:       rec.CveID,
		Source:      source,
		PublishedAt: rec.Published,
		ModifiedAt:  rec.Modified,
	}
	if rec.Severity != "" {
		v.Severity = sql.NullString{String: rec.Severity, Valid: true}
	}
	if rec.Score > 0 {
		v.Score = sql.NullFloat64{Float64: rec.Score, Valid: true}
	}
	if rec.Summary != "" {
		v.Summary = sql.NullString{String: rec.Summary, Valid: true}
	}
	if rec.AffectedJSON != "" {
		v.AffectedData = sql.NullString{String: rec.AffectedJSON, Valid: true}
	}
	if err := s.store.UpsertVulnerability(ctx, tx, v); err != nil {
		return err
	}

	for _, p := range rec.Packages {
		m := &store.PackageMapping{
			ID:          uuid.NewString(),
			CveID:       rec.CveID,
			PackageName: p.Name,
		}
		if p.Manager != "" {
			m.PackageManager = sql.NullString{String: p.Manager, Valid: true}
		}
		if p.VersionRange != "" {
			m.VersionRange = sql.NullString{String: p.VersionRange, Valid: true}
		}
		if p.FixedVersion != "" {
			m.FixedVersion = sql.NullString{String: p.FixedVersion, Valid: true}
		}
		if err := s.store.InsertPackageMapping(ctx, tx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) logRun(ctx context.Context, source, status string, count int64, cause error, started time.Time) {
	run := &store.IngestionRun{
		ID:          uuid.NewString(),
		Source:      source,
		Status:      status,
		RecordCount: count,
		StartedAt:   started,
		FinishedAt:  time.Now(),
	}
	if cause != nil {
		run.Error = sql.NullString{String: cause.Error(), Valid: true}
	}
	if err := s.store.InsertIngestionRun(ctx, s.store.DB(), run); err != nil {
		slog.Error("failed to record ingestion run", "source", source, "err", err)
	}
}
