// Package lifecycle runs maintenance policies over the database:
// pruning orphan relation edges, expiring stale person summaries, and
// settling entries stuck in PROCESSING. Policies run on demand (CLI)
// or on a cron schedule (server mode).
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nvalderrama/bitacora/internal/store"
)

// Action records one maintenance decision.
type Action struct {
	Policy  string `json:"policy"`
	Action  string `json:"action"`
	Count   int64  `json:"count,omitempty"`
	EntryID int64  `json:"entry_id,omitempty"`
	Reason  string `json:"reason"`
	Applied bool   `json:"applied"`
}

// Report summarizes one maintenance run.
type Report struct {
	DryRun  bool     `json:"dry_run"`
	Applied int      `json:"applied"`
	Actions []Action `json:"actions"`
}

// Policies tunes the maintenance run.
type Policies struct {
	// PersonSummaryMaxAge expires cached person summaries not
	// refreshed within this window. Zero disables the policy.
	PersonSummaryMaxAge time.Duration
	// StuckEntryMaxAge marks entries still PROCESSING after this long
	// as ERROR so clients stop waiting on them. Zero disables.
	StuckEntryMaxAge time.Duration
}

// DefaultPolicies returns the standard maintenance configuration.
func DefaultPolicies() Policies {
	return Policies{
		PersonSummaryMaxAge: 7 * 24 * time.Hour,
		StuckEntryMaxAge:    30 * time.Minute,
	}
}

// Runner executes maintenance policies.
type Runner struct {
	store    *store.Store
	policies Policies
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner creates a maintenance runner.
func NewRunner(st *store.Store, policies Policies, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: st, policies: policies, logger: logger, now: time.Now}
}

// Run executes all enabled policies. With dryRun set, actions are
// reported but nothing is modified.
func (r *Runner) Run(ctx context.Context, dryRun bool) (*Report, error) {
	report := &Report{DryRun: dryRun, Actions: make([]Action, 0, 8)}

	if err := r.pruneOrphanRelations(ctx, dryRun, report); err != nil {
		return nil, err
	}
	if r.policies.PersonSummaryMaxAge > 0 {
		if err := r.expirePersonSummaries(ctx, dryRun, report); err != nil {
			return nil, err
		}
	}
	if r.policies.StuckEntryMaxAge > 0 {
		if err := r.settleStuckEntries(ctx, dryRun, report); err != nil {
			return nil, err
		}
	}

	for _, a := range report.Actions {
		if a.Applied {
			report.Applied++
		}
	}
	return report, nil
}

func (r *Runner) pruneOrphanRelations(ctx context.Context, dryRun bool, report *Report) error {
	if dryRun {
		report.Actions = append(report.Actions, Action{
			Policy: "orphan_relations", Action: "prune",
			Reason: "edges referencing deleted entries",
		})
		return nil
	}
	n, err := r.store.DeleteOrphanRelations(ctx)
	if err != nil {
		return fmt.Errorf("pruning orphan relations: %w", err)
	}
	if n > 0 {
		report.Actions = append(report.Actions, Action{
			Policy: "orphan_relations", Action: "prune", Count: n,
			Reason: "edges referencing deleted entries", Applied: true,
		})
	}
	return nil
}

func (r *Runner) expirePersonSummaries(ctx context.Context, dryRun bool, report *Report) error {
	cutoff := r.now().Add(-r.policies.PersonSummaryMaxAge)
	if dryRun {
		report.Actions = append(report.Actions, Action{
			Policy: "person_summaries", Action: "expire",
			Reason: fmt.Sprintf("summaries older than %s", r.policies.PersonSummaryMaxAge),
		})
		return nil
	}
	n, err := r.store.DeleteStalePersonSummaries(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("expiring person summaries: %w", err)
	}
	if n > 0 {
		report.Actions = append(report.Actions, Action{
			Policy: "person_summaries", Action: "expire", Count: n,
			Reason: fmt.Sprintf("summaries older than %s", r.policies.PersonSummaryMaxAge), Applied: true,
		})
	}
	return nil
}

func (r *Runner) settleStuckEntries(ctx context.Context, dryRun bool, report *Report) error {
	ids, err := r.store.StuckProcessingEntries(ctx, r.now().Add(-r.policies.StuckEntryMaxAge))
	if err != nil {
		return fmt.Errorf("finding stuck entries: %w", err)
	}
	for _, id := range ids {
		action := Action{
			Policy: "stuck_entries", Action: "mark_error", EntryID: id,
			Reason: fmt.Sprintf("still PROCESSING after %s", r.policies.StuckEntryMaxAge),
		}
		if !dryRun {
			if err := r.store.SetEntryStatus(ctx, id, store.StatusError); err != nil {
				r.logger.Warn("failed to settle stuck entry", "entry_id", id, "error", err)
				continue
			}
			action.Applied = true
		}
		report.Actions = append(report.Actions, action)
	}
	return nil
}

// Scheduler runs maintenance on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	runner *Runner
	logger *slog.Logger
}

// NewScheduler creates a scheduler; spec uses standard cron syntax,
// e.g. "0 3 * * *" for 3 AM daily.
func NewScheduler(runner *Runner, spec string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New()
	s := &Scheduler{cron: c, runner: runner, logger: logger}

	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		report, err := runner.Run(ctx, false)
		if err != nil {
			logger.Error("scheduled maintenance failed", "error", err)
			return
		}
		logger.Info("maintenance run finished", "applied", report.Applied, "actions", len(report.Actions))
	})
	if err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return s, nil
}

// Start begins scheduled runs.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
