package auditor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rentora/propaccess/internal/authz"
	"github.com/rentora/propaccess/internal/domain"
	"github.com/rentora/propaccess/internal/observability/metrics"
	"github.com/rentora/propaccess/internal/reliability/retry"
)

// Report summarizes one completed audit scan
type Report struct {
	StartedAt          time.Time        `json:"started_at"`
	Duration           time.Duration    `json:"duration"`
	PropertiesScanned  int              `json:"properties_scanned"`
	Findings           []domain.Finding `json:"findings"`
	ExpiredInvitations int64            `json:"expired_invitations"`
	ExpiredMemberships int64            `json:"expired_memberships"`
}

// Auditor walks every active property, reconciles the legacy owner
// column against the membership table and reports divergences and
// duplicate rows. Its only mutations are the expiry sweeps: PENDING
// invitations past their deadline and PENDING memberships past the
// invitation window move to REVOKED. Everything else is report-only.
type Auditor struct {
	properties  domain.PropertyRepository
	memberships domain.MembershipRepository
	invitations domain.InvitationRepository
	sink        FindingSink
	logger      *slog.Logger
	interval    time.Duration
	pendingTTL  time.Duration
	batchSize   int
	workers     int
	retryCfg    *retry.Config

	mu         sync.Mutex
	lastReport *Report
}

// NewAuditor creates a consistency auditor. pendingTTL is how long a
// PENDING membership may wait for acceptance before the sweep revokes
// it, normally the invitation TTL.
func NewAuditor(
	properties domain.PropertyRepository,
	memberships domain.MembershipRepository,
	invitations domain.InvitationRepository,
	sink FindingSink,
	logger *slog.Logger,
	interval time.Duration,
	pendingTTL time.Duration,
	batchSize, workers int,
) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	if pendingTTL <= 0 {
		pendingTTL = 7 * 24 * time.Hour
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if workers <= 0 {
		workers = 4
	}
	return &Auditor{
		properties:  properties,
		memberships: memberships,
		invitations: invitations,
		sink:        sink,
		logger:      logger,
		interval:    interval,
		pendingTTL:  pendingTTL,
		batchSize:   batchSize,
		workers:     workers,
		retryCfg:    retry.DefaultConfig(),
	}
}

// Start runs scans on the configured interval until ctx is canceled
func (a *Auditor) Start(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Info("consistency auditor started", slog.Duration("interval", a.interval))

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("consistency auditor stopped")
			return
		case <-ticker.C:
			if _, err := a.RunOnce(ctx); err != nil {
				a.logger.Error("audit scan failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce performs a full scan and returns its report. Properties are
// paged in stable order and inspected by a bounded worker pool; the
// duplicate-row check is one grouped query over the whole table.
func (a *Auditor) RunOnce(ctx context.Context) (*Report, error) {
	start := time.Now()

	var (
		mu       sync.Mutex
		findings []domain.Finding
	)
	collect := func(fs ...domain.Finding) {
		mu.Lock()
		findings = append(findings, fs...)
		mu.Unlock()
	}

	scanned := 0
	for offset := 0; ; offset += a.batchSize {
		page, err := retry.Do(ctx, a.retryCfg, a.logger, "list properties", func(ctx context.Context) ([]*domain.Property, error) {
			return a.properties.List(ctx, offset, a.batchSize)
		})
		if err != nil {
			metrics.ObserveAuditScan("error", time.Since(start))
			return nil, fmt.Errorf("audit scan: %w", err)
		}
		if len(page) == 0 {
			break
		}
		scanned += len(page)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(a.workers)
		for _, prop := range page {
			g.Go(func() error {
				members, err := retry.Do(gctx, a.retryCfg, a.logger, "list memberships", func(ctx context.Context) ([]*domain.Membership, error) {
					return a.memberships.ListActiveByProperty(ctx, prop.ID)
				})
				if err != nil {
					return fmt.Errorf("property %s: %w", prop.ID, err)
				}
				if fs := authz.InspectProperty(prop, members); len(fs) > 0 {
					collect(fs...)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			metrics.ObserveAuditScan("error", time.Since(start))
			return nil, fmt.Errorf("audit scan: %w", err)
		}

		if len(page) < a.batchSize {
			break
		}
	}

	pairs, err := a.memberships.ListDuplicatePairs(ctx)
	if err != nil {
		metrics.ObserveAuditScan("error", time.Since(start))
		return nil, fmt.Errorf("audit scan: %w", err)
	}
	for _, p := range pairs {
		collect(domain.NewFinding(p.PropertyID, domain.FindingDuplicateMembership, map[string]string{
			"user_id":   p.UserID.String(),
			"row_count": strconv.Itoa(p.RowCount),
		}))
	}

	// The expiry sweeps are the only mutations the auditor performs. A
	// failure here does not fail the scan; the next run sweeps again.
	expired, err := a.invitations.ExpirePending(ctx, time.Now())
	if err != nil {
		a.logger.Error("failed to expire invitations", slog.String("error", err.Error()))
	} else {
		metrics.AddInvitationEvents("expired", expired)
	}

	lapsed, err := a.memberships.ExpirePending(ctx, time.Now().Add(-a.pendingTTL))
	if err != nil {
		a.logger.Error("failed to expire pending memberships", slog.String("error", err.Error()))
	} else {
		metrics.AddMembershipTransitions(string(domain.StatusPending), string(domain.StatusRevoked), lapsed)
	}

	for _, f := range findings {
		metrics.RecordFinding(string(f.Type))
		if err := a.sink.Publish(ctx, f); err != nil {
			a.logger.Error("failed to publish finding",
				slog.String("finding_type", string(f.Type)),
				slog.String("error", err.Error()),
			)
		}
	}

	report := &Report{
		StartedAt:          start,
		Duration:           time.Since(start),
		PropertiesScanned:  scanned,
		Findings:           findings,
		ExpiredInvitations: expired,
		ExpiredMemberships: lapsed,
	}

	metrics.SetLastScanFindings(len(findings))
	metrics.ObserveAuditScan("success", report.Duration)

	a.logger.Info("audit scan completed",
		slog.Int("properties_scanned", scanned),
		slog.Int("findings", len(findings)),
		slog.Int64("expired_invitations", expired),
		slog.Int64("expired_memberships", lapsed),
		slog.Duration("duration", report.Duration),
	)

	a.mu.Lock()
	a.lastReport = report
	a.mu.Unlock()

	return report, nil
}

// LastReport returns the most recent completed report, or nil before
// the first scan finishes.
func (a *Auditor) LastReport() *Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastReport
}
