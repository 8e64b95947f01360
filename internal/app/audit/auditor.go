// Package audit scans stored state for cross-module contradictions and
// repairs the ones that are safe to repair.
//
// Users are processed in batches by ascending ID with bounded parallelism.
// Every check for a user is isolated: a failing read or correction is
// recorded and the scan moves on. Corrections go through the ledger or the
// owning module's normal write path, never through direct storage writes,
// and each one is idempotent so a second scan finds nothing left to fix.
package audit

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/backbone/internal/domain"
	"github.com/tutu-network/backbone/internal/infra/logging"
	"github.com/tutu-network/backbone/internal/infra/observability"
)

const component = "audit"

// Check names used in UserCheckError.
const (
	CheckAccount    = "account"
	CheckReplay     = "ledger_replay"
	CheckBadges     = "duplicate_grants"
	CheckReferences = "orphaned_references"
	CheckProfile    = "plausibility"
	CheckNarrative  = "narrative"
)

// Ledger is the part of the ledger the auditor reads and corrects through.
type Ledger interface {
	Account(ctx context.Context, userID int64) (*domain.Account, error)
	Replay(ctx context.Context, userID int64) (domain.ReplayResult, error)
	ResetNegative(ctx context.Context, userID int64) (*domain.LedgerEntry, error)
	ReplayTolerance() int64
}

// Publisher receives the scan summary event.
type Publisher interface {
	Publish(t domain.EventType, subjectUserID int64, payload domain.Payload, source, correlationID string) (domain.Event, error)
}

// Repositories are the module read interfaces the checks use.
type Repositories struct {
	Users      domain.UserDirectory
	Profiles   domain.ProfileRepository
	Badges     domain.BadgeRepository
	Narrative  domain.NarrativeRepository
	References domain.ReferenceRepository
}

// Config controls scans.
type Config struct {
	BatchSize            int      // users per batch (default: 500)
	Concurrency          int      // users checked in parallel (default: 4)
	PrivilegedTiers      []string // profile tiers expected to hold a balance
	MinPrivilegedBalance int64    // plausibility floor for privileged tiers
	RepeatableBadges     []string // badges that may be granted more than once
}

// DefaultConfig returns auditor defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:            500,
		Concurrency:          4,
		PrivilegedTiers:      []string{"vip", "premium"},
		MinPrivilegedBalance: 10,
	}
}

// ScanOptions narrows a scan.
type ScanOptions struct {
	UserIDs []int64 // empty scans every user the directory knows
	After   int64   // resume after this user ID
	DryRun  bool    // report only, apply no corrections
	Scope   string  // metrics label, "full" when empty
}

// Auditor runs consistency scans. Safe for concurrent use.
type Auditor struct {
	ledger Ledger
	repos  Repositories
	pub    Publisher
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	privileged map[string]bool
	repeatable map[string]bool
}

// New creates an auditor. pub may be nil.
func New(ledger Ledger, repos Repositories, pub Publisher, cfg Config, logger *zap.Logger) *Auditor {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	a := &Auditor{
		ledger:     ledger,
		repos:      repos,
		pub:        pub,
		cfg:        cfg,
		logger:     logging.OrNop(logger).Named(component),
		now:        time.Now,
		privileged: make(map[string]bool),
		repeatable: make(map[string]bool),
	}
	for _, t := range cfg.PrivilegedTiers {
		a.privileged[t] = true
	}
	for _, b := range cfg.RepeatableBadges {
		a.repeatable[b] = true
	}
	return a
}

// ─── Scan ───────────────────────────────────────────────────────────────────

// Scan checks the selected users and returns every report. When ctx ends
// mid-scan the partial result comes back with Complete=false, Cursor set to
// the last fully processed batch, and ctx's error.
func (a *Auditor) Scan(ctx context.Context, opts ScanOptions) (domain.AuditResult, error) {
	scope := opts.Scope
	if scope == "" {
		scope = "full"
	}
	res := domain.AuditResult{
		BySeverity: make(map[domain.Severity]int),
		Cursor:     opts.After,
		StartedAt:  a.now(),
	}

	next := a.batches(opts)
	var scanErr error
	for {
		if err := ctx.Err(); err != nil {
			scanErr = err
			break
		}
		batch, err := next(ctx, res.Cursor)
		if err != nil {
			scanErr = fmt.Errorf("list users after %d: %w", res.Cursor, err)
			break
		}
		if len(batch) == 0 {
			res.Complete = true
			break
		}
		if err := a.scanBatch(ctx, batch, opts.DryRun, &res); err != nil {
			scanErr = err
			break
		}
		res.Cursor = batch[len(batch)-1]
	}

	res.FinishedAt = a.now()
	res.Found = len(res.Reports)
	for _, r := range res.Reports {
		res.BySeverity[r.Severity]++
		if r.CorrectionApplied {
			res.Corrected++
		}
	}
	sort.SliceStable(res.Reports, func(i, j int) bool { return res.Reports[i].UserID < res.Reports[j].UserID })

	observability.AuditScanDuration.WithLabelValues(scope).Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	a.announce(res)

	a.logger.Info("scan finished",
		zap.String("scope", scope),
		zap.Int("checked", res.TotalChecked),
		zap.Int("found", res.Found),
		zap.Int("corrected", res.Corrected),
		zap.Int("errors", len(res.Errors)),
		zap.Bool("complete", res.Complete),
		zap.Int64("cursor", res.Cursor))
	return res, scanErr
}

// batches returns a pager over the selected users.
func (a *Auditor) batches(opts ScanOptions) func(ctx context.Context, after int64) ([]int64, error) {
	if len(opts.UserIDs) == 0 {
		return func(ctx context.Context, after int64) ([]int64, error) {
			if a.repos.Users == nil {
				return nil, nil
			}
			return a.repos.Users.ListUserIDs(ctx, after, a.cfg.BatchSize)
		}
	}

	ids := append([]int64(nil), opts.UserIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	uniq := ids[:0]
	for i, id := range ids {
		if i == 0 || id != ids[i-1] {
			uniq = append(uniq, id)
		}
	}
	return func(_ context.Context, after int64) ([]int64, error) {
		start := sort.Search(len(uniq), func(i int) bool { return uniq[i] > after })
		end := start + a.cfg.BatchSize
		if end > len(uniq) {
			end = len(uniq)
		}
		return uniq[start:end], nil
	}
}

func (a *Auditor) scanBatch(ctx context.Context, batch []int64, dryRun bool, res *domain.AuditResult) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)

	for _, id := range batch {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			reports, errs := a.checkUser(gctx, id, dryRun)
			observability.AuditUsersChecked.Inc()

			mu.Lock()
			res.TotalChecked++
			res.Reports = append(res.Reports, reports...)
			res.Errors = append(res.Errors, errs...)
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// ─── Per-user Checks ────────────────────────────────────────────────────────

type userState struct {
	account   *domain.Account
	profile   *domain.UserProfile
	badges    []domain.BadgeGrant
	narrative *domain.NarrativeState
	refs      []domain.Reference

	accountOK, profileOK, badgesOK, narrativeOK, refsOK bool
}

func (s userState) referenced() bool {
	return s.profile != nil || len(s.badges) > 0 || s.narrative != nil || len(s.refs) > 0
}

func (a *Auditor) checkUser(ctx context.Context, userID int64, dryRun bool) ([]domain.InconsistencyReport, []domain.UserCheckError) {
	var (
		reports []domain.InconsistencyReport
		errs    []domain.UserCheckError
	)
	fail := func(check string, err error) {
		a.logger.Warn("check failed", zap.Int64("user_id", userID), zap.String("check", check), zap.Error(err))
		errs = append(errs, domain.UserCheckError{UserID: userID, Check: check, Error: err.Error()})
	}

	st := a.load(ctx, userID, fail)

	if st.accountOK && st.account == nil && st.referenced() {
		reports = append(reports, a.missingAccount(userID, st))
	}
	if st.accountOK && st.account != nil {
		if rep, err := a.replayMismatch(ctx, userID); err != nil {
			fail(CheckReplay, err)
		} else if rep != nil {
			reports = append(reports, *rep)
		}
		if st.account.Balance < 0 {
			reports = append(reports, a.negativeBalance(ctx, st.account, dryRun))
		}
	}
	if st.badgesOK {
		reports = append(reports, a.duplicateGrants(ctx, userID, st.badges, dryRun)...)
	}
	if st.refsOK {
		orphans, err := a.orphanedReferences(ctx, userID, st.refs, dryRun)
		if err != nil {
			fail(CheckReferences, err)
		}
		reports = append(reports, orphans...)
	}
	if st.accountOK && st.profileOK {
		if rep := a.plausibility(userID, st); rep != nil {
			reports = append(reports, *rep)
		}
	}

	for _, r := range reports {
		observability.AuditFindings.WithLabelValues(string(r.IssueType), string(r.Severity)).Inc()
	}
	return reports, errs
}

func (a *Auditor) load(ctx context.Context, userID int64, fail func(string, error)) userState {
	var st userState
	var err error

	if st.account, err = a.ledger.Account(ctx, userID); err != nil {
		fail(CheckAccount, err)
	} else {
		st.accountOK = true
	}
	if a.repos.Profiles != nil {
		if st.profile, err = a.repos.Profiles.GetProfile(ctx, userID); err != nil {
			fail(CheckProfile, err)
		} else {
			st.profileOK = true
		}
	}
	if a.repos.Badges != nil {
		if st.badges, err = a.repos.Badges.GetBadgesForUser(ctx, userID); err != nil {
			fail(CheckBadges, err)
		} else {
			st.badgesOK = true
		}
	}
	if a.repos.Narrative != nil {
		if st.narrative, err = a.repos.Narrative.GetNarrativeState(ctx, userID); err != nil {
			fail(CheckNarrative, err)
		} else {
			st.narrativeOK = true
		}
	}
	if a.repos.References != nil {
		if st.refs, err = a.repos.References.ListReferences(ctx, userID); err != nil {
			fail(CheckReferences, err)
		} else {
			st.refsOK = true
		}
	}
	return st
}

func (a *Auditor) report(userID int64, issue domain.IssueType, sev domain.Severity, module, desc string) domain.InconsistencyReport {
	return domain.InconsistencyReport{
		UserID:         userID,
		IssueType:      issue,
		Severity:       sev,
		Description:    desc,
		ModuleAffected: module,
		DetectedAt:     a.now(),
	}
}

// missingAccount: other modules know the user but the ledger has no account.
// Creating one is the owning module's call, so this is report only.
func (a *Auditor) missingAccount(userID int64, st userState) domain.InconsistencyReport {
	var by []string
	if st.profile != nil {
		by = append(by, domain.ModuleProfiles)
	}
	if len(st.badges) > 0 {
		by = append(by, domain.ModuleBadges)
	}
	if st.narrative != nil {
		by = append(by, domain.ModuleNarrative)
	}
	if len(st.refs) > 0 {
		by = append(by, "references")
	}
	r := a.report(userID, domain.IssueMissingAccount, domain.SeverityCritical, domain.ModuleLedger,
		fmt.Sprintf("user referenced by %v has no ledger account", by))
	r.ExpectedValue = "account"
	r.ActualValue = "absent"
	return r
}

// replayMismatch is report only: a divergence means a deeper bug and the
// stored balance is never overwritten to hide it.
func (a *Auditor) replayMismatch(ctx context.Context, userID int64) (*domain.InconsistencyReport, error) {
	res, err := a.ledger.Replay(ctx, userID)
	if err != nil {
		return nil, err
	}
	if res.Consistent(a.ledger.ReplayTolerance()) {
		return nil, nil
	}
	r := a.report(userID, domain.IssueReplayMismatch, domain.SeverityHigh, domain.ModuleLedger,
		fmt.Sprintf("balance differs from %d replayed entries by %d (%d chain breaks)", res.Entries, res.Drift(), res.ChainBreaks))
	r.ExpectedValue = strconv.FormatInt(res.EntrySum, 10)
	r.ActualValue = strconv.FormatInt(res.Balance, 10)
	return &r, nil
}

// negativeBalance resets the balance to zero with a compensating entry.
// The ledger re-checks the balance before writing; when a concurrent scan
// got there first nothing is written and the report stays uncorrected.
func (a *Auditor) negativeBalance(ctx context.Context, acct *domain.Account, dryRun bool) domain.InconsistencyReport {
	r := a.report(acct.UserID, domain.IssueNegativeBalance, domain.SeverityHigh, domain.ModuleLedger,
		fmt.Sprintf("balance is %d", acct.Balance))
	r.ExpectedValue = ">= 0"
	r.ActualValue = strconv.FormatInt(acct.Balance, 10)
	r.AutoCorrectable = true
	if dryRun {
		return r
	}

	entry, err := a.ledger.ResetNegative(ctx, acct.UserID)
	if err == nil && entry == nil {
		a.logger.Debug("negative balance already corrected", zap.Int64("user_id", acct.UserID))
		return r
	}
	a.corrected(&r, err)
	return r
}

// duplicateGrants keeps the earliest grant of each one-time badge and
// removes the rest.
func (a *Auditor) duplicateGrants(ctx context.Context, userID int64, grants []domain.BadgeGrant, dryRun bool) []domain.InconsistencyReport {
	byBadge := make(map[string][]domain.BadgeGrant)
	var order []string
	for _, g := range grants {
		if a.repeatable[g.BadgeID] {
			continue
		}
		if _, ok := byBadge[g.BadgeID]; !ok {
			order = append(order, g.BadgeID)
		}
		byBadge[g.BadgeID] = append(byBadge[g.BadgeID], g)
	}

	var out []domain.InconsistencyReport
	for _, badge := range order {
		list := byBadge[badge]
		if len(list) < 2 {
			continue
		}
		sort.SliceStable(list, func(i, j int) bool {
			if !list[i].GrantedAt.Equal(list[j].GrantedAt) {
				return list[i].GrantedAt.Before(list[j].GrantedAt)
			}
			return list[i].ID < list[j].ID
		})

		r := a.report(userID, domain.IssueDuplicateGrant, domain.SeverityMedium, domain.ModuleBadges,
			fmt.Sprintf("badge %q granted %d times, keeping grant %d", badge, len(list), list[0].ID))
		r.ExpectedValue = "1"
		r.ActualValue = strconv.Itoa(len(list))
		r.AutoCorrectable = true
		if !dryRun {
			var firstErr error
			for _, dup := range list[1:] {
				if err := a.repos.Badges.RemoveBadgeGrant(ctx, dup.ID); err != nil && firstErr == nil {
					firstErr = fmt.Errorf("remove grant %d: %w", dup.ID, err)
				}
			}
			a.corrected(&r, firstErr)
		}
		out = append(out, r)
	}
	return out
}

// orphanedReferences deletes join records whose target no longer exists.
func (a *Auditor) orphanedReferences(ctx context.Context, userID int64, refs []domain.Reference, dryRun bool) ([]domain.InconsistencyReport, error) {
	var (
		out      []domain.InconsistencyReport
		firstErr error
	)
	for _, ref := range refs {
		ok, err := a.repos.References.EntityExists(ctx, ref.TargetKind, ref.TargetID)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("resolve %s %q: %w", ref.TargetKind, ref.TargetID, err)
			}
			continue
		}
		if ok {
			continue
		}
		r := a.report(userID, domain.IssueOrphanReference, domain.SeverityHigh, ref.Module,
			fmt.Sprintf("reference %d points at missing %s %q", ref.ID, ref.TargetKind, ref.TargetID))
		r.ExpectedValue = ref.TargetKind + ":" + ref.TargetID
		r.ActualValue = "missing"
		r.AutoCorrectable = true
		if !dryRun {
			a.corrected(&r, a.repos.References.DeleteReference(ctx, ref.ID))
		}
		out = append(out, r)
	}
	return out, firstErr
}

// plausibility is advisory only.
func (a *Auditor) plausibility(userID int64, st userState) *domain.InconsistencyReport {
	if st.profile == nil || !a.privileged[st.profile.Tier] {
		return nil
	}
	var balance int64
	if st.account != nil {
		balance = st.account.Balance
	}
	if balance >= a.cfg.MinPrivilegedBalance {
		return nil
	}
	r := a.report(userID, domain.IssuePlausibility, domain.SeverityLow, domain.ModuleProfiles,
		fmt.Sprintf("tier %q user holds only %d points", st.profile.Tier, balance))
	r.ExpectedValue = ">= " + strconv.FormatInt(a.cfg.MinPrivilegedBalance, 10)
	r.ActualValue = strconv.FormatInt(balance, 10)
	return &r
}

func (a *Auditor) corrected(r *domain.InconsistencyReport, err error) {
	if err != nil {
		r.CorrectionError = err.Error()
		observability.AuditCorrections.WithLabelValues(string(r.IssueType), "failed").Inc()
		a.logger.Error("correction failed",
			zap.Int64("user_id", r.UserID), zap.String("issue", string(r.IssueType)), zap.Error(err))
		return
	}
	r.CorrectionApplied = true
	observability.AuditCorrections.WithLabelValues(string(r.IssueType), "applied").Inc()
	a.logger.Info("correction applied", zap.Int64("user_id", r.UserID), zap.String("issue", string(r.IssueType)))
}

func (a *Auditor) announce(res domain.AuditResult) {
	if a.pub == nil {
		return
	}
	bySev := make(map[domain.Severity]int, len(res.BySeverity))
	for k, v := range res.BySeverity {
		bySev[k] = v
	}
	_, err := a.pub.Publish(domain.EventConsistencyCheck, 0, domain.ConsistencyCheckPayload{
		TotalChecked: res.TotalChecked,
		Found:        res.Found,
		Corrected:    res.Corrected,
		BySeverity:   bySev,
		Errors:       len(res.Errors),
		Duration:     res.FinishedAt.Sub(res.StartedAt),
	}, component, "")
	if err != nil {
		a.logger.Warn("summary publish failed", zap.Error(err))
	}
}
