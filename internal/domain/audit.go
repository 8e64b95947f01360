package domain

import "time"

// ─── Audit Types ────────────────────────────────────────────────────────────

// Severity ranks an inconsistency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IssueType names the invariant a report violates.
type IssueType string

const (
	IssueMissingAccount  IssueType = "missing_account"
	IssueNegativeBalance IssueType = "negative_balance"
	IssueReplayMismatch  IssueType = "ledger_replay_mismatch"
	IssueDuplicateGrant  IssueType = "duplicate_grant"
	IssueOrphanReference IssueType = "orphaned_reference"
	IssuePlausibility    IssueType = "cross_module_plausibility"
)

// Module names used in reports.
const (
	ModuleLedger    = "ledger"
	ModuleBadges    = "badges"
	ModuleNarrative = "narrative"
	ModuleMissions  = "missions"
	ModuleProfiles  = "profiles"
)

// InconsistencyReport is one detected invariant violation. UserID 0 means
// system-wide.
type InconsistencyReport struct {
	UserID            int64     `json:"user_id"`
	IssueType         IssueType `json:"issue_type"`
	Severity          Severity  `json:"severity"`
	Description       string    `json:"description"`
	ExpectedValue     string    `json:"expected_value,omitempty"`
	ActualValue       string    `json:"actual_value,omitempty"`
	ModuleAffected    string    `json:"module_affected"`
	DetectedAt        time.Time `json:"detected_at"`
	AutoCorrectable   bool      `json:"auto_correctable"`
	CorrectionApplied bool      `json:"correction_applied"`
	CorrectionError   string    `json:"correction_error,omitempty"`
}

// AuditResult is the outcome of one scan pass.
type AuditResult struct {
	TotalChecked int                   `json:"total_checked"`
	Found        int                   `json:"found"`
	Corrected    int                   `json:"corrected"`
	BySeverity   map[Severity]int      `json:"by_severity"`
	Reports      []InconsistencyReport `json:"reports"`
	Errors       []UserCheckError      `json:"errors,omitempty"`
	Cursor       int64                 `json:"cursor"`   // highest user ID processed, for resuming
	Complete     bool                  `json:"complete"` // false when interrupted
	StartedAt    time.Time             `json:"started_at"`
	FinishedAt   time.Time             `json:"finished_at"`
}

// UserCheckError records a check that could not run for one user.
type UserCheckError struct {
	UserID int64  `json:"user_id"`
	Check  string `json:"check"`
	Error  string `json:"error"`
}

// Anomalies returns the reports that need operator attention.
func (r AuditResult) Anomalies() []InconsistencyReport {
	var out []InconsistencyReport
	for _, rep := range r.Reports {
		if !rep.CorrectionApplied {
			out = append(out, rep)
		}
	}
	return out
}

// ─── Module Records ─────────────────────────────────────────────────────────
// Read models of modules outside the core, as the auditor sees them.

// UserProfile is the profile module's view of a user.
type UserProfile struct {
	UserID int64  `json:"user_id"`
	Tier   string `json:"tier"`
	Level  int    `json:"level"`
}

// BadgeGrant is one awarded badge.
type BadgeGrant struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	BadgeID   string    `json:"badge_id"`
	GrantedAt time.Time `json:"granted_at"`
}

// NarrativeState is the user's position in the story.
type NarrativeState struct {
	UserID     int64     `json:"user_id"`
	FragmentID string    `json:"fragment_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Reference is a join record from a user to an entity owned by a module.
type Reference struct {
	ID         int64  `json:"id"`
	UserID     int64  `json:"user_id"`
	Module     string `json:"module"`
	TargetKind string `json:"target_kind"`
	TargetID   string `json:"target_id"`
}
