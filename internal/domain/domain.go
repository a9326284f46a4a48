package domain

// Entry statuses.
const (
	StatusNotStarted         = "not_started"
	StatusInProgress         = "in_progress"
	StatusWaitingForInput    = "waiting_for_input"
	StatusWaitingForApproval = "waiting_for_approval"
	StatusCompleted          = "completed"
	StatusBlocked            = "blocked"
	StatusSkipped            = "skipped"
)

// Issue severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
	SeverityBlocking = "blocking"
)

// Notification urgencies.
const (
	UrgencyLow    = "low"
	UrgencyMedium = "medium"
	UrgencyHigh   = "high"
)

// Application statuses.
const (
	ApplicationActive    = "active"
	ApplicationWithdrawn = "withdrawn"
)

type Application struct {
	ID            string `json:"id"`
	CandidateName string `json:"candidate_name"`
	Program       string `json:"program,omitempty"`
	Status        string `json:"status" enum:"active,withdrawn"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

// TimelineEntry records one visit of one application to one stage. An
// application may revisit a stage, so entries carry their own id.
type TimelineEntry struct {
	ID            string        `json:"id"`
	ApplicationID string        `json:"application_id"`
	Stage         string        `json:"stage"`
	Status        string        `json:"status" enum:"not_started,in_progress,waiting_for_input,waiting_for_approval,completed,blocked,skipped"`
	Progress      int           `json:"progress"`
	EnteredAt     string        `json:"entered_at" format:"date-time"`
	CompletedAt   *string       `json:"completed_at,omitempty" format:"date-time"`
	AssignedTo    []string      `json:"assigned_to,omitempty"`
	Issues        []StageIssue  `json:"issues,omitempty"`
	Notes         []StageNote   `json:"notes,omitempty"`
	Actions       []StageAction `json:"actions,omitempty"`
}

// StageTransition is an append-only audit record. Approval and rejection
// fields are written exactly once; nothing else is ever mutated.
type StageTransition struct {
	ID               string  `json:"id"`
	ApplicationID    string  `json:"application_id"`
	FromStage        string  `json:"from_stage,omitempty"`
	ToStage          string  `json:"to_stage"`
	TransitionedBy   string  `json:"transitioned_by"`
	TransitionedRole string  `json:"transitioned_role,omitempty"`
	TransitionedAt   string  `json:"transitioned_at" format:"date-time"`
	Automatic        bool    `json:"automatic"`
	Reason           string  `json:"reason,omitempty"`
	Notes            string  `json:"notes,omitempty"`
	RequiresApproval bool    `json:"requires_approval"`
	ApprovedAt       *string `json:"approved_at,omitempty" format:"date-time"`
	ApprovedBy       *string `json:"approved_by,omitempty"`
	RejectedAt       *string `json:"rejected_at,omitempty" format:"date-time"`
	RejectionReason  *string `json:"rejection_reason,omitempty"`
}

// Pending reports whether the transition is approval-gated and unresolved.
func (t StageTransition) Pending() bool {
	return t.RequiresApproval && t.ApprovedAt == nil && t.RejectedAt == nil
}

type StageIssue struct {
	ID            string  `json:"id"`
	EntryID       string  `json:"entry_id"`
	ApplicationID string  `json:"application_id"`
	Stage         string  `json:"stage"`
	Type          string  `json:"type"`
	Severity      string  `json:"severity" enum:"low,medium,high,critical,blocking"`
	Title         string  `json:"title"`
	Description   string  `json:"description,omitempty"`
	ReportedBy    string  `json:"reported_by"`
	ReportedAt    string  `json:"reported_at" format:"date-time"`
	ResolvedAt    *string `json:"resolved_at,omitempty" format:"date-time"`
	Resolution    *string `json:"resolution,omitempty"`
}

func (i StageIssue) Resolved() bool { return i.ResolvedAt != nil }

type StageNote struct {
	ID         string `json:"id"`
	EntryID    string `json:"entry_id"`
	Content    string `json:"content"`
	AuthorID   string `json:"author_id"`
	AuthorRole string `json:"author_role,omitempty"`
	IsInternal bool   `json:"is_internal"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type StageAction struct {
	ID          string  `json:"id"`
	EntryID     string  `json:"entry_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	DueDate     *string `json:"due_date,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type StageNotification struct {
	ID             string  `json:"id"`
	ApplicationID  string  `json:"application_id"`
	Stage          string  `json:"stage"`
	Title          string  `json:"title"`
	Message        string  `json:"message"`
	Urgency        string  `json:"urgency" enum:"low,medium,high"`
	ActionRequired bool    `json:"action_required"`
	SentAt         string  `json:"sent_at" format:"date-time"`
	ReadAt         *string `json:"read_at,omitempty" format:"date-time"`
}

type Actor struct {
	ID        string `json:"id"`
	Role      string `json:"role,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
