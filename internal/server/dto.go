package server

// Request payloads

type CreateApplicationRequest struct {
	ID            *string `json:"id,omitempty"`
	CandidateName string  `json:"candidate_name"`
	Program       *string `json:"program,omitempty"`
}

type TransitionRequest struct {
	ToStage   string  `json:"to_stage"`
	Reason    *string `json:"reason,omitempty"`
	Notes     *string `json:"notes,omitempty"`
	Automatic bool    `json:"automatic,omitempty"`
}

type RejectTransitionRequest struct {
	Reason string `json:"reason"`
}

type WithdrawRequest struct {
	Reason *string `json:"reason,omitempty"`
}

type ProgressRequest struct {
	Stage           *string `json:"stage,omitempty"`
	Progress        int     `json:"progress" minimum:"0" maximum:"100"`
	AllowRegression bool    `json:"allow_regression,omitempty"`
}

type AssignRequest struct {
	ActorID string  `json:"actor_id"`
	Stage   *string `json:"stage,omitempty"`
}

type ReportIssueRequest struct {
	Stage       *string `json:"stage,omitempty"`
	Type        *string `json:"type,omitempty"`
	Severity    *string `json:"severity,omitempty" enum:"low,medium,high,critical,blocking"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
}

type ResolveIssueRequest struct {
	Resolution *string `json:"resolution,omitempty"`
}

type AddNoteRequest struct {
	Stage      *string `json:"stage,omitempty"`
	Content    string  `json:"content"`
	IsInternal bool    `json:"is_internal,omitempty"`
}

type AddActionRequest struct {
	Stage       *string `json:"stage,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	DueDate     *string `json:"due_date,omitempty" format:"date-time"`
}

type CreateAPIKeyRequest struct {
	ActorID string  `json:"actor_id"`
	Name    *string `json:"name,omitempty"`
}

type AssignRoleRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type CreateAPIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}

type MeResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
