package engine

import "fmt"

// InvalidTransitionError indicates the target stage is not a configured
// successor of the current stage.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e InvalidTransitionError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("stage %s is not a start stage", e.To)
	}
	return fmt.Sprintf("transition %s -> %s not allowed", e.From, e.To)
}

// NoActiveStageError indicates the application has no entry in an active
// status, or its active entry is not on the expected stage.
type NoActiveStageError struct {
	ApplicationID string
	Stage         string
}

func (e NoActiveStageError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("application %s has no active entry on stage %s", e.ApplicationID, e.Stage)
	}
	return fmt.Sprintf("application %s has no active stage", e.ApplicationID)
}

// BlockedByOpenIssueError indicates unresolved blocking issues prevent
// leaving the current stage.
type BlockedByOpenIssueError struct {
	Stage string
	Count int
}

func (e BlockedByOpenIssueError) Error() string {
	return fmt.Sprintf("stage %s has %d unresolved blocking issue(s)", e.Stage, e.Count)
}

// InvalidProgressError indicates a progress update outside 0-100 or a
// regression without the explicit flag.
type InvalidProgressError struct {
	Current int
	Given   int
	Reason  string
}

func (e InvalidProgressError) Error() string {
	return fmt.Sprintf("invalid progress %d (current %d): %s", e.Given, e.Current, e.Reason)
}

// ConflictError indicates a lost race on a once-only write, such as two
// approvers resolving the same transition.
type ConflictError struct {
	Message string
}

func (e ConflictError) Error() string { return e.Message }
