package onboarding

import "github.com/sitechat/backend/internal/storage/models"

type ErrorCode string

const (
	CodeAlreadyLaunched   ErrorCode = "ALREADY_LAUNCHED"
	CodeVersionConflict   ErrorCode = "VERSION_CONFLICT"
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	CodeGuardFailed       ErrorCode = "GUARD_FAILED"
	CodeLockHeld          ErrorCode = "LOCK_HELD"
)

const (
	EventTransition  = "TRANSITION"
	EventGuardFailed = "GUARD_FAILED"
)

// StepInfo ties a status to its setup step and the URL an admin resumes at.
type StepInfo struct {
	Step int
	Path string
}

var stepTable = map[models.ConnectionStatus]StepInfo{
	models.StatusDraft:       {Step: 1, Path: "/setup/connect"},
	models.StatusConnected:   {Step: 2, Path: "/setup/discover"},
	models.StatusDiscovering: {Step: 3, Path: "/setup/train"},
	models.StatusTrained:     {Step: 4, Path: "/setup/tune"},
	models.StatusTuned:       {Step: 5, Path: "/setup/test"},
	models.StatusReady:       {Step: 6, Path: "/setup/launch"},
	models.StatusLaunched:    {Step: 6, Path: "/dashboard"},
}

func StepFor(status models.ConnectionStatus) int {
	return stepTable[status].Step
}

func PathFor(status models.ConnectionStatus) string {
	return stepTable[status].Path
}

type edge struct {
	From models.ConnectionStatus
	To   models.ConnectionStatus
}

type transitionRule struct {
	Guard    Guard
	Rollback bool
}

// transitionTable is the single source of truth for legal moves. Forward moves
// advance exactly one step; rollback edges are guard-free.
var transitionTable = map[edge]transitionRule{
	{models.StatusDraft, models.StatusConnected}:       {Guard: guardWebsiteURL},
	{models.StatusConnected, models.StatusDiscovering}: {Guard: guardWebsiteName},
	{models.StatusDiscovering, models.StatusTrained}:   {Guard: guardReadyKnowledge},
	{models.StatusTrained, models.StatusTuned}:         {Guard: guardBehaviorProfile},
	{models.StatusTuned, models.StatusReady}:           {Guard: guardTestSession},
	{models.StatusReady, models.StatusLaunched}:        {Guard: guardHealthScore},

	{models.StatusDiscovering, models.StatusConnected}: {Rollback: true},
	{models.StatusTrained, models.StatusDiscovering}:   {Rollback: true},
	{models.StatusTuned, models.StatusTrained}:         {Rollback: true},
	{models.StatusReady, models.StatusTuned}:           {Rollback: true},
}
