package improvejobs

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ImprovementJob tracks one attempt to raise the test coverage of a single
// file in a repository, from enqueue through pull request.
type ImprovementJob struct {
	bun.BaseModel `bun:"table:improvement_jobs,alias:ij"`

	ID             uuid.UUID `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	RepositoryURL  string    `bun:"repository_url,notnull" json:"repositoryUrl"`
	FilePath       string    `bun:"file_path,notnull" json:"filePath"`
	TargetCoverage float64   `bun:"target_coverage,notnull,default:80" json:"targetCoverage"`
	Status         string    `bun:"status,notnull,default:'QUEUED'" json:"status"`
	PRLink         *string   `bun:"pr_link" json:"prLink,omitempty"`
	ErrorMessage   *string   `bun:"error_message" json:"errorMessage,omitempty"`
	CreatedAt      time.Time `bun:"created_at,notnull,default:now()" json:"createdAt"`
	UpdatedAt      time.Time `bun:"updated_at,notnull,default:now()" json:"updatedAt"`
}

// Valid job statuses. Transitions are monotonic; PR_CREATED and FAILED are
// terminal.
const (
	StatusQueued     = "QUEUED"
	StatusCloning    = "CLONING"
	StatusAnalyzing  = "ANALYZING"
	StatusGenerating = "GENERATING"
	StatusPushing    = "PUSHING"
	StatusPRCreated  = "PR_CREATED"
	StatusFailed     = "FAILED"
)

// DefaultTargetCoverage is the statement-coverage threshold a generated test
// must reach when the caller does not specify one.
const DefaultTargetCoverage = 80.0

// ActiveStatuses are the states during which a job holds a clone directory.
func ActiveStatuses() []string {
	return []string{StatusCloning, StatusAnalyzing, StatusGenerating, StatusPushing}
}

// AbandonSweepStatuses are the states the abandoned-job sweep may fail: every
// non-terminal status, since a job whose queue delivery is gone can no longer
// progress regardless of where it stalled. QUEUED is included because the
// busy-repo guard can defer a delivery until the queue exhausts its retries
// without the entity ever leaving QUEUED.
func AbandonSweepStatuses() []string {
	return append(ActiveStatuses(), StatusQueued)
}

// IsTerminal returns true once a job can no longer change state.
func (j *ImprovementJob) IsTerminal() bool {
	return j.Status == StatusPRCreated || j.Status == StatusFailed
}
