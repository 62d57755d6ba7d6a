package repos

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// TrackedRepository is a repository registered for coverage tracking.
type TrackedRepository struct {
	bun.BaseModel `bun:"table:tracked_repositories,alias:tr"`

	ID  uuid.UUID `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	URL string    `bun:"url,notnull,unique" json:"url"`

	// LastCoverageReport is nil until the first scan completes; after that it
	// is always a complete snapshot, replaced atomically by the scan consumer.
	LastCoverageReport []FileCoverage `bun:"last_coverage_report,type:jsonb" json:"lastCoverageReport,omitempty"`

	CreatedAt time.Time `bun:"created_at,notnull,default:now()" json:"createdAt"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:now()" json:"updatedAt"`
}

// FileCoverage is one file's line coverage within a scan report.
type FileCoverage struct {
	FilePath      string  `json:"filePath"`
	LinesCoverage float64 `json:"linesCoverage"`
}
