package repos

import "github.com/google/uuid"

// CreateRepoRequest is the body of POST /repos
type CreateRepoRequest struct {
	RepositoryURL string `json:"repositoryUrl"`
}

// ScanQueuedResponse is the body returned by POST /repos/:id/scan
type ScanQueuedResponse struct {
	Queued bool      `json:"queued"`
	RepoID uuid.UUID `json:"repoId"`
}
