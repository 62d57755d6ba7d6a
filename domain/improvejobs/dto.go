package improvejobs

// CreateJobRequest is the body of POST /jobs
type CreateJobRequest struct {
	RepositoryURL string `json:"repositoryUrl"`
	FilePath      string `json:"filePath"`
}
