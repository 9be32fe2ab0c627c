package batch

// CreateJobRequest is the body of POST /batch/jobs.
type CreateJobRequest struct {
	Name     string         `json:"name"`
	ModelID  string         `json:"model_id"`
	Prompts  []string       `json:"prompts"`
	Settings map[string]any `json:"settings,omitempty"`
}

// ListJobsQuery binds the job list query string.
type ListJobsQuery struct {
	Status string `form:"status"`
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
}

// ItemSummary counts a job's items by status.
type ItemSummary struct {
	Queued    int `json:"queued"`
	InFlight  int `json:"in_flight"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

func summarize(items []*Item) *ItemSummary {
	sum := &ItemSummary{}
	for _, it := range items {
		switch {
		case it.Status == ItemQueued:
			sum.Queued++
		case it.Status.IsInFlight():
			sum.InFlight++
		case it.Status == ItemSucceeded:
			sum.Succeeded++
		case it.Status == ItemFailed:
			sum.Failed++
		case it.Status == ItemSkipped:
			sum.Skipped++
		}
	}
	return sum
}

// JobResponse is the API view of a job.
type JobResponse struct {
	*Job
	Progress int          `json:"progress"`
	Items    *ItemSummary `json:"items,omitempty"`
}

func toJobResponse(job *Job, items []*Item) *JobResponse {
	resp := &JobResponse{Job: job, Progress: job.Progress()}
	if items != nil {
		resp.Items = summarize(items)
	}
	return resp
}

// ListJobsResponse is the response for GET /batch/jobs.
type ListJobsResponse struct {
	Jobs   []*JobResponse `json:"jobs"`
	Total  int64          `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// ListItemsResponse is the response for GET /batch/jobs/:id/items.
type ListItemsResponse struct {
	Items []*Item `json:"items"`
}
