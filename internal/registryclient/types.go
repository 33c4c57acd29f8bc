package registryclient

// Job is the decoded shape of a GET /next-job response (spec §6).
type Job struct {
	Client  ClientRef    `json:"client" validate:"required"`
	Project ProjectRef   `json:"project" validate:"required"`
	Media   []MediaRef   `json:"media" validate:"required,min=1,dive"`
	Analyses []AnalysisRef `json:"analyses" validate:"required,min=1,dive"`
}

type ClientRef struct {
	ID   string `json:"id" validate:"required,uuid"`
	Slug string `json:"slug" validate:"required"`
	Name string `json:"name" validate:"required"`
}

type ProjectRef struct {
	ID   string `json:"id" validate:"required,uuid"`
	Slug string `json:"slug" validate:"required"`
	Name string `json:"name" validate:"required"`
}

type MediaRef struct {
	ID            string `json:"id" validate:"required,uuid"`
	Filename      string `json:"filename" validate:"required"`
	OptimisedPath string `json:"optimised_path" validate:"required,url"`
	GreyscalePath string `json:"greyscale_path"`
}

type AnalysisRef struct {
	ID   string `json:"id" validate:"required,uuid"`
	Name string `json:"name" validate:"required"`
	Slug string `json:"slug" validate:"required"`
}

// ProjectStatus is the body of PUT /projects/{projectId}/status.
type ProjectStatus struct {
	Status string `json:"status" validate:"required,oneof=processing completed"`
}

// AnalysisSubmission is the body of POST
// /projects/{id}/media/{id}/analysis/{id}.
type AnalysisSubmission struct {
	ModelUsed        string `json:"modelUsed" validate:"required"`
	UserPromptUsed   string `json:"userPromptUsed" validate:"required"`
	SystemPromptUsed string `json:"systemPromptUsed" validate:"required"`
	Status           string `json:"status" validate:"required"`
	AnalysisResult   any    `json:"analysisResult" validate:"required"`
}

// Report is the body of PUT /projects/{projectId}/reports.
type Report struct {
	Type   string      `json:"type" validate:"required"`
	Report ReportBody  `json:"report" validate:"required"`
}

type ReportBody struct {
	Summary string            `json:"summary"`
	Details ReportDetails     `json:"details"`
}

type ReportDetails struct {
	TotalMediaProcessed     int      `json:"total_media_processed"`
	TotalAnalysesCompleted  int      `json:"total_analyses_completed"`
	ProcessingTimeMinutes   float64  `json:"processing_time_minutes"`
	SuccessRate             float64  `json:"success_rate"`
	AnalysisTypesCompleted  []string `json:"analysis_types_completed"`
	KeyFindings             []string `json:"key_findings"`
}
