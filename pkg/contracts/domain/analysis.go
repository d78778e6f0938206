package domain

// AnalyzeFileRequest submits file content to the classifier.
type AnalyzeFileRequest struct {
	FileContent string `json:"fileContent" validate:"required"`
	FileName    string `json:"fileName" validate:"required,filename"`
}

// AnalyzeFileResponse is the classifier verdict.
type AnalyzeFileResponse struct {
	IsMalicious     bool    `json:"is_malicious"`
	ConfidenceScore float64 `json:"confidence_score"`
	Reason          string  `json:"reason"`
	ThreatType      string  `json:"threat_type"`
}
