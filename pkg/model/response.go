package model

// ReportResponse is returned by the report backend on successful ingestion.
type ReportResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	ReportID   string `json:"report_id"`
	ReceivedAt int64  `json:"received_at"`
}

// ReportErrorResponse is returned on rejection (4xx errors).
type ReportErrorResponse struct {
	Success           bool   `json:"success"`
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds *int   `json:"retry_after_seconds,omitempty"`
}
