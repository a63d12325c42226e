package client

import "github.com/loykin/capwatch/internal/record"

// AnalysisSummary is one row of the analyses listing.
type AnalysisSummary = record.Summary

// AnalysisDetail is the full view of one analysis.
type AnalysisDetail = record.Detail

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}
