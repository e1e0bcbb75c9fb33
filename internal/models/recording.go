package models

// RecordingRequestItem is one recording requested for bulk retrieval.
type RecordingRequestItem struct {
	CallID      int64  `json:"callId"`
	RecID       int64  `json:"recId"`
	MetaURL     string `json:"metaUrl"`
	CreatedTime string `json:"created_time,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Agent       string `json:"agent,omitempty"`
}
