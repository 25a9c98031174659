package models

import "time"

// Dead-letter kinds.
const (
	DeadLetterParse      = "parse"
	DeadLetterValidation = "validation"
)

// DeadLetter is a quarantined input record together with the reasons it was
// rejected. RecordIndex is -1 when the whole file was quarantined.
type DeadLetter struct {
	ID            string    `json:"id" bson:"record_id"`
	Key           string    `json:"key" bson:"-"`
	RunID         string    `json:"run_id" bson:"run_id"`
	Kind          string    `json:"kind" bson:"kind"`
	SourceFile    string    `json:"source_file" bson:"source_file"`
	SourceFileID  string    `json:"source_file_id" bson:"source_file_id"`
	RecordIndex   int       `json:"record_index" bson:"record_index"`
	Errors        []string  `json:"errors" bson:"errors"`
	Raw           string    `json:"raw" bson:"raw"`
	QuarantinedAt time.Time `json:"quarantined_at" bson:"quarantined_at"`
}
