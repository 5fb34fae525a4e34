package core

import "github.com/google/uuid"

// NewID returns a fresh unique identifier for tasks, requests, slots, and
// suggestions. Centralized so every identifier in the system comes from the
// same generator and the same ID scheme.
func NewID(prefix string) string {
	return prefix + "-" + uuid.New().String()
}

// NewTaskID, NewRequestID, NewSlotID, NewSuggestionID give each entity kind
// its own recognizable prefix — handy when grepping logs or event payloads.
func NewTaskID() string       { return NewID("task") }
func NewRequestID() string    { return NewID("req") }
func NewSlotID() string       { return NewID("slot") }
func NewSuggestionID() string { return NewID("sug") }
