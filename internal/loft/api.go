package loft

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ReceiveChunkResponse acknowledges one stored upload chunk.
type ReceiveChunkResponse struct {
	PartNumber int   `json:"part_number"`
	StoredSize int64 `json:"stored_size"`
}

// CompleteUploadRequest asks the server to assemble a finished upload
// session into a single durable object.
type CompleteUploadRequest struct {
	// ExpectedParts is the number of chunks the client sent. Zero means
	// unknown, in which case completeness is inferred from the listing.
	ExpectedParts int `json:"expected_parts"`

	// LessonID optionally attaches the assembled asset to a lesson.
	LessonID int64 `json:"lesson_id"`

	OwnerID   string `json:"owner_id"`
	SortOrder int    `json:"sort_order"`

	// FileName is the client-side name of the uploaded file; only its
	// extension influences the final object key.
	FileName string `json:"file_name"`

	ContentType string `json:"content_type"`

	// DeclaredSize is the client's total byte count, used only to pick a
	// reconstruction strategy. Zero means unknown.
	DeclaredSize int64 `json:"declared_size"`
}

// CompleteUploadResponse is the durable public reference to the assembled
// object.
type CompleteUploadResponse struct {
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	Codec       string `json:"codec"`

	// Warning is set when the object is durable but could not be fully
	// recorded in the catalog.
	Warning string `json:"warning,omitempty"`
}

// APIError is the JSON error body returned by every endpoint.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeAPIError writes a JSON error response with the given code and
// status.
func writeAPIError(w http.ResponseWriter, code string, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{Code: code, Message: message}); err != nil {
		slog.Error("Encode API error", "code", code, "err", err)
	}
}

// writeJSONResponse encodes v as JSON and writes it with a 200 OK status.
func writeJSONResponse(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	return json.NewEncoder(w).Encode(v)
}
