package loft

import (
	"io"
	"log/slog"
	"net/http"
	"time"
)

const presignExpiry = 15 * time.Minute

// handleStreamMedia implements GET /stream/{key...}: it resolves the object
// key to a short-lived signed read URL, forwards the client's Range header,
// and relays the backend's partial-content response. The payload is
// streamed straight through, never buffered.
func (s *Server) handleStreamMedia(w http.ResponseWriter, r *http.Request, key string) {
	if key == "" {
		writeAPIError(w, "InvalidRequest", "Object key must not be empty.", http.StatusBadRequest)
		return
	}

	signed, err := s.store.PresignGet(r.Context(), key, presignExpiry)
	if err != nil {
		slog.Error("Presign media read", "key", key, "err", err)
		writeAPIError(w, "StorageFailure", "Unable to resolve the requested media object.", http.StatusBadGateway)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, signed.String(), nil)
	if err != nil {
		slog.Error("Build media read request", "key", key, "err", err)
		writeAPIError(w, "InternalError", "We encountered an internal error. Please try again.", http.StatusInternalServerError)
		return
	}
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}

	resp, err := s.mediaClient.Do(req)
	if err != nil {
		slog.Error("Fetch media object", "key", key, "err", err)
		writeAPIError(w, "StorageFailure", "Unable to read the requested media object.", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusNotFound:
		writeAPIError(w, "NotFound", "The requested media object does not exist.", http.StatusNotFound)
		return
	case http.StatusRequestedRangeNotSatisfiable:
		w.Header().Set("Content-Range", resp.Header.Get("Content-Range"))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	default:
		slog.Error("Unexpected backend status for media read", "key", key, "status", resp.StatusCode)
		writeAPIError(w, "StorageFailure", "Unable to read the requested media object.", http.StatusBadGateway)
		return
	}

	for _, header := range []string{"Content-Length", "Content-Range", "ETag", "Last-Modified"} {
		if v := resp.Header.Get(header); v != "" {
			w.Header().Set(header, v)
		}
	}
	w.Header().Set("Content-Type", contentTypeForKey(key))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "public, max-age=86400")

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Error("Stream media object", "key", key, "err", err)
	}
}
