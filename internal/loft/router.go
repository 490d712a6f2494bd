package loft

import "net/http"

// Handler returns an http.Handler exposing the upload and playback API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("PUT /api/uploads/{session}/parts/{part}", func(w http.ResponseWriter, r *http.Request) {
		session := r.PathValue("session")
		part := r.PathValue("part")
		s.handleReceiveChunk(w, r, session, part)
	})
	mux.HandleFunc("POST /api/uploads/{session}/complete", func(w http.ResponseWriter, r *http.Request) {
		session := r.PathValue("session")
		s.handleCompleteUpload(w, r, session)
	})

	mux.HandleFunc("GET /stream/{key...}", func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		s.handleStreamMedia(w, r, key)
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return LogRequest(RequestID(RequireAuthentication(s.cfg.UploadToken, SlashFix(mux))))
}
