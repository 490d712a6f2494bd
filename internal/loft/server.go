package loft

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds configuration for the upload assembly server.
type Config struct {
	// DataDir is where the SQLite catalog database lives.
	DataDir string

	// Store is the chunk/object store backing uploads and playback.
	Store ObjectStore

	// TempPrefix is the key prefix for temporary chunk objects.
	TempPrefix string

	// MediaPrefix is the key prefix for final assembled objects.
	MediaPrefix string

	// UploadToken, when non-empty, is required as a bearer token on the
	// upload API.
	UploadToken string

	// Assembler tuning; zero values select the defaults.
	Assembler AssemblerOptions
}

// Server exposes the chunked upload API and the media streaming proxy over
// HTTP, backed by an S3-compatible object store and a SQLite catalog.
type Server struct {
	cfg         Config
	db          *sql.DB
	store       ObjectStore
	receiver    *Receiver
	assembler   *Assembler
	mediaClient *http.Client
}

// initSchema initializes the catalog database schema by applying all SQL
// files in the embedded migrations in lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Info("Running migration", "path", path)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// NewServer initializes the catalog database and returns a new Server.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("DataDir must not be empty")
	}
	if cfg.Store == nil {
		return nil, errors.New("Store must not be nil")
	}
	if cfg.TempPrefix == "" {
		cfg.TempPrefix = "uploads"
	}
	if cfg.MediaPrefix == "" {
		cfg.MediaPrefix = "media"
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := path.Join(cfg.DataDir, "catalog.sqlite")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	recorder := NewCatalogRecorder(db)

	return &Server{
		cfg:         cfg,
		db:          db,
		store:       cfg.Store,
		receiver:    NewReceiver(cfg.Store, cfg.TempPrefix),
		assembler:   NewAssembler(cfg.Store, recorder, cfg.TempPrefix, cfg.Assembler),
		mediaClient: &http.Client{},
	}, nil
}

// Close closes any resources held by the Server.
func (s *Server) Close() error {
	return s.db.Close()
}

// DB exposes the catalog database, e.g. for seeding lesson rows.
func (s *Server) DB() *sql.DB {
	return s.db
}

// WithTransaction runs a function within a database transaction.
func WithTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("error executing transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

// handleReceiveChunk implements PUT /api/uploads/{session}/parts/{part}.
// The body is one opaque chunk; re-sending the same part overwrites the
// previous payload, so retries are safe.
func (s *Server) handleReceiveChunk(w http.ResponseWriter, r *http.Request, sessionID string, partRaw string) {
	partNumber, err := strconv.Atoi(partRaw)
	if err != nil || partNumber < 1 {
		writeAPIError(w, "InvalidRequest", "Part number must be a positive integer.", http.StatusBadRequest)
		return
	}
	if !isValidSessionID(sessionID) {
		writeAPIError(w, "InvalidRequest", "The session id is not valid.", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	received, err := s.receiver.Receive(r.Context(), sessionID, partNumber, r.Body, r.ContentLength)
	if err != nil {
		var storageErr *StorageError
		if errors.As(err, &storageErr) {
			slog.Error("Receive chunk", "session", sessionID, "part", partNumber, "err", err)
			writeAPIError(w, "StorageFailure", "Failed to store the chunk. The call is safe to retry.", http.StatusBadGateway)
			return
		}
		writeAPIError(w, "InvalidRequest", err.Error(), http.StatusBadRequest)
		return
	}

	if err := writeJSONResponse(w, ReceiveChunkResponse{
		PartNumber: received.PartNumber,
		StoredSize: received.StoredSize,
	}); err != nil {
		slog.Error("Encode receive chunk response", "session", sessionID, "part", partNumber, "err", err)
	}
}

// handleCompleteUpload implements POST /api/uploads/{session}/complete.
func (s *Server) handleCompleteUpload(w http.ResponseWriter, r *http.Request, sessionID string) {
	defer r.Body.Close()

	var req CompleteUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, "InvalidRequest", "Failed to decode the request body.", http.StatusBadRequest)
		return
	}
	if !isValidKeySegment(req.OwnerID) {
		writeAPIError(w, "InvalidRequest", "owner_id is missing or not valid.", http.StatusBadRequest)
		return
	}
	if req.ExpectedParts < 0 || req.DeclaredSize < 0 {
		writeAPIError(w, "InvalidRequest", "expected_parts and declared_size must not be negative.", http.StatusBadRequest)
		return
	}

	// Assembly is bounded by a deadline proportional to the declared size;
	// on expiry the strategy's own abort/cleanup path runs before the error
	// propagates.
	ctx, cancel := context.WithTimeout(r.Context(), assembleTimeout(req.DeclaredSize))
	defer cancel()

	obj, err := s.assembler.Assemble(ctx, AssembleRequest{
		SessionID:     sessionID,
		ExpectedParts: req.ExpectedParts,
		TargetKey:     finalKey(s.cfg.MediaPrefix, req.OwnerID, req.SortOrder, req.FileName, time.Now()),
		ContentType:   req.ContentType,
		DeclaredSize:  req.DeclaredSize,
		LessonID:      req.LessonID,
		OwnerID:       req.OwnerID,
	})
	if err != nil {
		s.writeAssembleError(w, sessionID, err)
		return
	}

	resp := CompleteUploadResponse{
		Key:         obj.Key,
		Size:        obj.Size,
		ContentType: obj.ContentType,
		Codec:       obj.Codec,
	}
	if obj.Degraded {
		resp.Warning = "the object was stored but could not be fully recorded in the catalog"
	}

	if err := writeJSONResponse(w, resp); err != nil {
		slog.Error("Encode complete upload response", "session", sessionID, "err", err)
	}
}

// writeAssembleError maps assembler errors onto the API error taxonomy.
func (s *Server) writeAssembleError(w http.ResponseWriter, sessionID string, err error) {
	var (
		mismatchErr *PartCountMismatchError
		storageErr  *StorageError
	)

	switch {
	case errors.Is(err, ErrNoChunksFound):
		writeAPIError(w, "NoChunksFound",
			"No chunks exist for this session. Restart the upload from the first chunk.",
			http.StatusNotFound)
	case errors.As(err, &mismatchErr):
		writeAPIError(w, "PartCountMismatch",
			fmt.Sprintf("Expected %d chunks but found %d. Restart the upload from the first chunk.",
				mismatchErr.Expected, mismatchErr.Found),
			http.StatusConflict)
	case errors.Is(err, ErrAssemblyInProgress):
		writeAPIError(w, "AssemblyInProgress",
			"Another assembly for this session is already running.",
			http.StatusConflict)
	// A deadline expiring inside a store call arrives wrapped in a
	// StorageError, so the deadline check must come first.
	case errors.Is(err, context.DeadlineExceeded):
		slog.Error("Assemble upload deadline exceeded", "session", sessionID)
		writeAPIError(w, "StorageFailure",
			"The assembly deadline was exceeded. The call is safe to retry.",
			http.StatusGatewayTimeout)
	case errors.As(err, &storageErr):
		slog.Error("Assemble upload", "session", sessionID, "err", err)
		writeAPIError(w, "StorageFailure",
			"A storage operation failed. The assembly call is safe to retry.",
			http.StatusBadGateway)
	default:
		writeAPIError(w, "InvalidRequest", err.Error(), http.StatusBadRequest)
	}
}

// assembleTimeout scales the assembly deadline with the declared file
// size, allowing roughly one extra minute per 50 MB on top of a two-minute
// floor.
func assembleTimeout(declaredSize int64) time.Duration {
	const (
		floor   = 2 * time.Minute
		ceiling = 15 * time.Minute
	)
	d := floor + time.Duration(declaredSize/(50*1024*1024))*time.Minute
	return min(d, ceiling)
}
