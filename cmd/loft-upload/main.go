package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// uploadChunk sends one chunk of the file to the upload API.
func uploadChunk(ctx context.Context, client *http.Client, baseURL, token, sessionID string, partNumber int, data []byte) error {
	url := fmt.Sprintf("%s/api/uploads/%s/parts/%d", baseURL, sessionID, partNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build chunk request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send chunk %d: %w", partNumber, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chunk %d rejected with status %d: %s", partNumber, resp.StatusCode, body)
	}

	slog.Info("Uploaded chunk", "part", partNumber, "size", len(data))
	return nil
}

// completeUpload asks the server to assemble the session into one object
// and returns the durable object key.
func completeUpload(ctx context.Context, client *http.Client, baseURL, token, sessionID string, body map[string]any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to encode complete request: %w", err)
	}

	url := fmt.Sprintf("%s/api/uploads/%s/complete", baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build complete request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to complete upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("complete rejected with status %d: %s", resp.StatusCode, raw)
	}

	var result struct {
		Key     string `json:"key"`
		Size    int64  `json:"size"`
		Codec   string `json:"codec"`
		Warning string `json:"warning"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode complete response: %w", err)
	}

	if result.Warning != "" {
		slog.Warn("Upload completed with warning", "warning", result.Warning)
	}
	slog.Info("Upload assembled", "key", result.Key, "size", result.Size, "codec", result.Codec)
	return result.Key, nil
}

func Run(ctx context.Context) error {
	server := flag.String("server", "http://localhost:8080", "loft server base URL")
	filePath := flag.String("file", "", "audio file to upload")
	chunkSize := flag.Int("chunk-size", 2*1024*1024, "chunk size in bytes")
	owner := flag.String("owner", "local", "owner id for the final object key")
	lessonID := flag.Int64("lesson", 0, "lesson id to attach the asset to (0 for none)")
	sortOrder := flag.Int("sort", 0, "sort order within the owner's media")
	contentType := flag.String("content-type", "audio/mpeg", "content type of the file")
	token := flag.String("token", os.Getenv("LOFT_UPLOAD_TOKEN"), "upload API bearer token")

	flag.Parse()

	if *filePath == "" {
		return fmt.Errorf("-file is required")
	}
	if *chunkSize < 1 {
		return fmt.Errorf("-chunk-size must be positive")
	}

	data, err := os.ReadFile(*filePath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", *filePath, err)
	}

	sessionID := uuid.NewString()
	client := &http.Client{}

	slog.Info("Starting chunked upload", "file", *filePath, "size", len(data), "session", sessionID)

	parts := 0
	for offset := 0; offset < len(data); offset += *chunkSize {
		end := min(offset+*chunkSize, len(data))
		parts++
		if err := uploadChunk(ctx, client, *server, *token, sessionID, parts, data[offset:end]); err != nil {
			return err
		}
	}

	key, err := completeUpload(ctx, client, *server, *token, sessionID, map[string]any{
		"expected_parts": parts,
		"owner_id":       *owner,
		"lesson_id":      *lessonID,
		"sort_order":     *sortOrder,
		"file_name":      filepath.Base(*filePath),
		"content_type":   *contentType,
		"declared_size":  len(data),
	})
	if err != nil {
		return err
	}

	fmt.Printf("%s/stream/%s\n", *server, key)
	return nil
}

func main() {
	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           log.InfoLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
	})
	slog.SetDefault(slog.New(handler))

	if err := Run(context.Background()); err != nil {
		slog.Error("Upload failed", "error", err)
		os.Exit(1)
	}
}
