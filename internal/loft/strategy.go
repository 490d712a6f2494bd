package loft

import (
	"bytes"
	"context"
	"log/slog"
	"time"
)

// cleanupTimeout bounds the abort and chunk-delete calls that run after a
// reconstruction failure. They must still run when the failure is the
// context itself expiring, so they get a detached context with this
// deadline instead of the caller's.
const cleanupTimeout = 30 * time.Second

// reconstructionStrategy rebuilds the final object from a sorted slice of
// chunk objects. Both implementations share the same contract: on success
// the object at targetKey is the complete, ordered concatenation of the
// chunk payloads and the returned size is its byte length; on failure no
// observable final object exists and no multipart upload is left open.
type reconstructionStrategy interface {
	reconstruct(ctx context.Context, chunks []ObjectInfo, targetKey, contentType string) (int64, error)
}

// concatStrategy buffers the entire file in memory and writes it with a
// single put. Memory cost is O(total size), so the assembler only selects
// it below the size threshold.
type concatStrategy struct {
	store ObjectStore
}

func (s *concatStrategy) reconstruct(ctx context.Context, chunks []ObjectInfo, targetKey, contentType string) (int64, error) {
	var buf bytes.Buffer
	for _, chunk := range chunks {
		data, err := s.store.Get(ctx, chunk.Key)
		if err != nil {
			return 0, &StorageError{Op: "download chunk", Err: err}
		}
		buf.Write(data)
	}

	size := int64(buf.Len())
	if _, err := s.store.Put(ctx, targetKey, &buf, size, contentType); err != nil {
		return 0, &StorageError{Op: "write assembled object", Err: err}
	}
	return size, nil
}

// multipartStrategy streams chunks through a small accumulator into a
// backend multipart upload. Each chunk object is deleted as soon as its
// bytes have been consumed, and the accumulator is flushed as a part
// whenever it reaches the backend's minimum part size (or on the last
// chunk), so memory stays O(minPartSize) regardless of total file size.
type multipartStrategy struct {
	store       ObjectStore
	minPartSize int64
}

func (s *multipartStrategy) reconstruct(ctx context.Context, chunks []ObjectInfo, targetKey, contentType string) (int64, error) {
	uploadID, err := s.store.CreateMultipart(ctx, targetKey, contentType)
	if err != nil {
		return 0, &StorageError{Op: "initiate multipart upload", Err: err}
	}

	var (
		acc        []byte
		parts      []CompletedPart
		total      int64
		partNumber = 1
	)

	// fail aborts the open multipart upload and removes whatever chunk
	// objects have not been consumed yet. Aborting is a correctness
	// requirement, not optional cleanup: an open multipart upload holds
	// backend storage for its parts indefinitely. ctx may already be
	// cancelled or expired here, so the cleanup runs on its own context.
	fail := func(remaining []ObjectInfo, cause error) (int64, error) {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()

		if abortErr := s.store.AbortMultipart(cleanupCtx, targetKey, uploadID); abortErr != nil {
			slog.Error("Abort multipart upload", "key", targetKey, "upload_id", uploadID, "err", abortErr)
		}
		for _, chunk := range remaining {
			if delErr := s.store.Delete(cleanupCtx, chunk.Key); delErr != nil {
				slog.Error("Delete chunk during multipart failure cleanup", "key", chunk.Key, "err", delErr)
			}
		}
		return 0, cause
	}

	for i, chunk := range chunks {
		data, err := s.store.Get(ctx, chunk.Key)
		if err != nil {
			return fail(chunks[i:], &StorageError{Op: "download chunk", Err: err})
		}

		// The chunk's bytes are now in the accumulator; free its backend
		// storage immediately rather than waiting for the final sweep.
		if err := s.store.Delete(ctx, chunk.Key); err != nil {
			slog.Error("Delete consumed chunk", "key", chunk.Key, "err", err)
		}

		acc = append(acc, data...)
		total += int64(len(data))

		last := i == len(chunks)-1
		if int64(len(acc)) < s.minPartSize && !last {
			continue
		}

		part, err := s.store.UploadPart(ctx, targetKey, uploadID, partNumber, acc)
		if err != nil {
			return fail(chunks[i+1:], &StorageError{Op: "upload part", Err: err})
		}
		parts = append(parts, part)
		partNumber++
		acc = acc[:0]
	}

	if err := s.store.CompleteMultipart(ctx, targetKey, uploadID, parts); err != nil {
		return fail(nil, &StorageError{Op: "complete multipart upload", Err: err})
	}
	return total, nil
}
