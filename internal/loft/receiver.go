package loft

import (
	"context"
	"fmt"
	"io"
)

// ReceivedPart is the receiver's acknowledgement of one stored chunk.
type ReceivedPart struct {
	PartNumber int
	StoredSize int64
}

// Receiver accepts individual upload chunks and writes them to the chunk
// store under a session-scoped key. It is stateless: every call is
// independent, and re-sending the same (session, part) pair simply
// overwrites the previous payload at the same key.
type Receiver struct {
	store      ObjectStore
	tempPrefix string
}

// NewReceiver returns a Receiver writing chunk objects under tempPrefix.
func NewReceiver(store ObjectStore, tempPrefix string) *Receiver {
	return &Receiver{store: store, tempPrefix: tempPrefix}
}

// Receive stores one chunk for the given session and part number. The
// payload is treated as an opaque byte stream; size may be -1 when the
// caller does not know the length up front. No ordering or completeness
// checks happen here, that is the assembler's job.
func (rc *Receiver) Receive(ctx context.Context, sessionID string, partNumber int, body io.Reader, size int64) (ReceivedPart, error) {
	if !isValidSessionID(sessionID) {
		return ReceivedPart{}, fmt.Errorf("invalid session id %q", sessionID)
	}
	if partNumber < 1 {
		return ReceivedPart{}, fmt.Errorf("part number must be >= 1, got %d", partNumber)
	}

	key := chunkKey(rc.tempPrefix, sessionID, partNumber)
	stored, err := rc.store.Put(ctx, key, body, size, "application/octet-stream")
	if err != nil {
		return ReceivedPart{}, &StorageError{Op: "store chunk", Err: err}
	}

	return ReceivedPart{PartNumber: partNumber, StoredSize: stored}, nil
}
