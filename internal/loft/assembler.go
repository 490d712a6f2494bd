package loft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

var (
	// ErrNoChunksFound is returned when a session has no chunk objects at
	// all; the session either expired or never started, and the caller must
	// restart the whole upload.
	ErrNoChunksFound = errors.New("no chunks found for session")

	// ErrAssemblyInProgress is returned when another Assemble call already
	// holds the session's lease.
	ErrAssemblyInProgress = errors.New("assembly already in progress for session")
)

// PartCountMismatchError reports that the number of chunk objects found
// under a session differs from what the caller expected. Assembling anyway
// would silently corrupt the object, so this is a hard stop.
type PartCountMismatchError struct {
	Expected int
	Found    int
}

func (e *PartCountMismatchError) Error() string {
	return fmt.Sprintf("expected %d chunks but found %d", e.Expected, e.Found)
}

// StorageError wraps a failed chunk store operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// AssembleRequest describes one completed upload session to reconstruct.
type AssembleRequest struct {
	SessionID     string
	ExpectedParts int // 0 when the caller does not know the count
	TargetKey     string
	ContentType   string
	DeclaredSize  int64 // 0 when unknown
	LessonID      int64 // 0 when the asset is not attached to a lesson
	OwnerID       string
}

// AssembledObject is the durable result of a successful assembly.
type AssembledObject struct {
	Key         string
	Size        int64
	ContentType string
	Codec       string

	// Degraded is set when the object was stored but the primary catalog
	// write failed and at best a fallback record exists.
	Degraded bool
}

// AssemblerOptions tune strategy selection. Zero values select the
// defaults.
type AssemblerOptions struct {
	// Threshold is the estimated total size at which assembly switches
	// from in-memory concatenation to a streaming multipart upload.
	Threshold int64

	// MinPartSize is the smallest multipart part the backend accepts for
	// every part but the last.
	MinPartSize int64

	// NominalChunkSize is the per-chunk size assumed when the caller did
	// not declare a total size.
	NominalChunkSize int64
}

const (
	defaultThreshold        = 10 * 1024 * 1024
	defaultNominalChunkSize = 2 * 1024 * 1024
)

// Assembler reconstructs uploaded chunk sequences into single durable
// objects. Session state is entirely implicit in the presence of chunk
// objects under the session's key prefix; the only coordination is an
// in-process per-session lease guarding the list, reconstruct, cleanup
// sequence.
type Assembler struct {
	store      ObjectStore
	recorder   AssetRecorder
	leases     *sessionLeases
	tempPrefix string
	opts       AssemblerOptions
}

// NewAssembler returns an Assembler reading chunk objects under tempPrefix.
// recorder may be nil, in which case assembled objects are not recorded in
// any catalog.
func NewAssembler(store ObjectStore, recorder AssetRecorder, tempPrefix string, opts AssemblerOptions) *Assembler {
	if opts.Threshold <= 0 {
		opts.Threshold = defaultThreshold
	}
	if opts.MinPartSize <= 0 {
		opts.MinPartSize = minPartSize
	}
	if opts.NominalChunkSize <= 0 {
		opts.NominalChunkSize = defaultNominalChunkSize
	}

	return &Assembler{
		store:      store,
		recorder:   recorder,
		leases:     newSessionLeases(),
		tempPrefix: tempPrefix,
		opts:       opts,
	}
}

// Assemble lists the session's chunk objects, validates completeness,
// reconstructs the final object under req.TargetKey, cleans up the
// temporary chunks, and records the asset in the catalog. Callers cannot
// observe which reconstruction strategy ran.
func (a *Assembler) Assemble(ctx context.Context, req AssembleRequest) (AssembledObject, error) {
	if !isValidSessionID(req.SessionID) {
		return AssembledObject{}, fmt.Errorf("invalid session id %q", req.SessionID)
	}
	if req.TargetKey == "" {
		return AssembledObject{}, errors.New("target key must not be empty")
	}

	if !a.leases.acquire(req.SessionID) {
		return AssembledObject{}, fmt.Errorf("session %q: %w", req.SessionID, ErrAssemblyInProgress)
	}
	defer a.leases.release(req.SessionID)

	chunks, err := a.store.List(ctx, chunkPrefix(a.tempPrefix, req.SessionID))
	if err != nil {
		return AssembledObject{}, &StorageError{Op: "list chunks", Err: err}
	}
	if len(chunks) == 0 {
		return AssembledObject{}, fmt.Errorf("session %q: %w", req.SessionID, ErrNoChunksFound)
	}
	if req.ExpectedParts > 0 && len(chunks) != req.ExpectedParts {
		return AssembledObject{}, &PartCountMismatchError{Expected: req.ExpectedParts, Found: len(chunks)}
	}

	if err := sortChunks(chunks); err != nil {
		return AssembledObject{}, err
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	estimated := a.estimateSize(req.DeclaredSize, len(chunks))
	size, err := a.strategyFor(estimated).reconstruct(ctx, chunks, req.TargetKey, contentType)
	if err != nil {
		return AssembledObject{}, err
	}

	// Final sweep of any chunk keys not already deleted by the strategy.
	// Deleting an already-deleted key is a no-op, and a failed delete only
	// costs orphaned temporary storage, so failures are logged but never
	// change the outcome. The sweep runs on a detached context so a
	// deadline expiring right after reconstruction cannot skip it.
	sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	for _, chunk := range chunks {
		if err := a.store.Delete(sweepCtx, chunk.Key); err != nil {
			slog.Error("Delete chunk during cleanup", "session", req.SessionID, "key", chunk.Key, "err", err)
		}
	}

	obj := AssembledObject{
		Key:         req.TargetKey,
		Size:        size,
		ContentType: contentType,
		Codec:       codecForKey(req.TargetKey, contentType),
	}

	// The object already cost real work and storage to produce; a failed
	// catalog write must not undo it. The recorder has its own fallback,
	// and whatever error survives is reported as a warning, never as a
	// failure of the assembly.
	if a.recorder != nil {
		record := AssetRecord{
			LessonID:    req.LessonID,
			OwnerID:     req.OwnerID,
			Key:         obj.Key,
			Size:        obj.Size,
			ContentType: obj.ContentType,
			Codec:       obj.Codec,
		}
		degraded, err := a.recorder.RecordAsset(ctx, record)
		if err != nil {
			slog.Error("Record assembled asset", "session", req.SessionID, "key", obj.Key, "err", err)
		}
		obj.Degraded = degraded || err != nil
	}

	return obj, nil
}

// estimateSize guesses the total file size for strategy selection. The
// guess can misfire when the declared size is wrong or chunks are
// non-uniform; both strategies are correct regardless, so a misfire only
// costs efficiency.
func (a *Assembler) estimateSize(declared int64, chunkCount int) int64 {
	if declared > 0 {
		return declared
	}
	return int64(chunkCount) * a.opts.NominalChunkSize
}

// strategyFor is a pure function of the estimated size: below the
// threshold the whole file is buffered and written in one put, at or above
// it the file is streamed through a multipart upload.
func (a *Assembler) strategyFor(estimated int64) reconstructionStrategy {
	if estimated < a.opts.Threshold {
		return &concatStrategy{store: a.store}
	}
	return &multipartStrategy{store: a.store, minPartSize: a.opts.MinPartSize}
}

// sortChunks orders chunk objects by their embedded part number. The
// zero-padded key scheme makes lexicographic and numeric order agree, but
// parsing the number also rejects foreign objects under the session
// prefix.
func sortChunks(chunks []ObjectInfo) error {
	numbers := make(map[string]int, len(chunks))
	for _, chunk := range chunks {
		n, err := partNumberFromKey(chunk.Key)
		if err != nil {
			return err
		}
		numbers[chunk.Key] = n
	}
	sort.Slice(chunks, func(i, j int) bool {
		return numbers[chunks[i].Key] < numbers[chunks[j].Key]
	})
	return nil
}
