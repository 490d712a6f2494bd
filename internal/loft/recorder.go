package loft

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// AssetRecord describes an assembled object for the catalog.
type AssetRecord struct {
	LessonID    int64 // 0 when the asset is not attached to a lesson
	OwnerID     string
	Key         string
	Size        int64
	ContentType string
	Codec       string
}

// AssetRecorder persists a catalog record pointing at an assembled object.
// degraded reports that the primary catalog write failed and at best a
// fallback record exists; a non-nil error means nothing was recorded at
// all. The assembler treats both as warnings and never rolls back the
// object.
type AssetRecorder interface {
	RecordAsset(ctx context.Context, record AssetRecord) (degraded bool, err error)
}

// CatalogRecorder writes asset records to the SQLite catalog. The primary
// write inserts a media_assets row and, when the asset belongs to a lesson,
// points the lesson at it in the same transaction; if that keeps failing
// after a short retry, it falls back to a best-effort direct update of the
// lesson row alone. An orphaned-but-present object is recoverable later, a lost one is
// not, so availability wins over catalog consistency here.
type CatalogRecorder struct {
	db *sql.DB
}

// NewCatalogRecorder returns a CatalogRecorder backed by db. The schema is
// expected to have been applied already.
func NewCatalogRecorder(db *sql.DB) *CatalogRecorder {
	return &CatalogRecorder{db: db}
}

func (c *CatalogRecorder) RecordAsset(ctx context.Context, record AssetRecord) (bool, error) {
	// The asset row and the lesson's audio pointer must not drift apart, so
	// both writes run in one transaction.
	write := func() error {
		return WithTransaction(ctx, c.db, func(tx *sql.Tx) error {
			var lessonID any
			if record.LessonID > 0 {
				lessonID = record.LessonID
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO media_assets(lesson_id, owner_id, object_key, size, content_type, codec, created_at)
				 VALUES(?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(object_key) DO UPDATE SET
				 	lesson_id=excluded.lesson_id,
				 	owner_id=excluded.owner_id,
				 	size=excluded.size,
				 	content_type=excluded.content_type,
				 	codec=excluded.codec`,
				lessonID, record.OwnerID, record.Key, record.Size, record.ContentType, record.Codec, time.Now().UTC(),
			); err != nil {
				return err
			}
			if record.LessonID <= 0 {
				return nil
			}
			_, err := tx.ExecContext(ctx,
				`UPDATE lessons SET audio_key = ?, audio_size = ?, modified_at = ? WHERE id = ?`,
				record.Key, record.Size, time.Now().UTC(), record.LessonID,
			)
			return err
		})
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	err := backoff.Retry(write, policy)
	if err == nil {
		return false, nil
	}

	slog.Error("Insert media asset, falling back to lesson update", "key", record.Key, "err", err)

	if record.LessonID <= 0 {
		return true, fmt.Errorf("record asset %q: %w", record.Key, err)
	}

	if _, fallbackErr := c.db.ExecContext(ctx,
		`UPDATE lessons SET audio_key = ?, audio_size = ?, modified_at = ? WHERE id = ?`,
		record.Key, record.Size, time.Now().UTC(), record.LessonID,
	); fallbackErr != nil {
		return true, fmt.Errorf("record asset %q: %w (fallback: %v)", record.Key, err, fallbackErr)
	}

	slog.Warn("Recorded asset via degraded lesson update", "key", record.Key, "lesson_id", record.LessonID)
	return true, nil
}
