package loft

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCatalog(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "catalog.sqlite"))
	require.NoError(t, err, "opening sqlite db")
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, initSchema(context.Background(), db), "applying migrations")
	return db
}

func seedLesson(t *testing.T, db *sql.DB, ownerID, title string) int64 {
	t.Helper()

	now := time.Now().UTC()
	res, err := db.Exec(
		`INSERT INTO lessons(owner_id, title, sort_order, created_at, modified_at) VALUES(?, ?, 0, ?, ?)`,
		ownerID, title, now, now,
	)
	require.NoError(t, err, "inserting lesson")

	id, err := res.LastInsertId()
	require.NoError(t, err, "lesson id")
	return id
}

func TestRecordAsset(t *testing.T) {
	t.Parallel()
	db := newTestCatalog(t)
	lessonID := seedLesson(t, db, "rav-k", "Tractate Intro")

	rec := NewCatalogRecorder(db)
	degraded, err := rec.RecordAsset(context.Background(), AssetRecord{
		LessonID:    lessonID,
		OwnerID:     "rav-k",
		Key:         "media/rav-k/001_1700000000.mp3",
		Size:        12345,
		ContentType: "audio/mpeg",
		Codec:       "mp3",
	})
	require.NoError(t, err, "record asset")
	require.False(t, degraded, "degraded flag")

	var (
		gotLesson sql.NullInt64
		gotSize   int64
		gotCodec  string
	)
	err = db.QueryRow(
		`SELECT lesson_id, size, codec FROM media_assets WHERE object_key = ?`,
		"media/rav-k/001_1700000000.mp3",
	).Scan(&gotLesson, &gotSize, &gotCodec)
	require.NoError(t, err, "reading back asset row")
	require.Equal(t, lessonID, gotLesson.Int64, "lesson id")
	require.Equal(t, int64(12345), gotSize, "size")
	require.Equal(t, "mp3", gotCodec, "codec")

	var audioKey sql.NullString
	err = db.QueryRow(`SELECT audio_key FROM lessons WHERE id = ?`, lessonID).Scan(&audioKey)
	require.NoError(t, err, "reading back lesson row")
	require.Equal(t, "media/rav-k/001_1700000000.mp3", audioKey.String, "lesson audio pointer")
}

func TestRecordAssetUpsertsByKey(t *testing.T) {
	t.Parallel()
	db := newTestCatalog(t)
	rec := NewCatalogRecorder(db)

	record := AssetRecord{OwnerID: "rav-k", Key: "media/rav-k/002_1.mp3", Size: 1, ContentType: "audio/mpeg", Codec: "mp3"}
	_, err := rec.RecordAsset(context.Background(), record)
	require.NoError(t, err, "first record")

	record.Size = 2
	_, err = rec.RecordAsset(context.Background(), record)
	require.NoError(t, err, "second record")

	var count, size int64
	require.NoError(t, db.QueryRow(`SELECT COUNT(*), MAX(size) FROM media_assets`).Scan(&count, &size), "counting rows")
	require.Equal(t, int64(1), count, "one row per object key")
	require.Equal(t, int64(2), size, "latest size wins")
}

func TestRecordAssetFallsBackToLessonUpdate(t *testing.T) {
	t.Parallel()
	db := newTestCatalog(t)
	lessonID := seedLesson(t, db, "rav-k", "Tractate Intro")

	// Break the primary write; the recorder must degrade to the direct
	// lesson update instead of failing.
	_, err := db.Exec(`DROP TABLE media_assets`)
	require.NoError(t, err, "dropping media_assets")

	rec := NewCatalogRecorder(db)
	degraded, err := rec.RecordAsset(context.Background(), AssetRecord{
		LessonID:    lessonID,
		OwnerID:     "rav-k",
		Key:         "media/rav-k/003_1.mp3",
		Size:        777,
		ContentType: "audio/mpeg",
		Codec:       "mp3",
	})
	require.NoError(t, err, "fallback should succeed")
	require.True(t, degraded, "degraded flag")

	var (
		audioKey  sql.NullString
		audioSize sql.NullInt64
	)
	err = db.QueryRow(`SELECT audio_key, audio_size FROM lessons WHERE id = ?`, lessonID).Scan(&audioKey, &audioSize)
	require.NoError(t, err, "reading back lesson row")
	require.Equal(t, "media/rav-k/003_1.mp3", audioKey.String, "audio key")
	require.Equal(t, int64(777), audioSize.Int64, "audio size")
}

func TestRecordAssetWithoutLessonReportsError(t *testing.T) {
	t.Parallel()
	db := newTestCatalog(t)

	_, err := db.Exec(`DROP TABLE media_assets`)
	require.NoError(t, err, "dropping media_assets")

	rec := NewCatalogRecorder(db)
	degraded, err := rec.RecordAsset(context.Background(), AssetRecord{
		OwnerID:     "rav-k",
		Key:         "media/rav-k/004_1.mp3",
		Size:        1,
		ContentType: "audio/mpeg",
		Codec:       "mp3",
	})
	require.Error(t, err, "no fallback target, the error must surface")
	require.True(t, degraded, "degraded flag")
}
