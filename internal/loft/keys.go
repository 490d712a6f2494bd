package loft

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var keySegmentPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// isValidKeySegment reports whether a caller-supplied identifier is safe to
// embed as one path segment of an object key: non-empty, at most 128 bytes,
// and limited to characters that cannot alter the key's structure.
func isValidKeySegment(id string) bool {
	if len(id) == 0 || len(id) > 128 {
		return false
	}
	return keySegmentPattern.MatchString(id)
}

// isValidSessionID enforces the key-segment constraints on caller-generated
// session identifiers.
func isValidSessionID(id string) bool {
	return isValidKeySegment(id)
}

// chunkPrefix returns the key prefix under which all chunk objects for the
// given session are stored. The trailing slash scopes listing to exactly
// this session.
func chunkPrefix(tempPrefix, sessionID string) string {
	return fmt.Sprintf("%s/%s/", tempPrefix, sessionID)
}

// chunkKey returns the object key for one uploaded part. Part numbers are
// zero-padded to four digits so that lexicographic key order equals numeric
// part order.
func chunkKey(tempPrefix, sessionID string, partNumber int) string {
	return fmt.Sprintf("%s/%s/part_%04d", tempPrefix, sessionID, partNumber)
}

// partNumberFromKey extracts the part number embedded in a chunk object key.
func partNumberFromKey(key string) (int, error) {
	base := path.Base(key)
	raw, ok := strings.CutPrefix(base, "part_")
	if !ok {
		return 0, fmt.Errorf("malformed chunk key %q", key)
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("malformed chunk key %q", key)
	}
	return n, nil
}

// finalKey builds the durable object key for an assembled upload:
// <prefix>/<owner>/<sort>_<unix timestamp>.<ext>. The extension is taken
// from the caller-provided file name and defaults to mp3 when absent.
func finalKey(mediaPrefix, ownerID string, sortOrder int, fileName string, now time.Time) string {
	ext := strings.TrimPrefix(path.Ext(fileName), ".")
	if ext == "" {
		ext = "mp3"
	}
	return fmt.Sprintf("%s/%s/%03d_%d.%s", mediaPrefix, ownerID, sortOrder, now.UTC().Unix(), strings.ToLower(ext))
}

// codecForKey derives a codec label from the declared content type, falling
// back to the object key's extension.
func codecForKey(key, contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0])) {
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/mp4", "audio/aac", "audio/x-m4a":
		return "aac"
	case "audio/ogg", "audio/opus":
		return "opus"
	case "audio/wav", "audio/x-wav":
		return "pcm"
	case "audio/flac", "audio/x-flac":
		return "flac"
	}

	switch strings.TrimPrefix(strings.ToLower(path.Ext(key)), ".") {
	case "mp3":
		return "mp3"
	case "m4a", "mp4", "aac":
		return "aac"
	case "ogg", "opus":
		return "opus"
	case "wav":
		return "pcm"
	case "flac":
		return "flac"
	default:
		return "unknown"
	}
}

// contentTypeForKey maps an object key's extension to the Content-Type
// served at playback time.
func contentTypeForKey(key string) string {
	switch strings.TrimPrefix(strings.ToLower(path.Ext(key)), ".") {
	case "mp3":
		return "audio/mpeg"
	case "m4a", "mp4", "aac":
		return "audio/mp4"
	case "ogg", "opus":
		return "audio/ogg"
	case "wav":
		return "audio/wav"
	case "flac":
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}
