package bundle

import (
	"fmt"
	"time"
)

// DefaultContentType is used for artifacts whose compiler did not report one.
const DefaultContentType = "application/javascript; charset=utf-8"

// NewArtifact wraps a compiled body and derives its size and ETag.
func NewArtifact(key Key, body []byte, contentType string, builtAt time.Time) Artifact {
	if contentType == "" {
		contentType = DefaultContentType
	}
	return Artifact{
		Key:         key,
		Body:        body,
		ContentType: contentType,
		Size:        int64(len(body)),
		ETag:        etag(body),
		BuiltAt:     builtAt.UTC(),
	}
}

// Verify checks that the body still matches the recorded size and ETag.
// A mismatch is reported as a CacheCorruption error.
func (a Artifact) Verify() error {
	if int64(len(a.Body)) != a.Size {
		return Corrupted(a.Key, fmt.Errorf("size %d does not match recorded %d", len(a.Body), a.Size))
	}
	if got := etag(a.Body); got != a.ETag {
		return Corrupted(a.Key, fmt.Errorf("etag %s does not match recorded %s", got, a.ETag))
	}
	return nil
}

func etag(body []byte) string {
	return `"` + ContentHash(body)[:32] + `"`
}
