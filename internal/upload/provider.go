// Package upload publishes run reports and unit logs to artifact storage.
package upload

import (
	"context"
	"io"
	"mime"
	"path"
)

// Provider stores objects under slash-separated keys
type Provider interface {
	// Configure reads provider settings; it does not touch the network
	Configure(settings map[string]string) error

	// Prepare checks that the destination is reachable and writable
	Prepare(ctx context.Context) error

	// Upload stores the content of reader under key
	Upload(ctx context.Context, reader io.Reader, key string) error

	// Location is where an uploaded key can be found, for reports
	Location(key string) string

	// Name returns the provider name
	Name() string
}

var contentTypes = map[string]string{
	".json":   "application/json",
	".ndjson": "application/x-ndjson",
	".stdout": "text/plain; charset=utf-8",
	".stderr": "text/plain; charset=utf-8",
	".log":    "text/plain; charset=utf-8",
}

// ContentType guesses the media type of a key from its extension
func ContentType(key string) string {
	ext := path.Ext(key)
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
