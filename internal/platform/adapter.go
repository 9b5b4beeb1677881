// Package platform normalizes chat platform webhooks into model.IncomingMessage and sends replies back out.
package platform

import (
	"context"
	"errors"
	"net/http"
	"unicode/utf8"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
)

var (
	// ErrPing is returned by Parse for platform handshakes that must be answered but never persisted.
	ErrPing = errors.New("platform ping")
	// ErrIgnored is returned by Parse for well-formed updates that carry nothing to ingest.
	ErrIgnored = errors.New("update ignored")
)

// InboundRequest is the part of an HTTP webhook an adapter needs.
type InboundRequest struct {
	Header http.Header
	Body   []byte
}

// Adapter is implemented once per supported platform.
type Adapter interface {
	Platform() string
	// Verify authenticates the request. It must run before Parse.
	Verify(req InboundRequest) error
	Parse(req InboundRequest) (*model.IncomingMessage, error)
	Send(ctx context.Context, externalUserID, content string) error
}

// Acknowledger is implemented by adapters whose platform expects a body in the webhook response.
// msg is nil when answering ErrPing.
type Acknowledger interface {
	Acknowledge(msg *model.IncomingMessage) []byte
}

// FileResolver turns a platform file handle into a downloadable path.
type FileResolver interface {
	ResolveFile(ctx context.Context, fileID string) (model.FileRef, error)
}

// splitMessage cuts text into chunks of at most limit runes, preferring newline boundaries.
func splitMessage(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}
