// Package relay is the signaling channel: a per-path document store with
// subscriptions, used by participants to exchange presence, admission and
// negotiation records before they can reach each other directly.
//
// Paths alternate collection and document segments, e.g. "rooms/R" is a
// document in the "rooms" collection and "rooms/R/participants" is a
// collection below it. Subscriptions deliver an initial snapshot followed by
// change events; ordering is only guaranteed within a single path.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("relay: document not found")
	ErrInvalidPath   = errors.New("relay: invalid path")
	ErrEmptyDocument = errors.New("relay: empty document")
)

// Document is a flat set of JSON encoded fields. Merge writes replace only
// the fields present in the written document.
type Document map[string]json.RawMessage

// Marshal encodes v (usually a struct with json tags) as a Document.
func Marshal(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("relay: value is not an object: %w", err)
	}
	return doc, nil
}

// Fields builds a partial Document for merge writes.
func Fields(fields map[string]any) (Document, error) {
	doc := make(Document, len(fields))
	for name, value := range fields {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("relay: field %q: %w", name, err)
		}
		doc[name] = raw
	}
	return doc, nil
}

// Unmarshal decodes the document into v.
func (d Document) Unmarshal(v any) error {
	raw, err := json.Marshal(map[string]json.RawMessage(d))
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Has reports whether field is present and not JSON null.
func (d Document) Has(field string) bool {
	raw, ok := d[field]
	return ok && string(raw) != "null"
}

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Change describes one child of a subscribed collection. Doc is nil for
// removals.
type Change struct {
	Type ChangeType
	ID   string
	Path string
	Doc  Document
}

// Snapshot is the state of a subscribed document.
type Snapshot struct {
	Path   string
	Exists bool
	Doc    Document
}

// CancelFunc stops a subscription. It is idempotent; once it returns no new
// delivery starts.
type CancelFunc func()

// Channel is the signaling channel contract. Errors from the underlying store
// are returned as-is (wrapped); retrying is up to the caller.
type Channel interface {
	Write(ctx context.Context, path string, doc Document, merge bool) error
	WriteOnce(ctx context.Context, path string, doc Document) (bool, error)
	Read(ctx context.Context, path string) (Document, error)
	Delete(ctx context.Context, path string) error
	SubscribeDocument(ctx context.Context, path string, onChange func(Snapshot)) (CancelFunc, error)
	SubscribeCollection(ctx context.Context, path string, onChanges func([]Change)) (CancelFunc, error)
	AppendChild(ctx context.Context, collectionPath string, doc Document) (string, error)
}
