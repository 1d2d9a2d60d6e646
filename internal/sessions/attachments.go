package sessions

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"manifold/internal/objectstore"
	"manifold/internal/observability"
)

// inlineByteLimit is the largest attachment payload kept inline in a
// message's JSON/item representation. Anything larger is offloaded to
// object storage and replaced with a reference block.
const inlineByteLimit = 256 * 1024

// AttachmentStore offloads oversized image/document attachment bytes to an
// objectstore.ObjectStore, keeping session and message records small. It
// wraps whatever backend the caller constructs (S3, MinIO, ...); this
// package only cares about the narrow ObjectStore interface.
type AttachmentStore struct {
	store  objectstore.ObjectStore
	prefix string
}

// NewAttachmentStore wraps store. prefix namespaces keys within the bucket
// (e.g. "attachments"), letting one bucket serve multiple concerns.
func NewAttachmentStore(store objectstore.ObjectStore, prefix string) *AttachmentStore {
	return &AttachmentStore{store: store, prefix: prefix}
}

func (a *AttachmentStore) key(sessionID string, sequence, index int, ext string) string {
	if ext != "" {
		return fmt.Sprintf("%s/%s/%d-%d.%s", a.prefix, sessionID, sequence, index, ext)
	}
	return fmt.Sprintf("%s/%s/%d-%d", a.prefix, sessionID, sequence, index)
}

// Offload replaces any Image or Document block whose bytes exceed
// inlineByteLimit with an Unknown reference block carrying the object key,
// uploading the bytes to the wrapped store. Blocks under the limit, and
// blocks of any other kind, pass through unchanged. Offload failures are
// logged and the original inline block is kept — never fatal to the turn.
func (a *AttachmentStore) Offload(ctx context.Context, sessionID string, sequence int, blocks []ContentBlock) []ContentBlock {
	if a == nil || a.store == nil {
		return blocks
	}
	log := observability.LoggerWithTrace(ctx)
	out := make([]ContentBlock, len(blocks))
	for i, b := range blocks {
		out[i] = b
		switch {
		case b.Image != nil && len(b.Image.Bytes) > inlineByteLimit:
			key := a.key(sessionID, sequence, i, b.Image.Format)
			if _, err := a.store.Put(ctx, key, bytes.NewReader(b.Image.Bytes), objectstore.PutOptions{ContentType: "image/" + b.Image.Format}); err != nil {
				log.Warn().Err(err).Str("session_id", sessionID).Str("key", key).Msg("attachment_offload_failed")
				continue
			}
			out[i] = ContentBlock{Unknown: map[string]any{
				"offloaded_image": true,
				"store_key":       key,
				"format":          b.Image.Format,
				"size":            len(b.Image.Bytes),
			}}
		case b.Document != nil && len(b.Document.Bytes) > inlineByteLimit:
			key := a.key(sessionID, sequence, i, b.Document.Format)
			if _, err := a.store.Put(ctx, key, bytes.NewReader(b.Document.Bytes), objectstore.PutOptions{ContentType: "application/octet-stream"}); err != nil {
				log.Warn().Err(err).Str("session_id", sessionID).Str("key", key).Msg("attachment_offload_failed")
				continue
			}
			out[i] = ContentBlock{Unknown: map[string]any{
				"offloaded_document": true,
				"store_key":          key,
				"format":             b.Document.Format,
				"name":               b.Document.Name,
				"size":               len(b.Document.Bytes),
			}}
		}
	}
	return out
}

// Hydrate is the inverse of Offload: it resolves offloaded reference blocks
// back into inline Image/Document blocks before a message is sent to a
// model. A block that fails to hydrate is left as the reference block and
// the error is logged; callers should not fail the turn over a missing
// historical attachment.
func (a *AttachmentStore) Hydrate(ctx context.Context, blocks []ContentBlock) []ContentBlock {
	if a == nil || a.store == nil {
		return blocks
	}
	log := observability.LoggerWithTrace(ctx)
	out := make([]ContentBlock, len(blocks))
	for i, b := range blocks {
		out[i] = b
		if b.Unknown == nil {
			continue
		}
		key, _ := b.Unknown["store_key"].(string)
		if key == "" {
			continue
		}
		if _, ok := b.Unknown["offloaded_image"]; ok {
			data, err := a.fetch(ctx, key)
			if err != nil {
				log.Warn().Err(err).Str("key", key).Msg("attachment_hydrate_failed")
				continue
			}
			format, _ := b.Unknown["format"].(string)
			out[i] = ContentBlock{Image: &ImageBlock{Format: format, Bytes: data}}
			continue
		}
		if _, ok := b.Unknown["offloaded_document"]; ok {
			data, err := a.fetch(ctx, key)
			if err != nil {
				log.Warn().Err(err).Str("key", key).Msg("attachment_hydrate_failed")
				continue
			}
			format, _ := b.Unknown["format"].(string)
			name, _ := b.Unknown["name"].(string)
			out[i] = ContentBlock{Document: &DocumentBlock{Format: format, Name: name, Bytes: data}}
		}
	}
	return out
}

func (a *AttachmentStore) fetch(ctx context.Context, key string) ([]byte, error) {
	r, _, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("attachments: get %s: %w", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("attachments: read %s: %w", key, err)
	}
	return data, nil
}
