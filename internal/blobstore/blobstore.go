// Package blobstore implements Component G: fetching server-side blobs
// referenced in agent RPC replies and deleting them once fetched.
// Grounded on internal/layer/manager.go's fetch/store-on-disk idiom,
// generalized from "build and keep" to "fetch and delete."
package blobstore

import (
	"context"

	"github.com/oriys/stratus/internal/logging"
)

// ResourceManager is the external blobstore transport, out of scope per
// spec.md §1 — only Get/Delete are consumed here.
type ResourceManager interface {
	Get(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
}

// Injector wraps a ResourceManager with the fetch-then-delete pattern
// Component C needs for exception blob content and compile-log splicing.
type Injector struct {
	manager ResourceManager
}

// New builds an Injector around manager.
func New(manager ResourceManager) *Injector {
	return &Injector{manager: manager}
}

// DownloadAndDelete fetches id's bytes, then deletes it from the store
// regardless of whether the caller goes on to use the bytes — including
// when Get itself fails partway, since Delete is still attempted for
// best-effort cleanup. The known loss window (a crash between fetch and
// use) is accepted, per spec.md §9; this is not made transactional here.
func (i *Injector) DownloadAndDelete(ctx context.Context, id string) ([]byte, error) {
	data, getErr := i.manager.Get(ctx, id)
	if delErr := i.manager.Delete(ctx, id); delErr != nil {
		logging.Op().Warn("blobstore delete failed", "blob_id", id, "error", delErr)
	}
	if getErr != nil {
		return nil, getErr
	}
	return data, nil
}
