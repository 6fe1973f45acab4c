package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/i5heu/shake-gate/pkg/interfaces"
	"github.com/i5heu/shake-gate/pkg/model"
)

// Blobs is an in-memory content-addressed blob store.
type Blobs struct {
	mu    sync.Mutex
	blobs map[model.BlobID][]byte
	gets  int
	// FailPut makes every Put fail with this status.
	FailPut int
}

var _ interfaces.BlobStore = (*Blobs)(nil)

func NewBlobs() *Blobs {
	return &Blobs{blobs: map[model.BlobID][]byte{}}
}

func (b *Blobs) Put(_ context.Context, data []byte, _ int) (model.BlobID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailPut != 0 {
		return "", &interfaces.UploadError{StatusCode: b.FailPut, Status: fmt.Sprint(b.FailPut)}
	}
	sum := sha256.Sum256(data)
	id := model.BlobID(hex.EncodeToString(sum[:16]))
	b.blobs[id] = append([]byte(nil), data...)
	return id, nil
}

func (b *Blobs) Get(_ context.Context, id model.BlobID) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets++
	data, ok := b.blobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrBlobNotFound, id)
	}
	return append([]byte(nil), data...), nil
}

// Raw returns the stored bytes of id.
func (b *Blobs) Raw(id model.BlobID) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[id]
	return data, ok
}

// Delete drops a blob to simulate expiry.
func (b *Blobs) Delete(id model.BlobID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, id)
}

// Gets counts Get calls.
func (b *Blobs) Gets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gets
}

// Len counts stored blobs.
func (b *Blobs) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.blobs)
}
