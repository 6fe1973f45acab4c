package blobstore

import (
	"bytes"
	"context"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dgraph-io/badger/v4"
	chunker "github.com/ipfs/boxo/chunker"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz/lzma"

	"github.com/i5heu/shake-gate/pkg/interfaces"
	"github.com/i5heu/shake-gate/pkg/model"
)

var ErrLowDiskSpace = errors.New("blobstore: not enough free disk space for cache")

var (
	prefixManifest = []byte("blob/")
	prefixChunk    = []byte("chunk/")
)

type CacheConfig struct {
	// Path is the badger directory. Ignored when InMemory
	// is set.
	Path             string
	InMemory         bool
	MinimumFreeSpace uint64 // in GB
	Logger           *logrus.Logger
}

// CachedStore serves blobs from a local chunked cache and
// falls back to the wrapped store. Blobs are immutable,
// so a cached blob never goes stale.
type CachedStore struct {
	inner  interfaces.BlobStore
	config CacheConfig
	db     *badger.DB
	log    *logrus.Logger
}

var _ interfaces.BlobStore = (*CachedStore)(nil)

func NewCachedStore(inner interfaces.BlobStore, config CacheConfig) (*CachedStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if err := config.checkConfig(); err != nil {
		return nil, fmt.Errorf("error checking config for CachedStore: %w", err)
	}

	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = config.Logger
	opts.ValueLogFileSize = 1024 * 1024 * 100
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open blob cache: %w", err)
	}

	return &CachedStore{
		inner:  inner,
		config: config,
		db:     db,
		log:    config.Logger,
	}, nil
}

func (cc *CacheConfig) checkConfig() error {
	if cc.InMemory {
		return nil
	}
	if cc.Path == "" {
		return errors.New("no cache path provided")
	}
	if err := os.MkdirAll(cc.Path, 0o700); err != nil {
		return fmt.Errorf("create cache path: %w", err)
	}
	return cc.checkFreeSpace()
}

func (cc *CacheConfig) checkFreeSpace() error {
	if cc.InMemory || cc.MinimumFreeSpace == 0 {
		return nil
	}
	usage, err := disk.Usage(cc.Path)
	if err != nil {
		return fmt.Errorf("disk usage of %s: %w", cc.Path, err)
	}
	if usage.Free/(1024*1024*1024) < cc.MinimumFreeSpace {
		return ErrLowDiskSpace
	}
	return nil
}

func (c *CachedStore) Close() error {
	return c.db.Close()
}

// Put uploads through the wrapped store and caches the
// bytes under the returned id.
func (c *CachedStore) Put(
	ctx context.Context,
	data []byte,
	retentionEpochs int,
) (model.BlobID, error) {
	id, err := c.inner.Put(ctx, data, retentionEpochs)
	if err != nil {
		return "", err
	}
	c.remember(id, data)
	return id, nil
}

// Get returns the cached blob or fetches and caches it.
func (c *CachedStore) Get(ctx context.Context, id model.BlobID) ([]byte, error) {
	data, err := c.lookup(id)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		c.log.WithFields(logrus.Fields{
			"blob": id,
		}).Warnf("Error reading cached blob: %v", err)
	}

	data, err = c.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.remember(id, data)
	return data, nil
}

// remember caches data. Cache failures are logged and
// never fail the caller.
func (c *CachedStore) remember(id model.BlobID, data []byte) {
	if err := c.config.checkFreeSpace(); err != nil {
		c.log.WithFields(logrus.Fields{"blob": id}).Warnf("Skipping blob cache: %v", err)
		return
	}
	if err := c.store(id, data); err != nil {
		c.log.WithFields(logrus.Fields{"blob": id}).Warnf("Error caching blob: %v", err)
	}
}

func (c *CachedStore) store(id model.BlobID, data []byte) error {
	chunks, err := chunkBytes(data)
	if err != nil {
		return err
	}

	manifest := make([]byte, 0, len(chunks)*sha512.Size)
	return c.db.Update(func(txn *badger.Txn) error {
		for _, chunk := range chunks {
			hash := sha512.Sum512(chunk)
			manifest = append(manifest, hash[:]...)

			key := append(append([]byte{}, prefixChunk...), hash[:]...)
			if _, err := txn.Get(key); err == nil {
				continue
			}
			compressed, err := compressWithLzma(chunk)
			if err != nil {
				return fmt.Errorf("compress chunk: %w", err)
			}
			if err := txn.Set(key, compressed); err != nil {
				return err
			}
		}
		return txn.Set(manifestKey(id), manifest)
	})
}

func (c *CachedStore) lookup(id model.BlobID) ([]byte, error) {
	var out bytes.Buffer
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(manifestKey(id))
		if err != nil {
			return err
		}
		manifest, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(manifest)%sha512.Size != 0 {
			return fmt.Errorf("corrupt manifest for %s", id)
		}

		for off := 0; off < len(manifest); off += sha512.Size {
			hash := manifest[off : off+sha512.Size]
			key := append(append([]byte{}, prefixChunk...), hash...)
			chunkItem, err := txn.Get(key)
			if err != nil {
				return fmt.Errorf("chunk %x: %w", hash[:8], err)
			}
			compressed, err := chunkItem.ValueCopy(nil)
			if err != nil {
				return err
			}
			chunk, err := decompressWithLzma(compressed)
			if err != nil {
				return fmt.Errorf("decompress chunk: %w", err)
			}
			if sum := sha512.Sum512(chunk); !bytes.Equal(sum[:], hash) {
				return fmt.Errorf("chunk %x hash mismatch", hash[:8])
			}
			out.Write(chunk)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func manifestKey(id model.BlobID) []byte {
	return append(append([]byte{}, prefixManifest...), string(id)...)
}

func chunkBytes(data []byte) ([][]byte, error) {
	bz := chunker.NewBuzhash(bytes.NewReader(data))
	var chunks [][]byte
	for {
		chunk, err := bz.NextBytes()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return nil, fmt.Errorf("error reading chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}
}

func compressWithLzma(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressWithLzma(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
