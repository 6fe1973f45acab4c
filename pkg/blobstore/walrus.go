// Package blobstore stores article bodies, ciphertext
// envelopes and thumbnails on a Walrus-style blob
// network and caches fetched blobs locally.
package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/i5heu/shake-gate/pkg/interfaces"
	"github.com/i5heu/shake-gate/pkg/logging"
	"github.com/i5heu/shake-gate/pkg/model"
)

// MaxBlobSize bounds blob downloads.
const MaxBlobSize = 64 << 20

// Walrus writes through a publisher and reads through an
// aggregator.
type Walrus struct {
	publisher  string
	aggregator string
	http       *http.Client
	log        *slog.Logger
}

var _ interfaces.BlobStore = (*Walrus)(nil)

// Option configures a Walrus client.
type Option func(*Walrus)

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Walrus) { w.log = l }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(w *Walrus) { w.http = h }
}

func NewWalrus(publisherURL, aggregatorURL string, opts ...Option) *Walrus {
	w := &Walrus{
		publisher:  strings.TrimRight(publisherURL, "/"),
		aggregator: strings.TrimRight(aggregatorURL, "/"),
		http:       &http.Client{Timeout: 60 * time.Second},
		log:        logging.Logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type storeResponse struct {
	NewlyCreated *struct {
		BlobObject struct {
			BlobID model.BlobID `json:"blobId"`
		} `json:"blobObject"`
	} `json:"newlyCreated"`
	AlreadyCertified *struct {
		BlobID model.BlobID `json:"blobId"`
	} `json:"alreadyCertified"`
}

// Put uploads data for retentionEpochs storage epochs.
// A blob that is already certified returns its existing
// id.
func (w *Walrus) Put(
	ctx context.Context,
	data []byte,
	retentionEpochs int,
) (model.BlobID, error) {
	endpoint := w.publisher + "/v1/blobs"
	if retentionEpochs > 0 {
		endpoint += "?" + url.Values{
			"epochs": {strconv.Itoa(retentionEpochs)},
		}.Encode()
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPut, endpoint, bytes.NewReader(data),
	)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := w.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", interfaces.ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &interfaces.UploadError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
	}

	var stored storeResponse
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", interfaces.ErrUploadFailed, err)
	}

	var id model.BlobID
	switch {
	case stored.NewlyCreated != nil:
		id = stored.NewlyCreated.BlobObject.BlobID
	case stored.AlreadyCertified != nil:
		id = stored.AlreadyCertified.BlobID
	}
	if id == "" {
		return "", fmt.Errorf("%w: response carries no blob id", interfaces.ErrUploadFailed)
	}

	w.log.Debug("blob stored", "blob", id, "bytes", len(data), "epochs", retentionEpochs)
	return id, nil
}

// Get downloads a blob. Unknown ids yield ErrBlobNotFound.
func (w *Walrus) Get(ctx context.Context, id model.BlobID) ([]byte, error) {
	endpoint := w.aggregator + "/v1/blobs/" + url.PathEscape(string(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", interfaces.ErrBlobNotFound, id)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("get blob %s: unexpected status %s", id, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBlobSize+1))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}
	if len(data) > MaxBlobSize {
		return nil, fmt.Errorf("blob %s exceeds %d bytes", id, MaxBlobSize)
	}
	return data, nil
}
