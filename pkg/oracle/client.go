// Package oracle is the client side of the threshold
// decryption network. Paid articles are sealed with a key
// derived from a secret that is split across key servers;
// reading one requires a quorum of servers to approve the
// reader's session against an on-ledger predicate.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"

	"github.com/i5heu/shake-gate/pkg/interfaces"
	"github.com/i5heu/shake-gate/pkg/logging"
	"github.com/i5heu/shake-gate/pkg/model"
	workerpool "github.com/i5heu/shake-gate/pkg/workerPool"
)

// DefaultThreshold is the number of key servers that
// must release a share.
const DefaultThreshold = 2

// KeyServer identifies one member of the key server
// network.
type KeyServer struct {
	ID        string
	URL       string
	PublicKey kyber.Point
}

var (
	errServerRejected    = errors.New("key server rejected approval")
	errServerUnavailable = errors.New("key server unavailable")
)

// Client encrypts for and decrypts through a fixed set of
// key servers.
type Client struct {
	packageID model.ObjectID
	servers   map[string]KeyServer
	order     []string
	http      *http.Client
	pool      *workerpool.WorkerPool
	ownPool   bool
	log       *slog.Logger
}

var _ interfaces.DecryptionOracle = (*Client)(nil)

type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithWorkerPool runs key server requests on a shared
// pool instead of a private one.
func WithWorkerPool(wp *workerpool.WorkerPool) Option {
	return func(c *Client) { c.pool = wp }
}

func NewClient(
	packageID model.ObjectID,
	servers []KeyServer,
	opts ...Option,
) (*Client, error) {
	if len(servers) == 0 {
		return nil, errors.New("oracle: no key servers configured")
	}
	c := &Client{
		packageID: packageID,
		servers:   make(map[string]KeyServer, len(servers)),
		http:      &http.Client{Timeout: 30 * time.Second},
		log:       logging.Logger,
	}
	for _, s := range servers {
		if s.ID == "" || s.PublicKey == nil {
			return nil, fmt.Errorf("oracle: key server %q lacks id or public key", s.URL)
		}
		if _, dup := c.servers[s.ID]; dup {
			return nil, fmt.Errorf("oracle: duplicate key server id %q", s.ID)
		}
		s.URL = strings.TrimRight(s.URL, "/")
		c.servers[s.ID] = s
		c.order = append(c.order, s.ID)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pool == nil {
		c.pool = workerpool.NewWorkerPool(workerpool.Config{
			WorkerCount:  len(servers),
			GlobalBuffer: len(servers) * 4,
		})
		c.ownPool = true
	}
	return c, nil
}

// Close stops the private worker pool.
func (c *Client) Close() {
	if c.ownPool {
		c.pool.Stop()
	}
}

// Encrypt seals plaintext for contentID so that any
// threshold of the configured key servers can release
// it.
func (c *Client) Encrypt(
	ctx context.Context,
	plaintext []byte,
	contentID []byte,
	threshold int,
) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := len(c.order)
	if threshold < 1 || threshold > n {
		return nil, fmt.Errorf("oracle: threshold %d with %d key servers", threshold, n)
	}
	if len(contentID) == 0 {
		return nil, errors.New("oracle: empty content id")
	}

	secret, shares := splitSecret(threshold, n)
	env := Envelope{
		Version:   currentEnvelopeVersion,
		PackageID: c.packageID,
		ContentID: append([]byte(nil), contentID...),
		Threshold: threshold,
		Shares:    make([]EncryptedShare, 0, n),
	}
	for i, id := range c.order {
		raw, err := shares[i].V.MarshalBinary()
		if err != nil {
			return nil, err
		}
		sealed := sealedShare{ContentID: env.ContentID, Index: shares[i].I, Value: raw}
		ct, err := encryptTo(c.servers[id].PublicKey, sealed.marshal())
		if err != nil {
			return nil, fmt.Errorf("encrypt share for %s: %w", id, err)
		}
		env.Shares = append(env.Shares, EncryptedShare{
			ServerID:   id,
			Index:      shares[i].I,
			Ciphertext: ct,
		})
	}

	key, err := deriveKey(secret, contentID)
	if err != nil {
		return nil, err
	}
	env.Nonce, env.Ciphertext, err = seal(key, bodyAAD(env), plaintext)
	if err != nil {
		return nil, err
	}
	return env.Marshal(), nil
}

// shareOutcome is the result of asking one key server.
type shareOutcome struct {
	serverID string
	share    *share.PriShare
}

// Decrypt asks the key servers for their shares under
// the session and predicate, and opens the envelope once
// a threshold of shares arrived. Nothing is returned
// below the threshold.
func (c *Client) Decrypt(
	ctx context.Context,
	envelope []byte,
	session interfaces.SessionCredential,
	predicate model.Call,
) ([]byte, error) {
	env, err := UnmarshalEnvelope(envelope)
	if err != nil {
		return nil, err
	}
	if env.PackageID != c.packageID {
		return nil, fmt.Errorf(
			"%w: envelope for package %s", interfaces.ErrInvalidEnvelope, env.PackageID,
		)
	}

	responseKey := GenerateKeyPair()
	responsePub, err := responseKey.Public.MarshalBinary()
	if err != nil {
		return nil, err
	}
	sig, err := session.SignRequest(requestPayload(predicate, env.ContentID, responsePub))
	if err != nil {
		return nil, fmt.Errorf("sign key request: %w", err)
	}

	var targets []EncryptedShare
	for _, s := range env.Shares {
		if _, ok := c.servers[s.ServerID]; ok {
			targets = append(targets, s)
		}
	}
	if len(targets) < env.Threshold {
		return nil, fmt.Errorf(
			"%w: %d of %d share holders are known key servers",
			interfaces.ErrOracleThresholdNotMet, len(targets), env.Threshold,
		)
	}

	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	room := workerpool.NewRoom[shareOutcome](c.pool, len(targets))
	for _, target := range targets {
		target := target
		req := FetchKeyRequest{
			Certificate:      session.Certificate(),
			RequestSignature: sig,
			Predicate:        predicate,
			PackageID:        env.PackageID,
			ContentID:        env.ContentID,
			ShareIndex:       target.Index,
			EncryptedShare:   target.Ciphertext,
			ResponseKey:      responsePub,
		}
		err := room.Go(fanCtx, func(ctx context.Context) (shareOutcome, error) {
			return c.fetchShare(ctx, c.servers[target.ServerID], req, responseKey.Private)
		})
		if err != nil {
			break
		}
	}

	var (
		collected []*share.PriShare
		rejected  int
		failed    int
	)
	for res := range room.Stream() {
		switch {
		case res.Err == nil:
			collected = append(collected, res.Value.share)
		case errors.Is(res.Err, errServerRejected):
			rejected++
		default:
			failed++
		}
		if len(collected) >= env.Threshold {
			cancel()
			break
		}
	}

	if len(collected) < env.Threshold {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.log.Warn("key share threshold not met",
			"component", "oracle",
			"collected", len(collected),
			"threshold", env.Threshold,
			"rejected", rejected,
			"unavailable", failed)
		if rejected > 0 {
			return nil, fmt.Errorf(
				"%w: %d key servers rejected the predicate",
				interfaces.ErrApprovalRejected, rejected,
			)
		}
		return nil, fmt.Errorf(
			"%w: %d of %d shares",
			interfaces.ErrOracleThresholdNotMet, len(collected), env.Threshold,
		)
	}

	secret, err := recoverSecret(collected[:env.Threshold], env.Threshold, len(env.Shares))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrOracleThresholdNotMet, err)
	}
	key, err := deriveKey(secret, env.ContentID)
	if err != nil {
		return nil, err
	}
	plaintext, err := open(key, bodyAAD(env), env.Nonce, env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf(
			"%w: recovered key does not open the envelope", interfaces.ErrOracleThresholdNotMet,
		)
	}
	return plaintext, nil
}

func (c *Client) fetchShare(
	ctx context.Context,
	server KeyServer,
	req FetchKeyRequest,
	responsePriv kyber.Scalar,
) (shareOutcome, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return shareOutcome{}, err
	}
	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, server.URL+FetchKeyPath, bytes.NewReader(body),
	)
	if err != nil {
		return shareOutcome{}, fmt.Errorf("%w: %w", errServerUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return shareOutcome{}, fmt.Errorf("%w: %s: %w", errServerUnavailable, server.ID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		c.log.Debug("key server rejected predicate",
			"component", "oracle", "server", server.ID)
		return shareOutcome{}, fmt.Errorf("%w: %s", errServerRejected, server.ID)
	default:
		return shareOutcome{}, fmt.Errorf(
			"%w: %s: status %s", errServerUnavailable, server.ID, resp.Status,
		)
	}

	var out FetchKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return shareOutcome{}, fmt.Errorf("%w: %s: decode: %w", errServerUnavailable, server.ID, err)
	}
	if out.ShareIndex != req.ShareIndex {
		return shareOutcome{}, fmt.Errorf(
			"%w: %s answered for share %d", errServerUnavailable, server.ID, out.ShareIndex,
		)
	}
	raw, err := decryptWith(responsePriv, out.EncryptedShare)
	if err != nil {
		return shareOutcome{}, fmt.Errorf("%w: %s: open share: %w", errServerUnavailable, server.ID, err)
	}
	v, err := unmarshalScalar(raw)
	if err != nil {
		return shareOutcome{}, fmt.Errorf("%w: %s: %w", errServerUnavailable, server.ID, err)
	}
	return shareOutcome{
		serverID: server.ID,
		share:    &share.PriShare{I: req.ShareIndex, V: v},
	}, nil
}
