package oracle

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/i5heu/shake-gate/pkg/logging"
	"github.com/i5heu/shake-gate/pkg/model"
	"github.com/i5heu/shake-gate/pkg/session"
	"github.com/i5heu/shake-gate/pkg/wallet"
)

const maxRequestBytes = 1 << 20

// Simulator evaluates approval predicates read-only.
type Simulator interface {
	Simulate(ctx context.Context, call model.Call, sender model.Address) ([][]byte, error)
}

// Server is a single key server. It releases its share
// of a content secret only to a valid session whose owner
// passes the approval predicate on the ledger.
type Server struct {
	id        string
	keys      KeyPair
	packageID model.ObjectID
	ledger    Simulator
	now       func() time.Time
	replays   *replayCache
	log       *slog.Logger
}

type ServerOption func(*Server)

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithServerClock overrides the time used for session
// expiry checks.
func WithServerClock(now func() time.Time) ServerOption {
	return func(s *Server) { s.now = now }
}

func NewServer(
	id string,
	keys KeyPair,
	packageID model.ObjectID,
	ledger Simulator,
	opts ...ServerOption,
) *Server {
	s := &Server{
		id:        id,
		keys:      keys,
		packageID: packageID,
		ledger:    ledger,
		now:       time.Now,
		log:       logging.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.replays = newReplayCache(s.now)
	return s
}

// Info describes the server for client configuration.
func (s *Server) Info(url string) KeyServer {
	return KeyServer{ID: s.id, URL: url, PublicKey: s.keys.Public}
}

type httpError struct {
	status int
	err    error
}

func (e *httpError) Error() string { return e.err.Error() }

func fail(status int, format string, args ...any) error {
	return &httpError{status: status, err: fmt.Errorf(format, args...)}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != FetchKeyPath {
		http.NotFound(w, r)
		return
	}

	var req FetchKeyRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	resp, err := s.fetchKey(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		var he *httpError
		if errors.As(err, &he) {
			status = he.status
		}
		s.log.Info("key request refused",
			"component", "keyserver",
			"server", s.id,
			"owner", req.Certificate.Owner,
			"status", status,
			"error", err)
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) fetchKey(ctx context.Context, req FetchKeyRequest) (FetchKeyResponse, error) {
	cert := req.Certificate
	if req.PackageID != s.packageID || cert.Scope != string(s.packageID) {
		return FetchKeyResponse{}, fail(http.StatusBadRequest, "wrong package")
	}
	if err := s.checkPredicateShape(req.Predicate, req.ContentID); err != nil {
		return FetchKeyResponse{}, fail(http.StatusBadRequest, "predicate: %v", err)
	}

	if err := wallet.VerifyPersonalMessage(cert.Owner, session.MessageFor(cert), cert.Signature); err != nil {
		return FetchKeyResponse{}, fail(http.StatusUnauthorized, "session certificate: %v", err)
	}
	payload := requestPayload(req.Predicate, req.ContentID, req.ResponseKey)
	if err := session.VerifyRequest(cert, s.now(), payload, req.RequestSignature); err != nil {
		return FetchKeyResponse{}, fail(http.StatusUnauthorized, "request signature: %v", err)
	}
	if !s.replays.record(req.RequestSignature, cert.ExpiresAt()) {
		return FetchKeyResponse{}, fail(http.StatusConflict, "replayed request")
	}

	values, err := s.ledger.Simulate(ctx, req.Predicate, cert.Owner)
	if err != nil {
		return FetchKeyResponse{}, fail(http.StatusForbidden, "predicate rejected: %v", err)
	}
	if len(values) > 0 && bytes.Equal(values[0], []byte{0}) {
		return FetchKeyResponse{}, fail(http.StatusForbidden, "predicate returned false")
	}

	plain, err := decryptWith(s.keys.Private, req.EncryptedShare)
	if err != nil {
		return FetchKeyResponse{}, fail(http.StatusBadRequest, "share not addressed to this server")
	}
	sealed, err := unmarshalSealedShare(plain)
	if err != nil {
		return FetchKeyResponse{}, fail(http.StatusBadRequest, "sealed share: %v", err)
	}
	if !bytes.Equal(sealed.ContentID, req.ContentID) || sealed.Index != req.ShareIndex {
		return FetchKeyResponse{}, fail(http.StatusForbidden, "share belongs to other content")
	}
	responseKey, err := unmarshalPoint(req.ResponseKey)
	if err != nil {
		return FetchKeyResponse{}, fail(http.StatusBadRequest, "response key: %v", err)
	}
	out, err := encryptTo(responseKey, sealed.Value)
	if err != nil {
		return FetchKeyResponse{}, err
	}

	return FetchKeyResponse{
		ServerID:       s.id,
		ShareIndex:     req.ShareIndex,
		EncryptedShare: out,
	}, nil
}

// checkPredicateShape accepts only seal_approve calls of
// this package whose id argument is the requested
// content id.
func (s *Server) checkPredicateShape(predicate model.Call, contentID []byte) error {
	prefix := string(s.packageID) + "::"
	if !strings.HasPrefix(predicate.Target, prefix) ||
		!strings.HasSuffix(predicate.Target, "::seal_approve") {
		return fmt.Errorf("target %q is not an approval predicate", predicate.Target)
	}
	if len(predicate.Args) == 0 || predicate.Args[0].Kind != model.ArgBytes {
		return errors.New("missing id argument")
	}
	id, err := hex.DecodeString(predicate.Args[0].Value)
	if err != nil || !bytes.Equal(id, contentID) {
		return errors.New("id argument does not match content id")
	}
	return nil
}
