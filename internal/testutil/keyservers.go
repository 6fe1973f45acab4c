package testutil

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/i5heu/shake-gate/pkg/logging"
	"github.com/i5heu/shake-gate/pkg/oracle"
)

// KeyNetwork is a set of in-process key servers that
// evaluate approval predicates against a Chain.
type KeyNetwork struct {
	Servers  []oracle.KeyServer
	requests atomic.Int32
}

// NewKeyNetwork starts n key servers.
func NewKeyNetwork(t *testing.T, chain *Chain, n int) *KeyNetwork {
	t.Helper()
	kn := &KeyNetwork{}
	for i := 0; i < n; i++ {
		srv := oracle.NewServer(
			"keyserver-"+strconv.Itoa(i),
			oracle.GenerateKeyPair(),
			chain.Blog.PackageID,
			chain,
			oracle.WithServerLogger(logging.Discard()),
		)
		hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			kn.requests.Add(1)
			srv.ServeHTTP(w, r)
		}))
		t.Cleanup(hs.Close)
		kn.Servers = append(kn.Servers, srv.Info(hs.URL))
	}
	return kn
}

// Requests counts key requests across all servers.
func (kn *KeyNetwork) Requests() int {
	return int(kn.requests.Load())
}

// Client returns an oracle client for the network.
func (kn *KeyNetwork) Client(t *testing.T, chain *Chain) *oracle.Client {
	t.Helper()
	c, err := oracle.NewClient(chain.Blog.PackageID, kn.Servers, oracle.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("oracle client: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}
