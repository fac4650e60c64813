package hypervisor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateMAC(t *testing.T) {
	assert.Equal(t, "06:00:AC:10:01:02", generateMAC("172.16.1.2"))
	assert.Equal(t, "06:00:AC:10:00:02", generateMAC("not-an-ip"))
	assert.Equal(t, "06:00:AC:10:00:02", generateMAC("1.2.3"))
}

// newUnixTestServer starts an httptest.Server listening on a Unix
// socket under a temp dir, mirroring the Unix-domain transport a real
// hypervisor control socket uses.
func newUnixTestServer(t *testing.T, handler http.Handler) (socketPath string, close func()) {
	t.Helper()
	socketPath = filepath.Join(t.TempDir(), "api.sock")

	lis, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(handler)
	srv.Listener.Close()
	srv.Listener = lis
	srv.Start()

	return socketPath, func() {
		srv.Close()
		_ = os.Remove(socketPath)
	}
}

func TestClient_apiCallSurfacesHypervisorAPIError(t *testing.T) {
	socketPath, closeSrv := newUnixTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"fault_message":"bad config"}`))
	}))
	defer closeSrv()

	c := New("/bin/true", socketPath)
	err := c.apiPut(context.Background(), "/boot-source", map[string]any{"x": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "bad config")
}

func TestClient_apiCallSucceedsOn2xx(t *testing.T) {
	socketPath, closeSrv := newUnixTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer closeSrv()

	c := New("/bin/true", socketPath)
	err := c.apiPut(context.Background(), "/boot-source", map[string]any{"x": 1})
	require.NoError(t, err)
}
