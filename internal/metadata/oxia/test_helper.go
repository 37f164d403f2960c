package oxia

import (
	"os"
	"testing"

	"github.com/oxia-db/oxia/oxiad/dataserver"
)

// ServiceAddressEnv names an external Oxia server to test against instead
// of an embedded one.
const ServiceAddressEnv = "OXIA_SERVICE_ADDRESS"

// TestServer is an Oxia server for tests: either an embedded standalone
// server or an external one named by ServiceAddressEnv.
type TestServer struct {
	standalone *dataserver.Standalone
	addr       string
}

// Addr returns the service address of the test server.
func (s *TestServer) Addr() string {
	return s.addr
}

// StartTestServer starts an embedded standalone server in a temporary
// directory, closed through t.Cleanup. Packages above the store (engine,
// node) use it to exercise the oxia backend end to end.
func StartTestServer(t testing.TB) *TestServer {
	t.Helper()

	if addr := os.Getenv(ServiceAddressEnv); addr != "" {
		t.Logf("using external Oxia server at %s", addr)
		return &TestServer{addr: addr}
	}

	standalone, err := dataserver.NewStandalone(dataserver.NewTestConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("failed to start Oxia standalone server: %v", err)
	}
	server := &TestServer{standalone: standalone, addr: standalone.ServiceAddr()}
	t.Cleanup(func() {
		if err := standalone.Close(); err != nil {
			t.Logf("closing Oxia standalone server: %v", err)
		}
	})
	return server
}
