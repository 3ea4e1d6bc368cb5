package observability

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitFullMethod(t *testing.T) {
	service, method := splitFullMethod("/grpc.health.v1.Health/Check")
	require.Equal(t, "grpc.health.v1.Health", service)
	require.Equal(t, "Check", method)

	service, method = splitFullMethod("bogus")
	require.Equal(t, "unknown", service)
	require.Equal(t, "unknown", method)
}

func TestOriginFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws/session", nil)
	req.Header.Set("Origin", "https://app.example.com/")
	require.Equal(t, "https://app.example.com", OriginFromRequest(req))

	req = httptest.NewRequest("GET", "/ws/session", nil)
	req.Header.Set("Referer", "https://app.example.com/messages/42")
	require.Equal(t, "https://app.example.com", OriginFromRequest(req))

	req = httptest.NewRequest("GET", "/ws/session", nil)
	require.Empty(t, OriginFromRequest(req))
}

func TestBuildHeaders(t *testing.T) {
	require.Equal(t, map[string]string{"x-request-id": "r", "trace_id": "t"}, BuildHeaders("r", "t"))
	require.Empty(t, BuildHeaders("", ""))
}
