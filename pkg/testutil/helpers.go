package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Envelope is the wire response shape every endpoint answers with.
type Envelope struct {
	Success   bool              `json:"success"`
	Data      json.RawMessage   `json:"data"`
	Error     string            `json:"error"`
	ErrorCode string            `json:"error_code"`
	Details   map[string]string `json:"details"`
}

// SignToken mints a bearer token the way the identity surface does:
// HS256 with subject, display name, tenant and access level claims.
func SignToken(t *testing.T, secret string, userID uuid.UUID, name, tenant, access string) string {
	t.Helper()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  userID.String(),
		"name": name,
		"ten":  tenant,
		"acc":  access,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

// NewJSONRequest builds a request with a JSON body.
func NewJSONRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// WithBearer attaches a bearer token.
func WithBearer(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// WithSudo marks the request for the privileged surface.
func WithSudo(req *http.Request) *http.Request {
	req.Header.Set("X-Stratum-Sudo", "true")
	return req
}

// Do serves the request and decodes the envelope.
func Do(t *testing.T, handler http.Handler, req *http.Request) (int, Envelope) {
	t.Helper()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env),
		"response is not an envelope: %s", rec.Body.String())
	return rec.Code, env
}

// DataRows decodes the envelope data as a list of records.
func DataRows(t *testing.T, env Envelope) []map[string]any {
	t.Helper()
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &rows))
	return rows
}

// DataRow decodes the envelope data as a single record.
func DataRow(t *testing.T, env Envelope) map[string]any {
	t.Helper()
	var row map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &row))
	return row
}

// Numeric converts a cell to float64 for comparisons. Aggregates over
// bigint columns arrive as strings, driver integers as int64, JSON
// numbers as float64.
func Numeric(t *testing.T, v any) float64 {
	t.Helper()
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(n, 64)
		require.NoError(t, err, "cell %q is not numeric", n)
		return f
	default:
		t.Fatalf("cell is not numeric: %T (%v)", v, v)
		return 0
	}
}

// MustJSON marshals the value or panics. For building fixture text.
func MustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// Ptr returns a pointer to the value.
func Ptr[T any](v T) *T {
	return &v
}
