// Package service implements the HTTP protocol adapters: the OpenAI and
// Claude chat surfaces, the v2 admin CRUD API, web auth and health probes.
// Handlers are raw kratos routes so the chat surfaces can stream SSE.
package service

import (
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	pkgerrors "KiroGate/pkg/errors"

	"github.com/google/wire"
)

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(
	NewOpenAIService,
	NewClaudeService,
	NewAdminService,
	NewAuthService,
	NewHealthService,
)

// maxBodyBytes caps inbound JSON bodies (50 MB covers base64 images).
const maxBodyBytes = 50 << 20

func decodeJSON(r *http.Request, dest interface{}) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(dest); err != nil {
		return pkgerrors.NewValidationError("invalid JSON body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// clientIP extracts the caller address, preferring proxy headers.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// asAPIError normalizes any error to the taxonomy, tagging the request id.
func asAPIError(err error, requestID string) *pkgerrors.APIError {
	apiErr, ok := pkgerrors.AsAPIError(err)
	if !ok {
		apiErr = pkgerrors.NewInternalError("request", err)
	}
	if apiErr.RequestID == "" {
		apiErr.RequestID = requestID
	}
	return apiErr
}

// parseDataURL splits a data: URL into media type and raw base64 payload.
// Returns ok=false for anything that is not base64-encoded.
func parseDataURL(url string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		mediaType = "image/png"
	}
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		return "", "", false
	}
	return mediaType, payload, true
}
