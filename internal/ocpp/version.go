package ocpp

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// DetectVersion resolves the protocol version for an incoming charger
// upgrade. Sources are consulted in priority order: WebSocket
// subprotocol, X-OCPP-Version header, version query parameter, URL path
// suffix, then the configured default. With autoDetect disabled the
// default wins outright.
//
// The returned subprotocol is the entry to echo in the upgrade response
// header; it is empty when the client offered none. A non-empty offer
// with no recognized entry fails with CodeVersionMismatch.
func DetectVersion(r *http.Request, def Version, autoDetect bool) (Version, string, error) {
	offered := websocket.Subprotocols(r)
	if !autoDetect {
		return def, matchSubprotocol(offered, def), nil
	}

	if len(offered) > 0 {
		for _, proto := range offered {
			if v, ok := versionFromToken(proto); ok {
				return v, proto, nil
			}
		}
		return "", "", NewError(CodeVersionMismatch, "no supported subprotocol in %v", offered)
	}

	if header := r.Header.Get("X-OCPP-Version"); header != "" {
		if v, ok := versionFromToken(header); ok {
			return v, "", nil
		}
	}
	if q := r.URL.Query().Get("version"); q != "" {
		if v, ok := versionFromToken(q); ok {
			return v, "", nil
		}
	}
	path := strings.ToLower(r.URL.Path)
	switch {
	case strings.HasSuffix(path, "/v2.0.1"):
		return V201, "", nil
	case strings.HasSuffix(path, "/v1.6"):
		return V16, "", nil
	}

	return def, "", nil
}

func versionFromToken(token string) (Version, bool) {
	token = strings.ToLower(strings.TrimSpace(token))
	switch {
	case strings.Contains(token, "2.0.1"), strings.Contains(token, "2.0"):
		return V201, true
	case strings.Contains(token, "1.6"):
		return V16, true
	}
	return "", false
}

func matchSubprotocol(offered []string, v Version) string {
	for _, proto := range offered {
		if strings.EqualFold(proto, v.Subprotocol()) {
			return proto
		}
	}
	return ""
}
