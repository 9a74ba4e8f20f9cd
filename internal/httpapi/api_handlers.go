package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/londonhackspace/acserver/internal/acl"
	"github.com/londonhackspace/acserver/internal/apikey"
)

// APIKeyHeader carries the monitoring API key.
const APIKeyHeader = "API-KEY"

var errBadUser = errors.New("invalid user id")

func (a *API) withAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.keys == nil {
			writeError(w, r, http.StatusUnauthorized, "api keys are not configured")
			return
		}
		key := strings.TrimSpace(r.Header.Get(APIKeyHeader))
		if key == "" {
			writeError(w, r, http.StatusUnauthorized, "missing "+APIKeyHeader+" header")
			return
		}
		claims, err := a.keys.Parse(key)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid api key")
			return
		}
		if !claims.HasScope(apikey.ScopeMonitor) {
			writeError(w, r, http.StatusForbidden, "api key lacks scope "+apikey.ScopeMonitor)
			return
		}
		ctx := apikey.ContextWithClient(r.Context(), claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) handleAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/")
	switch {
	case path == "events":
		a.events(w, r)
	case strings.HasPrefix(path, "get_tools_summary_for_user/"):
		a.toolsSummary(w, r, strings.TrimPrefix(path, "get_tools_summary_for_user/"))
	case strings.HasPrefix(path, "whois/"):
		a.whois(w, r, strings.TrimPrefix(path, "whois/"))
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) toolsSummary(w http.ResponseWriter, r *http.Request, rawUser string) {
	userID, err := strconv.ParseInt(rawUser, 10, 64)
	if err != nil || userID <= 0 {
		handleAPIError(w, r, fmt.Errorf("%w: %q", errBadUser, rawUser))
		return
	}
	summary, err := a.svc.ToolsSummaryForUser(r.Context(), userID)
	if err != nil {
		handleAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) whois(w http.ResponseWriter, r *http.Request, hex string) {
	card, err := acl.ParseCardID(hex)
	if err != nil {
		handleAPIError(w, r, err)
		return
	}
	h, err := a.svc.Whois(r.Context(), card)
	if err != nil {
		handleAPIError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, h.User.Nick+"\n"+h.Card.ID.String()+"\n")
}
