package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/londonhackspace/acserver/internal/acl"
	"github.com/londonhackspace/acserver/internal/audit"
	"github.com/londonhackspace/acserver/internal/obs"
)

// NodeKeyHeader carries the tool's shared secret on node requests.
const NodeKeyHeader = "X-AC-Key"

var (
	errBadNode    = errors.New("invalid node id")
	errBadSeconds = errors.New("invalid seconds")
)

func (a *API) handleNode(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == "" {
		http.NotFound(w, r)
		return
	}
	segs := strings.Split(path, "/")
	node, err := parseNode(segs[0])
	if err != nil {
		handleNodeError(w, r, "route", err)
		return
	}
	rest := segs[1:]

	switch {
	case len(rest) == 2 && rest[0] == "status" && rest[1] == "":
		a.nodeOp(w, r, http.MethodGet, func() { a.toolStatus(w, r, node) })
	case len(rest) == 1 && rest[0] == "is_tool_in_use":
		a.nodeOp(w, r, http.MethodGet, func() { a.isToolInUse(w, r, node) })
	case len(rest) == 2 && rest[0] == "card":
		a.nodeOp(w, r, http.MethodGet, func() { a.queryCard(w, r, node, rest[1]) })
	case len(rest) == 4 && rest[0] == "status" && rest[2] == "by":
		a.nodeOp(w, r, http.MethodPost, func() { a.setToolStatus(w, r, node, rest[1], rest[3]) })
	case len(rest) == 4 && rest[0] == "grant-to-card" && rest[2] == "by-card":
		a.nodeOp(w, r, http.MethodPost, func() { a.grant(w, r, node, rest[1], rest[3]) })
	case len(rest) == 5 && rest[0] == "tooluse" && rest[1] == "time" && rest[2] == "for":
		a.nodeOp(w, r, http.MethodPost, func() { a.toolUseTime(w, r, node, rest[3], rest[4]) })
	case len(rest) == 3 && rest[0] == "tooluse":
		a.nodeOp(w, r, http.MethodPost, func() { a.toolUse(w, r, node, rest[1], rest[2]) })
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) nodeOp(w http.ResponseWriter, r *http.Request, method string, fn func()) {
	if r.Method != method {
		methodNotAllowed(w, r, method)
		return
	}
	fn()
}

func parseNode(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", errBadNode, s)
	}
	return id, nil
}

func parseFlag(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", acl.ErrInvalidStatus, s)
	}
	return v, nil
}

// verifyNode checks the shared secret. It writes the response itself and
// returns false when the request must stop.
func (a *API) verifyNode(w http.ResponseWriter, r *http.Request, op string, node int64, refused string) bool {
	ok, err := a.svc.VerifyNode(r.Context(), node, r.Header.Get(NodeKeyHeader))
	if err != nil {
		handleNodeError(w, r, op, err)
		return false
	}
	if !ok {
		obs.RecordDecision(op, "bad_secret")
		writeText(w, http.StatusOK, refused)
		return false
	}
	return true
}

func (a *API) toolStatus(w http.ResponseWriter, r *http.Request, node int64) {
	const op = "status.get"
	if !a.verifyNode(w, r, op, node, "0") {
		return
	}
	st, err := a.svc.ToolStatus(r.Context(), node)
	if err != nil {
		handleNodeError(w, r, op, err)
		return
	}
	writeCode(w, http.StatusOK, int(st))
}

func (a *API) isToolInUse(w http.ResponseWriter, r *http.Request, node int64) {
	const op = "in_use"
	if !a.verifyNode(w, r, op, node, "no") {
		return
	}
	inUse, err := a.svc.IsToolInUse(r.Context(), node)
	if err != nil {
		handleNodeError(w, r, op, err)
		return
	}
	if inUse {
		writeText(w, http.StatusOK, "yes")
		return
	}
	writeText(w, http.StatusOK, "no")
}

func (a *API) queryCard(w http.ResponseWriter, r *http.Request, node int64, hex string) {
	const op = "resolve"
	card, err := acl.ParseCardID(hex)
	if err != nil {
		handleNodeError(w, r, op, err)
		return
	}
	if !a.verifyNode(w, r, op, node, strconv.Itoa(acl.Denied.Code())) {
		return
	}
	d, err := a.svc.Resolve(r.Context(), node, card)
	if err != nil {
		handleNodeError(w, r, op, err)
		return
	}
	obs.RecordDecision(op, d.String())
	writeCode(w, http.StatusOK, d.Code())
}

func (a *API) setToolStatus(w http.ResponseWriter, r *http.Request, node int64, rawStatus, hex string) {
	const op = "status.set"
	flag, err := parseFlag(rawStatus)
	if err != nil {
		handleNodeError(w, r, op, err)
		return
	}
	status, err := acl.ParseToolStatus(flag)
	if err != nil {
		handleNodeError(w, r, op, err)
		return
	}
	card, err := acl.ParseCardID(hex)
	if err != nil {
		handleNodeError(w, r, op, err)
		return
	}
	if !a.verifyNode(w, r, op, node, strconv.Itoa(acl.Refused.Code())) {
		return
	}
	out, err := a.svc.SetToolStatus(r.Context(), node, status, card)
	if err != nil {
		handleNodeError(w, r, op, err)
		return
	}
	obs.RecordDecision(op, out.String())
	if out == acl.OK {
		_ = audit.LogEvent(r.Context(), "tool.status", map[string]any{
			"tool_id": node,
			"status":  status.String(),
			"by_card": card.String(),
		})
	}
	writeCode(w, http.StatusOK, out.Code())
}

func (a *API) grant(w http.ResponseWriter, r *http.Request, node int64, targetHex, requesterHex string) {
	const op = "grant"
	target, err := acl.ParseCardID(targetHex)
	if err != nil {
		handleNodeError(w, r, op, err)
		return
	}
	requester, err := acl.ParseCardID(requesterHex)
	if err != nil {
		handleNodeError(w, r, op, err)
		return
	}
	if !a.verifyNode(w, r, op, node, strconv.Itoa(acl.Refused.Code())) {
		return
	}
	out, err := a.svc.Grant(r.Context(), node, target, requester)
	if err != nil {
		handleNodeError(w, r, op, err)
		return
	}
	obs.RecordDecision(op, out.String())
	if out == acl.OK {
		_ = audit.LogEvent(r.Context(), "tool.grant", map[string]any{
			"tool_id": node,
			"card":    target.String(),
			"by_card": requester.String(),
		})
	}
	writeCode(w, http.StatusOK, out.Code())
}

func (a *API) toolUse(w http.ResponseWriter, r *http.Request, node int64, rawFlag, hex string) {
	const op = "tooluse"
	flag, err := parseFlag(rawFlag)
	if err != nil {
		handleNodeError(w, r, op, err)
		return
	}
	report, err := acl.ParseUsageReport(flag)
	if err != nil {
		handleNodeError(w, r, op, err)
		return
	}
	card, err := acl.ParseCardID(hex)
	if err != nil {
		handleNodeError(w, r, op, err)
		return
	}
	if !a.verifyNode(w, r, op, node, strconv.Itoa(acl.Refused.Code())) {
		return
	}
	out, err := a.svc.ReportToolUse(r.Context(), node, card, report)
	if err != nil {
		handleNodeError(w, r, op, err)
		return
	}
	obs.RecordDecision(op, out.String())
	writeCode(w, http.StatusOK, out.Code())
}

func (a *API) toolUseTime(w http.ResponseWriter, r *http.Request, node int64, hex, rawSeconds string) {
	const op = "tooluse.time"
	card, err := acl.ParseCardID(hex)
	if err != nil {
		handleNodeError(w, r, op, err)
		return
	}
	seconds, err := strconv.ParseInt(rawSeconds, 10, 64)
	if err != nil {
		handleNodeError(w, r, op, fmt.Errorf("%w: %q", errBadSeconds, rawSeconds))
		return
	}
	if _, err := acl.ToolUseDuration(seconds); err != nil {
		handleNodeError(w, r, op, err)
		return
	}
	if !a.verifyNode(w, r, op, node, strconv.Itoa(acl.Refused.Code())) {
		return
	}
	out, err := a.svc.ReportToolUseTime(r.Context(), node, card, seconds)
	if err != nil {
		handleNodeError(w, r, op, err)
		return
	}
	obs.RecordDecision(op, out.String())
	writeCode(w, http.StatusOK, out.Code())
}
