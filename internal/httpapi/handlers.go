package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fattiesbombom/breathr/internal/dispatch"
	logx "github.com/fattiesbombom/breathr/pkg/logx"
)

// Dispatcher is the send side of the relay.
type Dispatcher interface {
	Send(ctx context.Context, username, text string) (dispatch.Result, error)
	Users(ctx context.Context) ([]string, error)
}

type route struct {
	method  string
	handler http.HandlerFunc
}

// API serves the dispatch endpoint.
type API struct {
	svc     Dispatcher
	log     logx.Logger
	maxBody int64
	routes  map[string]route
}

// Options tune the handler set.
type Options struct {
	// MaxBodyBytes caps request bodies (default 1 MiB).
	MaxBodyBytes int64
	// Metrics exposes GET /metrics.
	Metrics bool
}

func NewAPI(svc Dispatcher, opts Options, log logx.Logger) *API {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	a := &API{svc: svc, log: log, maxBody: opts.MaxBodyBytes}
	a.routes = map[string]route{
		"/send":         {http.MethodPost, a.handleSend},
		"/send-message": {http.MethodPost, a.handleSendMessage},
		"/users":        {http.MethodGet, a.handleUsers},
		"/health":       {http.MethodGet, a.handleHealth},
	}
	if opts.Metrics {
		a.routes["/metrics"] = route{http.MethodGet, promhttp.Handler().ServeHTTP}
	}
	return a
}

// Handler returns the routed handler wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	return withRequestID(instrument(a.log, a.routeName, recoverer(a.log, http.HandlerFunc(a.serve))))
}

func (a *API) routeName(r *http.Request) string {
	if _, ok := a.routes[r.URL.Path]; ok {
		return r.URL.Path
	}
	return "unmatched"
}

func (a *API) serve(w http.ResponseWriter, r *http.Request) {
	rt, ok := a.routes[r.URL.Path]
	if !ok {
		writeError(w, a.log, http.StatusNotFound, "Not found", "")
		return
	}
	if r.Method != rt.method && !(rt.method == http.MethodGet && r.Method == http.MethodHead) {
		w.Header().Set("Allow", rt.method)
		writeError(w, a.log, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}
	rt.handler(w, r)
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	a.send(w, r, false)
}

func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	a.send(w, r, true)
}

func (a *API) send(w http.ResponseWriter, r *http.Request, alternate bool) {
	req, err := a.decodeSend(w, r, alternate)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, a.log, http.StatusRequestEntityTooLarge, "Request body too large", "")
			return
		}
		writeError(w, a.log, http.StatusBadRequest, err.Error(), "")
		return
	}

	log := a.log.With(logx.String("request_id", RequestIDFromContext(r.Context())), logx.String("username", req.Username))
	res, err := a.svc.Send(r.Context(), req.Username, req.Message)
	if err != nil {
		var sendErr *dispatch.SendError
		switch {
		case errors.Is(err, dispatch.ErrUserNotFound):
			log.Info("send rejected: unknown user")
			writeError(w, a.log, http.StatusNotFound, `User "`+req.Username+`" not found in database`, "")
		case errors.As(err, &sendErr):
			log.Warn("send failed", logx.Err(err))
			writeError(w, a.log, http.StatusInternalServerError, "Failed to send message via Telegram API", sendErr.Err.Error())
		default:
			log.Error("send failed", logx.Err(err))
			writeError(w, a.log, http.StatusInternalServerError, "Internal server error", err.Error())
		}
		return
	}

	writeJSON(w, a.log, http.StatusOK, sendResponse{
		Success:          true,
		Message:          "Message sent successfully",
		ChatID:           res.ChatID,
		TelegramResponse: res.Ack,
	})
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.svc.Users(r.Context())
	if err != nil {
		a.log.Error("list users failed", logx.Err(err))
		writeError(w, a.log, http.StatusInternalServerError, "Failed to load users", err.Error())
		return
	}
	if users == nil {
		users = []string{}
	}
	writeJSON(w, a.log, http.StatusOK, usersResponse{Success: true, Users: users})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.log, http.StatusOK, map[string]string{"status": "ok"})
}

// sendRequest is the canonical form of both send bodies.
type sendRequest struct {
	Username string
	Message  string
}

// inputError is a client mistake; its text is returned verbatim.
type inputError string

func (e inputError) Error() string { return string(e) }

const (
	errNoData       inputError = "No JSON data provided"
	errNoUsername   inputError = "Username is required"
	errNoTargetUser inputError = "target_username is required"
	errNoMessage    inputError = "Message is required"
)

var errTrailingData = errors.New("trailing data after JSON body")

// decodeSend normalises a send body. On the alternate route target_username
// wins when non-empty and username is the fallback.
func (a *API) decodeSend(w http.ResponseWriter, r *http.Request, alternate bool) (sendRequest, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBody))
	if err != nil {
		return sendRequest{}, err
	}
	fields, err := parseObject(raw)
	if err != nil || len(fields) == 0 {
		return sendRequest{}, errNoData
	}

	req := sendRequest{Message: scalarString(fields["message"])}
	if alternate {
		req.Username = scalarString(fields["target_username"])
		if req.Username == "" {
			req.Username = scalarString(fields["username"])
		}
		if req.Username == "" {
			return sendRequest{}, errNoTargetUser
		}
	} else {
		req.Username = scalarString(fields["username"])
		if req.Username == "" {
			return sendRequest{}, errNoUsername
		}
	}
	if req.Message == "" {
		return sendRequest{}, errNoMessage
	}
	return req, nil
}

func parseObject(raw []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errNoData
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errTrailingData
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errNoData
	}
	return obj, nil
}

// scalarString renders a decoded JSON value as text. Strings are kept
// verbatim, numbers and booleans use their JSON spelling, null is empty.
func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(b))
	}
}
