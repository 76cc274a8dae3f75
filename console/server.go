package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sprucehealth/ivrdialer/contacts"
	"github.com/sprucehealth/ivrdialer/engine"
)

const maxBodyBytes = 4 << 20

const dashboardHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><meta http-equiv="refresh" content="2"><title>ivrdialer</title></head>
<body>
<h1>ivrdialer</h1>
<p>Status: <b>{{.Status}}</b> &middot; Campaign: {{.Campaign.Phase}} ({{.Campaign.CurrentIndex}}/{{len .Campaign.Contacts}}){{if .AgentConnected}} &middot; <b>Agent connected</b>{{end}}</p>
{{if .ProviderError}}<p>Provider: {{.ProviderError}}</p>{{end}}
<ul>{{range .Notifications}}<li>[{{.Kind}}] {{.Message}}</li>{{end}}</ul>
<h2>Transcript</h2>
<pre>{{.Transcript}}</pre>
<h2>Snapshot</h2>
<pre>{{json .}}</pre>
</body>
</html>
`

// ConsoleServer serves the operator console: a JSON API over the engine and,
// when configured, the Twilio webhook endpoints
type ConsoleServer struct {
	Addr   string
	engine *engine.Engine
	server *http.Server
	tmpl   *template.Template
	log    *slog.Logger

	twilioStatus http.Handler
	twilioMedia  http.Handler
}

// Option configures a ConsoleServer
type Option func(*ConsoleServer)

// WithTwilioStatus mounts the Twilio status callback handler at /twilio/status
func WithTwilioStatus(h http.Handler) Option {
	return func(cs *ConsoleServer) {
		cs.twilioStatus = h
	}
}

// WithTwilioMedia mounts the media stream websocket handler at /twilio/media
func WithTwilioMedia(h http.Handler) Option {
	return func(cs *ConsoleServer) {
		cs.twilioMedia = h
	}
}

// WithLogger sets the request logger
func WithLogger(l *slog.Logger) Option {
	return func(cs *ConsoleServer) {
		cs.log = l
	}
}

// NewConsoleServer creates a new console server
func NewConsoleServer(e *engine.Engine, addr string, opts ...Option) (*ConsoleServer, error) {
	if addr == "" {
		addr = ":8089"
	}

	funcs := template.FuncMap{
		"json": func(v any) string {
			b, _ := json.MarshalIndent(v, "", "  ")
			return string(b)
		},
	}
	tmpl, err := template.New("dashboard").Funcs(funcs).Parse(dashboardHTML)
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	cs := &ConsoleServer{
		Addr:   addr,
		engine: e,
		tmpl:   tmpl,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(cs)
	}
	cs.log = cs.log.With("component", "console")
	cs.server = &http.Server{
		Addr:              addr,
		Handler:           cs.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return cs, nil
}

// Handler builds the router
func (cs *ConsoleServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cs.logRequests)

	r.Get("/", cs.handleDashboard)
	r.Route("/api", func(r chi.Router) {
		r.Get("/snapshot", cs.handleSnapshot)
		r.Get("/notifications", cs.handleNotifications)
		r.Get("/history", cs.handleHistory)
		r.Post("/contacts", cs.handleContacts)
		r.Route("/campaign", func(r chi.Router) {
			r.Post("/start", cs.action(cs.engine.StartCampaign))
			r.Post("/proceed", cs.action(cs.engine.Proceed))
			r.Post("/retry", cs.action(cs.engine.Retry))
			r.Post("/stop", cs.action(cs.engine.Stop))
			r.Put("/delay", cs.handleDelay)
			r.Put("/confirmation", cs.handleConfirmation)
		})
		r.Post("/calls", cs.handleCall)
		r.Delete("/calls/active", cs.action(cs.engine.Hangup))
	})
	if cs.twilioStatus != nil {
		r.Method(http.MethodPost, "/twilio/status", cs.twilioStatus)
	}
	if cs.twilioMedia != nil {
		r.Method(http.MethodGet, "/twilio/media", cs.twilioMedia)
	}
	return r
}

// Start starts the console server
func (cs *ConsoleServer) Start() error {
	cs.log.Info("console listening", "addr", cs.Addr)
	return cs.server.ListenAndServe()
}

// Stop gracefully stops the server
func (cs *ConsoleServer) Stop(ctx context.Context) error {
	return cs.server.Shutdown(ctx)
}

func (cs *ConsoleServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		cs.log.Debug("request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
	})
}

func (cs *ConsoleServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if err := cs.tmpl.Execute(w, cs.engine.Snapshot()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (cs *ConsoleServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cs.engine.Snapshot())
}

func (cs *ConsoleServer) handleNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cs.engine.Notifications())
}

func (cs *ConsoleServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cs.engine.History())
}

func (cs *ConsoleServer) handleContacts(w http.ResponseWriter, r *http.Request) {
	list, err := contacts.Read(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := cs.engine.UploadContacts(list); err != nil {
		cs.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cs.engine.Snapshot().Campaign)
}

type delayRequest struct {
	Seconds float64 `json:"seconds"`
}

func (cs *ConsoleServer) handleDelay(w http.ResponseWriter, r *http.Request) {
	var req delayRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Seconds < 0 {
		writeError(w, http.StatusBadRequest, errors.New("seconds must not be negative"))
		return
	}
	d := time.Duration(req.Seconds * float64(time.Second))
	if err := cs.engine.SetInterCallDelay(d); err != nil {
		cs.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cs.engine.Snapshot().Campaign)
}

type confirmationRequest struct {
	Required bool `json:"required"`
}

func (cs *ConsoleServer) handleConfirmation(w http.ResponseWriter, r *http.Request) {
	var req confirmationRequest
	if !decode(w, r, &req) {
		return
	}
	if err := cs.engine.SetConfirmationRequired(req.Required); err != nil {
		cs.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cs.engine.Snapshot().Campaign)
}

type callRequest struct {
	Phone string `json:"phone"`
}

func (cs *ConsoleServer) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := cs.engine.ManualCall(req.Phone)
	if err != nil {
		cs.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// action adapts an engine operation to a handler answering with the snapshot
func (cs *ConsoleServer) action(op func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(); err != nil {
			cs.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cs.engine.Snapshot())
	}
}

func (cs *ConsoleServer) fail(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		cs.log.Error("request failed", "error", err)
	}
	var rl *engine.RateLimitedError
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Round(time.Second)/time.Second)))
	}
	writeError(w, status, err)
}

// StatusFor maps engine errors onto HTTP status codes
func StatusFor(err error) int {
	var rl *engine.RateLimitedError
	var te *engine.TransportError
	switch {
	case errors.As(err, &rl):
		return http.StatusTooManyRequests
	case errors.Is(err, engine.ErrInvalidContact), errors.Is(err, engine.ErrNoContacts):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrCallActive), errors.Is(err, engine.ErrCampaignState):
		return http.StatusConflict
	case errors.Is(err, engine.ErrNoActiveConnection):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &te):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
