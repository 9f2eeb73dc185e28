package twilio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/errorsx"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/logging"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/metrics"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/redact"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/transports"
	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"
)

const (
	GreetingModeStream = "stream"
	GreetingModePlay   = "play"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	FromNumber         string   `mapstructure:"from_number"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	GreetingPath       string   `mapstructure:"greeting_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	MetricsPath        string   `mapstructure:"metrics_path"`
	GreetingMode       string   `mapstructure:"greeting_mode"`
	Greeting           string   `mapstructure:"greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	// WriteTimeout bounds each media stream write; zero means 5s.
	WriteTimeout time.Duration `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/media"
	}
	if c.GreetingPath == "" {
		c.GreetingPath = "/greeting.mp3"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if c.GreetingMode == "" {
		c.GreetingMode = GreetingModeStream
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Options wires the server's collaborators. Handler is required.
type Options struct {
	Handler  transports.CallHandler
	Greeting *GreetingCache
	// MetricsHandler, when set, is mounted at Config.MetricsPath.
	MetricsHandler http.Handler
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Server accepts Twilio webhooks and media stream connections and hands
// each connection to the CallHandler.
type Server struct {
	cfg      Config
	opts     Options
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	legs     map[*Leg]struct{}
	callLegs map[string]*Leg

	draining atomic.Bool
}

func New(cfg Config, opts Options) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:  cfg,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger:   logging.NewComponentLogger(opts.Logger, "twilio"),
		legs:     make(map[*Leg]struct{}),
		callLegs: make(map[string]*Leg),
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s
}

func (s *Server) Name() string { return "twilio" }

func (s *Server) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         s.httpURL(s.cfg.VoicePath),
		"status_callback_url": s.httpURL(s.cfg.StatusCallbackPath),
		"greeting_mode":       s.cfg.GreetingMode,
	}
}

// Handler returns the HTTP routes served by the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.VoicePath, s.handleVoice)
	mux.Handle(s.cfg.WebsocketPath, s)
	mux.HandleFunc(s.cfg.GreetingPath, s.handleGreeting)
	mux.HandleFunc(s.cfg.StatusCallbackPath, s.handleStatusCallback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if s.opts.MetricsHandler != nil {
		mux.Handle(s.cfg.MetricsPath, s.opts.MetricsHandler)
	}
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.opts.Handler == nil {
		return errors.New("twilio server: call handler required")
	}
	s.server = &http.Server{
		Addr:              s.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           s.Handler(),
	}
	if s.opts.Greeting != nil {
		go s.opts.Greeting.PurgeEvery(ctx, 0)
	}
	if s.cfg.GreetingMode == GreetingModePlay && s.opts.Greeting != nil {
		go func() {
			if _, err := s.opts.Greeting.Get(ctx, s.cfg.Greeting); err != nil {
				s.logger.Warn("greeting_prewarm_failed", slog.String("error", err.Error()))
			}
		}()
	}
	go func() {
		<-ctx.Done()
		_ = s.server.Close()
	}()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("twilio_server_error", slog.String("error", err.Error()))
		}
	}()
	s.logger.Info("twilio_server_started", slog.String("addr", s.cfg.ServerAddr))
	return nil
}

// Drain stops accepting new calls and waits for active calls to finish
// until ctx expires, then closes the remaining legs.
func (s *Server) Drain(ctx context.Context) error {
	s.draining.Store(true)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.ActiveCalls() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			s.closeLegs()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ActiveCalls reports the number of open media stream connections.
func (s *Server) ActiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.legs)
}

func (s *Server) Stop() error {
	s.draining.Store(true)
	if s.server != nil {
		_ = s.server.Close()
	}
	s.closeLegs()
	return nil
}

func (s *Server) closeLegs() {
	s.mu.Lock()
	legs := make([]*Leg, 0, len(s.legs))
	for l := range s.legs {
		legs = append(legs, l)
	}
	s.mu.Unlock()
	for _, l := range legs {
		_ = l.Close()
	}
}

// ServeHTTP upgrades a media stream connection and blocks until the call
// handler returns.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	leg := newLeg(conn, s.cfg.WriteTimeout, s.logger, s.opts.Metrics, s.register)
	s.mu.Lock()
	s.legs[leg] = struct{}{}
	s.mu.Unlock()
	defer s.unregister(leg)
	defer leg.Close()

	if err := s.opts.Handler.HandleCall(r.Context(), leg); err != nil {
		s.logger.Warn("twilio_call_ended_with_error",
			slog.String("stream_id", leg.StreamID()),
			slog.String("call_sid", leg.CallSID()),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
	}
}

func (s *Server) register(l *Leg) {
	callSID := l.CallSID()
	if callSID == "" {
		return
	}
	s.mu.Lock()
	old := s.callLegs[callSID]
	s.callLegs[callSID] = l
	s.mu.Unlock()
	if old != nil && old != l {
		_ = old.Close()
	}
}

func (s *Server) unregister(l *Leg) {
	s.mu.Lock()
	delete(s.legs, l)
	if callSID := l.CallSID(); callSID != "" && s.callLegs[callSID] == l {
		delete(s.callLegs, callSID)
	}
	s.mu.Unlock()
}

func (s *Server) legForCall(callSID string) *Leg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callLegs[callSID]
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.AuthToken != "" && !s.validateTwilioRequest(r) {
		s.logger.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if err := r.ParseForm(); err == nil {
		s.logger.Info("twilio_incoming_call",
			slog.String("call_sid", r.FormValue("CallSid")),
			slog.String("from", redact.Number(r.FormValue("From"))))
	}
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response>`)
	if s.cfg.GreetingMode == GreetingModePlay && s.opts.Greeting != nil && strings.TrimSpace(s.cfg.Greeting) != "" {
		b.WriteString(`<Play>` + xmlEscape(s.greetingURL(r)) + `</Play>`)
	}
	b.WriteString(`<Connect><Stream url="` + xmlEscape(s.websocketURL(r)) + `"/></Connect></Response>`)
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(b.String()))
}

func (s *Server) handleGreeting(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Greeting == nil || strings.TrimSpace(s.cfg.Greeting) == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	audio, err := s.opts.Greeting.Get(ctx, s.cfg.Greeting)
	if err != nil {
		s.logger.Error("greeting_unavailable",
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", s.opts.Greeting.ContentType())
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, "greeting", time.Time{}, bytes.NewReader(audio))
}

func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.AuthToken != "" && !s.validateTwilioRequest(r) {
		s.logger.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	status := r.FormValue("CallStatus")
	reason := normalizeCallEndReason(status)
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	s.logger.Info("twilio_call_status",
		slog.String("call_sid", callSID),
		slog.String("status", status),
		slog.String("call_end_reason", reason),
		slog.String("duration_s", r.FormValue("CallDuration")))
	if leg := s.legForCall(callSID); leg != nil {
		_ = leg.Close()
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) websocketURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(s.cfg.PublicURL) + s.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(s.cfg.ServerAddr, ":")
	}
	return "wss://" + host + s.cfg.WebsocketPath
}

func (s *Server) greetingURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(s.cfg.PublicURL) + s.cfg.GreetingPath
	}
	return "https://" + r.Host + s.cfg.GreetingPath
}

func (s *Server) httpURL(path string) string {
	return publicHTTPURL(s.cfg, path)
}

func publicHTTPURL(cfg Config, path string) string {
	if cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(cfg.PublicURL) + path
	}
	addr := cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func (s *Server) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if s.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(s.cfg.AuthToken)
	return validator.ValidateBody(s.requestURL(r), body, signature)
}

func (s *Server) requestURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		base := strings.TrimRight(s.cfg.PublicURL, "/")
		if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
			base = "https://" + base
		}
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(s.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "ringing", "in-progress", "inprogress", "initiated":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
