// Package httpapi exposes the posting, approval and ledger-inspection
// surface over HTTP JSON. Handlers stay thin: they translate bodies into
// core commands, run them, and map core errors onto the status taxonomy.
package httpapi

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kobopay/kobod/internal/core/approval"
	"github.com/kobopay/kobod/internal/core/ledger"
	"github.com/kobopay/kobod/internal/core/ledger/chain"
	"github.com/kobopay/kobod/internal/core/posting"
	"github.com/kobopay/kobod/internal/handlers"
	"github.com/kobopay/kobod/internal/pin"
)

// Poster is the posting-engine surface the API drives. Reversals are not
// posted directly over HTTP; they arrive through the approval workflow.
type Poster interface {
	Post(ctx context.Context, cmd posting.Command) (*posting.Receipt, error)
}

// Approvals is the maker-checker surface.
type Approvals interface {
	Evaluate(ctx context.Context, approvalType string, payload []byte) (*approval.ApprovalPolicy, error)
	Submit(ctx context.Context, in approval.SubmitInput) (*approval.ApprovalRequest, error)
	Approve(ctx context.Context, in approval.DecisionInput) (*approval.ApprovalRequest, error)
	Reject(ctx context.Context, in approval.DecisionInput) (*approval.ApprovalRequest, error)
	Get(ctx context.Context, requestID string) (*approval.ApprovalRequest, []approval.StageDecision, error)
}

// Directory is the read-side store surface: actor/account resolution,
// balances, journals and the chain-verify window. Both stores satisfy it.
type Directory interface {
	ActorByID(ctx context.Context, id string) (*ledger.Actor, error)
	ActorByMSISDN(ctx context.Context, typ ledger.ActorType, msisdn string) (*ledger.Actor, error)
	ActorByCode(ctx context.Context, code string) (*ledger.Actor, error)
	AccountByID(ctx context.Context, id string) (*ledger.LedgerAccount, error)
	AccountByOwner(ctx context.Context, ownerID string, typ ledger.AccountType, currency string) (*ledger.LedgerAccount, error)
	BalanceOf(ctx context.Context, accountID string) (*ledger.AccountBalance, error)
	AllBalances(ctx context.Context, currency string) ([]ledger.AccountBalance, error)
	JournalByID(ctx context.Context, id string) (*ledger.Journal, error)
	LinesOf(ctx context.Context, journalID string) ([]ledger.Line, error)
	chain.Reader
}

// Pinger reports storage liveness. Optional; the in-memory store has
// nothing to ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config wires the server's collaborators.
type Config struct {
	Poster    Poster
	Approvals Approvals
	Directory Directory

	// Store supplies chain heads for /health inside one transaction.
	Store posting.Store

	// Handlers builds float commands so the direct path and the approved
	// path post identical journal shapes.
	Handlers handlers.Set

	// PIN verifies the optional pin field on /tx/p2p. Nil disables
	// verification entirely.
	PIN *pin.Hasher

	// Hub receives dispatched events for /ops/events/stream. Created on
	// demand when nil.
	Hub *StreamHub

	// Pinger is consulted by /health when set.
	Pinger Pinger

	// Timeout bounds each request except the event stream. Zero means
	// no deadline.
	Timeout time.Duration

	Logger *zap.Logger
}

// Server handles the HTTP JSON API.
type Server struct {
	posting   Poster
	approvals Approvals
	dir       Directory
	store     posting.Store
	handlers  handlers.Set
	pin       *pin.Hasher
	hub       *StreamHub
	pinger    Pinger
	timeout   time.Duration
	log       *zap.Logger
	validate  *validator.Validate
	mux       *http.ServeMux
}

// NewServer builds the server and registers all routes.
func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewStreamHub(log)
	}
	s := &Server{
		posting:   cfg.Poster,
		approvals: cfg.Approvals,
		dir:       cfg.Directory,
		store:     cfg.Store,
		handlers:  cfg.Handlers,
		pin:       cfg.PIN,
		hub:       hub,
		pinger:    cfg.Pinger,
		timeout:   cfg.Timeout,
		log:       log,
		validate:  validator.New(),
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

// Hub returns the stream hub so the dispatcher can publish into it.
func (s *Server) Hub() *StreamHub { return s.hub }

func (s *Server) routes() {
	s.mux.HandleFunc("POST /tx/p2p", s.handleP2P)
	s.mux.HandleFunc("POST /tx/b2b", s.handleB2B)
	s.mux.HandleFunc("POST /tx/merchant-payment", s.handleMerchantPayment)
	s.mux.HandleFunc("POST /float/top-up", s.handleFloat(approval.TypeFloatTopUp))
	s.mux.HandleFunc("POST /float/withdrawal", s.handleFloat(approval.TypeFloatWithdrawal))
	s.mux.HandleFunc("GET /balance", s.handleBalance)
	s.mux.HandleFunc("GET /ops/ledger/journal/{id}", s.handleJournal)
	s.mux.HandleFunc("GET /ops/ledger/verify", s.handleVerify)
	s.mux.HandleFunc("GET /ops/ledger/trial-balance", s.handleTrialBalance)
	s.mux.HandleFunc("GET /ops/events/stream", s.handleStream)
	s.mux.HandleFunc("POST /approvals/{id}/approve", s.handleApprove)
	s.mux.HandleFunc("POST /approvals/{id}/reject", s.handleReject)
	s.mux.HandleFunc("GET /approvals/{id}", s.handleApprovalGet)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

const streamPath = "/ops/events/stream"

// ServeHTTP implements http.Handler. Every request gets CORS headers, a
// correlation id (echoed back and threaded through the context), a
// deadline, panic recovery and an access log line.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Correlation-ID")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	corr := r.Header.Get("X-Correlation-ID")
	if corr == "" {
		corr = uuid.NewString()
	}
	w.Header().Set("X-Correlation-ID", corr)

	ctx := withCorrelation(r.Context(), corr)
	if s.timeout > 0 && r.URL.Path != streamPath {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	r = r.WithContext(ctx)

	start := time.Now()
	sw := &statusWriter{ResponseWriter: w}

	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("handler panic",
				zap.Any("panic", rec),
				zap.String("path", r.URL.Path),
				zap.String("correlation_id", corr),
				zap.ByteString("stack", debug.Stack()))
			if !sw.wrote {
				s.writeError(sw, r, fmt.Errorf("httpapi: panic: %v", rec))
			}
		}
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", clientIP(r)),
			zap.String("correlation_id", corr))
	}()

	s.mux.ServeHTTP(sw, r)
}

// statusWriter records the status code for the access log. It forwards
// Hijack so the websocket upgrade still works through it.
type statusWriter struct {
	http.ResponseWriter
	code  int
	wrote bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.code = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.code = http.StatusOK
		w.wrote = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("httpapi: response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (w *statusWriter) status() int {
	if !w.wrote {
		return http.StatusOK
	}
	return w.code
}

type correlationKey struct{}

func withCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the request's correlation id, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// clientIP extracts the caller address, preferring proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
