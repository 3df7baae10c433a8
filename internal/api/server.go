// Package api exposes the bid engine over HTTP: request creation and
// cancellation, status reads, two-factor code submission, and a server-sent
// event stream of per-request status changes.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"proxy-bid-engine/internal/models"
	"proxy-bid-engine/internal/platform"
	"proxy-bid-engine/internal/publisher"
	"proxy-bid-engine/internal/queue"
	"proxy-bid-engine/internal/ratelimit"
	"proxy-bid-engine/internal/relay"
	"proxy-bid-engine/internal/store"
	"proxy-bid-engine/internal/telemetry"
	"proxy-bid-engine/internal/vault"
)

// Server wires the HTTP handlers.
type Server struct {
	store    store.Store
	queue    *queue.RedisQueue
	relay    *relay.Relay
	pub      *publisher.Publisher
	vault    *vault.Vault
	resolver ListingResolver
	limiter  *ratelimit.TokenBucket
	secret   []byte
	log      *logrus.Entry
}

// Options collect the server's collaborators.
type Options struct {
	Store     store.Store
	Queue     *queue.RedisQueue
	Relay     *relay.Relay
	Publisher *publisher.Publisher
	Vault     *vault.Vault
	Resolver  ListingResolver
	Limiter   *ratelimit.TokenBucket
	JWTSecret string
}

// New constructs the API server.
func New(opts Options) *Server {
	return &Server{
		store:    opts.Store,
		queue:    opts.Queue,
		relay:    opts.Relay,
		pub:      opts.Publisher,
		vault:    opts.Vault,
		resolver: opts.Resolver,
		limiter:  opts.Limiter,
		secret:   []byte(opts.JWTSecret),
		log:      logrus.WithField("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(requireAuth(s.secret))
		r.Post("/bid-requests", s.handleCreate)
		r.Get("/bid-requests/{id}", s.handleGet)
		r.Post("/bid-requests/{id}/cancel", s.handleCancel)
		r.Get("/bid-requests/{id}/events", s.handleEvents)
		r.Post("/two-factor/{challengeID}/submit", s.handleSubmitCode)
		r.Put("/credentials/{platform}", s.handleStoreCredential)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

type createRequest struct {
	VehicleID     string    `json:"vehicle_id"`
	Platform      string    `json:"platform"`
	ListingRef    string    `json:"listing_ref"`
	MaxBidAmount  int64     `json:"max_bid_amount"`
	Strategy      string    `json:"strategy"`
	AuctionEndsAt time.Time `json:"auction_ends_at"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if req.VehicleID != "" && s.resolver != nil {
		platformID, listingRef, ok := s.resolver.Resolve(req.VehicleID)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown vehicle")
			return
		}
		req.Platform, req.ListingRef = platformID, listingRef
	}
	if req.Platform == "" || req.ListingRef == "" {
		writeError(w, http.StatusBadRequest, "platform and listing_ref are required")
		return
	}
	if req.MaxBidAmount <= 0 {
		writeError(w, http.StatusBadRequest, "max_bid_amount must be positive")
		return
	}
	switch req.Strategy {
	case models.StrategyMatchIncrement, models.StrategySnipeAtClose, models.StrategyIncrementalLadder:
	default:
		writeError(w, http.StatusBadRequest, "unknown strategy")
		return
	}
	if !req.AuctionEndsAt.After(time.Now()) {
		writeError(w, http.StatusBadRequest, "auction_ends_at must be in the future")
		return
	}

	userID := UserID(r.Context())
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:user:"+userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	created, err := s.store.CreateBidRequest(r.Context(), store.CreateBidRequestParams{
		UserID:        userID,
		ListingRef:    req.ListingRef,
		Platform:      req.Platform,
		MaxBidAmount:  req.MaxBidAmount,
		Strategy:      req.Strategy,
		AuctionEndsAt: req.AuctionEndsAt.UTC(),
	})
	if errors.Is(err, store.ErrDuplicateActiveRequest) {
		existing, found, ferr := s.store.FindActiveRequest(r.Context(), userID, req.ListingRef)
		if ferr != nil || !found {
			writeError(w, http.StatusConflict, "a live request for this listing already exists")
			return
		}
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":          "a live request for this listing already exists",
			"bid_request_id": existing.ID,
		})
		return
	}
	if errors.Is(err, store.ErrInvalidAmount) {
		writeError(w, http.StatusBadRequest, "max_bid_amount must be positive")
		return
	}
	if err != nil {
		s.log.WithError(err).Error("create bid request")
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}

	if err := s.pub.Emit(r.Context(), created.ID, models.EventRequestCreated,
		fmt.Sprintf("max %d on %s/%s", created.MaxBidAmount, created.Platform, created.ListingRef)); err != nil {
		s.log.WithError(err).WithField("bid_request_id", created.ID).Warn("publish created event")
	}
	writeJSON(w, http.StatusCreated, created)
}

type requestView struct {
	models.BidRequest
	LatestTask *taskSummary `json:"latest_task,omitempty"`
}

type taskSummary struct {
	ID           string  `json:"id"`
	Status       string  `json:"status"`
	Attempt      int     `json:"attempt"`
	MaxAttempts  int     `json:"max_attempts"`
	AmountPlaced *int64  `json:"amount_placed,omitempty"`
	LastError    *string `json:"last_error,omitempty"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	req, ok := s.ownedRequest(w, r)
	if !ok {
		return
	}

	view := requestView{BidRequest: req}
	if latest, found, err := s.store.LatestTask(r.Context(), req.ID); err == nil && found {
		view.LatestTask = &taskSummary{
			ID:           latest.ID,
			Status:       latest.Status,
			Attempt:      latest.Attempt,
			MaxAttempts:  latest.MaxAttempts,
			AmountPlaced: latest.AmountPlaced,
			LastError:    latest.LastError,
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	req, ok := s.ownedRequest(w, r)
	if !ok {
		return
	}

	reason := "cancelled by user"
	_, err := s.store.TransitionBidRequest(r.Context(), req.ID, models.NonTerminalRequestStatuses,
		models.RequestCancelled, store.RequestFields{FailureReason: &reason})
	if errors.Is(err, store.ErrTerminal) {
		writeError(w, http.StatusConflict, "request already finished")
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("bid_request_id", req.ID).Error("cancel request")
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}

	// Pull any queued work. An attempt already executing notices the
	// cancellation before it submits a bid.
	if latest, found, err := s.store.LatestTask(r.Context(), req.ID); err == nil && found && latest.Status == models.TaskQueued {
		_, _ = s.store.TransitionTask(r.Context(), latest.ID, []string{models.TaskQueued},
			models.TaskCancelled, store.TaskFields{ResultMessage: &reason})
		if err := s.queue.Cancel(r.Context(), latest.ID); err != nil {
			s.log.WithError(err).WithField("task_id", latest.ID).Warn("remove cancelled task from queue")
		}
		_ = s.store.AppendAudit(r.Context(), latest.ID, "task_cancelled", reason)
	}

	if err := s.pub.Emit(r.Context(), req.ID, models.EventRequestCancelled, reason); err != nil {
		s.log.WithError(err).WithField("bid_request_id", req.ID).Warn("publish cancelled event")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type submitCodeRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleSubmitCode(w http.ResponseWriter, r *http.Request) {
	challengeID := chi.URLParam(r, "challengeID")

	ch, err := s.store.GetChallenge(r.Context(), challengeID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown challenge")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	rec, err := s.store.GetCredentialByID(r.Context(), ch.CredentialID)
	if err != nil || rec.UserID != UserID(r.Context()) {
		writeError(w, http.StatusNotFound, "unknown challenge")
		return
	}

	var body submitCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	_, err = s.relay.SubmitCode(r.Context(), challengeID, body.Code)
	switch {
	case errors.Is(err, relay.ErrEmptyCode):
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "invalid_code"})
	case errors.Is(err, relay.ErrChallengeExpired):
		writeJSON(w, http.StatusGone, map[string]string{"status": "expired"})
	case errors.Is(err, relay.ErrChallengeNotPending):
		writeError(w, http.StatusConflict, "a code was already submitted")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "submit failed")
	default:
		// The waiting worker verifies the code against the platform; the
		// event stream reports two_factor_verified when it lands.
		writeJSON(w, http.StatusOK, map[string]string{"status": "submitted"})
	}
}

type storeCredentialRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Stored passwords carry no natural expiry; the first successful login
// replaces this window with the session's own.
const credentialValidity = 30 * 24 * time.Hour

// handleStoreCredential seals the caller's platform login into the vault,
// replacing any prior record. The plaintext never appears in a response.
func (s *Server) handleStoreCredential(w http.ResponseWriter, r *http.Request) {
	platformID := chi.URLParam(r, "platform")

	var body storeCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	rec, err := s.vault.Store(r.Context(), UserID(r.Context()), platformID,
		platform.Credentials{Username: body.Username, Password: body.Password},
		time.Now().Add(credentialValidity))
	if err != nil {
		s.log.WithError(err).Error("store credential")
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       rec.ID,
		"platform": rec.Platform,
		"status":   rec.Status,
	})
}

// handleEvents streams published events for one request as server-sent
// events. `from_seq` resumes after the given sequence number.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	req, ok := s.ownedRequest(w, r)
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var fromSeq int64
	if v := r.URL.Query().Get("from_seq"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &fromSeq); err != nil {
			writeError(w, http.StatusBadRequest, "invalid from_seq")
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range s.pub.Subscribe(r.Context(), req.ID, fromSeq) {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, payload)
		flusher.Flush()
	}
}

// handleDLQ lists dead-lettered task ids for operators.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// ownedRequest loads the bid request and enforces ownership. Requests owned
// by someone else read as not found.
func (s *Server) ownedRequest(w http.ResponseWriter, r *http.Request) (models.BidRequest, bool) {
	id := chi.URLParam(r, "id")
	req, err := s.store.GetBidRequest(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && req.UserID != UserID(r.Context())) {
		writeError(w, http.StatusNotFound, "unknown bid request")
		return models.BidRequest{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return models.BidRequest{}, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
