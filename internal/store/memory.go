package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"proxy-bid-engine/internal/models"
)

// Memory is a concurrency-safe in-memory Store with the same compare-and-set
// semantics as the Postgres implementation. It backs unit tests and local
// development without a database.
type Memory struct {
	mu          sync.Mutex
	requests    map[string]models.BidRequest
	tasks       map[string]models.ExecutionTask
	credentials map[string]models.CredentialRecord
	challenges  map[string]models.TwoFactorChallenge
	events      map[string][]models.Event
	audits      []models.AuditLog
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		requests:    make(map[string]models.BidRequest),
		tasks:       make(map[string]models.ExecutionTask),
		credentials: make(map[string]models.CredentialRecord),
		challenges:  make(map[string]models.TwoFactorChallenge),
		events:      make(map[string][]models.Event),
	}
}

func (m *Memory) CreateBidRequest(_ context.Context, p CreateBidRequestParams) (models.BidRequest, error) {
	if p.MaxBidAmount <= 0 {
		return models.BidRequest{}, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.requests {
		if r.UserID == p.UserID && r.ListingRef == p.ListingRef && !models.RequestTerminal(r.Status) {
			return models.BidRequest{}, ErrDuplicateActiveRequest
		}
	}
	now := time.Now().UTC()
	r := models.BidRequest{
		ID:            uuid.New().String(),
		UserID:        p.UserID,
		ListingRef:    p.ListingRef,
		Platform:      p.Platform,
		MaxBidAmount:  p.MaxBidAmount,
		Strategy:      p.Strategy,
		Status:        models.RequestPending,
		AuctionEndsAt: p.AuctionEndsAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.requests[r.ID] = r
	return r, nil
}

func (m *Memory) GetBidRequest(_ context.Context, id string) (models.BidRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.BidRequest{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) TransitionBidRequest(_ context.Context, id string, fromSet []string, to string, fields RequestFields) (models.BidRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.BidRequest{}, ErrNotFound
	}
	if models.RequestTerminal(r.Status) {
		return models.BidRequest{}, ErrTerminal
	}
	if !contains(fromSet, r.Status) {
		return models.BidRequest{}, ErrStaleState
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	if fields.CurrentExternalBid != nil {
		r.CurrentExternalBid = *fields.CurrentExternalBid
	}
	if fields.FinalBidAmount != nil {
		v := *fields.FinalBidAmount
		r.FinalBidAmount = &v
	}
	if fields.FailureReason != nil {
		v := *fields.FailureReason
		r.FailureReason = &v
	}
	if fields.WonAt != nil {
		v := *fields.WonAt
		r.WonAt = &v
	}
	m.requests[id] = r
	return r, nil
}

func (m *Memory) ListEligible(_ context.Context, _ time.Time) ([]models.BidRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BidRequest
	for _, r := range m.requests {
		if !models.RequestTerminal(r.Status) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) FindActiveRequest(_ context.Context, userID, listingRef string) (models.BidRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.UserID == userID && r.ListingRef == listingRef && !models.RequestTerminal(r.Status) {
			return r, true, nil
		}
	}
	return models.BidRequest{}, false, nil
}

func (m *Memory) CreateTask(_ context.Context, bidRequestID string, scheduledFor time.Time, attempt, maxAttempts int) (models.ExecutionTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	t := models.ExecutionTask{
		ID:           uuid.New().String(),
		BidRequestID: bidRequestID,
		ScheduledFor: scheduledFor,
		Status:       models.TaskQueued,
		Attempt:      attempt,
		MaxAttempts:  maxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.tasks[t.ID] = t
	return t, nil
}

func (m *Memory) GetTask(_ context.Context, id string) (models.ExecutionTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.ExecutionTask{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) TransitionTask(_ context.Context, id string, fromSet []string, to string, fields TaskFields) (models.ExecutionTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.ExecutionTask{}, ErrNotFound
	}
	if models.TaskTerminal(t.Status) {
		return models.ExecutionTask{}, ErrTerminal
	}
	if !contains(fromSet, t.Status) {
		return models.ExecutionTask{}, ErrStaleState
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	if fields.AmountPlaced != nil {
		v := *fields.AmountPlaced
		t.AmountPlaced = &v
	}
	if fields.IsHighBidder != nil {
		v := *fields.IsHighBidder
		t.IsHighBidder = &v
	}
	if fields.ResultMessage != nil {
		v := *fields.ResultMessage
		t.ResultMessage = &v
	}
	if fields.LastError != nil {
		v := *fields.LastError
		t.LastError = &v
	}
	if fields.Retryable != nil {
		t.Retryable = *fields.Retryable
	}
	if fields.WorkerID != nil {
		v := *fields.WorkerID
		t.WorkerID = &v
	}
	if fields.ExecutingSince != nil {
		v := *fields.ExecutingSince
		t.ExecutingSince = &v
	}
	if fields.FinishedAt != nil {
		v := *fields.FinishedAt
		t.FinishedAt = &v
	}
	m.tasks[id] = t
	return t, nil
}

func (m *Memory) LatestTask(_ context.Context, bidRequestID string) (models.ExecutionTask, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest models.ExecutionTask
	found := false
	for _, t := range m.tasks {
		if t.BidRequestID != bidRequestID {
			continue
		}
		if !found || t.CreatedAt.After(latest.CreatedAt) || (t.CreatedAt.Equal(latest.CreatedAt) && t.Attempt > latest.Attempt) {
			latest = t
			found = true
		}
	}
	return latest, found, nil
}

func (m *Memory) HasOpenTask(_ context.Context, bidRequestID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.BidRequestID == bidRequestID && contains(OpenTaskStatuses, t.Status) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) TasksFor(_ context.Context, bidRequestID string) ([]models.ExecutionTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ExecutionTask
	for _, t := range m.tasks {
		if t.BidRequestID == bidRequestID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Attempt != out[j].Attempt {
			return out[i].Attempt < out[j].Attempt
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) GetCredential(_ context.Context, userID, platform string) (models.CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.credentials {
		if c.UserID == userID && c.Platform == platform {
			return c, nil
		}
	}
	return models.CredentialRecord{}, ErrNotFound
}

func (m *Memory) GetCredentialByID(_ context.Context, id string) (models.CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[id]
	if !ok {
		return models.CredentialRecord{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) PutCredential(_ context.Context, rec models.CredentialRecord) (models.CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.credentials {
		if c.UserID == rec.UserID && c.Platform == rec.Platform {
			rec.ID = id
		}
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.UpdatedAt = time.Now().UTC()
	m.credentials[rec.ID] = rec
	return rec, nil
}

func (m *Memory) TransitionCredential(_ context.Context, id string, fromSet []string, to string) (models.CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[id]
	if !ok {
		return models.CredentialRecord{}, ErrNotFound
	}
	if !contains(fromSet, c.Status) {
		return models.CredentialRecord{}, ErrStaleState
	}
	c.Status = to
	c.UpdatedAt = time.Now().UTC()
	m.credentials[id] = c
	return c, nil
}

func (m *Memory) UpdateCredentialCiphertext(_ context.Context, id string, ciphertext []byte, validUntil time.Time, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[id]
	if !ok {
		return ErrNotFound
	}
	c.Ciphertext = ciphertext
	c.ValidUntil = validUntil
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	m.credentials[id] = c
	return nil
}

func (m *Memory) CreateChallenge(_ context.Context, ch models.TwoFactorChallenge) (models.TwoFactorChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}
	ch.Status = models.ChallengePending
	ch.CreatedAt = time.Now().UTC()
	m.challenges[ch.ID] = ch
	return ch, nil
}

func (m *Memory) GetChallenge(_ context.Context, id string) (models.TwoFactorChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.challenges[id]
	if !ok {
		return models.TwoFactorChallenge{}, ErrNotFound
	}
	return ch, nil
}

func (m *Memory) TransitionChallenge(_ context.Context, id string, fromSet []string, to string) (models.TwoFactorChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.challenges[id]
	if !ok {
		return models.TwoFactorChallenge{}, ErrNotFound
	}
	if !contains(fromSet, ch.Status) {
		return models.TwoFactorChallenge{}, ErrStaleState
	}
	ch.Status = to
	m.challenges[id] = ch
	return ch, nil
}

func (m *Memory) AppendEvent(_ context.Context, ev models.Event) (models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Seq = int64(len(m.events[ev.BidRequestID])) + 1
	m.events[ev.BidRequestID] = append(m.events[ev.BidRequestID], ev)
	return ev, nil
}

func (m *Memory) EventsFor(_ context.Context, bidRequestID string, fromSeq int64) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Event
	for _, ev := range m.events[bidRequestID] {
		if ev.Seq > fromSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *Memory) AppendAudit(_ context.Context, taskID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, models.AuditLog{TaskID: taskID, Event: event, Detail: detail, Recorded: time.Now().UTC()})
	return nil
}
