package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"proxy-bid-engine/internal/ratelimit"
)

const cabDefaultBaseURL = "https://carsandbids.com"

// CarsAndBids drives carsandbids.com auctions through its JSON API.
type CarsAndBids struct {
	baseURL string
	http    *http.Client
	bucket  *ratelimit.TokenBucket
}

// CarsAndBidsOptions configure the adapter.
type CarsAndBidsOptions struct {
	BaseURL     string
	Timeout     time.Duration
	RateLimiter *ratelimit.TokenBucket
}

// NewCarsAndBids constructs the adapter.
func NewCarsAndBids(opts CarsAndBidsOptions) *CarsAndBids {
	base := opts.BaseURL
	if base == "" {
		base = cabDefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &CarsAndBids{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: timeout},
		bucket:  opts.RateLimiter,
	}
}

func (a *CarsAndBids) Platform() string { return "carsandbids" }

type cabLoginResponse struct {
	Token       string `json:"token"`
	ExpiresIn   int64  `json:"expires_in"`
	MFARequired bool   `json:"mfa_required"`
	MFAToken    string `json:"mfa_token"`
	MFAMethod   string `json:"mfa_method"`
	MFAHint     string `json:"mfa_hint"`
}

// Login authenticates against the JSON API; an MFA response pauses the flow.
func (a *CarsAndBids) Login(ctx context.Context, creds Credentials) (*Session, error) {
	if creds.Session.Valid(time.Now()) {
		return creds.Session, nil
	}
	if err := a.pace(ctx); err != nil {
		return nil, err
	}

	var parsed cabLoginResponse
	status, err := a.postJSON(ctx, "/v2/auth/login", map[string]string{
		"email":    creds.Username,
		"password": creds.Password,
	}, "", &parsed)
	if err != nil {
		return nil, &TransientError{Reason: "login request", Err: err}
	}
	switch {
	case status == http.StatusUnauthorized:
		return nil, ErrAuthFailed
	case status >= 500:
		return nil, &TransientError{Reason: fmt.Sprintf("login status %d", status)}
	}
	if parsed.MFARequired {
		method := parsed.MFAMethod
		if method == "" {
			method = "sms"
		}
		return nil, &TwoFactorRequired{
			Method:  method,
			Hint:    parsed.MFAHint,
			Pending: PendingLogin{Platform: a.Platform(), Token: parsed.MFAToken},
		}
	}
	return a.sessionFromToken(parsed), nil
}

// CompleteTwoFactor exchanges the MFA token plus code for a session.
func (a *CarsAndBids) CompleteTwoFactor(ctx context.Context, pending PendingLogin, code string) (*Session, error) {
	if err := a.pace(ctx); err != nil {
		return nil, err
	}
	var parsed cabLoginResponse
	status, err := a.postJSON(ctx, "/v2/auth/mfa", map[string]string{
		"mfa_token": pending.Token,
		"code":      code,
	}, "", &parsed)
	if err != nil {
		return nil, &TransientError{Reason: "mfa request", Err: err}
	}
	if status == http.StatusUnauthorized || status == http.StatusBadRequest {
		return nil, ErrAuthFailed
	}
	if status >= 500 {
		return nil, &TransientError{Reason: fmt.Sprintf("mfa status %d", status)}
	}
	return a.sessionFromToken(parsed), nil
}

type cabAuctionResponse struct {
	CurrentBid   int64  `json:"current_bid"`
	BidIncrement int64  `json:"bid_increment"`
	EndsAt       int64  `json:"ends_at"`
	Status       string `json:"status"`
	IsHighBidder bool   `json:"is_high_bidder"`
}

// CurrentState reads the auction via the JSON API.
func (a *CarsAndBids) CurrentState(ctx context.Context, sess *Session, listingRef string) (ListingState, error) {
	if err := a.pace(ctx); err != nil {
		return ListingState{}, err
	}

	token := ""
	if sess != nil {
		token = sess.Token
	}
	var parsed cabAuctionResponse
	status, err := a.getJSON(ctx, "/v2/autos/auctions/"+listingSlug(listingRef), token, &parsed)
	if err != nil {
		return ListingState{}, &TransientError{Reason: "fetch auction", Err: err}
	}
	if status == http.StatusNotFound {
		return ListingState{}, ErrListingClosed
	}
	if status >= 400 {
		return ListingState{}, &TransientError{Reason: fmt.Sprintf("auction status %d", status)}
	}

	increment := parsed.BidIncrement
	if increment <= 0 {
		increment = 10000
	}
	return ListingState{
		CurrentBid:         parsed.CurrentBid,
		MinIncrement:       increment,
		IsCallerHighBidder: sess != nil && parsed.IsHighBidder,
		EndsAt:             time.Unix(parsed.EndsAt, 0).UTC(),
		Open:               parsed.Status == "live",
	}, nil
}

type cabBidResponse struct {
	Accepted     bool   `json:"accepted"`
	CurrentBid   int64  `json:"current_bid"`
	IsHighBidder bool   `json:"is_high_bidder"`
	Error        string `json:"error"`
}

// PlaceBid submits a bid in minor units.
func (a *CarsAndBids) PlaceBid(ctx context.Context, sess *Session, listingRef string, amount int64) (BidOutcome, error) {
	if !sess.Valid(time.Now()) {
		return BidOutcome{}, ErrSessionExpired
	}
	if err := a.pace(ctx); err != nil {
		return BidOutcome{}, err
	}

	var parsed cabBidResponse
	status, err := a.postJSON(ctx, "/v2/autos/auctions/"+listingSlug(listingRef)+"/bids", map[string]int64{
		"amount": amount,
	}, sess.Token, &parsed)
	if err != nil {
		return BidOutcome{}, &TransientError{Reason: "place bid request", Err: err}
	}

	switch {
	case status == http.StatusUnauthorized:
		return BidOutcome{}, ErrSessionExpired
	case status == http.StatusTooManyRequests:
		return BidOutcome{}, &TransientError{Reason: "rate limited"}
	case status == http.StatusConflict:
		return BidOutcome{}, fmt.Errorf("%w: %s", ErrListingClosed, parsed.Error)
	case status == http.StatusUnprocessableEntity:
		return BidOutcome{}, fmt.Errorf("%w: %s", ErrBelowMinimum, parsed.Error)
	case status >= 500:
		return BidOutcome{}, &TransientError{Reason: fmt.Sprintf("bid status %d", status)}
	}
	if !parsed.Accepted {
		return BidOutcome{}, &TransientError{Reason: parsed.Error}
	}

	return BidOutcome{
		Accepted:           true,
		NewCurrentBid:      parsed.CurrentBid,
		IsCallerHighBidder: parsed.IsHighBidder,
	}, nil
}

func (a *CarsAndBids) sessionFromToken(parsed cabLoginResponse) *Session {
	ttl := time.Duration(parsed.ExpiresIn) * time.Second
	if ttl == 0 {
		ttl = 6 * time.Hour
	}
	return &Session{
		Platform:  a.Platform(),
		Token:     parsed.Token,
		ExpiresAt: time.Now().Add(ttl),
	}
}

func (a *CarsAndBids) pace(ctx context.Context) error {
	if a.bucket == nil {
		return nil
	}
	if err := a.bucket.Wait(ctx, "platform:"+a.Platform()); err != nil {
		return &TransientError{Reason: "rate limiter", Err: err}
	}
	return nil
}

func (a *CarsAndBids) getJSON(ctx context.Context, path, token string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	return a.doJSON(req, token, out)
}

func (a *CarsAndBids) postJSON(ctx context.Context, path string, payload any, token string, out any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return a.doJSON(req, token, out)
}

func (a *CarsAndBids) doJSON(req *http.Request, token string, out any) (int, error) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if len(body) > 0 && out != nil {
		// Tolerate non-JSON error pages; status code drives classification.
		_ = json.Unmarshal(body, out)
	}
	return resp.StatusCode, nil
}
