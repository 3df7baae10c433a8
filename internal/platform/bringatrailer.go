package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"proxy-bid-engine/internal/archive"
	"proxy-bid-engine/internal/ratelimit"
)

const (
	batDefaultBaseURL = "https://bringatrailer.com"
	batUserAgent      = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"
	batSessionTTL     = 12 * time.Hour
)

// BringATrailer drives bringatrailer.com listings. All site-specific markup
// knowledge lives here; the engine core sees only the Adapter contract.
type BringATrailer struct {
	baseURL string
	http    *http.Client
	bucket  *ratelimit.TokenBucket
	archive archive.Archiver
}

// BringATrailerOptions configure the adapter.
type BringATrailerOptions struct {
	BaseURL     string
	Timeout     time.Duration
	RateLimiter *ratelimit.TokenBucket
	Archiver    archive.Archiver
}

// NewBringATrailer constructs the adapter.
func NewBringATrailer(opts BringATrailerOptions) *BringATrailer {
	base := opts.BaseURL
	if base == "" {
		base = batDefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &BringATrailer{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: timeout},
		bucket:  opts.RateLimiter,
		archive: opts.Archiver,
	}
}

func (a *BringATrailer) Platform() string { return "bringatrailer" }

// Login posts the WordPress login form and captures session cookies. A
// verification interstitial pauses the flow with TwoFactorRequired.
func (a *BringATrailer) Login(ctx context.Context, creds Credentials) (*Session, error) {
	if creds.Session.Valid(time.Now()) {
		return creds.Session, nil
	}
	if err := a.pace(ctx); err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("log", creds.Username)
	form.Set("pwd", creds.Password)
	form.Set("rememberme", "forever")

	resp, body, err := a.post(ctx, a.baseURL+"/wp-login.php", form, nil)
	if err != nil {
		return nil, &TransientError{Reason: "login request", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || strings.Contains(string(body), "incorrect password"):
		return nil, ErrAuthFailed
	case resp.StatusCode >= 500:
		return nil, &TransientError{Reason: fmt.Sprintf("login status %d", resp.StatusCode)}
	}

	if tok := batChallengeToken(body); tok != "" {
		return nil, &TwoFactorRequired{
			Method:  "email",
			Hint:    batMaskedHint(body),
			Pending: PendingLogin{Platform: a.Platform(), Token: tok},
		}
	}

	sess := a.sessionFromCookies(resp)
	if len(sess.Cookies) == 0 {
		return nil, ErrAuthFailed
	}
	return sess, nil
}

// CompleteTwoFactor resumes a paused login with the relay-delivered code.
func (a *BringATrailer) CompleteTwoFactor(ctx context.Context, pending PendingLogin, code string) (*Session, error) {
	if err := a.pace(ctx); err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("wp-auth-id", pending.Token)
	form.Set("authcode", code)

	resp, body, err := a.post(ctx, a.baseURL+"/wp-login.php?action=validate_2fa", form, nil)
	if err != nil {
		return nil, &TransientError{Reason: "2fa request", Err: err}
	}
	if resp.StatusCode >= 500 {
		return nil, &TransientError{Reason: fmt.Sprintf("2fa status %d", resp.StatusCode)}
	}
	if strings.Contains(string(body), "invalid code") || resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrAuthFailed
	}

	sess := a.sessionFromCookies(resp)
	if len(sess.Cookies) == 0 {
		return nil, ErrAuthFailed
	}
	return sess, nil
}

// batState mirrors the auction JSON BaT embeds in each listing page.
type batState struct {
	CurrentBid   int64 `json:"current_bid"`
	BidIncrement int64 `json:"bid_increment"`
	TimestampEnd int64 `json:"timestamp_end"`
	Active       bool  `json:"active"`
	ViewerIsHigh bool  `json:"viewer_is_high_bidder"`
}

var batStateRe = regexp.MustCompile(`(?s)var\s+BAT_VMS\s*=\s*(\{.*?\});`)

// CurrentState fetches and parses the listing page. Works without a session
// for public data.
func (a *BringATrailer) CurrentState(ctx context.Context, sess *Session, listingRef string) (ListingState, error) {
	if err := a.pace(ctx); err != nil {
		return ListingState{}, err
	}

	resp, body, err := a.get(ctx, a.listingURL(listingRef), sess)
	if err != nil {
		return ListingState{}, &TransientError{Reason: "fetch listing", Err: err}
	}
	if resp.StatusCode == http.StatusNotFound {
		return ListingState{}, ErrListingClosed
	}
	if resp.StatusCode >= 400 {
		return ListingState{}, &TransientError{Reason: fmt.Sprintf("listing status %d", resp.StatusCode)}
	}

	a.snapshot(ctx, listingRef, "state", body)

	st, err := parseBATListing(body)
	if err != nil {
		return ListingState{}, fmt.Errorf("parse bringatrailer listing: %w", err)
	}
	if sess == nil {
		st.IsCallerHighBidder = false
	}
	return st, nil
}

func parseBATListing(body []byte) (ListingState, error) {
	m := batStateRe.FindSubmatch(body)
	if m == nil {
		return ListingState{}, errors.New("auction state blob not found")
	}
	var raw batState
	if err := json.Unmarshal(m[1], &raw); err != nil {
		return ListingState{}, fmt.Errorf("decode state blob: %w", err)
	}
	increment := raw.BidIncrement
	if increment <= 0 {
		increment = 250
	}
	return ListingState{
		CurrentBid:         raw.CurrentBid * 100, // BaT reports whole dollars
		MinIncrement:       increment * 100,
		IsCallerHighBidder: raw.ViewerIsHigh,
		EndsAt:             time.Unix(raw.TimestampEnd, 0).UTC(),
		Open:               raw.Active,
	}, nil
}

type batBidResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Message      string `json:"message"`
		CurrentBid   int64  `json:"current_bid"`
		IsHighBidder bool   `json:"is_high_bidder"`
	} `json:"data"`
}

// PlaceBid submits the bid through the site's AJAX endpoint. Amount is minor
// units; BaT accepts whole dollars.
func (a *BringATrailer) PlaceBid(ctx context.Context, sess *Session, listingRef string, amount int64) (BidOutcome, error) {
	if !sess.Valid(time.Now()) {
		return BidOutcome{}, ErrSessionExpired
	}
	if err := a.pace(ctx); err != nil {
		return BidOutcome{}, err
	}

	form := url.Values{}
	form.Set("action", "bid_place")
	form.Set("listing", listingSlug(listingRef))
	form.Set("amount", strconv.FormatInt(amount/100, 10))

	resp, body, err := a.post(ctx, a.baseURL+"/wp-admin/admin-ajax.php", form, sess)
	if err != nil {
		return BidOutcome{}, &TransientError{Reason: "place bid request", Err: err}
	}

	a.snapshot(ctx, listingRef, "bid", body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return BidOutcome{}, ErrSessionExpired
	case resp.StatusCode == http.StatusTooManyRequests:
		return BidOutcome{}, &TransientError{Reason: "rate limited"}
	case resp.StatusCode >= 500:
		return BidOutcome{}, &TransientError{Reason: fmt.Sprintf("bid status %d", resp.StatusCode)}
	}

	var parsed batBidResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return BidOutcome{}, &TransientError{Reason: "decode bid response", Err: err}
	}
	if !parsed.Success {
		msg := strings.ToLower(parsed.Data.Message)
		switch {
		case strings.Contains(msg, "minimum"), strings.Contains(msg, "too low"):
			return BidOutcome{}, fmt.Errorf("%w: %s", ErrBelowMinimum, parsed.Data.Message)
		case strings.Contains(msg, "ended"), strings.Contains(msg, "closed"):
			return BidOutcome{}, fmt.Errorf("%w: %s", ErrListingClosed, parsed.Data.Message)
		default:
			return BidOutcome{}, &TransientError{Reason: parsed.Data.Message}
		}
	}

	return BidOutcome{
		Accepted:           true,
		NewCurrentBid:      parsed.Data.CurrentBid * 100,
		IsCallerHighBidder: parsed.Data.IsHighBidder,
		Message:            parsed.Data.Message,
	}, nil
}

func (a *BringATrailer) pace(ctx context.Context) error {
	if a.bucket == nil {
		return nil
	}
	if err := a.bucket.Wait(ctx, "platform:"+a.Platform()); err != nil {
		return &TransientError{Reason: "rate limiter", Err: err}
	}
	return nil
}

func (a *BringATrailer) snapshot(ctx context.Context, listingRef, kind string, body []byte) {
	if a.archive == nil {
		return
	}
	key := fmt.Sprintf("%s/%s/%s-%d.html", a.Platform(), listingSlug(listingRef), kind, time.Now().UnixMilli())
	_ = a.archive.Save(ctx, key, body, "text/html")
}

func (a *BringATrailer) listingURL(listingRef string) string {
	if strings.HasPrefix(listingRef, "http") {
		return listingRef
	}
	return a.baseURL + "/listing/" + strings.Trim(listingRef, "/") + "/"
}

func (a *BringATrailer) get(ctx context.Context, rawURL string, sess *Session) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	a.decorate(req, sess)
	return a.do(req)
}

func (a *BringATrailer) post(ctx context.Context, rawURL string, form url.Values, sess *Session) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	a.decorate(req, sess)
	return a.do(req)
}

func (a *BringATrailer) decorate(req *http.Request, sess *Session) {
	req.Header.Set("User-Agent", batUserAgent)
	if sess != nil {
		for name, value := range sess.Cookies {
			req.AddCookie(&http.Cookie{Name: name, Value: value})
		}
	}
}

func (a *BringATrailer) do(req *http.Request) (*http.Response, []byte, error) {
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, body, nil
}

func (a *BringATrailer) sessionFromCookies(resp *http.Response) *Session {
	cookies := make(map[string]string)
	for _, c := range resp.Cookies() {
		if strings.HasPrefix(c.Name, "wordpress_logged_in") || strings.HasPrefix(c.Name, "wordpress_sec") {
			cookies[c.Name] = c.Value
		}
	}
	return &Session{
		Platform:  "bringatrailer",
		Token:     cookieFingerprint(cookies),
		Cookies:   cookies,
		ExpiresAt: time.Now().Add(batSessionTTL),
	}
}

func cookieFingerprint(cookies map[string]string) string {
	for _, v := range cookies {
		if v != "" {
			return v
		}
	}
	return ""
}

var (
	batChallengeRe = regexp.MustCompile(`name="wp-auth-id"\s+value="([^"]+)"`)
	batHintRe      = regexp.MustCompile(`sent to\s+([^\s<]+)`)
)

func batChallengeToken(body []byte) string {
	if m := batChallengeRe.FindSubmatch(body); m != nil {
		return string(m[1])
	}
	return ""
}

func batMaskedHint(body []byte) string {
	if m := batHintRe.FindSubmatch(body); m != nil {
		return string(m[1])
	}
	return ""
}

func listingSlug(listingRef string) string {
	trimmed := strings.Trim(listingRef, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
