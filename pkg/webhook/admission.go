// Package webhook is the admission boundary for inbound deliveries: body
// size ceiling, per-provider token bucket, HMAC signature verification,
// optional timestamp replay window, and fingerprint computation. Events that
// clear admission are handed to the orchestrator as InboundEvents; nothing
// past this package touches raw headers.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/syncbridge/pkg/canonicalize"
	"github.com/Mindburn-Labs/syncbridge/pkg/contracts"
	"github.com/Mindburn-Labs/syncbridge/pkg/fault"
)

// Delivery headers.
const (
	HeaderSignature  = "X-Signature-256"
	HeaderEventKind  = "X-Event-Kind"
	HeaderDeliveryID = "X-Delivery-ID"
	HeaderTimestamp  = "X-Timestamp"
)

// timestampSkew is the replay window applied when a provider has timestamp
// checking enabled.
const timestampSkew = 5 * time.Minute

// ProviderRule is the admission policy for one provider.
type ProviderRule struct {
	Secret          string
	TimestampWindow bool
}

// Admitter performs the full admission sequence for inbound deliveries.
type Admitter struct {
	rules           map[contracts.Provider]ProviderRule
	limiters        map[contracts.Provider]*rate.Limiter
	maxRequestBytes int64
	now             func() time.Time
}

// Config for NewAdmitter. RateLimitPerMinute 0 disables the inbound ceiling.
type Config struct {
	Rules              map[contracts.Provider]ProviderRule
	MaxRequestBytes    int64
	RateLimitPerMinute int
}

// NewAdmitter validates the per-provider rules and builds an Admitter.
// A missing secret is a configuration error, not a runtime one.
func NewAdmitter(cfg Config) (*Admitter, error) {
	if len(cfg.Rules) == 0 {
		return nil, fmt.Errorf("webhook: no provider rules configured")
	}
	for provider, rule := range cfg.Rules {
		if !provider.Valid() {
			return nil, fmt.Errorf("webhook: unknown provider %q", provider)
		}
		if rule.Secret == "" {
			return nil, fmt.Errorf("webhook: provider %s has empty secret", provider)
		}
	}

	a := &Admitter{
		rules:           cfg.Rules,
		limiters:        make(map[contracts.Provider]*rate.Limiter),
		maxRequestBytes: cfg.MaxRequestBytes,
		now:             time.Now,
	}
	if cfg.RateLimitPerMinute > 0 {
		perSecond := rate.Limit(float64(cfg.RateLimitPerMinute) / 60.0)
		for provider := range cfg.Rules {
			a.limiters[provider] = rate.NewLimiter(perSecond, cfg.RateLimitPerMinute)
		}
	}
	return a, nil
}

// Admit runs the admission sequence on one request and returns the inbound
// event. The order is fixed: size ceiling, rate limit, signature, timestamp,
// then fingerprinting. Failures carry the fault kind the HTTP layer maps to
// a status code.
func (a *Admitter) Admit(r *http.Request, provider contracts.Provider) (*contracts.InboundEvent, error) {
	rule, ok := a.rules[provider]
	if !ok {
		return nil, fault.New(fault.KindInternal, "admit: provider %s not configured", provider)
	}

	body, err := a.readBody(r)
	if err != nil {
		return nil, err
	}

	if limiter := a.limiters[provider]; limiter != nil && !limiter.Allow() {
		return nil, fault.New(fault.KindRateLimited, "admit: %s inbound limit exhausted", provider)
	}

	if err := verifySignature(rule.Secret, body, r.Header.Get(HeaderSignature)); err != nil {
		return nil, err
	}
	if rule.TimestampWindow {
		if err := a.checkTimestamp(r.Header.Get(HeaderTimestamp)); err != nil {
			return nil, err
		}
	}

	contentHash, err := canonicalize.ContentHash(string(provider), r.Header.Get(HeaderEventKind), body)
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidPayload, "admit", err)
	}
	deliveryID := r.Header.Get(HeaderDeliveryID)

	return &contracts.InboundEvent{
		Provider:    provider,
		EventKind:   r.Header.Get(HeaderEventKind),
		DeliveryID:  deliveryID,
		RawPayload:  body,
		ReceivedAt:  a.now().UTC(),
		SourceIP:    clientIP(r),
		ContentHash: contentHash,
		Fingerprint: canonicalize.Fingerprint(contentHash, deliveryID),
	}, nil
}

func (a *Admitter) readBody(r *http.Request) ([]byte, error) {
	if r.ContentLength > a.maxRequestBytes {
		return nil, fault.New(fault.KindRequestTooLarge, "admit: declared length %d exceeds %d",
			r.ContentLength, a.maxRequestBytes)
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, a.maxRequestBytes+1))
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidPayload, "admit: read body", err)
	}
	if int64(len(body)) > a.maxRequestBytes {
		return nil, fault.New(fault.KindRequestTooLarge, "admit: body exceeds %d bytes", a.maxRequestBytes)
	}
	return body, nil
}

// verifySignature compares the header HMAC to the expected one in constant
// time. An accepted header is hex, with or without a "sha256=" prefix.
func verifySignature(secret string, body []byte, header string) error {
	if header == "" {
		return fault.New(fault.KindInvalidSignature, "admit: missing signature header")
	}
	header = strings.TrimPrefix(header, "sha256=")
	got, err := hex.DecodeString(header)
	if err != nil {
		return fault.New(fault.KindInvalidSignature, "admit: signature is not hex")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fault.New(fault.KindInvalidSignature, "admit: signature mismatch")
	}
	return nil
}

func (a *Admitter) checkTimestamp(header string) error {
	if header == "" {
		return fault.New(fault.KindInvalidSignature, "admit: missing timestamp header")
	}
	secs, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return fault.New(fault.KindInvalidSignature, "admit: timestamp is not unix seconds")
	}
	at := time.Unix(secs, 0)
	if drift := a.now().Sub(at); drift > timestampSkew || drift < -timestampSkew {
		return fault.New(fault.KindInvalidSignature, "admit: timestamp outside replay window")
	}
	return nil
}

// Sign computes the signature header value for a body. Used by the replay
// path and by tests; providers compute the same on their side.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
