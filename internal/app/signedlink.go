package app

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/slotbook/booking-service/internal/domain"
)

// DefaultSignedLinkTTL is how long a link stays valid when no TTL is requested.
const DefaultSignedLinkTTL = 72 * time.Hour

// MaxSignedLinkTTL caps the lifetime a caller may request for a link.
const MaxSignedLinkTTL = 365 * 24 * time.Hour

const signedLinkPathPrefix = "/book/"

// SignedLinkIssuer mints and verifies stateless booking links for a task. A link is
// valid until its expiry; rotating the secret invalidates every outstanding link.
type SignedLinkIssuer struct {
	secret     []byte
	defaultTTL time.Duration
	baseURL    string

	Now func() time.Time
}

// NewSignedLinkIssuer requires a non-empty secret.
func NewSignedLinkIssuer(secret string, defaultTTL time.Duration, baseURL string) (*SignedLinkIssuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("signed link secret must not be empty")
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultSignedLinkTTL
	}
	return &SignedLinkIssuer{
		secret:     []byte(secret),
		defaultTTL: defaultTTL,
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		Now:        time.Now,
	}, nil
}

func (s *SignedLinkIssuer) sign(resourceID uuid.UUID, expiresAtMillis int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(resourceID.String() + ":" + strconv.FormatInt(expiresAtMillis, 10)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Generate issues a link for resourceID that expires at expiresAt.
func (s *SignedLinkIssuer) Generate(resourceID uuid.UUID, expiresAt time.Time) (domain.SignedLink, error) {
	if resourceID == uuid.Nil {
		return domain.SignedLink{}, fmt.Errorf("%w: resource id is required", ErrValidation)
	}
	if !expiresAt.After(s.Now()) {
		return domain.SignedLink{}, fmt.Errorf("%w: expiry must be in the future", ErrValidation)
	}
	exp := expiresAt.UnixMilli()
	token := s.sign(resourceID, exp)

	q := url.Values{}
	q.Set("token", token)
	q.Set("exp", strconv.FormatInt(exp, 10))
	path := signedLinkPathPrefix + resourceID.String() + "?" + q.Encode()

	link := domain.SignedLink{
		Token:                token,
		ResourceID:           resourceID,
		ExpiresAtEpochMillis: exp,
		Path:                 path,
	}
	if s.baseURL != "" {
		link.URL = s.baseURL + path
	}
	return link, nil
}

// GenerateWithTTL issues a link valid for ttl. A non-positive ttl uses the default;
// one above MaxSignedLinkTTL is rejected.
func (s *SignedLinkIssuer) GenerateWithTTL(resourceID uuid.UUID, ttl time.Duration) (domain.SignedLink, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if ttl > MaxSignedLinkTTL {
		return domain.SignedLink{}, fmt.Errorf("%w: link lifetime exceeds %s", ErrValidation, MaxSignedLinkTTL)
	}
	return s.Generate(resourceID, s.Now().Add(ttl))
}

// Verify reports whether token is a valid, unexpired signature for resourceID and
// expiry. Expiry is checked before the signature; the comparison is constant time.
func (s *SignedLinkIssuer) Verify(resourceID uuid.UUID, token string, expiresAtMillis int64) bool {
	if resourceID == uuid.Nil || token == "" {
		return false
	}
	if s.Now().UnixMilli() > expiresAtMillis {
		return false
	}
	expected := s.sign(resourceID, expiresAtMillis)
	return hmac.Equal([]byte(expected), []byte(token))
}

// VerifyRaw parses the query-string form of a link before verifying it. The resource
// id must be in the canonical lowercase hyphenated form the link was signed with. Any
// parse failure is reported as ErrInvalidOrExpiredLink.
func (s *SignedLinkIssuer) VerifyRaw(resourceID, token, exp string) (uuid.UUID, error) {
	raw := strings.TrimSpace(resourceID)
	id, err := uuid.Parse(raw)
	if err != nil || id.String() != raw {
		return uuid.Nil, ErrInvalidOrExpiredLink
	}
	expMillis, err := strconv.ParseInt(strings.TrimSpace(exp), 10, 64)
	if err != nil {
		return uuid.Nil, ErrInvalidOrExpiredLink
	}
	if !s.Verify(id, token, expMillis) {
		return uuid.Nil, ErrInvalidOrExpiredLink
	}
	return id, nil
}
