// Package identity validates and remembers the externally issued participant id.
package identity

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ParticipantID is an opaque identifier issued by the recruiting platform.
type ParticipantID string

func (p ParticipantID) String() string { return string(p) }

var participantPattern = regexp.MustCompile(`^[A-Za-z0-9]{10,30}$`)

// ValidationKind classifies why a candidate id was refused.
type ValidationKind int

const (
	Empty ValidationKind = iota + 1
	Malformed
)

func (k ValidationKind) String() string {
	switch k {
	case Empty:
		return "empty"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// ValidationError is returned by Validate. Callers re-prompt; there is no retry limit.
type ValidationError struct {
	Kind ValidationKind
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	switch e.Kind {
	case Empty:
		return "Please enter your participant ID"
	default:
		return "Please enter a valid participant ID (10-30 alphanumeric characters)"
	}
}

// Validate trims raw and checks it against the participant id pattern.
func Validate(raw string) (ParticipantID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &ValidationError{Kind: Empty}
	}
	if !participantPattern.MatchString(trimmed) {
		return "", &ValidationError{Kind: Malformed}
	}
	return ParticipantID(trimmed), nil
}

// KindOf returns the validation kind of err, or 0 when err is not a ValidationError.
func KindOf(err error) ValidationKind {
	var ve *ValidationError
	if errors.As(err, &ve) && ve != nil {
		return ve.Kind
	}
	return 0
}

// Cache remembers the validated id per client (a browser, in practice) so a
// returning participant is not asked again.
type Cache interface {
	GetIdentity(ctx context.Context, clientKey string) (string, bool, error)
	PutIdentity(ctx context.Context, clientKey, participantID string) error
}

// Gate combines validation with the cache.
type Gate struct {
	cache Cache
}

func NewGate(cache Cache) *Gate {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Gate{cache: cache}
}

// Submit validates a manually entered id and caches it on success.
func (g *Gate) Submit(ctx context.Context, clientKey, raw string) (ParticipantID, error) {
	id, err := Validate(raw)
	if err != nil {
		return "", err
	}
	if err := g.remember(ctx, clientKey, id); err != nil {
		return "", err
	}
	return id, nil
}

// Resolve tries the launch parameter first, then the cache. It reports false when
// neither yields a valid id and the participant has to be prompted. An invalid
// launch value is ignored and never cached. A valid launch id is returned even
// when caching it fails; the error is reported alongside.
func (g *Gate) Resolve(ctx context.Context, clientKey, launchID string) (ParticipantID, bool, error) {
	if strings.TrimSpace(launchID) != "" {
		if id, err := Validate(launchID); err == nil {
			return id, true, g.remember(ctx, clientKey, id)
		}
	}
	if strings.TrimSpace(clientKey) == "" {
		return "", false, nil
	}
	stored, ok, err := g.cache.GetIdentity(ctx, clientKey)
	if err != nil {
		return "", false, errors.Wrap(err, "identity: read cache")
	}
	if !ok {
		return "", false, nil
	}
	id, err := Validate(stored)
	if err != nil {
		return "", false, nil
	}
	return id, true, nil
}

func (g *Gate) remember(ctx context.Context, clientKey string, id ParticipantID) error {
	if strings.TrimSpace(clientKey) == "" {
		return nil
	}
	if err := g.cache.PutIdentity(ctx, clientKey, string(id)); err != nil {
		return errors.Wrap(err, "identity: write cache")
	}
	return nil
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu  sync.Mutex
	ids map[string]string
}

var _ Cache = &MemoryCache{}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{ids: map[string]string{}}
}

func (m *MemoryCache) GetIdentity(_ context.Context, clientKey string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.ids[clientKey]
	return id, ok, nil
}

func (m *MemoryCache) PutIdentity(_ context.Context, clientKey, participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[clientKey] = participantID
	return nil
}
