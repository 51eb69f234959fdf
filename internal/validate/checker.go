package validate

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rackdesk/rackdesk/internal/models"
)

// Kind selects the uniqueness namespace for a check.
type Kind string

const (
	KindIP     Kind = "ip"
	KindRoom   Kind = "room"
	KindUPS    Kind = "ups"
	KindServer Kind = "server"
)

// cacheTTL is how long a backend uniqueness answer stays trustworthy.
const cacheTTL = 5 * time.Minute

// Result is the advisory outcome of a uniqueness check. Pending marks the
// placeholder returned while an identical request is still in flight; the
// real answer overwrites the cache when it lands.
type Result struct {
	IsValid       bool   `json:"isValid"`
	Error         string `json:"error,omitempty"`
	ConflictsWith string `json:"conflictsWith,omitempty"`
	Pending       bool   `json:"pending,omitempty"`
}

// UniquenessAPI is the upstream surface for name/IP existence checks.
type UniquenessAPI interface {
	CheckIP(ctx context.Context, value string) (*models.UniquenessResult, error)
	CheckName(ctx context.Context, kind, value string) (*models.UniquenessResult, error)
}

// LocalIndex answers collision checks against the not-yet-committed draft,
// so a local duplicate never costs a network round trip.
type LocalIndex interface {
	NameExists(kind models.ResourceKind, name, excludeID string) (bool, string)
	IPExists(ip, excludeID string) (bool, string)
}

type cacheEntry struct {
	result    Result
	fetchedAt time.Time
}

// Checker deduplicates and caches uniqueness checks. It is scoped to one
// form: the cache and in-flight set are not shared across instances.
type Checker struct {
	api    UniquenessAPI
	local  LocalIndex
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	cache    map[string]cacheEntry
	inflight map[string]bool

	debounce *Debouncer
}

// NewChecker creates a checker. local may be nil (no draft to scan).
func NewChecker(api UniquenessAPI, local LocalIndex, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		api:      api,
		local:    local,
		logger:   logger,
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
		inflight: make(map[string]bool),
		debounce: NewDebouncer(300 * time.Millisecond),
	}
}

// Check runs the full lookup chain: blank → valid, local draft collision →
// error, fresh cache hit → cached, duplicate in flight → pending
// placeholder, otherwise one backend request. Backend failures fail open:
// this is advisory feedback, the commit re-checks server-side.
func (c *Checker) Check(ctx context.Context, kind Kind, value, currentID string) Result {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return Result{IsValid: true}
	}

	if c.local != nil {
		if exists, with := c.checkLocal(kind, trimmed, currentID); exists {
			return Result{
				IsValid:       false,
				Error:         "already used in the current draft",
				ConflictsWith: with,
			}
		}
	}

	key := string(kind) + ":" + trimmed

	c.mu.Lock()
	if entry, ok := c.cache[key]; ok {
		if c.now().Sub(entry.fetchedAt) < cacheTTL {
			c.mu.Unlock()
			return entry.result
		}
		delete(c.cache, key) // expired, lazily purged
	}
	if c.inflight[key] {
		c.mu.Unlock()
		return Result{IsValid: true, Pending: true}
	}
	c.inflight[key] = true
	c.mu.Unlock()

	result, ok := c.fetch(ctx, kind, trimmed)

	c.mu.Lock()
	delete(c.inflight, key)
	if ok {
		// Only real backend answers are cached; fail-open results are not.
		c.cache[key] = cacheEntry{result: result, fetchedAt: c.now()}
	}
	c.mu.Unlock()

	return result
}

// CheckDebounced schedules a Check after the debounce window and delivers
// the result to the callback. A later call within the window supersedes
// this one: superseded calls never deliver.
func (c *Checker) CheckDebounced(ctx context.Context, kind Kind, value, currentID string, deliver func(Result)) {
	c.debounce.Do(func() {
		deliver(c.Check(ctx, kind, value, currentID))
	})
}

// Stop cancels any pending debounced check.
func (c *Checker) Stop() {
	c.debounce.Stop()
}

func (c *Checker) checkLocal(kind Kind, value, currentID string) (bool, string) {
	switch kind {
	case KindIP:
		return c.local.IPExists(value, currentID)
	case KindRoom:
		return c.local.NameExists(models.KindRoom, value, currentID)
	case KindUPS:
		return c.local.NameExists(models.KindUPS, value, currentID)
	case KindServer:
		return c.local.NameExists(models.KindServer, value, currentID)
	}
	return false, ""
}

func (c *Checker) fetch(ctx context.Context, kind Kind, value string) (Result, bool) {
	var (
		res *models.UniquenessResult
		err error
	)
	if kind == KindIP {
		res, err = c.api.CheckIP(ctx, value)
	} else {
		res, err = c.api.CheckName(ctx, string(kind), value)
	}
	if err != nil {
		// Fail open: availability over strictness.
		c.logger.Debug("uniqueness check failed, treating as valid",
			"kind", kind, "value", value, "error", err)
		return Result{IsValid: true}, false
	}
	if res.Exists {
		return Result{
			IsValid:       false,
			Error:         "already in use",
			ConflictsWith: res.ConflictsWith,
		}, true
	}
	return Result{IsValid: true}, true
}
