package cache

import (
	"errors"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/fdns/logging"
	"github.com/semihalev/fdns/metrics"
	"golang.org/x/time/rate"
)

var (
	// ErrNoRecords is returned when a response has no resource records.
	ErrNoRecords = errors.New("response carries no resource records")
	// ErrNoTTL is returned when no TTL can be derived from a response.
	ErrNoTTL = errors.New("minimum ttl could not be determined")
	// ErrZeroTTL is returned when a response expires immediately.
	ErrZeroTTL = errors.New("response ttl is zero")
	// ErrNotCacheable is returned for SERVFAIL and truncated responses.
	ErrNotCacheable = errors.New("response is not cacheable")
)

// TTL selects how long responses are kept. The zero value derives the TTL
// from the response.
type TTL struct {
	fixed time.Duration
}

// AutoTTL derives the lifetime from the minimum answer TTL.
var AutoTTL = TTL{}

// FixedTTL keeps every response for d.
func FixedTTL(d time.Duration) TTL { return TTL{fixed: d} }

// (TTL).Auto reports whether the ttl is derived from responses.
func (t TTL) Auto() bool { return t.fixed <= 0 }

func (t TTL) String() string {
	if t.Auto() {
		return "auto"
	}
	return t.fixed.String()
}

type entry struct {
	question string
	msg      []byte
	expire   time.Time
}

// Cache is a bounded response store. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[uint64]*entry

	maxEntries int
	ttl        TTL

	log     logging.Logger
	metrics metrics.Recorder
	full    *rate.Sometimes

	// Testing.
	now func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the cache logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Cache) { c.log = logging.Named(l, "cache") }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New returns a new cache holding at most maxEntries responses.
func New(maxEntries int, ttl TTL, opts ...Option) *Cache {
	if maxEntries < 1 {
		maxEntries = 1
	}

	c := &Cache{
		entries:    make(map[uint64]*entry),
		maxEntries: maxEntries,
		ttl:        ttl,
		log:        logging.Named(logging.Default(), "cache"),
		metrics:    metrics.Nop(),
		full:       &rate.Sometimes{First: 1, Interval: time.Minute},
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.log.Info("DNS cache initialized", "max_entries", maxEntries, "ttl", ttl.String())

	return c
}

// (*Cache).Get returns a copy of the cached response for key with every record
// TTL lowered to the remaining lifetime. Expired entries are removed.
func (c *Cache) Get(key uint64, q dns.Question) (*dns.Msg, bool) {
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.question != normalize(q) {
		c.mu.Unlock()
		c.metrics.Cache(metrics.CacheMiss)
		c.log.Debug("No entry found in cache", "key", key)
		return nil, false
	}

	if !now.Before(e.expire) {
		delete(c.entries, key)
		c.mu.Unlock()
		c.metrics.Cache(metrics.CacheExpired)
		c.log.Debug("Cache entry has expired", "key", key)
		return nil, false
	}

	raw, expire := e.msg, e.expire
	c.mu.Unlock()

	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		c.Purge(key)
		c.log.Error("Cached response unpack failed", "key", key, "error", err.Error())
		return nil, false
	}

	setTTL(msg, remaining(expire, now))

	c.metrics.Cache(metrics.CacheHit)

	return msg, true
}

// (*Cache).Set stores raw under key. Responses without a derivable TTL are
// skipped.
func (c *Cache) Set(key uint64, q dns.Question, raw []byte) error {
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		c.skip(key, err)
		return err
	}

	if msg.Rcode == dns.RcodeServerFailure || msg.Truncated {
		c.skip(key, ErrNotCacheable)
		return ErrNotCacheable
	}

	if !hasRecords(msg) {
		c.skip(key, ErrNoRecords)
		return ErrNoRecords
	}

	ttl, ok := c.lifetime(msg)
	if !ok {
		c.skip(key, ErrNoTTL)
		return ErrNoTTL
	}

	if ttl <= 0 {
		c.skip(key, ErrZeroTTL)
		return ErrZeroTTL
	}

	now := c.now()
	e := &entry{
		question: normalize(q),
		msg:      append([]byte(nil), raw...),
		expire:   now.Add(ttl),
	}

	c.mu.Lock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.makeRoom(now)
	}
	c.entries[key] = e
	c.mu.Unlock()

	c.metrics.Cache(metrics.CacheStore)
	c.log.Debug("Added entry to cache", "key", key, "ttl", ttl.String())

	return nil
}

// (*Cache).Purge removes the entry under key.
func (c *Cache) Purge(key uint64) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// (*Cache).Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// makeRoom must be called with c.mu held.
func (c *Cache) makeRoom(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expire) {
			delete(c.entries, k)
			c.metrics.Cache(metrics.CacheExpired)
		}
	}

	if len(c.entries) < c.maxEntries {
		return
	}

	c.full.Do(func() {
		c.log.Warn("Cache is full, removing entry with the closest expiration time", "max_entries", c.maxEntries)
	})

	var (
		victim uint64
		soon   time.Time
		found  bool
	)

	for k, e := range c.entries {
		if !found || e.expire.Before(soon) {
			victim, soon, found = k, e.expire, true
		}
	}

	if found {
		delete(c.entries, victim)
		c.metrics.Cache(metrics.CacheEvict)
	}
}

func (c *Cache) lifetime(msg *dns.Msg) (time.Duration, bool) {
	if !c.ttl.Auto() {
		return c.ttl.fixed, true
	}

	ttl, ok := MinimalTTL(msg)
	if !ok {
		return 0, false
	}

	return time.Duration(ttl) * time.Second, true
}

func (c *Cache) skip(key uint64, err error) {
	c.metrics.Cache(metrics.CacheSkip)
	c.log.Warn("Response not cached", "key", key, "reason", err.Error())
}

// MinimalTTL returns the smallest TTL in the answer section. ok is false for
// an empty answer.
func MinimalTTL(msg *dns.Msg) (ttl uint32, ok bool) {
	for _, rr := range msg.Answer {
		if t := rr.Header().Ttl; !ok || t < ttl {
			ttl, ok = t, true
		}
	}

	return ttl, ok
}

func hasRecords(msg *dns.Msg) bool {
	if len(msg.Answer)+len(msg.Ns) > 0 {
		return true
	}

	for _, rr := range msg.Extra {
		if rr.Header().Rrtype != dns.TypeOPT {
			return true
		}
	}

	return false
}

func remaining(expire, now time.Time) uint32 {
	secs := int64(expire.Sub(now)/time.Second) - 1
	if secs < 0 {
		return 0
	}

	return uint32(secs)
}

func setTTL(msg *dns.Msg, ttl uint32) {
	for _, rr := range msg.Answer {
		rr.Header().Ttl = ttl
	}

	for _, rr := range msg.Ns {
		rr.Header().Ttl = ttl
	}

	for _, rr := range msg.Extra {
		if rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		rr.Header().Ttl = ttl
	}
}
