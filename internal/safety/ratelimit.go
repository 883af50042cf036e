package safety

import (
	"fmt"
	"sync"
	"time"
)

// RateLimiter enforces per (site, host, action) cooldowns and hourly
// ceilings per client and globally. Each consecutive failure doubles
// the key's cooldown, up to a cap; a success resets it.
type RateLimiter struct {
	cooldown     time.Duration
	cooldownCap  time.Duration
	clientHourly int
	globalHourly int

	mu         sync.Mutex
	lastRun    map[string]time.Time
	penalty    map[string]time.Duration
	clientHits map[string][]time.Time
	globalHits []time.Time
	now        func() time.Time
}

// NewRateLimiter creates a limiter. cooldown is the base per-key
// spacing; the adaptive penalty caps at 16x.
func NewRateLimiter(cooldown time.Duration, clientHourly, globalHourly int) *RateLimiter {
	if cooldown <= 0 {
		cooldown = 300 * time.Second
	}
	if clientHourly <= 0 {
		clientHourly = 100
	}
	if globalHourly <= 0 {
		globalHourly = 1000
	}
	return &RateLimiter{
		cooldown:     cooldown,
		cooldownCap:  cooldown * 16,
		clientHourly: clientHourly,
		globalHourly: globalHourly,
		lastRun:      make(map[string]time.Time),
		penalty:      make(map[string]time.Duration),
		clientHits:   make(map[string][]time.Time),
		now:          time.Now,
	}
}

func key(site, host, action string) string {
	return site + "|" + host + "|" + action
}

// Allow reports whether an execution may proceed, and records it if so.
func (r *RateLimiter) Allow(site, host, action string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	k := key(site, host, action)

	wait := r.cooldown + r.penalty[k]
	if wait > r.cooldownCap {
		wait = r.cooldownCap
	}
	if last, ok := r.lastRun[k]; ok {
		if elapsed := now.Sub(last); elapsed < wait {
			return fmt.Errorf("cooldown: %s for another %s", k, (wait - elapsed).Round(time.Second))
		}
	}

	hourAgo := now.Add(-time.Hour)
	client := site + "|" + host
	r.clientHits[client] = pruneBefore(r.clientHits[client], hourAgo)
	if len(r.clientHits[client]) >= r.clientHourly {
		return fmt.Errorf("client hourly limit reached for %s (%d)", client, r.clientHourly)
	}
	r.globalHits = pruneBefore(r.globalHits, hourAgo)
	if len(r.globalHits) >= r.globalHourly {
		return fmt.Errorf("global hourly limit reached (%d)", r.globalHourly)
	}

	r.lastRun[k] = now
	r.clientHits[client] = append(r.clientHits[client], now)
	r.globalHits = append(r.globalHits, now)
	return nil
}

// RecordFailure doubles the adaptive penalty for the key.
func (r *RateLimiter) RecordFailure(site, host, action string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(site, host, action)
	p := r.penalty[k]
	if p == 0 {
		p = r.cooldown
	} else {
		p *= 2
	}
	if p > r.cooldownCap {
		p = r.cooldownCap
	}
	r.penalty[k] = p
}

// RecordSuccess clears the adaptive penalty for the key.
func (r *RateLimiter) RecordSuccess(site, host, action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.penalty, key(site, host, action))
}

func pruneBefore(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && hits[i].Before(cutoff) {
		i++
	}
	return hits[i:]
}
