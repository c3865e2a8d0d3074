// Package limiter provides rate limiting and budget enforcement for LLM calls
// with a per-model token bucket.
package limiter

import (
	"fmt"
	"sync"
	"time"

	"sceneforge/pkg/config"
)

var (
	// ErrRateLimit is returned when token rate limits are exceeded.
	ErrRateLimit = fmt.Errorf("rate limit exceeded")
	// ErrBudgetExceeded is returned when daily budget limits are exceeded.
	ErrBudgetExceeded = fmt.Errorf("daily budget exceeded")
	// ErrConcurrencyLimit is returned when too many calls are in flight for a model.
	ErrConcurrencyLimit = fmt.Errorf("concurrency limit exceeded")
)

// Limiter manages rate limiting and budget enforcement across LLM models.
type Limiter struct {
	models     map[string]*modelLimiter
	resetTimer *time.Timer
	mu         sync.RWMutex
}

type modelLimiter struct {
	mu                 sync.Mutex
	name               string
	maxTokensPerMinute int
	maxBudgetPerDayUSD float64
	maxConcurrent      int
	currentTokens      int
	currentBudgetUSD   float64
	inFlight           int
	lastRefill         time.Time
}

// New creates a limiter configured with the models in cfg. Unlisted models are
// registered lazily with cfg's fallback limits on first use.
func New(cfg *config.Config) *Limiter {
	l := &Limiter{models: make(map[string]*modelLimiter)}
	for name := range cfg.Models {
		m := cfg.Models[name]
		l.register(m)
	}
	l.scheduleDailyReset()
	return l
}

func (l *Limiter) register(m config.ModelCfg) *modelLimiter {
	ml := &modelLimiter{
		name:               m.Name,
		maxTokensPerMinute: m.MaxTokensPerMinute,
		maxBudgetPerDayUSD: m.MaxBudgetPerDayUSD,
		maxConcurrent:      m.MaxConcurrent,
		currentTokens:      m.MaxTokensPerMinute, // start with a full bucket
		lastRefill:         time.Now(),
	}
	l.models[m.Name] = ml
	return ml
}

// EnsureModel registers limits for a model not present at construction time.
func (l *Limiter) EnsureModel(m config.ModelCfg) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.models[m.Name]; !ok {
		l.register(m)
	}
}

func (l *Limiter) modelFor(name string) (*modelLimiter, error) {
	l.mu.RLock()
	ml, ok := l.models[name]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("model %s not configured", name)
	}
	return ml, nil
}

// Reserve attempts to reserve tokens from the model's rate bucket.
func (l *Limiter) Reserve(model string, tokens int) error {
	ml, err := l.modelFor(model)
	if err != nil {
		return err
	}
	return ml.reserve(tokens)
}

// ReserveBudget reserves spend against the model's daily budget.
func (l *Limiter) ReserveBudget(model string, costUSD float64) error {
	ml, err := l.modelFor(model)
	if err != nil {
		return err
	}
	return ml.reserveBudget(costUSD)
}

// Acquire reserves an in-flight call slot; Release must be called when done.
func (l *Limiter) Acquire(model string) error {
	ml, err := l.modelFor(model)
	if err != nil {
		return err
	}
	return ml.acquire()
}

// Release frees an in-flight call slot.
func (l *Limiter) Release(model string) error {
	ml, err := l.modelFor(model)
	if err != nil {
		return err
	}
	return ml.release()
}

// Status returns the model's current bucket level, spend, and in-flight calls.
func (l *Limiter) Status(model string) (tokens int, budgetUSD float64, inFlight int, err error) {
	ml, err := l.modelFor(model)
	if err != nil {
		return 0, 0, 0, err
	}
	return ml.status()
}

// ResetDaily resets daily budgets and buckets for all models.
func (l *Limiter) ResetDaily() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ml := range l.models {
		ml.resetDaily()
	}
}

// Close stops the daily reset timer.
func (l *Limiter) Close() {
	if l.resetTimer != nil {
		l.resetTimer.Stop()
	}
}

func (ml *modelLimiter) reserve(tokens int) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	ml.refillTokens()
	if ml.currentTokens < tokens {
		return ErrRateLimit
	}
	ml.currentTokens -= tokens
	return nil
}

func (ml *modelLimiter) reserveBudget(costUSD float64) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	if ml.currentBudgetUSD+costUSD > ml.maxBudgetPerDayUSD {
		return ErrBudgetExceeded
	}
	ml.currentBudgetUSD += costUSD
	return nil
}

func (ml *modelLimiter) acquire() error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	if ml.maxConcurrent > 0 && ml.inFlight >= ml.maxConcurrent {
		return ErrConcurrencyLimit
	}
	ml.inFlight++
	return nil
}

func (ml *modelLimiter) release() error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	if ml.inFlight <= 0 {
		return fmt.Errorf("no in-flight calls to release for model %s", ml.name)
	}
	ml.inFlight--
	return nil
}

func (ml *modelLimiter) status() (int, float64, int, error) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	ml.refillTokens()
	return ml.currentTokens, ml.currentBudgetUSD, ml.inFlight, nil
}

func (ml *modelLimiter) resetDaily() {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	ml.currentBudgetUSD = 0
	ml.currentTokens = ml.maxTokensPerMinute
	ml.lastRefill = time.Now()
}

func (ml *modelLimiter) refillTokens() {
	now := time.Now()
	elapsed := now.Sub(ml.lastRefill)

	if elapsed >= time.Minute {
		minutes := int(elapsed / time.Minute)
		ml.currentTokens += minutes * ml.maxTokensPerMinute
		if ml.currentTokens > ml.maxTokensPerMinute {
			ml.currentTokens = ml.maxTokensPerMinute
		}
		ml.lastRefill = ml.lastRefill.Add(time.Duration(minutes) * time.Minute)
	}
}

func (l *Limiter) scheduleDailyReset() {
	now := time.Now()
	nextMidnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())

	l.resetTimer = time.AfterFunc(time.Until(nextMidnight), func() {
		l.ResetDaily()
		l.resetTimer = time.AfterFunc(24*time.Hour, func() {
			l.scheduleDailyReset()
		})
	})
}
