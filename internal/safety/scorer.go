// Package safety scores the risk of outbound operations against the
// account's recent activity and gates sends that would look like spam.
package safety

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	logx "github.com/dygje/tgpro/pkg/logx"
)

// OpSendMessages is the operation class subject to volume checks.
const OpSendMessages = "send_messages"

const (
	historySize    = 1000
	maxHashes      = 10000
	warmupDays     = 30
	floodCooldown  = 2 * time.Hour
	minSuccessRate = 0.8
)

// Metrics are the rolling counters behind every assessment.
type Metrics struct {
	MessagesToday        int        `json:"messages_sent_today"`
	MessagesThisHour     int        `json:"messages_sent_this_hour"`
	GroupsJoinedToday    int        `json:"groups_joined_today"`
	FailedDeliveries     int        `json:"failed_deliveries"`
	SuccessfulDeliveries int        `json:"successful_deliveries"`
	ReceivedMessages     int        `json:"received_messages"`
	FloodWaitsToday      int        `json:"flood_waits_today"`
	LastFloodWait        *time.Time `json:"last_flood_wait,omitempty"`
	AccountAgeDays       int        `json:"account_age_days"`
}

// SuccessRate is 1 until anything was attempted.
func (m Metrics) SuccessRate() float64 {
	total := m.SuccessfulDeliveries + m.FailedDeliveries
	if total == 0 {
		return 1
	}
	return float64(m.SuccessfulDeliveries) / float64(total)
}

func (m Metrics) EngagementRatio() float64 {
	if m.MessagesToday == 0 {
		return 0
	}
	return float64(m.ReceivedMessages) / float64(m.MessagesToday)
}

// Outcome is one entry of the operation history.
type Outcome struct {
	At        time.Time `json:"timestamp"`
	Operation string    `json:"operation_type"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	Throttled bool      `json:"had_flood_wait"`
}

type Scorer struct {
	mu sync.Mutex

	metrics   Metrics
	hashes    map[string]struct{}
	hashOrder []string
	history   []Outcome

	dayStart  time.Time
	hourStart time.Time

	log logx.Logger
	now func() time.Time
}

type Option func(*Scorer)

func WithLogger(log logx.Logger) Option { return func(s *Scorer) { s.log = log } }

func WithClock(now func() time.Time) Option {
	return func(s *Scorer) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a scorer for an account that is accountAgeDays old.
// Values below 1 are treated as a brand-new account.
func New(accountAgeDays int, opts ...Option) *Scorer {
	s := &Scorer{
		hashes: map[string]struct{}{},
		log:    logx.Nop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if accountAgeDays < 1 {
		accountAgeDays = 1
	}
	s.metrics.AccountAgeDays = accountAgeDays
	now := s.now()
	s.dayStart = truncDay(now)
	s.hourStart = now.Truncate(time.Hour)
	if accountAgeDays < warmupDays {
		s.log.Info("account in warmup, daily sends capped",
			logx.Int("account_age_days", accountAgeDays),
			logx.Int("max_messages", warmupLimits(accountAgeDays).MaxMessages),
		)
	}
	return s
}

func truncDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func (s *Scorer) SetAccountAge(days int) {
	if days < 1 {
		days = 1
	}
	s.mu.Lock()
	s.metrics.AccountAgeDays = days
	s.mu.Unlock()
}

func (s *Scorer) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked()
	return s.metrics
}

// rollLocked resets day and hour counters once their boundary has passed.
func (s *Scorer) rollLocked() {
	now := s.now()
	if day := truncDay(now); day.After(s.dayStart) {
		s.metrics.MessagesToday = 0
		s.metrics.GroupsJoinedToday = 0
		s.metrics.FloodWaitsToday = 0
		s.dayStart = day
		s.log.Info("daily safety counters reset")
	}
	if hour := now.Truncate(time.Hour); hour.After(s.hourStart) {
		s.metrics.MessagesThisHour = 0
		s.hourStart = hour
		s.log.Debug("hourly safety counters reset")
	}
}

// Assess returns the overall risk of running op against volume recipients
// with the given content, plus a human-readable factor for every non-low signal.
func (s *Scorer) Assess(op string, volume int, content string) (Level, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assessLocked(op, volume, content)
}

func (s *Scorer) assessLocked(op string, volume int, content string) (Level, []string) {
	s.rollLocked()
	overall := Low
	factors := []string{}
	raise := func(l Level) {
		if l > overall {
			overall = l
		}
	}

	if op == OpSendMessages {
		hourly := s.metrics.MessagesThisHour + volume
		if l := messagesPerHour.eval(float64(hourly)); l != Low {
			raise(l)
			factors = append(factors, fmt.Sprintf("Hourly message limit concern: %d", hourly))
		}
		daily := s.metrics.MessagesToday + volume
		if l := messagesPerDay.eval(float64(daily)); l != Low {
			raise(l)
			factors = append(factors, fmt.Sprintf("Daily message limit concern: %d", daily))
		}
		if content != "" {
			if l := s.contentRiskLocked(content); l != Low {
				raise(l)
				factors = append(factors, "Content contains spam indicators")
			}
		}
	}

	if l := floodWaitsPerDay.eval(float64(s.metrics.FloodWaitsToday)); l != Low {
		raise(l)
		factors = append(factors, fmt.Sprintf("Recent flood waits: %d", s.metrics.FloodWaitsToday))
	}
	if rate := s.metrics.SuccessRate(); rate < minSuccessRate {
		raise(High)
		factors = append(factors, fmt.Sprintf("Low success rate: %.2f%%", rate*100))
	}
	return overall, factors
}

// contentRiskLocked scores content and remembers its hash so a repeat
// counts as duplicate next time.
func (s *Scorer) contentRiskLocked(content string) Level {
	score := 0.0

	sum := md5.Sum([]byte(strings.ToLower(content)))
	h := hex.EncodeToString(sum[:])
	if _, seen := s.hashes[h]; seen {
		score += 2
	} else {
		s.rememberHashLocked(h)
	}

	score += ScoreContent(content)
	return contentLevel(score)
}

func (s *Scorer) rememberHashLocked(h string) {
	s.hashes[h] = struct{}{}
	s.hashOrder = append(s.hashOrder, h)
	if len(s.hashOrder) > maxHashes {
		delete(s.hashes, s.hashOrder[0])
		s.hashOrder = s.hashOrder[1:]
	}
}

// ScoreContent is the stateless part of the content score: spam keywords,
// length and shouting patterns. Duplicate detection is added by the Scorer.
func ScoreContent(content string) float64 {
	score := 0.0
	lower := strings.ToLower(content)
	for _, kw := range spamKeywords {
		if strings.Contains(lower, kw) {
			score += 1.5
		}
	}

	n := len([]rune(content))
	if n < 10 || n > 500 {
		score++
	}
	if suspicious(content, n) {
		score += 2
	}
	return score
}

func suspicious(content string, n int) bool {
	if strings.Count(content, "!") > 3 {
		return true
	}
	if isUpper(content) {
		return true
	}
	distinct := map[rune]struct{}{}
	for _, r := range content {
		if r != ' ' {
			distinct[r] = struct{}{}
		}
	}
	return float64(len(distinct)) < float64(n)*0.3
}

// isUpper reports whether s has at least one cased letter and no lower-case ones.
func isUpper(s string) bool {
	cased := false
	for _, r := range s {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) || unicode.IsTitle(r) {
			cased = true
		}
	}
	return cased
}

func contentLevel(score float64) Level {
	switch {
	case score >= 8:
		return Critical
	case score >= 5:
		return High
	case score >= 2:
		return Medium
	default:
		return Low
	}
}

// ShouldProceed decides whether op may run. The returned reasons explain a
// refusal, or list the risk factors that were tolerated.
func (s *Scorer) ShouldProceed(op string, volume int, content string, force bool) (bool, []string) {
	if force {
		return true, []string{"Operation forced by user"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	level, factors := s.assessLocked(op, volume, content)

	if s.metrics.AccountAgeDays < warmupDays && op == OpSendMessages {
		lim := warmupLimits(s.metrics.AccountAgeDays)
		if s.metrics.MessagesToday+volume > lim.MaxMessages {
			return false, []string{"Exceeds warmup phase message limits"}
		}
	}

	switch level {
	case Critical:
		return false, append([]string{"Operation blocked due to critical risk level"}, factors...)
	case High:
		if volume > 10 || s.metrics.SuccessRate() < 0.9 {
			return false, append([]string{"Operation blocked due to high risk level"}, factors...)
		}
	case Medium:
		if last := s.metrics.LastFloodWait; last != nil && s.now().Sub(*last) < floodCooldown {
			return false, append([]string{"Cooling-off period after recent flood wait"}, factors...)
		}
	}
	return true, factors
}

// RecordOutcome folds a finished operation into the counters.
func (s *Scorer) RecordOutcome(op string, sent, failed int, throttled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked()

	now := s.now()
	if op == OpSendMessages {
		s.metrics.MessagesToday += sent
		s.metrics.MessagesThisHour += sent
		s.metrics.SuccessfulDeliveries += sent
		s.metrics.FailedDeliveries += failed
		if throttled {
			s.metrics.FloodWaitsToday++
			t := now
			s.metrics.LastFloodWait = &t
		}
	}

	s.history = append(s.history, Outcome{At: now, Operation: op, Sent: sent, Failed: failed, Throttled: throttled})
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
}

// History returns up to limit most recent outcomes, newest last.
func (s *Scorer) History(limit int) []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]Outcome(nil), h...)
}
