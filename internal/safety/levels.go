package safety

import (
	"fmt"
	"sort"
	"time"
)

type Level int

const (
	Low Level = iota
	Medium
	High
	Critical
)

func (l Level) String() string {
	switch l {
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "low"
	}
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// thresholds are the minimum values at which each level applies.
type thresholds [4]float64

func (t thresholds) eval(v float64) Level {
	for l := Critical; l > Low; l-- {
		if v >= t[l] {
			return l
		}
	}
	return Low
}

var (
	messagesPerHour  = thresholds{10, 20, 35, 50}
	messagesPerDay   = thresholds{100, 200, 350, 500}
	floodWaitsPerDay = thresholds{0, 1, 3, 5}
)

var spamKeywords = []string{
	"free money", "get rich quick", "limited time offer",
	"click here now", "guaranteed profit", "no risk",
	"make money fast", "exclusive deal", "urgent action required",
	"congratulations selected", "winner announcement", "claim prize",
	"crypto", "bitcoin", "investment", "trading", "forex",
}

// WarmupLimits caps activity while a new account builds reputation.
type WarmupLimits struct {
	MaxMessages  int `json:"max_messages"`
	MaxGroups    int `json:"max_groups"`
	DelayMinutes int `json:"delay_minutes"`
}

// warmupSchedule is keyed by the first account day a tier applies.
var warmupSchedule = map[int]WarmupLimits{
	1:  {MaxMessages: 5, MaxGroups: 1, DelayMinutes: 30},
	2:  {MaxMessages: 8, MaxGroups: 1, DelayMinutes: 25},
	3:  {MaxMessages: 12, MaxGroups: 2, DelayMinutes: 20},
	4:  {MaxMessages: 16, MaxGroups: 2, DelayMinutes: 18},
	5:  {MaxMessages: 20, MaxGroups: 3, DelayMinutes: 15},
	7:  {MaxMessages: 30, MaxGroups: 4, DelayMinutes: 12},
	14: {MaxMessages: 50, MaxGroups: 5, DelayMinutes: 10},
	30: {MaxMessages: 100, MaxGroups: 8, DelayMinutes: 8},
}

func warmupDaysSorted() []int {
	days := make([]int, 0, len(warmupSchedule))
	for d := range warmupSchedule {
		days = append(days, d)
	}
	sort.Ints(days)
	return days
}

func warmupLimits(age int) WarmupLimits {
	days := warmupDaysSorted()
	for i := len(days) - 1; i >= 0; i-- {
		if age >= days[i] {
			return warmupSchedule[days[i]]
		}
	}
	return warmupSchedule[1]
}

var recommendations = map[Level][]string{
	Critical: {
		"Stop all automated operations immediately",
		"Wait at least 24 hours before resuming activity",
		"Review and improve message content quality",
		"Consider using different account or IP address",
	},
	High: {
		"Reduce operation frequency significantly",
		"Implement longer delays between messages",
		"Focus on recipients with established relationships",
		"Improve message personalization and relevance",
	},
	Medium: {
		"Moderate operation pace for next few hours",
		"Monitor account health metrics closely",
		"Ensure message content is varied and natural",
		"Consider implementing recipient engagement tracking",
	},
	Low: {
		"Continue current operations with standard precautions",
		"Maintain good message quality and variation",
		"Monitor for any changes in success rates",
		"Gradually increase activity if needed",
	},
}

type Health struct {
	MessagesToday    int    `json:"messages_sent_today"`
	MessagesThisHour int    `json:"messages_sent_this_hour"`
	SuccessRate      string `json:"success_rate"`
	EngagementRatio  string `json:"engagement_ratio"`
	FloodWaitsToday  int    `json:"flood_waits_today"`
	AccountAgeDays   int    `json:"account_age_days"`
}

type Assessment struct {
	Level   Level    `json:"risk_level"`
	Factors []string `json:"risk_factors"`
}

type WarmupStatus struct {
	Phase           string        `json:"phase"`
	Restrictions    string        `json:"restrictions,omitempty"`
	CurrentLimits   *WarmupLimits `json:"current_limits,omitempty"`
	NextPhaseInDays int           `json:"next_phase_in_days"`
	Progress        string        `json:"progress"`
}

type Report struct {
	Health          Health       `json:"account_health"`
	Current         Assessment   `json:"current_risk_assessment"`
	Recommendations []string     `json:"recommendations"`
	Warmup          WarmupStatus `json:"warmup_status"`
	At              time.Time    `json:"report_timestamp"`
}

// Report summarizes account health and the risk of sending right now.
func (s *Scorer) Report() Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	level, factors := s.assessLocked(OpSendMessages, 0, "")
	m := s.metrics
	return Report{
		Health: Health{
			MessagesToday:    m.MessagesToday,
			MessagesThisHour: m.MessagesThisHour,
			SuccessRate:      fmt.Sprintf("%.2f%%", m.SuccessRate()*100),
			EngagementRatio:  fmt.Sprintf("%.2f%%", m.EngagementRatio()*100),
			FloodWaitsToday:  m.FloodWaitsToday,
			AccountAgeDays:   m.AccountAgeDays,
		},
		Current:         Assessment{Level: level, Factors: factors},
		Recommendations: append([]string(nil), recommendations[level]...),
		Warmup:          warmupStatus(m.AccountAgeDays),
		At:              s.now(),
	}
}

func warmupStatus(age int) WarmupStatus {
	if age >= warmupDays {
		return WarmupStatus{Phase: "completed", Restrictions: "none", Progress: "100%"}
	}
	lim := warmupLimits(age)
	next := 0
	for _, d := range warmupDaysSorted() {
		if d > age {
			next = d - age
			break
		}
	}
	return WarmupStatus{
		Phase:           fmt.Sprintf("day_%d", age),
		CurrentLimits:   &lim,
		NextPhaseInDays: next,
		Progress:        fmt.Sprintf("%.1f%%", float64(age)/warmupDays*100),
	}
}
