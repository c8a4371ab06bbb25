package logx

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sink receives log records forwarded to live observers.
// Implementations must not block.
type Sink interface {
	AddLogMessage(level, message string, metadata map[string]any)
}

// QuietComponent marks records that are never forwarded to observers.
// The realtime hub logs with this component so its own diagnostics
// can't feed back into the stream it serves.
const QuietComponent = "realtime"

// observerWriter is a zerolog sink that forwards records to a Sink,
// filtered by level and throttled by a token bucket.
type observerWriter struct {
	mu       sync.Mutex
	sink     Sink
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

func (w *observerWriter) setSink(s Sink) {
	w.mu.Lock()
	w.sink = s
	w.mu.Unlock()
}

func (w *observerWriter) configure(cfg ObserverConfig) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	w.mu.Lock()
	w.minLevel = parseLevel(cfg.MinLevel, zerolog.InfoLevel)
	w.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	w.mu.Unlock()
}

func (w *observerWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *observerWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	w.mu.Lock()
	sink := w.sink
	lim := w.limiter
	min := w.minLevel
	w.mu.Unlock()

	if sink == nil || lim == nil || level < min {
		return len(p), nil
	}

	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return len(p), nil
	}
	if comp, _ := m["comp"].(string); comp == QuietComponent {
		return len(p), nil
	}
	if !lim.Allow() {
		return len(p), nil
	}

	msg, _ := m[zerolog.MessageFieldName].(string)
	lvl, _ := m[zerolog.LevelFieldName].(string)
	if lvl == "" {
		lvl = level.String()
	}
	delete(m, zerolog.MessageFieldName)
	delete(m, zerolog.LevelFieldName)
	delete(m, zerolog.TimestampFieldName)

	sink.AddLogMessage(strings.ToUpper(lvl), msg, m)
	return len(p), nil
}
