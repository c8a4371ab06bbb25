package realtime

import "time"

// Channels an observer can subscribe to.
const (
	ChannelLogs       = "logs"
	ChannelMonitoring = "monitoring"
	ChannelTasks      = "tasks"
	ChannelGeneral    = "general"
)

// Event types written to observers.
const (
	TypeConnectionEstablished = "connection_established"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeLog                   = "log"
	TypeHistoricalLog         = "historical_log"
	TypeRecentLogs            = "recent_logs"
	TypeMonitoring            = "monitoring"
	TypeTaskUpdate            = "task_update"
	TypeSystemStats           = "system_stats"
	TypeConnectionStats       = "connection_stats"
	TypeError                 = "error"
)

// ValidChannel reports whether ch is one of the known channels.
func ValidChannel(ch string) bool {
	switch ch {
	case ChannelLogs, ChannelMonitoring, ChannelTasks, ChannelGeneral:
		return true
	}
	return false
}

// Event is a JSON object with at least "type" and "timestamp".
type Event map[string]any

func (e Event) Type() string {
	t, _ := e["type"].(string)
	return t
}

// withTimestamp fills "timestamp" when the producer didn't.
func (e Event) withTimestamp(now time.Time) Event {
	if e == nil {
		e = Event{}
	}
	if _, ok := e["timestamp"]; !ok {
		e["timestamp"] = now.UTC().Format(time.RFC3339Nano)
	}
	return e
}

// routeFor returns the channel an event type is delivered to; "" means all.
func routeFor(typ string) string {
	switch typ {
	case TypeLog:
		return ChannelLogs
	case TypeMonitoring:
		return ChannelMonitoring
	default:
		return ""
	}
}
