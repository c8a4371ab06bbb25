// Package transport defines the chat platform API the task engine drives.
// Implementations live in subpackages: telegram (live bot API) and dryrun.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrForbidden means the platform refuses delivery to the target for good
	// (blocked, kicked, chat gone). Callers should stop retrying it.
	ErrForbidden = errors.New("transport: target forbidden")

	ErrInvalidTarget = errors.New("transport: invalid target")
)

// FloodWaitError is returned when the platform asks the caller to back off.
type FloodWaitError struct {
	RetryAfter time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: retry after %s", e.RetryAfter)
}

// IsFloodWait reports whether err is a platform back-off request.
func IsFloodWait(err error) (time.Duration, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.RetryAfter, true
	}
	return 0, false
}

// ChatTarget addresses a chat by numeric id or public @username.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
	Username string
}

func (t ChatTarget) String() string {
	s := t.Username
	if s == "" {
		s = strconv.FormatInt(t.ChatID, 10)
	} else {
		s = "@" + s
	}
	if t.ThreadID != 0 {
		s += ":" + strconv.Itoa(t.ThreadID)
	}
	return s
}

// ParseTarget accepts "-100123", "@name", "name" and an optional ":<thread>" suffix.
func ParseTarget(s string) (ChatTarget, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ChatTarget{}, ErrInvalidTarget
	}
	var t ChatTarget
	if i := strings.LastIndexByte(s, ':'); i > 0 {
		th, err := strconv.Atoi(s[i+1:])
		if err != nil || th < 0 {
			return ChatTarget{}, fmt.Errorf("%w: bad thread in %q", ErrInvalidTarget, s)
		}
		t.ThreadID = th
		s = s[:i]
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		if id == 0 {
			return ChatTarget{}, ErrInvalidTarget
		}
		t.ChatID = id
		return t, nil
	}
	name := strings.TrimPrefix(s, "@")
	if name == "" || strings.ContainsAny(name, " @/") {
		return ChatTarget{}, fmt.Errorf("%w: %q", ErrInvalidTarget, s)
	}
	t.Username = name
	return t, nil
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Group operations accepted by ManageGroup.
const (
	GroupAdd    = "add"
	GroupRemove = "remove"
	GroupUpdate = "update"
)

// GroupInfo is what the platform reports about a managed group.
type GroupInfo struct {
	ChatID int64  `json:"chat_id"`
	Title  string `json:"title,omitempty"`
	Type   string `json:"type,omitempty"`
}

// Platform is the outbound side of the chat platform.
type Platform interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	ManageGroup(ctx context.Context, op string, group ChatTarget) (GroupInfo, error)
}
