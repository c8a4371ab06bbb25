package transport

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseTarget(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    ChatTarget
		wantErr bool
	}{
		{in: "-100123", want: ChatTarget{ChatID: -100123}},
		{in: " 42 ", want: ChatTarget{ChatID: 42}},
		{in: "-100123:7", want: ChatTarget{ChatID: -100123, ThreadID: 7}},
		{in: "@channel", want: ChatTarget{Username: "channel"}},
		{in: "channel:3", want: ChatTarget{Username: "channel", ThreadID: 3}},
		{in: "", wantErr: true},
		{in: "0", wantErr: true},
		{in: "@", wantErr: true},
		{in: "bad name", wantErr: true},
		{in: "-1:x", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseTarget(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidTarget) {
				t.Fatalf("ParseTarget(%q) err = %v, want ErrInvalidTarget", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ParseTarget(%q) = %+v, %v; want %+v", tt.in, got, err, tt.want)
		}
	}
}

func TestTargetString(t *testing.T) {
	t.Parallel()
	if s := (ChatTarget{Username: "chan", ThreadID: 2}).String(); s != "@chan:2" {
		t.Fatalf("String = %q", s)
	}
	if s := (ChatTarget{ChatID: -5}).String(); s != "-5" {
		t.Fatalf("String = %q", s)
	}
}

func TestIsFloodWait(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("send: %w", &FloodWaitError{RetryAfter: 30 * time.Second})
	d, ok := IsFloodWait(err)
	if !ok || d != 30*time.Second {
		t.Fatalf("IsFloodWait = %v, %v", d, ok)
	}
	if _, ok := IsFloodWait(ErrForbidden); ok {
		t.Fatal("forbidden is not a flood wait")
	}
}
