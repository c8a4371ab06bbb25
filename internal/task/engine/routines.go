package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dygje/tgpro/internal/blacklist"
	"github.com/dygje/tgpro/internal/ratelimit"
	"github.com/dygje/tgpro/internal/safety"
	"github.com/dygje/tgpro/internal/transport"
	logx "github.com/dygje/tgpro/pkg/logx"
)

var errNoPlatform = errors.New("no chat platform configured")

// render resolves a template and substitutes {name} placeholders.
func (s *Service) render(id string, vars map[string]string) (string, error) {
	if s.deps.Templates == nil {
		return "", fmt.Errorf("template %q not found", id)
	}
	text, ok := s.deps.Templates.Template(id)
	if !ok {
		return "", fmt.Errorf("template %q not found", id)
	}
	if len(vars) == 0 {
		return text, nil
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(vars)*2)
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(text), nil
}

func (s *Service) safetyCheck(volume int, content string, force bool) error {
	if s.deps.Safety == nil {
		return nil
	}
	if ok, reasons := s.deps.Safety.ShouldProceed(safety.OpSendMessages, volume, content, force); !ok {
		return fmt.Errorf("blocked by safety check: %s", strings.Join(reasons, "; "))
	}
	return nil
}

func (s *Service) recordOutcome(sent, failed int, throttled bool) {
	if s.deps.Safety != nil && sent+failed > 0 {
		s.deps.Safety.RecordOutcome(safety.OpSendMessages, sent, failed, throttled)
	}
}

// delivery is the outcome of one send.
type delivery struct {
	status    string // sent, failed, skipped
	err       string
	throttled bool
}

// deliver sends text to one recipient. The returned error is non-nil only
// when the task must stop.
func (s *Service) deliver(r *Run, recipient, text string) (delivery, error) {
	ctx := r.Context()
	target, err := transport.ParseTarget(recipient)
	if err != nil {
		return delivery{status: "failed", err: err.Error()}, nil
	}
	key := target.String()

	if bl := s.deps.Blacklist; bl != nil {
		blocked, err := bl.Blocked(ctx, key)
		if err != nil {
			r.Log().Warn("blacklist lookup failed", logx.String("target", key), logx.Err(err))
		} else if blocked {
			return delivery{status: "skipped", err: "blacklisted"}, nil
		}
	}

	if s.deps.Limiter != nil {
		if err := s.deps.Limiter.Acquire(ctx, ratelimit.ClassMessages); err != nil {
			if ctx.Err() != nil {
				return delivery{}, cancelledError{cause: ctx.Err()}
			}
			return delivery{status: "failed", err: err.Error()}, nil
		}
	}

	_, err = s.deps.Platform.SendText(ctx, target, text, nil)
	if err == nil {
		return delivery{status: "sent"}, nil
	}
	if ctx.Err() != nil {
		return delivery{}, cancelledError{cause: ctx.Err()}
	}

	d := delivery{status: "failed", err: err.Error()}
	if wait, ok := transport.IsFloodWait(err); ok {
		d.throttled = true
		ttl := wait
		if ttl <= 0 {
			ttl = s.cfg.FloodTTL
		}
		s.block(r, key, blacklist.ReasonFloodWait, ttl)
	} else if errors.Is(err, transport.ErrForbidden) {
		s.block(r, key, blacklist.ReasonChatForbidden, 0)
	}
	return d, nil
}

func (s *Service) block(r *Run, target, reason string, ttl time.Duration) {
	if s.deps.Blacklist == nil {
		return
	}
	// The task context may already be done; the entry should still land.
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.deps.Blacklist.Block(ctx, target, reason, ttl); err != nil {
		r.Log().Warn("blacklist add failed", logx.String("target", target), logx.String("reason", reason), logx.Err(err))
		return
	}
	r.Log().Info("target blacklisted", logx.String("target", target), logx.String("reason", reason), logx.Duration("ttl", ttl))
}

func percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	return done * 100 / total
}

func (s *Service) runMessageSending(r *Run) error {
	if s.deps.Platform == nil {
		return errNoPlatform
	}
	p := r.Params()
	tplID, _ := stringParam(p, "template_id")
	recipients, err := requireList(p, "recipients")
	if err != nil {
		return err
	}
	vars, err := stringMap(p, "custom_variables")
	if err != nil {
		return err
	}
	text, err := s.render(tplID, vars)
	if err != nil {
		return err
	}
	if err := s.safetyCheck(len(recipients), text, boolParam(p, "force")); err != nil {
		return err
	}
	delay := delayParam(p, r.UnitDelay())

	n := len(recipients)
	var sent, failed, skipped int
	throttled := false
	messages := make([]any, 0, n)
	results := func() map[string]any {
		return map[string]any{
			"total_recipients": n,
			"sent_count":       sent,
			"failed_count":     failed,
			"skipped_count":    skipped,
			"messages":         messages,
		}
	}
	defer func() { s.recordOutcome(sent, failed, throttled) }()

	for i, rcpt := range recipients {
		if err := r.Checkpoint(); err != nil {
			return err
		}
		r.Update(map[string]any{
			"percentage":        percent(i, n),
			"stage":             "sending_message",
			"current_recipient": i + 1,
			"total_recipients":  n,
		}, results())

		d, err := s.deliver(r, rcpt, text)
		if err != nil {
			return err
		}
		switch d.status {
		case "sent":
			sent++
		case "skipped":
			skipped++
		default:
			failed++
		}
		throttled = throttled || d.throttled
		entry := map[string]any{
			"recipient": rcpt,
			"status":    d.status,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}
		if d.err != "" {
			entry["error"] = d.err
		}
		messages = append(messages, entry)

		if i < n-1 {
			if err := r.Sleep(delay); err != nil {
				return err
			}
		}
	}
	r.Update(map[string]any{"percentage": 100, "stage": "sending_message"}, results())
	return nil
}

func (s *Service) runBulkMessage(r *Run) error {
	if s.deps.Platform == nil {
		return errNoPlatform
	}
	p := r.Params()
	tplIDs, err := requireList(p, "templates")
	if err != nil {
		return err
	}
	groups, err := requireList(p, "groups")
	if err != nil {
		return err
	}
	vars, err := stringMap(p, "variables")
	if err != nil {
		return err
	}
	texts := make([]string, len(tplIDs))
	for i, id := range tplIDs {
		if texts[i], err = s.render(id, vars); err != nil {
			return err
		}
	}
	total := len(tplIDs) * len(groups)
	if err := s.safetyCheck(total, strings.Join(texts, "\n"), boolParam(p, "force")); err != nil {
		return err
	}
	delay := delayParam(p, r.UnitDelay())

	var completed, failed, skipped, tplDone, groupsDone int
	throttled := false
	results := func() map[string]any {
		return map[string]any{
			"total_operations":     total,
			"completed_operations": completed,
			"failed_operations":    failed,
			"skipped_operations":   skipped,
			"templates_processed":  tplDone,
			"groups_processed":     groupsDone,
		}
	}
	defer func() { s.recordOutcome(completed, failed, throttled) }()

	op := 0
	for ti, text := range texts {
		for gi, group := range groups {
			if err := r.Checkpoint(); err != nil {
				return err
			}
			r.Update(map[string]any{
				"percentage":       percent(op, total),
				"stage":            "processing_bulk_messages",
				"current_template": ti + 1,
				"current_group":    gi + 1,
			}, results())

			d, err := s.deliver(r, group, text)
			if err != nil {
				return err
			}
			switch d.status {
			case "sent":
				completed++
			case "skipped":
				skipped++
			default:
				failed++
				r.Log().Debug("bulk send failed", logx.String("template", tplIDs[ti]), logx.String("group", group), logx.String("error", d.err))
			}
			throttled = throttled || d.throttled
			op++

			if op < total {
				if err := r.Sleep(delay); err != nil {
					return err
				}
			}
		}
		tplDone++
	}
	groupsDone = len(groups)
	r.Update(map[string]any{"percentage": 100, "stage": "processing_bulk_messages"}, results())
	return nil
}

func (s *Service) runGroupManagement(r *Run) error {
	if s.deps.Platform == nil {
		return errNoPlatform
	}
	p := r.Params()
	op, _ := stringParam(p, "operation")
	groups, err := requireList(p, "groups")
	if err != nil {
		return err
	}
	delay := delayParam(p, r.UnitDelay())
	ctx := r.Context()
	stage := op + "_groups"

	n := len(groups)
	var processed, ok, failed int
	details := make([]any, 0, n)
	results := func() map[string]any {
		return map[string]any{
			"operation":             op,
			"total_groups":          n,
			"processed_groups":      processed,
			"successful_operations": ok,
			"failed_operations":     failed,
			"groups":                details,
		}
	}

	for i, g := range groups {
		if err := r.Checkpoint(); err != nil {
			return err
		}
		r.Update(map[string]any{
			"percentage":    percent(i, n),
			"stage":         stage,
			"current_group": i + 1,
			"total_groups":  n,
		}, results())

		entry := map[string]any{"group": g}
		info, err := s.manageOne(ctx, op, g)
		switch {
		case err == nil:
			ok++
			entry["status"] = "ok"
			if info.Title != "" {
				entry["title"] = info.Title
			}
		case ctx.Err() != nil:
			return cancelledError{cause: ctx.Err()}
		default:
			failed++
			entry["status"] = "failed"
			entry["error"] = err.Error()
		}
		processed++
		details = append(details, entry)

		if i < n-1 {
			if err := r.Sleep(delay); err != nil {
				return err
			}
		}
	}
	r.Update(map[string]any{"percentage": 100, "stage": stage}, results())
	return nil
}

func (s *Service) manageOne(ctx context.Context, op, group string) (transport.GroupInfo, error) {
	target, err := transport.ParseTarget(group)
	if err != nil {
		return transport.GroupInfo{}, err
	}
	if s.deps.Limiter != nil {
		if err := s.deps.Limiter.Acquire(ctx, ratelimit.ClassAPICalls); err != nil {
			return transport.GroupInfo{}, err
		}
	}
	return s.deps.Platform.ManageGroup(ctx, op, target)
}
