package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parameters arrive as decoded JSON, so lists are []any and numbers float64.

func stringParam(p map[string]any, key string) (string, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	s = strings.TrimSpace(s)
	return s, ok && s != ""
}

func toString(v any) (string, bool) {
	switch vv := v.(type) {
	case string:
		s := strings.TrimSpace(vv)
		return s, s != ""
	case float64:
		if vv != float64(int64(vv)) {
			return "", false
		}
		return strconv.FormatInt(int64(vv), 10), true
	case int:
		return strconv.Itoa(vv), true
	case int64:
		return strconv.FormatInt(vv, 10), true
	case json.Number:
		return vv.String(), true
	}
	return "", false
}

// stringList accepts a list of strings or integer ids.
func stringList(p map[string]any, key string) ([]string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch vv := v.(type) {
	case []string:
		out := make([]string, 0, len(vv))
		for _, s := range vv {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	case []any:
		out := make([]string, 0, len(vv))
		for i, item := range vv {
			s, ok := toString(item)
			if !ok {
				return nil, invalidParam(key, "item %d is not a string or integer id", i)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, invalidParam(key, "must be a list")
}

func stringMap(p map[string]any, key string) (map[string]string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch vv := v.(type) {
	case map[string]string:
		return vv, nil
	case map[string]any:
		out := make(map[string]string, len(vv))
		for k, item := range vv {
			if s, ok := item.(string); ok {
				out[k] = s
				continue
			}
			out[k] = fmt.Sprint(item)
		}
		return out, nil
	}
	return nil, invalidParam(key, "must be an object")
}

func numberParam(p map[string]any, key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func boolParam(p map[string]any, key string) bool {
	b, _ := p[key].(bool)
	return b
}

// delayParam returns the delay_override in seconds when set.
func delayParam(p map[string]any, def time.Duration) time.Duration {
	if secs, ok := numberParam(p, "delay_override"); ok && secs >= 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}

func requireList(p map[string]any, key string) ([]string, error) {
	list, err := stringList(p, key)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, invalidParam(key, "is required and must not be empty")
	}
	return list, nil
}

func validateMessageSending(p map[string]any) error {
	if _, ok := stringParam(p, "template_id"); !ok {
		return invalidParam("template_id", "is required")
	}
	if _, err := requireList(p, "recipients"); err != nil {
		return err
	}
	if _, err := stringMap(p, "custom_variables"); err != nil {
		return err
	}
	if _, present := p["delay_override"]; present {
		if secs, ok := numberParam(p, "delay_override"); !ok || secs < 0 {
			return invalidParam("delay_override", "must be a non-negative number of seconds")
		}
	}
	return nil
}

func validateBulkMessage(p map[string]any) error {
	if _, err := requireList(p, "templates"); err != nil {
		return err
	}
	if _, err := requireList(p, "groups"); err != nil {
		return err
	}
	_, err := stringMap(p, "variables")
	return err
}

func validateGroupManagement(p map[string]any) error {
	op, _ := stringParam(p, "operation")
	switch op {
	case "add", "remove", "update":
	default:
		return invalidParam("operation", "must be one of add, remove, update")
	}
	_, err := requireList(p, "groups")
	return err
}

func clampMinutes(v, lo, hi int) time.Duration {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return time.Duration(v) * time.Minute
}

func estimateMessageSending(p map[string]any) time.Duration {
	list, _ := stringList(p, "recipients")
	return clampMinutes(len(list)/2, 2, 30)
}

func estimateBulkMessage(p map[string]any) time.Duration {
	tpls, _ := stringList(p, "templates")
	groups, _ := stringList(p, "groups")
	return clampMinutes(len(tpls)*len(groups)*2, 5, 60)
}

func estimateGroupManagement(p map[string]any) time.Duration {
	groups, _ := stringList(p, "groups")
	return clampMinutes(len(groups), 3, 20)
}
