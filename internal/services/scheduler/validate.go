package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("job not found")

// normalizeSchedule validates a schedule and resolves the "every" anchor.
// Validation failures reject the API call synchronously; nothing malformed
// is ever stored.
func normalizeSchedule(sched Schedule, nowMs int64) (Schedule, error) {
	switch sched.Kind {
	case KindAt:
		if sched.AtMs <= 0 {
			return Schedule{}, errors.New("schedule: atMs is required for kind \"at\"")
		}
		return Schedule{Kind: KindAt, AtMs: sched.AtMs}, nil

	case KindEvery:
		if sched.EveryMs <= 0 {
			return Schedule{}, errors.New("schedule: everyMs must be > 0 for kind \"every\"")
		}
		anchor := sched.AnchorMs
		if anchor <= 0 {
			anchor = nowMs
		}
		return Schedule{Kind: KindEvery, EveryMs: sched.EveryMs, AnchorMs: anchor}, nil

	case KindCron:
		expr := strings.TrimSpace(sched.Expr)
		if expr == "" {
			return Schedule{}, errors.New("schedule: expr is required for kind \"cron\"")
		}
		if _, err := cronParser.Parse(expr); err != nil {
			return Schedule{}, fmt.Errorf("schedule: invalid cron expression %q: %w", expr, err)
		}
		tz := strings.TrimSpace(sched.Tz)
		if tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return Schedule{}, fmt.Errorf("schedule: invalid timezone %q: %w", tz, err)
			}
		}
		return Schedule{Kind: KindCron, Expr: expr, Tz: tz}, nil
	}
	return Schedule{}, fmt.Errorf("schedule: unknown kind %q", sched.Kind)
}

// validatePayload checks that the payload carries the required fields for
// its kind.
func validatePayload(p Payload) error {
	switch p.Kind {
	case PayloadMessage:
		if strings.TrimSpace(p.Text) == "" {
			return errors.New("payload: text is required for kind \"message\"")
		}
		if p.ChatID == 0 {
			return errors.New("payload: chatId is required for kind \"message\"")
		}
		return nil
	case PayloadSkill:
		if strings.TrimSpace(p.SkillID) == "" {
			return errors.New("payload: skillId is required for kind \"skill\"")
		}
		return nil
	}
	return fmt.Errorf("payload: unknown kind %q", p.Kind)
}

// mergePayload applies a payload patch. Changing the kind replaces the
// payload wholesale; a same-kind (or kind-less) patch merges field by field.
// The merged payload is re-validated so a patch can never leave a payload
// missing required fields for its kind.
func mergePayload(cur Payload, patch Payload) (Payload, error) {
	if patch.Kind != "" && patch.Kind != cur.Kind {
		if err := validatePayload(patch); err != nil {
			return Payload{}, err
		}
		return patch, nil
	}

	merged := cur
	switch cur.Kind {
	case PayloadMessage:
		if patch.Text != "" {
			merged.Text = patch.Text
		}
		if patch.ChatID != 0 {
			merged.ChatID = patch.ChatID
		}
		if patch.BotID != "" {
			merged.BotID = patch.BotID
		}
	case PayloadSkill:
		if patch.SkillID != "" {
			merged.SkillID = patch.SkillID
		}
		if patch.JobID != "" {
			merged.JobID = patch.JobID
		}
	}
	if err := validatePayload(merged); err != nil {
		return Payload{}, err
	}
	return merged, nil
}
