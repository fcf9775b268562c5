package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"postbot/internal/posts"
	logx "postbot/pkg/logx"
)

// step advances s by one input. Validation problems re-prompt the same
// step and leave s untouched.
func (m *Machine) step(ctx context.Context, user int64, s *Session, input string) (Reply, error) {
	switch s.Step {
	case AwaitText:
		text, err := posts.ValidateText(input)
		if err != nil {
			return retry(err), nil
		}
		s.Texts = []string{text}
		s.Step = AwaitTime
		return Reply{Text: msgTimePrompt}, nil

	case AwaitTexts:
		texts, err := posts.SplitBatch(input, m.delim)
		if err != nil {
			return retry(err), nil
		}
		s.Texts = texts
		s.Step = AwaitTime
		return Reply{Text: batchTimePrompt(len(texts))}, nil

	case AwaitTime:
		at, err := posts.ValidateTime(input)
		if err != nil {
			return retry(err), nil
		}
		s.At = at
		s.Step = AwaitFrequency
		return Reply{Text: msgFrequencyPrompt, Keyboard: frequencyKeyboard}, nil

	case AwaitFrequency:
		rec, err := posts.ParseRecurrence(input)
		if err != nil {
			return Reply{Text: msgFrequencyRetry, Keyboard: frequencyKeyboard}, nil
		}
		return m.commitCreate(ctx, user, s, rec)

	case AwaitSelect:
		n, ok := parseIndex(input, len(s.Listed))
		if !ok {
			return Reply{Text: selectRetry(len(s.Listed))}, nil
		}
		s.Selected = n
		if s.Flow == Delete {
			return m.commitDelete(ctx, user, s)
		}
		s.Step = AwaitFieldChoice
		return Reply{Text: fieldPrompt(n, s.Listed[n-1]), Keyboard: fieldKeyboard}, nil

	case AwaitFieldChoice:
		switch strings.ToLower(strings.TrimSpace(input)) {
		case "text":
			s.Step = AwaitNewText
			return Reply{Text: msgNewText}, nil
		case "time":
			s.Step = AwaitNewTime
			return Reply{Text: msgNewTime}, nil
		default:
			return Reply{Text: msgFieldRetry, Keyboard: fieldKeyboard}, nil
		}

	case AwaitNewText:
		text, err := posts.ValidateText(input)
		if err != nil {
			return retry(err), nil
		}
		d, err := m.posts.UpdateText(ctx, user, s.selected().ID, text)
		if err != nil {
			return m.commitFailed(user, s, err)
		}
		return Reply{Text: updatedSummary("updated", d), Done: true}, nil

	case AwaitNewTime:
		at, err := posts.ValidateTime(input)
		if err != nil {
			return retry(err), nil
		}
		d, err := m.posts.Reschedule(ctx, user, s.selected().ID, at)
		if err != nil {
			return m.commitFailed(user, s, err)
		}
		return Reply{Text: updatedSummary("rescheduled", d), Done: true}, nil
	}
	return Reply{Text: msgInternal, Done: true}, fmt.Errorf("session: unknown step %d", s.Step)
}

func (m *Machine) commitCreate(ctx context.Context, user int64, s *Session, rec posts.Recurrence) (Reply, error) {
	drafts := make([]posts.Draft, 0, len(s.Texts))
	for _, t := range s.Texts {
		drafts = append(drafts, posts.Draft{
			OwnerID:     user,
			Destination: s.Destination,
			Text:        t,
			At:          s.At,
			Recurrence:  rec,
		})
	}
	ds, err := m.posts.ScheduleBatch(ctx, drafts)
	if err != nil {
		return m.commitFailed(user, s, err)
	}
	if s.Flow == Batch {
		return Reply{Text: batchSummary(ds), Done: true}, nil
	}
	return Reply{Text: scheduledSummary(ds[0]), Done: true}, nil
}

func (m *Machine) commitDelete(ctx context.Context, user int64, s *Session) (Reply, error) {
	d, err := m.posts.Remove(ctx, user, s.selected().ID)
	if err != nil {
		return m.commitFailed(user, s, err)
	}
	return Reply{Text: deletedSummary(s.Selected, d), Done: true}, nil
}

// commitFailed ends the flow. A vanished post or one already being sent is
// a normal outcome; anything else is reported back to the caller.
func (m *Machine) commitFailed(user int64, s *Session, err error) (Reply, error) {
	if errors.Is(err, posts.ErrNotFound) {
		return Reply{Text: msgGone, Done: true}, nil
	}
	if errors.Is(err, posts.ErrDelivering) {
		return Reply{Text: msgDelivering, Done: true}, nil
	}
	if posts.IsValidation(err) {
		return retry(err), nil
	}
	m.log.Error("commit failed", logx.Int64("user_id", user), logx.String("flow", s.Flow.String()), logx.Err(err))
	return Reply{Text: msgInternal, Done: true}, fmt.Errorf("session %s commit: %w", s.Flow, err)
}

func (s *Session) selected() posts.Delivery { return s.Listed[s.Selected-1] }

func retry(err error) Reply {
	var ve *posts.ValidationError
	if errors.As(err, &ve) {
		return Reply{Text: ve.Message}
	}
	return Reply{Text: err.Error()}
}

func parseIndex(input string, n int) (int, bool) {
	i, err := strconv.Atoi(strings.TrimSpace(input))
	if err != nil || i < 1 || i > n {
		return 0, false
	}
	return i, true
}
