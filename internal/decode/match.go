package decode

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/DoyleJ11/quiz-sync/pkg/types"
)

type MatchTag string

const (
	MatchStart    MatchTag = "START"
	MultipleQuiz  MatchTag = "MULTIPLE_QUIZ"
	EssayQuiz     MatchTag = "ESSAY_QUIZ"
	ShortQuiz     MatchTag = "SHORT_QUIZ"
	FirstHint     MatchTag = "FIRST_HINT"
	SecondHint    MatchTag = "SECOND_HINT"
	OneAttack     MatchTag = "ONE_ATTACK"
	TwoAttack     MatchTag = "TWO_ATTACK"
	QuizResultTag MatchTag = "QUIZ_RESULT"
	RewardTag     MatchTag = "REWARD"
	MatchEnd      MatchTag = "END"
)

// NoWinner is the winnerId the server sends for a draw.
const NoWinner int64 = -1

// MatchEvent is the closed set of events the match channel carries.
type MatchEvent interface{ isMatchEvent() }

type MatchStarted struct {
	Roster []types.RosterEntry
}

// QuestionDelivered unifies the three quiz variants. Timer is nil when the
// server did not send one.
type QuestionDelivered struct {
	Question types.Question
	Timer    *int
}

type HintDelivered struct {
	Second bool
	Text   string
}

// AttackResolved carries the authoritative roster after a combat exchange.
// Attacked is nil for the roster-only broadcast.
type AttackResolved struct {
	Attacked *int64
	Roster   []types.RosterEntry
}

type QuizResult struct {
	Answer     string
	CorrectIDs []int64
	Roster     []types.RosterEntry
}

type RewardGranted struct {
	Rewards []types.Reward
}

type MatchEnded struct {
	WinnerID int64
}

func (MatchStarted) isMatchEvent()      {}
func (QuestionDelivered) isMatchEvent() {}
func (HintDelivered) isMatchEvent()     {}
func (AttackResolved) isMatchEvent()    {}
func (QuizResult) isMatchEvent()        {}
func (RewardGranted) isMatchEvent()     {}
func (MatchEnded) isMatchEvent()        {}

type quizPayload struct {
	QuizID   int64    `json:"quizId"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Timer    *int     `json:"timer"`
}

type rosterPayload struct {
	AttackedMemberID *int64              `json:"attackedMemberId"`
	MemberList       []types.RosterEntry `json:"memberList"`
}

type resultPayload struct {
	Answer           string              `json:"answer"`
	CorrectMemberIDs []int64             `json:"correctMemberIds"`
	MemberList       []types.RosterEntry `json:"memberList"`
}

func Match(raw []byte) (MatchEvent, error) {
	env, err := Envelope(raw)
	if err != nil {
		return nil, err
	}

	switch tag := MatchTag(env.Event); tag {
	case MatchStart:
		var p rosterPayload
		if err := unmarshalOptional(env.Data, &p); err != nil {
			return nil, err
		}
		return MatchStarted{Roster: p.MemberList}, nil

	case MultipleQuiz, ShortQuiz, EssayQuiz:
		var p quizPayload
		if err := unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		q := types.Question{QuizID: p.QuizID, Text: p.Question, Mode: modeFor(tag)}
		if len(p.Options) > 0 {
			q.Options = p.Options
		}
		return QuestionDelivered{Question: q, Timer: p.Timer}, nil

	case FirstHint, SecondHint:
		text, ok := dataString(env.Data)
		if !ok {
			var p struct {
				Hint string `json:"hint"`
			}
			if err := unmarshal(env.Data, &p); err != nil {
				return nil, err
			}
			text = p.Hint
		}
		return HintDelivered{Second: tag == SecondHint, Text: text}, nil

	case OneAttack, TwoAttack:
		var p rosterPayload
		if err := unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		ev := AttackResolved{Roster: p.MemberList}
		if tag == OneAttack {
			if p.AttackedMemberID == nil {
				return nil, fmt.Errorf("%w: %s without attackedMemberId", ErrDecode, tag)
			}
			ev.Attacked = p.AttackedMemberID
		}
		return ev, nil

	case QuizResultTag:
		var p resultPayload
		if err := unmarshalOptional(env.Data, &p); err != nil {
			return nil, err
		}
		return QuizResult{Answer: p.Answer, CorrectIDs: p.CorrectMemberIDs, Roster: p.MemberList}, nil

	case RewardTag:
		var p struct {
			MemberList []types.Reward `json:"memberList"`
		}
		if err := unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		return RewardGranted{Rewards: p.MemberList}, nil

	case MatchEnd:
		var winner int64
		if err := json.Unmarshal(env.Data, &winner); err != nil {
			var p struct {
				WinnerID *int64 `json:"winnerId"`
			}
			if err := unmarshal(env.Data, &p); err != nil {
				return nil, err
			}
			if p.WinnerID == nil {
				return nil, fmt.Errorf("%w: END without winnerId", ErrDecode)
			}
			winner = *p.WinnerID
		}
		return MatchEnded{WinnerID: winner}, nil

	default:
		return nil, fmt.Errorf("%w: match %q", ErrUnknownEvent, env.Event)
	}
}

// Chat decodes a free-text chat frame.
func Chat(raw []byte) (types.ChatMessage, error) {
	body, err := unwrapString(bytes.TrimSpace(raw))
	if err != nil {
		return types.ChatMessage{}, err
	}
	var msg types.ChatMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return types.ChatMessage{}, fmt.Errorf("%w: chat: %v", ErrDecode, err)
	}
	if msg.Sender == "" && msg.Content == "" {
		return types.ChatMessage{}, fmt.Errorf("%w: empty chat message", ErrDecode)
	}
	return msg, nil
}

func modeFor(tag MatchTag) types.QuizMode {
	switch tag {
	case ShortQuiz:
		return types.ModeShortAnswer
	case EssayQuiz:
		return types.ModeEssay
	default:
		return types.ModeMultipleChoice
	}
}

func unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrDecode)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

func unmarshalOptional(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return unmarshal(data, v)
}
