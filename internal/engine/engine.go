package engine

import (
	"errors"

	"github.com/DoyleJ11/quiz-sync/internal/decode"
	"github.com/DoyleJ11/quiz-sync/pkg/types"
)

// These mark inputs that were recognised and deliberately ignored. Callers
// log them and keep the previous state.
var ErrDuplicateQuestion = errors.New("question already active")
var ErrAlreadyStarted = errors.New("match already started")
var ErrMatchOver = errors.New("match already ended")
var ErrNoActiveQuestion = errors.New("no active question")
var ErrStaleClear = errors.New("question changed before grace ended")

var ErrUnknownPlayer = errors.New("unknown player")
var ErrUnsupportedCommand = errors.New("unsupported command")

const MaxHealth = 5

type Phase string

const (
	PhaseWaiting        Phase = "WAITING"
	PhaseQuestionActive Phase = "QUESTION_ACTIVE"
	PhaseAwaitingNext   Phase = "AWAITING_NEXT"
	PhaseEnded          Phase = "ENDED"
)

type Animation string

const (
	AnimIdle    Animation = "idle"
	AnimAttack  Animation = "attack"
	AnimDamage  Animation = "damage"
	AnimDead    Animation = "dead"
	AnimVictory Animation = "victory"
)

type Player struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	CharacterType string    `json:"characterType,omitempty"`
	Health        int       `json:"health"`
	Animation     Animation `json:"animationState"`
	Score         int       `json:"score"`
}

type State struct {
	Phase         Phase           `json:"phase"`
	SelfID        int64           `json:"selfId"`
	Self          Player          `json:"self"`
	Opponent      Player          `json:"opponent"`
	Question      *types.Question `json:"currentQuestion,omitempty"`
	RemainingTime int             `json:"remainingTime"`
	FirstHint     string          `json:"firstHint,omitempty"`
	SecondHint    string          `json:"secondHint,omitempty"`
	Answer        string          `json:"answer,omitempty"`
	CorrectIDs    []int64         `json:"correctMemberIds,omitempty"`
	Rewards       map[int64]int   `json:"rewards,omitempty"`
	WinnerID      *int64          `json:"winnerId,omitempty"`

	startSeen bool
}

type CommandType string

const (
	CmdServerEvent       CommandType = "ServerEvent"
	CmdTick              CommandType = "Tick"
	CmdClearQuestion     CommandType = "ClearQuestion"
	CmdAnimationComplete CommandType = "AnimationComplete"
)

/*
	CmdServerEvent(START)          -> EvtMatchStarted
	CmdServerEvent(*_QUIZ)         -> EvtQuestionStarted (Seconds = countdown)
	CmdServerEvent(*_HINT)         -> EvtHintRevealed
	CmdServerEvent(*_ATTACK)       -> EvtCombatResolved
	CmdServerEvent(QUIZ_RESULT)    -> EvtResultRevealed -> EvtCountdownStopped
	CmdServerEvent(REWARD)         -> EvtRewardsRecorded
	CmdServerEvent(END)            -> EvtMatchEnded
	CmdTick                        -> EvtCountdownExpired when it reaches 0
	CmdClearQuestion               -> EvtQuestionCleared
	CmdAnimationComplete           -> EvtAnimationSettled
*/

type Command struct {
	Type     CommandType
	Event    decode.MatchEvent
	PlayerID int64
}

type EventType string

const (
	EvtMatchStarted     EventType = "MatchStarted"
	EvtQuestionStarted  EventType = "QuestionStarted"
	EvtHintRevealed     EventType = "HintRevealed"
	EvtCombatResolved   EventType = "CombatResolved"
	EvtResultRevealed   EventType = "ResultRevealed"
	EvtCountdownStopped EventType = "CountdownStopped"
	EvtCountdownExpired EventType = "CountdownExpired"
	EvtQuestionCleared  EventType = "QuestionCleared"
	EvtRewardsRecorded  EventType = "RewardsRecorded"
	EvtMatchEnded       EventType = "MatchEnded"
	EvtAnimationSettled EventType = "AnimationSettled"
)

type Event struct {
	Type     EventType
	PlayerID int64
	Seconds  int
}

// Apply is pure: s is never modified and the returned state shares nothing
// with it. On error the input state comes back unchanged.
func Apply(s State, cmd Command) ([]Event, State, error) {
	switch cmd.Type {
	case CmdServerEvent:
		return applyServer(s, cmd.Event)

	case CmdTick:
		if s.Phase != PhaseQuestionActive {
			return nil, s, ErrNoActiveQuestion
		}
		next := s.Clone()
		next.RemainingTime = max(next.RemainingTime-1, 0)
		if next.RemainingTime > 0 {
			return nil, next, nil
		}
		next.Phase = PhaseAwaitingNext
		return []Event{{Type: EvtCountdownExpired}}, next, nil

	case CmdClearQuestion:
		if s.Phase != PhaseAwaitingNext {
			return nil, s, ErrStaleClear
		}
		next := s.Clone()
		next.Question = nil
		next.FirstHint, next.SecondHint = "", ""
		next.RemainingTime = 0
		return []Event{{Type: EvtQuestionCleared}}, next, nil

	case CmdAnimationComplete:
		next := s.Clone()
		p := next.player(cmd.PlayerID)
		if p == nil {
			return nil, s, ErrUnknownPlayer
		}
		if !settle(p) {
			return nil, s, nil
		}
		return []Event{{Type: EvtAnimationSettled, PlayerID: p.ID}}, next, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

func applyServer(s State, ev decode.MatchEvent) ([]Event, State, error) {
	// Rewards are reported after END, everything else stops there.
	if _, ok := ev.(decode.RewardGranted); !ok && s.Phase == PhaseEnded {
		return nil, s, ErrMatchOver
	}

	next := s.Clone()
	switch e := ev.(type) {
	case decode.MatchStarted:
		if s.Phase != PhaseWaiting || s.startSeen {
			return nil, s, ErrAlreadyStarted
		}
		if err := seat(&next, e.Roster); err != nil {
			return nil, s, err
		}
		next.startSeen = true
		return []Event{{Type: EvtMatchStarted}}, next, nil

	case decode.QuestionDelivered:
		if s.Question != nil && s.Question.Text == e.Question.Text {
			return nil, s, ErrDuplicateQuestion
		}
		q := e.Question
		q.Options = append([]string(nil), e.Question.Options...)
		next.Question = &q
		next.FirstHint, next.SecondHint = "", ""
		next.Answer, next.CorrectIDs = "", nil
		next.RemainingTime = DefaultTimer(q.Mode)
		if e.Timer != nil && *e.Timer > 0 {
			next.RemainingTime = *e.Timer
		}
		next.Phase = PhaseQuestionActive
		return []Event{{Type: EvtQuestionStarted, Seconds: next.RemainingTime}}, next, nil

	case decode.HintDelivered:
		if e.Second {
			next.SecondHint = e.Text
		} else {
			next.FirstHint = e.Text
		}
		return []Event{{Type: EvtHintRevealed}}, next, nil

	case decode.AttackResolved:
		fillSeats(&next, e.Roster)
		if err := resolveCombat(&next, e.Attacked, e.Roster); err != nil {
			return nil, s, err
		}
		return []Event{{Type: EvtCombatResolved}}, next, nil

	case decode.QuizResult:
		next.Answer = e.Answer
		next.CorrectIDs = append([]int64(nil), e.CorrectIDs...)
		fillSeats(&next, e.Roster)
		applyScores(&next, e.Roster)
		events := []Event{{Type: EvtResultRevealed}}
		if next.Phase == PhaseQuestionActive {
			next.Phase = PhaseAwaitingNext
			next.RemainingTime = 0
			events = append(events, Event{Type: EvtCountdownStopped})
		}
		return events, next, nil

	case decode.RewardGranted:
		if next.Rewards == nil {
			next.Rewards = make(map[int64]int, len(e.Rewards))
		}
		for _, r := range e.Rewards {
			next.Rewards[r.MemberID] = r.Reward
		}
		return []Event{{Type: EvtRewardsRecorded}}, next, nil

	case decode.MatchEnded:
		resolveWinner(&next, e.WinnerID)
		next.Phase = PhaseEnded
		next.RemainingTime = 0
		winner := e.WinnerID
		next.WinnerID = &winner
		return []Event{{Type: EvtMatchEnded, PlayerID: winner}}, next, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

// seat fills both player records from the START roster, replacing any
// earlier seating. Self is found by member id; the opponent is the first
// other entry.
func seat(s *State, roster []types.RosterEntry) error {
	var self, opp *types.RosterEntry
	for i := range roster {
		e := &roster[i]
		switch {
		case e.MemberID == s.SelfID && self == nil:
			self = e
		case e.MemberID != s.SelfID && opp == nil:
			opp = e
		}
	}
	if self == nil {
		return ErrUnknownPlayer
	}
	s.Self = newPlayer(*self)
	if opp != nil {
		s.Opponent = newPlayer(*opp)
	}
	return nil
}

// fillSeats seats whichever player is still missing. A battle joined after
// START learns its players from the room members or the next roster.
func fillSeats(s *State, roster []types.RosterEntry) {
	for _, e := range roster {
		switch {
		case e.MemberID == 0:
		case e.MemberID == s.SelfID:
			if s.Self.ID == 0 {
				s.Self = newPlayer(e)
			}
		case s.Opponent.ID == 0:
			s.Opponent = newPlayer(e)
		}
	}
}

func newPlayer(e types.RosterEntry) Player {
	p := Player{
		ID:            e.MemberID,
		Name:          e.Nickname,
		CharacterType: e.MainCat,
		Health:        MaxHealth,
		Animation:     AnimIdle,
	}
	if e.Life > 0 {
		p.Health = clampHealth(e.Life)
	}
	if e.Score != nil {
		p.Score = *e.Score
	}
	return p
}

func applyScores(s *State, roster []types.RosterEntry) {
	for _, e := range roster {
		if p := s.player(e.MemberID); p != nil && e.Score != nil {
			p.Score = *e.Score
		}
	}
}

func resolveWinner(s *State, winnerID int64) {
	switch winnerID {
	case decode.NoWinner:
		s.Self.Animation = AnimIdle
		s.Opponent.Animation = AnimIdle
	case s.SelfID:
		s.Self.Animation = AnimVictory
		s.Opponent.Animation = AnimDead
	default:
		s.Self.Animation = AnimDead
		s.Opponent.Animation = AnimVictory
	}
}
