package engine

import "github.com/DoyleJ11/quiz-sync/pkg/types"

func NewState(selfID int64) State {
	return State{Phase: PhaseWaiting, SelfID: selfID}
}

// NewSeatedState seats players from roster before any START is seen.
// Missing seats are filled from later rosters.
func NewSeatedState(selfID int64, roster []types.RosterEntry) State {
	s := NewState(selfID)
	fillSeats(&s, roster)
	return s
}

// Clone returns a deep copy.
func (s State) Clone() State {
	c := s
	if s.Question != nil {
		q := *s.Question
		q.Options = append([]string(nil), s.Question.Options...)
		c.Question = &q
	}
	if s.CorrectIDs != nil {
		c.CorrectIDs = append([]int64(nil), s.CorrectIDs...)
	}
	if s.Rewards != nil {
		c.Rewards = make(map[int64]int, len(s.Rewards))
		for k, v := range s.Rewards {
			c.Rewards[k] = v
		}
	}
	if s.WinnerID != nil {
		w := *s.WinnerID
		c.WinnerID = &w
	}
	return c
}

// Player looks up either seat by member id.
func (s State) Player(id int64) (Player, bool) {
	if p := s.player(id); p != nil {
		return *p, true
	}
	return Player{}, false
}

// Players returns self then opponent; unseated players are skipped.
func (s State) Players() []Player {
	out := make([]Player, 0, 2)
	for _, p := range s.players() {
		out = append(out, *p)
	}
	return out
}

func (s *State) player(id int64) *Player {
	if id == 0 {
		return nil
	}
	switch id {
	case s.Self.ID:
		return &s.Self
	case s.Opponent.ID:
		return &s.Opponent
	}
	return nil
}

func (s *State) players() []*Player {
	var out []*Player
	if s.Self.ID != 0 {
		out = append(out, &s.Self)
	}
	if s.Opponent.ID != 0 {
		out = append(out, &s.Opponent)
	}
	return out
}

var defaultTimers = map[types.QuizMode]int{
	types.ModeMultipleChoice: 20,
	types.ModeShortAnswer:    30,
	types.ModeEssay:          60,
}

// DefaultTimer is the countdown, in seconds, used when a question arrives
// without one.
func DefaultTimer(mode types.QuizMode) int {
	if sec, ok := defaultTimers[mode]; ok {
		return sec
	}
	return defaultTimers[types.ModeMultipleChoice]
}
