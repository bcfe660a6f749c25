package types

import "encoding/json"

// Room channel (server -> client), topic "<topics.room>/<roomId>":
//   event: "CREATE" | "UPDATE" | "INFO" | "READY" | "UNREADY" | "KICK" | "LEAVE" | "DELETE" | "START"
//   roomId: number
//   data: RoomState (CREATE/UPDATE/INFO) | number (everything else)
//
// Match channel (server -> client), topic "<topics.match>/<roomId>":
//   event: "START" | "MULTIPLE_QUIZ" | "ESSAY_QUIZ" | "SHORT_QUIZ" | "FIRST_HINT" | "SECOND_HINT"
//        | "ONE_ATTACK" | "TWO_ATTACK" | "QUIZ_RESULT" | "REWARD" | "END"
//   data: event specific, may arrive as a JSON string holding JSON
//
// Chat channel (server -> client), topic "<topics.chat>/<roomId>":
//   sender: string, content: string, memberId: number
//
// AnswerCheck (client -> server), destination "<destinations.answer>/<roomId>":
//   content, roomId, sender, userAnswer, memberId

type RoomStatus string

const (
	RoomOpen       RoomStatus = "OPEN"
	RoomInProgress RoomStatus = "IN_PROGRESS"
	RoomClosed     RoomStatus = "CLOSED"
)

type MemberStatus string

const (
	MemberNotReady MemberStatus = "NOT_READY"
	MemberReady    MemberStatus = "READY"
)

type Member struct {
	MemberID int64        `json:"memberId"`
	Nickname string       `json:"nickname"`
	MainCat  string       `json:"mainCat,omitempty"`
	Status   MemberStatus `json:"status"`
}

type RoomState struct {
	RoomID    int64      `json:"roomId"`
	MaxPeople int        `json:"maxPeople"`
	Status    RoomStatus `json:"status"`
	Host      Member     `json:"host"`
	Members   []Member   `json:"members"`
}

// Clone returns a copy that shares no slices with r.
func (r RoomState) Clone() RoomState {
	c := r
	c.Members = append([]Member{}, r.Members...)
	return c
}

// Member looks up a member by id.
func (r RoomState) Member(id int64) (Member, bool) {
	for _, m := range r.Members {
		if m.MemberID == id {
			return m, true
		}
	}
	return Member{}, false
}

// Envelope is a decoded frame before its tag is interpreted. Data holds the
// payload with any string-wrapped JSON already unwrapped.
type Envelope struct {
	Event  string          `json:"event"`
	RoomID int64           `json:"roomId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type RosterEntry struct {
	MemberID int64  `json:"memberId"`
	Nickname string `json:"nickname,omitempty"`
	MainCat  string `json:"mainCat,omitempty"`
	Life     int    `json:"life"`
	Score    *int   `json:"score,omitempty"`
}

type ChatMessage struct {
	Sender   string `json:"sender"`
	Content  string `json:"content"`
	MemberID int64  `json:"memberId,omitempty"`
	RoomID   int64  `json:"roomId,omitempty"`
}

type AnswerCheck struct {
	Content    string `json:"content"`
	RoomID     int64  `json:"roomId"`
	Sender     string `json:"sender"`
	UserAnswer string `json:"userAnswer"`
	MemberID   int64  `json:"memberId"`
}

type QuizMode string

const (
	ModeMultipleChoice QuizMode = "MULTIPLE_CHOICE"
	ModeShortAnswer    QuizMode = "SHORT_ANSWER"
	ModeEssay          QuizMode = "ESSAY"
)

type Question struct {
	QuizID  int64    `json:"quizId"`
	Text    string   `json:"text"`
	Mode    QuizMode `json:"mode"`
	Options []string `json:"options,omitempty"`
}

type Reward struct {
	MemberID int64 `json:"memberId"`
	Reward   int   `json:"reward"`
}
