package session

import "time"

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Party is descriptive context presented by the client at connect time.
type Party struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Metadata is immutable once the session is created.
type Metadata struct {
	Agent Party `json:"agent"`
	User  Party `json:"user"`
	Chat  Party `json:"chat"`
}

// Annotation is a caller-supplied label echoed back alongside a response.
type Annotation struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Record is one processed request in a session's history.
type Record struct {
	ID          string       `json:"id"`
	Seq         int          `json:"seq"`
	Value       string       `json:"value"`
	Result      bool         `json:"result"`
	Key         string       `json:"key,omitempty"`
	Annotations []Annotation `json:"annotations,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

type Session struct {
	ID                     string     `json:"session_id"`
	Metadata               Metadata   `json:"metadata"`
	Status                 Status     `json:"status"`
	Threshold              int        `json:"threshold"`
	MatchesSinceEscalation int        `json:"matches_since_escalation"`
	Escalations            int        `json:"escalations"`
	History                []Record   `json:"history"`
	StartedAt              time.Time  `json:"started_at"`
	LastActivityAt         time.Time  `json:"last_activity_at"`
	EndedAt                *time.Time `json:"ended_at,omitempty"`

	// Epoch tells apart successive sessions registered under one identity.
	Epoch uint64 `json:"-"`
}

func (s *Session) Active() bool {
	return s != nil && s.Status == StatusActive
}

// Positives counts history records with a positive result.
func (s *Session) Positives() int {
	n := 0
	for _, r := range s.History {
		if r.Result {
			n++
		}
	}
	return n
}
