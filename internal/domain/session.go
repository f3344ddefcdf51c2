package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ============================================================
// Session: aggregate root of one scenario conversation
// ============================================================

// ScenarioSnapshot is a frozen copy of the session's data as it stood before
// a turn applied its update. Snapshots are never mutated after creation.
type ScenarioSnapshot struct {
	FinancialData FinancialData `json:"financial_data"`
	PersonalData  PersonalData  `json:"personal_data"`
	Fingerprint   string        `json:"fingerprint,omitempty"`
	CapturedAt    time.Time     `json:"captured_at"`
}

// Session is owned by exactly one workflow run at a time.
//
// Version is the optimistic concurrency token: repositories only accept a
// Put whose Version matches the stored one, then increment it.
type Session struct {
	ID                  string             `json:"session_id"`
	Version             int64              `json:"version"`
	Turns               int                `json:"turns"`
	FinancialData       FinancialData      `json:"financial_data"`
	PersonalData        PersonalData       `json:"personal_data"`
	ScenarioHistory     []ScenarioSnapshot `json:"past_scenarios"`
	Messages            MessageLog         `json:"messages"`
	CreditScoreEstimate *ScoreReport       `json:"credit_score_estimate,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// MaxSessionIDLength bounds client-chosen session ids.
const MaxSessionIDLength = 128

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// ValidateSessionID checks a client-supplied session id. The empty id is
// valid and means "start a new session".
func ValidateSessionID(id string) error {
	if id == "" {
		return nil
	}
	if len(id) > MaxSessionIDLength {
		return &ErrValidation{Field: "session_id", Message: fmt.Sprintf("must be at most %d characters", MaxSessionIDLength)}
	}
	if !sessionIDPattern.MatchString(id) {
		return &ErrValidation{Field: "session_id", Message: "may only contain letters, digits, '.', '_', ':' and '-'"}
	}
	return nil
}

// NewSession creates an empty session with no history.
func NewSession(id string, now time.Time) *Session {
	return &Session{
		ID:              id,
		FinancialData:   FinancialData{Debts: Debts{}},
		PersonalData:    PersonalData{},
		ScenarioHistory: []ScenarioSnapshot{},
		Messages:        MessageLog{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Snapshot captures the current financial and personal data.
func (s *Session) Snapshot(now time.Time) ScenarioSnapshot {
	return ScenarioSnapshot{
		FinancialData: s.FinancialData.Clone(),
		PersonalData:  s.PersonalData.Clone(),
		Fingerprint:   s.FinancialData.Fingerprint(),
		CapturedAt:    now,
	}
}

// LastScenario returns the newest snapshot, if any.
func (s *Session) LastScenario() (ScenarioSnapshot, bool) {
	if len(s.ScenarioHistory) == 0 {
		return ScenarioSnapshot{}, false
	}
	return s.ScenarioHistory[len(s.ScenarioHistory)-1], true
}

// ApplyUpdate versions the session then merges the incoming documents.
//
// When continuing is true the current data is pushed onto ScenarioHistory
// before anything changes, so history[i] always holds the state as of just
// before turn i+1. The merge is shallow: keys present in the update replace
// the current value wholesale, absent keys are untouched.
func (s *Session) ApplyUpdate(continuing bool, financial *FinancialUpdate, personal PersonalData, now time.Time) {
	if continuing {
		s.ScenarioHistory = append(s.ScenarioHistory, s.Snapshot(now))
	}
	s.FinancialData = s.FinancialData.Apply(financial)
	s.PersonalData = s.PersonalData.Apply(personal)
	s.UpdatedAt = now
}

// Changes lists what differs between the newest snapshot and the current
// data: financial keys by name, plus "personal_data" when any personal key
// changed. It returns nil when there is no history to compare against.
func (s *Session) Changes() []string {
	last, ok := s.LastScenario()
	if !ok {
		return nil
	}
	changes := s.FinancialData.ChangedKeys(last.FinancialData)
	if !s.PersonalData.Equal(last.PersonalData) {
		changes = append(changes, "personal_data")
	}
	if changes == nil {
		changes = []string{}
	}
	return changes
}

// Feedback renders a short note on what the user adjusted since the last
// scenario.
func Feedback(changes []string) string {
	if len(changes) == 0 {
		return "No major changes detected. You can tweak more settings for better results."
	}
	return fmt.Sprintf("I noticed you adjusted %s. Here's what happens next...", strings.Join(changes, ", "))
}

// Append adds messages to the log in order.
func (s *Session) Append(msgs ...Message) {
	s.Messages = append(s.Messages, msgs...)
}

// Clone returns a deep-enough copy for handing the aggregate to another owner.
func (s *Session) Clone() *Session {
	out := *s
	out.FinancialData = s.FinancialData.Clone()
	out.PersonalData = s.PersonalData.Clone()
	out.ScenarioHistory = append([]ScenarioSnapshot(nil), s.ScenarioHistory...)
	out.Messages = s.Messages.Clone()
	if s.CreditScoreEstimate != nil {
		report := *s.CreditScoreEstimate
		out.CreditScoreEstimate = &report
	}
	return &out
}

// ============================================================
// Serialization
// ============================================================

// EncodeSession serializes the full aggregate for a session repository.
func EncodeSession(s *Session) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return data, nil
}

// DecodeSession rebuilds a session from its persisted form. Any failure is
// reported as *ErrDeserialization, including unknown message discriminators.
func DecodeSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		var de *ErrDeserialization
		if errors.As(err, &de) {
			return nil, de
		}
		return nil, &ErrDeserialization{Index: -1, Err: err}
	}
	if s.FinancialData.Debts == nil {
		s.FinancialData.Debts = Debts{}
	}
	if s.PersonalData == nil {
		s.PersonalData = PersonalData{}
	}
	if s.ScenarioHistory == nil {
		s.ScenarioHistory = []ScenarioSnapshot{}
	}
	if s.Messages == nil {
		s.Messages = MessageLog{}
	}
	return &s, nil
}
