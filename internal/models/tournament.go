// internal/models/tournament.go
package models

// TournamentState is the lifecycle of a bracket.
type TournamentState string

const (
	TournamentRegistration TournamentState = "registration"
	TournamentReady        TournamentState = "ready"
	TournamentInProgress   TournamentState = "in-progress"
	TournamentCompleted    TournamentState = "completed"
)

// MatchState is the lifecycle of a single pairing; an active match wraps one competition.
type MatchState string

const (
	MatchPending   MatchState = "pending"
	MatchReady     MatchState = "ready"
	MatchCountdown MatchState = "countdown"
	MatchActive    MatchState = "active"
	MatchCompleted MatchState = "completed"
)

const BracketWinners = "winners"

type TournamentSettings struct {
	MaxParticipants int `json:"maxParticipants"`
	MinParticipants int `json:"minParticipants"`
	BestOf          int `json:"bestOf"`
}

// DefaultTournamentSettings is an eight-player single elimination.
func DefaultTournamentSettings() TournamentSettings {
	return TournamentSettings{
		MaxParticipants: 8,
		MinParticipants: 2,
		BestOf:          1,
	}
}

type TournamentParticipant struct {
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	Seed       int    `json:"seed"`
	Eliminated bool   `json:"eliminated"`
	JoinedAt   int64  `json:"joinedAt"`
}

// MatchResult is one participant's final line in a match.
type MatchResult struct {
	UserID     string  `json:"userId"`
	WPM        float64 `json:"wpm"`
	Accuracy   float64 `json:"accuracy"`
	Progress   float64 `json:"progress"`
	Finished   bool    `json:"finished"`
	FinishTime *int64  `json:"finishTime,omitempty"`
}

type Match struct {
	ID            string                 `json:"id"`
	RoundNumber   int                    `json:"roundNumber"`
	MatchNumber   int                    `json:"matchNumber"`
	Bracket       string                 `json:"bracket"`
	Participants  []string               `json:"participants"`
	State         MatchState             `json:"state"`
	CompetitionID string                 `json:"competitionId,omitempty"`
	Ready         map[string]bool        `json:"ready,omitempty"`
	Results       map[string]MatchResult `json:"results,omitempty"`
	WinnerID      string                 `json:"winnerId,omitempty"`
}

// Has reports whether userID plays in the match.
func (m *Match) Has(userID string) bool {
	for _, p := range m.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

type Round struct {
	Number  int      `json:"number"`
	Bracket string   `json:"bracket"`
	Matches []*Match `json:"matches"`
}

type Tournament struct {
	ID           string                            `json:"id"`
	Name         string                            `json:"name"`
	HostUserID   string                            `json:"hostUserId"`
	State        TournamentState                   `json:"state"`
	Settings     TournamentSettings                `json:"settings"`
	Participants map[string]*TournamentParticipant `json:"participants"`
	Rounds       []*Round                          `json:"rounds"`
	CurrentRound int                               `json:"currentRound"`
	WinnerID     string                            `json:"winnerId,omitempty"`
	CreatedAt    int64                             `json:"createdAt"`
}

// FindMatch looks up a match by id across all rounds.
func (t *Tournament) FindMatch(id string) *Match {
	for _, r := range t.Rounds {
		for _, m := range r.Matches {
			if m.ID == id {
				return m
			}
		}
	}
	return nil
}

// MatchByCompetition finds the match that opened the given competition room.
func (t *Tournament) MatchByCompetition(competitionID string) *Match {
	if competitionID == "" {
		return nil
	}
	for _, r := range t.Rounds {
		for _, m := range r.Matches {
			if m.CompetitionID == competitionID {
				return m
			}
		}
	}
	return nil
}
