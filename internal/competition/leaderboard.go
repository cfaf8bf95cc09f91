// internal/competition/leaderboard.go
package competition

import (
	"sort"

	"github.com/jason-s-yu/typerace/internal/models"
)

// LeaderboardEntry is one ranked line. It is derived on demand and never stored.
type LeaderboardEntry struct {
	UserID     string  `json:"userId"`
	Username   string  `json:"username"`
	WPM        float64 `json:"wpm"`
	Accuracy   float64 `json:"accuracy"`
	Progress   float64 `json:"progress"`
	Finished   bool    `json:"finished"`
	FinishTime *int64  `json:"finishTime,omitempty"`
	Rank       int     `json:"rank"`
	// IsYou is filled in by clients.
	IsYou bool `json:"isYou"`
}

// Leaderboard ranks connected participants: finished before unfinished, finished by
// earliest finish time, unfinished by progress then wpm, user id breaking any remaining tie.
func Leaderboard(participants map[string]*models.Participant) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, len(participants))
	for _, p := range participants {
		if !p.IsConnected {
			continue
		}
		var finishTime *int64
		if p.Stats.FinishTime != nil {
			ft := *p.Stats.FinishTime
			finishTime = &ft
		}
		entries = append(entries, LeaderboardEntry{
			UserID:     p.UserID,
			Username:   p.Username,
			WPM:        p.Stats.WPM,
			Accuracy:   p.Stats.Accuracy,
			Progress:   p.Stats.Progress,
			Finished:   p.Stats.Finished,
			FinishTime: finishTime,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return rankBefore(entries[i], entries[j])
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

func rankBefore(a, b LeaderboardEntry) bool {
	if a.Finished != b.Finished {
		return a.Finished
	}
	if a.Finished {
		at, bt := millisOrZero(a.FinishTime), millisOrZero(b.FinishTime)
		if at != bt {
			return at < bt
		}
	} else {
		if a.Progress != b.Progress {
			return a.Progress > b.Progress
		}
		if a.WPM != b.WPM {
			return a.WPM > b.WPM
		}
	}
	return a.UserID < b.UserID
}

func millisOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
