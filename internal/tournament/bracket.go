// internal/tournament/bracket.go
package tournament

import (
	"fmt"
	"sort"

	"github.com/jason-s-yu/typerace/internal/models"
)

// nextPowerOfTwo returns the smallest power of two >= n (and at least 2).
func nextPowerOfTwo(n int) int {
	size := 2
	for size < n {
		size *= 2
	}
	return size
}

// seedOrder lists seeds in bracket position order so that seed 1 and 2 can only meet in
// the final: 2 -> [1 2], 4 -> [1 4 2 3], 8 -> [1 8 4 5 2 7 3 6].
func seedOrder(size int) []int {
	order := []int{1}
	for n := 2; n <= size; n *= 2 {
		next := make([]int, 0, n)
		for _, s := range order {
			next = append(next, s, n+1-s)
		}
		order = next
	}
	return order
}

func matchID(round, number int) string {
	return fmt.Sprintf("r%dm%d", round, number)
}

// buildBracket lays out every round of a single elimination for the registered
// participants. Seeds past the field are byes: the paired player wins that match
// outright and is advanced immediately.
func buildBracket(t *models.Tournament) {
	players := make([]*models.TournamentParticipant, 0, len(t.Participants))
	for _, p := range t.Participants {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool { return players[i].Seed < players[j].Seed })
	bySeed := make(map[int]string, len(players))
	for _, p := range players {
		bySeed[p.Seed] = p.UserID
	}

	size := nextPowerOfTwo(len(players))
	t.Rounds = nil
	for round, matches := 1, size/2; matches >= 1; round, matches = round+1, matches/2 {
		r := &models.Round{Number: round, Bracket: models.BracketWinners}
		for n := 1; n <= matches; n++ {
			r.Matches = append(r.Matches, &models.Match{
				ID:           matchID(round, n),
				RoundNumber:  round,
				MatchNumber:  n,
				Bracket:      models.BracketWinners,
				Participants: []string{},
				State:        models.MatchPending,
			})
		}
		t.Rounds = append(t.Rounds, r)
	}

	order := seedOrder(size)
	first := t.Rounds[0]
	for i, m := range first.Matches {
		for _, seed := range order[2*i : 2*i+2] {
			if id, ok := bySeed[seed]; ok {
				m.Participants = append(m.Participants, id)
			}
		}
	}
	t.CurrentRound = 1
	for _, m := range first.Matches {
		switch len(m.Participants) {
		case 2:
			m.State = models.MatchReady
			m.Ready = map[string]bool{}
		case 1:
			m.State = models.MatchCompleted
			m.WinnerID = m.Participants[0]
			advance(t, m)
		}
	}
}

// advance places the winner of m into its slot in the next round. It reports false when
// m was the final.
func advance(t *models.Tournament, m *models.Match) bool {
	if m.RoundNumber >= len(t.Rounds) {
		return false
	}
	next := t.Rounds[m.RoundNumber].Matches[(m.MatchNumber-1)/2]
	// slot 0 is fed by the odd-numbered match
	if (m.MatchNumber-1)%2 == 0 {
		next.Participants = append([]string{m.WinnerID}, next.Participants...)
	} else {
		next.Participants = append(next.Participants, m.WinnerID)
	}
	if len(next.Participants) == 2 {
		next.State = models.MatchReady
		next.Ready = map[string]bool{}
	}
	return true
}

// roundComplete reports whether every match of round number n is completed.
func roundComplete(t *models.Tournament, n int) bool {
	if n < 1 || n > len(t.Rounds) {
		return false
	}
	for _, m := range t.Rounds[n-1].Matches {
		if m.State != models.MatchCompleted {
			return false
		}
	}
	return true
}

// pickWinner ranks the match participants: finished before unfinished, earlier finish,
// higher progress, higher wpm, then better (lower) seed. A participant with no result
// ranks last.
func pickWinner(t *models.Tournament, m *models.Match) string {
	best := ""
	for _, id := range m.Participants {
		if best == "" || beats(t, m, id, best) {
			best = id
		}
	}
	return best
}

func beats(t *models.Tournament, m *models.Match, a, b string) bool {
	ra, okA := m.Results[a]
	rb, okB := m.Results[b]
	if okA != okB {
		return okA
	}
	if okA {
		if ra.Finished != rb.Finished {
			return ra.Finished
		}
		if ra.Finished {
			fa, fb := finishOrMax(ra.FinishTime), finishOrMax(rb.FinishTime)
			if fa != fb {
				return fa < fb
			}
		}
		if ra.Progress != rb.Progress {
			return ra.Progress > rb.Progress
		}
		if ra.WPM != rb.WPM {
			return ra.WPM > rb.WPM
		}
	}
	return seedOf(t, a) < seedOf(t, b)
}

func finishOrMax(v *int64) int64 {
	if v == nil {
		return int64(^uint64(0) >> 1)
	}
	return *v
}

func seedOf(t *models.Tournament, userID string) int {
	if p, ok := t.Participants[userID]; ok {
		return p.Seed
	}
	return int(^uint(0) >> 1)
}
