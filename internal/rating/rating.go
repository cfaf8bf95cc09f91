// internal/rating/rating.go
package rating

// Standing is one participant's place in a finished competition.
type Standing struct {
	UserID string
	Rank   int
	Rating Rating
}

// UpdateFromStandings treats a competition as a round robin: every participant played
// every other, winning against anyone ranked below, drawing on equal rank. All updates
// use the ratings from before the competition. The result is keyed by user id.
func UpdateFromStandings(standings []Standing) map[string]Rating {
	out := make(map[string]Rating, len(standings))
	for i, s := range standings {
		opponents := make([]Rating, 0, len(standings)-1)
		scores := make([]float64, 0, len(standings)-1)
		for j, o := range standings {
			if i == j {
				continue
			}
			opponents = append(opponents, o.Rating)
			scores = append(scores, pairScore(s.Rank, o.Rank))
		}
		out[s.UserID] = UpdatePlayer(s.Rating, opponents, scores)
	}
	return out
}

func pairScore(rank, opponentRank int) float64 {
	switch {
	case rank < opponentRank:
		return 1
	case rank == opponentRank:
		return 0.5
	default:
		return 0
	}
}
