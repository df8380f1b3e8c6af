// Package contest holds the contest lifecycle service and the winner selector.
package contest

import (
	"math/rand"

	"contestbot/internal/domain"
)

// SelectWinners picks winners from the contest's participants.
//
// When a curated list is supplied, its user IDs are mapped to participation
// rows in list order and prize places follow the list positions from 1.
// Curated users without a participation row are skipped, the following places
// shift up.
//
// Without a curated list, winners are drawn uniformly without replacement.
// At most min(prizePlaces, len(participants)) winners are returned; zero
// participants yields nil.
func SelectWinners(participants []domain.Participation, prizePlaces int, curated []int64, rng *rand.Rand) []domain.Assignment {
	if len(participants) == 0 || prizePlaces <= 0 {
		return nil
	}
	if len(curated) > 0 {
		return curatedWinners(participants, prizePlaces, curated)
	}
	return randomWinners(participants, prizePlaces, rng)
}

func curatedWinners(participants []domain.Participation, prizePlaces int, curated []int64) []domain.Assignment {
	byUser := make(map[int64]domain.Participation, len(participants))
	for _, p := range participants {
		byUser[p.UserID] = p
	}
	out := make([]domain.Assignment, 0, min(prizePlaces, len(curated)))
	place := 1
	for _, userID := range curated {
		if place > prizePlaces {
			break
		}
		p, ok := byUser[userID]
		if !ok {
			continue
		}
		out = append(out, domain.Assignment{Participation: p, PrizePlace: place})
		place++
	}
	return out
}

func randomWinners(participants []domain.Participation, prizePlaces int, rng *rand.Rand) []domain.Assignment {
	n := min(prizePlaces, len(participants))
	taken := make(map[int]struct{}, n)
	out := make([]domain.Assignment, 0, n)
	for place := 1; place <= n; place++ {
		// Re-roll on collision so every remaining participant stays equally
		// likely regardless of where the taken indexes sit.
		i := rng.Intn(len(participants))
		for {
			if _, dup := taken[i]; !dup {
				break
			}
			i = rng.Intn(len(participants))
		}
		taken[i] = struct{}{}
		out = append(out, domain.Assignment{Participation: participants[i], PrizePlace: place})
	}
	return out
}
