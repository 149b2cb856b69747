package simulation

import (
	"pacview/models"

	"github.com/eapache/queue"
)

// choose is Pac-Man's epsilon-greedy policy: with probability epsilon a random legal
// move, otherwise the first move of a shortest path to the nearest collectible.
func (env *Environment) choose() models.Heading {
	if env.rng.Float64() >= env.epsilon {
		if heading, ok := env.towardNearest(env.pacman); ok {
			return heading
		}
	}

	var legal []models.Heading
	for _, mv := range moves {
		if _, ok := env.neighbor(env.pacman, mv.heading); ok {
			legal = append(legal, mv.heading)
		}
	}
	if len(legal) == 0 {
		return models.NONE
	}
	return legal[env.rng.IntN(len(legal))]
}

// towardNearest runs a breadth-first search from start and returns the first move on
// a shortest path to any remaining dot or power pellet.
func (env *Environment) towardNearest(start models.Cell) (models.Heading, bool) {
	type visit struct {
		cell  models.Cell
		first models.Heading
	}

	seen := map[models.Cell]bool{start: true}
	frontier := queue.New()
	for _, mv := range moves {
		if next, ok := env.neighbor(start, mv.heading); ok && !seen[next] {
			seen[next] = true
			frontier.Add(visit{cell: next, first: mv.heading})
		}
	}

	for frontier.Length() > 0 {
		cur := frontier.Remove().(visit)
		if env.collectible(cur.cell) {
			return cur.first, true
		}
		for _, mv := range moves {
			if next, ok := env.neighbor(cur.cell, mv.heading); ok && !seen[next] {
				seen[next] = true
				frontier.Add(visit{cell: next, first: cur.first})
			}
		}
	}
	return models.NONE, false
}

func (env *Environment) collectible(cell models.Cell) bool {
	if _, ok := env.dots[cell]; ok {
		return true
	}
	_, ok := env.pellets[cell]
	return ok
}
