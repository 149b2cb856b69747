package reconstruct

import (
	"time"

	"pacview/models"
)

// clamp01 bounds alpha to [0,1], guarding against clock skew between the pair.
func clamp01(alpha float64) float64 {
	if alpha < 0 {
		return 0
	}
	if alpha > 1 {
		return 1
	}
	return alpha
}

// alphaBetween is the fraction of the way target lies from prev to next.
// Coincident timestamps resolve to next.
func alphaBetween(prev, next, target time.Time) float64 {
	span := next.Sub(prev)
	if span <= 0 {
		return 1
	}
	return clamp01(float64(target.Sub(prev)) / float64(span))
}

// interpolate blends two snapshots. Positions are linear in alpha; every discrete
// attribute (heading, mode, score, lives, collectibles, sequence) snaps to prev below
// one half and to next at or above it. There is no blended discrete state.
func interpolate(prev, next models.Snapshot, alpha float64) models.Snapshot {
	base := prev
	if alpha >= 0.5 {
		base = next
	}

	entities := base.CloneEntities()
	for i := range entities {
		from, okFrom := prev.Entity(entities[i].ID)
		to, okTo := next.Entity(entities[i].ID)
		if okFrom && okTo {
			entities[i].Position = from.Position.Lerp(to.Position, alpha)
		}
	}

	return base.WithEntities(entities)
}

// extrapolate predicts entity positions dt past newest using the velocity between
// prev and newest. Only continuous motion is predicted; score, lives, collectibles,
// heading and mode hold at newest's values until a real snapshot supersedes them.
func extrapolate(prev, newest models.Snapshot, dt time.Duration) models.Snapshot {
	span := newest.ReceivedAt.Sub(prev.ReceivedAt).Seconds()
	entities := newest.CloneEntities()
	if span <= 0 || dt <= 0 {
		return newest.WithEntities(entities)
	}

	ahead := dt.Seconds()
	for i := range entities {
		from, ok := prev.Entity(entities[i].ID)
		if !ok {
			continue
		}
		vx := (entities[i].Position.X - from.Position.X) / span
		vy := (entities[i].Position.Y - from.Position.Y) / span
		entities[i].Position.X += vx * ahead
		entities[i].Position.Y += vy * ahead
	}

	return newest.WithEntities(entities)
}
