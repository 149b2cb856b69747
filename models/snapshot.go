// models contains the game-state data model shared by the host and the viewer.
package models

import (
	"time"
)

// Position is a continuous grid position; integral values are cell centers.
// Continuous coordinates exist only so the viewer can interpolate between steps,
// the simulation itself always emits integral positions.
type Position struct {
	X, Y float64
}

// Lerp returns the linear interpolation between p and q at alpha.
func (p Position) Lerp(q Position, alpha float64) Position {
	return Position{
		X: p.X + (q.X-p.X)*alpha,
		Y: p.Y + (q.Y-p.Y)*alpha,
	}
}

// Cell is a discrete grid cell, e.g. the location of a pickup or a wall.
type Cell struct {
	Row, Col int
}

// EntityKind distinguishes the player character from the non-player characters.
type EntityKind string

const (
	PACMAN EntityKind = "pacman"
	GHOST  EntityKind = "ghost"
)

// Heading is the last direction of travel.
type Heading string

const (
	NONE  Heading = ""
	UP    Heading = "up"
	DOWN  Heading = "down"
	LEFT  Heading = "left"
	RIGHT Heading = "right"
)

// Mode is the discrete behavioral mode of an entity.
type Mode string

const (
	NORMAL     Mode = "normal"
	VULNERABLE Mode = "vulnerable"
	RESPAWNING Mode = "respawning"
	DEAD       Mode = "dead"
)

// Entity is one agent on the grid. Entities are matched across snapshots by ID.
type Entity struct {
	ID       string
	Kind     EntityKind
	Position Position
	Heading  Heading
	Mode     Mode
}

// Collectibles are the remaining pickups: ordinary dots and power pellets.
type Collectibles struct {
	Dots         []Cell
	PowerPellets []Cell
}

// Count returns the total number of remaining pickups.
func (c Collectibles) Count() int {
	return len(c.Dots) + len(c.PowerPellets)
}

// Snapshot is the full observable game state at one simulation step.
// Snapshots are values: once built, neither producer nor consumer mutates their
// slices. Derived snapshots (interpolated, predicted) get fresh entity slices and
// share everything else with the snapshot they were derived from.
type Snapshot struct {
	// Sequence is the simulation step; strictly increasing within a stream.
	Sequence     int64
	Episode      int
	GridSize     int
	Walls        []Cell
	Entities     []Entity
	Collectibles Collectibles
	Score        int64
	Lives        int
	PowerActive  bool
	PowerTimer   int
	// ReceivedAt is assigned by the consumer on arrival and is not part of the wire form.
	ReceivedAt time.Time
}

// Entity returns the entity with the passed id.
func (s *Snapshot) Entity(id string) (Entity, bool) {
	for _, e := range s.Entities {
		if e.ID == id {
			return e, true
		}
	}
	return Entity{}, false
}

// Player returns the player entity, if present.
func (s *Snapshot) Player() (Entity, bool) {
	for _, e := range s.Entities {
		if e.Kind == PACMAN {
			return e, true
		}
	}
	return Entity{}, false
}

// WithEntities returns a shallow copy of the snapshot carrying the passed entities.
func (s Snapshot) WithEntities(entities []Entity) Snapshot {
	s.Entities = entities
	return s
}

// CloneEntities returns a copy of the entity slice that is safe to modify.
func (s *Snapshot) CloneEntities() []Entity {
	entities := make([]Entity, len(s.Entities))
	copy(entities, s.Entities)
	return entities
}
