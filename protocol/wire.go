package protocol

import (
	"pacview/models"
)

// StateWire is the game_state payload. The sequence number travels as "step".
type StateWire struct {
	Step         int64        `json:"step"`
	Episode      int          `json:"episode"`
	GridSize     int          `json:"grid_size"`
	Walls        [][2]int     `json:"walls,omitempty"`
	Entities     []EntityWire `json:"entities"`
	Dots         [][2]int     `json:"dots"`
	PowerPellets [][2]int     `json:"power_pellets"`
	Score        int64        `json:"score"`
	Lives        int          `json:"lives"`
	PowerActive  bool         `json:"power_active"`
	PowerTimer   int          `json:"power_timer"`
}

// EntityWire is one entity's wire form.
type EntityWire struct {
	ID      string  `json:"id"`
	Kind    string  `json:"kind"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Heading string  `json:"heading,omitempty"`
	Mode    string  `json:"mode"`
}

// FromSnapshot converts a snapshot to its wire form. ReceivedAt is dropped.
func FromSnapshot(s models.Snapshot) StateWire {
	entities := make([]EntityWire, 0, len(s.Entities))
	for _, e := range s.Entities {
		entities = append(entities, EntityWire{
			ID:      e.ID,
			Kind:    string(e.Kind),
			X:       e.Position.X,
			Y:       e.Position.Y,
			Heading: string(e.Heading),
			Mode:    string(e.Mode),
		})
	}

	return StateWire{
		Step:         s.Sequence,
		Episode:      s.Episode,
		GridSize:     s.GridSize,
		Walls:        cellsToWire(s.Walls),
		Entities:     entities,
		Dots:         cellsToWire(s.Collectibles.Dots),
		PowerPellets: cellsToWire(s.Collectibles.PowerPellets),
		Score:        s.Score,
		Lives:        s.Lives,
		PowerActive:  s.PowerActive,
		PowerTimer:   s.PowerTimer,
	}
}

// ToSnapshot converts the wire form to a snapshot with a zero ReceivedAt;
// the consumer stamps it on arrival.
func (w StateWire) ToSnapshot() models.Snapshot {
	entities := make([]models.Entity, 0, len(w.Entities))
	for _, e := range w.Entities {
		entities = append(entities, models.Entity{
			ID:       e.ID,
			Kind:     models.EntityKind(e.Kind),
			Position: models.Position{X: e.X, Y: e.Y},
			Heading:  models.Heading(e.Heading),
			Mode:     models.Mode(e.Mode),
		})
	}

	return models.Snapshot{
		Sequence: w.Step,
		Episode:  w.Episode,
		GridSize: w.GridSize,
		Walls:    cellsFromWire(w.Walls),
		Entities: entities,
		Collectibles: models.Collectibles{
			Dots:         cellsFromWire(w.Dots),
			PowerPellets: cellsFromWire(w.PowerPellets),
		},
		Score:       w.Score,
		Lives:       w.Lives,
		PowerActive: w.PowerActive,
		PowerTimer:  w.PowerTimer,
	}
}

func cellsToWire(cells []models.Cell) [][2]int {
	out := make([][2]int, len(cells))
	for i, c := range cells {
		out[i] = [2]int{c.Row, c.Col}
	}
	return out
}

func cellsFromWire(cells [][2]int) []models.Cell {
	out := make([]models.Cell, len(cells))
	for i, c := range cells {
		out[i] = models.Cell{Row: c[0], Col: c[1]}
	}
	return out
}
