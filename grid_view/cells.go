// grid_view draws reconstructed frames to a terminal.
package grid_view

import (
	"math"

	"pacview/models"
)

// Glyphs for each cell content.
const (
	GlyphEmpty      = ' '
	GlyphWall       = '#'
	GlyphDot        = '.'
	GlyphPower      = 'o'
	GlyphPacman     = 'C'
	GlyphDeadPacman = 'x'
	GlyphGhost      = 'M'
	GlyphVulnerable = 'W'
	GlyphRespawning = 'm'
	GlyphPath       = '+'
)

// Cell is for converting a snapshot to a simpler row/col grid, oriented such that
// [0][0] is the cell printed at the top left of the console. Cell fields should be
// immediately usable as view parameters.
type Cell struct {
	X, Y  int
	Glyph rune
	// Color is an ANSI SGR parameter, empty for the terminal default.
	Color string
}

// Colors.
const (
	colorWall       = "34"
	colorPower      = "1;37"
	colorPacman     = "1;33"
	colorGhost      = "1;31"
	colorVulnerable = "1;36"
	colorPath       = "2;33"
)

// Convert lays the snapshot out as rows of cells. Entities at fractional positions,
// as produced by interpolation, are drawn at the nearest cell; positions off the grid
// are not drawn. Pac-Man is drawn over ghosts, and ghosts over pickups.
func Convert(s models.Snapshot, highlightPath bool) [][]Cell {
	size := s.GridSize
	if size <= 0 {
		return nil
	}

	cells := make([][]Cell, size)
	for row := range cells {
		cells[row] = make([]Cell, size)
		for col := range cells[row] {
			cells[row][col] = Cell{X: col, Y: row, Glyph: GlyphEmpty}
		}
	}
	set := func(c models.Cell, glyph rune, color string) {
		if c.Row < 0 || c.Col < 0 || c.Row >= size || c.Col >= size {
			return
		}
		cells[c.Row][c.Col].Glyph = glyph
		cells[c.Row][c.Col].Color = color
	}

	for _, wall := range s.Walls {
		set(wall, GlyphWall, colorWall)
	}
	for _, dot := range s.Collectibles.Dots {
		set(dot, GlyphDot, "")
	}
	for _, pellet := range s.Collectibles.PowerPellets {
		set(pellet, GlyphPower, colorPower)
	}

	var pacman *models.Entity
	for i := range s.Entities {
		e := &s.Entities[i]
		switch e.Kind {
		case models.PACMAN:
			pacman = e
		case models.GHOST:
			switch e.Mode {
			case models.VULNERABLE:
				set(nearest(e.Position), GlyphVulnerable, colorVulnerable)
			case models.RESPAWNING, models.DEAD:
				set(nearest(e.Position), GlyphRespawning, colorGhost)
			default:
				set(nearest(e.Position), GlyphGhost, colorGhost)
			}
		}
	}

	if pacman != nil {
		at := nearest(pacman.Position)
		if highlightPath {
			if next, ok := ahead(at, pacman.Heading); ok && inside(next, size) {
				if g := cells[next.Row][next.Col].Glyph; g == GlyphEmpty || g == GlyphDot {
					set(next, GlyphPath, colorPath)
				}
			}
		}
		glyph := GlyphPacman
		if pacman.Mode == models.DEAD {
			glyph = GlyphDeadPacman
		}
		set(at, glyph, colorPacman)
	}

	return cells
}

func nearest(p models.Position) models.Cell {
	return models.Cell{Row: int(math.Round(p.Y)), Col: int(math.Round(p.X))}
}

func inside(c models.Cell, size int) bool {
	return c.Row >= 0 && c.Col >= 0 && c.Row < size && c.Col < size
}

func ahead(c models.Cell, heading models.Heading) (models.Cell, bool) {
	switch heading {
	case models.UP:
		return models.Cell{Row: c.Row - 1, Col: c.Col}, true
	case models.DOWN:
		return models.Cell{Row: c.Row + 1, Col: c.Col}, true
	case models.LEFT:
		return models.Cell{Row: c.Row, Col: c.Col - 1}, true
	case models.RIGHT:
		return models.Cell{Row: c.Row, Col: c.Col + 1}, true
	}
	return c, false
}
