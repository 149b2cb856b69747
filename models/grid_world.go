package models

// Maze cell types
const (
	WALL   = 'W'
	FLOOR  = 'o'
	POWER  = '*'
	PLAYER = 'P'
	PEN    = 'G'
)

// The classical-ish maze and a smaller debug maze for development.
// Rows are printed top to bottom, so Row 0 is the top of the console.
var (
	DebugMaze []string = []string{
		"WWWWWWW",
		"W*oooPW",
		"WoWoWoW",
		"WooGooW",
		"WoWoWoW",
		"Woooo*W",
		"WWWWWWW",
	}

	FullMaze []string = []string{
		"WWWWWWWWWWWWWWW",
		"W*oooooWoooooPW",
		"WoWWWWoWoWWWWoW",
		"WoooooooooooooW",
		"WoWWoWWWWWoWWoW",
		"WooooWoGoWooooW",
		"WWWWoWoGoWoWWWW",
		"WooooWWWWWooooW",
		"WoWWoooooooWWoW",
		"WoooWoWWWoWoooW",
		"WWWoWoooooWoWWW",
		"WoooooWWWoooooW",
		"WoWWWooooooWWoW",
		"W*oooooWooooo*W",
		"WWWWWWWWWWWWWWW",
	}
)

// Maze is a parsed maze layout.
type Maze struct {
	Size         int
	Walls        []Cell
	Floor        []Cell
	PowerPellets []Cell
	PlayerStart  Cell
	GhostStarts  []Cell
}

// ParseMaze converts a maze input string array to a Maze. The maze is expected to be
// square; rows shorter than the first are padded with walls.
// Note there is no error checking on the input maze beyond that, nor error returned.
func ParseMaze(maze []string) (m Maze) {
	m.Size = len(maze)
	for row := 0; row < m.Size; row++ {
		for col := 0; col < m.Size; col++ {
			cellType := rune(WALL)
			if col < len(maze[row]) {
				cellType = rune(maze[row][col])
			}

			cell := Cell{Row: row, Col: col}
			switch cellType {
			case WALL:
				m.Walls = append(m.Walls, cell)
			case POWER:
				m.PowerPellets = append(m.PowerPellets, cell)
			case PLAYER:
				m.PlayerStart = cell
				m.Floor = append(m.Floor, cell)
			case PEN:
				m.GhostStarts = append(m.GhostStarts, cell)
				m.Floor = append(m.Floor, cell)
			default:
				m.Floor = append(m.Floor, cell)
			}
		}
	}
	return
}

// IsWall reports whether the passed cell is a wall or outside the maze.
func (m *Maze) IsWall(c Cell) bool {
	if c.Row < 0 || c.Col < 0 || c.Row >= m.Size || c.Col >= m.Size {
		return true
	}
	for _, w := range m.Walls {
		if w == c {
			return true
		}
	}
	return false
}

// Rev returns reversed indices of a slice, e.g. for ranging over.
func Rev(length int) []int {
	indices := make([]int, length)
	for i := 0; i < length; i++ {
		indices[i] = length - i - 1
	}
	return indices
}
