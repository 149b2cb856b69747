// simulation is a small grid Pac-Man environment whose only job is to produce a
// stream of plausible snapshots for the host to publish. There is no reward design
// and no learning: Pac-Man follows a fixed epsilon-greedy policy.
package simulation

import (
	"fmt"
	"math/rand/v2"

	"pacview/models"
)

// Score values.
const (
	dotPoints   = 10
	powerPoints = 50
	ghostPoints = 200
)

// Steps an eaten ghost spends in the pen before rejoining.
const respawnSteps = 3

// Reasons an episode ends.
const (
	EndCleared  = "cleared"
	EndDied     = "died"
	EndMaxSteps = "max_steps"
)

// The four moves, in a fixed order so seeded runs are reproducible.
var moves = []struct {
	heading    models.Heading
	dRow, dCol int
}{
	{models.UP, -1, 0},
	{models.DOWN, 1, 0},
	{models.LEFT, 0, -1},
	{models.RIGHT, 0, 1},
}

type ghost struct {
	id      string
	cell    models.Cell
	start   models.Cell
	heading models.Heading
	// vulnerable is cleared once the ghost is eaten, even while power remains active.
	vulnerable bool
	respawn    int
}

// Environment is one Pac-Man game. It is not safe for concurrent use; the runner
// owns it.
type Environment struct {
	cfg     *GameConfig
	maze    models.Maze
	rng     *rand.Rand
	epsilon float64

	sequence int64
	episode  int
	steps    int
	ended    string

	pacman     models.Cell
	heading    models.Heading
	ghosts     []*ghost
	dots       map[models.Cell]struct{}
	pellets    map[models.Cell]struct{}
	score      int64
	lives      int
	powerTimer int
}

// NewEnvironment builds an environment and resets it to the first episode.
func NewEnvironment(cfg *GameConfig, opts ...func(*Environment)) (*Environment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	env := &Environment{
		cfg:     cfg,
		maze:    models.ParseMaze(cfg.Grid()),
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		epsilon: cfg.GetHyperParamOrDefault("epsilon", 0.1),
	}
	for _, opt := range opts {
		opt(env)
	}

	if env.maze.IsWall(env.maze.PlayerStart) {
		return nil, fmt.Errorf("%w: player start %v is a wall", ErrInvalidConfig, env.maze.PlayerStart)
	}

	env.Reset()
	return env, nil
}

// WithSeed makes the environment deterministic.
func WithSeed(seed uint64) func(*Environment) {
	return func(env *Environment) {
		env.rng = rand.New(rand.NewPCG(seed, seed))
	}
}

// Reset starts a new episode. Sequence numbers keep increasing across episodes.
func (env *Environment) Reset() {
	env.episode++
	env.steps = 0
	env.ended = ""
	env.score = 0
	env.lives = env.cfg.Lives
	env.powerTimer = 0
	env.pacman = env.maze.PlayerStart
	env.heading = models.NONE

	starts := env.maze.GhostStarts
	if len(starts) == 0 {
		starts = []models.Cell{env.farthestFloor(env.maze.PlayerStart)}
	}
	env.ghosts = env.ghosts[:0]
	for i := 0; i < env.cfg.NumGhosts; i++ {
		start := starts[i%len(starts)]
		env.ghosts = append(env.ghosts, &ghost{
			id:    fmt.Sprintf("ghost_%d", i),
			cell:  start,
			start: start,
		})
	}

	env.pellets = make(map[models.Cell]struct{}, len(env.maze.PowerPellets))
	for _, cell := range env.maze.PowerPellets {
		env.pellets[cell] = struct{}{}
	}
	env.dots = make(map[models.Cell]struct{}, len(env.maze.Floor))
	for _, cell := range env.maze.Floor {
		if cell == env.maze.PlayerStart || env.isGhostStart(cell) {
			continue
		}
		if env.rng.Float64() < env.cfg.PelletDensity {
			env.dots[cell] = struct{}{}
		}
	}
}

// Episode returns the current episode number, starting at 1.
func (env *Environment) Episode() int {
	return env.episode
}

// NextSequence returns the sequence number the next Step will carry.
func (env *Environment) NextSequence() int64 {
	return env.sequence + 1
}

// Done reports whether the episode has ended, and why.
func (env *Environment) Done() (bool, string) {
	return env.ended != "", env.ended
}

// Step advances the game by one step and returns the resulting snapshot. Stepping
// an ended episode only re-emits its final state under a new sequence number.
func (env *Environment) Step() models.Snapshot {
	env.sequence++
	if env.ended != "" {
		return env.Snapshot()
	}

	env.movePacman(env.choose())
	env.collide()
	for _, g := range env.ghosts {
		env.moveGhost(g)
	}
	env.collide()
	env.tickPower()

	env.steps++
	switch {
	case env.lives <= 0:
		env.ended = EndDied
	case len(env.dots)+len(env.pellets) == 0:
		env.ended = EndCleared
	case env.steps >= env.cfg.MaxSteps:
		env.ended = EndMaxSteps
	}

	return env.Snapshot()
}

// Snapshot returns the current state under the current sequence number.
func (env *Environment) Snapshot() models.Snapshot {
	pacmanMode := models.NORMAL
	if env.lives <= 0 {
		pacmanMode = models.DEAD
	}
	entities := make([]models.Entity, 0, len(env.ghosts)+1)
	entities = append(entities, models.Entity{
		ID:       "pacman",
		Kind:     models.PACMAN,
		Position: toPosition(env.pacman),
		Heading:  env.heading,
		Mode:     pacmanMode,
	})
	for _, g := range env.ghosts {
		mode := models.NORMAL
		switch {
		case g.respawn > 0:
			mode = models.RESPAWNING
		case g.vulnerable:
			mode = models.VULNERABLE
		}
		entities = append(entities, models.Entity{
			ID:       g.id,
			Kind:     models.GHOST,
			Position: toPosition(g.cell),
			Heading:  g.heading,
			Mode:     mode,
		})
	}

	return models.Snapshot{
		Sequence: env.sequence,
		Episode:  env.episode,
		GridSize: env.maze.Size,
		Walls:    env.maze.Walls,
		Entities: entities,
		Collectibles: models.Collectibles{
			Dots:         sortedCells(env.dots, env.maze.Size),
			PowerPellets: sortedCells(env.pellets, env.maze.Size),
		},
		Score:       env.score,
		Lives:       env.lives,
		PowerActive: env.powerTimer > 0,
		PowerTimer:  env.powerTimer,
	}
}

func (env *Environment) movePacman(heading models.Heading) {
	next, ok := env.neighbor(env.pacman, heading)
	if !ok {
		return
	}
	env.pacman = next
	env.heading = heading

	if _, ok := env.dots[next]; ok {
		delete(env.dots, next)
		env.score += dotPoints
	}
	if _, ok := env.pellets[next]; ok {
		delete(env.pellets, next)
		env.score += powerPoints
		env.powerTimer = env.cfg.PowerDuration
		for _, g := range env.ghosts {
			g.vulnerable = g.respawn == 0
		}
	}
}

func (env *Environment) moveGhost(g *ghost) {
	if g.respawn > 0 {
		g.respawn--
		return
	}

	var legal []int
	for i, mv := range moves {
		if _, ok := env.neighbor(g.cell, mv.heading); ok {
			legal = append(legal, i)
		}
	}
	if len(legal) == 0 {
		return
	}

	choice := legal[env.rng.IntN(len(legal))]
	switch env.cfg.GhostBehavior {
	case GhostChase:
		// Vulnerable ghosts flee instead.
		choice = env.closestMove(g.cell, legal, env.pacman, g.vulnerable)
	case GhostScatter:
		choice = env.closestMove(g.cell, legal, env.corner(g), false)
	}

	mv := moves[choice]
	g.cell = models.Cell{Row: g.cell.Row + mv.dRow, Col: g.cell.Col + mv.dCol}
	g.heading = mv.heading
}

// closestMove picks the legal move minimizing (or, if away, maximizing) manhattan distance to target.
func (env *Environment) closestMove(from models.Cell, legal []int, target models.Cell, away bool) int {
	best := legal[0]
	bestDist := -1
	for _, i := range legal {
		mv := moves[i]
		dist := manhattan(models.Cell{Row: from.Row + mv.dRow, Col: from.Col + mv.dCol}, target)
		if bestDist < 0 || (!away && dist < bestDist) || (away && dist > bestDist) {
			best, bestDist = i, dist
		}
	}
	return best
}

func (env *Environment) corner(g *ghost) models.Cell {
	last := env.maze.Size - 1
	corners := []models.Cell{{Row: 0, Col: 0}, {Row: 0, Col: last}, {Row: last, Col: 0}, {Row: last, Col: last}}
	for i, other := range env.ghosts {
		if other == g {
			return corners[i%len(corners)]
		}
	}
	return corners[0]
}

// collide resolves Pac-Man sharing a cell with ghosts.
func (env *Environment) collide() {
	if env.lives <= 0 {
		return
	}
	for _, g := range env.ghosts {
		if g.cell != env.pacman || g.respawn > 0 {
			continue
		}
		if g.vulnerable {
			env.score += ghostPoints
			g.vulnerable = false
			g.cell = g.start
			g.respawn = respawnSteps
			continue
		}
		env.lives--
		if env.lives <= 0 {
			return
		}
		env.pacman = env.maze.PlayerStart
		env.heading = models.NONE
		return
	}
}

func (env *Environment) tickPower() {
	if env.powerTimer == 0 {
		return
	}
	env.powerTimer--
	if env.powerTimer == 0 {
		for _, g := range env.ghosts {
			g.vulnerable = false
		}
	}
}

// neighbor returns the cell one move away, if it is not a wall.
func (env *Environment) neighbor(from models.Cell, heading models.Heading) (models.Cell, bool) {
	for _, mv := range moves {
		if mv.heading == heading {
			next := models.Cell{Row: from.Row + mv.dRow, Col: from.Col + mv.dCol}
			return next, !env.maze.IsWall(next)
		}
	}
	return from, false
}

func (env *Environment) isGhostStart(cell models.Cell) bool {
	for _, start := range env.maze.GhostStarts {
		if start == cell {
			return true
		}
	}
	return false
}

func (env *Environment) farthestFloor(from models.Cell) models.Cell {
	best := from
	for _, cell := range env.maze.Floor {
		if manhattan(cell, from) > manhattan(best, from) {
			best = cell
		}
	}
	return best
}

func toPosition(cell models.Cell) models.Position {
	return models.Position{X: float64(cell.Col), Y: float64(cell.Row)}
}

func manhattan(a, b models.Cell) int {
	return abs(a.Row-b.Row) + abs(a.Col-b.Col)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// sortedCells returns the set in row-major order.
func sortedCells(set map[models.Cell]struct{}, size int) []models.Cell {
	cells := make([]models.Cell, 0, len(set))
	for row := 0; row < size; row++ {
		for col := 0; col < size; col++ {
			if _, ok := set[models.Cell{Row: row, Col: col}]; ok {
				cells = append(cells, models.Cell{Row: row, Col: col})
			}
		}
	}
	return cells
}
