package grid_view

import (
	"bytes"
	"strings"
	"testing"

	"pacview/models"
	"pacview/protocol"
	"pacview/reconstruct"
	"pacview/render"
	"pacview/stats"

	. "github.com/smartystreets/goconvey/convey"
)

func testSnapshot() models.Snapshot {
	return models.Snapshot{
		Sequence: 5,
		Episode:  1,
		GridSize: 4,
		Walls:    []models.Cell{{Row: 0, Col: 0}, {Row: 0, Col: 1}, {Row: 0, Col: 2}, {Row: 0, Col: 3}},
		Entities: []models.Entity{
			{ID: "pacman", Kind: models.PACMAN, Position: models.Position{X: 1.4, Y: 1}, Heading: models.RIGHT, Mode: models.NORMAL},
			{ID: "ghost_0", Kind: models.GHOST, Position: models.Position{X: 3, Y: 3}, Mode: models.NORMAL},
			{ID: "ghost_1", Kind: models.GHOST, Position: models.Position{X: 0, Y: 3}, Mode: models.VULNERABLE},
			{ID: "ghost_2", Kind: models.GHOST, Position: models.Position{X: 9, Y: 9}, Mode: models.NORMAL},
		},
		Collectibles: models.Collectibles{
			Dots:         []models.Cell{{Row: 1, Col: 2}, {Row: 2, Col: 2}, {Row: 3, Col: 3}},
			PowerPellets: []models.Cell{{Row: 2, Col: 0}},
		},
		Score: 10,
		Lives: 3,
	}
}

func TestConvert(t *testing.T) {
	Convey("Given a snapshot with entities between cells", t, func() {
		s := testSnapshot()

		Convey("Each cell gets one glyph and entities snap to the nearest cell", func() {
			cells := Convert(s, false)
			So(len(cells), ShouldEqual, 4)

			var rows []string
			for _, row := range cells {
				var line strings.Builder
				for _, c := range row {
					line.WriteRune(c.Glyph)
				}
				rows = append(rows, line.String())
			}
			So(rows, ShouldResemble, []string{
				"####",
				" C. ",
				"o . ",
				"W  M",
			})
			So(cells[2][1].X, ShouldEqual, 1)
			So(cells[2][1].Y, ShouldEqual, 2)
		})

		Convey("The path ahead of Pac-Man is highlighted over pickups", func() {
			cells := Convert(s, true)
			So(cells[1][2].Glyph, ShouldEqual, GlyphPath)
		})

		Convey("An empty grid converts to nothing", func() {
			So(Convert(models.Snapshot{}, false), ShouldBeNil)
		})
	})
}

func TestPainter(t *testing.T) {
	Convey("Given a plain painter", t, func() {
		var out bytes.Buffer
		display := protocol.DefaultDisplayConfig()
		display.ShowGrid = false
		display.ShowStats = false
		painter := NewPainter(&out, WithPlain(), WithDisplay(display))
		frame := reconstruct.Frame{Snapshot: testSnapshot(), Kind: reconstruct.Exact, Alpha: 1}
		status := render.Status{Stats: stats.Statistics{BufferOccupancy: 5}, Speed: 1, TargetFps: 60}

		Convey("A frame is the header then the grid", func() {
			painter.Render(frame, status)
			So(out.String(), ShouldEqual, strings.Join([]string{
				"episode 1  step 5  score 10  lives 3",
				"####",
				" C. ",
				"o . ",
				"W  M",
				"",
			}, "\n"))
		})

		Convey("Display flags add a border, zoom and stats", func() {
			display.ShowGrid = true
			display.ShowStats = true
			display.RenderScale = 100
			painter.SetDisplay(display)
			So(painter.Display(), ShouldResemble, display)

			painter.Render(frame, status)
			lines := strings.Split(out.String(), "\n")
			So(lines[1], ShouldEqual, "+--------+")
			So(lines[2], ShouldEqual, "|########|")
			So(lines[3], ShouldEqual, "|  CC..  |")
			So(lines[6], ShouldEqual, "+--------+")
			So(lines[7], ShouldStartWith, "frame exact")
			So(out.String(), ShouldContainSubstring, "buffer 5")
		})

		Convey("Status drives the banners", func() {
			status.Reconnecting = true
			status.Stalled = true
			painter.Render(frame, status)
			So(out.String(), ShouldStartWith, "*** RECONNECTING ***\n*** BUFFER LOW ***\n")

			out.Reset()
			status = render.Status{Paused: true}
			painter.Render(frame, status)
			So(out.String(), ShouldStartWith, "*** BUFFER LOW ***\n*** PAUSED ***\n")
		})

		Convey("Power shows in the header", func() {
			frame.Snapshot.PowerActive = true
			frame.Snapshot.PowerTimer = 7
			painter.Render(frame, status)
			So(out.String(), ShouldStartWith, "episode 1  step 5  score 10  lives 3  POWER 7\n")
		})
	})

	Convey("A colored painter wraps glyphs in escapes", t, func() {
		var out bytes.Buffer
		painter := NewPainter(&out)
		painter.Render(reconstruct.Frame{Snapshot: testSnapshot()}, render.Status{})
		So(out.String(), ShouldStartWith, clearScreen)
		So(out.String(), ShouldContainSubstring, "\x1b["+colorPacman+"mC"+reset)
	})
}
