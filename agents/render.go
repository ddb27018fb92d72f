package agents

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aixgo-dev/freezetag/internal/grid"
)

// Piece is one agent as last reported to the coordinator.
type Piece struct {
	Name   string
	Pos    grid.Position
	Active bool
}

// Snapshot is a read-only copy of the coordinator's position roster.
type Snapshot struct {
	Session string
	Board   grid.Board
	Pieces  []Piece // first-report order
}

// Presenter receives roster snapshots while the game runs.
type Presenter interface {
	Present(s Snapshot) error
	Close() error
}

// Board symbols.
const (
	cellEmpty   = '.'
	cellEvader  = 'E'
	cellFrozen  = 'x'
	cellPursuer = 'P'
)

// Render draws s as text, one line per row with y = 0 at the bottom.
// The pursuer is drawn over evaders sharing its cell and active evaders over
// frozen ones.
func Render(s Snapshot) string {
	if s.Board.Width <= 0 || s.Board.Height <= 0 {
		return ""
	}

	cells := make([][]byte, s.Board.Height)
	for y := range cells {
		cells[y] = []byte(strings.Repeat(string(cellEmpty), s.Board.Width))
	}

	rank := func(c byte) int {
		switch c {
		case cellPursuer:
			return 3
		case cellEvader:
			return 2
		case cellFrozen:
			return 1
		}
		return 0
	}
	for _, p := range s.Pieces {
		if !s.Board.Contains(p.Pos) {
			continue
		}
		var c byte
		switch {
		case !IsEvader(p.Name):
			c = cellPursuer
		case p.Active:
			c = cellEvader
		default:
			c = cellFrozen
		}
		if rank(c) > rank(cells[p.Pos.Y][p.Pos.X]) {
			cells[p.Pos.Y][p.Pos.X] = c
		}
	}

	var sb strings.Builder
	for y := s.Board.Height - 1; y >= 0; y-- {
		sb.Write(cells[y])
		sb.WriteByte('\n')
	}
	return sb.String()
}

// TextPresenter writes each snapshot as an ASCII board.
type TextPresenter struct {
	mu     sync.Mutex
	w      io.Writer
	frames int
	closed bool
}

// NewTextPresenter returns a presenter writing to w.
func NewTextPresenter(w io.Writer) *TextPresenter {
	return &TextPresenter{w: w}
}

func (p *TextPresenter) Present(s Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}

	p.frames++
	active := 0
	for _, pc := range s.Pieces {
		if IsEvader(pc.Name) && pc.Active {
			active++
		}
	}
	if _, err := fmt.Fprintf(p.w, "frame %d  active evaders: %d\n%s\n", p.frames, active, Render(s)); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	return nil
}

// Close stops further output. It is safe to call more than once.
func (p *TextPresenter) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
