// Package grid holds the board geometry shared by every agent.
package grid

import "fmt"

// Position is a cell on the board.
type Position struct {
	X int
	Y int
}

func (p Position) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

// Offset is a single-step displacement.
type Offset struct {
	DX int
	DY int
}

// MooreOffsets are the eight neighbours of a cell.
var MooreOffsets = [8]Offset{
	{1, 0}, {-1, 0}, {0, 1}, {0, -1},
	{-1, -1}, {-1, 1}, {1, -1}, {1, 1},
}

// Board is a width x height grid with no wraparound.
type Board struct {
	Width  int
	Height int
}

// NewBoard returns a board, rejecting non-positive dimensions.
func NewBoard(width, height int) (Board, error) {
	if width <= 0 || height <= 0 {
		return Board{}, fmt.Errorf("board must be at least 1x1, got %dx%d", width, height)
	}
	return Board{Width: width, Height: height}, nil
}

// Contains reports whether p lies on the board.
func (b Board) Contains(p Position) bool {
	return p.X >= 0 && p.X < b.Width && p.Y >= 0 && p.Y < b.Height
}

// Clamp pulls p back onto the board along each axis independently.
func (b Board) Clamp(p Position) Position {
	return Position{X: clamp(p.X, 0, b.Width-1), Y: clamp(p.Y, 0, b.Height-1)}
}

// Step applies o to p and clamps the result.
func (b Board) Step(p Position, o Offset) Position {
	return b.Clamp(Position{X: p.X + o.DX, Y: p.Y + o.DY})
}

// Manhattan returns |dx| + |dy| between a and b.
func Manhattan(a, b Position) int {
	return abs(a.X-b.X) + abs(a.Y-b.Y)
}

// Toward returns the single axis step a greedy chaser at from takes toward to.
// The x axis is used only when |dx| > |dy|; otherwise the step is along y,
// and no step is taken once the positions coincide.
func Toward(from, to Position) Offset {
	dx := to.X - from.X
	dy := to.Y - from.Y
	switch {
	case abs(dx) > abs(dy):
		return Offset{DX: sign(dx)}
	case dy != 0:
		return Offset{DY: sign(dy)}
	}
	return Offset{}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int) int {
	if v > 0 {
		return 1
	}
	return -1
}
