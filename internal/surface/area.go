package surface

import (
	"errors"
	"math"
	"sync"

	"golang.org/x/term"
)

// ErrHidden is returned by an Area that currently has no visible size.
var ErrHidden = errors.New("surface: area has no size")

// Area reports how many character cells fit in the region a surface is
// drawn into.
type Area interface {
	Size() (cols, rows int, err error)
}

// TTYArea measures a terminal file descriptor.
type TTYArea struct {
	Fd int
}

// Size implements Area.
func (a TTYArea) Size() (int, int, error) {
	cols, rows, err := term.GetSize(a.Fd)
	if err != nil {
		return 0, 0, err
	}
	if cols <= 0 || rows <= 0 {
		return 0, 0, ErrHidden
	}
	return cols, rows, nil
}

// CellMetrics describes the glyph box used to convert pixels to cells.
type CellMetrics struct {
	FontSize   float64 // px
	LineHeight float64 // multiple of FontSize
	// CharWidth is the advance of one monospace glyph as a fraction of
	// FontSize.
	CharWidth float64
}

// DefaultCellMetrics is a 14px monospace font at 1.05 line height.
func DefaultCellMetrics() CellMetrics {
	return CellMetrics{FontSize: 14, LineHeight: 1.05, CharWidth: 0.6}
}

func (m CellMetrics) cell() (w, h float64) {
	d := DefaultCellMetrics()
	if m.FontSize <= 0 {
		m.FontSize = d.FontSize
	}
	if m.LineHeight <= 0 {
		m.LineHeight = d.LineHeight
	}
	if m.CharWidth <= 0 {
		m.CharWidth = d.CharWidth
	}
	return m.FontSize * m.CharWidth, m.FontSize * m.LineHeight
}

// PixelArea is a region measured in pixels, such as an embedded panel.
// A zero width or height means the region is hidden.
type PixelArea struct {
	metrics CellMetrics

	mu            sync.Mutex
	width, height float64
}

// NewPixelArea returns an area of the given pixel size.
func NewPixelArea(width, height float64, metrics CellMetrics) *PixelArea {
	return &PixelArea{metrics: metrics, width: width, height: height}
}

// SetSize changes the pixel size. The surface picks it up on its next fit.
func (a *PixelArea) SetSize(width, height float64) {
	a.mu.Lock()
	a.width, a.height = width, height
	a.mu.Unlock()
}

// Size implements Area.
func (a *PixelArea) Size() (int, int, error) {
	a.mu.Lock()
	width, height := a.width, a.height
	a.mu.Unlock()

	cw, ch := a.metrics.cell()
	cols := int(math.Floor(width / cw))
	rows := int(math.Floor(height / ch))
	if cols <= 0 || rows <= 0 {
		return 0, 0, ErrHidden
	}
	return cols, rows, nil
}
