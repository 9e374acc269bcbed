package diffract

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// QuickLookRenderer draws a fast raster view of the instrument: panel
// rectangles with detector ID labels and observed pick markers. It is the
// low-dependency counterpart of OverlayRenderer for status endpoints where the
// vector pipeline is overkill.
type QuickLookRenderer struct {
	Instr   *Instrument
	Groups  []*PickGroup
	Scale   float64 // pixels per mm
	Padding int     // pixels
}

// NewQuickLookRenderer creates a renderer with default settings.
func NewQuickLookRenderer(instr *Instrument, groups []*PickGroup) *QuickLookRenderer {
	return &QuickLookRenderer{
		Instr:   instr,
		Groups:  groups,
		Scale:   1.0,
		Padding: 20,
	}
}

// Render produces the quick-look image.
func (r *QuickLookRenderer) Render() *image.RGBA {
	minX, minY, maxX, maxY := r.bounds()
	w := int((maxX-minX)*r.Scale) + 2*r.Padding
	h := int((maxY-minY)*r.Scale) + 2*r.Padding
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 255
	}

	toImage := func(labX, labY float64) (int, int) {
		// Image Y grows downward; lab Y grows upward.
		return int((labX-minX)*r.Scale) + r.Padding,
			h - (int((labY-minY)*r.Scale) + r.Padding)
	}

	outline := color.RGBA{60, 60, 60, 255}
	for _, id := range r.Instr.DetectorIDs() {
		panel := r.Instr.Detectors[id]
		corners := panelCorners(panel)
		for i := range corners {
			x0, y0 := toImage(corners[i][0], corners[i][1])
			x1, y1 := toImage(corners[(i+1)%len(corners)][0], corners[(i+1)%len(corners)][1])
			drawLine(img, x0, y0, x1, y1, outline)
		}
		lx, ly := toImage(panel.Translation[0], panel.Translation[1])
		drawLabel(img, lx-3*len(id), ly, id, outline)
	}

	colors := DefaultGroupColors()
	for gi, g := range r.Groups {
		c := colors[gi%len(colors)].Observed
		for det, rings := range g.PickXYs {
			panel, ok := r.Instr.Detectors[det]
			if !ok {
				continue
			}
			for _, ring := range rings {
				for _, xy := range ring {
					if math.IsNaN(xy[0]) {
						continue
					}
					lab := panel.CartToLab(xy)
					px, py := toImage(lab[0], lab[1])
					drawDot(img, px, py, 2, c)
				}
			}
		}
	}

	return img
}

// SaveTo writes the quick-look image to a PNG file.
func (r *QuickLookRenderer) SaveTo(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, r.Render())
}

func (r *QuickLookRenderer) bounds() (minX, minY, maxX, maxY float64) {
	minX, minY = math.MaxFloat64, math.MaxFloat64
	maxX, maxY = -math.MaxFloat64, -math.MaxFloat64
	for _, id := range r.Instr.DetectorIDs() {
		for _, c := range panelCorners(r.Instr.Detectors[id]) {
			minX = math.Min(minX, c[0])
			minY = math.Min(minY, c[1])
			maxX = math.Max(maxX, c[0])
			maxY = math.Max(maxY, c[1])
		}
	}
	if minX > maxX {
		return 0, 0, 1, 1
	}
	return minX, minY, maxX, maxY
}

func drawDot(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				set(img, cx+dx, cy+dy, c)
			}
		}
	}
}

// drawLine draws a line with the Bresenham algorithm.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		set(img, x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func drawLabel(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

func set(img *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(img.Rect) {
		img.SetRGBA(x, y, c)
	}
}

func abs(a int) int {
	if a < 0 {
		return -a
	}
	return a
}
