package diffract

import (
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// GroupColor pairs the marker colors used for one pick group's overlay.
type GroupColor struct {
	Observed color.RGBA
	Model    color.RGBA
}

// DefaultGroupColors returns distinct colors for up to four pick groups.
func DefaultGroupColors() []GroupColor {
	return []GroupColor{
		{Observed: color.RGBA{0, 0, 200, 255}, Model: color.RGBA{80, 80, 255, 255}},
		{Observed: color.RGBA{180, 0, 0, 255}, Model: color.RGBA{255, 90, 90, 255}},
		{Observed: color.RGBA{0, 120, 0, 255}, Model: color.RGBA{60, 200, 60, 255}},
		{Observed: color.RGBA{160, 110, 0, 255}, Model: color.RGBA{230, 180, 40, 255}},
	}
}

// OverlayRenderer draws detector panels with observed picks (dots) and
// forward-model positions (crosses) as vector graphics. Panels are laid out
// by the lab-frame X-Y components of their translations, so panel placement
// on the page follows the physical arrangement.
type OverlayRenderer struct {
	Instr      *Instrument
	Groups     []*PickGroup
	Models     []map[string][][2]float64 // per group, keyed by detector; may be nil
	Colors     []GroupColor
	Scale      float64           // page units per mm
	Padding    float64           // mm
	MarkerSize float64           // mm
	Resolution canvas.Resolution // PNG output resolution
}

// NewOverlayRenderer creates a renderer with default settings.
func NewOverlayRenderer(instr *Instrument, groups []*PickGroup, models []map[string][][2]float64) *OverlayRenderer {
	return &OverlayRenderer{
		Instr:      instr,
		Groups:     groups,
		Models:     models,
		Colors:     DefaultGroupColors(),
		Scale:      1.0,
		Padding:    20.0,
		MarkerSize: 3.0,
		Resolution: canvas.DPI(150),
	}
}

type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderToSVG writes the overlay as an SVG to the provided writer.
func (r *OverlayRenderer) RenderToSVG(w io.Writer) error {
	bound := r.worldBound()
	width := (bound.Max[0] - bound.Min[0] + 2*r.Padding) * r.Scale
	height := (bound.Max[1] - bound.Min[1] + 2*r.Padding) * r.Scale

	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, bound, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the overlay as a PNG to the provided writer.
func (r *OverlayRenderer) RenderToPNG(w io.Writer) error {
	bound := r.worldBound()
	width := (bound.Max[0] - bound.Min[0] + 2*r.Padding) * r.Scale
	height := (bound.Max[1] - bound.Min[1] + 2*r.Padding) * r.Scale

	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, bound, width, height)
	return png.Encode(w, rast)
}

// worldBound accumulates the lab-frame footprint of every panel.
func (r *OverlayRenderer) worldBound() orb.Bound {
	bound := orb.Bound{
		Min: orb.Point{math.MaxFloat64, math.MaxFloat64},
		Max: orb.Point{-math.MaxFloat64, -math.MaxFloat64},
	}
	for _, id := range r.Instr.DetectorIDs() {
		p := r.Instr.Detectors[id]
		for _, corner := range panelCorners(p) {
			bound = bound.Extend(corner)
		}
	}
	if bound.Min[0] > bound.Max[0] {
		return orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}
	}
	return bound
}

// panelCorners projects the four panel corners into the lab X-Y plane.
func panelCorners(p *Panel) []orb.Point {
	hx, hy := p.SizeX()/2, p.SizeY()/2
	locals := [][2]float64{{-hx, -hy}, {hx, -hy}, {hx, hy}, {-hx, hy}}
	out := make([]orb.Point, len(locals))
	for i, xy := range locals {
		lab := p.CartToLab(xy)
		out[i] = orb.Point{lab[0], lab[1]}
	}
	return out
}

func (r *OverlayRenderer) renderToCanvas(renderer canvasRenderer, bound orb.Bound, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	toCanvas := func(pt orb.Point) (float64, float64) {
		return (pt[0] - bound.Min[0] + r.Padding) * r.Scale,
			(pt[1] - bound.Min[1] + r.Padding) * r.Scale
	}

	// Panel outlines.
	outlineStyle := canvas.DefaultStyle
	outlineStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	outlineStyle.Stroke = canvas.Paint{Color: canvas.Black}
	outlineStyle.StrokeWidth = 0.8

	for _, id := range r.Instr.DetectorIDs() {
		panel := r.Instr.Detectors[id]
		cp := &canvas.Path{}
		for i, corner := range panelCorners(panel) {
			cx, cy := toCanvas(corner)
			if i == 0 {
				cp.MoveTo(cx, cy)
			} else {
				cp.LineTo(cx, cy)
			}
		}
		cp.Close()
		renderer.RenderPath(cp, outlineStyle, canvas.Identity)
	}

	// Observed picks as dots, model positions as crosses.
	for gi, g := range r.Groups {
		gc := r.Colors[gi%len(r.Colors)]

		dotStyle := canvas.DefaultStyle
		dotStyle.Fill = canvas.Paint{Color: gc.Observed}
		dotStyle.Stroke = canvas.Paint{Color: canvas.Transparent}

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
					cx, cy := toCanvas(orb.Point{lab[0], lab[1]})
					dot := canvas.Circle(r.MarkerSize / 2 * r.Scale)
					renderer.RenderPath(dot.Translate(cx, cy), dotStyle, canvas.Identity)
				}
			}
		}

		if r.Models == nil || gi >= len(r.Models) {
			continue
		}
		crossStyle := canvas.DefaultStyle
		crossStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		crossStyle.Stroke = canvas.Paint{Color: gc.Model}
		crossStyle.StrokeWidth = 0.5

		for det, rows := range r.Models[gi] {
			panel, ok := r.Instr.Detectors[det]
			if !ok {
				continue
			}
			for _, xy := range rows {
				if math.IsNaN(xy[0]) {
					continue
				}
				lab := panel.CartToLab(xy)
				cx, cy := toCanvas(orb.Point{lab[0], lab[1]})
				s := r.MarkerSize * r.Scale
				cross := &canvas.Path{}
				cross.MoveTo(cx-s, cy)
				cross.LineTo(cx+s, cy)
				cross.MoveTo(cx, cy-s)
				cross.LineTo(cx, cy+s)
				renderer.RenderPath(cross, crossStyle, canvas.Identity)
			}
		}
	}
}
