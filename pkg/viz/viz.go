package viz

import (
	"bytes"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/vg"
)

type PlotOptions func(p *plot.Plot)

func plotWithDefaults() *plot.Plot {
	p := plot.New()
	p.BackgroundColor = color.Black
	p.Title.TextStyle.Color = color.White
	p.Y.Label.TextStyle.Color = color.White
	p.Y.Color = color.White
	p.X.Label.TextStyle.Color = color.White
	p.X.Color = color.White
	p.Legend.TextStyle.Color = color.White
	p.X.Tick.Color = color.White
	p.Y.Tick.Color = color.White
	p.X.Tick.Label.Color = color.White
	p.Y.Tick.Label.Color = color.White
	return p
}

func renderPNG(p *plot.Plot) ([]byte, error) {
	w, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
