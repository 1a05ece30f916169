package tray

import (
	"math"

	"github.com/zsprackett/claude-usage-widget/internal/presenter"
)

// Pixmap is one entry of the StatusNotifierItem IconPixmap property,
// signature (iiay). Data holds ARGB32 pixels in network byte order.
type Pixmap struct {
	Width  int32
	Height int32
	Data   []byte
}

// iconSizes are offered so hosts can pick the closest match without scaling.
var iconSizes = []int{22, 44}

// Circle renders a filled, anti-aliased circle of the given RGB colour on a
// transparent size×size canvas.
func Circle(size int, rgb uint32) Pixmap {
	r := byte(rgb >> 16)
	g := byte(rgb >> 8)
	b := byte(rgb)

	data := make([]byte, size*size*4)
	center := float64(size) / 2
	radius := center - 1
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx := float64(x) + 0.5 - center
			dy := float64(y) + 0.5 - center
			cover := radius - math.Hypot(dx, dy) + 0.5
			if cover <= 0 {
				continue
			}
			if cover > 1 {
				cover = 1
			}
			i := (y*size + x) * 4
			data[i] = byte(math.Round(cover * 255))
			data[i+1] = r
			data[i+2] = g
			data[i+3] = b
		}
	}
	return Pixmap{Width: int32(size), Height: int32(size), Data: data}
}

// IconFor returns the pixmaps for tier in every offered size.
func IconFor(tier presenter.Tier) []Pixmap {
	out := make([]Pixmap, 0, len(iconSizes))
	for _, s := range iconSizes {
		out = append(out, Circle(s, tier.Hex()))
	}
	return out
}
