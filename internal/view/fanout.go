package view

import (
	"sync"

	"github.com/coffersTech/labxstream/internal/model"
)

// Fanout maintains one LayerView per protocol layer over a single source.
type Fanout struct {
	views  map[model.Layer]*LayerView
	order  []model.Layer
	detach []func()
	once   sync.Once
}

// NewFanout attaches a view for each of layers to src. With no layers
// given every known layer gets a view.
func NewFanout(src Observable, window int, layers ...model.Layer) *Fanout {
	if len(layers) == 0 {
		layers = model.Layers
	}
	f := &Fanout{views: make(map[model.Layer]*LayerView, len(layers))}
	for _, l := range layers {
		if _, dup := f.views[l]; dup {
			continue
		}
		v := NewLayer(l, window)
		f.views[l] = v
		f.order = append(f.order, l)
		f.detach = append(f.detach, v.Attach(src))
	}
	return f
}

// View returns the view for layer, or nil.
func (f *Fanout) View(layer model.Layer) *LayerView {
	return f.views[layer]
}

// Layers returns the layers in the order they were attached.
func (f *Fanout) Layers() []model.Layer {
	return append([]model.Layer(nil), f.order...)
}

// Close detaches every view. Calling it again is a no-op.
func (f *Fanout) Close() {
	f.once.Do(func() {
		for _, d := range f.detach {
			d()
		}
	})
}
