package probe

import (
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/xdrag/internal/window"
	"github.com/bryanchriswhite/xdrag/internal/wire"
)

// Resolver is one step of the probe chain. Errors go to the trap; a
// resolver that does not apply returns false.
type Resolver interface {
	Name() string
	Resolve(p *Prober, t *window.Trap, win xproto.Window) (Target, bool)
}

// DirectXDND accepts windows carrying XdndAware.
type DirectXDND struct{}

func (DirectXDND) Name() string { return "xdnd" }

func (DirectXDND) Resolve(p *Prober, t *window.Trap, win xproto.Window) (Target, bool) {
	v, ok := p.xdndVersion(t, win)
	if !ok {
		return Target{}, false
	}
	return Target{Window: win, Dest: win, Protocol: ProtocolXDND, Version: v}, true
}

// ProxyXDND follows XdndProxy to a window that carries XdndAware. Messages
// go to the proxy while naming the original window.
type ProxyXDND struct{}

func (ProxyXDND) Name() string { return "xdnd-proxy" }

func (ProxyXDND) Resolve(p *Prober, t *window.Trap, win xproto.Window) (Target, bool) {
	proxy, ok := p.xdndProxy(t, win)
	if !ok {
		return Target{}, false
	}
	inner := window.Catch("xdnd-proxy-aware")
	defer inner.Release()
	v, ok := p.xdndVersion(inner, proxy)
	if !ok {
		return Target{}, false
	}
	return Target{Window: win, Dest: proxy, Protocol: ProtocolXDND, Version: v}, true
}

// MotifReceiver accepts windows with a drop style other than none.
type MotifReceiver struct{}

func (MotifReceiver) Name() string { return "motif" }

func (MotifReceiver) Resolve(p *Prober, t *window.Trap, win xproto.Window) (Target, bool) {
	style := p.motifStyle(t, win)
	if style == wire.DropStyleNone {
		return Target{}, false
	}
	return Target{Window: win, Dest: win, Protocol: ProtocolMotif, Style: style}, true
}

// OnRoot runs Inner against the root window instead of the probed one.
type OnRoot struct {
	Inner Resolver
}

func (r OnRoot) Name() string { return "root-" + r.Inner.Name() }

func (r OnRoot) Resolve(p *Prober, t *window.Trap, win xproto.Window) (Target, bool) {
	root := p.Backend().Root()
	if win == root {
		return Target{}, false
	}
	inner := window.Catch(r.Name())
	defer inner.Release()
	return r.Inner.Resolve(p, inner, root)
}

// OnOverlay runs Inner against the compositing manager's overlay window.
type OnOverlay struct {
	Inner Resolver
}

func (r OnOverlay) Name() string { return "overlay-" + r.Inner.Name() }

func (r OnOverlay) Resolve(p *Prober, t *window.Trap, win xproto.Window) (Target, bool) {
	overlay, err := p.Backend().CompositorOverlay()
	if err != nil || overlay == xproto.WindowNone || overlay == win {
		return Target{}, false
	}
	inner := window.Catch(r.Name())
	defer inner.Release()
	return r.Inner.Resolve(p, inner, overlay)
}
