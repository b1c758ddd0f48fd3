// Package probe finds out which drag and drop protocol a window speaks.
package probe

import (
	"fmt"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/xdrag/internal/logger"
	"github.com/bryanchriswhite/xdrag/internal/window"
	"github.com/bryanchriswhite/xdrag/internal/wire"
)

type Protocol int

const (
	ProtocolNone Protocol = iota
	ProtocolXDND
	ProtocolMotif
)

func (p Protocol) String() string {
	switch p {
	case ProtocolXDND:
		return "xdnd"
	case ProtocolMotif:
		return "motif"
	}
	return "none"
}

func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Target is the outcome of probing one window.
type Target struct {
	// Window is the window the drag is over as far as the protocol is
	// concerned; it goes in the window field of every message.
	Window xproto.Window `json:"window"`
	// Dest receives the messages. It differs from Window when a proxy is
	// in use.
	Dest     xproto.Window  `json:"dest"`
	Protocol Protocol       `json:"protocol"`
	Version  int            `json:"version,omitempty"`
	Style    wire.DropStyle `json:"motif_style,omitempty"`
	Resolver string         `json:"resolver,omitempty"`
	// Vanished is set when the probed window was destroyed while probing.
	Vanished bool `json:"vanished,omitempty"`
}

func (t Target) Supported() bool {
	return t.Protocol != ProtocolNone
}

// Dynamic reports whether the target wants enter, motion and leave
// messages rather than only the drop.
func (t Target) Dynamic() bool {
	return t.Protocol == ProtocolXDND ||
		(t.Protocol == ProtocolMotif && t.Style == wire.DropStyleDynamic)
}

func (t Target) Same(o Target) bool {
	return t.Window == o.Window && t.Dest == o.Dest && t.Protocol == o.Protocol
}

// StyleSource supplies already known Motif drop styles, such as the ones
// cached by the toplevel directory.
type StyleSource interface {
	MotifStyle(win xproto.Window) (wire.DropStyle, bool)
}

// Options select the resolver chain.
type Options struct {
	// XdndVersion is the highest version this side speaks
	XdndVersion int
	Motif       bool
	Compositor  bool
	Styles      StyleSource
}

type atoms struct {
	XdndAware        xproto.Atom
	XdndProxy        xproto.Atom
	MotifReceiverInf xproto.Atom `loadAtoms:"_MOTIF_DRAG_RECEIVER_INFO"`
}

// Prober runs an ordered list of resolvers against a window; the first one
// that accepts wins.
type Prober struct {
	b         window.Backend
	atoms     atoms
	opts      Options
	resolvers []Resolver
}

func New(b window.Backend, opts Options) (*Prober, error) {
	p := &Prober{b: b, opts: opts}
	if err := window.LoadAtoms(b, &p.atoms); err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	p.resolvers = DefaultChain(opts)
	return p, nil
}

// DefaultChain is the resolution order: the window itself (XDND, then an
// XDND proxy, then Motif), then the same on the root window, then XDND on
// the compositor overlay.
func DefaultChain(opts Options) []Resolver {
	chain := LocalChain(opts)
	chain = append(chain, OnRoot{DirectXDND{}}, OnRoot{ProxyXDND{}})
	if opts.Motif {
		chain = append(chain, OnRoot{MotifReceiver{}})
	}
	if opts.Compositor {
		chain = append(chain, OnOverlay{DirectXDND{}}, OnOverlay{ProxyXDND{}})
	}
	return chain
}

// LocalChain is the part of the default chain that looks only at the
// probed window itself.
func LocalChain(opts Options) []Resolver {
	chain := []Resolver{DirectXDND{}, ProxyXDND{}}
	if opts.Motif {
		chain = append(chain, MotifReceiver{})
	}
	return chain
}

// SetResolvers replaces the chain.
func (p *Prober) SetResolvers(rs ...Resolver) {
	p.resolvers = rs
}

func (p *Prober) Resolvers() []Resolver {
	return p.resolvers
}

func (p *Prober) Options() Options {
	return p.opts
}

// Backend returns the backend resolvers should query.
func (p *Prober) Backend() window.Backend {
	return p.b
}

// Probe resolves win. An unsupported or vanished window gives a target
// with ProtocolNone.
func (p *Prober) Probe(win xproto.Window) Target {
	return p.ProbeChain(win, p.resolvers)
}

// ProbeChain is Probe with an explicit chain.
func (p *Prober) ProbeChain(win xproto.Window, chain []Resolver) Target {
	log := logger.WithComponent("probe")

	for _, r := range chain {
		t := window.Catch(r.Name())
		target, ok := r.Resolve(p, t, win)
		t.Release()
		if ok {
			target.Resolver = r.Name()
			log.Debug().
				Uint32("window", uint32(win)).
				Uint32("target", uint32(target.Window)).
				Uint32("dest", uint32(target.Dest)).
				Stringer("protocol", target.Protocol).
				Int("version", target.Version).
				Str("resolver", target.Resolver).
				Msg("Probed window")
			return target
		}
		if t.Gone() {
			log.Debug().Uint32("window", uint32(win)).Str("resolver", r.Name()).Msg("Window vanished while probing")
			return Target{Window: win, Dest: win, Vanished: true}
		}
	}
	return Target{Window: win, Dest: win}
}

// negotiate clamps the advertised version to ours.
func (p *Prober) negotiate(advertised int) int {
	return min(advertised, p.opts.XdndVersion)
}

// xdndVersion reads XdndAware on win.
func (p *Prober) xdndVersion(t *window.Trap, win xproto.Window) (int, bool) {
	prop, err := p.b.Property(win, p.atoms.XdndAware)
	if t.Record(err) != nil {
		return 0, false
	}
	v := prop.Uint32s()
	if len(v) == 0 {
		return 0, false
	}
	return p.negotiate(int(v[0])), true
}

// xdndProxy reads XdndProxy on win and checks that the proxy window names
// itself, as required of a valid proxy.
func (p *Prober) xdndProxy(t *window.Trap, win xproto.Window) (xproto.Window, bool) {
	prop, err := p.b.Property(win, p.atoms.XdndProxy)
	if t.Record(err) != nil {
		return xproto.WindowNone, false
	}
	proxy, ok := prop.Window()
	if !ok || proxy == xproto.WindowNone {
		return xproto.WindowNone, false
	}

	// a stale proxy is not the probed window vanishing
	inner := window.Catch("xdnd-proxy")
	defer inner.Release()
	self, err := p.b.Property(proxy, p.atoms.XdndProxy)
	if inner.Record(err) != nil {
		return xproto.WindowNone, false
	}
	if back, ok := self.Window(); !ok || back != proxy {
		return xproto.WindowNone, false
	}
	return proxy, true
}

func (p *Prober) motifStyle(t *window.Trap, win xproto.Window) wire.DropStyle {
	if p.opts.Styles != nil {
		if s, ok := p.opts.Styles.MotifStyle(win); ok {
			return s
		}
	}
	prop, err := p.b.Property(win, p.atoms.MotifReceiverInf)
	if t.Record(err) != nil {
		return wire.DropStyleNone
	}
	ri, err := wire.DecodeReceiverInfo(prop.Value)
	if err != nil {
		return wire.DropStyleNone
	}
	return ri.Style()
}
