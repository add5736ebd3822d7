// Package aistack wires the seven components (spec.md §2) into one running
// stack: a cooperative sched.Loop driving one or more eth.Iface-backed IPv4
// interfaces, a tcp.Stack layered over the IPv4 engine, and a motion.Planner
// driving one stepper.Generator per configured axis. It is the public
// facade an embedding application constructs once at startup and then
// drives via Run.
//
// Grounded on the teacher's own pattern of a single constructor-injected,
// per-instance graph of collaborators (no package-level globals anywhere in
// eventloop/logiface/catrate); Config mirrors spec.md §9's "Template
// metaprogramming to bind services" redesign note — one build-time sizing
// table validated once at construction, immutable afterward.
package aistack

import (
	"context"
	"errors"
	"time"

	"github.com/go-aistack/aistack/buf"
	"github.com/go-aistack/aistack/corelog"
	"github.com/go-aistack/aistack/eth"
	"github.com/go-aistack/aistack/ip"
	"github.com/go-aistack/aistack/motion"
	"github.com/go-aistack/aistack/ratelimit"
	"github.com/go-aistack/aistack/sched"
	"github.com/go-aistack/aistack/stepper"
	"github.com/go-aistack/aistack/tcp"
)

// ErrAxisCountMismatch is returned by New when the number of supplied
// stepper.Stepper drivers does not match len(Config.Motion.Axes).
var ErrAxisCountMismatch = errors.New("aistack: axis hardware count does not match Config.Motion.Axes")

// Config is the build-time sizing table for an entire Stack: every tunable
// spec.md's source bound at compile time via C++ template parameters.
// Zero-valued sub-configs are replaced by their package's own defaults in
// New, so a caller only needs to set what it wants to deviate from.
type Config struct {
	TCP    tcp.Config
	Arp    eth.ArpConfig
	Motion motion.Config

	// RatelimitWindows sizes the shared diagnostic rate limiter (malformed
	// frame/datagram/segment drops, ARP exhaustion). Nil selects
	// ratelimit.DefaultWindows().
	RatelimitWindows map[time.Duration]int

	// Log receives every component's structured log output. Nil selects
	// corelog.Discard().
	Log *corelog.Logger
}

// DefaultConfig returns a Config with every sub-config at its package
// default and an empty axis list; callers needing motion control must set
// Motion.Axes (and the matching axis hardware slice passed to New)
// themselves, since there is no sensible default axis count.
func DefaultConfig() Config {
	return Config{
		TCP: tcp.DefaultConfig(),
		Arp: eth.DefaultArpConfig(),
	}
}

// Stack is the wired-together runtime: one event loop, one IPv4 engine,
// one TCP engine layered over it, and (if any axes are configured) one
// motion planner driving one stepper.Generator per axis.
type Stack struct {
	Loop *sched.Loop
	Log  *corelog.Logger
	Diag *ratelimit.Diagnostics

	IP     *ip.Stack
	TCP    *tcp.Stack
	Motion *motion.Planner

	cfg      Config
	axisGens []*stepper.Generator
}

// New validates cfg, fills in package defaults for anything left at its
// zero value, and constructs the full collaborator graph. axisHW supplies
// one stepper.Stepper per configured motion axis, in the same order as
// cfg.Motion.Axes; pass nil for both when the embedding application has no
// motion axes (a pure network stack).
func New(cfg Config, axisHW []stepper.Stepper) (*Stack, error) {
	if len(axisHW) != len(cfg.Motion.Axes) {
		return nil, ErrAxisCountMismatch
	}
	if cfg.TCP.NumPCBs <= 0 {
		cfg.TCP = tcp.DefaultConfig()
	}
	if cfg.Arp.NumEntries <= 0 {
		cfg.Arp = eth.DefaultArpConfig()
	}
	if cfg.RatelimitWindows == nil {
		cfg.RatelimitWindows = ratelimit.DefaultWindows()
	}
	if cfg.Log == nil {
		cfg.Log = corelog.Discard()
	}

	loop := sched.New(cfg.Log)
	diag := ratelimit.New(cfg.RatelimitWindows)
	ipStack := ip.NewStack(loop, cfg.Log, diag)
	tcpStack := tcp.NewStack(loop, ipStack, cfg.TCP, cfg.Log, diag)

	s := &Stack{
		Loop: loop,
		Log:  cfg.Log,
		Diag: diag,
		IP:   ipStack,
		TCP:  tcpStack,
		cfg:  cfg,
	}

	if len(axisHW) > 0 {
		prec := cfg.Motion.Precision
		if prec == (stepper.Precision{}) {
			prec = stepper.DefaultPrecision()
		}
		gens := make([]*stepper.Generator, len(axisHW))
		for i, hw := range axisHW {
			gens[i] = stepper.NewGenerator(loop, hw, prec)
		}
		s.axisGens = gens
		s.Motion = motion.NewPlanner(loop, gens, cfg.Motion, cfg.Log)
	}

	return s, nil
}

// AddInterface binds driver to the IPv4 engine as a new interface with the
// given subnet and (optionally zero) default gateway, and registers it for
// routing. The returned *ip.Interface is the handle RecvFrame and the
// driver's own state_changed hook (iface.Eth.StateChanged) need.
func (s *Stack) AddInterface(name string, driver eth.Driver, subnet eth.Subnet, gateway eth.Ip4Addr) *ip.Interface {
	ethIface := eth.NewIface(s.Loop, driver, subnet, s.cfg.Arp, s.Log, s.Diag)
	ipIface := &ip.Interface{
		Name:    name,
		MTU:     driver.MTU(),
		Eth:     ethIface,
		Gateway: gateway,
	}
	s.IP.AddInterface(ipIface)
	return ipIface
}

// RecvFrame is the Ethernet driver contract's "recv_frame(frame)" entry
// point (spec.md §6): a driver hands every received frame for iface to
// this method, which demultiplexes ARP and IPv4 traffic down into the ARP
// cache and the IPv4 engine respectively.
func (s *Stack) RecvFrame(iface *ip.Interface, frame buf.Chain) {
	iface.Eth.RecvFrame(frame, func(src eth.MacAddr, payload buf.Chain) {
		s.IP.RecvFrame(iface, src, payload)
	})
}

// SetAxisEndstop installs veto as axis's prestep callback via
// motion.Planner.PrestepFor, so that a triggered endstop (or any other
// per-step safety check) aborts the whole coordinated move, not just that
// axis (spec.md §4.5). axis must be a valid index into Config.Motion.Axes.
func (s *Stack) SetAxisEndstop(axis int, veto func() bool) {
	s.axisGens[axis].SetPrestepCallbackEnabled(s.Motion.PrestepFor(axis, veto))
}

// Run drives the event loop until ctx is canceled or Loop.Stop is called,
// running every registered timer, queued task, and FD-readiness callback
// for this stack's lifetime.
func (s *Stack) Run(ctx context.Context) error {
	return s.Loop.Run(ctx)
}
