package engine

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/echoelmusic/echoel"
)

const (
	MaxSendBusses  = 16
	MaxGroupBusses = 32
	MaxTracks      = 256
)

// ErrRoutingCycle is returned when a group-output change would make a group
// bus its own ancestor. The topology is left unchanged.
var ErrRoutingCycle = errors.New("routing cycle: group bus would feed itself")

type SendPosition int

const (
	PostFader SendPosition = iota
	PreFader
)

// Send is one per-track auxiliary tap: destination send bus, level, pan and
// pre/post-fader position. Post-fader sends scale with the track fader;
// pre-fader sends do not.
type Send struct {
	Bus      int
	Level    float32
	Pan      float32
	Position SendPosition
}

type trackRoute struct {
	output    int // destination group index, -1 = direct to master
	monitor   bool
	sends     []Send
	sidechain *SidechainSource
}

// topology is an immutable snapshot of the bus graph. The UI goroutine
// builds a new one under the manager's mutex for every change and publishes
// it with a single pointer store; the audio thread loads it once per block.
// Bus objects are shared between snapshots, so their accumulators and level
// atomics survive edits; a bus removed from the topology stays alive until
// no callback can reference it (the garbage collector provides the deferred
// reclamation half of the snapshot discipline).
type topology struct {
	sends      []*Bus
	groups     []*Bus
	groupOut   []int // per group: destination group index, -1 = master
	groupOrder []int // summation order, longest distance to master first
	routes     []trackRoute
}

// RoutingManager owns the bus graph and drives the per-block signal flow:
// track -> pre-fader sends -> fader -> post-fader sends -> pan -> group or
// master. The master (and cue) bus exist from construction; nothing else may
// create one.
type RoutingManager struct {
	master *Bus
	cue    *Bus

	mu   sync.Mutex // topology mutation, UI goroutine only
	topo atomic.Pointer[topology]

	sampleRate int
	maxBlock   int
	prepared   bool

	cur *topology // snapshot in use by the current block, audio thread only
}

func NewRoutingManager() *RoutingManager {
	rm := &RoutingManager{
		master: newBus(BusMaster, "Master", Stereo),
		cue:    newBus(BusCue, "Cue", Stereo),
	}
	rm.topo.Store(&topology{})
	return rm
}

// Prepare sizes the master, cue and all existing busses for maxBlock-frame
// blocks. Must be called before the first BeginBlock; not real-time safe.
func (rm *RoutingManager) Prepare(sampleRate, maxBlock int) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.sampleRate = sampleRate
	rm.maxBlock = maxBlock
	rm.prepared = true
	rm.master.prepare(maxBlock)
	rm.cue.prepare(maxBlock)
	t := rm.topo.Load()
	for _, b := range t.sends {
		b.prepare(maxBlock)
	}
	for _, b := range t.groups {
		b.prepare(maxBlock)
	}
	for i := range t.routes {
		if sc := t.routes[i].sidechain; sc != nil && len(sc.scratch) != maxBlock {
			sc.scratch = make([]float32, maxBlock)
		}
	}
}

func (rm *RoutingManager) MasterBus() *Bus { return rm.master }
func (rm *RoutingManager) CueBus() *Bus    { return rm.cue }

func (rm *RoutingManager) SendBus(index int) *Bus {
	t := rm.topo.Load()
	if index < 0 || index >= len(t.sends) {
		return nil
	}
	return t.sends[index]
}

func (rm *RoutingManager) GroupBus(index int) *Bus {
	t := rm.topo.Load()
	if index < 0 || index >= len(t.groups) {
		return nil
	}
	return t.groups[index]
}

func (rm *RoutingManager) NumSendBusses() int  { return len(rm.topo.Load().sends) }
func (rm *RoutingManager) NumGroupBusses() int { return len(rm.topo.Load().groups) }

// clone copies the mutable parts of a topology; busses are shared.
func (t *topology) clone() *topology {
	n := &topology{
		sends:    append([]*Bus(nil), t.sends...),
		groups:   append([]*Bus(nil), t.groups...),
		groupOut: append([]int(nil), t.groupOut...),
		routes:   append([]trackRoute(nil), t.routes...),
	}
	for i := range n.routes {
		n.routes[i].sends = append([]Send(nil), n.routes[i].sends...)
	}
	return n
}

func (t *topology) route(track int) *trackRoute {
	for track >= len(t.routes) {
		t.routes = append(t.routes, trackRoute{output: -1})
	}
	return &t.routes[track]
}

// updateGroupOrder sorts group indices by descending distance to master so
// that every group is summed into its destination before the destination
// itself is summed onward.
func (t *topology) updateGroupOrder() {
	depth := make([]int, len(t.groups))
	for i := range t.groups {
		d, g := 0, i
		for g >= 0 && g < len(t.groupOut) && d <= len(t.groups) {
			g = t.groupOut[g]
			d++
		}
		depth[i] = d
	}
	order := make([]int, len(t.groups))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return depth[order[a]] > depth[order[b]] })
	t.groupOrder = order
}

func (rm *RoutingManager) publish(t *topology) {
	t.updateGroupOrder()
	rm.topo.Store(t)
}

// CreateSendBus adds an aux send/return bus and returns its index, or -1
// when the send bus limit is reached.
func (rm *RoutingManager) CreateSendBus(name string, format ChannelFormat) int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	t := rm.topo.Load()
	if len(t.sends) >= MaxSendBusses {
		return -1
	}
	b := newBus(BusSend, name, format)
	if rm.prepared {
		b.prepare(rm.maxBlock)
	}
	n := t.clone()
	n.sends = append(n.sends, b)
	rm.publish(n)
	return len(n.sends) - 1
}

// CreateGroupBus adds a group/submix bus routed to master and returns its
// index, or -1 when the group bus limit is reached.
func (rm *RoutingManager) CreateGroupBus(name string, format ChannelFormat) int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	t := rm.topo.Load()
	if len(t.groups) >= MaxGroupBusses {
		return -1
	}
	b := newBus(BusGroup, name, format)
	if rm.prepared {
		b.prepare(rm.maxBlock)
	}
	n := t.clone()
	n.groups = append(n.groups, b)
	n.groupOut = append(n.groupOut, -1)
	rm.publish(n)
	return len(n.groups) - 1
}

// RemoveSendBus deletes a send bus. Sends referencing it are dropped and
// references to later busses are renumbered.
func (rm *RoutingManager) RemoveSendBus(index int) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	t := rm.topo.Load()
	if index < 0 || index >= len(t.sends) {
		return
	}
	n := t.clone()
	n.sends = append(n.sends[:index], n.sends[index+1:]...)
	for i := range n.routes {
		sends := n.routes[i].sends[:0]
		for _, s := range n.routes[i].sends {
			if s.Bus == index {
				continue
			}
			if s.Bus > index {
				s.Bus--
			}
			sends = append(sends, s)
		}
		n.routes[i].sends = sends
	}
	rm.publish(n)
}

// RemoveGroupBus deletes a group bus. Tracks and groups that fed it fall
// back to master; later indices are renumbered.
func (rm *RoutingManager) RemoveGroupBus(index int) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	t := rm.topo.Load()
	if index < 0 || index >= len(t.groups) {
		return
	}
	n := t.clone()
	n.groups = append(n.groups[:index], n.groups[index+1:]...)
	n.groupOut = append(n.groupOut[:index], n.groupOut[index+1:]...)
	for i, out := range n.groupOut {
		switch {
		case out == index:
			n.groupOut[i] = -1
		case out > index:
			n.groupOut[i] = out - 1
		}
	}
	for i := range n.routes {
		switch {
		case n.routes[i].output == index:
			n.routes[i].output = -1
		case n.routes[i].output > index:
			n.routes[i].output--
		}
	}
	rm.publish(n)
}

// SetGroupOutput routes a group bus into another group (-1 = master). A
// destination that would make the group its own ancestor is rejected with
// ErrRoutingCycle.
func (rm *RoutingManager) SetGroupOutput(group, dest int) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	t := rm.topo.Load()
	if group < 0 || group >= len(t.groups) {
		return nil
	}
	if dest < -1 || dest >= len(t.groups) {
		return nil
	}
	for g := dest; g >= 0; g = t.groupOut[g] {
		if g == group {
			return ErrRoutingCycle
		}
	}
	n := t.clone()
	n.groupOut[group] = dest
	rm.publish(n)
	return nil
}

// GroupOutput returns a group's destination group index (-1 = master).
func (rm *RoutingManager) GroupOutput(group int) int {
	t := rm.topo.Load()
	if group < 0 || group >= len(t.groupOut) {
		return -1
	}
	return t.groupOut[group]
}

// RouteTrackToGroup sets a track's output bus; a track has exactly one
// output, so this replaces any previous assignment.
func (rm *RoutingManager) RouteTrackToGroup(track, group int) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	t := rm.topo.Load()
	if track < 0 || track >= MaxTracks || group < 0 || group >= len(t.groups) {
		return false
	}
	n := t.clone()
	n.route(track).output = group
	rm.publish(n)
	return true
}

// RouteTrackToMaster routes a track directly to the master bus, clearing
// any group assignment.
func (rm *RoutingManager) RouteTrackToMaster(track int) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if track < 0 || track >= MaxTracks {
		return
	}
	n := rm.topo.Load().clone()
	n.route(track).output = -1
	rm.publish(n)
}

// TrackOutput returns the track's destination group index (-1 = master).
func (rm *RoutingManager) TrackOutput(track int) int {
	t := rm.topo.Load()
	if track < 0 || track >= len(t.routes) {
		return -1
	}
	return t.routes[track].output
}

// SetTrackSend upserts a send from track to the given send bus: an existing
// send to that bus has its level/pan/position updated in place, otherwise a
// new send is appended. A non-existent bus index is a no-op returning false.
func (rm *RoutingManager) SetTrackSend(track, bus int, level float32, position SendPosition) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	t := rm.topo.Load()
	if track < 0 || track >= MaxTracks || bus < 0 || bus >= len(t.sends) {
		return false
	}
	if level < 0 {
		level = 0
	}
	n := t.clone()
	r := n.route(track)
	for i := range r.sends {
		if r.sends[i].Bus == bus {
			r.sends[i].Level = level
			r.sends[i].Position = position
			rm.publish(n)
			return true
		}
	}
	r.sends = append(r.sends, Send{Bus: bus, Level: level, Position: position})
	rm.publish(n)
	return true
}

// SetTrackSendPan adjusts the pan of an existing send; no-op if absent.
func (rm *RoutingManager) SetTrackSendPan(track, bus int, pan float32) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	t := rm.topo.Load()
	if track < 0 || track >= len(t.routes) {
		return
	}
	n := t.clone()
	for i := range n.routes[track].sends {
		if n.routes[track].sends[i].Bus == bus {
			n.routes[track].sends[i].Pan = clamp32(pan, -1, 1)
			rm.publish(n)
			return
		}
	}
}

// RemoveTrackSend removes the track's send to the given bus, if any.
func (rm *RoutingManager) RemoveTrackSend(track, bus int) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	t := rm.topo.Load()
	if track < 0 || track >= len(t.routes) {
		return
	}
	n := t.clone()
	r := &n.routes[track]
	for i := range r.sends {
		if r.sends[i].Bus == bus {
			r.sends = append(r.sends[:i], r.sends[i+1:]...)
			rm.publish(n)
			return
		}
	}
}

// TrackSends returns a copy of the track's send list in processing order.
func (rm *RoutingManager) TrackSends(track int) []Send {
	t := rm.topo.Load()
	if track < 0 || track >= len(t.routes) {
		return nil
	}
	return append([]Send(nil), t.routes[track].sends...)
}

// RemoveTrackRoute splices a track's routing entry out when the track is
// deleted; later tracks shift down one index to stay aligned with the
// engine's track list.
func (rm *RoutingManager) RemoveTrackRoute(track int) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	t := rm.topo.Load()
	if track < 0 || track >= len(t.routes) {
		return
	}
	n := t.clone()
	n.routes = append(n.routes[:track], n.routes[track+1:]...)
	for i := range n.routes {
		if sc := n.routes[i].sidechain; sc != nil && int(sc.track.Load()) > track {
			sc.track.Add(-1)
		}
	}
	rm.publish(n)
}

// SetTrackMonitor includes or excludes the track from the cue/monitor mix.
func (rm *RoutingManager) SetTrackMonitor(track int, enabled bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if track < 0 || track >= MaxTracks {
		return
	}
	n := rm.topo.Load().clone()
	n.route(track).monitor = enabled
	rm.publish(n)
}

// CreateSidechainSource attaches an analysis tap to the track's pre-fader
// signal. Idempotent: an existing tap is returned unchanged.
func (rm *RoutingManager) CreateSidechainSource(track int) *SidechainSource {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if track < 0 || track >= MaxTracks {
		return nil
	}
	t := rm.topo.Load()
	if track < len(t.routes) && t.routes[track].sidechain != nil {
		return t.routes[track].sidechain
	}
	n := t.clone()
	sc := newSidechainSource(track, rm.maxBlock)
	n.route(track).sidechain = sc
	rm.publish(n)
	return sc
}

// SidechainSourceFor returns the track's tap, or nil.
func (rm *RoutingManager) SidechainSourceFor(track int) *SidechainSource {
	t := rm.topo.Load()
	if track < 0 || track >= len(t.routes) {
		return nil
	}
	return t.routes[track].sidechain
}

// BeginBlock pins the topology snapshot for this callback and clears every
// bus accumulator exactly once. Audio thread only.
func (rm *RoutingManager) BeginBlock(n int) {
	t := rm.topo.Load()
	rm.cur = t
	rm.master.beginBlock(n)
	rm.cue.beginBlock(n)
	for _, b := range t.sends {
		b.beginBlock(n)
	}
	for _, b := range t.groups {
		b.beginBlock(n)
	}
}

// RouteTrackAudio applies the fixed signal flow for one track's raw block:
// sidechain tap and pre-fader sends see the unscaled signal, post-fader
// sends scale with the fader, and the faded/panned signal lands on the
// track's group or the master. Audio thread only, between BeginBlock and
// EndBlock.
func (rm *RoutingManager) RouteTrackAudio(track int, buf echoel.AudioBuffer, n int, volume, pan float32) {
	t := rm.cur
	if t == nil {
		return
	}
	var r *trackRoute
	if track >= 0 && track < len(t.routes) {
		r = &t.routes[track]
	}
	if r != nil {
		if r.sidechain != nil {
			r.sidechain.feed(buf, n)
		}
		for i := range r.sends {
			s := &r.sends[i]
			if s.Level <= 0 || s.Bus < 0 || s.Bus >= len(t.sends) {
				continue
			}
			gain := s.Level
			if s.Position == PostFader {
				gain *= volume
			}
			t.sends[s.Bus].addFrom(buf, n, gain, s.Pan)
		}
	}
	dest := rm.master
	if r != nil && r.output >= 0 && r.output < len(t.groups) {
		dest = t.groups[r.output]
	}
	dest.addFrom(buf, n, volume, pan)
	if r != nil && r.monitor {
		rm.cue.addFrom(buf, n, volume, pan)
	}
}

// EndBlock sums the send returns into master, then the group busses in
// dependency order, then meters everything. Audio thread only.
func (rm *RoutingManager) EndBlock(n int) {
	t := rm.cur
	if t == nil {
		return
	}
	for _, b := range t.sends {
		if !b.Muted() {
			rm.master.addFrom(b.buf, n, b.Volume(), b.Pan())
		}
		b.endBlock(n)
	}
	for _, gi := range t.groupOrder {
		g := t.groups[gi]
		dest := rm.master
		if out := t.groupOut[gi]; out >= 0 && out < len(t.groups) {
			dest = t.groups[out]
		}
		if !g.Muted() {
			dest.addFrom(g.buf, n, g.Volume(), g.Pan())
		}
		g.endBlock(n)
	}
	rm.master.endBlock(n)
	rm.cue.endBlock(n)
	rm.cur = nil
}

// DelayCompensation is the result of CalculateDelayCompensation: the total
// graph latency and the delay each track must apply so all paths into
// master arrive time-aligned.
type DelayCompensation struct {
	TotalLatency int
	TrackDelay   []int
}

// CalculateDelayCompensation walks the bus graph and finds the longest
// declared-latency path into master. Each track's compensation is the
// difference between that maximum and its own path. Recompute after any
// SetLatencySamples or topology change; this is not automatic per block.
func (rm *RoutingManager) CalculateDelayCompensation() DelayCompensation {
	t := rm.topo.Load()
	chain := make([]int, len(t.groups))
	for i := range t.groups {
		sum, g := 0, i
		for g >= 0 && g < len(t.groups) && sum <= 1<<30 {
			sum += t.groups[g].LatencySamples()
			g = t.groupOut[g]
		}
		chain[i] = sum
	}
	total := 0
	for _, c := range chain {
		if c > total {
			total = c
		}
	}
	for _, b := range t.sends {
		if l := b.LatencySamples(); l > total {
			total = l
		}
	}
	delays := make([]int, len(t.routes))
	for i := range t.routes {
		path := 0
		if out := t.routes[i].output; out >= 0 && out < len(chain) {
			path = chain[out]
		}
		delays[i] = total - path
	}
	return DelayCompensation{TotalLatency: total, TrackDelay: delays}
}
