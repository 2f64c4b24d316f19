package engine

// The state types form the in-memory tree a host serializes however it
// likes; yaml tags give it a stable canonical shape. State() captures a
// consistent snapshot, RestoreState rebuilds the full topology from one.

type (
	BusState struct {
		Name    string  `yaml:"name"`
		Format  string  `yaml:"format,omitempty"`
		Volume  float32 `yaml:"volume"`
		Pan     float32 `yaml:"pan"`
		Muted   bool    `yaml:"muted,omitempty"`
		Latency int     `yaml:"latency,omitempty"`
	}

	GroupBusState struct {
		BusState `yaml:",inline"`
		Output   int `yaml:"output"`
	}

	SendState struct {
		Bus   int     `yaml:"bus"`
		Level float32 `yaml:"level"`
		Pan   float32 `yaml:"pan,omitempty"`
		Pre   bool    `yaml:"pre,omitempty"`
	}

	TrackRouteState struct {
		Track     int         `yaml:"track"`
		Output    int         `yaml:"output"`
		Monitor   bool        `yaml:"monitor,omitempty"`
		Sidechain bool        `yaml:"sidechain,omitempty"`
		Sends     []SendState `yaml:"sends,omitempty"`
	}

	RoutingState struct {
		Master BusState          `yaml:"master"`
		Cue    BusState          `yaml:"cue"`
		Sends  []BusState        `yaml:"sends,omitempty"`
		Groups []GroupBusState   `yaml:"groups,omitempty"`
		Tracks []TrackRouteState `yaml:"tracks,omitempty"`
	}

	TrackState struct {
		Kind   string  `yaml:"kind"`
		Name   string  `yaml:"name"`
		Volume float32 `yaml:"volume"`
		Pan    float32 `yaml:"pan"`
		Muted  bool    `yaml:"muted,omitempty"`
		Soloed bool    `yaml:"soloed,omitempty"`
		Armed  bool    `yaml:"armed,omitempty"`
	}

	TransportState struct {
		Position   int64   `yaml:"position"`
		LoopStart  int64   `yaml:"loopStart"`
		LoopEnd    int64   `yaml:"loopEnd"`
		Looping    bool    `yaml:"looping,omitempty"`
		Tempo      float64 `yaml:"tempo"`
		TimeSigNum int     `yaml:"timeSigNum"`
		TimeSigDen int     `yaml:"timeSigDen"`
	}

	State struct {
		Config    Config         `yaml:"config"`
		Transport TransportState `yaml:"transport"`
		Tracks    []TrackState   `yaml:"tracks,omitempty"`
		Routing   RoutingState   `yaml:"routing"`
	}
)

func formatString(f ChannelFormat) string {
	if f == Mono {
		return "mono"
	}
	return "stereo"
}

func formatFromString(s string) ChannelFormat {
	if s == "mono" {
		return Mono
	}
	return Stereo
}

func busState(b *Bus) BusState {
	return BusState{
		Name:    b.Name(),
		Format:  formatString(b.Format()),
		Volume:  b.Volume(),
		Pan:     b.Pan(),
		Muted:   b.Muted(),
		Latency: b.LatencySamples(),
	}
}

func (b *Bus) restoreState(s BusState) {
	b.SetVolume(s.Volume)
	b.SetPan(s.Pan)
	b.SetMuted(s.Muted)
	b.SetLatencySamples(s.Latency)
}

// State captures the routing topology as a plain value tree.
func (rm *RoutingManager) State() RoutingState {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	t := rm.topo.Load()
	s := RoutingState{
		Master: busState(rm.master),
		Cue:    busState(rm.cue),
	}
	for _, b := range t.sends {
		s.Sends = append(s.Sends, busState(b))
	}
	for i, b := range t.groups {
		s.Groups = append(s.Groups, GroupBusState{BusState: busState(b), Output: t.groupOut[i]})
	}
	for i := range t.routes {
		r := &t.routes[i]
		if r.output == -1 && !r.monitor && r.sidechain == nil && len(r.sends) == 0 {
			continue
		}
		ts := TrackRouteState{
			Track:     i,
			Output:    r.output,
			Monitor:   r.monitor,
			Sidechain: r.sidechain != nil,
		}
		for _, snd := range r.sends {
			ts.Sends = append(ts.Sends, SendState{
				Bus:   snd.Bus,
				Level: snd.Level,
				Pan:   snd.Pan,
				Pre:   snd.Position == PreFader,
			})
		}
		s.Tracks = append(s.Tracks, ts)
	}
	return s
}

// RestoreState rebuilds the whole topology from a captured tree, replacing
// the current one atomically. Out-of-range references in the tree are
// dropped rather than failing the restore.
func (rm *RoutingManager) RestoreState(s RoutingState) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.master.restoreState(s.Master)
	rm.cue.restoreState(s.Cue)
	n := &topology{}
	for _, bs := range s.Sends {
		if len(n.sends) >= MaxSendBusses {
			break
		}
		b := newBus(BusSend, bs.Name, formatFromString(bs.Format))
		b.restoreState(bs)
		if rm.prepared {
			b.prepare(rm.maxBlock)
		}
		n.sends = append(n.sends, b)
	}
	for _, gs := range s.Groups {
		if len(n.groups) >= MaxGroupBusses {
			break
		}
		b := newBus(BusGroup, gs.Name, formatFromString(gs.Format))
		b.restoreState(gs.BusState)
		if rm.prepared {
			b.prepare(rm.maxBlock)
		}
		n.groups = append(n.groups, b)
		out := gs.Output
		if out < -1 {
			out = -1
		}
		n.groupOut = append(n.groupOut, out)
	}
	for i, out := range n.groupOut {
		if out >= len(n.groups) {
			n.groupOut[i] = -1
		}
	}
	// drop any cycle the tree smuggled in
	for i := range n.groupOut {
		seen := 0
		for g := n.groupOut[i]; g >= 0; g = n.groupOut[g] {
			seen++
			if seen > len(n.groups) {
				n.groupOut[i] = -1
				break
			}
		}
	}
	for _, ts := range s.Tracks {
		if ts.Track < 0 || ts.Track >= MaxTracks {
			continue
		}
		r := n.route(ts.Track)
		if ts.Output >= 0 && ts.Output < len(n.groups) {
			r.output = ts.Output
		}
		r.monitor = ts.Monitor
		if ts.Sidechain {
			r.sidechain = newSidechainSource(ts.Track, rm.maxBlock)
		}
		for _, snd := range ts.Sends {
			if snd.Bus < 0 || snd.Bus >= len(n.sends) || snd.Level < 0 {
				continue
			}
			pos := PostFader
			if snd.Pre {
				pos = PreFader
			}
			r.sends = append(r.sends, Send{Bus: snd.Bus, Level: snd.Level, Pan: clamp32(snd.Pan, -1, 1), Position: pos})
		}
	}
	rm.publish(n)
}
