package engine_test

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/echoelmusic/echoel"
	"github.com/echoelmusic/echoel/engine"
)

func preparedRouting(t *testing.T, maxBlock int) *engine.RoutingManager {
	t.Helper()
	rm := engine.NewRoutingManager()
	rm.Prepare(48000, maxBlock)
	return rm
}

func TestSendUpsertIdempotence(t *testing.T) {
	rm := preparedRouting(t, 64)
	bus := rm.CreateSendBus("Verb", engine.Stereo)
	if bus != 0 {
		t.Fatalf("first send bus index = %d, want 0", bus)
	}
	if !rm.SetTrackSend(0, bus, 0.5, engine.PostFader) {
		t.Fatal("SetTrackSend to a valid bus returned false")
	}
	if !rm.SetTrackSend(0, bus, 0.8, engine.PreFader) {
		t.Fatal("second SetTrackSend returned false")
	}
	sends := rm.TrackSends(0)
	if len(sends) != 1 {
		t.Fatalf("got %d sends after upsert, want 1", len(sends))
	}
	if sends[0].Level != 0.8 || sends[0].Position != engine.PreFader {
		t.Errorf("upsert did not update in place: %+v", sends[0])
	}
	if rm.SetTrackSend(0, 7, 0.5, engine.PostFader) {
		t.Error("SetTrackSend to a missing bus returned true")
	}
	if got := len(rm.TrackSends(0)); got != 1 {
		t.Errorf("missing-bus send was recorded, %d sends", got)
	}
}

func TestRemoveSendBusReindexes(t *testing.T) {
	rm := preparedRouting(t, 64)
	b0 := rm.CreateSendBus("A", engine.Stereo)
	b1 := rm.CreateSendBus("B", engine.Stereo)
	rm.SetTrackSend(0, b0, 0.3, engine.PostFader)
	rm.SetTrackSend(0, b1, 0.6, engine.PostFader)
	rm.RemoveSendBus(b0)
	sends := rm.TrackSends(0)
	if len(sends) != 1 {
		t.Fatalf("got %d sends after removal, want 1", len(sends))
	}
	if sends[0].Bus != 0 || sends[0].Level != 0.6 {
		t.Errorf("surviving send not renumbered: %+v", sends[0])
	}
	if rm.NumSendBusses() != 1 || rm.SendBus(0).Name() != "B" {
		t.Error("send bus list not reindexed")
	}
}

func TestRemoveGroupBusReroutesToMaster(t *testing.T) {
	rm := preparedRouting(t, 64)
	g0 := rm.CreateGroupBus("Drums", engine.Stereo)
	g1 := rm.CreateGroupBus("Synths", engine.Stereo)
	rm.RouteTrackToGroup(0, g0)
	rm.RouteTrackToGroup(1, g1)
	rm.RemoveGroupBus(g0)
	if out := rm.TrackOutput(0); out != -1 {
		t.Errorf("track 0 output = %d, want -1 (master) after its group was removed", out)
	}
	if out := rm.TrackOutput(1); out != 0 {
		t.Errorf("track 1 output = %d, want 0 after renumbering", out)
	}
}

func TestGroupCycleRejected(t *testing.T) {
	rm := preparedRouting(t, 64)
	g0 := rm.CreateGroupBus("A", engine.Stereo)
	g1 := rm.CreateGroupBus("B", engine.Stereo)
	g2 := rm.CreateGroupBus("C", engine.Stereo)
	if err := rm.SetGroupOutput(g0, g1); err != nil {
		t.Fatal(err)
	}
	if err := rm.SetGroupOutput(g1, g2); err != nil {
		t.Fatal(err)
	}
	err := rm.SetGroupOutput(g2, g0)
	if !errors.Is(err, engine.ErrRoutingCycle) {
		t.Fatalf("closing the cycle: err = %v, want ErrRoutingCycle", err)
	}
	if out := rm.GroupOutput(g2); out != -1 {
		t.Errorf("rejected change altered the topology: group C output = %d", out)
	}
	if err := rm.SetGroupOutput(g0, g0); !errors.Is(err, engine.ErrRoutingCycle) {
		t.Errorf("self-routing: err = %v, want ErrRoutingCycle", err)
	}
}

func TestBusAccumulatesOncePerBlock(t *testing.T) {
	rm := preparedRouting(t, 16)
	src := constantClip(16, 0.5)

	rm.BeginBlock(16)
	rm.RouteTrackAudio(0, src, 16, 1, -1)
	rm.RouteTrackAudio(1, src, 16, 1, -1)
	rm.EndBlock(16)
	double := rm.MasterBus().Buffer()[0][0]
	if math.Abs(float64(double)-1) > 1e-6 {
		t.Fatalf("two contributions summed to %v, want 1 (accumulate, not overwrite)", double)
	}

	rm.BeginBlock(16)
	rm.RouteTrackAudio(0, src, 16, 1, -1)
	rm.EndBlock(16)
	first := rm.MasterBus().Buffer()[0][0]

	// the next block must start from silence, not accumulate on the last
	rm.BeginBlock(16)
	rm.RouteTrackAudio(0, src, 16, 1, -1)
	rm.EndBlock(16)
	second := rm.MasterBus().Buffer()[0][0]

	if math.Abs(float64(first-second)) > 1e-7 {
		t.Fatalf("block accumulation leaked: %v then %v", first, second)
	}
	if first == 0 {
		t.Fatal("nothing was accumulated")
	}
}

func TestRouteOutsideBlockIsNoop(t *testing.T) {
	rm := preparedRouting(t, 16)
	src := constantClip(16, 0.5)
	rm.RouteTrackAudio(0, src, 16, 1, 0) // no BeginBlock
	rm.BeginBlock(16)
	rm.EndBlock(16)
	if got := rm.MasterBus().Buffer()[0][0]; got != 0 {
		t.Fatalf("stray RouteTrackAudio leaked into the mix: %v", got)
	}
}

func TestPreAndPostFaderSends(t *testing.T) {
	rm := preparedRouting(t, 8)
	pre := rm.CreateSendBus("Pre", engine.Stereo)
	post := rm.CreateSendBus("Post", engine.Stereo)
	rm.SetTrackSend(0, pre, 0.5, engine.PreFader)
	rm.SetTrackSend(0, post, 0.5, engine.PostFader)
	// silence the returns so only the bus buffers are inspected
	rm.SendBus(pre).SetMuted(true)
	rm.SendBus(post).SetMuted(true)

	src := constantClip(8, 1)
	rm.BeginBlock(8)
	rm.RouteTrackAudio(0, src, 8, 0.4, 0) // fader at 0.4
	rm.EndBlock(8)

	centre := float32(math.Sqrt2 / 2)
	wantPre := 1 * 0.5 * centre
	wantPost := 1 * 0.5 * 0.4 * centre
	if got := rm.SendBus(pre).Buffer()[0][0]; math.Abs(float64(got-wantPre)) > 1e-6 {
		t.Errorf("pre-fader send level %v, want %v (independent of fader)", got, wantPre)
	}
	if got := rm.SendBus(post).Buffer()[0][0]; math.Abs(float64(got-wantPost)) > 1e-6 {
		t.Errorf("post-fader send level %v, want %v (scaled by fader)", got, wantPost)
	}
}

func TestGroupChainSummation(t *testing.T) {
	rm := preparedRouting(t, 8)
	inner := rm.CreateGroupBus("Inner", engine.Stereo)
	outer := rm.CreateGroupBus("Outer", engine.Stereo)
	if err := rm.SetGroupOutput(inner, outer); err != nil {
		t.Fatal(err)
	}
	rm.RouteTrackToGroup(0, inner)
	rm.GroupBus(inner).SetVolume(0.5)
	rm.GroupBus(outer).SetVolume(0.5)

	src := constantClip(8, 1)
	rm.BeginBlock(8)
	rm.RouteTrackAudio(0, src, 8, 1, -1) // hard left through the chain
	rm.EndBlock(8)

	// each centre-pan summing stage (inner out, outer out) weighs by 1/√2
	centre := math.Sqrt2 / 2
	want := 1.0 * 0.5 * centre * 0.5 * centre
	if got := rm.MasterBus().Buffer()[0][0]; math.Abs(float64(got)-want) > 1e-6 {
		t.Fatalf("master left = %v, want %v through the group chain", got, want)
	}
}

func TestMutedGroupSilencedDownstream(t *testing.T) {
	rm := preparedRouting(t, 8)
	g := rm.CreateGroupBus("G", engine.Stereo)
	rm.RouteTrackToGroup(0, g)
	rm.GroupBus(g).SetMuted(true)
	src := constantClip(8, 1)
	rm.BeginBlock(8)
	rm.RouteTrackAudio(0, src, 8, 1, 0)
	rm.EndBlock(8)
	if got := rm.MasterBus().Buffer()[0][0]; got != 0 {
		t.Fatalf("muted group leaked %v into master", got)
	}
	if rm.GroupBus(g).PeakLevel(0) == 0 {
		t.Error("muted group should still meter its own content")
	}
}

func TestSidechainIdempotentAndTapsPreFader(t *testing.T) {
	rm := preparedRouting(t, 16)
	sc := rm.CreateSidechainSource(3)
	if sc == nil {
		t.Fatal("CreateSidechainSource returned nil")
	}
	if again := rm.CreateSidechainSource(3); again != sc {
		t.Fatal("second CreateSidechainSource returned a different tap")
	}
	if rm.SidechainSourceFor(3) != sc {
		t.Fatal("SidechainSourceFor does not find the tap")
	}

	src := constantClip(16, 0.5)
	rm.BeginBlock(16)
	rm.RouteTrackAudio(3, src, 16, 0.1, 0) // fader nearly closed
	rm.EndBlock(16)

	// the tap sees the raw signal regardless of the fader
	if got := sc.PeakLevel(); math.Abs(float64(got)-0.5) > 1e-5 {
		t.Errorf("sidechain peak %v, want 0.5 pre-fader", got)
	}
	if got := sc.RMSLevel(); math.Abs(float64(got)-0.5) > 1e-5 {
		t.Errorf("sidechain RMS %v, want 0.5 for a constant signal", got)
	}
	if got := sc.EnvelopeLevel(); math.Abs(float64(got)-0.5) > 1e-5 {
		t.Errorf("sidechain envelope %v, want 0.5 after instant attack", got)
	}
}

func TestSidechainEnvelopeRelease(t *testing.T) {
	rm := preparedRouting(t, 16)
	sc := rm.CreateSidechainSource(0)
	loud := constantClip(16, 0.8)
	quiet := make(echoel.AudioBuffer, 16)

	rm.BeginBlock(16)
	rm.RouteTrackAudio(0, loud, 16, 1, 0)
	rm.EndBlock(16)
	attack := sc.EnvelopeLevel()

	rm.BeginBlock(16)
	rm.RouteTrackAudio(0, quiet, 16, 1, 0)
	rm.EndBlock(16)
	release := sc.EnvelopeLevel()

	if attack <= 0 {
		t.Fatal("no attack")
	}
	if release >= attack || release <= 0 {
		t.Fatalf("release %v after attack %v, want a slow decay towards zero", release, attack)
	}
}

func TestDelayCompensationLongestPath(t *testing.T) {
	rm := preparedRouting(t, 64)
	g0 := rm.CreateGroupBus("FX chain", engine.Stereo)
	g1 := rm.CreateGroupBus("Sum", engine.Stereo)
	if err := rm.SetGroupOutput(g0, g1); err != nil {
		t.Fatal(err)
	}
	rm.GroupBus(g0).SetLatencySamples(10)
	rm.GroupBus(g1).SetLatencySamples(5)
	verb := rm.CreateSendBus("Verb", engine.Stereo)
	rm.SendBus(verb).SetLatencySamples(30)
	rm.RouteTrackToGroup(0, g0) // path latency 15
	rm.RouteTrackToGroup(1, g1) // path latency 5
	rm.RouteTrackToMaster(2)    // path latency 0

	dc := rm.CalculateDelayCompensation()
	if dc.TotalLatency != 30 {
		t.Fatalf("total latency = %d, want 30 (the send bus)", dc.TotalLatency)
	}
	want := []int{15, 25, 30}
	for i, w := range want {
		if dc.TrackDelay[i] != w {
			t.Errorf("track %d delay = %d, want %d", i, dc.TrackDelay[i], w)
		}
	}
}

func TestRoutingStateRoundTrip(t *testing.T) {
	rm := preparedRouting(t, 64)
	verb := rm.CreateSendBus("Verb", engine.Stereo)
	rm.SendBus(verb).SetVolume(0.75)
	rm.SendBus(verb).SetLatencySamples(12)
	drums := rm.CreateGroupBus("Drums", engine.Stereo)
	sum := rm.CreateGroupBus("Sum", engine.Mono)
	if err := rm.SetGroupOutput(drums, sum); err != nil {
		t.Fatal(err)
	}
	rm.RouteTrackToGroup(0, drums)
	rm.SetTrackSend(0, verb, 0.4, engine.PreFader)
	rm.SetTrackSendPan(0, verb, -0.5)
	rm.SetTrackMonitor(1, true)
	rm.CreateSidechainSource(2)
	rm.MasterBus().SetVolume(0.9)

	state := rm.State()
	data, err := yaml.Marshal(state)
	if err != nil {
		t.Fatal(err)
	}
	var decoded engine.RoutingState
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	restored := engine.NewRoutingManager()
	restored.Prepare(48000, 64)
	restored.RestoreState(decoded)
	if got := restored.State(); !reflect.DeepEqual(got, state) {
		t.Fatalf("state did not round-trip:\n got %+v\nwant %+v", got, state)
	}
	if restored.SidechainSourceFor(2) == nil {
		t.Error("sidechain tap not recreated")
	}
	if restored.MasterBus().Volume() != 0.9 {
		t.Error("master volume not restored")
	}
}

func TestRestoreStateDropsBadReferences(t *testing.T) {
	rm := preparedRouting(t, 64)
	rm.RestoreState(engine.RoutingState{
		Master: engine.BusState{Name: "Master", Volume: 1},
		Cue:    engine.BusState{Name: "Cue", Volume: 1},
		Groups: []engine.GroupBusState{
			{BusState: engine.BusState{Name: "A", Volume: 1}, Output: 99},
		},
		Tracks: []engine.TrackRouteState{
			{Track: 0, Output: 42, Sends: []engine.SendState{{Bus: 3, Level: 0.5}}},
		},
	})
	if out := rm.GroupOutput(0); out != -1 {
		t.Errorf("dangling group output = %d, want -1", out)
	}
	if out := rm.TrackOutput(0); out != -1 {
		t.Errorf("dangling track output = %d, want -1", out)
	}
	if sends := rm.TrackSends(0); len(sends) != 0 {
		t.Errorf("send to a missing bus survived: %+v", sends)
	}
}
