// echoel-play builds a mixing session, renders it through the engine and
// plays it on the default output device, printing transport position and
// master levels while it runs. Sessions are described in yaml; without a
// file it plays a small built-in demo.
package main

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/echoelmusic/echoel"
	"github.com/echoelmusic/echoel/engine"
	"github.com/echoelmusic/echoel/oto"
	"github.com/echoelmusic/echoel/version"
)

type (
	sessionTrack struct {
		Name      string  `yaml:"name"`
		Frequency float64 `yaml:"frequency"` // test tone, Hz
		Seconds   float64 `yaml:"seconds"`
		Volume    float32 `yaml:"volume"`
		Pan       float32 `yaml:"pan"`
		Group     string  `yaml:"group,omitempty"`
		SendLevel float32 `yaml:"sendLevel,omitempty"`
	}

	sessionGroup struct {
		Name   string  `yaml:"name"`
		Volume float32 `yaml:"volume"`
	}

	session struct {
		Tempo     float64        `yaml:"tempo,omitempty"`
		Loop      bool           `yaml:"loop,omitempty"`
		LoopStart float64        `yaml:"loopStart,omitempty"` // seconds
		LoopEnd   float64        `yaml:"loopEnd,omitempty"`
		Groups    []sessionGroup `yaml:"groups,omitempty"`
		SendName  string         `yaml:"sendName,omitempty"`
		Tracks    []sessionTrack `yaml:"tracks"`
	}
)

var (
	argSampleRate int
	argBlockSize  int
	argDuration   float64
	argLowLatency bool
	argVersion    bool

	rootCmd = &cobra.Command{
		Use:   "echoel-play [session.yml]",
		Short: "Mix and play an Echoel session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if argVersion {
				fmt.Println(version.VersionOrHash)
				return nil
			}
			s := demoSession()
			if len(args) == 1 {
				data, err := os.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("cannot read session: %w", err)
				}
				if err := yaml.Unmarshal(data, &s); err != nil {
					return fmt.Errorf("cannot parse session: %w", err)
				}
			}
			return run(s)
		},
	}
)

func init() {
	rootCmd.Flags().IntVar(&argSampleRate, "samplerate", 48000, "output sample rate in Hz")
	rootCmd.Flags().IntVar(&argBlockSize, "blocksize", 256, "engine block size in frames")
	rootCmd.Flags().Float64Var(&argDuration, "duration", 5, "how long to play, in seconds")
	rootCmd.Flags().BoolVar(&argLowLatency, "low-latency", false, "use the low latency preset")
	rootCmd.Flags().BoolVarP(&argVersion, "version", "v", false, "print version and exit")
}

func demoSession() session {
	return session{
		Tempo:    120,
		SendName: "Verb",
		Groups:   []sessionGroup{{Name: "Tones", Volume: 0.9}},
		Tracks: []sessionTrack{
			{Name: "Low", Frequency: 220, Seconds: 10, Volume: 0.8, Pan: -0.3, Group: "Tones", SendLevel: 0.2},
			{Name: "High", Frequency: 330, Seconds: 10, Volume: 0.5, Pan: 0.3, Group: "Tones", SendLevel: 0.4},
		},
	}
}

func toneClip(sampleRate int, freq, seconds float64) echoel.AudioBuffer {
	frames := int(float64(sampleRate) * seconds)
	buf := make(echoel.AudioBuffer, frames)
	for i := range buf {
		v := float32(0.25 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		buf[i][0] = v
		buf[i][1] = v
	}
	return buf
}

func buildEngine(s session) (*engine.Engine, *engine.Detector, error) {
	broker := engine.NewBroker()
	e := engine.NewEngine(broker)
	cfg := engine.BalancedConfig()
	if argLowLatency {
		cfg = engine.LowLatencyConfig()
	}
	cfg.SampleRate = argSampleRate
	cfg.BlockSize = argBlockSize
	if err := e.Prepare(cfg); err != nil {
		return nil, nil, err
	}

	rm := e.Routing()
	groups := map[string]int{}
	for _, g := range s.Groups {
		idx := rm.CreateGroupBus(g.Name, engine.Stereo)
		if idx < 0 {
			return nil, nil, fmt.Errorf("too many group busses")
		}
		rm.GroupBus(idx).SetVolume(g.Volume)
		groups[g.Name] = idx
	}
	send := -1
	if s.SendName != "" {
		send = rm.CreateSendBus(s.SendName, engine.Stereo)
		rm.SendBus(send).SetVolume(0.7)
	}
	for _, st := range s.Tracks {
		idx := e.AddAudioTrack(st.Name)
		if idx < 0 {
			return nil, nil, fmt.Errorf("too many tracks")
		}
		tr := e.Track(idx)
		tr.SetClip(toneClip(cfg.SampleRate, st.Frequency, st.Seconds))
		tr.SetVolume(st.Volume)
		tr.SetPan(st.Pan)
		if g, ok := groups[st.Group]; ok {
			rm.RouteTrackToGroup(idx, g)
		}
		if send >= 0 && st.SendLevel > 0 {
			rm.SetTrackSend(idx, send, st.SendLevel, engine.PostFader)
		}
	}

	if s.Tempo > 0 {
		e.SetTempo(s.Tempo)
	}
	if s.Loop {
		rate := float64(cfg.SampleRate)
		e.SetLoopRegion(int64(s.LoopStart*rate), int64(s.LoopEnd*rate))
		e.SetLooping(true)
	}

	detector := engine.NewDetector(broker)
	e.AttachDetector(detector)
	go detector.Run()
	return e, detector, nil
}

func run(s session) error {
	e, detector, err := buildEngine(s)
	if err != nil {
		return err
	}
	defer func() {
		detector.Close()
		detector.Wait()
	}()

	context, err := oto.NewContext(argSampleRate)
	if err != nil {
		return fmt.Errorf("cannot open audio device: %w", err)
	}
	defer context.Close()

	e.Play()
	playback := context.Play(e)
	defer playback.Close()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(time.Duration(argDuration * float64(time.Second)))
	for {
		select {
		case <-deadline:
			e.Stop()
			fmt.Println()
			return nil
		case <-ticker.C:
			printStatus(e)
		}
	}
}

func printStatus(e *engine.Engine) {
	pos := float64(e.Position()) / float64(e.Config().SampleRate)
	line := fmt.Sprintf("\r%7.2f s  peak %6.3f / %6.3f", pos, e.MasterPeakLevel(0), e.MasterPeakLevel(1))
	if lufs, ok := e.MasterLoudness(engine.LoudnessMomentary); ok {
		line += fmt.Sprintf("  M %6.1f LUFS", float64(lufs))
	}
	fmt.Print(line)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
