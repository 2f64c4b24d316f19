// Package midi defines the MIDI payload of a MIDI track: a frame-stamped
// sequence of messages. The engine never synthesizes audio from these; an
// external playback engine pulls the events block by block.
package midi

import (
	"slices"

	gomidi "gitlab.com/gomidi/midi/v2"
)

type (
	// Event is a single MIDI message stamped with the transport-absolute
	// frame at which it occurs.
	Event struct {
		Frame int64
		Msg   gomidi.Message
	}

	// Sequence is a list of events ordered by frame. The mutating helpers
	// keep the order; sequences built by hand should be sorted with Sort
	// before use.
	Sequence []Event
)

// NoteOn returns a note-on event.
func NoteOn(frame int64, channel, key, velocity uint8) Event {
	return Event{Frame: frame, Msg: gomidi.NoteOn(channel, key, velocity)}
}

// NoteOff returns a note-off event.
func NoteOff(frame int64, channel, key uint8) Event {
	return Event{Frame: frame, Msg: gomidi.NoteOff(channel, key)}
}

// Note appends a note-on at frame and the matching note-off at frame+length.
func (s Sequence) Note(frame int64, channel, key, velocity uint8, length int64) Sequence {
	s = append(s, NoteOn(frame, channel, key, velocity))
	s = append(s, NoteOff(frame+length, channel, key))
	return s
}

// Sort orders the sequence by frame, keeping the relative order of events on
// the same frame (so a note-off written before a note-on stays before it).
func (s Sequence) Sort() {
	slices.SortStableFunc(s, func(a, b Event) int {
		switch {
		case a.Frame < b.Frame:
			return -1
		case a.Frame > b.Frame:
			return 1
		}
		return 0
	})
}

// Between returns the subsequence of events with from <= Frame < to. The
// sequence must be sorted. The returned slice aliases s; callers must not
// modify it.
func (s Sequence) Between(from, to int64) Sequence {
	lo, _ := slices.BinarySearchFunc(s, from, cmpFrame)
	hi, _ := slices.BinarySearchFunc(s, to, cmpFrame)
	return s[lo:hi]
}

// cmpFrame never reports equality so the binary search always lands on the
// first event at or after the target frame.
func cmpFrame(e Event, frame int64) int {
	if e.Frame < frame {
		return -1
	}
	return 1
}

// End returns the frame just past the last event, or 0 for an empty sequence.
func (s Sequence) End() int64 {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1].Frame + 1
}
