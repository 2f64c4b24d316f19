package midi

import (
	"testing"

	gomidi "gitlab.com/gomidi/midi/v2"
)

func TestSequenceBetween(t *testing.T) {
	var s Sequence
	s = s.Note(0, 0, 60, 100, 480)
	s = s.Note(480, 0, 64, 100, 480)
	s = s.Note(960, 0, 67, 100, 480)
	s.Sort()

	tests := []struct {
		name     string
		from, to int64
		want     int
	}{
		{"full range", 0, s.End(), 6},
		{"first block", 0, 480, 1},
		{"second block", 480, 960, 2}, // note-off of 60 and note-on of 64
		{"empty range", 200, 200, 0},
		{"past the end", 5000, 6000, 0},
	}
	for _, test := range tests {
		if got := len(s.Between(test.from, test.to)); got != test.want {
			t.Errorf("%s: Between(%d, %d) returned %d events, expected %d",
				test.name, test.from, test.to, got, test.want)
		}
	}
}

func TestSequenceBetweenCoversAllBlocks(t *testing.T) {
	var s Sequence
	for f := int64(0); f < 1000; f += 100 {
		s = s.Note(f, 1, 60, 90, 50)
	}
	s.Sort()
	total := 0
	const block = 128
	for from := int64(0); from < 1100; from += block {
		total += len(s.Between(from, from+block))
	}
	if total != len(s) {
		t.Errorf("blockwise pulls returned %d events, expected %d", total, len(s))
	}
}

func TestSequenceSortIsStable(t *testing.T) {
	s := Sequence{
		NoteOff(100, 0, 60),
		NoteOn(100, 0, 60, 100),
		NoteOn(0, 0, 60, 100),
	}
	s.Sort()
	if s[0].Frame != 0 {
		t.Fatalf("first event at frame %d, expected 0", s[0].Frame)
	}
	var ch, key uint8
	var vel uint8
	if !s[1].Msg.GetNoteOff(&ch, &key, &vel) {
		t.Errorf("note-off did not keep its place before the note-on at the same frame")
	}
	if !s[2].Msg.GetNoteOn(&ch, &key, &vel) {
		t.Errorf("expected note-on as the last event")
	}
}

func TestNoteHelpers(t *testing.T) {
	on := NoteOn(42, 3, 72, 110)
	var ch, key, vel uint8
	if !on.Msg.GetNoteOn(&ch, &key, &vel) || ch != 3 || key != 72 || vel != 110 {
		t.Errorf("NoteOn round-trip failed: %v", on.Msg)
	}
	if on.Msg.Type() != gomidi.NoteOnMsg {
		t.Errorf("unexpected message type %v", on.Msg.Type())
	}
}
