package transcribe

import (
	"math"
	"testing"
	"time"
)

func intPtr(i int) *int { return &i }

func TestGroupWordsBySpeaker(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	words := []Word{
		{Speaker: intPtr(0), PunctuatedWord: "Hello", Start: 0.0, End: 0.5, Confidence: 0.9},
		{Speaker: intPtr(0), PunctuatedWord: "world.", Start: 0.5, End: 1.0, Confidence: 0.7},
		{Speaker: intPtr(1), PunctuatedWord: "Hi", Start: 1.2, End: 1.5, Confidence: 1},
		{Speaker: intPtr(1), PunctuatedWord: "there.", Start: 1.5, End: 2.0, Confidence: 1},
		{Speaker: intPtr(0), PunctuatedWord: "How", Start: 2.2, End: 2.5, Confidence: 0.5},
		{Speaker: intPtr(0), PunctuatedWord: "are", Start: 2.5, End: 2.7, Confidence: 0.5},
		{Speaker: intPtr(0), PunctuatedWord: "you?", Start: 2.7, End: 3.0, Confidence: 0.5},
	}

	segments := GroupWordsBySpeaker(words, at)

	if len(segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segments))
	}
	if segments[0].Speaker != 0 || segments[0].Text != "Hello world." {
		t.Errorf("segment 0: got speaker=%d text=%q", segments[0].Speaker, segments[0].Text)
	}
	if math.Abs(segments[0].Confidence-0.8) > 1e-9 {
		t.Errorf("segment 0: expected mean confidence 0.8, got %v", segments[0].Confidence)
	}
	if segments[1].Speaker != 1 || segments[1].Text != "Hi there." {
		t.Errorf("segment 1: got speaker=%d text=%q", segments[1].Speaker, segments[1].Text)
	}
	if segments[2].Speaker != 0 || segments[2].Text != "How are you?" || segments[2].EndTime != 3.0 {
		t.Errorf("segment 2: got %+v", segments[2])
	}
	for i, seg := range segments {
		if !seg.Timestamp.Equal(at) {
			t.Errorf("segment %d: expected timestamp %s, got %s", i, at, seg.Timestamp)
		}
	}
}

func TestGroupWordsNilSpeaker(t *testing.T) {
	words := []Word{
		{Speaker: nil, PunctuatedWord: "Hello", Start: 0.0, End: 0.5},
	}
	segments := GroupWordsBySpeaker(words, time.Now())
	if len(segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segments))
	}
	if segments[0].Speaker != UnknownSpeaker || segments[0].SpeakerID() != "unknown" {
		t.Errorf("expected unknown speaker for nil, got %d", segments[0].Speaker)
	}
}

func TestGroupWordsEmpty(t *testing.T) {
	if got := GroupWordsBySpeaker(nil, time.Now()); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestSpeakerLabel(t *testing.T) {
	if SpeakerLabel(2) != "2" || SpeakerLabel(-1) != "unknown" {
		t.Fatal("unexpected speaker labels")
	}
}
