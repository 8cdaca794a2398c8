package transcribe

import (
	"strconv"
	"time"
)

// UnknownSpeaker is the diarization index used when a word carries no speaker.
const UnknownSpeaker = -1

type Word struct {
	Speaker        *int
	PunctuatedWord string
	Start          float64
	End            float64
	Confidence     float64
}

// Segment is a run of consecutive words from one speaker.
type Segment struct {
	Speaker    int       `json:"speaker"`
	Text       string    `json:"text"`
	StartTime  float64   `json:"start_time"`
	EndTime    float64   `json:"end_time"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// SpeakerID is the string form of the diarization index, or "unknown".
func (s Segment) SpeakerID() string {
	return SpeakerLabel(s.Speaker)
}

// SpeakerLabel maps a diarization index to a speaker id.
func SpeakerLabel(speaker int) string {
	if speaker < 0 {
		return "unknown"
	}
	return strconv.Itoa(speaker)
}

// GroupWordsBySpeaker splits words into per-speaker segments, stamping each
// with at. Segment confidence is the mean word confidence.
func GroupWordsBySpeaker(words []Word, at time.Time) []Segment {
	if len(words) == 0 {
		return nil
	}

	var segments []Segment
	var current Segment
	var confSum float64
	var count int
	started := false

	closeCurrent := func() {
		if count > 0 {
			current.Confidence = confSum / float64(count)
		}
		segments = append(segments, current)
	}

	for _, w := range words {
		speaker := UnknownSpeaker
		if w.Speaker != nil {
			speaker = *w.Speaker
		}

		if started && speaker == current.Speaker {
			current.Text += " " + w.PunctuatedWord
			current.EndTime = w.End
			confSum += w.Confidence
			count++
			continue
		}

		if started {
			closeCurrent()
		}
		current = Segment{
			Speaker:   speaker,
			Text:      w.PunctuatedWord,
			StartTime: w.Start,
			EndTime:   w.End,
			Timestamp: at,
		}
		confSum, count = w.Confidence, 1
		started = true
	}

	closeCurrent()
	return segments
}
