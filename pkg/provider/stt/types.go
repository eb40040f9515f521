package stt

// Transcript is a speech-to-text result. Both partial (interim) and final
// results use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal distinguishes committed results from interim guesses.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// provider does not report one.
	Confidence float64
}
