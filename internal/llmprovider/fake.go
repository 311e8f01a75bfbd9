package llmprovider

import (
	"context"
	"iter"
)

// Fake is a hand-written stub Provider, following the teacher's
// no-testify habit of hand-rolled fakes for capability interfaces in
// _test.go files. It is exported (not _test.go-scoped) because every
// package downstream of llmprovider needs one for its own tests.
type Fake struct {
	// StructuredResponses is popped in order by CompleteStructured; the
	// last entry repeats once exhausted.
	StructuredResponses []Response
	// StreamChunks is returned verbatim by CompleteStream.
	StreamChunks []StreamChunk

	calls int
}

// NewFake returns a Fake that always answers with a final answer.
func NewFake(finalAnswer string, confidence float64) *Fake {
	return &Fake{
		StructuredResponses: []Response{{FinalAnswer: finalAnswer, Confidence: confidence}},
		StreamChunks: []StreamChunk{
			{Delta: finalAnswer, Done: false},
			{Delta: "", Done: true},
		},
	}
}

func (f *Fake) CompleteStructured(_ context.Context, _ Request) (Response, error) {
	idx := f.calls
	if idx >= len(f.StructuredResponses) {
		idx = len(f.StructuredResponses) - 1
	}
	f.calls++
	if idx < 0 {
		return Response{FinalAnswer: "ok", Confidence: 1}, nil
	}
	return f.StructuredResponses[idx], nil
}

func (f *Fake) CompleteStream(_ context.Context, _ Request) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		for _, c := range f.StreamChunks {
			if !yield(c, nil) {
				return
			}
		}
	}
}
