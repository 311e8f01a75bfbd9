package llmprovider

import (
	"context"
	"testing"
)

func TestFakeCompleteStructuredPopsInOrderThenRepeatsLast(t *testing.T) {
	fake := &Fake{StructuredResponses: []Response{
		{FinalAnswer: "first"},
		{FinalAnswer: "second"},
	}}

	got, _ := fake.CompleteStructured(context.Background(), Request{})
	if got.FinalAnswer != "first" {
		t.Errorf("call 1 = %q, want first", got.FinalAnswer)
	}
	got, _ = fake.CompleteStructured(context.Background(), Request{})
	if got.FinalAnswer != "second" {
		t.Errorf("call 2 = %q, want second", got.FinalAnswer)
	}
	got, _ = fake.CompleteStructured(context.Background(), Request{})
	if got.FinalAnswer != "second" {
		t.Errorf("call 3 = %q, want repeated last entry", got.FinalAnswer)
	}
}

func TestNewFakeStreamsFinalAnswerThenDone(t *testing.T) {
	fake := NewFake("hello there", 0.9)

	var deltas []string
	var doneSeen bool
	for chunk, err := range fake.CompleteStream(context.Background(), Request{}) {
		if err != nil {
			t.Fatalf("CompleteStream() yielded error = %v", err)
		}
		if chunk.Done {
			doneSeen = true
			continue
		}
		deltas = append(deltas, chunk.Delta)
	}
	if !doneSeen {
		t.Error("stream never yielded a Done chunk")
	}
	if len(deltas) != 1 || deltas[0] != "hello there" {
		t.Errorf("deltas = %v, want [hello there]", deltas)
	}
}
