package llmprovider

import "testing"

func TestResponseIsFinal(t *testing.T) {
	if !(Response{FinalAnswer: "done"}).IsFinal() {
		t.Error("IsFinal() = false for a FinalAnswer-only response, want true")
	}
	if (Response{ToolCall: &ToolCall{Tool: "search_jobs"}}).IsFinal() {
		t.Error("IsFinal() = true for a ToolCall response, want false")
	}
}
