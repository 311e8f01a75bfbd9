package llmprovider

import "testing"

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	req := Request{Messages: []Message{{Role: RoleUser, Content: "hello"}}}

	data, err := c.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got Request
	if err := c.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "hello" {
		t.Errorf("round-tripped Request = %+v, want one message with content hello", got)
	}
}

func TestJSONCodecName(t *testing.T) {
	if (jsonCodec{}).Name() != jsonCodecName {
		t.Errorf("Name() = %q, want %q", (jsonCodec{}).Name(), jsonCodecName)
	}
}

func TestJSONCodecUnmarshalInvalidData(t *testing.T) {
	var got Request
	if err := (jsonCodec{}).Unmarshal([]byte("not json"), &got); err == nil {
		t.Error("Unmarshal() error = nil, want error for invalid JSON")
	}
}
