package chat

import (
	"encoding/json"
	"testing"
)

func TestAccumulatorCoalescesTextDeltas(t *testing.T) {
	acc := NewAccumulator("m1")

	fragments := []Fragment{
		{Type: FragmentTextDelta, Delta: "Hi"},
		{Type: FragmentTextDelta, Delta: " there"},
		{Type: FragmentFinish},
	}
	for _, f := range fragments {
		if err := acc.Apply(f); err != nil {
			t.Fatalf("Apply(%v) error = %v", f.Type, err)
		}
	}

	msg := acc.Message()
	if len(msg.Parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(msg.Parts))
	}
	if msg.Parts[0].Kind != PartText {
		t.Errorf("part kind = %q, want %q", msg.Parts[0].Kind, PartText)
	}
	if msg.Parts[0].Text != "Hi there" {
		t.Errorf("part text = %q, want %q", msg.Parts[0].Text, "Hi there")
	}
	if !acc.Finished() {
		t.Error("Finished() = false after finish fragment")
	}
}

func TestAccumulatorInterleavedKinds(t *testing.T) {
	tests := []struct {
		name      string
		fragments []Fragment
		wantKinds []PartKind
		wantTexts []string
	}{
		{
			name: "reasoning then text",
			fragments: []Fragment{
				{Type: FragmentReasoningDelta, Delta: "thinking"},
				{Type: FragmentReasoningDelta, Delta: " hard"},
				{Type: FragmentTextDelta, Delta: "answer"},
			},
			wantKinds: []PartKind{PartReasoning, PartText},
			wantTexts: []string{"thinking hard", "answer"},
		},
		{
			name: "text split by data part reopens text",
			fragments: []Fragment{
				{Type: FragmentTextDelta, Delta: "before"},
				{Type: FragmentDataPart, Kind: "suggestions", Payload: json.RawMessage(`["a"]`)},
				{Type: FragmentTextDelta, Delta: "after"},
			},
			wantKinds: []PartKind{PartText, PartData, PartText},
			wantTexts: []string{"before", "", "after"},
		},
		{
			name: "alternating reasoning and text never merge",
			fragments: []Fragment{
				{Type: FragmentReasoningDelta, Delta: "r1"},
				{Type: FragmentTextDelta, Delta: "t1"},
				{Type: FragmentReasoningDelta, Delta: "r2"},
			},
			wantKinds: []PartKind{PartReasoning, PartText, PartReasoning},
			wantTexts: []string{"r1", "t1", "r2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := NewAccumulator("m1")
			for _, f := range tt.fragments {
				if err := acc.Apply(f); err != nil {
					t.Fatalf("Apply(%v) error = %v", f.Type, err)
				}
			}

			msg := acc.Message()
			if len(msg.Parts) != len(tt.wantKinds) {
				t.Fatalf("got %d parts, want %d", len(msg.Parts), len(tt.wantKinds))
			}
			for i, p := range msg.Parts {
				if p.Kind != tt.wantKinds[i] {
					t.Errorf("part %d kind = %q, want %q", i, p.Kind, tt.wantKinds[i])
				}
				if p.Text != tt.wantTexts[i] {
					t.Errorf("part %d text = %q, want %q", i, p.Text, tt.wantTexts[i])
				}
			}
		})
	}
}

func TestAccumulatorRejectsFragmentsAfterFinish(t *testing.T) {
	acc := NewAccumulator("m1")
	if err := acc.Apply(Fragment{Type: FragmentFinish}); err != nil {
		t.Fatalf("Apply(finish) error = %v", err)
	}

	err := acc.Apply(Fragment{Type: FragmentTextDelta, Delta: "late"})
	if err == nil {
		t.Fatal("Apply after finish succeeded, want error")
	}
}

func TestAccumulatorRejectsUnknownFragmentType(t *testing.T) {
	acc := NewAccumulator("m1")
	if err := acc.Apply(Fragment{Type: "bogus"}); err == nil {
		t.Fatal("Apply(bogus) succeeded, want error")
	}
}

func TestAccumulatorMessageIsACopy(t *testing.T) {
	acc := NewAccumulator("m1")
	if err := acc.Apply(Fragment{Type: FragmentTextDelta, Delta: "a"}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	snapshot := acc.Message()
	if err := acc.Apply(Fragment{Type: FragmentTextDelta, Delta: "b"}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if snapshot.Parts[0].Text != "a" {
		t.Errorf("snapshot mutated by later append: %q", snapshot.Parts[0].Text)
	}
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"valid text message", Message{ID: "m", Role: RoleUser, Parts: []Part{NewTextPart("hi")}}, false},
		{"empty parts", Message{ID: "m", Role: RoleUser}, true},
		{"unknown part kind", Message{ID: "m", Role: RoleUser, Parts: []Part{{Kind: "weird"}}}, true},
		{"file part", Message{ID: "m", Role: RoleUser, Parts: []Part{NewFilePart("https://x/y.png", "y.png", "image/png")}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPartJSONRoundTrip(t *testing.T) {
	msg := Message{
		ID:   "m1",
		Role: RoleAssistant,
		Parts: []Part{
			NewReasoningPart("why"),
			NewTextPart("hello"),
			NewDataPart("suggestions", json.RawMessage(`{"items":["a","b"]}`)),
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if len(got.Parts) != 3 {
		t.Fatalf("got %d parts, want 3", len(got.Parts))
	}
	if got.Parts[1].Kind != PartText || got.Parts[1].Text != "hello" {
		t.Errorf("text part = %+v", got.Parts[1])
	}
	if got.Parts[2].Name != "suggestions" {
		t.Errorf("data part kind = %q, want suggestions", got.Parts[2].Name)
	}
}
