package transcript

import "testing"

type fragment struct {
	text    string
	isFinal bool
}

func TestAccumulator_Resolve(t *testing.T) {
	tests := []struct {
		name      string
		fragments []fragment
		want      string
	}{
		{
			name: "empty",
			want: "",
		},
		{
			name:      "interim only",
			fragments: []fragment{{"hel", false}, {"hello wor", false}},
			want:      "hello wor",
		},
		{
			name:      "finals are space joined",
			fragments: []fragment{{"hello", true}, {"world", true}},
			want:      "hello world",
		},
		{
			name:      "final wins over a later interim",
			fragments: []fragment{{"book a", false}, {"book a table", true}, {"for", false}},
			want:      "book a table",
		},
		{
			name:      "final clears pending interim",
			fragments: []fragment{{"noise", false}, {"", true}},
			want:      "",
		},
		{
			name:      "whitespace trimmed",
			fragments: []fragment{{"  padded  ", false}},
			want:      "padded",
		},
		{
			name:      "final fragments trimmed before joining",
			fragments: []fragment{{" one ", true}, {"two  ", true}},
			want:      "one two",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var a Accumulator
			for _, f := range tc.fragments {
				a.Add(f.text, f.isFinal)
			}
			if got := a.Resolve(); got != tc.want {
				t.Errorf("Resolve() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAccumulator_ResetClearsBoth(t *testing.T) {
	var a Accumulator
	a.Add("committed", true)
	a.Add("pending", false)
	a.Reset()
	if got := a.Resolve(); got != "" {
		t.Errorf("Resolve() after Reset = %q, want empty", got)
	}
}

func TestAccumulator_ResolveIsRepeatable(t *testing.T) {
	var a Accumulator
	a.Add("hello", true)
	if a.Resolve() != a.Resolve() {
		t.Error("Resolve changed state")
	}
}
