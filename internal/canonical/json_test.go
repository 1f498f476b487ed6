package canonical

import (
	"testing"
	"time"
)

func TestMarshalDeterministicForms(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want string
	}{
		{
			name: "sorted keys",
			in:   map[string]any{"zeta": 1, "alpha": 2, "mid": 3},
			want: `{"alpha":2,"mid":3,"zeta":1}`,
		},
		{
			name: "nested objects sorted at every level",
			in:   map[string]any{"b": map[string]any{"y": 1, "x": 2}, "a": 3},
			want: `{"a":3,"b":{"x":2,"y":1}}`,
		},
		{
			name: "integral float collapses to integer",
			in:   map[string]any{"n": 4.0},
			want: `{"n":4}`,
		},
		{
			name: "fraction keeps shortest form",
			in:   map[string]any{"n": 0.5},
			want: `{"n":0.5}`,
		},
		{
			name: "arrays keep order",
			in:   []any{3, 1, 2},
			want: `[3,1,2]`,
		},
		{
			name: "large magnitude stays decimal below 1e21",
			in:   map[string]any{"n": 1e20},
			want: `{"n":100000000000000000000}`,
		},
		{
			name: "exponent form at 1e21 without zero padding",
			in:   map[string]any{"n": 1e21},
			want: `{"n":1e+21}`,
		},
		{
			name: "small magnitude stays decimal down to 1e-6",
			in:   map[string]any{"n": 0.000001},
			want: `{"n":0.000001}`,
		},
		{
			name: "tiny magnitude uses bare exponent digits",
			in:   map[string]any{"n": 1.5e-8},
			want: `{"n":1.5e-8}`,
		},
		{
			name: "minimal string escapes",
			in:   map[string]any{"s": "line\nquote\" slash\\ λ"},
			want: `{"s":"line\nquote\" slash\\ λ"}`,
		},
		{
			name: "null and bool literals",
			in:   map[string]any{"a": nil, "b": true},
			want: `{"a":null,"b":true}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Marshal(tc.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestMarshalHonorsStructTags(t *testing.T) {
	type msg struct {
		Name      string    `json:"name"`
		Timestamp time.Time `json:"timestamp"`
		Signature string    `json:"signature,omitempty"`
	}
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	got, err := Marshal(msg{Name: "node-a", Timestamp: ts})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"name":"node-a","timestamp":"2025-06-01T12:00:00Z"}`
	if string(got) != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestMarshalStableAcrossCalls(t *testing.T) {
	in := map[string]any{"k1": "v", "k2": []any{1, 2}, "k3": map[string]any{"z": 0, "a": 1}}
	first, err := Marshal(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 50; i++ {
		again, err := Marshal(in)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("iteration %d produced %s, first call produced %s", i, again, first)
		}
	}
}

func TestMarshalRejectsNonFinite(t *testing.T) {
	if _, err := Marshal(map[string]any{"bad": func() {}}); err == nil {
		t.Fatalf("expected error for unencodable value")
	}
}
