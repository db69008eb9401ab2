package bencode

import (
	"reflect"
	"testing"
)

func TestUnmarshal_Primitives(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"string", "4:spam", "spam"},
		{"empty-string", "0:", ""},
		{"int", "i42e", int64(42)},
		{"negative-int", "i-42e", int64(-42)},
		{"zero", "i0e", int64(0)},
		{"list", "l4:spam4:eggse", []any{"spam", "eggs"}},
		{"dict", "d3:cow3:moo4:spam4:eggse", map[string]any{"cow": "moo", "spam": "eggs"}},
		{"nested", "l4:spaml1:ae4:eggse", []any{"spam", []any{"a"}, "eggs"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unmarshal([]byte(tt.in))
			if err != nil {
				t.Fatalf("Unmarshal(%q) error: %v", tt.in, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Unmarshal(%q) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestUnmarshal_Malformed(t *testing.T) {
	tests := []string{
		"i01e",      // leading zero
		"i-0e",      // negative zero
		"i-e",       // lone minus
		"-1:foo",    // negative length
		"di1e4:spame", // dict key is not a string
		"4:spam4:eggs", // trailing data
		"l4:spam",   // unterminated list
		"d3:cow3:mooe4:spam4:eggse", // trailing data after valid dict
	}

	for _, in := range tests {
		if _, err := Unmarshal([]byte(in)); err == nil {
			t.Fatalf("Unmarshal(%q) expected error, got nil", in)
		}
	}
}

func TestUnmarshal_RoundTrip(t *testing.T) {
	original := map[string]any{
		"announce": "http://tracker.example.com/announce",
		"info": map[string]any{
			"name":         "file.bin",
			"piece length": int64(16384),
			"length":       int64(32768),
			"pieces":       "0123456789012345678901234567890123456789",
		},
	}

	encoded, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	decoded, err := Unmarshal(encoded)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if !reflect.DeepEqual(decoded, original) {
		t.Fatalf("round trip mismatch: got %#v, want %#v", decoded, original)
	}
}
