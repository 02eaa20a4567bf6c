package playback

import (
	"errors"
	"testing"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		size      int64
		wantStart int64
		wantEnd   int64
		wantOK    bool
		wantErr   error
	}{
		{"empty header", "", 1000, 0, 0, false, nil},
		{"full range", "bytes=0-999", 1000, 0, 999, true, nil},
		{"open end", "bytes=500-", 1000, 500, 999, true, nil},
		{"suffix", "bytes=-500", 1000, 500, 999, true, nil},
		{"single byte", "bytes=0-0", 1000, 0, 0, true, nil},
		{"beyond size clamped", "bytes=0-2000", 1000, 0, 999, true, nil},
		{"suffix larger than file", "bytes=-2000", 500, 0, 499, true, nil},
		{"last byte", "bytes=999-", 1000, 999, 999, true, nil},
		{"multi range takes first", "bytes=0-99, 200-299", 1000, 0, 99, true, nil},

		{"start at size", "bytes=1000-", 1000, 0, 0, false, ErrUnsatisfiable},
		{"beyond size", "bytes=1500-2000", 1000, 0, 0, false, ErrUnsatisfiable},
		{"inverted", "bytes=500-100", 1000, 0, 0, false, ErrUnsatisfiable},
		{"suffix of empty body", "bytes=-10", 0, 0, 0, false, ErrUnsatisfiable},
		{"no unit", "invalid", 1000, 0, 0, false, ErrInvalidRange},
		{"wrong unit", "chars=0-100", 1000, 0, 0, false, ErrInvalidRange},
		{"bad start", "bytes=abc-100", 1000, 0, 0, false, ErrInvalidRange},
		{"bad end", "bytes=0-abc", 1000, 0, 0, false, ErrInvalidRange},
		{"zero suffix", "bytes=-0", 1000, 0, 0, false, ErrInvalidRange},
		{"no dash", "bytes=100", 1000, 0, 0, false, ErrInvalidRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := ParseRange(tt.header, tt.size)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("ParseRange() error = %v, wantErr %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRange() unexpected error: %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("ParseRange() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && (got.Start != tt.wantStart || got.End != tt.wantEnd) {
				t.Errorf("ParseRange() = {%d, %d}, want {%d, %d}", got.Start, got.End, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestRange_LengthAndContentRange(t *testing.T) {
	tests := []struct {
		r      Range
		total  int64
		length int64
		header string
	}{
		{Range{0, 99}, 1000, 100, "bytes 0-99/1000"},
		{Range{500, 999}, 1000, 500, "bytes 500-999/1000"},
		{Range{0, 0}, 1, 1, "bytes 0-0/1"},
	}

	for _, tt := range tests {
		if got := tt.r.Length(); got != tt.length {
			t.Errorf("%+v Length() = %d, want %d", tt.r, got, tt.length)
		}
		if got := tt.r.ContentRange(tt.total); got != tt.header {
			t.Errorf("%+v ContentRange() = %s, want %s", tt.r, got, tt.header)
		}
	}
}
