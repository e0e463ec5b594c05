package can

import (
	"errors"
	"testing"
)

func TestFrameValidate(t *testing.T) {
	tests := []struct {
		name string
		fr   Frame
		want error
	}{
		{"ok", New(0x7FF, 1), nil},
		{"ok8", New(0x100, 1, 2, 3, 4, 5, 6, 7, 8), nil},
		{"empty", Frame{ID: 0x100}, ErrInvalidLen},
		{"long", Frame{ID: 0x100, Len: 9}, ErrInvalidLen},
		{"eff", New(0x800, 1), ErrInvalidID},
	}
	for _, tc := range tests {
		err := tc.fr.Validate()
		if tc.want == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v got %v", tc.name, tc.want, err)
		}
	}
}

func TestNewTruncatesPayload(t *testing.T) {
	fr := New(0x123, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	if fr.Len != 8 {
		t.Fatalf("expected len 8 got %d", fr.Len)
	}
	if got := fr.String(); got != "123#01 02 03 04 05 06 07 08" {
		t.Fatalf("unexpected string %q", got)
	}
}

func TestTagZero(t *testing.T) {
	if !(Tag{}).IsZero() {
		t.Fatal("zero tag must report IsZero")
	}
	if (Tag{Channel: 1, Kind: TagFirst}).IsZero() {
		t.Fatal("non-zero tag reported IsZero")
	}
}
