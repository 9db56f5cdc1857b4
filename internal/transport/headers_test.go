package transport

import (
	"testing"

	"avena/internal/hlc"
)

func TestEncodeDecodeHLCRoundTrip(t *testing.T) {
	ts := hlc.Timestamp{WallMS: 1700000000123, Counter: 7, NodeID: "dev-7f3a"}
	encoded := EncodeHLC(ts)
	decoded, err := DecodeHLC(encoded)
	if err != nil {
		t.Fatalf("DecodeHLC: %v", err)
	}
	if decoded != ts {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, ts)
	}
}

func TestDecodeHLCRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"123",
		"123.456",
		"abc.1.node",
		"1.abc.node",
		"1.2.",
	}
	for _, c := range cases {
		if _, err := DecodeHLC(c); err == nil {
			t.Errorf("DecodeHLC(%q): expected error, got nil", c)
		}
	}
}

func TestPowBackoffGrowth(t *testing.T) {
	cases := []struct {
		exp  float64
		want float64
	}{
		{0, 1},
		{1, 2},
		{2, 4},
		{5, 32},
	}
	for _, c := range cases {
		if got := pow(2.0, c.exp); got != c.want {
			t.Errorf("pow(2, %v) = %v, want %v", c.exp, got, c.want)
		}
	}
}
