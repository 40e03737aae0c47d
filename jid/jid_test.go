package jid

import "testing"

func TestStringRoundTrip(t *testing.T) {
	cases := []Jid{
		NewPrimary("15551234567", ServerUser),
		NewDevice("15551234567", 3, ServerUser),
		NewPrimary("120363012345", ServerGroup),
	}
	for _, want := range cases {
		got, err := Parse(want.String())
		if err != nil {
			t.Fatalf("Parse(%q): %v", want.String(), err)
		}
		if !got.Equal(want) {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
		}
	}
}

func TestToPrimary(t *testing.T) {
	d := NewDevice("bob", 5, ServerUser)
	p := d.ToPrimary()
	if !p.IsPrimary() {
		t.Fatalf("expected primary, got %+v", p)
	}
	if p.User != d.User || p.Server != d.Server {
		t.Fatalf("ToPrimary changed identity: %+v -> %+v", d, p)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{"noat", "@server", "user:abc@server"} {
		if _, err := Parse(s); err == nil {
			t.Fatalf("expected error parsing %q", s)
		}
	}
}
