package smtp

import (
	"errors"
	"testing"
)

func TestParseHost(t *testing.T) {
	cases := []struct {
		input   string
		kind    HostKind
		display string
	}{
		{"example.com", HostDomain, "example.com"},
		{"Mail.Example.COM", HostDomain, "mail.example.com"},
		{"例え.jp", HostDomain, "xn--r8jz45g.jp"},
		{"[192.0.2.1]", HostIPv4, "[192.0.2.1]"},
		{"[IPv6:::1]", HostIPv6, "[IPv6:::1]"},
		{"[ipv6:2001:db8::1]", HostIPv6, "[IPv6:2001:db8::1]"},
		{"[x400:c=gb;a=;p=test]", HostOther, "[x400:c=gb;a=;p=test]"},
		{"[IPv6:not-an-ip]", HostInvalid, "[IPv6:not-an-ip]"},
		{"bad_host!", HostInvalid, "bad_host!"},
		{"", HostInvalid, ""},
	}

	for _, c := range cases {
		h := ParseHost(c.input)
		if h.Kind != c.kind {
			t.Errorf("ParseHost(%q).Kind = %d; want %d", c.input, h.Kind, c.kind)
		}
		if h.String() != c.display {
			t.Errorf("ParseHost(%q).String() = %q; want %q", c.input, h.String(), c.display)
		}
	}
}

func TestParseHostUnicodeForm(t *testing.T) {
	h := ParseHost("例え.jp")
	if !h.IsUTF8() {
		t.Fatalf("expected %q to need SMTPUTF8", h.Name)
	}
	if h.Unicode != "例え.jp" {
		t.Errorf("Unicode = %q; want %q", h.Unicode, "例え.jp")
	}
	if ParseHost("example.com").IsUTF8() {
		t.Error("plain ASCII domain reported as UTF-8")
	}
}

func TestParseAddressASCII(t *testing.T) {
	cases := []struct {
		input  string
		valid  bool
		normal string
	}{
		{"user@example.com", true, "user@example.com"},
		{"User@Example.COM", true, "User@example.com"},
		{"user.name+tag@sub.example.co.uk", true, "user.name+tag@sub.example.co.uk"},
		{"\"me@home\"@example.com", true, "\"me@home\"@example.com"},
		{"\"Name With Space\"@EXAMPLE.COM", true, "\"Name With Space\"@example.com"},
		{"user@[192.0.2.1]", true, "user@[192.0.2.1]"},
		{"no-at-sign", false, ""},
		{"@example.com", false, ""},
		{"user@", false, ""},
		{"us er@example.com", false, ""},
	}

	for _, c := range cases {
		a, err := ParseAddress(c.input, false)
		if (err == nil) != c.valid {
			t.Fatalf("ParseAddress(%q) error = %v; want valid=%v", c.input, err, c.valid)
		}
		if err != nil {
			if !errors.Is(err, ErrInvalidMailbox) {
				t.Errorf("ParseAddress(%q) error %v does not wrap ErrInvalidMailbox", c.input, err)
			}
			continue
		}
		if a.String() != c.normal {
			t.Errorf("ParseAddress(%q) = %q; want %q", c.input, a.String(), c.normal)
		}
	}
}

func TestParseAddressUTF8Local(t *testing.T) {
	validUTF8 := "usér@例え.jp"
	if _, err := ParseAddress(validUTF8, false); err == nil {
		t.Fatalf("expected ParseAddress(%q, false) to fail (no UTF8 allowed)", validUTF8)
	}
	if _, err := ParseAddress(validUTF8, true); err != nil {
		t.Fatalf("ParseAddress(%q, true) failed: %v", validUTF8, err)
	}
}

func TestLocalPartTooLong(t *testing.T) {
	local := ""
	for i := 0; i < MaxLocalPartLength+1; i++ {
		local += "a"
	}
	if _, err := ParseAddress(local+"@example.com", false); err == nil {
		t.Fatal("expected an over-long local part to be rejected")
	}
}

func TestParsePath(t *testing.T) {
	cases := []struct {
		input   string
		kind    PathKind
		mailbox string
		display string
	}{
		{"<>", PathNull, "", "<>"},
		{"", PathNull, "", "<>"},
		{"<postmaster>", PathPostmaster, "POSTMASTER", "<POSTMASTER>"},
		{"<PostMaster>", PathPostmaster, "POSTMASTER", "<POSTMASTER>"},
		{"<a@a.test>", PathDirect, "a@a.test", "<a@a.test>"},
		{"b@b.test", PathDirect, "b@b.test", "<b@b.test>"},
		{"<@relay.test,@hop.test:c@c.test>", PathRelay, "c@c.test", "<@relay.test,@hop.test:c@c.test>"},
	}

	for _, c := range cases {
		p, err := ParsePath(c.input, false)
		if err != nil {
			t.Fatalf("ParsePath(%q) failed: %v", c.input, err)
		}
		if p.Kind != c.kind {
			t.Errorf("ParsePath(%q).Kind = %d; want %d", c.input, p.Kind, c.kind)
		}
		if p.Mailbox() != c.mailbox {
			t.Errorf("ParsePath(%q).Mailbox() = %q; want %q", c.input, p.Mailbox(), c.mailbox)
		}
		if p.String() != c.display {
			t.Errorf("ParsePath(%q).String() = %q; want %q", c.input, p.String(), c.display)
		}
	}
}

func TestParsePathRelayKeepsOneMailbox(t *testing.T) {
	p, err := ParsePath("<@one.test,@two.test:user@dest.test>", false)
	if err != nil {
		t.Fatalf("ParsePath failed: %v", err)
	}
	if len(p.Relays) != 2 {
		t.Fatalf("expected 2 relays, got %d", len(p.Relays))
	}
	if p.Address.Mailbox != "user" || p.Address.Host.Name != "dest.test" {
		t.Errorf("unexpected terminal mailbox %+v", p.Address)
	}
}

func TestParsePathErrors(t *testing.T) {
	inputs := []string{
		"<a@a.test",
		"a@a.test>",
		"<@relay.test>",
		"<@bad_relay!:a@a.test>",
		"<not-a-mailbox>",
	}
	for _, in := range inputs {
		if _, err := ParsePath(in, false); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("ParsePath(%q) error = %v; want ErrInvalidPath", in, err)
		}
	}
}

func TestPathIsUTF8(t *testing.T) {
	p, err := ParsePath("<usér@example.com>", true)
	if err != nil {
		t.Fatalf("ParsePath failed: %v", err)
	}
	if !p.IsUTF8() {
		t.Error("expected UTF-8 local part to mark the path as UTF-8")
	}
	if NullPath().IsUTF8() || PostmasterPath().IsUTF8() {
		t.Error("null and postmaster paths are never UTF-8")
	}
}

func TestValidateDomain(t *testing.T) {
	cases := map[string]bool{
		"example.com":      true,
		"sub.example.com":  true,
		"例え.jp":            true,
		"-leading.example": false,
		"trailing-.test":   false,
		"":                 false,
	}
	for in, want := range cases {
		if got := ValidateDomain(in); got != want {
			t.Errorf("ValidateDomain(%q) = %v; want %v", in, got, want)
		}
	}
}
