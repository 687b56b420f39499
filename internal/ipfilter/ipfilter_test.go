package ipfilter

import (
	"net/http"
	"testing"
)

func TestModeAll(t *testing.T) {
	f, err := New(ModeAll, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Check("203.0.113.7").Allowed {
		t.Fatal("mode all must allow everything")
	}
}

func TestDenylistCIDR(t *testing.T) {
	f, err := New(ModeDenylist, nil, []string{"203.0.113.0/24"})
	if err != nil {
		t.Fatal(err)
	}
	if f.Check("203.0.113.7").Allowed {
		t.Fatal("expected denial for address inside denylisted CIDR")
	}
	if !f.Check("198.51.100.1").Allowed {
		t.Fatal("expected allow for address outside denylisted CIDR")
	}
}

func TestAllowlistExact(t *testing.T) {
	f, err := New(ModeAllowlist, []string{"10.0.0.5"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Check("10.0.0.5").Allowed {
		t.Fatal("expected exact match allowed")
	}
	if f.Check("10.0.0.6").Allowed {
		t.Fatal("expected non-match denied")
	}
}

func TestIPv4MappedIPv6MatchesCIDR(t *testing.T) {
	f, err := New(ModeAllowlist, []string{"10.0.0.0/8"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Check("::ffff:10.0.0.1").Allowed {
		t.Fatal("expected IPv4-mapped IPv6 address to match IPv4 CIDR")
	}
}

func TestExtractClientIPPrecedence(t *testing.T) {
	cases := []struct {
		name string
		req  func() *http.Request
		want string
	}{
		{"cf-connecting-ip wins", func() *http.Request {
			r := &http.Request{Header: http.Header{}}
			r.Header.Set("CF-Connecting-IP", "1.1.1.1")
			r.Header.Set("X-Real-IP", "2.2.2.2")
			return r
		}, "1.1.1.1"},
		{"x-real-ip before xff", func() *http.Request {
			r := &http.Request{Header: http.Header{}}
			r.Header.Set("X-Real-IP", "2.2.2.2")
			r.Header.Set("X-Forwarded-For", "3.3.3.3, 4.4.4.4")
			return r
		}, "2.2.2.2"},
		{"xff first entry", func() *http.Request {
			r := &http.Request{Header: http.Header{}}
			r.Header.Set("X-Forwarded-For", "3.3.3.3, 4.4.4.4")
			return r
		}, "3.3.3.3"},
		{"falls back to peer addr", func() *http.Request {
			r := &http.Request{Header: http.Header{}, RemoteAddr: "5.5.5.5:1234"}
			return r
		}, "5.5.5.5"},
		{"unknown when nothing present", func() *http.Request {
			return &http.Request{Header: http.Header{}}
		}, "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ExtractClientIP(tc.req())
			if got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}
