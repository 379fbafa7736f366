package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  Name
		ok    bool
	}{
		{"nmap", Nmap, true},
		{" NIKTO ", Nikto, true},
		{"gobuster", Gobuster, true},
		{"sqlmap", Sqlmap, true},
		{"ftp", Name("ftp"), false},
		{"", Name(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := Parse(tt.input)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestWebTransport(t *testing.T) {
	assert.False(t, Nmap.WebTransport())
	assert.True(t, Nikto.WebTransport())
	assert.True(t, Gobuster.WebTransport())
	assert.True(t, Sqlmap.WebTransport())
}

func TestPolicyForbidden(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		arg  string
		want bool
	}{
		{"-oN", true},
		{"-oX", true},
		{"--script=vuln", true},
		{"--output-dir=/tmp", true},
		{"--os-shell", true},
		{"-sV", false},
		{"-on", false},
		{"--SCRIPT", false},
		{"example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Forbidden(tt.arg))
		})
	}
}

func TestPolicyCarvedOut(t *testing.T) {
	p := DefaultPolicy()

	assert.True(t, p.CarvedOut(Nmap, "-oX", "-"))
	assert.False(t, p.CarvedOut(Nmap, "-oX", "out.xml"))
	assert.False(t, p.CarvedOut(Nmap, "-oN", "-"))
	assert.False(t, p.CarvedOut(Nikto, "-oX", "-"))
}

func TestPolicyTimeout(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, 600*time.Second, p.Timeout(Nmap))
	assert.Equal(t, 1200*time.Second, p.Timeout(Nikto))
	assert.Equal(t, 600*time.Second, p.Timeout(Gobuster))
	assert.Equal(t, 1200*time.Second, p.Timeout(Sqlmap))
	assert.Equal(t, 120*time.Second, p.Timeout(Name("unknown")))
}

func TestPolicyIsolatedFromOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.Allowed = []Name{Nmap}
	opts.Timeouts = map[Name]time.Duration{Nmap: time.Second}
	p := NewPolicy(opts)

	opts.Allowed[0] = Sqlmap
	opts.Timeouts[Nmap] = time.Hour

	assert.True(t, p.Allowed("nmap"))
	assert.False(t, p.Allowed("sqlmap"))
	assert.Equal(t, time.Second, p.Timeout(Nmap))
	assert.Equal(t, []Name{Nmap}, p.AllowedTools())
}

func TestCanonicalArgs(t *testing.T) {
	opts := DefaultOptions()
	opts.Wordlist = "/tmp/words.txt"
	p := NewPolicy(opts)

	tests := []struct {
		tool   Name
		target string
		want   []string
	}{
		{Nmap, "example.com", []string{"nmap", "-sV", "-T4", "-oX", "-", "example.com"}},
		{Nikto, "http://example.com", []string{"nikto", "-h", "http://example.com", "-Format", "xml"}},
		{Gobuster, "http://example.com", []string{"gobuster", "dir", "-u", "http://example.com", "-w", "/tmp/words.txt"}},
		{Sqlmap, "http://example.com/?id=1", []string{"sqlmap", "-u", "http://example.com/?id=1", "--batch", "--random-agent"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.tool), func(t *testing.T) {
			got := p.CanonicalArgs(tt.tool, tt.target)
			require.NotEmpty(t, got)
			assert.Equal(t, string(tt.tool), got[0])
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonicalArgsBundledWordlist(t *testing.T) {
	p := NewPolicy(DefaultOptions())

	got := p.CanonicalArgs(Gobuster, "http://example.com")
	assert.Equal(t, []string{"gobuster", "dir", "-u", "http://example.com", "-w", BundledWordlist}, got)
	assert.NotContains(t, got, "")
}

func TestTruncate(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxOutput = 5
	p := NewPolicy(opts)

	assert.Equal(t, "abc", p.Truncate("abc"))
	assert.Equal(t, "abcde", p.Truncate("abcde"))
	assert.Equal(t, "abcde"+TruncationMarker, p.Truncate("abcdefgh"))
}
