// Package tools defines the scanners scanpilot can invoke and the immutable
// policy that governs how they are invoked: which tools are allowed, which
// arguments are forbidden, per-tool deadlines and canonical argument tables.
package tools

import (
	"slices"
	"strings"
	"time"
)

// Name identifies an external scanning tool.
type Name string

const (
	Nmap     Name = "nmap"
	Nikto    Name = "nikto"
	Gobuster Name = "gobuster"
	Sqlmap   Name = "sqlmap"
)

// BundledWordlist names the wordlist shipped with scanpilot. It stands in for
// the gobuster wordlist until a scan writes the list to disk.
const BundledWordlist = "scanpilot-common.txt"

// Known lists every tool scanpilot knows how to plan, run and parse.
var Known = []Name{Nmap, Nikto, Gobuster, Sqlmap}

// Parse returns the tool for s and whether it is one of the known tools.
func Parse(s string) (Name, bool) {
	n := Name(strings.ToLower(strings.TrimSpace(s)))
	return n, slices.Contains(Known, n)
}

// WebTransport reports whether the tool expects a URL rather than a bare host.
func (n Name) WebTransport() bool {
	switch n {
	case Nikto, Gobuster, Sqlmap:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (n Name) String() string {
	return string(n)
}

// CarveOut permits a forbidden flag when it is immediately followed by Value.
type CarveOut struct {
	Flag  string `yaml:"flag" json:"flag"`
	Value string `yaml:"value" json:"value"`
}

const (
	DefaultTimeout   = 120 * time.Second
	DefaultMaxOutput = 20000
	TruncationMarker = "\n...[truncated]"
)

// DefaultTimeouts is the per-tool deadline table.
var DefaultTimeouts = map[Name]time.Duration{
	Nmap:     600 * time.Second,
	Nikto:    1200 * time.Second,
	Gobuster: 600 * time.Second,
	Sqlmap:   1200 * time.Second,
}

// DefaultForbiddenArgs are flags that write output to arbitrary files,
// load arbitrary scripts or open interactive shells.
var DefaultForbiddenArgs = []string{
	// nmap
	"-oN", "-oX", "-oA", "-oG", "-oS", "-oJ",
	"--script", "--script-args-file", "--datadir", "--servicedb", "--versiondb",
	"--resume", "--stylesheet",
	// gobuster / nikto
	"-o", "-output", "-Output", "-Save", "-config", "--output",
	// sqlmap
	"--output-dir", "--file-write", "--file-dest", "--os-shell", "--os-pwn",
	"--sql-shell", "--eval", "--tamper",
}

// DefaultCarveOuts allows nmap's XML report on stdout.
var DefaultCarveOuts = map[Name][]CarveOut{
	Nmap: {{Flag: "-oX", Value: "-"}},
}

// DefaultForcedArgs are appended when missing so the tool never prompts.
var DefaultForcedArgs = map[Name][]string{
	Sqlmap: {"--batch", "--random-agent"},
}

// Options is the mutable input used to build a Policy.
type Options struct {
	Allowed        []Name
	ForbiddenArgs  []string
	CarveOuts      map[Name][]CarveOut
	ForcedArgs     map[Name][]string
	Timeouts       map[Name]time.Duration
	DefaultTimeout time.Duration
	MaxOutput      int
	Wordlist       string
}

// DefaultOptions returns the built-in tool tables.
func DefaultOptions() Options {
	return Options{
		Allowed:        slices.Clone(Known),
		ForbiddenArgs:  slices.Clone(DefaultForbiddenArgs),
		CarveOuts:      DefaultCarveOuts,
		ForcedArgs:     DefaultForcedArgs,
		Timeouts:       DefaultTimeouts,
		DefaultTimeout: DefaultTimeout,
		MaxOutput:      DefaultMaxOutput,
	}
}

// Policy is the read-only tool configuration shared by the planner,
// validator and executor. Build it once with NewPolicy.
type Policy struct {
	allowed        map[Name]struct{}
	forbidden      map[string]struct{}
	carveOuts      map[Name][]CarveOut
	forcedArgs     map[Name][]string
	timeouts       map[Name]time.Duration
	defaultTimeout time.Duration
	maxOutput      int
	wordlist       string
}

// NewPolicy copies opts into an immutable Policy.
func NewPolicy(opts Options) *Policy {
	p := &Policy{
		allowed:        make(map[Name]struct{}, len(opts.Allowed)),
		forbidden:      make(map[string]struct{}, len(opts.ForbiddenArgs)),
		carveOuts:      make(map[Name][]CarveOut, len(opts.CarveOuts)),
		forcedArgs:     make(map[Name][]string, len(opts.ForcedArgs)),
		timeouts:       make(map[Name]time.Duration, len(opts.Timeouts)),
		defaultTimeout: opts.DefaultTimeout,
		maxOutput:      opts.MaxOutput,
		wordlist:       opts.Wordlist,
	}
	for _, n := range opts.Allowed {
		p.allowed[n] = struct{}{}
	}
	for _, a := range opts.ForbiddenArgs {
		p.forbidden[a] = struct{}{}
	}
	for n, c := range opts.CarveOuts {
		p.carveOuts[n] = slices.Clone(c)
	}
	for n, a := range opts.ForcedArgs {
		p.forcedArgs[n] = slices.Clone(a)
	}
	for n, d := range opts.Timeouts {
		p.timeouts[n] = d
	}
	if p.defaultTimeout <= 0 {
		p.defaultTimeout = DefaultTimeout
	}
	if p.maxOutput <= 0 {
		p.maxOutput = DefaultMaxOutput
	}
	return p
}

// DefaultPolicy returns a policy built from DefaultOptions.
func DefaultPolicy() *Policy {
	return NewPolicy(DefaultOptions())
}

// Allowed reports whether name is on the allowlist.
func (p *Policy) Allowed(name string) bool {
	_, ok := p.allowed[Name(name)]
	return ok
}

// AllowedTools returns the allowlist in a stable order.
func (p *Policy) AllowedTools() []Name {
	out := make([]Name, 0, len(p.allowed))
	for n := range p.allowed {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// ArgBase returns the flag part of arg, i.e. everything before the first "=".
func ArgBase(arg string) string {
	base, _, _ := strings.Cut(arg, "=")
	return base
}

// Forbidden reports whether arg is denylisted. Matching is case-sensitive
// and ignores any "=value" suffix.
func (p *Policy) Forbidden(arg string) bool {
	_, ok := p.forbidden[ArgBase(arg)]
	return ok
}

// CarvedOut reports whether flag followed by next is an explicitly
// permitted use of an otherwise forbidden flag for tool.
func (p *Policy) CarvedOut(tool Name, flag, next string) bool {
	for _, c := range p.carveOuts[tool] {
		if c.Flag == flag && c.Value == next {
			return true
		}
	}
	return false
}

// ForcedArgs returns the flags that must always be present for tool.
func (p *Policy) ForcedArgs(tool Name) []string {
	return slices.Clone(p.forcedArgs[tool])
}

// Timeout returns the deadline for tool, or the default for unknown tools.
func (p *Policy) Timeout(tool Name) time.Duration {
	if d, ok := p.timeouts[tool]; ok && d > 0 {
		return d
	}
	return p.defaultTimeout
}

// MaxOutput is the per-stream capture bound in bytes.
func (p *Policy) MaxOutput() int {
	return p.maxOutput
}

// Wordlist is the configured gobuster wordlist path; may be empty.
func (p *Policy) Wordlist() string {
	return p.wordlist
}

// CanonicalArgs returns the safe argument vector for tool against an
// already normalized target. The target is always its own element.
func (p *Policy) CanonicalArgs(tool Name, target string) []string {
	switch tool {
	case Nmap:
		return []string{"nmap", "-sV", "-T4", "-oX", "-", target}
	case Nikto:
		return []string{"nikto", "-h", target, "-Format", "xml"}
	case Gobuster:
		wordlist := p.wordlist
		if wordlist == "" {
			wordlist = BundledWordlist
		}
		return []string{"gobuster", "dir", "-u", target, "-w", wordlist}
	case Sqlmap:
		return append([]string{"sqlmap", "-u", target}, p.forcedArgs[Sqlmap]...)
	default:
		return []string{string(tool), target}
	}
}

// Truncate bounds s to the policy's output limit, appending a marker if cut.
func (p *Policy) Truncate(s string) string {
	if len(s) <= p.maxOutput {
		return s
	}
	return s[:p.maxOutput] + TruncationMarker
}
