//go:build unix

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/scanpilot/internal/analysis"
	"github.com/anstrom/scanpilot/internal/command"
	scanerrors "github.com/anstrom/scanpilot/internal/errors"
	"github.com/anstrom/scanpilot/internal/executor"
	"github.com/anstrom/scanpilot/internal/jobs"
	"github.com/anstrom/scanpilot/internal/llm"
	"github.com/anstrom/scanpilot/internal/llm/mocks"
	"github.com/anstrom/scanpilot/internal/logging"
	"github.com/anstrom/scanpilot/internal/metrics"
	"github.com/anstrom/scanpilot/internal/planner"
	"github.com/anstrom/scanpilot/internal/store"
	"github.com/anstrom/scanpilot/internal/tools"
)

type fakeProber struct {
	mu        sync.Mutex
	targets   []string
	reason    string
	reachable bool
}

func (p *fakeProber) CheckReachable(_ context.Context, t string) (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets = append(p.targets, t)
	if !p.reachable {
		return false, p.reason
	}
	return true, "reachable"
}

type fixture struct {
	orch    *Orchestrator
	store   *store.MemoryStore
	prober  *fakeProber
	metrics *metrics.PrometheusMetrics
	dir     string
}

type fixtureConfig struct {
	scripts      map[string]string
	opts         tools.Options
	collaborator llm.Collaborator
}

func newFixture(t *testing.T, cfg fixtureConfig) *fixture {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	bin := t.TempDir()
	for name, body := range cfg.scripts {
		require.NoError(t, os.WriteFile(filepath.Join(bin, name), []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	}
	lookPath := func(name string) (string, error) {
		p := filepath.Join(bin, name)
		if _, err := os.Stat(p); err != nil {
			return "", err
		}
		return p, nil
	}

	opts := cfg.opts
	if opts.Allowed == nil {
		opts = tools.DefaultOptions()
	}
	policy := tools.NewPolicy(opts)
	logger := logging.Discard()
	rec := metrics.NewPrometheusMetrics()
	scratch := t.TempDir()

	validator := command.NewValidator(policy, lookPath)
	f := &fixture{
		store:   store.NewMemoryStore(),
		prober:  &fakeProber{reachable: true},
		metrics: rec,
		dir:     scratch,
	}
	plannerOpts := []planner.Option{planner.WithLogger(logger), planner.WithMetrics(rec)}
	if cfg.collaborator != nil {
		plannerOpts = append(plannerOpts, planner.WithCollaborator(cfg.collaborator))
	}
	f.orch = New(Deps{
		Planner:   planner.New(policy, plannerOpts...),
		Validator: validator,
		Executor:  executor.New(validator, executor.WithScratchDir(scratch), executor.WithLogger(logger)),
		Analyzer:  analysis.NewAnalyzer(nil, logger),
		Prober:    f.prober,
		Sink:      f.store,
		History:   f.store,
	},
		WithLogger(logger),
		WithMetrics(rec),
		WithScratchDir(scratch),
		WithJobOptions(jobs.WithGracePeriod(500*time.Millisecond)),
	)
	return f
}

func assertProbes(t *testing.T, rec *metrics.PrometheusMetrics, series string) {
	t.Helper()
	expected := `
# HELP scanpilot_probe_total Reachability probes by result
# TYPE scanpilot_probe_total counter
` + series + "\n"
	require.NoError(t, testutil.GatherAndCompare(rec.GetRegistry(), strings.NewReader(expected), "scanpilot_probe_total"))
}

func nmapFixturePath(t *testing.T) string {
	t.Helper()
	path, err := filepath.Abs(filepath.Join("testdata", "nmap_http.xml"))
	require.NoError(t, err)
	return path
}

func TestScanNetworkTarget(t *testing.T) {
	f := newFixture(t, fixtureConfig{scripts: map[string]string{
		"nmap": "cat '" + nmapFixturePath(t) + "'",
	}})

	out, err := f.orch.Scan(context.Background(), Request{Target: " 93.184.216.34 ", SessionID: "s1"})
	require.NoError(t, err)

	assert.Equal(t, "nmap", out.Tool)
	assert.Equal(t, []string{"nmap", "-sV", "-T4", "-oX", "-", "93.184.216.34"}, out.Argv)
	assert.Equal(t, planner.StrategyRuleBased, out.Strategy)
	assert.Equal(t, jobs.StateCompleted, out.State)
	assert.NotEmpty(t, out.JobID)
	require.NotNil(t, out.Findings)
	require.True(t, out.Findings.Parsed)
	require.Len(t, out.Findings.Hosts, 1)
	require.Len(t, out.Findings.Hosts[0].Ports, 1)
	assert.Equal(t, "80", out.Findings.Hosts[0].Ports[0].Port)
	assert.Equal(t, analysis.RiskLow, out.Risk)
	for _, key := range analysis.RequiredKeys() {
		assert.Contains(t, out.Analysis, key)
	}
	assert.Equal(t, []string{"93.184.216.34"}, f.prober.targets)

	entries := f.store.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, out.JobID, entries[0].JobID)
	assert.Equal(t, "completed", entries[0].Status)
	assert.Equal(t, "s1", entries[0].SessionID)
	assert.True(t, entries[0].OK)

	assertProbes(t, f.metrics, `scanpilot_probe_total{result="reachable"} 1`)
}

func TestScanWebTargetSelectsNikto(t *testing.T) {
	f := newFixture(t, fixtureConfig{scripts: map[string]string{
		"nikto": `echo '+ Server: nginx'`,
	}})

	out, err := f.orch.Scan(context.Background(), Request{Target: "http://example.com"})
	require.NoError(t, err)

	assert.Equal(t, "nikto", out.Tool)
	assert.Equal(t, []string{"nikto", "-h", "http://example.com", "-Format", "xml"}, out.Argv)
	assert.Equal(t, "http://example.com", out.Target)
	assert.Equal(t, []string{"http://example.com"}, f.prober.targets)
	assert.Len(t, f.store.Entries(), 1)
}

func TestScanGobusterWordlist(t *testing.T) {
	scripts := map[string]string{
		"gobuster": `echo "$@" >&2; echo 'Found: /admin (Status: 200)'`,
	}

	t.Run("bundled wordlist", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{scripts: scripts})

		out, err := f.orch.Scan(context.Background(), Request{Target: "http://example.com", Tool: "gobuster"})
		require.NoError(t, err)

		bundled := out.Argv[len(out.Argv)-1]
		assert.Equal(t, []string{"gobuster", "dir", "-u", "http://example.com", "-w", bundled}, out.Argv)
		assert.Equal(t, f.dir, filepath.Dir(bundled))
		assert.True(t, strings.HasPrefix(filepath.Base(bundled), "scanpilot-common-"))
		data, err := os.ReadFile(bundled)
		require.NoError(t, err)
		assert.Equal(t, bundledWordlist, data)

		require.NoError(t, f.orch.Close())
		assert.NoFileExists(t, bundled)

		require.NotNil(t, out.Findings)
		require.Len(t, out.Findings.Paths, 1)
		assert.Equal(t, "/admin", out.Findings.Paths[0].Path)
		assert.Equal(t, 200, out.Findings.Paths[0].Status)
		assert.Equal(t, analysis.RiskMedium, out.Risk)
	})

	t.Run("uploaded wordlist", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{scripts: scripts})
		upload := filepath.Join(t.TempDir(), "words.txt")
		require.NoError(t, os.WriteFile(upload, []byte("admin\n"), 0o600))

		out, err := f.orch.Scan(context.Background(), Request{Target: "example.com", Tool: "gobuster", Wordlist: upload})
		require.NoError(t, err)
		assert.Equal(t, upload, out.Argv[len(out.Argv)-1])
		assert.Contains(t, out.Output.Stderr, "-w "+upload)
	})

	t.Run("missing upload", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{scripts: scripts})

		_, err := f.orch.Scan(context.Background(), Request{
			Target: "example.com", Tool: "gobuster", Wordlist: filepath.Join(t.TempDir(), "missing.txt"),
		})
		require.Error(t, err)
		assert.True(t, scanerrors.IsCode(err, scanerrors.CodeValidation))
		assert.Empty(t, f.store.Entries())
	})
}

func TestBundledWordlistIgnoresPlantedLink(t *testing.T) {
	dir := t.TempDir()
	victim := filepath.Join(t.TempDir(), "victim")
	require.NoError(t, os.WriteFile(victim, []byte("keep\n"), 0o600))
	require.NoError(t, os.Symlink(victim, filepath.Join(dir, tools.BundledWordlist)))

	w := &wordlists{dir: dir}
	path, err := w.resolve("")
	require.NoError(t, err)

	data, err := os.ReadFile(victim)
	require.NoError(t, err)
	assert.Equal(t, "keep\n", string(data))

	info, err := os.Lstat(path)
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular())
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := w.resolve("")
	require.NoError(t, err)
	assert.Equal(t, path, again)

	require.NoError(t, w.cleanup())
	assert.NoFileExists(t, path)
	assert.FileExists(t, victim)
}

func TestWithWordlist(t *testing.T) {
	assert.Equal(t, []string{"gobuster", "dir", "-w", "/new"}, withWordlist([]string{"gobuster", "dir", "-w", "/old"}, "/new"))
	assert.Equal(t, []string{"gobuster", "dir", "-w", "/new"}, withWordlist([]string{"gobuster", "dir"}, "/new"))
	assert.Equal(t, []string{"gobuster", "dir", "--wordlist", "/new"}, withWordlist([]string{"gobuster", "dir", "--wordlist", ""}, "/new"))
	assert.Equal(t, []string{"gobuster", "dir", "-u", "http://example.com", "-w", "/new"},
		withWordlist([]string{"gobuster", "dir", "-u", "http://example.com", "-w"}, "/new"))
	assert.Equal(t, []string{"gobuster", "dir", "-w", "/new"}, withWordlist([]string{"gobuster", "dir", "-w", tools.BundledWordlist}, "/new"))
}

func TestScanRejections(t *testing.T) {
	f := newFixture(t, fixtureConfig{scripts: map[string]string{"nmap": "echo ok"}})

	t.Run("empty target", func(t *testing.T) {
		_, err := f.orch.Scan(context.Background(), Request{Target: "   "})
		assert.True(t, scanerrors.IsCode(err, scanerrors.CodeTargetInvalid))
	})

	t.Run("unreachable target", func(t *testing.T) {
		f.prober.reachable = false
		f.prober.reason = "connection refused"
		defer func() { f.prober.reachable = true }()

		_, err := f.orch.Scan(context.Background(), Request{Target: "10.255.255.1"})
		require.Error(t, err)
		assert.True(t, scanerrors.IsCode(err, scanerrors.CodeHostUnreachable))
		assert.Contains(t, err.Error(), "connection refused")
		assertProbes(t, f.metrics, `scanpilot_probe_total{result="unreachable"} 1`)
	})

	t.Run("tool not allowed", func(t *testing.T) {
		_, err := f.orch.Scan(context.Background(), Request{Target: "example.com", Tool: "hydra"})
		check, ok := scanerrors.ValidationCheck(err)
		require.True(t, ok)
		assert.Equal(t, scanerrors.CheckToolNotAllowed, check)
	})

	t.Run("executable missing", func(t *testing.T) {
		_, err := f.orch.Scan(context.Background(), Request{Target: "http://example.com"})
		check, ok := scanerrors.ValidationCheck(err)
		require.True(t, ok)
		assert.Equal(t, scanerrors.CheckExecutableNotFound, check)
	})

	assert.Empty(t, f.store.Entries())
}

func TestScanSyncTimeout(t *testing.T) {
	f := newFixture(t, fixtureConfig{scripts: map[string]string{"nmap": "sleep 5"}})

	start := time.Now()
	out, err := f.orch.Scan(context.Background(), Request{Target: "192.0.2.1", Timeout: 200 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, scanerrors.IsCode(err, scanerrors.CodeTimeout))
	assert.Less(t, time.Since(start), 4*time.Second)

	require.NotNil(t, out)
	assert.Equal(t, jobs.StateTimeout, out.State)
	assert.Nil(t, out.Findings)

	entries := f.store.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "timeout", entries[0].Status)
	assert.Contains(t, entries[0].Error, "timeout")
}

func TestScanFailedExitStillAnalyzed(t *testing.T) {
	f := newFixture(t, fixtureConfig{scripts: map[string]string{
		"nmap": `echo 'Failed to resolve host' >&2; exit 1`,
	}})

	out, err := f.orch.Scan(context.Background(), Request{Target: "no-such-host.invalid"})
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, out.State)
	assert.Equal(t, 1, out.Output.ExitCode)
	meta, ok := out.Analysis[analysis.KeyMetadata].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "failure", meta["source"])
	assert.Equal(t, "failed", f.store.Entries()[0].Status)
}

func TestScanAsync(t *testing.T) {
	f := newFixture(t, fixtureConfig{scripts: map[string]string{
		"gobuster": `sleep 0.2; echo 'Found: /backup (Status: 200)'`,
	}})
	ctx := context.Background()

	started, err := f.orch.Scan(ctx, Request{Target: "http://example.com", Tool: "gobuster", Async: true, SessionID: "s2"})
	require.NoError(t, err)
	assert.Equal(t, jobs.StateRunning, started.State)
	assert.Nil(t, started.Analysis)

	var done *Outcome
	require.Eventually(t, func() bool {
		out, err := f.orch.Status(ctx, started.JobID)
		require.NoError(t, err)
		done = out
		return out.State.Terminal()
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, jobs.StateCompleted, done.State)
	require.NotNil(t, done.Findings)
	assert.Equal(t, "/backup", done.Findings.Paths[0].Path)
	assert.Equal(t, analysis.RiskMedium, done.Risk)

	again, err := f.orch.Status(ctx, started.JobID)
	require.NoError(t, err)
	assert.Same(t, done, again)

	entries := f.store.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, started.JobID, entries[0].JobID)
	assert.Equal(t, "s2", entries[0].SessionID)
}

func TestStatusUnknownJob(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	_, err := f.orch.Status(context.Background(), "missing")
	assert.True(t, scanerrors.IsCode(err, scanerrors.CodeNotFound))
}

func TestAssistedPlanUsesSessionHistory(t *testing.T) {
	ctrl := gomock.NewController(t)
	collab := mocks.NewMockCollaborator(ctrl)
	f := newFixture(t, fixtureConfig{
		scripts:      map[string]string{"nmap": "echo scanned"},
		collaborator: collab,
	})
	ctx := context.Background()
	require.NoError(t, f.store.Write(ctx, store.Entry{JobID: "old", SessionID: "s3", Tool: "nikto", Status: "completed", Risk: "medium"}))

	var prompt string
	collab.EXPECT().
		GeneratePlan(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, p string) (string, error) {
			prompt = p
			return `{"tool": "nmap", "command": "nmap -p 22,80 example.com", "rationale": "Check common ports"}`, nil
		})

	out, err := f.orch.Scan(ctx, Request{Target: "example.com", SessionID: "s3", Assisted: true})
	require.NoError(t, err)
	assert.Equal(t, planner.StrategyAssisted, out.Strategy)
	assert.Equal(t, []string{"nmap", "-p", "22,80", "example.com"}, out.Argv)
	assert.Equal(t, "Check common ports", out.Rationale)
	assert.Contains(t, prompt, "- nikto: completed (risk: medium)")
	assert.True(t, strings.HasPrefix(out.Output.Stdout, "scanned"))
}

func TestPlanOnly(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	plan := f.orch.Plan(context.Background(), " https://example.com ", "", "", false)
	assert.Equal(t, tools.Nikto, plan.Tool)
	assert.Equal(t, "Web vulnerability scan (rule-based)", plan.Rationale)
	assert.Empty(t, f.store.Entries())
}
