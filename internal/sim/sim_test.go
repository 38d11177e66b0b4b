package sim

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/navswap/internal/process"
)

const swapScenario = `
name: swap, back and crash
settings:
  prewarm_count: 0
responses:
  - match: "a.example/*.pdf"
    mime_type: application/pdf
    content_disposition: attachment; filename=report.pdf
  - match: "secure.example/**"
    opener_policy: same-origin
steps:
  - do: open
    page: tab
    url: https://a.example/
    expect:
      url: https://a.example/
      history: 1
      process_changes: 0
      last_commit: same_process
      live_processes: 1
  - do: load
    page: tab
    url: https://b.example/
    expect:
      url: https://b.example/
      history: 2
      process_changes: 1
      last_commit: candidate
      candidate: false
      cache_entries: 1
      live_processes: 2
  - do: back
    page: tab
    expect:
      url: https://a.example/
      history_index: 0
      process_changes: 2
      last_commit: retired
      cache_entries: 1
      live_processes: 2
  - do: crash
    page: tab
    expect:
      url: https://a.example/
      history: 2
      process_changes: 3
      last_commit: same_process
      crash_reload_pending: false
  - do: load
    page: tab
    url: https://a.example/report.pdf
    expect:
      url: https://a.example/
      downloads: 1
  - do: load
    page: tab
    url: https://secure.example/login
    expect:
      url: https://secure.example/login
      opener_policy: same-origin
      last_commit: candidate
      candidate: false
`

func run(t *testing.T, yamlText string) (*Runner, *Report, error) {
	t.Helper()
	sc, err := Parse([]byte(yamlText))
	require.NoError(t, err)
	r, err := NewRunner(sc, RunnerOptions{})
	require.NoError(t, err)
	report, err := r.Run(context.Background())
	return r, report, err
}

func TestScenarioSwapBackAndCrash(t *testing.T) {
	_, report, err := run(t, swapScenario)
	require.NoError(t, err)

	assert.True(t, report.Passed)
	assert.Equal(t, "swap, back and crash", report.Name)
	assert.Len(t, report.Steps, 6)
	require.Len(t, report.Pages, 1)
	for _, s := range report.Steps {
		assert.Empty(t, s.Error, "step %d", s.Index)
	}
}

func TestScenarioReportsFailedExpectation(t *testing.T) {
	_, report, err := run(t, `
name: wrong url
settings:
  prewarm_count: 0
steps:
  - do: open
    page: tab
    url: https://a.example/
  - do: expect
    page: tab
    expect:
      url: https://b.example/
      history: 3
  - do: load
    page: tab
    url: https://c.example/
`)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExpectation)
	assert.Contains(t, err.Error(), "step 2")
	assert.Contains(t, err.Error(), "url")
	assert.Contains(t, err.Error(), "history length")

	assert.False(t, report.Passed)
	require.Len(t, report.Steps, 2)
	assert.NotEmpty(t, report.Steps[1].Error)
}

func TestScenarioTryCloseOnHungProcess(t *testing.T) {
	r, report, err := run(t, `
name: hung close
settings:
  prewarm_count: 0
steps:
  - do: open
    page: tab
    url: https://a.example/
  - do: hang
    page: tab
  - do: try_close
    page: tab
    expect:
      closed: false
  - do: wait
    for: 4s
  - do: expect
    page: tab
    expect:
      closed: true
      live_processes: 0
`)
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Zero(t, r.Environment().Registry().Len())
}

func TestScenarioSameSiteLoadsStayInProcess(t *testing.T) {
	r, _, err := run(t, `
name: same site
settings:
  prewarm_count: 0
steps:
  - do: open
    page: tab
    url: https://a.example/one
  - do: load
    page: tab
    url: https://www.a.example/two
    expect:
      history: 2
      process_changes: 0
      last_commit: same_process
      cache_entries: 0
      live_processes: 1
`)
	require.NoError(t, err)

	procs := r.Environment().Pool().Processes()
	require.Len(t, procs, 1)
	sp, ok := r.Fleet().Get(procs[0].ID())
	require.True(t, ok)
	assert.Equal(t, 1, sp.Pages())

	var loads int
	for _, msg := range sp.Received() {
		if _, ok := msg.(process.LoadRequest); ok {
			loads++
		}
	}
	assert.Equal(t, 2, loads)
}

func TestScenarioRedirectFollowsRule(t *testing.T) {
	_, _, err := run(t, `
name: redirect
settings:
  prewarm_count: 0
responses:
  - match: "a.example/old"
    redirect_to: https://a.example/new
steps:
  - do: open
    page: tab
    url: https://a.example/old
    expect:
      url: https://a.example/new
      history: 1
      process_changes: 0
`)
	require.NoError(t, err)
}

func TestParseRejectsInvalidScenarios(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no steps",
			yaml: "name: empty\n",
			want: "no steps",
		},
		{
			name: "unknown action",
			yaml: "steps:\n  - do: fly\n    page: tab\n",
			want: "unknown action",
		},
		{
			name: "missing page",
			yaml: "steps:\n  - do: open\n",
			want: "page is required",
		},
		{
			name: "page not open",
			yaml: "steps:\n  - do: back\n    page: tab\n",
			want: "is not open",
		},
		{
			name: "opened twice",
			yaml: "steps:\n  - do: open\n    page: tab\n  - do: open\n    page: tab\n",
			want: "already opened",
		},
		{
			name: "unknown opener",
			yaml: "steps:\n  - do: open\n    page: tab\n    opener: ghost\n",
			want: "unknown opener",
		},
		{
			name: "load without url",
			yaml: "steps:\n  - do: open\n    page: tab\n  - do: load\n    page: tab\n",
			want: "url is required",
		},
		{
			name: "bad duration",
			yaml: "steps:\n  - do: wait\n    for: soon\n",
			want: "invalid duration",
		},
		{
			name: "empty expect",
			yaml: "steps:\n  - do: open\n    page: tab\n  - do: expect\n    page: tab\n",
			want: "nothing to expect",
		},
		{
			name: "bad pattern",
			yaml: "responses:\n  - match: \"a.example/[\"\nsteps:\n  - do: wait\n    for: 1s\n",
			want: "invalid response pattern",
		},
		{
			name: "unknown field",
			yaml: "steps:\n  - do: wait\n    for: 1s\n    when: later\n",
			want: "failed to parse scenario",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(swapScenario), 0o644))

	sc, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "swap, back and crash", sc.Name)
	assert.Len(t, sc.Steps, 6)
	require.Len(t, sc.Responses, 2)
	assert.Equal(t, "same-origin", sc.Responses[1].OpenerPolicy)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestResponsesMatchHostAndPath(t *testing.T) {
	rs, err := NewResponses([]ResponseRule{
		{Match: "a.example/*.pdf", MIMEType: "application/pdf"},
		{Match: "a.example/**", Title: "A"},
	})
	require.NoError(t, err)

	pdf := rs.For("https://a.example/report.pdf")
	assert.Equal(t, "application/pdf", pdf.Response("https://a.example/report.pdf").MIMEType)

	page := rs.For("https://a.example/docs/index.html")
	assert.Equal(t, "A", page.TitleFor("https://a.example/docs/index.html"))
	resp := page.Response("https://a.example/docs/index.html")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "text/html", resp.MIMEType)

	other := rs.For("https://b.example/")
	assert.Equal(t, "b.example", other.TitleFor("https://b.example/"))
}
