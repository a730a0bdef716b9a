package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/modelgate/pkg/artifact"
	"github.com/zen-systems/modelgate/pkg/config"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "net timeout", err: fmt.Errorf("dial: %w", timeoutErr{}), want: true},
		{name: "429", err: &AdapterError{Status: 429}, want: true},
		{name: "503", err: &AdapterError{Status: 503}, want: true},
		{name: "400", err: &AdapterError{Status: 400}, want: false},
		{name: "temporary flag", err: &AdapterError{Temporary: true}, want: true},
		{name: "plain", err: errors.New("boom"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.True(t, IsTimeout(timeoutErr{}))
	assert.False(t, IsTimeout(&AdapterError{Status: 500}))
}

func TestWrapStatus(t *testing.T) {
	err := wrapStatus("openai", 429, errors.New("slow down"))
	var ae *AdapterError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 429, ae.Status)
	assert.True(t, IsTransient(err))

	plain := wrapStatus("openai", 0, errors.New("bad"))
	assert.False(t, errors.As(plain, &ae))
	assert.Contains(t, plain.Error(), "openai API error")
}

func TestMockAdapter_ScriptedFailures(t *testing.T) {
	ctx := context.Background()
	m := NewMockAdapter()
	m.FailNext("m1", &AdapterError{Status: 503}, errors.New("second"))

	_, err := m.Generate(ctx, Request{Model: "m1", Prompt: "hi"})
	assert.True(t, IsTransient(err))
	_, err = m.Generate(ctx, Request{Model: "m1", Prompt: "hi"})
	assert.EqualError(t, err, "second")

	resp, err := m.Generate(ctx, Request{Model: "m1", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "mock response:\nhi", resp.Artifact.Content)
	assert.Equal(t, "m1", resp.Artifact.Model)
	assert.Len(t, m.Calls(), 3)

	m.FailAlways("m2", errors.New("down"))
	for i := 0; i < 3; i++ {
		_, err = m.Generate(ctx, Request{Model: "m2"})
		assert.Error(t, err)
	}
	m.FailAlways("m2", nil)
	_, err = m.Generate(ctx, Request{Model: "m2"})
	assert.NoError(t, err)
}

func TestMockAdapter_DelayHonoursContext(t *testing.T) {
	m := NewMockAdapter()
	m.Delay("slow", time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := m.Generate(ctx, Request{Model: "slow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestMockAdapter_Image(t *testing.T) {
	resp, err := NewMockAdapter().Named("imagery").Generate(context.Background(), Request{Model: "img", Prompt: "fox", Kind: artifact.KindImage})
	require.NoError(t, err)
	assert.Equal(t, artifact.KindImage, resp.Artifact.Kind)
	assert.Equal(t, "imagery", resp.Artifact.Provider)
	assert.NotEmpty(t, resp.Artifact.Data)
}

func TestLocalAdapter(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	ctx := context.Background()

	a, err := NewLocalAdapter(config.LocalDef{Command: []string{"sh", "-c", `printf "%s:" "$MODELGATE_MODEL"; cat`}})
	require.NoError(t, err)
	resp, err := a.Generate(ctx, Request{Model: "llama", Task: "render_local", Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "llama:hello", resp.Artifact.Content)
	assert.Equal(t, "local", resp.Artifact.Provider)
	assert.Equal(t, `sh -c printf "%s:" "$MODELGATE_MODEL"; cat`, resp.Artifact.Metadata["local_command"])
	assert.NotEmpty(t, resp.Artifact.Metadata["local_duration_ms"])

	wd := t.TempDir()
	inDir, err := NewLocalAdapter(config.LocalDef{Command: []string{"pwd"}, Workdir: wd})
	require.NoError(t, err)
	resp, err = inDir.Generate(ctx, Request{Model: "llama"})
	require.NoError(t, err)
	assert.Equal(t, wd, resp.Artifact.Metadata["local_workdir"])

	failing, err := NewLocalAdapter(config.LocalDef{Command: []string{"sh", "-c", "echo broken >&2; exit 3"}})
	require.NoError(t, err)
	_, err = failing.Generate(ctx, Request{Model: "llama"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 3: broken")
	assert.False(t, IsTransient(err))
	var runErr *LocalRunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, 3, runErr.Diagnostics.ExitCode)
	assert.Equal(t, []string{"sh", "-c", "echo broken >&2; exit 3"}, runErr.Diagnostics.Command)
	assert.Equal(t, "broken\n", runErr.Diagnostics.Stderr)
	assert.Greater(t, runErr.Diagnostics.Duration, time.Duration(0))

	slow, err := NewLocalAdapter(config.LocalDef{Command: []string{"sleep", "5"}, TimeoutSeconds: 0})
	require.NoError(t, err)
	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = slow.Generate(tctx, Request{Model: "llama"})
	assert.True(t, IsTimeout(err))

	_, err = NewLocalAdapter(config.LocalDef{})
	assert.Error(t, err)
}

const registryYAML = `
default_tier: standard
providers:
  fake:
    kind: mock
  openai:
    kind: openai
    api_key_env: MODELGATE_TEST_OPENAI_KEY
  compat:
    kind: openai_compatible
    api_key_env: MODELGATE_TEST_OPENAI_KEY
models:
  m1:
    provider: fake
    backend_model_id: mock-1
  gpt:
    provider: openai
    backend_model_id: gpt-4o-mini
  c1:
    provider: compat
    backend_model_id: c1
tiers:
  standard:
    models: [m1, gpt, c1]
local:
  command: ["cat"]
`

func TestBuildRegistry(t *testing.T) {
	t.Setenv("MODELGATE_TEST_OPENAI_KEY", "")
	snap, err := config.Parse([]byte(registryYAML))
	require.NoError(t, err)

	r := Build(context.Background(), snap, nil)

	a, err := r.Get("fake")
	require.NoError(t, err)
	assert.Equal(t, "fake", a.Name())

	_, err = r.Get("openai")
	assert.ErrorIs(t, err, ErrUnavailable, "missing key leaves the provider unavailable")
	_, err = r.Get("compat")
	assert.ErrorIs(t, err, ErrUnavailable, "compatible providers need a base url")
	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrUnavailable)

	status := r.Status()
	assert.Len(t, status, 3)
	assert.NoError(t, status["fake"])
	assert.Error(t, status["openai"])

	local, err := r.Local()
	require.NoError(t, err)
	assert.Equal(t, "local", local.Name())

	r.Register("openai", NewMockAdapter())
	_, err = r.Get("openai")
	assert.NoError(t, err)
	assert.Equal(t, []string{"fake", "openai"}, r.Names())
}

func TestBuildRegistry_WithKey(t *testing.T) {
	t.Setenv("MODELGATE_TEST_OPENAI_KEY", "sk-test")
	snap, err := config.Parse([]byte(registryYAML))
	require.NoError(t, err)

	r := Build(context.Background(), snap, nil)
	a, err := r.Get("openai")
	require.NoError(t, err)
	assert.Equal(t, "openai", a.Name())
}

func TestRegistry_Replace(t *testing.T) {
	r := NewRegistry()
	r.Register("old", NewMockAdapter().Named("old"))

	next := NewRegistry()
	next.Register("new", NewMockAdapter().Named("new"))
	next.SetLocal(NewMockAdapter().Named("local"))

	r.Replace(next)
	_, err := r.Get("old")
	assert.ErrorIs(t, err, ErrUnavailable)
	a, err := r.Get("new")
	require.NoError(t, err)
	assert.Equal(t, "new", a.Name())
	_, err = r.Local()
	assert.NoError(t, err)
}
