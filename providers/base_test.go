package providers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifykit/notify/models"
	"github.com/notifykit/notify/template"
)

// fakeProvider drives the Base fan-out with scripted per-recipient outcomes.
type fakeProvider struct {
	Base

	mu        sync.Mutex
	calls     []string
	failNames map[string]error
	connected bool
	closed    int
}

func newFakeProvider(mode BlockingMode, s Settings) *fakeProvider {
	return &fakeProvider{
		Base:      NewBase("fake", TypeNotify, mode, s),
		failNames: map[string]error{},
	}
}

func (f *fakeProvider) Connect(ctx context.Context) error {
	f.connected = true
	return nil
}

func (f *fakeProvider) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeProvider) Send(ctx context.Context, recipients []models.Recipient, message, subject string, kwargs map[string]any) ([]Result, error) {
	return f.Fanout(ctx, f, recipients, message, subject, kwargs)
}

func (f *fakeProvider) SendOne(ctx context.Context, to models.Recipient, message, subject string, kwargs map[string]any) (any, error) {
	name := recipientName(to)
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if err, ok := f.failNames[name]; ok {
		return nil, err
	}
	rendered, err := f.Render(ctx, to, message, subject, kwargs)
	if err != nil {
		return nil, err
	}
	return rendered, nil
}

func testActors(t *testing.T, names ...string) []models.Recipient {
	t.Helper()
	out := make([]models.Recipient, 0, len(names))
	for _, name := range names {
		actor, err := models.NewActor(name, models.Account{Provider: "fake", Enabled: true})
		require.NoError(t, err)
		out = append(out, actor)
	}
	return out
}

func TestFanoutContract(t *testing.T) {
	for _, mode := range []BlockingMode{BlockingAsync, BlockingExecutor, BlockingThread} {
		t.Run(string(mode), func(t *testing.T) {
			p := newFakeProvider(mode, Settings{})
			boom := errors.New("downstream unavailable")
			p.failNames["bob"] = boom

			var cbMu sync.Mutex
			callbacks := map[string]error{}
			p.OnSent(func(ctx context.Context, to models.Recipient, message string, result any, err error) {
				cbMu.Lock()
				defer cbMu.Unlock()
				callbacks[recipientName(to)] = err
			})

			recipients := testActors(t, "alice", "bob", "carol")
			results, err := p.Send(context.Background(), recipients, "hi", "subj", nil)
			require.NoError(t, err)
			require.Len(t, results, 3)

			// Results come back in recipient order regardless of completion order.
			assert.Equal(t, "alice", recipientName(results[0].Recipient))
			assert.Equal(t, "bob", recipientName(results[1].Recipient))
			assert.Equal(t, "carol", recipientName(results[2].Recipient))

			// One failure does not touch its siblings.
			assert.NoError(t, results[0].Err)
			assert.ErrorIs(t, results[1].Err, boom)
			assert.NoError(t, results[2].Err)
			assert.Equal(t, "hi", results[0].Response)

			// Exactly one SendOne and one callback per recipient.
			assert.Len(t, p.calls, 3)
			require.Len(t, callbacks, 3)
			assert.NoError(t, callbacks["alice"])
			assert.ErrorIs(t, callbacks["bob"], boom)
		})
	}
}

func TestFanoutEmptyRecipients(t *testing.T) {
	p := newFakeProvider(BlockingAsync, Settings{})
	results, err := p.Send(context.Background(), nil, "hi", "", nil)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, p.calls)
}

func TestSentCallbackPanicSwallowed(t *testing.T) {
	p := newFakeProvider(BlockingAsync, Settings{})
	p.OnSent(func(ctx context.Context, to models.Recipient, message string, result any, err error) {
		panic("callback bug")
	})
	results, err := p.Send(context.Background(), testActors(t, "alice"), "hi", "", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
}

func TestPrepareSubstitution(t *testing.T) {
	tests := []struct {
		name    string
		message string
		params  map[string]any
		want    string
	}{
		{"plain", "hello", nil, "hello"},
		{"known key", "env={env}", map[string]any{"env": "prod"}, "env=prod"},
		{"unknown key preserved", "env={env} host={host}", map[string]any{"env": "prod"}, "env=prod host={host}"},
		{"template braces pass through", "{{.message}} in {env}", map[string]any{"env": "prod"}, "{{.message}} in prod"},
		{"non-identifier key preserved", "{a b}", map[string]any{"a b": "x"}, "{a b}"},
		{"unterminated brace", "tail {env", map[string]any{"env": "prod"}, "tail {env"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakeProvider(BlockingAsync, Settings{Params: tt.params})
			got, err := p.Prepare(tt.message, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrepareCompilesTemplateEarly(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.tmpl"), []byte("Hi {{.username}}: {{.message}}"), 0o644))
	engine, err := template.NewEngine(dir)
	require.NoError(t, err)

	p := newFakeProvider(BlockingAsync, Settings{Engine: engine})

	// A missing template fails before any send starts.
	_, err = p.Send(context.Background(), testActors(t, "alice"), "hi", "", map[string]any{"template": "nope.tmpl"})
	require.Error(t, err)
	assert.ErrorIs(t, err, template.ErrNotFound)
	assert.Empty(t, p.calls)

	// A present template renders the standard context per recipient.
	results, err := p.Send(context.Background(), testActors(t, "alice"), "hi", "", map[string]any{"template": "greet.tmpl"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Hi alice: hi", results[0].Response)
}

func TestScopedAlwaysCloses(t *testing.T) {
	p := newFakeProvider(BlockingAsync, Settings{})

	err := Scoped(context.Background(), p, func(Provider) error { return nil })
	require.NoError(t, err)
	assert.True(t, p.connected)
	assert.Equal(t, 1, p.closed)

	boom := errors.New("send failed")
	err = Scoped(context.Background(), p, func(Provider) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, p.closed)
}

func TestRegistry(t *testing.T) {
	p, err := New("dummy", Settings{})
	require.NoError(t, err)
	assert.Equal(t, "dummy", p.Name())

	_, err = New("no-such-provider", Settings{})
	assert.ErrorIs(t, err, ErrProviderLoad)

	names := Registered()
	for _, want := range []string{"dummy", "smtp", "gmail", "outlook", "aws_email", "ses", "sendgrid", "office365", "teams", "slack", "telegram", "twilio", "dialpad", "onesignal", "xmpp"} {
		assert.Contains(t, names, want)
	}
}

func TestProviderErrorTaxonomy(t *testing.T) {
	cause := errors.New("401 from upstream")
	err := AuthError("slack", cause)
	assert.ErrorIs(t, err, ErrAuth)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrMessage)
	assert.Contains(t, err.Error(), "slack")

	var pe *ProviderError
	require.ErrorAs(t, fmt.Errorf("wrapped: %w", err), &pe)
	assert.Equal(t, "slack", pe.Provider)
}

func TestDummyRecordsDeliveries(t *testing.T) {
	d := NewDummy(Settings{})
	results, err := d.Send(context.Background(), testActors(t, "alice", "bob"), "ping", "s", nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
	assert.Len(t, d.Deliveries(), 2)
}
