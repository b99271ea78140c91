package llmclient_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"chronicle/pkg/llmclient"
)

type fakeFactory struct{ created int }

type fakeClient struct{}

func (f *fakeClient) Generate(ctx context.Context, system, user string, params llmclient.Params) (string, error) {
	return `{"text_clean":"ok"}`, nil
}

func (f *fakeClient) ModelID() string { return "fake-model" }

func (f *fakeFactory) Create(rawConfig []byte) (llmclient.LLMClient, error) {
	f.created++
	return &fakeClient{}, nil
}

func TestDeterministicParams(t *testing.T) {
	p := llmclient.Deterministic(512)
	require.Equal(t, float64(0), p.Temperature)
	require.Equal(t, 512, p.MaxTokens)
	require.True(t, p.JSONMode)
}

func TestNewUnknownProviderErrors(t *testing.T) {
	_, err := llmclient.New("nonexistent-provider", []byte(`{}`))
	require.Error(t, err)
}

func TestNewDispatchesToRegisteredFactory(t *testing.T) {
	f := &fakeFactory{}
	llmclient.RegisterFactory("fake-test-provider", f)

	client, err := llmclient.New("fake-test-provider", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, 1, f.created)

	out, err := client.Generate(context.Background(), "sys", "user", llmclient.Deterministic(100))
	require.NoError(t, err)
	require.Equal(t, `{"text_clean":"ok"}`, out)
}

func TestRetryableAndFatalClassification(t *testing.T) {
	r := llmclient.Retryable("timed out", nil)
	require.Equal(t, llmclient.ErrRetryable, r.Class)

	f := llmclient.Fatal("bad key", nil)
	require.Equal(t, llmclient.ErrFatal, f.Class)
}
