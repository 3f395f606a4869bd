package cleanup

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClean_ModeNone(t *testing.T) {
	out, err := Clean(context.Background(), ModeNone, "raw   \n\n\n\ntext", nil)
	require.NoError(t, err)
	require.Equal(t, "raw   \n\n\n\ntext", out)
}

func TestClean_RegexRemovesArtifacts(t *testing.T) {
	md := "Hello wor-\nld.\n\nPage 3 of 10\n\nCONFIDENTIAL\n\n\n\nMore content."
	out, err := Clean(context.Background(), ModeRegex, md, nil)
	require.NoError(t, err)
	require.Contains(t, out, "Hello world.")
	require.NotContains(t, out, "Page 3 of 10")
	require.NotContains(t, out, "CONFIDENTIAL")
}

type stubRewriter struct {
	out string
	err error
}

func (s stubRewriter) RewriteMarkdown(ctx context.Context, markdown string) (string, error) {
	return s.out, s.err
}

func TestClean_AIFallsBackToRegexOnError(t *testing.T) {
	out, err := Clean(context.Background(), ModeAI, "Page 1 of 1\n\nBody.", stubRewriter{err: errors.New("rate limited")})
	require.NoError(t, err)
	require.NotContains(t, out, "Page 1 of 1")
	require.Contains(t, out, "Body.")
}

func TestClean_AIUsesRewriteOutput(t *testing.T) {
	out, err := Clean(context.Background(), ModeAI, "irrelevant", stubRewriter{out: "cleaned text"})
	require.NoError(t, err)
	require.Equal(t, "cleaned text", out)
}
