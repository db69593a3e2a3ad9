package gemini

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"outbound-call-server-golang/internal/data/model"
)

func TestToContents(t *testing.T) {
	contents := ToContents([]model.Turn{
		{Role: model.RoleAssistant, Content: "Hello, this is Ana."},
		{Role: model.RoleUser, Content: "Hi"},
	})
	require.Len(t, contents, 2)
	assert.Equal(t, string(genai.RoleModel), contents[0].Role)
	assert.Equal(t, string(genai.RoleUser), contents[1].Role)
	require.Len(t, contents[1].Parts, 1)
	assert.Equal(t, "Hi", contents[1].Parts[0].Text)
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	_, err := New(context.Background(), "gemini", Config{})
	assert.Error(t, err)

	g, err := New(context.Background(), "", Config{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "gemini", g.Name())
}
