package sender_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/campaign-engine/internal/sender"
)

func TestStaticTemplatesRender(t *testing.T) {
	templates := sender.NewStaticTemplates()
	templates.Register("tpl-1", sender.Template{
		Subject: "Hello {{name}}",
		Body:    "Your code is {{code}}",
	})

	subject, body, err := templates.Render(context.Background(), "camp-1", "tpl-1", map[string]string{
		"name": "Alice",
		"code": "X42",
	})
	require.NoError(t, err)
	require.Equal(t, "Hello Alice", subject)
	require.Equal(t, "Your code is X42", body)
}

func TestStaticTemplatesUnknownID(t *testing.T) {
	templates := sender.NewStaticTemplates()
	_, _, err := templates.Render(context.Background(), "camp-1", "missing", nil)
	require.Error(t, err)
}

func TestStaticAudienceResolve(t *testing.T) {
	audience := sender.NewStaticAudience()
	audience.SetAudience("camp-1", []sender.Candidate{
		{Email: "alice@example.com"},
		{Email: "bob@example.com"},
	})

	got, err := audience.Resolve(context.Background(), "camp-1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	// An unknown campaign yields an empty audience, not an error.
	got, err = audience.Resolve(context.Background(), "camp-2")
	require.NoError(t, err)
	require.Empty(t, got)
}
