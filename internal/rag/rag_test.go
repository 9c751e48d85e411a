package rag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFold(t *testing.T) {
	results := []Result{
		{Content: "rotate logs with logrotate", Score: 0.4},
		{Content: "journalctl --vacuum-size=500M", Score: 0.9},
		{Content: "", Score: 1.0},
		{Content: "du -sh /var/log/*", Score: 0.4},
		{Content: "systemd-tmpfiles --clean", Score: 0.7},
	}

	assert.Equal(t, []string{
		"journalctl --vacuum-size=500M",
		"systemd-tmpfiles --clean",
		"rotate logs with logrotate",
		"du -sh /var/log/*",
	}, Fold(results, 0))

	assert.Equal(t, []string{"journalctl --vacuum-size=500M", "systemd-tmpfiles --clean"}, Fold(results, 2))
	assert.Empty(t, Fold(nil, 3))
	assert.Equal(t, "rotate logs with logrotate", results[0].Content, "input is not reordered")
}

func TestRetrieverFunc(t *testing.T) {
	var r Retriever = RetrieverFunc(func(_ context.Context, q string) ([]Result, error) {
		return []Result{{Content: "about " + q, Score: 1}}, nil
	})

	got, err := r.Retrieve(context.Background(), "cron")
	require.NoError(t, err)
	assert.Equal(t, []string{"about cron"}, Fold(got, 1))
}
