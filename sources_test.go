package batchmail

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileSource_LoadRecipients(t *testing.T) {
	path := writeFile(t, "validEmails.csv", "email,unsubscribeId\na@example.com,u1\nbroken\nb@example.com,u2\n")

	list, err := NewFileSource(path, "").LoadRecipients(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []Recipient{
		{Email: "a@example.com", UnsubscribeID: "u1"},
		{Email: "b@example.com", UnsubscribeID: "u2"},
	}, list.Recipients)
	require.Len(t, list.Malformed, 1)
	assert.Equal(t, 3, list.Malformed[0].Line)
}

func TestFileSource_LoadExclusions(t *testing.T) {
	path := writeFile(t, "bouncedEmails.csv", "email,reason\nBounced@Example.com,hard\n")

	set, err := NewFileSource(path, "").LoadExclusions(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, set.Len())
	assert.True(t, set.Contains("bounced@example.com"))
}

func TestFileSource_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.csv")
	src := NewFileSource(path, "")

	_, err := src.LoadRecipients(context.Background())
	var sre *SourceReadError
	require.ErrorAs(t, err, &sre)
	assert.Equal(t, "recipients", sre.Source)
	assert.Equal(t, path, sre.Path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = src.LoadExclusions(context.Background())
	require.ErrorAs(t, err, &sre)
	assert.Equal(t, "bounces", sre.Source)
}

func TestOpenFailureSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failedEmails.csv")

	sink, err := OpenFailureSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Append(FailureRecord{Email: "a@example.com", UnsubscribeID: "u1"}))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "email,unsubscribeId\na@example.com,u1\n", string(data))
}

func TestRun_FileSources(t *testing.T) {
	recipientsPath := writeFile(t, "validEmails.csv", "email,unsubscribeId\na@example.com,u1\nb@example.com,u2\nc@example.com,u3\n")
	bouncesPath := writeFile(t, "bouncedEmails.csv", "email\nc@example.com\n")
	failuresPath := filepath.Join(t.TempDir(), "failedEmails.csv")

	sink, err := OpenFailureSink(failuresPath)
	require.NoError(t, err)

	gw := &fakeGateway{fail: map[string]error{"b@example.com": NewProviderError("fake", "api_error", "rejected")}}
	d := newTestDispatcher(t, testConfig(), gw, sink)

	summary, err := d.Run(context.Background(), NewFileSource(bouncesPath, ""), NewFileSource(recipientsPath, ""))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Skipped)

	data, err := os.ReadFile(failuresPath)
	require.NoError(t, err)
	assert.Equal(t, "email,unsubscribeId\nb@example.com,u2\n", string(data))
}
