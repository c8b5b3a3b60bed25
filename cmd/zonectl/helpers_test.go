package main

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/autozone/zone"
)

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	done := make(chan []byte)
	go func() {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r)
		done <- buf.Bytes()
	}()

	fnErr := fn()

	w.Close()
	os.Stdout = origStdout
	return string(<-done), fnErr
}

// withFlags sets global flags for the duration of a test.
func withFlags(t *testing.T, json, color bool) {
	t.Helper()
	oldJSON, oldColor := jsonOut, noColor
	jsonOut, noColor = json, !color
	t.Cleanup(func() { jsonOut, noColor = oldJSON, oldColor })
}

// newZoneForTest creates a zone closed at the end of the test.
func newZoneForTest(t *testing.T, opts *zone.Options) (*zone.Zone, error) {
	t.Helper()
	z, err := zone.New(opts)
	if err == nil {
		t.Cleanup(func() { _ = z.Close() })
	}
	return z, err
}
