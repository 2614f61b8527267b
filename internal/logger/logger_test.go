package logger

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerLineFormat(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	log := slog.New(NewHandler(&buf, level)).With("forward_id", "forward-1")

	log.Warn("channel open failed",
		"target", "internal-db:5432",
		"error", errors.New("connection refused"),
		"timeout", 15*time.Second,
	)

	line := buf.String()
	require.True(t, strings.HasSuffix(line, "\n"))
	fields := strings.SplitN(strings.TrimSpace(line), " ", 4)
	require.Len(t, fields, 4)

	_, err := time.Parse("2006-01-02 15:04:05", fields[0]+" "+fields[1])
	assert.NoError(t, err)
	assert.Contains(t, fields[2], "WRN")
	assert.Equal(t,
		`channel open failed forward_id=forward-1 target=internal-db:5432 error="connection refused" timeout=15s`,
		stripColor(fields[3]))
}

func TestHandlerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	log := slog.New(NewHandler(&buf, level))

	log.Info("hidden")
	log.Debug("hidden")
	assert.Empty(t, buf.String())

	level.Set(slog.LevelDebug)
	log.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestHandlerGroup(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelInfo)).WithGroup("ssh")
	log.Info("connected", "addr", "10.0.0.1:22", slog.Group("hop", "user", "deploy"))

	assert.Contains(t, buf.String(), "ssh.addr=10.0.0.1:22")
	assert.Contains(t, buf.String(), "ssh.hop.user=deploy")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		err  bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestSetOutput(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nopWriter{})

	Info("forward active", "forward_id", "forward-7")
	assert.Contains(t, buf.String(), " INF forward active forward_id=forward-7")
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func stripColor(s string) string {
	for _, c := range []string{colorReset, colorGray, colorGreen, colorYellow, colorRed} {
		s = strings.ReplaceAll(s, c, "")
	}
	return s
}
