package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(level slog.Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return New(&Config{Level: level, ServiceName: "stock-engine", Environment: "test", Version: "v1", Output: &buf}), &buf
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &rec))
	return rec
}

func TestLogger_StampsServiceAndContextIDs(t *testing.T) {
	logger, buf := newBufferLogger(slog.LevelInfo)

	ctx := ContextWithCorrelationID(ContextWithRequestID(context.Background(), "req-1"), "order-7")
	logger.WithContext(ctx).WithComponent("reaper").WithError(errors.New("boom")).Info("sweep failed")

	rec := lastRecord(t, buf)
	assert.Equal(t, "stock-engine", rec["service"])
	assert.Equal(t, "test", rec["environment"])
	assert.Equal(t, "req-1", rec["requestId"])
	assert.Equal(t, "order-7", rec["correlationId"])
	assert.Equal(t, "reaper", rec["component"])
	assert.Equal(t, "boom", rec["error"])
}

func TestLogger_Event(t *testing.T) {
	logger, buf := newBufferLogger(slog.LevelInfo)

	logger.Event(context.Background(), "stock.out_of_stock", map[string]any{"productId": "P-1"})

	rec := lastRecord(t, buf)
	assert.Equal(t, "Business event", rec["msg"])
	assert.Equal(t, "stock.out_of_stock", rec["eventType"])
	assert.Equal(t, "P-1", rec["productId"])
}

func TestLogger_DatabaseQueryLevels(t *testing.T) {
	logger, buf := newBufferLogger(slog.LevelInfo)

	logger.DatabaseQuery(context.Background(), "stock_items", "find", time.Millisecond, true)
	assert.Zero(t, buf.Len(), "successful queries log at debug")

	logger.DatabaseQuery(context.Background(), "stock_items", "commit", time.Millisecond, false)
	rec := lastRecord(t, buf)
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, "commit", rec["operation"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}
