package cradle

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/cradle/pkg/client"
)

func testConfig(t *testing.T) (Config, string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CRADLE_STORE_DSN", "sqlite://"+filepath.Join(dir, "cradle.db"))
	out := filepath.Join(dir, "baby_events.csv")
	t.Setenv("CRADLE_SINK_DSN", "csv://"+out)
	t.Setenv("CRADLE_SERVER_LISTEN", "127.0.0.1:0")
	t.Setenv("CRADLE_METRICS_ENABLED", "false")
	t.Setenv("CRADLE_DIAGNOSTICS_REPORT_FILE", filepath.Join(dir, "diagnostic_report.json"))
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	return cfg, out
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func countRows(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return -1
	}
	defer func() { _ = f.Close() }()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return -1
	}
	return len(rows)
}

func TestNapEndToEnd(t *testing.T) {
	cfg, out := testConfig(t)
	ctx := context.Background()
	app, err := New(ctx, cfg, WithoutHTTP())
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	start := time.Now().Add(-45 * time.Minute)
	e, err := app.Start(ctx, KindNap, StartOptions{At: start, Metadata: map[string]any{"room": "nursery"}})
	require.NoError(t, err)
	_, err = app.Stop(ctx, KindNap, StopOptions{At: start.Add(30 * time.Minute)})
	require.NoError(t, err)

	remaining, err := app.Flush(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	rows := readCSV(t, out)
	require.Len(t, rows, 2)
	assert.Equal(t, "nap", rows[1][1])
	assert.Equal(t, "1800", rows[1][2])
	assert.Equal(t, e.ID, rows[1][3])

	// a second cycle must not duplicate the point
	_, err = app.Flush(ctx)
	require.NoError(t, err)
	assert.Len(t, readCSV(t, out), 2)

	r, err := app.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Pending)
	assert.Equal(t, uint64(1), r.FlushedTotal)
}

func TestRunServesAPIAndShutsDown(t *testing.T) {
	cfg, out := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	app, err := New(ctx, cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	require.Eventually(t, func() bool { return app.APIAddr() != nil }, 3*time.Second, 10*time.Millisecond)

	c := client.New(client.Config{BaseURL: "http://" + app.APIAddr().String() + "/api", Timeout: 2 * time.Second})
	at := time.Now().Add(-20 * time.Minute)
	_, err = c.Start(ctx, "breastfeeding", client.StartRequest{At: &at, Metadata: map[string]any{"side": "left"}})
	require.NoError(t, err)
	_, err = c.Start(ctx, "breastfeeding", client.StartRequest{})
	assert.True(t, client.IsConflict(err))

	_, err = c.Stop(ctx, "breastfeeding", client.StopRequest{})
	require.NoError(t, err)

	// stop triggers a flush cycle
	require.Eventually(t, func() bool { return countRows(out) == 2 }, 5*time.Second, 20*time.Millisecond)

	rep, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.OpenByKind["breastfeeding"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Writer.MaxAttempts = 0
	_, err := New(context.Background(), cfg, WithoutHTTP())
	assert.Error(t, err)

	cfg, _ = testConfig(t)
	cfg.Sink.DSN = "mqtt://broker"
	_, err = New(context.Background(), cfg, WithoutHTTP())
	assert.Error(t, err)
}
