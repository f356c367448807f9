package agent

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormcloudapp/stormcloud/internal/hashindex"
	"github.com/stormcloudapp/stormcloud/internal/history"
	"github.com/stormcloudapp/stormcloud/internal/logging"
	"github.com/stormcloudapp/stormcloud/internal/settings"
	"github.com/stormcloudapp/stormcloud/internal/transport"
)

// syncBuffer collects log output from the tick and its worker goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTickWarnsOnClockJump(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"keepalive-response":"ok","restore_queue":[]}`))
	}))
	defer srv.Close()

	install := t.TempDir()
	store := settings.NewStore(filepath.Join(install, "settings.cfg"))
	require.NoError(t, store.Save(&settings.Settings{
		APIKey:     "k",
		AgentID:    "a",
		BackupMode: settings.ModeScheduled,
	}))

	idx, err := hashindex.Open(filepath.Join(install, "schash.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	hist, err := history.NewSQLiteStore(filepath.Join(install, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	out := &syncBuffer{}
	log := logging.New()
	log.SetOutput(out)
	log.SetLevel(logging.LevelWarn)

	a := New(Config{
		InstallDir: install,
		Settings:   store,
		Index:      idx,
		History:    hist,
		Client:     transport.NewClient(transport.Config{BaseURL: srv.URL, APIKey: "k", AgentID: "a", MaxRetries: -1}),
		Log:        log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A gap far beyond the tick interval is a clock jump and gets flagged;
	// a normal gap does not.
	a.lastCheck = time.Now().Add(-2 * time.Hour)
	a.tickOnce(ctx)
	assert.True(t, strings.Contains(out.String(), "Clock jumped"), "expected a clock jump warning, got: %s", out.String())

	before := out.String()
	a.tickOnce(ctx)
	assert.Equal(t, strings.Count(before, "Clock jumped"), strings.Count(out.String(), "Clock jumped"),
		"a normal tick gap must not be flagged")
}
