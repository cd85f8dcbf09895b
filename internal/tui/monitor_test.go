package tui

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainconn/rpc-connector/pkg/types"
)

var sampleChains = []types.ChainStatus{
	{ChainID: "kusama", State: "connected", URL: "wss://kusama.example", Endpoints: 2, Users: 3, Pending: 1, Subscriptions: 2},
	{ChainID: "polkadot", State: "disconnected", Endpoints: 1, Backoff: 4 * time.Second},
}

func newChainsServer(t *testing.T, status int, body any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chains" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTUIModel(t *testing.T) {
	t.Run("initial model creation", func(t *testing.T) {
		model := initialModel(Config{APIURL: "http://localhost:8080"})

		assert.Equal(t, time.Second, model.config.RefreshRate)
		assert.True(t, model.loading)
		assert.Nil(t, model.chains)
		assert.Nil(t, model.error)
	})

	t.Run("init command", func(t *testing.T) {
		model := initialModel(Config{RefreshRate: time.Second})
		assert.NotNil(t, model.Init())
	})
}

func TestTUIUpdate(t *testing.T) {
	model := initialModel(Config{RefreshRate: time.Second})

	t.Run("window size message", func(t *testing.T) {
		newModel, cmd := model.Update(tea.WindowSizeMsg{Width: 100, Height: 50})

		updated := newModel.(Model)
		assert.Equal(t, 100, updated.width)
		assert.Equal(t, 50, updated.height)
		assert.Nil(t, cmd)
	})

	t.Run("quit key message", func(t *testing.T) {
		_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
		require.NotNil(t, cmd)
		assert.Equal(t, tea.Quit(), cmd())
	})

	t.Run("refresh key message", func(t *testing.T) {
		_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
		assert.NotNil(t, cmd)
	})

	t.Run("chains message", func(t *testing.T) {
		newModel, cmd := model.Update(chainsMsg(sampleChains))
		updated := newModel.(Model)

		assert.Equal(t, sampleChains, []types.ChainStatus(updated.chains))
		assert.False(t, updated.loading)
		assert.Nil(t, updated.error)
		assert.False(t, updated.lastUpdate.IsZero())
		assert.Nil(t, cmd)
	})

	t.Run("error message", func(t *testing.T) {
		newModel, cmd := model.Update(errorMsg(assert.AnError))
		updated := newModel.(Model)

		assert.Equal(t, assert.AnError, updated.error)
		assert.False(t, updated.loading)
		assert.Nil(t, cmd)
	})

	t.Run("tick message", func(t *testing.T) {
		_, cmd := model.Update(tickMsg(time.Now()))
		assert.NotNil(t, cmd)
	})
}

func TestTUIView(t *testing.T) {
	model := initialModel(Config{APIURL: "http://localhost:8080"})

	assert.Equal(t, "Loading...", model.View())

	model.width = 120
	model.height = 40

	t.Run("view while loading", func(t *testing.T) {
		view := model.View()
		assert.Contains(t, view, "Loading chains...")
		assert.Contains(t, view, "chainconn monitor")
	})

	t.Run("view with chains", func(t *testing.T) {
		m := model
		m.loading = false
		m.chains = sampleChains
		m.lastUpdate = time.Now()

		view := m.View()
		assert.Contains(t, view, "kusama")
		assert.Contains(t, view, "disconnected")
		assert.Contains(t, view, "Last updated")
	})

	t.Run("view with error", func(t *testing.T) {
		m := model
		m.error = assert.AnError

		assert.Contains(t, m.View(), "Error:")
	})
}

func TestRenderChains(t *testing.T) {
	out := RenderChains(sampleChains)

	assert.Contains(t, out, "CHAIN")
	assert.Contains(t, out, "wss://kusama.example")
	assert.Contains(t, out, "4s")
	assert.Contains(t, RenderChains(nil), "No open chain sockets")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "wss://…", truncate("wss://very.long.example", 7))
}

func TestFetchChains(t *testing.T) {
	client := &http.Client{Timeout: time.Second}

	t.Run("success", func(t *testing.T) {
		srv := newChainsServer(t, http.StatusOK, sampleChains)

		chains, err := FetchChains(context.Background(), client, srv.URL+"/")
		require.NoError(t, err)
		assert.Equal(t, sampleChains, chains)
	})

	t.Run("server error", func(t *testing.T) {
		srv := newChainsServer(t, http.StatusInternalServerError, map[string]string{"error": "boom"})

		_, err := FetchChains(context.Background(), client, srv.URL)
		assert.ErrorContains(t, err, "unexpected status")
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := newChainsServer(t, http.StatusOK, sampleChains)
		url := srv.URL
		srv.Close()

		_, err := FetchChains(context.Background(), client, url)
		assert.ErrorContains(t, err, "unreachable")
	})

	t.Run("fetch command", func(t *testing.T) {
		srv := newChainsServer(t, http.StatusOK, sampleChains)
		model := initialModel(Config{APIURL: srv.URL})

		msg := model.fetchChains()()
		assert.Equal(t, chainsMsg(sampleChains), msg)
	})
}
