package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chainconn/rpc-connector/pkg/types"
)

// Config holds configuration for the TUI monitor
type Config struct {
	// APIURL is the base URL of a running chainconn server.
	APIURL      string
	RefreshRate time.Duration
}

// Model represents the TUI application state
type Model struct {
	config     Config
	client     *http.Client
	chains     []types.ChainStatus
	loading    bool
	error      error
	width      int
	height     int
	lastUpdate time.Time
}

// tickMsg is sent when the refresh timer ticks
type tickMsg time.Time

// chainsMsg is sent when the chain list is updated
type chainsMsg []types.ChainStatus

// errorMsg is sent when an error occurs
type errorMsg error

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	contentStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD")).
			Padding(1, 2)

	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	faintStyle  = lipgloss.NewStyle().Faint(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")).Bold(true)

	stateColors = map[string]lipgloss.Color{
		"connected":    lipgloss.Color("#00FF00"),
		"connecting":   lipgloss.Color("#FFFF00"),
		"disconnected": lipgloss.Color("#FF0000"),
	}
)

type column struct {
	title string
	width int
}

var columns = []column{
	{"CHAIN", 14},
	{"STATE", 14},
	{"ENDPOINT", 36},
	{"USERS", 6},
	{"PENDING", 8},
	{"SUBS", 6},
	{"BACKOFF", 10},
}

// StartMonitor starts the TUI monitor application
func StartMonitor(config Config) error {
	p := tea.NewProgram(initialModel(config), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func initialModel(config Config) Model {
	if config.RefreshRate <= 0 {
		config.RefreshRate = time.Second
	}
	return Model{
		config:  config,
		client:  &http.Client{Timeout: 5 * time.Second},
		loading: true,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchChains(),
		tickCmd(m.config.RefreshRate),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetchChains()
		}

	case tickMsg:
		return m, tea.Batch(
			m.fetchChains(),
			tickCmd(m.config.RefreshRate),
		)

	case chainsMsg:
		m.chains = msg
		m.loading = false
		m.error = nil
		m.lastUpdate = time.Now()
		return m, nil

	case errorMsg:
		m.error = msg
		m.loading = false
		return m, nil
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Width(m.width-2).Render("chainconn monitor · "+m.config.APIURL) + "\n\n")
	b.WriteString(faintStyle.Render("Press 'r' to refresh manually, 'q' to quit") + "\n\n")

	switch {
	case m.error != nil:
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.error)) + "\n")
	case m.loading:
		b.WriteString("Loading chains...\n")
	default:
		b.WriteString(RenderChains(m.chains))
	}

	if !m.lastUpdate.IsZero() {
		b.WriteString("\n" + faintStyle.Render("Last updated: "+m.lastUpdate.Format("15:04:05")))
	}

	return contentStyle.Width(m.width - 4).Render(b.String())
}

// RenderChains formats a chain status list as a table.
func RenderChains(chains []types.ChainStatus) string {
	if len(chains) == 0 {
		return faintStyle.Render("No open chain sockets") + "\n"
	}

	var b strings.Builder
	cells := make([]string, len(columns))
	for i, c := range columns {
		cells[i] = headerStyle.Width(c.width).Render(c.title)
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cells...) + "\n")

	for _, s := range chains {
		state := lipgloss.NewStyle().Width(columns[1].width)
		if color, ok := stateColors[s.State]; ok {
			state = state.Foreground(color)
		}
		row := []string{
			cell(0, s.ChainID),
			state.Render(s.State),
			cell(2, truncate(s.URL, columns[2].width-1)),
			cell(3, fmt.Sprint(s.Users)),
			cell(4, fmt.Sprint(s.Pending)),
			cell(5, fmt.Sprint(s.Subscriptions)),
			cell(6, s.Backoff.String()),
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, row...) + "\n")
	}
	return b.String()
}

func cell(col int, v string) string {
	return lipgloss.NewStyle().Width(columns[col].width).Render(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}

func (m Model) fetchChains() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		chains, err := FetchChains(ctx, m.client, m.config.APIURL)
		if err != nil {
			return errorMsg(err)
		}
		return chainsMsg(chains)
	}
}

func tickCmd(refreshRate time.Duration) tea.Cmd {
	return tea.Tick(refreshRate, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// FetchChains queries GET /api/v1/chains of the server at apiURL.
func FetchChains(ctx context.Context, client *http.Client, apiURL string) ([]types.ChainStatus, error) {
	url := strings.TrimSuffix(apiURL, "/") + "/api/v1/chains"
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chainconn server unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s from %s", resp.Status, url)
	}

	var chains []types.ChainStatus
	if err := json.NewDecoder(resp.Body).Decode(&chains); err != nil {
		return nil, fmt.Errorf("failed to decode chains response: %w", err)
	}
	return chains, nil
}
