package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"gttdesk/internal/domain"
	"gttdesk/pkg/gttdesk"
)

const maxEvents = 200

type tickMsg time.Time

type plansMsg struct {
	plans []*domain.Plan
	err   error
}

type eventMsg domain.Event

type feedErrMsg struct{ err error }

type opDoneMsg struct {
	what string
	err  error
}

func tickCmd() tea.Cmd {
	return tea.Tick(10*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type model struct {
	client *gttdesk.Client
	events <-chan tea.Msg
	logger *slog.Logger

	plans    []*domain.Plan
	log      []domain.Event
	selected int
	status   string
	feedUp   bool

	viewport      viewport.Model
	ready         bool
	width, height int
}

func initialModel(c *gttdesk.Client, events <-chan tea.Msg, logger *slog.Logger) model {
	return model{client: c, events: events, logger: logger, feedUp: true}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.loadPlans(), m.waitForEvent())
}

func (m model) loadPlans() tea.Cmd {
	c := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		plans, err := c.ListPlans(ctx)
		return plansMsg{plans: plans, err: err}
	}
}

// waitForEvent blocks on the next feed message.
func (m model) waitForEvent() tea.Cmd {
	ch := m.events
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return feedErrMsg{err: fmt.Errorf("feed closed")}
		}
		return msg
	}
}

func (m model) runOp(what string, op func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		return opDoneMsg{what: what, err: op(ctx)}
	}
}

func (m model) selectedPlan() *domain.Plan {
	if m.selected < 0 || m.selected >= len(m.plans) {
		return nil
	}
	return m.plans[m.selected]
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
			m.refresh()
			return m, nil
		case "down", "j":
			if m.selected < len(m.plans)-1 {
				m.selected++
			}
			m.refresh()
			return m, nil
		case "r":
			return m, m.loadPlans()
		case "s":
			p := m.selectedPlan()
			if p == nil {
				return m, nil
			}
			m.status = "scanning " + p.Symbol
			id := p.ID
			return m, m.runOp("scan "+p.Symbol, func(ctx context.Context) error {
				_, err := m.client.Scan(ctx, id)
				return err
			})
		case "a":
			m.status = "scanning all plans"
			return m, m.runOp("scan all", func(ctx context.Context) error {
				_, err := m.client.ScanAll(ctx)
				return err
			})
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := m.height - 2
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(m.width, vpHeight)
			m.viewport.MouseWheelEnabled = true
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = vpHeight
		}
		m.refresh()
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.loadPlans(), tickCmd())

	case plansMsg:
		if msg.err != nil {
			m.status = "loading plans: " + msg.err.Error()
			return m, nil
		}
		m.plans = msg.plans
		if m.selected >= len(m.plans) {
			m.selected = max(len(m.plans)-1, 0)
		}
		m.refresh()
		return m, nil

	case eventMsg:
		m.log = append(m.log, domain.Event(msg))
		if len(m.log) > maxEvents {
			m.log = m.log[len(m.log)-maxEvents:]
		}
		m.refresh()
		return m, tea.Batch(m.loadPlans(), m.waitForEvent())

	case feedErrMsg:
		m.feedUp = false
		m.status = "feed: " + msg.err.Error()
		m.logger.Warn("event feed stopped", "error", msg.err)
		return m, nil

	case opDoneMsg:
		if msg.err != nil {
			m.status = msg.what + " failed: " + msg.err.Error()
		} else {
			m.status = msg.what + " done"
		}
		return m, m.loadPlans()
	}

	if m.ready {
		m.viewport, cmd = m.viewport.Update(msg)
	}
	return m, cmd
}

func (m *model) refresh() {
	if m.ready {
		m.viewport.SetContent(renderContent(m.plans, m.selected, m.log))
	}
}

func (m model) View() string {
	if !m.ready {
		return "loading..."
	}
	feed := "live"
	if !m.feedUp {
		feed = "down"
	}
	header := headerStyle.Render(padOrTrunc(fmt.Sprintf(" gttdesk  %d plans  feed: %s  %s ",
		len(m.plans), feed, time.Now().Format("15:04:05")), m.width))
	footerText := " q quit  up/dn select  s scan  a scan all  r reload"
	if m.status != "" {
		footerText += "    " + m.status
	}
	footer := footerStyle.Render(padOrTrunc(footerText, m.width))
	return header + "\n" + m.viewport.View() + "\n" + footer
}

// listen reads websocket messages into a channel until the connection drops.
func listen(conn *websocket.Conn, logger *slog.Logger) <-chan tea.Msg {
	ch := make(chan tea.Msg, 64)
	go func() {
		defer close(ch)
		for {
			var msg struct {
				Type  string        `json:"type"`
				Event *domain.Event `json:"event"`
			}
			_, data, err := conn.ReadMessage()
			if err != nil {
				ch <- feedErrMsg{err: err}
				return
			}
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.Debug("bad feed message", "error", err)
				continue
			}
			if msg.Type == "event" && msg.Event != nil {
				ch <- eventMsg(*msg.Event)
			}
		}
	}()
	return ch
}

func wsURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func main() {
	defaultServer := "http://127.0.0.1:8080"
	if v := os.Getenv("GTTDESK_URL"); v != "" {
		defaultServer = v
	}
	server := flag.String("server", defaultServer, "gttdesk-server base URL")
	flag.Parse()

	// Logs go to a file so they do not tear the screen.
	logFile, err := os.OpenFile(fmt.Sprintf("/tmp/gttdesk-watch-%s.log", time.Now().Format("2006-01-02")),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	logger := slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: slog.LevelInfo}))

	target, err := wsURL(*server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad server URL: %v\n", err)
		os.Exit(1)
	}
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connecting to %s: %v\n", target, err)
		os.Exit(1)
	}
	defer conn.Close()

	p := tea.NewProgram(
		initialModel(gttdesk.NewClient(*server), listen(conn, logger), logger),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
