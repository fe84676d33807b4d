package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/InsulaLabs/synap/client"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const gap = "\n"

// Config wires a chat session to a broker. Identity is the subscriber
// identity the session claims; Topics are joined on startup with the
// first one active.
type Config struct {
	Client   *client.Client
	Identity string
	Topics   []string
	Logger   *slog.Logger

	// Parent bounds the session lifetime. SSH sessions pass their
	// connection context here so a dropped connection also tears the
	// stream down.
	Parent context.Context
}

// Model is a bubbletea chat client over a single subscriber stream.
// Plain input publishes to the active topic; slash commands manage
// subscriptions (/help lists them).
type Model struct {
	client   *client.Client
	identity string
	logger   *slog.Logger

	viewport    viewport.Model
	textarea    textarea.Model
	senderStyle lipgloss.Style
	systemStyle lipgloss.Style
	errorStyle  lipgloss.Style
	height      int

	messages []string
	topics   []string // join order
	active   string
	initial  []string

	ctx    context.Context
	cancel context.CancelFunc
	events chan tea.Msg
}

func New(cfg Config) *Model {
	ta := textarea.New()
	ta.Placeholder = "Send a message..."
	ta.Focus()

	ta.Prompt = "┃ "
	ta.CharLimit = 280

	// Start with minimal defaults - proper sizing will happen on WindowSizeMsg
	ta.SetWidth(80)
	ta.SetHeight(3)

	// Remove cursor line styling
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()

	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false)

	vp := viewport.New(80, 5)
	vp.SetContent(fmt.Sprintf(`Connected as %s.
Type a message to publish to the active topic. /help lists commands.`, cfg.Identity))

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	parent := cfg.Parent
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	return &Model{
		client:      cfg.Client,
		identity:    cfg.Identity,
		logger:      logger.WithGroup("chat"),
		textarea:    ta,
		viewport:    vp,
		messages:    []string{},
		senderStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
		systemStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		errorStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		initial:     cfg.Topics,
		ctx:         ctx,
		cancel:      cancel,
		events:      make(chan tea.Msg, 64),
	}
}

// Init starts the stream pump and joins the initial topics.
func (m *Model) Init() tea.Cmd {
	go m.streamLoop()

	cmds := []tea.Cmd{textarea.Blink, m.waitForEvent()}
	if len(m.initial) > 0 {
		cmds = append(cmds, m.subscribeCmd(m.initial...))
	}
	return tea.Batch(cmds...)
}

// View renders the message viewport above the input box.
func (m *Model) View() string {
	content := lipgloss.JoinVertical(
		lipgloss.Top,
		m.viewport.View(),
		gap,
		m.textarea.View(),
	)
	// Ensure the content fits exactly in the terminal height
	return lipgloss.NewStyle().Height(m.height).Render(content)
}

// Shutdown ends the stream pump. Callers run it once the program has
// exited; calling it more than once is fine.
func (m *Model) Shutdown() {
	m.cancel()
}
