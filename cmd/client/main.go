package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/openline-dev/forumchat/internal/client/bus"
	"github.com/openline-dev/forumchat/internal/client/chat"
	"github.com/openline-dev/forumchat/internal/client/notify"
	"github.com/openline-dev/forumchat/internal/client/presence"
	"github.com/openline-dev/forumchat/internal/client/realtime"
	"github.com/openline-dev/forumchat/internal/client/rest"
	"github.com/openline-dev/forumchat/internal/client/session"
	"github.com/openline-dev/forumchat/internal/protocol"
)

// --- Styles ---

var (
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#10B981")
	mutedColor     = lipgloss.Color("#9CA3AF")
	errorColor     = lipgloss.Color("#EF4444")
	badgeColor     = lipgloss.Color("#F59E0B")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	ownMessageStyle = lipgloss.NewStyle().
			Foreground(secondaryColor)

	otherMessageStyle = lipgloss.NewStyle().
				Foreground(primaryColor)

	badgeStyle = lipgloss.NewStyle().
			Foreground(badgeColor).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)
)

// --- View State ---

type viewState int

const (
	viewAuth viewState = iota
	viewUsers
	viewChat
	viewNotifications
)

// --- Bus -> Program Messages ---

type connStateMsg struct{ open bool }
type connErrorMsg struct{ err error }
type usersChangedMsg struct{}
type refreshUsersMsg struct{}
type chatChangedMsg struct{}
type unreadCountMsg struct{ count int }
type toastMsg struct{ toast notify.Toast }

type signedInMsg struct {
	userID   string
	nickname string
}
type authFailedMsg struct{ err error }
type chatOpenedMsg struct{ err error }
type loadedMoreMsg struct {
	added int
	err   error
}
type notifsFetchedMsg struct{ err error }

// --- Core ---

// core bundles the realtime components behind the UI. Everything talks
// through the shared bus.
type core struct {
	bus      *bus.Bus
	api      *rest.Client
	conn     *realtime.Conn
	tracker  *presence.Tracker
	chat     *chat.Session
	pipeline *notify.Pipeline
}

func newCore(serverURL string) *core {
	b := bus.New()
	api := rest.New(serverURL)
	return &core{
		bus:      b,
		api:      api,
		conn:     realtime.New(b, wsEndpoint(serverURL)),
		tracker:  presence.New(b),
		pipeline: notify.New(b, api),
	}
}

// wsEndpoint derives the transport URL from the HTTP base URL.
func wsEndpoint(serverURL string) string {
	u := serverURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return strings.TrimSuffix(u, "/") + "/ws"
}

// --- Main Model ---

type model struct {
	core      *core
	serverURL string

	// Auth
	userID        string
	nickname      string
	authAction    string // "signin" or "signup"
	nicknameInput textinput.Model
	passwordInput textinput.Model
	authFocused   int // 0=nickname, 1=password
	authError     string

	// Users
	users        []protocol.User
	selectedUser int

	// Chat
	peerID       string
	peerNickname string
	messageInput textinput.Model
	chatViewport viewport.Model
	loadingMore  bool
	chatError    string

	// Notifications
	unread int
	toast  string

	// UI
	view      viewState
	connected bool
	width     int
	height    int
	err       error
}

func initialModel(c *core, serverURL string) model {
	nicknameInput := textinput.New()
	nicknameInput.Placeholder = "Nickname"
	nicknameInput.Focus()
	nicknameInput.CharLimit = 32
	nicknameInput.Width = 30

	passwordInput := textinput.New()
	passwordInput.Placeholder = "Password"
	passwordInput.EchoMode = textinput.EchoPassword
	passwordInput.CharLimit = 64
	passwordInput.Width = 30

	messageInput := textinput.New()
	messageInput.Placeholder = "Type a message..."
	messageInput.CharLimit = 1000
	messageInput.Width = 50

	chatViewport := viewport.New(80, 20)

	return model{
		core:          c,
		serverURL:     serverURL,
		authAction:    "signin",
		nicknameInput: nicknameInput,
		passwordInput: passwordInput,
		messageInput:  messageInput,
		chatViewport:  chatViewport,
		view:          viewAuth,
	}
}

// --- Commands ---

func (m model) doAuth(nickname, password string) tea.Cmd {
	c := m.core
	action := m.authAction
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var (
			res *rest.SignInResult
			err error
		)
		if action == "signup" {
			res, err = c.api.SignUp(ctx, nickname, password)
		} else {
			res, err = c.api.SignIn(ctx, nickname, password)
		}
		if err != nil {
			return authFailedMsg{err: err}
		}
		return signedInMsg{userID: res.UserID, nickname: res.Nickname}
	}
}

func (m model) loadUsers() tea.Cmd {
	c := m.core
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		users, err := c.api.Users(ctx)
		if err != nil {
			return nil
		}
		// Seed the tracker; it publishes changes back through the bus.
		c.bus.Publish(bus.TopicUsersListUpdate, users)
		return usersChangedMsg{}
	}
}

func (m model) openChat(peerID string) tea.Cmd {
	c := m.core
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return chatOpenedMsg{err: c.chat.Open(ctx, peerID)}
	}
}

func (m model) loadMore() tea.Cmd {
	c := m.core
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		added, err := c.chat.LoadMore(ctx)
		return loadedMoreMsg{added: added, err: err}
	}
}

func (m model) sendMessage(content string) tea.Cmd {
	c := m.core
	peer := m.peerID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.conn.SendTyping(peer, false)
		// A failed send stays in the transcript marked failed; the status
		// marker is the error surface.
		c.chat.Send(ctx, content)
		return chatChangedMsg{}
	}
}

func (m model) fetchNotifications() tea.Cmd {
	c := m.core
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return notifsFetchedMsg{err: c.pipeline.Fetch(ctx)}
	}
}

func (m model) markAllNotificationsRead() tea.Cmd {
	c := m.core
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.pipeline.MarkAllRead(ctx)
		return notifsFetchedMsg{}
	}
}

// --- Init ---

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

// --- Update ---

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.chatViewport.Width = msg.Width - 4
		m.chatViewport.Height = msg.Height - 8

	case signedInMsg:
		m.userID = msg.userID
		m.nickname = msg.nickname
		m.authError = ""
		m.view = viewUsers

		// Persist the identity and bring up the live connection.
		session.Save("default", session.Identity{
			ServerURL: m.serverURL,
			UserID:    msg.userID,
			Nickname:  msg.nickname,
		})
		m.core.chat = chat.New(m.core.bus, m.core.api, m.core.conn, msg.userID)
		if err := m.core.conn.Connect(msg.userID); err != nil {
			m.err = err
		}
		cmds = append(cmds, m.loadUsers(), m.fetchNotifications())

	case authFailedMsg:
		m.authError = msg.err.Error()

	case connStateMsg:
		m.connected = msg.open

	case connErrorMsg:
		m.err = nil // reconnects are automatic; surface only in the footer
		m.connected = false

	case usersChangedMsg:
		m.users = m.core.tracker.Snapshot()

	case refreshUsersMsg:
		// The server hinted the directory is stale; re-fetch it.
		if m.userID != "" {
			cmds = append(cmds, m.loadUsers())
		}

	case chatChangedMsg:
		if m.view == viewChat {
			m.renderChat(true)
		}

	case chatOpenedMsg:
		if msg.err != nil {
			m.chatError = msg.err.Error()
		} else {
			m.chatError = ""
			m.renderChat(true)
		}

	case loadedMoreMsg:
		m.loadingMore = false
		if msg.err != nil {
			m.chatError = msg.err.Error()
		} else if msg.added > 0 {
			// Keep the viewport anchored on the previously-top message.
			m.renderChat(false)
			m.chatViewport.SetYOffset(msg.added)
		}

	case unreadCountMsg:
		m.unread = msg.count

	case toastMsg:
		switch msg.toast.Stage {
		case notify.ToastDone:
			m.toast = ""
		default:
			n := msg.toast.Notification
			m.toast = fmt.Sprintf("%s: %s", n.ActorName, describeNotification(n))
		}

	case notifsFetchedMsg:
		m.unread = m.core.pipeline.Unread()
	}

	// Update text inputs
	switch m.view {
	case viewAuth:
		if m.authFocused == 0 {
			m.nicknameInput, _ = m.nicknameInput.Update(msg)
		} else {
			m.passwordInput, _ = m.passwordInput.Update(msg)
		}
	case viewChat:
		m.messageInput, _ = m.messageInput.Update(msg)
		m.chatViewport, _ = m.chatViewport.Update(msg)
	}

	return m, tea.Batch(cmds...)
}

func (m *model) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c":
		return tea.Quit, true

	case "q":
		if m.view == viewAuth || m.view == viewUsers {
			return tea.Quit, true
		}

	case "tab":
		if m.view == viewAuth {
			if m.authFocused == 0 {
				m.authFocused = 1
				m.nicknameInput.Blur()
				m.passwordInput.Focus()
			} else {
				m.authFocused = 0
				m.passwordInput.Blur()
				m.nicknameInput.Focus()
			}
			return nil, true
		}

	case "ctrl+r":
		if m.view == viewAuth {
			if m.authAction == "signin" {
				m.authAction = "signup"
			} else {
				m.authAction = "signin"
			}
			return nil, true
		}
		if m.view == viewUsers {
			return m.loadUsers(), true
		}

	case "enter":
		switch m.view {
		case viewAuth:
			if m.nicknameInput.Value() != "" && m.passwordInput.Value() != "" {
				return m.doAuth(m.nicknameInput.Value(), m.passwordInput.Value()), true
			}
		case viewUsers:
			if len(m.users) > 0 {
				u := m.users[m.selectedUser]
				m.peerID = u.ID
				m.peerNickname = u.Nickname
				m.view = viewChat
				m.messageInput.Focus()
				return m.openChat(u.ID), true
			}
		case viewChat:
			if m.messageInput.Value() != "" {
				content := m.messageInput.Value()
				m.messageInput.SetValue("")
				return m.sendMessage(content), true
			}
		}

	case "up", "k":
		if m.view == viewUsers && m.selectedUser > 0 {
			m.selectedUser--
			return nil, true
		}

	case "down", "j":
		if m.view == viewUsers && m.selectedUser < len(m.users)-1 {
			m.selectedUser++
			return nil, true
		}

	case "pgup":
		// Scrolling past the top backfills older history.
		if m.view == viewChat && m.chatViewport.AtTop() && m.core.chat.HasMore() && !m.loadingMore {
			m.loadingMore = true
			return m.loadMore(), true
		}

	case "n":
		if m.view == viewUsers {
			m.view = viewNotifications
			return m.fetchNotifications(), true
		}

	case "m":
		if m.view == viewNotifications {
			return m.markAllNotificationsRead(), true
		}

	case "esc":
		if m.view == viewChat {
			m.core.conn.SendTyping(m.peerID, false)
			m.view = viewUsers
			m.messageInput.Blur()
			return nil, true
		}
		if m.view == viewNotifications {
			m.view = viewUsers
			return nil, true
		}

	default:
		// Any printable key in the chat composer signals typing.
		if m.view == viewChat && len(msg.String()) == 1 {
			m.core.conn.SendTyping(m.peerID, true)
		}
	}
	return nil, false
}

func (m *model) renderChat(gotoBottom bool) {
	var content strings.Builder
	for _, msg := range m.core.chat.Messages() {
		timestamp := msg.Timestamp.Local().Format("15:04")
		style := otherMessageStyle
		name := m.peerNickname
		marker := ""
		if msg.Sender == m.userID {
			style = ownMessageStyle
			name = m.nickname
			marker = " " + statusMarker(msg.Status)
		}
		line := fmt.Sprintf("%s %s: %s%s",
			mutedStyle.Render(timestamp),
			style.Render(name),
			msg.Content,
			mutedStyle.Render(marker),
		)
		content.WriteString(line + "\n")
	}
	m.chatViewport.SetContent(content.String())
	if gotoBottom {
		m.chatViewport.GotoBottom()
	}
}

func statusMarker(s chat.Status) string {
	switch s {
	case chat.StatusSending:
		return "…"
	case chat.StatusSent:
		return "✓"
	case chat.StatusDelivered:
		return "✓✓"
	case chat.StatusRead:
		return "✓✓ read"
	case chat.StatusFailed:
		return "failed"
	}
	return ""
}

func describeNotification(n protocol.Notification) string {
	switch n.Kind {
	case protocol.NotifyLike:
		return "liked your post"
	case protocol.NotifyComment:
		return "commented on your post"
	case protocol.NotifyMessage:
		return "sent you a message"
	}
	return "did something"
}

// --- View ---

func (m model) View() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress ctrl+c to quit.", m.err))
	}

	switch m.view {
	case viewAuth:
		return m.authView()
	case viewUsers:
		return m.usersView()
	case viewChat:
		return m.chatView()
	case viewNotifications:
		return m.notificationsView()
	}
	return ""
}

func (m model) authView() string {
	var s strings.Builder

	s.WriteString("\n\n")
	s.WriteString(titleStyle.Render("FORUMCHAT"))
	s.WriteString("\n\n")

	if m.authAction == "signin" {
		s.WriteString(selectedStyle.Render("  → Sign in"))
		s.WriteString(mutedStyle.Render("   Sign up\n"))
	} else {
		s.WriteString(mutedStyle.Render("  Sign in   "))
		s.WriteString(selectedStyle.Render("→ Sign up\n"))
	}
	s.WriteString(helpStyle.Render("  (Ctrl+R to switch)\n\n"))

	s.WriteString("  Nickname:\n")
	s.WriteString("  " + m.nicknameInput.View() + "\n\n")
	s.WriteString("  Password:\n")
	s.WriteString("  " + m.passwordInput.View() + "\n\n")

	if m.authError != "" {
		s.WriteString(errorStyle.Render("  " + m.authError + "\n\n"))
	}

	s.WriteString(helpStyle.Render("  Tab to switch fields • Enter to submit • q to quit\n"))
	return s.String()
}

func (m model) usersView() string {
	var s strings.Builder

	header := fmt.Sprintf("FORUMCHAT - %s", m.nickname)
	s.WriteString(titleStyle.Render(header))
	if m.unread > 0 {
		s.WriteString(badgeStyle.Render(fmt.Sprintf("  🔔 %d", m.unread)))
	}
	if !m.connected {
		s.WriteString(errorStyle.Render("  ● offline"))
	}
	s.WriteString("\n\n")

	if len(m.users) == 0 {
		s.WriteString(mutedStyle.Render("  Nobody here yet.\n"))
	} else {
		for i, u := range m.users {
			if u.ID == m.userID {
				continue
			}
			prefix := "  "
			style := lipgloss.NewStyle()
			if i == m.selectedUser {
				prefix = "→ "
				style = selectedStyle
			}

			dot := mutedStyle.Render("○")
			if u.IsOnline {
				dot = selectedStyle.Render("●")
			}
			suffix := ""
			if m.core.tracker.Typing(u.ID) {
				suffix = mutedStyle.Render("  typing…")
			}
			s.WriteString(fmt.Sprintf("%s%s %s%s\n", prefix, dot, style.Render(u.Nickname), suffix))
		}
	}

	if m.toast != "" {
		s.WriteString("\n")
		s.WriteString(badgeStyle.Render("  🔔 " + m.toast))
		s.WriteString("\n")
	}

	s.WriteString("\n")
	s.WriteString(helpStyle.Render("  ↑/↓ navigate • Enter to chat • n notifications • ctrl+r refresh • q to quit"))
	return s.String()
}

func (m model) chatView() string {
	var s strings.Builder

	header := fmt.Sprintf("💬 %s", m.peerNickname)
	if m.core.tracker.Typing(m.peerID) {
		header += mutedStyle.Render("  typing…")
	} else if m.core.tracker.Online(m.peerID) {
		header += selectedStyle.Render("  ●")
	}
	s.WriteString(titleStyle.Render(header))
	s.WriteString("\n")
	if m.width > 2 {
		s.WriteString(strings.Repeat("─", m.width-2))
	}
	s.WriteString("\n")

	if m.loadingMore {
		s.WriteString(mutedStyle.Render("loading older messages…\n"))
	} else if m.core.chat != nil && m.core.chat.HasMore() {
		s.WriteString(helpStyle.Render("PgUp for older messages\n"))
	}

	s.WriteString(m.chatViewport.View())
	s.WriteString("\n")
	if m.width > 2 {
		s.WriteString(strings.Repeat("─", m.width-2))
	}
	s.WriteString("\n")
	if m.chatError != "" {
		s.WriteString(errorStyle.Render(m.chatError))
		s.WriteString("\n")
	}
	s.WriteString(m.messageInput.View())
	s.WriteString("\n")
	s.WriteString(helpStyle.Render("Enter to send • Esc to go back"))
	return s.String()
}

func (m model) notificationsView() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render(fmt.Sprintf("Notifications (%d unread)", m.unread)))
	s.WriteString("\n\n")

	envelopes := m.core.pipeline.Envelopes()
	if len(envelopes) == 0 {
		s.WriteString(mutedStyle.Render("  Nothing yet.\n"))
	}
	for _, n := range envelopes {
		marker := badgeStyle.Render("●")
		if n.Read {
			marker = mutedStyle.Render("○")
		}
		when := mutedStyle.Render(n.CreatedAt.Local().Format("Jan 2 15:04"))
		s.WriteString(fmt.Sprintf("  %s %s %s  %s\n", marker, n.ActorName, describeNotification(n), when))
	}

	s.WriteString("\n")
	s.WriteString(helpStyle.Render("  m mark all read • Esc to go back"))
	return s.String()
}

// --- Main ---

func main() {
	serverURL := os.Getenv("FORUMCHAT_SERVER")
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}

	c := newCore(serverURL)
	p := tea.NewProgram(initialModel(c, serverURL), tea.WithAltScreen())

	// Forward bus events into the program loop. Handlers run on the
	// connection's goroutines; p.Send is safe from any of them.
	c.bus.Subscribe(bus.TopicConnectionOpened, func(interface{}) { p.Send(connStateMsg{open: true}) })
	c.bus.Subscribe(bus.TopicConnectionClosed, func(interface{}) { p.Send(connStateMsg{open: false}) })
	c.bus.Subscribe(bus.TopicConnectionError, func(pl interface{}) {
		if err, ok := pl.(error); ok {
			p.Send(connErrorMsg{err: err})
		}
	})
	c.bus.Subscribe(bus.TopicUserStatusChange, func(interface{}) { p.Send(usersChangedMsg{}) })
	c.bus.Subscribe(bus.TopicUsersListUpdate, func(interface{}) { p.Send(usersChangedMsg{}) })
	c.bus.Subscribe(bus.TopicUserSignup, func(interface{}) { p.Send(usersChangedMsg{}) })
	c.bus.Subscribe(bus.TopicUserTypingStatus, func(interface{}) { p.Send(usersChangedMsg{}) })
	c.bus.Subscribe(bus.TopicRefreshUsersList, func(interface{}) { p.Send(refreshUsersMsg{}) })
	c.bus.Subscribe(bus.TopicMessage, func(interface{}) { p.Send(chatChangedMsg{}) })
	c.bus.Subscribe(bus.TopicMessageRead, func(interface{}) { p.Send(chatChangedMsg{}) })
	c.bus.Subscribe(bus.TopicNotificationCount, func(pl interface{}) {
		if n, ok := pl.(int); ok {
			p.Send(unreadCountMsg{count: n})
		}
	})
	c.bus.Subscribe(bus.TopicNotificationToast, func(pl interface{}) {
		if t, ok := pl.(notify.Toast); ok {
			p.Send(toastMsg{toast: t})
		}
	})

	if _, err := p.Run(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	c.conn.Close()
	c.tracker.Close()
	c.pipeline.Close()
	if c.chat != nil {
		c.chat.Close()
	}
}
