package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/BioHazard786/huddle/internal/call"
	"github.com/BioHazard786/huddle/internal/media"
)

// Controller is what the call view drives. *call.Session implements it.
type Controller interface {
	State() call.State
	Participants() []call.Participant
	Prompts() []call.Prompt
	LocalMedia() media.Status
	ToggleCamera() (bool, error)
	ToggleMic() (bool, error)
	ToggleScreenShare(ctx context.Context) (bool, error)
	Approve(peerID string) error
	Reject(peerID string) error
	Leave() error
}

type keyMap struct {
	Camera key.Binding
	Mic    key.Binding
	Screen key.Binding
	Accept key.Binding
	Reject key.Binding
	Quit   key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Camera, k.Mic, k.Screen, k.Accept, k.Reject, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

var keys = keyMap{
	Camera: key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "camera")),
	Mic:    key.NewBinding(key.WithKeys("m"), key.WithHelp("m", "mic")),
	Screen: key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "share screen")),
	Accept: key.NewBinding(key.WithKeys("y"), key.WithHelp("y", "admit")),
	Reject: key.NewBinding(key.WithKeys("n"), key.WithHelp("n", "deny")),
	Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "leave")),
}

type eventMsg call.Event

type eventsClosedMsg struct{}

type actionMsg struct {
	notice string
	err    error
}

// CallModel is the Bubble Tea model of the in-call view.
type CallModel struct {
	ctx      context.Context
	ctrl     Controller
	events   <-chan call.Event
	roomLink string

	state   call.State
	spinner spinner.Model
	help    help.Model

	notice    string
	noticeErr bool
	leaving   bool
	quitting  bool
}

// NewCallModel creates the view. events should come from the controller's
// Subscribe so the view sees every state change.
func NewCallModel(ctx context.Context, ctrl Controller, events <-chan call.Event, roomLink string) *CallModel {
	s := spinner.New()
	s.Spinner = spinner.Points
	s.Style = SpinnerStyle

	return &CallModel{
		ctx:      ctx,
		ctrl:     ctrl,
		events:   events,
		roomLink: roomLink,
		state:    ctrl.State(),
		spinner:  s,
		help:     help.New(),
	}
}

// RunCall runs the call view until the call ends.
func RunCall(ctx context.Context, ctrl Controller, events <-chan call.Event, roomLink string) error {
	p := tea.NewProgram(NewCallModel(ctx, ctrl, events, roomLink), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func (m *CallModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForEvent())
}

func (m *CallModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *CallModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m, m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.help.Width = msg.Width

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case actionMsg:
		m.setNotice(msg.notice, msg.err)

	case eventsClosedMsg:
		m.quitting = true
		return m, tea.Quit

	case eventMsg:
		m.handleEvent(call.Event(msg))
		if m.state == call.Ended {
			m.quitting = true
			return m, tea.Quit
		}
		return m, m.waitForEvent()
	}
	return m, nil
}

func (m *CallModel) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch {
	case key.Matches(msg, keys.Quit):
		if m.leaving {
			return nil
		}
		m.leaving = true
		m.setNotice("Leaving...", nil)
		return func() tea.Msg {
			return actionMsg{notice: "Leaving...", err: m.ctrl.Leave()}
		}

	case key.Matches(msg, keys.Camera):
		return m.toggle("Camera", m.ctrl.ToggleCamera)

	case key.Matches(msg, keys.Mic):
		return m.toggle("Microphone", m.ctrl.ToggleMic)

	case key.Matches(msg, keys.Screen):
		return m.toggle("Screen sharing", func() (bool, error) {
			return m.ctrl.ToggleScreenShare(m.ctx)
		})

	case key.Matches(msg, keys.Accept), key.Matches(msg, keys.Reject):
		prompts := m.ctrl.Prompts()
		if len(prompts) == 0 {
			m.setNotice("Nobody is waiting to join", nil)
			return nil
		}
		p := prompts[0]
		accept := key.Matches(msg, keys.Accept)
		return func() tea.Msg {
			if accept {
				return actionMsg{notice: "Admitted " + promptName(p), err: m.ctrl.Approve(p.PeerID)}
			}
			return actionMsg{notice: "Denied " + promptName(p), err: m.ctrl.Reject(p.PeerID)}
		}
	}
	return nil
}

func (m *CallModel) toggle(what string, fn func() (bool, error)) tea.Cmd {
	return func() tea.Msg {
		on, err := fn()
		if err != nil {
			return actionMsg{err: fmt.Errorf("%s: %w", strings.ToLower(what), err)}
		}
		if on {
			return actionMsg{notice: what + " on"}
		}
		return actionMsg{notice: what + " off"}
	}
}

func (m *CallModel) handleEvent(ev call.Event) {
	switch ev.Kind {
	case call.EventStateChanged:
		m.state = ev.State
		switch ev.State {
		case call.PendingApproval:
			m.setNotice("Waiting for someone in the room to let you in", nil)
		case call.Active:
			m.setNotice("You are in the call", nil)
		case call.Rejected:
			m.setNotice("Your request to join was declined", call.ErrJoinRejected)
		}
	case call.EventJoinRequest:
		m.setNotice(fmt.Sprintf("%s %s wants to join (y/n)", IconKnock, promptName(call.Prompt{PeerID: ev.PeerID, Name: ev.Name})), nil)
	case call.EventPeerJoined:
		m.setNotice(fmt.Sprintf("%s joined", nameOr(ev.Name, ev.PeerID)), nil)
	case call.EventPeerLeft:
		m.setNotice(fmt.Sprintf("%s left", nameOr(ev.Name, ev.PeerID)), nil)
	case call.EventError:
		m.setNotice("", ev.Err)
	}
}

func (m *CallModel) setNotice(text string, err error) {
	m.noticeErr = err != nil
	if err != nil {
		text = err.Error()
	}
	m.notice = text
}

func (m *CallModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n" + StatusStyle.Render("huddle") + " " + MutedStyle.Render(m.roomLink) + "\n\n")

	switch m.state {
	case call.Idle, call.Requesting, call.PendingApproval:
		fmt.Fprintf(&b, "%s %s\n", m.spinner.View(), stateText(m.state))
	case call.Rejected:
		fmt.Fprintf(&b, "%s %s\n", ErrorStyle.Render(IconError), stateText(m.state))
	default:
		fmt.Fprintf(&b, "%s\n", stateText(m.state))
	}

	if m.state == call.Active {
		b.WriteString("\n" + ParticipantsView(m.ctrl.Participants()) + "\n")
	}
	b.WriteString("\n" + LocalMediaView(m.ctrl.LocalMedia()) + "\n")

	if prompts := m.ctrl.Prompts(); len(prompts) > 0 {
		lines := make([]string, len(prompts))
		for i, p := range prompts {
			lines[i] = fmt.Sprintf("%s %s", IconKnock, promptName(p))
		}
		b.WriteString("\n" + PromptBoxStyle.Render("Waiting to join:\n"+strings.Join(lines, "\n")) + "\n")
	}

	if m.notice != "" {
		style := MutedStyle
		if m.noticeErr {
			style = ErrorStyle
		}
		b.WriteString("\n" + style.Render(m.notice) + "\n")
	}

	b.WriteString("\n" + m.help.View(keys))
	return b.String()
}

func stateText(s call.State) string {
	switch s {
	case call.Idle, call.Requesting:
		return "Joining room..."
	case call.PendingApproval:
		return fmt.Sprintf("%s Waiting for approval...", IconWaiting)
	case call.Active:
		return SuccessStyle.Render("In call")
	case call.Rejected:
		return "Request declined"
	default:
		return "Call ended"
	}
}

func promptName(p call.Prompt) string {
	return nameOr(p.Name, p.PeerID)
}

func nameOr(name, id string) string {
	if name != "" {
		return name
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
