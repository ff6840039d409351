package dashboard

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/probestation/probe-agent/internal/api"
	"github.com/probestation/probe-agent/internal/ota"
	"github.com/probestation/probe-agent/internal/realtime"
	"github.com/probestation/probe-agent/internal/ui"
)

// keyMap lists the dashboard's key bindings.
type keyMap struct {
	Quit    key.Binding
	Refresh key.Binding
	Help    key.Binding
	Check   key.Binding
	Update  key.Binding
}

// ShortHelp is the footer line.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Quit, k.Refresh, k.Check, k.Update, k.Help}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Quit, k.Refresh, k.Help},
		{k.Check, k.Update},
	}
}

func newKeyMap() keyMap {
	return keyMap{
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh now"),
		),
		Help: key.NewBinding(
			key.WithKeys("h"),
			key.WithHelp("h", "toggle help"),
		),
		Check: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "check for updates"),
		),
		Update: key.NewBinding(
			key.WithKeys("u"),
			key.WithHelp("u", "install update"),
		),
	}
}

func tickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Dashboard is the Bubble Tea model behind `probe-agent watch`.
type Dashboard struct {
	opts     Options
	data     DashboardData
	lastOK   time.Time
	err      error
	stale    bool
	notice   string
	colors   *ui.ColorConfig
	keys     keyMap
	help     help.Model
	spinner  spinner.Model
	width    int
	height   int
	showHelp bool
	loading  bool

	inflight context.CancelFunc

	live       <-chan realtime.Message
	liveCancel context.CancelFunc
	dialing    bool
}

// New returns a dashboard polling opts.Client.
func New(opts Options) *Dashboard {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = time.Second
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = min(5*time.Second, 2*opts.RefreshInterval)
	}

	// style is set in Init() to avoid terminal queries before alt screen
	s := spinner.New()
	s.Spinner = spinner.Dot

	return &Dashboard{
		opts:    opts,
		colors:  ui.NewColorConfig(opts.NoColor),
		keys:    newKeyMap(),
		help:    help.New(),
		spinner: s,
		loading: true,
	}
}

func (m *Dashboard) Init() tea.Cmd {
	m.spinner.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	cmds := []tea.Cmd{
		m.spinner.Tick,
		m.fetchCmd(),
		tickCmd(m.opts.RefreshInterval),
	}
	if m.opts.Live {
		cmds = append(cmds, m.subscribeCmd())
	}
	return tea.Batch(cmds...)
}

func (m *Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		return m, nil

	case fetchStartedMsg:
		if m.inflight != nil {
			m.inflight()
		}
		m.inflight = msg.cancel
		return m, nil

	case tickMsg:
		// only tickMsg reschedules itself
		next := []tea.Cmd{tickCmd(m.nextTick())}
		if m.inflight == nil {
			next = append(next, m.fetchCmd())
		}
		if m.opts.Live && m.live == nil && !m.dialing && !m.data.Progress.State.Updating() {
			next = append(next, m.subscribeCmd())
		}
		return m, tea.Batch(next...)

	case dataMsg:
		m.data = DashboardData(msg)
		m.lastOK = time.Now()
		m.err = nil
		m.stale = false
		m.loading = false
		m.inflight = nil
		return m, nil

	case dataErrMsg:
		// the last good frame stays on screen
		m.err = msg.err
		m.data.Err = msg.err
		m.stale = time.Since(m.lastOK) > 10*time.Second
		m.loading = false
		m.inflight = nil
		return m, nil

	case subscribedMsg:
		m.dialing = false
		m.live = msg.ch
		if m.live == nil {
			return m, nil
		}
		return m, waitLive(m.live)

	case liveMsg:
		m.applyLive(realtime.Message(msg))
		return m, waitLive(m.live)

	case liveClosedMsg:
		m.live = nil
		if m.liveCancel != nil {
			m.liveCancel()
			m.liveCancel = nil
		}
		return m, nil

	case actionMsg:
		if msg.err != nil {
			m.notice = msg.what + " failed: " + msg.err.Error()
		} else {
			m.notice = msg.what + " started"
		}
		return m, m.fetchCmd()

	case forceRefreshMsg:
		return m, m.fetchCmd()

	case toggleHelpMsg:
		m.showHelp = !m.showHelp
		return m, nil

	case spinner.TickMsg:
		sp, cmd := m.spinner.Update(msg)
		m.spinner = sp
		return m, cmd
	}

	return m, nil
}

// nextTick backs off to 5s between polls while no update is running.
func (m *Dashboard) nextTick() time.Duration {
	d := m.opts.RefreshInterval
	if m.data.Progress.State.Busy() || m.lastOK.IsZero() {
		return d
	}
	return max(d, 5*time.Second)
}

// applyLive folds a pushed message into the current frame.
func (m *Dashboard) applyLive(msg realtime.Message) {
	switch msg.Type {
	case realtime.TypeStatus, realtime.TypeProgress:
		if msg.Status != nil {
			m.data.Progress = *msg.Status
			m.data.LastUpdate = time.Now()
		}
	case realtime.TypeRelease:
		if msg.Release != nil {
			if m.data.Info.Latest == nil {
				m.data.Info.Latest = &api.LatestRelease{}
			}
			m.data.Info.Latest.Tag = msg.Release.Tag
			m.data.Info.Latest.Name = msg.Release.Name
			m.data.Info.Latest.Notes = msg.Release.Notes
			m.data.Info.Latest.Assets = api.AssetPresent{
				Firmware: msg.Release.HasFirmwareAsset,
				Spiffs:   msg.Release.HasSecondaryAsset,
			}
		}
	case realtime.TypeUpdateAvailable:
		m.data.Info.UpdateAvailable = true
		if m.data.Info.Latest == nil {
			m.data.Info.Latest = &api.LatestRelease{Tag: msg.Latest}
		}
	}
}

func (m *Dashboard) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.showHelp {
		if k := msg.String(); k == "q" || k == "h" || k == "esc" {
			return m, func() tea.Msg { return toggleHelpMsg{} }
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.shutdown()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Refresh):
		return m, func() tea.Msg { return forceRefreshMsg{} }

	case key.Matches(msg, m.keys.Help):
		return m, func() tea.Msg { return toggleHelpMsg{} }

	case key.Matches(msg, m.keys.Check):
		return m, m.checkCmd()

	case key.Matches(msg, m.keys.Update):
		if !m.data.Info.UpdateAvailable {
			m.notice = "no update available"
			return m, nil
		}
		return m, m.updateCmd(ota.TargetBoth)
	}
	return m, nil
}

func (m *Dashboard) shutdown() {
	if m.inflight != nil {
		m.inflight()
	}
	if m.liveCancel != nil {
		m.liveCancel()
	}
}

// fetchCmd polls the agent off the UI goroutine. The cancel func is handed
// back first so a newer fetch can abandon this one.
func (m *Dashboard) fetchCmd() tea.Cmd {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RPCTimeout)
	return tea.Sequence(
		func() tea.Msg { return fetchStartedMsg{cancel: cancel} },
		func() tea.Msg {
			defer cancel()
			data, err := m.fetchData(ctx)
			if err != nil {
				return dataErrMsg{err: err}
			}
			return dataMsg(data)
		},
	)
}

// fetchData does the blocking I/O for one frame. Health is the liveness
// probe; the other calls fill in what they can.
func (m *Dashboard) fetchData(ctx context.Context) (DashboardData, error) {
	c := m.opts.Client
	data := DashboardData{LastUpdate: time.Now()}

	h, err := c.Health(ctx)
	if err != nil {
		return data, err
	}
	data.Health = h

	if p, err := c.Status(ctx); err == nil {
		data.Progress = p
	}
	// info and partitions are answered from the agent's cache, except while
	// it is busy writing flash
	if !data.Progress.State.Updating() {
		if info, err := c.Info(ctx, false); err == nil {
			data.Info = info
		}
		if parts, err := c.Partitions(ctx); err == nil {
			data.Partitions = parts
		}
	} else {
		data.Info = m.data.Info
		data.Partitions = m.data.Partitions
	}
	return data, nil
}

func (m *Dashboard) subscribeCmd() tea.Cmd {
	m.dialing = true
	ctx, cancel := context.WithCancel(context.Background())
	m.liveCancel = cancel
	client := m.opts.Client
	return func() tea.Msg {
		ch, err := client.Subscribe(ctx)
		if err != nil {
			cancel()
			return subscribedMsg{}
		}
		return subscribedMsg{ch: ch}
	}
}

func waitLive(ch <-chan realtime.Message) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return liveClosedMsg{}
		}
		return liveMsg(msg)
	}
}

func (m *Dashboard) checkCmd() tea.Cmd {
	client, timeout := m.opts.Client, m.opts.RPCTimeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_, err := client.Info(ctx, true)
		return actionMsg{what: "check", err: err}
	}
}

func (m *Dashboard) updateCmd(target ota.Target) tea.Cmd {
	client, timeout := m.opts.Client, m.opts.RPCTimeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return actionMsg{what: target.String() + " update", err: client.StartUpdate(ctx, target)}
	}
}
