package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/desertthunder/ledgersync/internal/models"
	"github.com/desertthunder/ledgersync/internal/tasks"
)

// ViewState represents the current view in the TUI.
type ViewState int

const (
	EntityListView ViewState = iota
	ConfirmView
	SyncView
	ResultView
)

// SyncEngine is the slice of [tasks.Engine] the TUI drives.
type SyncEngine interface {
	Entities() []tasks.Entity
	CheckStatus(ctx context.Context, req tasks.StatusRequest) (models.StatusSummary, error)
	TriggerSync(ctx context.Context, req tasks.SyncRequest, progress chan<- tasks.ProgressUpdate) (models.SyncReport, error)
}

// Model represents the TUI application state.
type Model struct {
	ctx          context.Context
	cancel       context.CancelFunc
	view         ViewState
	engine       SyncEngine
	request      tasks.SyncRequest
	width        int
	height       int
	entityList   list.Model
	failureList  list.Model
	selected     string
	status       *models.StatusSummary
	checking     bool
	progressChan chan tasks.ProgressUpdate
	done         chan syncResult
	progress     tasks.ProgressUpdate
	bar          progress.Model
	spinner      spinner.Model
	stopping     bool
	report       *models.SyncReport
	err          error
	help         help.Model
	keys         keyMap
}

// NewModel creates a TUI model. Fields of request other than Entity are used for every run started from it.
//
// When request names an entity the entity list is skipped and the model opens on its status check.
func NewModel(ctx context.Context, engine SyncEngine, request tasks.SyncRequest) *Model {
	items := make([]list.Item, 0)
	for _, ent := range engine.Entities() {
		items = append(items, entityItem{entity: ent})
	}
	entityList := list.New(items, list.NewDefaultDelegate(), 0, 0)
	entityList.Title = "Entities"

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.title.UnsetMarginBottom()

	m := &Model{
		ctx:        ctx,
		view:       EntityListView,
		engine:     engine,
		request:    request,
		entityList: entityList,
		bar:        progress.New(progress.WithDefaultGradient()),
		spinner:    sp,
		help:       help.New(),
		keys:       newKeyMap(),
	}
	if request.Entity != "" {
		m.selected = request.Entity
		m.view = ConfirmView
		m.checking = true
	}
	return m
}

// Init starts the spinner and, for a preselected entity, its status check.
func (m *Model) Init() tea.Cmd {
	if m.view == ConfirmView {
		return tea.Batch(m.spinner.Tick, m.checkStatus(m.selected))
	}
	return m.spinner.Tick
}

// Update handles incoming messages and updates the model state.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.entityList.SetSize(msg.Width-4, msg.Height-8)
		if m.report != nil {
			m.failureList.SetSize(msg.Width-4, max(msg.Height-16, 4))
		}
		m.bar.Width = max(min(msg.Width-8, 80), 10)
		return m, nil

	case tea.KeyMsg:
		switch m.view {
		case EntityListView:
			return m.handleEntityListKeys(msg)
		case ConfirmView:
			return m.handleConfirmKeys(msg)
		case SyncView:
			return m.handleSyncKeys(msg)
		case ResultView:
			return m.handleResultKeys(msg)
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case Msg:
		return m.handleMsg(msg)
	}

	return m.updateLists(msg)
}

func (m *Model) handleMsg(msg Msg) (tea.Model, tea.Cmd) {
	switch msg.kind {
	case MsgStatusChecked:
		res := msg.data.(statusResult)
		if m.view != ConfirmView || res.entity != m.selected {
			return m, nil
		}
		m.checking = false
		m.err = res.err
		if res.err == nil {
			summary := res.summary
			m.status = &summary
		}
		return m, nil

	case MsgProgressUpdate:
		m.progress = msg.data.(tasks.ProgressUpdate)
		return m, m.waitForProgress()

	case MsgSyncComplete:
		res := msg.data.(syncResult)
		m.finishSync(res)
		return m, nil
	}
	return m, nil
}

// View renders the UI based on the current view state.
func (m *Model) View() string {
	switch m.view {
	case EntityListView:
		return m.renderEntityList()
	case ConfirmView:
		return m.renderConfirm()
	case SyncView:
		return m.renderSync()
	case ResultView:
		return m.renderResult()
	default:
		return ""
	}
}

// Report returns the report of the last finished run, if any.
func (m *Model) Report() (models.SyncReport, bool) {
	if m.report == nil {
		return models.SyncReport{}, false
	}
	return *m.report, true
}

func (m *Model) handleEntityListKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.entityList.FilterState() == list.Filtering {
		var cmd tea.Cmd
		m.entityList, cmd = m.entityList.Update(msg)
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keys.quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.enter):
		if item, ok := m.entityList.SelectedItem().(entityItem); ok {
			m.selected = item.entity.Name
			m.status = nil
			m.err = nil
			m.checking = true
			m.view = ConfirmView
			return m, m.checkStatus(m.selected)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.entityList, cmd = m.entityList.Update(msg)
	return m, cmd
}

func (m *Model) handleConfirmKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.no), key.Matches(msg, m.keys.back):
		m.view = EntityListView
		m.status = nil
		m.err = nil
		m.checking = false
		return m, nil
	case key.Matches(msg, m.keys.yes):
		if m.checking {
			return m, nil
		}
		m.view = SyncView
		return m, m.startSync()
	}
	return m, nil
}

func (m *Model) handleSyncKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.cancel) && m.cancel != nil && !m.stopping {
		m.stopping = true
		m.cancel()
	}
	return m, nil
}

func (m *Model) handleResultKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.restart):
		m.view = EntityListView
		m.selected = ""
		m.status = nil
		m.report = nil
		m.err = nil
		m.progress = tasks.ProgressUpdate{}
		return m, nil
	}

	if m.report == nil {
		return m, nil
	}
	var cmd tea.Cmd
	m.failureList, cmd = m.failureList.Update(msg)
	return m, cmd
}

func (m *Model) updateLists(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch m.view {
	case EntityListView:
		m.entityList, cmd = m.entityList.Update(msg)
	case ResultView:
		if m.report != nil {
			m.failureList, cmd = m.failureList.Update(msg)
		}
	}
	return m, cmd
}

func (m *Model) checkStatus(entity string) tea.Cmd {
	req := tasks.StatusRequest{Entity: entity, Scope: m.request.Scope, Filter: m.request.Filter}
	return func() tea.Msg {
		summary, err := m.engine.CheckStatus(m.ctx, req)
		return statusCheckedMsg(entity, summary, err)
	}
}

// startSync runs the engine in the background. The result travels on its own channel
// so the model is only mutated from Update.
func (m *Model) startSync() tea.Cmd {
	ctx, cancel := context.WithCancel(m.ctx)
	m.cancel = cancel
	m.stopping = false
	m.progress = tasks.ProgressUpdate{}
	m.progressChan = make(chan tasks.ProgressUpdate, 50)
	m.done = make(chan syncResult, 1)

	req := m.request
	req.Entity = m.selected
	progressChan, done := m.progressChan, m.done

	go func() {
		report, err := m.engine.TriggerSync(ctx, req, progressChan)
		done <- syncResult{report: report, err: err}
		close(progressChan)
	}()

	return m.waitForProgress()
}

func (m *Model) waitForProgress() tea.Cmd {
	progressChan, done := m.progressChan, m.done
	return func() tea.Msg {
		if progressChan == nil {
			return syncCompleteMsg(models.SyncReport{}, errors.New("no sync in progress"))
		}

		update, ok := <-progressChan
		if !ok {
			res := <-done
			return syncCompleteMsg(res.report, res.err)
		}
		return progressUpdateMsg(update)
	}
}

func (m *Model) finishSync(res syncResult) {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.progressChan = nil
	m.done = nil
	m.view = ResultView
	m.err = res.err

	if res.report.RunID == "" && res.err != nil {
		m.report = nil
		return
	}

	report := res.report
	m.report = &report

	items := make([]list.Item, len(report.FailedSamples))
	for i, f := range report.FailedSamples {
		items[i] = failureItem{item: f}
	}
	m.failureList = list.New(items, list.NewDefaultDelegate(), max(m.width-4, 20), max(m.height-16, 4))
	m.failureList.Title = fmt.Sprintf("Failed records (%d of %d shown)", len(report.FailedSamples), report.Failed)
	m.failureList.SetShowHelp(false)
}

func (m *Model) renderEntityList() string {
	helpKeys := []key.Binding{m.keys.enter, m.keys.quit}
	return fmt.Sprintf("%s\n\n%s", m.entityList.View(), m.help.ShortHelpView(helpKeys))
}

func (m *Model) requestLine() string {
	mode := m.request.Mode
	if mode == "" {
		mode = models.ModeMissingOnly
	}
	scope := m.request.Scope
	if scope == "" {
		scope = "(default)"
	}
	line := fmt.Sprintf("Scope: %s • Mode: %s", scope, mode)
	if f := m.request.Filter; f.HasDateRange() {
		line += fmt.Sprintf(" • %s to %s", f.DateFrom.Format(models.DateLayout), f.DateTo.Format(models.DateLayout))
	}
	if w := m.request.Filter.Warehouse; w != "" {
		line += " • Warehouse: " + w
	}
	return line
}

func (m *Model) renderConfirm() string {
	title := styles.title.Render(fmt.Sprintf("Sync %s?", m.selected))
	helpKeys := []key.Binding{m.keys.yes, m.keys.no, m.keys.quit}
	helpView := m.help.ShortHelpView(helpKeys)

	var body string
	switch {
	case m.checking:
		body = fmt.Sprintf("%s Checking remote status...", m.spinner.View())
	case m.err != nil:
		body = styles.err.Render(fmt.Sprintf("Status check failed: %v", m.err)) + "\n" +
			styles.help.Render("A sync run would abort on the same listing error.")
	case m.status != nil:
		s := m.status
		body = styles.box.Render(fmt.Sprintf(
			"Total:     %d\nNew:       %d\nUpdated:   %d\nUnchanged: %d",
			s.Total, s.New, s.Updated, s.Unchanged,
		))
		if s.NeedSync == 0 && m.request.Mode != models.ModeAll {
			body += "\n" + styles.ok.Render("Everything is up to date.")
		} else {
			body += "\n" + styles.warn.Render(fmt.Sprintf("%d records need sync.", s.NeedSync))
		}
	}

	return fmt.Sprintf("%s\n%s\n\n%s\n\n%s", title, m.requestLine(), body, helpView)
}

func (m *Model) renderSync() string {
	title := styles.title.Render(fmt.Sprintf("Syncing %s", m.selected))
	p := m.progress

	var phase string
	switch p.Phase {
	case tasks.Idle:
		phase = "Starting..."
	case tasks.Listing:
		phase = fmt.Sprintf("Listing remote records (%d scanned)", p.Step)
	case tasks.Classifying:
		phase = "Classifying against the ledger..."
	case tasks.Fetching:
		phase = fmt.Sprintf("Fetching details (%d/%d)", p.Step, p.Total)
	case tasks.Persisting:
		phase = "Persisting records..."
	case tasks.Reporting:
		phase = "Recording the run..."
	case tasks.Aborted:
		phase = styles.err.Render("Listing failed")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\n\n%s %s\n", title, m.requestLine(), m.spinner.View(), phase)
	if p.Phase == tasks.Fetching && p.Total > 0 {
		fmt.Fprintf(&b, "\n%s\n", m.bar.ViewAs(float64(p.Step)/float64(p.Total)))
	}
	if p.Message != "" {
		fmt.Fprintf(&b, "\n%s\n", styles.help.Render(p.Message))
	}
	if m.stopping {
		fmt.Fprintf(&b, "\n%s\n", styles.warn.Render("Stopping after the current batch..."))
	} else {
		fmt.Fprintf(&b, "\n%s", m.help.ShortHelpView([]key.Binding{m.keys.cancel}))
	}
	return b.String()
}

func (m *Model) renderResult() string {
	helpKeys := []key.Binding{m.keys.up, m.keys.down, m.keys.restart, m.keys.quit}
	helpView := m.help.ShortHelpView(helpKeys)

	if m.report == nil {
		msg := "No result available"
		if m.err != nil {
			msg = fmt.Sprintf("Sync failed: %v", m.err)
		}
		return fmt.Sprintf("%s\n\n%s", styles.err.Render(msg), helpView)
	}

	r := m.report
	var title string
	switch r.Status {
	case models.RunAborted:
		title = styles.err.Render(fmt.Sprintf("✗ Sync aborted: %s", r.Error))
	case models.RunCanceled:
		title = styles.warn.Render("Sync canceled")
	default:
		if r.Failed > 0 {
			title = styles.warn.Render(fmt.Sprintf("✓ Sync complete with %d failures", r.Failed))
		} else {
			title = styles.ok.Render("✓ Sync complete")
		}
	}

	info := styles.box.Render(fmt.Sprintf(
		"Run:       %s\nScanned:   %d\nNew:       %d\nUpdated:   %d\nUnchanged: %d\nSynced:    %d\nFailed:    %d\nDuration:  %dms",
		r.RunID, r.Scanned, r.New, r.Updated, r.Unchanged, r.Synced, r.Failed, r.DurationMs,
	))

	out := fmt.Sprintf("%s\n\n%s\n", title, info)
	if len(r.FailedSamples) > 0 {
		out += "\n" + m.failureList.View() + "\n"
	}
	return out + "\n" + helpView
}
