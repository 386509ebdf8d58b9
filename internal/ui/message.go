package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/desertthunder/ledgersync/internal/models"
	"github.com/desertthunder/ledgersync/internal/tasks"
)

// MsgKind enumerates all message types in the application.
type MsgKind int

// Msg represents all possible messages in the TUI (Elm-style message union).
type Msg struct {
	kind MsgKind
	data any
}

var (
	_ tea.Msg = Msg{}
)

const (
	MsgStatusChecked MsgKind = iota
	MsgProgressUpdate
	MsgSyncComplete
)

type statusResult struct {
	entity  string
	summary models.StatusSummary
	err     error
}

type syncResult struct {
	report models.SyncReport
	err    error
}

// statusCheckedMsg is the constructor for [MsgStatusChecked]
func statusCheckedMsg(entity string, summary models.StatusSummary, err error) Msg {
	return Msg{kind: MsgStatusChecked, data: statusResult{entity: entity, summary: summary, err: err}}
}

// progressUpdateMsg is the constructor for [MsgProgressUpdate]
func progressUpdateMsg(update tasks.ProgressUpdate) Msg {
	return Msg{kind: MsgProgressUpdate, data: update}
}

// syncCompleteMsg is the constructor for [MsgSyncComplete]
func syncCompleteMsg(report models.SyncReport, err error) Msg {
	return Msg{kind: MsgSyncComplete, data: syncResult{report: report, err: err}}
}
