// Package ui implements an interactive terminal interface using bubbletea's Elm architecture.
//
// The TUI walks through one sync run:
//  1. [EntityListView] : Browse the registered entities
//  2. [ConfirmView] : Preview the status check (new, updated, unchanged) and confirm
//  3. [SyncView] : Follow phase and per-record progress with a progress bar
//  4. [ResultView] : Read the report and browse the failed samples
//
// The (view) [Model] implements bubbletea/Elm's standard Init/Update/View pattern, receiving messages via the Msg union type.
// Progress updates flow through a channel from the engine, which never blocks on a slow renderer.
//
// Keyboard navigation uses vim-style bindings (j/k, enter, esc, y/n, q) with contextual help displayed via charmbracelet/bubbles/help.
// Pressing ctrl+c during a run cancels it; the engine stops before the next batch.
package ui
