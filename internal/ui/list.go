package ui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"

	"github.com/desertthunder/ledgersync/internal/models"
	"github.com/desertthunder/ledgersync/internal/tasks"
)

var (
	_ list.Item = entityItem{}
	_ list.Item = failureItem{}
)

// entityItem wraps [tasks.Entity] to implement [list.Item].
type entityItem struct {
	entity tasks.Entity
}

func (i entityItem) FilterValue() string { return i.entity.Name }
func (i entityItem) Title() string       { return i.entity.Name }
func (i entityItem) Description() string {
	desc := string(i.entity.Policy)
	if i.entity.Description != "" {
		desc = fmt.Sprintf("%s • %s", i.entity.Description, desc)
	}
	return desc
}

// failureItem wraps [models.FailedItem] to implement [list.Item].
type failureItem struct {
	item models.FailedItem
}

func (i failureItem) FilterValue() string { return i.item.DisplayNumber }
func (i failureItem) Title() string {
	if i.item.DisplayNumber != "" {
		return fmt.Sprintf("%s (#%d)", i.item.DisplayNumber, i.item.ExternalID)
	}
	return fmt.Sprintf("#%d", i.item.ExternalID)
}
func (i failureItem) Description() string {
	return fmt.Sprintf("%s after %d attempts • %s", i.item.Kind, i.item.Attempts, i.item.Error)
}
