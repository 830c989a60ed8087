// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/sandboxd/sandboxd/sandbox"
)

var (
	watchHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	watchRowStyle    = lipgloss.NewStyle()
	watchStaleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	watchFooterStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

type watchModel struct {
	c       *client
	filter  string
	views   []sandbox.View
	err     error
	pollEvery time.Duration
}

type watchTickMsg time.Time

type watchDataMsg struct {
	views []sandbox.View
	err   error
}

func newWatchModel(c *client, filter string) watchModel {
	return watchModel{c: c, filter: filter, pollEvery: 2 * time.Second}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.poll(), m.tick())
}

func (m watchModel) tick() tea.Cmd {
	return tea.Tick(m.pollEvery, func(t time.Time) tea.Msg { return watchTickMsg(t) })
}

func (m watchModel) poll() tea.Cmd {
	return func() tea.Msg {
		var views []sandbox.View
		data, err := m.c.rawGet("/sandboxes")
		if err != nil {
			return watchDataMsg{err: err}
		}
		if err := json.Unmarshal(data, &views); err != nil {
			return watchDataMsg{err: err}
		}
		return watchDataMsg{views: views}
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case watchTickMsg:
		return m, tea.Batch(m.poll(), m.tick())
	case watchDataMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.views = fuzzyFilterSandboxes(msg.views, m.filter)
		return m, nil
	}
	return m, nil
}

func (m watchModel) View() string {
	if m.err != nil {
		return watchStaleStyle.Render(fmt.Sprintf("error polling sandboxes: %v\n", m.err))
	}

	out := watchHeaderStyle.Render(fmt.Sprintf("%-24s %-10s %-10s %-10s %s", "ID", "USER", "KIND", "STATE", "DEADLINE")) + "\n"
	for _, v := range m.views {
		stale := time.Now().After(v.Deadline)
		row := fmt.Sprintf("%-24s %-10s %-10s %-10s %s", v.ID, v.UserID, v.Kind, v.State, v.Deadline.Format(time.Kitchen))
		if stale {
			out += watchStaleStyle.Render(row) + "\n"
		} else {
			out += watchRowStyle.Render(row) + "\n"
		}
	}
	out += "\n" + watchFooterStyle.Render(fmt.Sprintf("%d sandboxes — q to quit", len(m.views)))
	return out
}

// runWatch starts the live dashboard, polling GET /sandboxes on an
// interval and rendering a lipgloss table until the user quits.
func runWatch(c *client, filter string) error {
	program := tea.NewProgram(newWatchModel(c, filter), tea.WithAltScreen())
	_, err := program.Run()
	return err
}
