// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"net/http"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/dustin/go-humanize"

	"github.com/sandboxd/sandboxd/snapshot"
)

// runSnapshotList renders the caller's snapshots as a bubbles table,
// the same component a future interactive view would reuse, even
// though this command only ever calls View() once and exits.
func runSnapshotList(c *client) error {
	var snaps []snapshot.Snapshot
	if err := c.do(http.MethodGet, "/snapshot/list", nil, &snaps); err != nil {
		return err
	}

	columns := []table.Column{
		{Title: "ID", Width: 28},
		{Title: "CREATED", Width: 16},
		{Title: "SIZE", Width: 10},
		{Title: "DIGEST", Width: 18},
	}
	rows := make([]table.Row, 0, len(snaps))
	for _, s := range snaps {
		rows = append(rows, table.Row{
			s.ID,
			humanize.Time(s.CreatedAt),
			humanize.Bytes(uint64(s.SizeBytes)),
			ansi.Truncate(s.Digest, 16, "…"),
		})
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithRows(rows),
		table.WithFocused(false),
		table.WithHeight(len(rows)+1),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(lipgloss.Color("14"))
	styles.Selected = lipgloss.NewStyle()
	t.SetStyles(styles)

	fmt.Println(t.View())
	return nil
}

func runSnapshotCreate(c *client, sandboxID string) error {
	var snap snapshot.Snapshot
	if err := c.do(http.MethodPost, "/snapshot/create", map[string]any{"sandbox_id": sandboxID}, &snap); err != nil {
		return err
	}
	fmt.Println(snap.ID)
	return nil
}

func runSnapshotRestore(c *client, sandboxID, snapshotID string) error {
	return c.do(http.MethodPost, "/snapshot/restore", map[string]any{
		"sandbox_id":  sandboxID,
		"snapshot_id": snapshotID,
	}, nil)
}

func runSnapshotDelete(c *client, snapshotID string) error {
	return c.do(http.MethodDelete, "/snapshot/"+snapshotID, nil, nil)
}
