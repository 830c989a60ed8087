// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"sort"

	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"

	"github.com/sandboxd/sandboxd/sandbox"
)

// fuzzyFilterSandboxes ranks views by how well their ID fuzzy-matches
// pattern, using fzf's own matching algorithm rather than a re-export
// of a shared helper, since the ticket UI's tui.FuzzyMatch has no
// equivalent in this module. An empty pattern returns views
// unreordered.
func fuzzyFilterSandboxes(views []sandbox.View, pattern string) []sandbox.View {
	if pattern == "" {
		return views
	}
	runes := []rune(pattern)
	slab := util.MakeSlab(100*1024, 2048)

	type scored struct {
		view  sandbox.View
		score int
	}
	var matches []scored
	for _, v := range views {
		chars := util.RunesToChars([]rune(v.ID))
		result, _ := algo.FuzzyMatchV2(false, true, true, &chars, runes, false, slab)
		if result.Score <= 0 {
			continue
		}
		matches = append(matches, scored{view: v, score: result.Score})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })

	out := make([]sandbox.View, len(matches))
	for i, m := range matches {
		out[i] = m.view
	}
	return out
}
