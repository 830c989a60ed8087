// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/quick"
)

// runCat fetches a file from a sandbox's workspace and prints it
// syntax-highlighted to stdout. The language is guessed from the file
// extension; an unrecognized extension falls back to plain output.
func runCat(c *client, sandboxID, path string) error {
	data, err := c.rawGet("/sandboxes/" + sandboxID + "/files/" + path)
	if err != nil {
		return err
	}

	language := guessLanguage(path)
	if language == "" {
		os.Stdout.Write(data)
		return nil
	}

	var buffer strings.Builder
	if err := quick.Highlight(&buffer, string(data), language, "terminal256", "monokai"); err != nil {
		os.Stdout.Write(data)
		return nil
	}
	fmt.Fprint(os.Stdout, buffer.String())
	return nil
}

func guessLanguage(path string) string {
	if lexer := lexers.Match(filepath.Base(path)); lexer != nil {
		return lexer.Config().Name
	}
	return ""
}
