// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/sandboxd/sandboxd/sandbox"
)

func runCreate(c *client, keepaliveSeconds int) error {
	req := map[string]any{}
	if keepaliveSeconds > 0 {
		req["keepalive_ttl_seconds"] = keepaliveSeconds
	}
	var resp struct {
		SandboxID string `json:"sandbox_id"`
	}
	if err := c.do(http.MethodPost, "/sandboxes", req, &resp); err != nil {
		return err
	}
	fmt.Println(resp.SandboxID)
	return nil
}

func runList(c *client, filter string) error {
	data, err := c.rawGet("/sandboxes")
	if err != nil {
		return err
	}
	var views []sandbox.View
	if err := json.Unmarshal(data, &views); err != nil {
		return fmt.Errorf("decoding sandbox list: %w", err)
	}
	views = fuzzyFilterSandboxes(views, filter)
	for _, v := range views {
		fmt.Printf("%s\t%s\t%s\t%s\n", v.ID, v.Kind, v.State, v.Deadline.Format("15:04:05"))
	}
	return nil
}

func runDestroy(c *client, sandboxID string, snapshotFirst bool) error {
	path := "/sandboxes/" + sandboxID
	if snapshotFirst {
		path += "?snapshot=1"
	}
	return c.do(http.MethodDelete, path, nil, nil)
}

func runExec(c *client, sandboxID string, argv []string, timeoutSeconds int) error {
	req := map[string]any{
		"argv":            argv,
		"timeout_seconds": timeoutSeconds,
	}
	var resp struct {
		Stdout   []byte `json:"stdout"`
		Stderr   []byte `json:"stderr"`
		ExitCode int    `json:"exit_code"`
		TimedOut bool   `json:"timed_out"`
	}
	if err := c.do(http.MethodPost, "/sandboxes/"+sandboxID+"/exec", req, &resp); err != nil {
		return err
	}
	if len(resp.Stdout) > 0 {
		fmt.Print(string(resp.Stdout))
	}
	if len(resp.Stderr) > 0 {
		os.Stderr.Write(resp.Stderr)
	}
	if resp.TimedOut {
		return fmt.Errorf("exec timed out")
	}
	if resp.ExitCode != 0 {
		return fmt.Errorf("exit code %d", resp.ExitCode)
	}
	return nil
}
