package cli

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func NewHealthCmd(deps *Dependencies, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetch(cmd, deps, opts, "/health")
		},
	}
}

func NewStatsCmd(deps *Dependencies, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show group and member counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetch(cmd, deps, opts, "/stats")
		},
	}
}

func NewGroupCmd(deps *Dependencies, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "group <id>",
		Short: "Look up a group by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetch(cmd, deps, opts, "/group/"+url.PathEscape(args[0]))
		},
	}
}

// fetch prints the indented JSON body. Non-2xx answers are printed too and
// then reported as an error.
func fetch(cmd *cobra.Command, deps *Dependencies, opts *options, path string) error {
	base, err := opts.httpBase()
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, base+path, nil)
	if err != nil {
		return err
	}
	resp, err := deps.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		out.Reset()
		out.Write(body)
	}
	fmt.Fprintln(cmd.OutOrStdout(), out.String())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("server returned %d for %s", resp.StatusCode, path)
	}
	return nil
}
