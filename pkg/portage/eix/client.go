package eix

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/portagegt/pkg/executor"
	"github.com/openfroyo/portagegt/pkg/portage/atom"
)

// Client runs the eix tools through an executor.
type Client struct {
	Exec executor.Executor

	// Binary, UpdateBinary and SyncBinary default to the /usr/bin tools.
	Binary       string
	UpdateBinary string
	SyncBinary   string

	// EixRC is exported as EIXRC for every invocation.
	EixRC string
}

// SearchArgs returns the eix arguments for an exact lookup of id.
func SearchArgs(id atom.Identifier) []string {
	if _, ok := id.Category(); ok {
		return []string{"--xml", "--pure-packages", "--exact", "--category-name", id.Qualified()}
	}
	return []string{"--xml", "--pure-packages", "--exact", "--name", id.Name()}
}

// Search looks id up in the index.
func (c *Client) Search(ctx context.Context, id atom.Identifier) (*Document, error) {
	res, err := c.run(ctx, orDefault(c.Binary, "/usr/bin/eix"), SearchArgs(id)...)
	if err != nil {
		return nil, err
	}
	return Parse(strings.NewReader(res.Stdout))
}

// Update rebuilds the index from the local tree.
func (c *Client) Update(ctx context.Context) error {
	_, err := c.run(ctx, orDefault(c.UpdateBinary, "/usr/bin/eix-update"))
	return err
}

// Sync syncs the tree with upstream and rebuilds the index.
func (c *Client) Sync(ctx context.Context) error {
	_, err := c.run(ctx, orDefault(c.SyncBinary, "/usr/bin/eix-sync"))
	return err
}

func (c *Client) run(ctx context.Context, binary string, args ...string) (*executor.Result, error) {
	cmd := executor.Command{Argv: append([]string{binary}, args...)}
	if c.EixRC != "" {
		cmd.Env = map[string]string{"EIXRC": c.EixRC}
	}
	res, err := c.Exec.Execute(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", binary, err)
	}
	return res, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
