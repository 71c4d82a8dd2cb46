package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/starford/kechain/internal"
	"github.com/starford/kechain/internal/manifest"
	"github.com/starford/kechain/internal/mcpserver"
	"github.com/starford/kechain/internal/snapshot"
	"github.com/starford/kechain/pkg/kechain"
)

func emulateCommand() *cli.Command {
	return &cli.Command{
		Name:  "emulate",
		Usage: "Serve an in-memory KE-chain backend",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Usage: "Listen port (overrides app.http.port)"},
			&cli.BoolFlag{Name: "demo", Usage: "Load the bike demo project"},
			&cli.StringFlag{Name: "seed", Usage: "YAML seed file to load"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if p := int(cmd.Int("port")); p > 0 {
				cfg.App.HTTP.Port = p
			}
			if cmd.Bool("demo") {
				cfg.Emulator.Demo = true
			}
			if s := cmd.String("seed"); s != "" {
				cfg.Emulator.SeedFile = s
			}
			if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
				return fmt.Errorf("app run error: %w", err)
			}
			return nil
		},
	}
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:      "login",
		Usage:     "Exchange username and password for a session token",
		ArgsUsage: "[username]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			username := cmd.Args().First()
			if username == "" {
				username = cfg.Backend.Username
			}
			if username == "" {
				return errors.New("username is required")
			}
			password := cfg.Backend.Password
			if password == "" {
				if password, err = promptPassword(username); err != nil {
					return err
				}
			}

			cfg.Backend.Token, cfg.Backend.Username, cfg.Backend.Password = "", "", ""
			client, err := cfg.NewClient(internal.NewLogger(os.Stderr, cfg.App.LogLevel))
			if err != nil {
				return err
			}
			if err := client.Login(ctx, username, password); err != nil {
				return err
			}
			fmt.Printf("%s=%s\n", kechain.EnvToken, client.Token())
			return nil
		},
	}
}

func promptPassword(username string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("password is required when stdin is not a terminal")
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", username)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func versionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "versions",
		Usage: "Show the application versions reported by the backend",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			versions, err := s.client.Versions(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, v := range versions {
				fmt.Fprintf(w, "%s\t%s\t%s\n", v.App, v.Label, v.Version)
			}
			return w.Flush()
		},
	}
}

func scopesCommand() *cli.Command {
	return &cli.Command{
		Name:  "scopes",
		Usage: "List scopes",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "tag", Usage: "Only scopes with this tag"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			scopes, err := s.client.Scopes(ctx, kechain.ScopeFilter{Tag: cmd.String("tag")})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, sc := range scopes {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", sc.ID, sc.Name, sc.Status, strings.Join(sc.Tags, ","))
			}
			return w.Flush()
		},
	}
}

// findPart looks key up as an id, or by name in the given category.
func findPart(ctx context.Context, c *kechain.Client, key string, model bool) (*kechain.Part, error) {
	if kechain.IsUUID(key) {
		return c.Part(ctx, kechain.PartFilter{ID: key})
	}
	if model {
		return c.Model(ctx, kechain.PartFilter{Name: key})
	}
	return c.Part(ctx, kechain.PartFilter{Name: key, Category: kechain.CategoryInstance})
}

var modelFlag = &cli.BoolFlag{Name: "model", Aliases: []string{"m"}, Usage: "Look names up among models"}

func treeCommand() *cli.Command {
	return &cli.Command{
		Name:      "tree",
		Usage:     "Print a part with all its descendants",
		ArgsUsage: "<part>",
		Flags: []cli.Flag{
			modelFlag,
			&cli.BoolFlag{Name: "props", Aliases: []string{"p"}, Usage: "Include property values"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 1 {
				return errors.New("expected exactly one part")
			}
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			root, err := findPart(ctx, s.client, cmd.Args().First(), cmd.Bool("model"))
			if err != nil {
				return err
			}
			if err := root.PopulateDescendants(ctx, s.cfg.Snapshot.BatchSize); err != nil {
				return err
			}
			return printTree(ctx, os.Stdout, root, 0, cmd.Bool("props"))
		},
	}
}

func printTree(ctx context.Context, w io.Writer, p *kechain.Part, depth int, props bool) error {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(w, "%s%s [%s]\n", indent, p.Name, p.Multiplicity)
	if props {
		for _, prop := range p.Properties() {
			unit := ""
			if prop.Unit() != "" {
				unit = " " + prop.Unit()
			}
			fmt.Fprintf(w, "%s  · %s = %v%s\n", indent, prop.Name(), prop.Value(), unit)
		}
	}
	children, err := p.Children(ctx, kechain.ChildrenQuery{})
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := printTree(ctx, w, c, depth+1, props); err != nil {
			return err
		}
	}
	return nil
}

func updateCommand() *cli.Command {
	return &cli.Command{
		Name:      "update",
		Usage:     "Apply a YAML update manifest",
		ArgsUsage: "<manifest.yaml>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 1 {
				return errors.New("expected a manifest path")
			}
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			path := cmd.Args().First()
			m, err := manifest.Load(path)
			if err != nil {
				return err
			}
			res, err := manifest.Apply(ctx, s.client, m, filepath.Dir(path), s.logger)
			fmt.Printf("parts: %d, values: %d, attachments: %d\n", res.Parts, res.Values, res.Attachments)
			return err
		},
	}
}

func copyCommand() *cli.Command {
	return &cli.Command{
		Name:      "copy",
		Usage:     "Copy (or move) a part below another part",
		ArgsUsage: "<part> <target>",
		Flags: []cli.Flag{
			modelFlag,
			&cli.StringFlag{Name: "name", Usage: "Name of the copy"},
			&cli.BoolFlag{Name: "move", Usage: "Delete the source after copying"},
			&cli.BoolFlag{Name: "children", Value: true, Usage: "Include the subtree"},
			&cli.BoolFlag{Name: "instances", Usage: "Also copy instances of a copied model"},
			&cli.BoolFlag{Name: "quiet", Usage: "Suppress kevents"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 2 {
				return errors.New("expected a part and a target")
			}
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			src, err := findPart(ctx, s.client, cmd.Args().Get(0), cmd.Bool("model"))
			if err != nil {
				return fmt.Errorf("source: %w", err)
			}
			target, err := findPart(ctx, s.client, cmd.Args().Get(1), src.Category == kechain.CategoryModel)
			if err != nil {
				return fmt.Errorf("target: %w", err)
			}
			opts := kechain.CopyOptions{
				Name:             cmd.String("name"),
				IncludeChildren:  cmd.Bool("children"),
				IncludeInstances: cmd.Bool("instances"),
				SuppressKevents:  cmd.Bool("quiet"),
			}
			op := src.Copy
			if cmd.Bool("move") {
				op = src.Move
			}
			out, err := op(ctx, target, opts)
			if err != nil {
				return err
			}
			fmt.Println(out.ID)
			return nil
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:      "export-pdf",
		Usage:     "Download an activity as PDF",
		ArgsUsage: "<activity>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Value: ".", Usage: "Target directory"},
			&cli.StringFlag{Name: "filename", Usage: "File name (activity name by default)"},
			&cli.BoolFlag{Name: "appendices", Usage: "Include attachments as appendices"},
			&cli.BoolFlag{Name: "async", Usage: "Render in the background and poll"},
			&cli.DurationFlag{Name: "timeout", Value: 100 * time.Second, Usage: "Give up polling after"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 1 {
				return errors.New("expected exactly one activity")
			}
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			key := cmd.Args().First()
			f := kechain.ActivityFilter{Name: key}
			if kechain.IsUUID(key) {
				f = kechain.ActivityFilter{ID: key}
			}
			act, err := s.client.Activity(ctx, f)
			if err != nil {
				return err
			}
			path, err := act.DownloadAsPDF(ctx, cmd.String("dir"), kechain.ExportOptions{
				Filename:          cmd.String("filename"),
				IncludeAppendices: cmd.Bool("appendices"),
				Async:             cmd.Bool("async"),
				Timeout:           cmd.Duration("timeout"),
			})
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute a service and wait for it to finish",
		ArgsUsage: "<service>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "activity", Usage: "Activity id the run is started from"},
			&cli.DurationFlag{Name: "timeout", Value: kechain.DefaultExecutionTimeout, Usage: "Give up polling after"},
			&cli.BoolFlag{Name: "log", Usage: "Print the execution log"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 1 {
				return errors.New("expected exactly one service")
			}
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			key := cmd.Args().First()
			f := kechain.ServiceFilter{Name: key}
			if kechain.IsUUID(key) {
				f = kechain.ServiceFilter{ID: key}
			}
			svc, err := s.client.Service(ctx, f)
			if err != nil {
				return err
			}
			x, runErr := svc.Run(ctx,
				kechain.ExecuteOptions{ActivityID: cmd.String("activity")},
				kechain.WaitOptions{Timeout: cmd.Duration("timeout")},
			)
			if x == nil {
				return runErr
			}
			fmt.Printf("%s\t%s\n", x.ID, x.Status)
			if cmd.Bool("log") {
				out, err := x.Log(ctx)
				if err != nil {
					return errors.Join(runErr, err)
				}
				os.Stdout.Write(out)
			}
			return runErr
		},
	}
}

func snapshotCommand() *cli.Command {
	return &cli.Command{
		Name:      "snapshot",
		Usage:     "Store a part tree in the local SQLite snapshot",
		ArgsUsage: "<part>",
		Flags:     []cli.Flag{modelFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 1 {
				return errors.New("expected exactly one part")
			}
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			root, err := findPart(ctx, s.client, cmd.Args().First(), cmd.Bool("model"))
			if err != nil {
				return err
			}
			db, err := snapshot.Open(ctx, s.cfg.Snapshot.Path)
			if err != nil {
				return err
			}
			defer db.Close()
			stats, err := db.Capture(ctx, root, s.cfg.Snapshot.BatchSize)
			if err != nil {
				return err
			}
			fmt.Printf("written: %d, unchanged: %d, removed: %d\n", stats.Written, stats.Unchanged, stats.Removed)
			return nil
		},
	}
}

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Search the local snapshot",
		ArgsUsage: "<query>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 20},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() == 0 {
				return errors.New("expected a query")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := snapshot.Open(ctx, cfg.Snapshot.Path)
			if err != nil {
				return err
			}
			defer db.Close()
			hits, err := db.Search(ctx, strings.Join(cmd.Args().Slice(), " "), int(cmd.Int("limit")))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, h := range hits {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.PartID, h.Name, h.Category, h.Snippet)
			}
			return w.Flush()
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Upload attachment files listed in a manifest whenever they change",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Usage: "Directory holding the files (overrides watch.dir)"},
			&cli.StringFlag{Name: "manifest", Usage: "Manifest path (overrides watch.manifest)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if v := cmd.String("dir"); v != "" {
				cfg.Watch.Dir = v
			}
			if v := cmd.String("manifest"); v != "" {
				cfg.Watch.Manifest = v
			}
			return internal.Watch(ctx, internal.WithConfig(cfg))
		},
	}
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve KE-chain tools over MCP on stdio",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			var snap *snapshot.DB
			if _, statErr := os.Stat(s.cfg.Snapshot.Path); statErr == nil {
				if snap, err = snapshot.Open(ctx, s.cfg.Snapshot.Path); err != nil {
					return err
				}
				defer snap.Close()
			}
			return mcpserver.New(s.client, snap, version).ServeStdio()
		},
	}
}
