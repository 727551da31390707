package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/tschenkster/ai-data-transformer-sub000/internal/adapters/db/memory"
	sqliteadapter "github.com/tschenkster/ai-data-transformer-sub000/internal/adapters/db/sqlite"
	httpadapter "github.com/tschenkster/ai-data-transformer-sub000/internal/adapters/http"
	rpcadapter "github.com/tschenkster/ai-data-transformer-sub000/internal/adapters/rpcjson"
	"github.com/tschenkster/ai-data-transformer-sub000/internal/application"
	"github.com/tschenkster/ai-data-transformer-sub000/internal/config"
	"github.com/tschenkster/ai-data-transformer-sub000/internal/domain"
	"github.com/tschenkster/ai-data-transformer-sub000/internal/export"
	"github.com/tschenkster/ai-data-transformer-sub000/pkg/logger"
)

func main() {
	args := os.Args
	if len(args) == 1 {
		args = append(args, "--help")
	}

	root := &cli.Command{
		Name:  "reportlines",
		Usage: "Report line-item structure server and CLI",
		Commands: []*cli.Command{
			serverCommand(),
			structuresCommand(),
			itemsCommand(),
			historyCommand(),
			statusCommand(),
			exportCommand(),
			configCommand(),
		},
	}

	if err := root.Run(context.Background(), args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Run HTTP server and JSON-RPC socket",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "YAML config file"},
			&cli.StringFlag{Name: "addr", Usage: "HTTP listen address"},
			&cli.StringFlag{Name: "rpc-socket", Usage: "JSON-RPC unix socket path"},
			&cli.StringFlag{Name: "db-path", Usage: "SQLite database path"},
			&cli.StringFlag{Name: "store", Usage: "persistence: sqlite or memory"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			if c.IsSet("addr") {
				cfg.Server.Addr = c.String("addr")
			}
			if c.IsSet("rpc-socket") {
				cfg.Server.RPCSocket = c.String("rpc-socket")
			}
			if c.IsSet("db-path") {
				cfg.Database.Path = c.String("db-path")
			}
			if c.IsSet("store") {
				cfg.Database.Driver = c.String("store")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(ctx, cfg)
		},
	}
}

func openStore(ctx context.Context, cfg *config.Config, lg *zap.Logger) (domain.Store, func() error, error) {
	if cfg.Database.Driver == "memory" {
		return memory.New(), func() error { return nil }, nil
	}
	db, err := sqliteadapter.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	store := sqliteadapter.NewStore(db, cfg.Database.Timeout)
	applied, err := sqliteadapter.RunMigrations(ctx, db)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	version, err := sqliteadapter.SchemaVersion(ctx, db)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	lg.Info("database ready",
		zap.String("path", cfg.Database.Path),
		zap.Int64("schema_version", version),
		zap.Int("migrations_applied", applied),
	)
	return store, store.Close, nil
}

func runServer(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Get()

	store, closeStore, err := openStore(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	service := application.NewService(store, lg, cfg.History.Limit)
	router := httpadapter.NewRouter(service, lg.Named("http"))
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	rpcSrv, err := rpcadapter.Start(cfg.Server.RPCSocket, service, lg.Named("rpc"))
	if err != nil {
		return err
	}
	defer func() {
		_ = rpcSrv.Close()
	}()
	lg.Info("json-rpc listening", zap.String("socket", cfg.Server.RPCSocket))

	errCh := make(chan error, 1)
	go func() {
		lg.Info("server listening",
			zap.String("addr", srv.Addr),
			zap.String("store", cfg.Database.Driver),
		)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		lg.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func structureFlag() cli.Flag {
	return &cli.UintFlag{Name: "structure", Aliases: []string{"s"}, Usage: "structure id (defaults to the saved one)"}
}

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{Name: "json", Usage: "output raw JSON"}
}

// structureID picks --structure, falling back to the saved default.
func structureID(c *cli.Command, cfg cliConfig) (uint, error) {
	if c.IsSet("structure") {
		return c.Uint("structure"), nil
	}
	if cfg.Structure != 0 {
		return cfg.Structure, nil
	}
	return 0, errors.New("no structure selected: pass --structure or run 'config set --structure'")
}

func structuresCommand() *cli.Command {
	return &cli.Command{
		Name:  "structures",
		Usage: "Report structure commands",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List structures",
				Flags: []cli.Flag{&cli.StringFlag{Name: "q"}, &cli.IntFlag{Name: "limit", Value: 50}, jsonFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out []domain.Structure
					if err := doStructuresList(ctx, cfg, c.String("q"), c.Int("limit"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printStructures(out)
					return nil
				},
			},
			{
				Name:  "create",
				Usage: "Create structure",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Required: true},
					&cli.StringFlag{Name: "name", Required: true},
					jsonFlag(),
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out domain.Structure
					if err := doStructuresCreate(ctx, cfg, c.String("key"), c.String("name"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printStructures([]domain.Structure{out})
					return nil
				},
			},
		},
	}
}

func itemsCommand() *cli.Command {
	return &cli.Command{
		Name:  "items",
		Usage: "Line item commands",
		Commands: []*cli.Command{
			{
				Name:  "tree",
				Usage: "Show the structure as a tree",
				Flags: []cli.Flag{structureFlag(), &cli.BoolFlag{Name: "refresh", Usage: "reload from the store first"}, jsonFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					sid, err := structureID(c, cfg)
					if err != nil {
						return err
					}
					var out application.TreeView
					if c.Bool("refresh") {
						err = doRefresh(ctx, cfg, sid, &out)
					} else {
						err = doTree(ctx, cfg, sid, &out)
					}
					if err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printTree(out)
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "List items in rank order",
				Flags: []cli.Flag{structureFlag(), jsonFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					sid, err := structureID(c, cfg)
					if err != nil {
						return err
					}
					var out []domain.LineItem
					if err := doItemsList(ctx, cfg, sid, &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printItems(out)
					return nil
				},
			},
			{
				Name:  "create",
				Usage: "Create item as last child of --parent, or as a root",
				Flags: []cli.Flag{
					structureFlag(),
					&cli.StringFlag{Name: "key", Required: true},
					&cli.StringFlag{Name: "description", Required: true},
					&cli.UintFlag{Name: "parent"},
					&cli.BoolFlag{Name: "leaf"},
					&cli.BoolFlag{Name: "hidden", Usage: "create with display off"},
					jsonFlag(),
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					sid, err := structureID(c, cfg)
					if err != nil {
						return err
					}
					in := map[string]any{
						"key":         c.String("key"),
						"description": c.String("description"),
						"is_leaf":     c.Bool("leaf"),
						"display":     !c.Bool("hidden"),
					}
					if c.IsSet("parent") {
						in["parent_id"] = c.Uint("parent")
					}
					var out application.Result
					if err := doItemsCreate(ctx, cfg, sid, in, &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printResult(out)
					return nil
				},
			},
			{
				Name:  "rename",
				Usage: "Change the description of an item",
				Flags: []cli.Flag{
					structureFlag(),
					&cli.StringFlag{Name: "key", Required: true},
					&cli.StringFlag{Name: "description", Required: true},
					jsonFlag(),
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					sid, err := structureID(c, cfg)
					if err != nil {
						return err
					}
					var out application.Result
					if err := doItemsRename(ctx, cfg, sid, c.String("key"), c.String("description"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printResult(out)
					return nil
				},
			},
			{
				Name:  "move",
				Usage: "Drop an item before, after or inside a target",
				Flags: []cli.Flag{
					structureFlag(),
					&cli.UintFlag{Name: "item", Required: true},
					&cli.UintFlag{Name: "target", Required: true},
					&cli.StringFlag{Name: "intent", Value: string(domain.DropAfter), Usage: "before, after or inside"},
					jsonFlag(),
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					sid, err := structureID(c, cfg)
					if err != nil {
						return err
					}
					var out application.Result
					if err := doItemsMove(ctx, cfg, sid, c.Uint("item"), c.Uint("target"), c.String("intent"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printResult(out)
					return nil
				},
			},
			{
				Name:  "delete",
				Usage: "Delete an item and everything below it",
				Flags: []cli.Flag{structureFlag(), &cli.UintFlag{Name: "item", Required: true}, jsonFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					sid, err := structureID(c, cfg)
					if err != nil {
						return err
					}
					var out application.Result
					if err := doItemsDelete(ctx, cfg, sid, c.Uint("item"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printResult(out)
					return nil
				},
			},
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Change log commands",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List recent changes, newest first",
				Flags: []cli.Flag{
					structureFlag(),
					&cli.IntFlag{Name: "limit"},
					&cli.BoolFlag{Name: "all", Usage: "include undone entries"},
					jsonFlag(),
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					sid, err := structureID(c, cfg)
					if err != nil {
						return err
					}
					var out []domain.ChangeLogEntry
					if err := doHistoryList(ctx, cfg, sid, c.Int("limit"), c.Bool("all"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printHistory(out)
					return nil
				},
			},
			{
				Name:  "undo",
				Usage: "Undo one change log entry",
				Flags: []cli.Flag{structureFlag(), &cli.UintFlag{Name: "entry", Required: true}, jsonFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					sid, err := structureID(c, cfg)
					if err != nil {
						return err
					}
					var out application.Result
					if err := doHistoryUndo(ctx, cfg, sid, c.Uint("entry"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printResult(out)
					return nil
				},
			},
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show busy state, last error and anomalies of a structure",
		Flags: []cli.Flag{structureFlag(), jsonFlag()},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sid, err := structureID(c, cfg)
			if err != nil {
				return err
			}
			var out application.Status
			if err := doStatus(ctx, cfg, sid, &out); err != nil {
				return err
			}
			if c.Bool("json") {
				return printJSON(out)
			}
			printStatus(out)
			return nil
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export a structure as XLSX or YAML",
		Flags: []cli.Flag{
			structureFlag(),
			&cli.StringFlag{Name: "format", Value: string(export.FormatXLSX), Usage: "xlsx or yaml"},
			&cli.StringFlag{Name: "out", Usage: "output file, '-' for stdout (default <key>.<format>)"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sid, err := structureID(c, cfg)
			if err != nil {
				return err
			}
			format, err := export.ParseFormat(c.String("format"))
			if err != nil {
				return err
			}
			var st domain.Structure
			if err := doStructureGet(ctx, cfg, sid, &st); err != nil {
				return err
			}
			var tree application.TreeView
			if err := doTree(ctx, cfg, sid, &tree); err != nil {
				return err
			}

			path := c.String("out")
			if path == "" {
				path = st.Key + "." + string(format)
			}
			var w io.Writer = os.Stdout
			if path != "-" {
				f, err := os.Create(path)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				w = f
			}
			if err := export.Write(w, format, tree, st.Name); err != nil {
				return err
			}
			if path != "-" {
				fmt.Printf("wrote %d items to %s\n", tree.Count, path)
			}
			return nil
		},
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "CLI connection settings",
		Commands: []*cli.Command{
			{
				Name:  "set",
				Usage: "Save transport, endpoints and default structure",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "transport", Usage: "uds or http"},
					&cli.StringFlag{Name: "server"},
					&cli.StringFlag{Name: "socket"},
					structureFlag(),
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					if c.IsSet("transport") {
						t := c.String("transport")
						if t != "uds" && t != "http" {
							return fmt.Errorf("transport must be uds or http, got %q", t)
						}
						cfg.Transport = t
					}
					if c.IsSet("server") {
						cfg.Server = c.String("server")
					}
					if c.IsSet("socket") {
						cfg.Socket = c.String("socket")
					}
					if c.IsSet("structure") {
						cfg.Structure = c.Uint("structure")
					}
					if err := saveConfig(cfg); err != nil {
						return err
					}
					printKV([][2]string{
						{"transport", cfg.Transport},
						{"server", cfg.Server},
						{"socket", cfg.Socket},
						{"structure", uintToString(cfg.Structure)},
					})
					return nil
				},
			},
		},
	}
}
