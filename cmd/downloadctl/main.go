package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/download_manager/internal/app"
	"github.com/italolelis/download_manager/internal/config"
	"github.com/italolelis/download_manager/internal/download"
	"github.com/italolelis/download_manager/internal/manager"
	"github.com/italolelis/download_manager/internal/notifier"
	"github.com/urfave/cli/v2"
)

func main() {
	pathFlag := &cli.StringFlag{
		Name:     "path",
		Aliases:  []string{"p"},
		Usage:    "absolute destination path of the download",
		Required: true,
	}
	urlFlag := &cli.StringFlag{
		Name:     "url",
		Aliases:  []string{"u"},
		Usage:    "http or https source URL",
		Required: true,
	}

	cliApp := cli.App{
		Name: "downloadctl",
		Description: "operate on the download store directly. Run it while " +
			"the service is stopped; both processes own the store exclusively.",
		Commands: []*cli.Command{{
			Name:        "list",
			Aliases:     []string{"ls"},
			Description: "list tracked downloads",
			Action: withManager(nil, func(mgr *manager.Manager, c *cli.Context) error {
				records, err := mgr.List(c.Context)
				if err != nil {
					return err
				}

				return printJSON(records)
			}),
		}, {
			Name:        "get",
			Description: "show one download; untracked paths report pending",
			Flags:       []cli.Flag{pathFlag},
			Action: withManager(nil, func(mgr *manager.Manager, c *cli.Context) error {
				record, err := mgr.Get(c.Context, c.String(pathFlag.Name))
				if err != nil {
					return err
				}

				return printJSON(record)
			}),
		}, {
			Name:        "create",
			Aliases:     []string{"add"},
			Description: "track a new idle download",
			Flags:       []cli.Flag{pathFlag, urlFlag},
			Action: withManager(nil, func(mgr *manager.Manager, c *cli.Context) error {
				resp, err := mgr.Create(c.Context, c.String(pathFlag.Name), c.String(urlFlag.Name))
				if err != nil {
					return err
				}

				return printJSON(resp)
			}),
		}, {
			Name:        "cancel",
			Aliases:     []string{"rm"},
			Description: "forget a download and remove its partial file",
			Flags:       []cli.Flag{pathFlag},
			Action: withManager(nil, func(mgr *manager.Manager, c *cli.Context) error {
				resp, err := mgr.Cancel(c.Context, c.String(pathFlag.Name))
				if err != nil {
					return err
				}

				return printJSON(resp)
			}),
		}, {
			Name: "reconcile",
			Description: "demote downloads left in progress by a crash to " +
				"idle or paused",
			Action: withManager(nil, func(mgr *manager.Manager, c *cli.Context) error {
				return mgr.Init(c.Context)
			}),
		}, {
			Name: "fetch",
			Description: "create, start or resume a download and wait for it " +
				"in the foreground",
			Flags:  []cli.Flag{pathFlag, urlFlag},
			Action: fetch(pathFlag.Name, urlFlag.Name),
		}},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cliApp.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func fetch(pathName, urlName string) cli.ActionFunc {
	var (
		mu   sync.Mutex
		last download.Record
	)

	progress := notifier.Func(func(_ context.Context, r download.Record) error {
		mu.Lock()
		defer mu.Unlock()

		last = r

		if r.Status == download.StatusInProgress {
			fmt.Printf("\r%s %s%%", r.Path, humanize.FtoaWithDigits(r.Progress, 1))
		}

		return nil
	})

	return withManager(progress, func(mgr *manager.Manager, c *cli.Context) error {
		path := c.String(pathName)

		if err := mgr.Init(c.Context); err != nil {
			return err
		}

		created, err := mgr.Create(c.Context, path, c.String(urlName))
		if err != nil {
			return err
		}

		switch created.Download.Status {
		case download.StatusIdle:
			_, err = mgr.Start(c.Context, path)
		case download.StatusPaused:
			_, err = mgr.Resume(c.Context, path)
		default:
			return fmt.Errorf("download for %s is %s", path, created.Download.Status)
		}

		if err != nil {
			return err
		}

		mgr.Wait()
		fmt.Println()

		mu.Lock()
		final := last
		mu.Unlock()

		if final.Status != download.StatusCompleted {
			return fmt.Errorf("download for %s stopped as %s", path, final.Status)
		}

		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat downloaded file: %w", err)
		}

		fmt.Printf("downloaded %s (%s)\n", path, humanize.Bytes(uint64(info.Size())))

		return nil
	})
}

func withManager(n notifier.Notifier, f func(*manager.Manager, *cli.Context) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}

		repo, closeRepo, err := app.OpenRepository(cfg, nil)
		if err != nil {
			return err
		}
		defer closeRepo()

		mgr := manager.New(c.Context, repo, n,
			manager.WithDownloaderOptions(app.DownloaderOptions(c.Context, cfg)...),
		)
		defer mgr.Close()

		return f(mgr, c)
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling to JSON: %w", err)
	}

	if _, err := fmt.Printf("%s\n", data); err != nil {
		return fmt.Errorf("writing JSON to stdout: %w", err)
	}

	return nil
}
