package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/ipni/go-sectioncache/consumer"
	"github.com/ipni/go-sectioncache/content/client"
	"github.com/ipni/go-sectioncache/scache"
	"github.com/urfave/cli/v2"
)

var log = logging.Logger("sectionwatch")

var apiFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "api",
		Usage:    "Base URL of the content API",
		EnvVars:  []string{"SECTIONWATCH_API"},
		Required: true,
	},
	&cli.IntFlag{
		Name:  "retries",
		Usage: "Number of times to retry a failed request",
		Value: 2,
	},
	&cli.DurationFlag{
		Name:  "timeout",
		Usage: "Timeout for each content API request",
		Value: 10 * time.Second,
	},
	&cli.StringFlag{
		Name:    "log-level",
		Usage:   "Log level for all subsystems",
		EnvVars: []string{"GOLOG_LOG_LEVEL"},
		Value:   "warn",
	},
}

func main() {
	app := &cli.App{
		Name:  "sectionwatch",
		Usage: "Watch content sections through a shared section cache",
		Flags: append(apiFlags,
			&cli.StringSliceFlag{
				Name:    "section",
				Aliases: []string{"s"},
				Usage:   "Section to watch. May be repeated. Default is all listed sections",
			},
			&cli.IntFlag{
				Name:  "consumers",
				Usage: "Number of consumers to mount per section",
				Value: 1,
			},
			&cli.DurationFlag{
				Name:  "cooldown",
				Usage: "Minimum time between cache refreshes",
				Value: scache.DefaultCooldown,
			},
			&cli.DurationFlag{
				Name:  "revalidate",
				Usage: "Base interval between stale data checks",
				Value: consumer.DefaultRevalidatePeriod,
			},
		),
		Before: setLogLevel,
		Action: watchAction,
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "Print all content sections as JSON",
				Flags:  apiFlags,
				Before: setLogLevel,
				Action: listAction,
			},
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setLogLevel(cctx *cli.Context) error {
	return logging.SetLogLevel("*", cctx.String("log-level"))
}

func newClient(cctx *cli.Context) (*client.Client, error) {
	return client.New(cctx.String("api"),
		client.WithTimeout(cctx.Duration("timeout")),
		client.WithRetries(cctx.Int("retries"), client.DefaultRetryWaitMin, client.DefaultRetryWaitMax))
}

func watchAction(cctx *cli.Context) error {
	api, err := newClient(cctx)
	if err != nil {
		return err
	}
	store, err := scache.New(api,
		scache.WithCooldown(cctx.Duration("cooldown")),
		scache.WithPreload(true))
	if err != nil {
		return err
	}
	defer store.Close()

	sections := cctx.StringSlice("section")
	if len(sections) == 0 {
		for _, rec := range store.List() {
			sections = append(sections, rec.Section)
		}
		if len(sections) == 0 {
			if err = store.Err(); err != nil {
				return fmt.Errorf("cannot list sections: %w", err)
			}
			return cli.Exit("no sections to watch", 1)
		}
	}

	n := cctx.Int("consumers")
	if n < 1 {
		return cli.Exit("consumers must be at least 1", 1)
	}

	var outMu sync.Mutex
	var mounted []*consumer.Consumer
	for _, section := range sections {
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("%s#%d", section, i)
			c, err := consumer.New(section, store,
				consumer.WithDirectFetcher(api),
				consumer.WithRevalidatePeriod(cctx.Duration("revalidate")),
				consumer.WithRenderFunc(func(snap consumer.Snapshot) {
					outMu.Lock()
					defer outMu.Unlock()
					printSnapshot(name, snap)
				}))
			if err != nil {
				return err
			}
			if err = c.Mount(cctx.Context); err != nil {
				return err
			}
			mounted = append(mounted, c)
		}
	}
	log.Infow("Watching sections", "sections", len(sections), "consumers", len(mounted))

	<-cctx.Context.Done()

	for _, c := range mounted {
		c.Unmount()
	}
	return nil
}

func printSnapshot(name string, snap consumer.Snapshot) {
	switch snap.State {
	case consumer.Ready:
		fmt.Printf("%s gen=%d %s id=%s title=%q\n", name, snap.Generation, snap.State, snap.Record.ID, snap.Record.Title)
	case consumer.Empty:
		if snap.TimedOut {
			fmt.Printf("%s gen=%d %s (timed out)\n", name, snap.Generation, snap.State)
			return
		}
		fmt.Printf("%s gen=%d %s\n", name, snap.Generation, snap.State)
	default:
		fmt.Printf("%s gen=%d %s\n", name, snap.Generation, snap.State)
	}
}

func listAction(cctx *cli.Context) error {
	api, err := newClient(cctx)
	if err != nil {
		return err
	}
	recs, err := api.GetAll(cctx.Context)
	if err != nil {
		return fmt.Errorf("cannot list sections: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(recs)
}
