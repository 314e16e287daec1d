package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:      "activitysync",
		Usage:     "Import activity history and webhook events into a content repository",
		Writer:    os.Stdout,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env",
				Usage: "dotenv file read before the environment",
				Value: ".env",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the HTTP API, webhook gateway, scheduler and recurring imports",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "listen address, overrides ACTIVITYSYNC_ADDR",
					},
				},
				Action: serveAction,
			},
			{
				Name:  "import",
				Usage: "Manage import jobs",
				Commands: []*cli.Command{
					{
						Name:  "start",
						Usage: "Create an import job and run it to the end in this process",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "source",
								Usage:    "source ID (" + sourceList() + ")",
								Required: true,
							},
							&cli.IntFlag{
								Name:  "limit",
								Usage: "maximum records to process, 0 for no limit",
							},
							&cli.StringFlag{
								Name:  "from",
								Usage: "oldest activity to import (YYYY-MM-DD or RFC 3339)",
							},
							&cli.StringFlag{
								Name:  "to",
								Usage: "newest activity to import (YYYY-MM-DD or RFC 3339)",
							},
							&cli.BoolFlag{
								Name:  "notify-only",
								Usage: "log detected activity instead of creating records",
							},
							&cli.BoolFlag{
								Name:  "no-skip-existing",
								Usage: "create records even when a matching record exists",
							},
							&cli.BoolFlag{
								Name:  "update-existing",
								Usage: "update matching records whose fields changed",
							},
							&cli.StringFlag{
								Name:  "post-status",
								Usage: "status of created records",
								Value: "publish",
							},
						},
						Action: importStartAction,
					},
					{
						Name:  "status",
						Usage: "Show the status of one job",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "id",
								Usage:    "job ID",
								Required: true,
							},
						},
						Action: importStatusAction,
					},
					{
						Name:  "cancel",
						Usage: "Cancel a pending or running job",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "id",
								Usage:    "job ID",
								Required: true,
							},
						},
						Action: importCancelAction,
					},
					{
						Name:  "list",
						Usage: "List import jobs, newest first",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "source",
								Usage: "only jobs of this source",
							},
							&cli.BoolFlag{
								Name:  "json",
								Usage: "print JSON instead of a table",
							},
						},
						Action: importListAction,
					},
				},
			},
			{
				Name:  "gc",
				Usage: "Delete finished jobs older than the retention period",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "retention",
						Usage: "override ACTIVITYSYNC_JOB_RETENTION",
					},
				},
				Action: gcAction,
			},
		},
	}
}
