package main

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// app holds what the commands share.
type app struct {
	out io.Writer
	log *logrus.Logger
}

func newApp(out, errOut io.Writer) *cli.App {
	a := &app{
		out: out,
		log: logrus.New(),
	}
	a.log.Out = errOut

	return &cli.App{
		Name:      "sdfat",
		Usage:     "Read FAT32 card images through an emulated SD card in SPI mode",
		Version:   "0.1.0",
		Writer:    out,
		ErrWriter: errOut,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log the card protocol and the volume layout",
			},
			&cli.BoolFlag{
				Name:  "direct-fat",
				Usage: "read single FAT sectors instead of streaming the FAT from its start",
			},
			&cli.IntFlag{
				Name:  "capacity",
				Value: 40,
				Usage: "number of entries a listing holds",
			},
		},
		Before: func(c *cli.Context) error {
			a.log.SetLevel(logrus.WarnLevel)
			if c.Bool("verbose") {
				a.log.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "mkimage",
				Usage:     "create a card image with a FAT32 partition holding the files of a directory",
				ArgsUsage: "IMAGE DIR",
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:  "size",
						Value: 64,
						Usage: "card size in MiB",
					},
					&cli.StringFlag{
						Name:  "label",
						Value: "PYBOARD",
						Usage: "volume label",
					},
				},
				Action: a.mkimage,
			},
			{
				Name:      "info",
				Usage:     "print the card and the volume layout",
				ArgsUsage: "IMAGE",
				Action:    a.info,
			},
			{
				Name:      "ls",
				Aliases:   []string{"listdir"},
				Usage:     "list the root directory the way the board does",
				ArgsUsage: "IMAGE",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "subdirs",
						Usage: "also list the directories in the root directory",
					},
					&cli.BoolFlag{
						Name:  "short",
						Usage: "use 8.3 names only",
					},
				},
				Action: a.ls,
			},
			{
				Name:      "tree",
				Usage:     "walk all directories",
				ArgsUsage: "IMAGE",
				Action:    a.tree,
			},
			{
				Name:      "cat",
				Usage:     "print a file given by listing index or name",
				ArgsUsage: "IMAGE NAME|INDEX",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "bin",
						Usage: "print a hex dump",
					},
				},
				Action: a.cat,
			},
			{
				Name:      "find",
				Usage:     "print the listing index of a file",
				ArgsUsage: "IMAGE NAME",
				Action:    a.find,
			},
			{
				Name:      "run",
				Usage:     "execute a Lua script from the card with the sdcard module loaded",
				ArgsUsage: "IMAGE NAME",
				Action:    a.run,
			},
		},
	}
}

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
