package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/tivaport/sdfat"
	"github.com/tivaport/sdfat/sdsim"
	"github.com/tivaport/sdfat/sdspi"
	"github.com/urfave/cli/v2"
)

var errUsage = errors.New("wrong number of arguments")

// card is an image file behind the emulated card and the protocol stack.
type card struct {
	file *os.File
	dev  *sdspi.Card
	vol  *sdfat.Volume
}

func (c *card) Close() error {
	return c.file.Close()
}

// args returns the n arguments of the command.
func args(c *cli.Context, n int) ([]string, error) {
	if c.NArg() != n {
		return nil, fmt.Errorf("%w: %s %s", errUsage, c.Command.Name, c.Command.ArgsUsage)
	}
	return c.Args().Slice(), nil
}

func (a *app) entry() *logrus.Entry {
	return logrus.NewEntry(a.log)
}

// openCard brings up an emulated card holding the image and mounts its volume.
func (a *app) openCard(c *cli.Context, image string) (*card, error) {
	f, err := os.Open(image)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	cfg := sdspi.DefaultConfig()
	cfg.Logger = a.entry()
	dev, err := sdspi.Open(sdsim.New(f, info.Size(), sdsim.WithLogger(a.entry())), cfg)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("SD Card init error: %w", err)
	}

	lookup := sdfat.LookupLinear
	if c.Bool("direct-fat") {
		lookup = sdfat.LookupDirect
	}
	vol, err := sdfat.Mount(dev,
		sdfat.WithLookup(lookup),
		sdfat.WithCapacity(c.Int("capacity")),
		sdfat.WithLogger(a.entry()),
	)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &card{file: f, dev: dev, vol: vol}, nil
}

// listFiles lists the root directory and its directories, like the board does before a file
// can be opened.
func (cd *card) listFiles() (*sdfat.Catalog, error) {
	return cd.vol.ListDirectory(cd.vol.Geometry().RootCluster, sdfat.ListOptions{LongNames: true, Subdirs: true})
}

// resolve returns the listing index of arg, which is an index or a name.
func resolve(catalog *sdfat.Catalog, arg string) (int, error) {
	if i, err := strconv.Atoi(arg); err == nil {
		if _, err := catalog.Entry(i); err != nil {
			return 0, err
		}
		return i, nil
	}
	if i, found := catalog.Find(arg); found {
		return i, nil
	}
	return 0, fmt.Errorf("%w: %s", sdfat.ErrNotFound, arg)
}
