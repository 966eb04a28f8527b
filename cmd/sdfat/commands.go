package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/tivaport/sdfat"
	"github.com/tivaport/sdfat/luasd"
	"github.com/tivaport/sdfat/sdspi"
	"github.com/urfave/cli/v2"
	lua "github.com/yuin/gopher-lua"
)

// partitionStart is the first block of the partition mkimage creates, like on a card formatted
// by the SD association formatter.
const partitionStart = 2048

func (a *app) mkimage(c *cli.Context) error {
	argv, err := args(c, 2)
	if err != nil {
		return err
	}
	image, dir := argv[0], argv[1]
	size := c.Int64("size") << 20
	if size/sdfat.BlockSize <= 2*partitionStart {
		return fmt.Errorf("card size of %d MiB is too small", c.Int64("size"))
	}

	d, err := diskfs.Create(image, size, diskfs.Raw, diskfs.SectorSizeDefault)
	if err != nil {
		return err
	}
	defer d.File.Close()

	err = d.Partition(&mbr.Table{
		LogicalSectorSize:  sdfat.BlockSize,
		PhysicalSectorSize: sdfat.BlockSize,
		Partitions: []*mbr.Partition{{
			Type:  mbr.Fat32LBA,
			Start: partitionStart,
			Size:  uint32(size/sdfat.BlockSize) - partitionStart,
		}},
	})
	if err != nil {
		return err
	}
	fs, err := d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   1,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: c.String("label"),
	})
	if err != nil {
		return err
	}

	src := afero.NewBasePathFs(afero.NewOsFs(), dir)
	return afero.Walk(src, "/", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		p = path.Clean("/" + filepath.ToSlash(p))
		if p == "/" {
			return nil
		}
		if info.IsDir() {
			return fs.Mkdir(p)
		}

		data, err := afero.ReadFile(src, p)
		if err != nil {
			return err
		}
		f, err := fs.OpenFile(p, os.O_CREATE|os.O_RDWR)
		if err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			return err
		}
		a.log.WithFields(logrus.Fields{"path": p, "size": len(data)}).Debug("copied")
		return nil
	})
}

func (a *app) info(c *cli.Context) error {
	argv, err := args(c, 1)
	if err != nil {
		return err
	}
	cd, err := a.openCard(c, argv[0])
	if err != nil {
		return err
	}
	defer cd.Close()

	var csd sdspi.CSD
	err = cd.dev.Transaction(func() (err error) {
		csd, err = cd.dev.ReadCSD()
		return err
	})
	if err != nil {
		return err
	}

	g := cd.vol.Geometry()
	fmt.Fprintf(a.out, "Card:       %v, %d bytes\n", cd.dev.Type(), csd.Capacity())
	fmt.Fprintf(a.out, "Label:      %s\n", cd.vol.Label())
	fmt.Fprintf(a.out, "Partition:  block %d, %d blocks\n", g.PartitionLBA, g.PartitionSectors)
	fmt.Fprintf(a.out, "FAT:        block %d, %d x %d blocks\n", g.FATLBA, g.NumFATs, g.SectorsPerFAT)
	fmt.Fprintf(a.out, "Clusters:   block %d, %d bytes, %d clusters\n", g.ClusterLBA, g.ClusterSize(), g.MaxCluster-1)
	fmt.Fprintf(a.out, "Root:       cluster %d\n", g.RootCluster)
	return nil
}

func (a *app) ls(c *cli.Context) error {
	argv, err := args(c, 1)
	if err != nil {
		return err
	}
	cd, err := a.openCard(c, argv[0])
	if err != nil {
		return err
	}
	defer cd.Close()

	catalog, err := cd.vol.ListDirectory(cd.vol.Geometry().RootCluster, sdfat.ListOptions{
		LongNames: !c.Bool("short"),
		Subdirs:   c.Bool("subdirs"),
	})
	if printErr := catalog.WriteListing(a.out); printErr != nil {
		return printErr
	}
	if catalog.Truncated() {
		a.log.WithField("capacity", catalog.Cap()).Warn("listing truncated")
	}
	return err
}

func (a *app) tree(c *cli.Context) error {
	argv, err := args(c, 1)
	if err != nil {
		return err
	}
	cd, err := a.openCard(c, argv[0])
	if err != nil {
		return err
	}
	defer cd.Close()

	return afero.Walk(cd.vol.Afero(), "/", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		kind := sdfat.KindFile
		if info.IsDir() {
			kind = sdfat.KindDir
		}
		fmt.Fprintf(a.out, "%-4v %8d %s %s\n", kind, info.Size(), info.ModTime().Format("2006-01-02 15:04"), filepath.ToSlash(p))
		return nil
	})
}

func (a *app) cat(c *cli.Context) error {
	argv, err := args(c, 2)
	if err != nil {
		return err
	}
	cd, err := a.openCard(c, argv[0])
	if err != nil {
		return err
	}
	defer cd.Close()

	catalog, err := cd.listFiles()
	if err != nil {
		return err
	}
	i, err := resolve(catalog, argv[1])
	if err != nil {
		return err
	}
	e, _ := catalog.Entry(i)
	if e.IsDir() {
		return fmt.Errorf("%s is a directory", e.Name)
	}

	if !c.Bool("bin") {
		return cd.vol.StreamFile(e.FirstCluster, a.out, true)
	}
	f, err := cd.vol.Afero().OpenFile(entryPath(catalog, i), os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	dump := hex.Dumper(a.out)
	defer dump.Close()
	_, err = io.Copy(dump, f)
	return err
}

func (a *app) find(c *cli.Context) error {
	argv, err := args(c, 2)
	if err != nil {
		return err
	}
	cd, err := a.openCard(c, argv[0])
	if err != nil {
		return err
	}
	defer cd.Close()

	if _, err := cd.listFiles(); err != nil {
		return err
	}
	i, found := cd.vol.FindByName(argv[1])
	if !found {
		return fmt.Errorf("%w: %s", sdfat.ErrNotFound, argv[1])
	}
	fmt.Fprintln(a.out, i)
	return nil
}

func (a *app) run(c *cli.Context) error {
	argv, err := args(c, 2)
	if err != nil {
		return err
	}
	cd, err := a.openCard(c, argv[0])
	if err != nil {
		return err
	}
	defer cd.Close()

	if _, err := cd.listFiles(); err != nil {
		return err
	}

	L := lua.NewState()
	defer L.Close()
	// The card is already up, every port reaches it.
	luasd.Preload(L, func(int) (*sdfat.Volume, error) { return cd.vol, nil }, a.out, luasd.WithLogger(a.entry()))
	L.SetGlobal("script", lua.LString(argv[1]))
	return L.DoString(`
local sdcard = require("sdcard")
sdcard.init(0)
if sdcard.find(script) == nil then
	error("File not found: " .. script)
end
sdcard.execfilebyname(script)
`)
}

// entryPath returns the path of listing entry i for the afero layer.
func entryPath(catalog *sdfat.Catalog, i int) string {
	e, _ := catalog.Entry(i)
	if parent, err := catalog.Entry(e.Parent); err == nil {
		return path.Join("/", parent.Name, e.Name)
	}
	return path.Join("/", e.Name)
}
