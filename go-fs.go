package sdfat

import (
	"io/fs"

	"github.com/spf13/afero"
)

// FS returns the volume as fs.FS, using the afero.IOFS compatibility layer.
func (v *Volume) FS() fs.FS {
	return afero.IOFS{Fs: v.Afero()}
}
