// Package luasd makes a card available to Lua scripts as the "sdcard" module, with the
// functions of the board firmware:
//
//	local sdcard = require("sdcard")
//	sdcard.init(3)
//	sdcard.listdir()
//	sdcard.printfile(0)
//	sdcard.execfilebyname("BOOT.PY")
//
// Files are addressed by their index in the last listing.
package luasd

import (
	"bytes"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/tivaport/sdfat"
	lua "github.com/yuin/gopher-lua"
)

// ModuleName is the name scripts require.
const ModuleName = "sdcard"

// BufferSize is the largest file readfile and execfile accept.
const BufferSize = 4096

// Messages printed to the script output.
const (
	msgInfo        = "Start with sdcard.init(<spiport>) and sdcard.listdir()\n"
	msgInitialised = "SD Card initialised.\n"
	msgInitError   = "SD Card init error.\n"
	msgNotFound    = "File not found.\n"
	msgTooLarge    = "File too large.\n"
)

// Opener brings up the card on an SPI port and mounts its volume.
type Opener func(port int) (*sdfat.Volume, error)

type options struct {
	log *logrus.Entry
}

// Option configures the module.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(o *options) { o.log = log }
}

type module struct {
	open Opener
	out  io.Writer
	log  *logrus.Entry

	vol *sdfat.Volume
	buf []byte
}

// Preload registers the sdcard module in L. Everything the functions print goes to out.
func Preload(L *lua.LState, open Opener, out io.Writer, opts ...Option) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logrus.NewEntry(logrus.StandardLogger())
	}

	m := &module{
		open: open,
		out:  out,
		log:  o.log.WithField("component", "luasd"),
		buf:  make([]byte, BufferSize),
	}
	L.PreloadModule(ModuleName, m.loader)
}

func (m *module) loader(L *lua.LState) int {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"info":            m.info,
		"init":            m.init,
		"listdir":         m.listdir,
		"printfile":       m.printfile,
		"printfilebin":    m.printfilebin,
		"printfilebyname": m.printfilebyname,
		"readfile":        m.readfile,
		"execfile":        m.execfile,
		"execfilebyname":  m.execfilebyname,
		"find":            m.find,
	})
	L.Push(mod)
	return 1
}

func (m *module) print(s string) {
	fmt.Fprint(m.out, s)
}

// volume raises a Lua error when init did not succeed.
func (m *module) volume(L *lua.LState) *sdfat.Volume {
	if m.vol == nil {
		L.RaiseError("no card, call sdcard.init(<spiport>) first")
	}
	return m.vol
}

// entry returns the catalog index of argument n and its entry.
func (m *module) entry(L *lua.LState, n int) (int, sdfat.DirectoryEntry) {
	i := L.CheckInt(n)
	e, err := m.volume(L).Catalog().Entry(i)
	if err != nil {
		L.RaiseError("%v", err)
	}
	return i, e
}

func (m *module) info(L *lua.LState) int {
	m.print(msgInfo)
	return 0
}

func (m *module) init(L *lua.LState) int {
	port := L.CheckInt(1)

	vol, err := m.open(port)
	if err != nil {
		m.log.WithError(err).WithField("port", port).Error("card init failed")
		m.vol = nil
		m.print(msgInitError)
		L.Push(lua.LFalse)
		return 1
	}

	m.vol = vol
	m.print(msgInitialised)
	L.Push(lua.LTrue)
	return 1
}

func (m *module) listdir(L *lua.LState) int {
	vol := m.volume(L)
	c, err := vol.ListDirectory(vol.Geometry().RootCluster, sdfat.ListOptions{LongNames: true, Subdirs: true})
	if printErr := c.WriteListing(m.out); printErr != nil {
		L.RaiseError("%v", printErr)
	}
	if err != nil {
		L.RaiseError("%v", err)
	}
	if c.Truncated() {
		m.log.WithField("capacity", c.Cap()).Warn("listing truncated")
	}
	return 0
}

func (m *module) printEntry(L *lua.LState, e sdfat.DirectoryEntry, w io.Writer, text bool) {
	if e.IsDir() {
		L.RaiseError("%s is a directory", e.Name)
	}
	if err := m.volume(L).StreamFile(e.FirstCluster, w, text); err != nil {
		L.RaiseError("%v", err)
	}
}

func (m *module) printfile(L *lua.LState) int {
	_, e := m.entry(L, 1)
	m.printEntry(L, e, m.out, true)
	return 0
}

// hexWriter writes every byte as unpadded lowercase hex.
type hexWriter struct {
	w io.Writer
}

func (h hexWriter) Write(p []byte) (int, error) {
	for i, b := range p {
		if _, err := fmt.Fprintf(h.w, "%x", b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

func (m *module) printfilebin(L *lua.LState) int {
	_, e := m.entry(L, 1)
	m.printEntry(L, e, hexWriter{w: m.out}, false)
	return 0
}

// lookup finds the file named by argument 1 and prints "File not found." if there is none.
func (m *module) lookup(L *lua.LState) (int, sdfat.DirectoryEntry, bool) {
	name := L.CheckString(1)
	vol := m.volume(L)
	i, found := vol.FindByName(name)
	if !found {
		m.print(msgNotFound)
		return -1, sdfat.DirectoryEntry{}, false
	}
	e, err := vol.Catalog().Entry(i)
	if err != nil {
		L.RaiseError("%v", err)
	}
	return i, e, true
}

func (m *module) printfilebyname(L *lua.LState) int {
	if _, e, found := m.lookup(L); found {
		m.printEntry(L, e, m.out, true)
	}
	return 0
}

// readText reads catalog entry i into the buffer up to its first zero byte. The bool is false
// if the file does not fit.
func (m *module) readText(L *lua.LState, i int) (string, bool) {
	n, truncated, err := m.volume(L).ReadEntry(i, m.buf)
	if err != nil {
		L.RaiseError("%v", err)
	}
	text := m.buf[:n]
	if end := bytes.IndexByte(text, 0); end >= 0 {
		text = text[:end]
	}
	if truncated {
		m.log.WithField("index", i).Warn("file too large")
		m.print(msgTooLarge)
	}
	return string(text), !truncated
}

func (m *module) readfile(L *lua.LState) int {
	i, _ := m.entry(L, 1)
	text, _ := m.readText(L, i)
	L.Push(lua.LString(text))
	return 1
}

// exec runs catalog entry i as a chunk. Errors of the chunk are printed, not raised.
func (m *module) exec(L *lua.LState, i int, e sdfat.DirectoryEntry) {
	text, ok := m.readText(L, i)
	if !ok {
		return
	}

	fn, err := L.Load(bytes.NewBufferString(text), e.Name)
	if err != nil {
		fmt.Fprintln(m.out, err)
		return
	}
	top := L.GetTop()
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		fmt.Fprintln(m.out, err)
	}
	L.SetTop(top)
}

func (m *module) execfile(L *lua.LState) int {
	i, e := m.entry(L, 1)
	m.exec(L, i, e)
	return 0
}

func (m *module) execfilebyname(L *lua.LState) int {
	if i, e, found := m.lookup(L); found {
		m.exec(L, i, e)
	}
	return 0
}

func (m *module) find(L *lua.LState) int {
	i, found := m.volume(L).FindByName(L.CheckString(1))
	if !found {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(i))
	return 1
}
