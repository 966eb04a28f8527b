package sdfat

import (
	"bytes"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tivaport/sdfat/internal/fatimage"
	"github.com/tivaport/sdfat/sdsim"
	"github.com/tivaport/sdfat/sdspi"
)

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte('A' + i%26)
	}
	return data
}

type readFixture struct {
	img   *fatimage.Image
	one   fatimage.Entry
	multi fatimage.Entry
	text  fatimage.Entry
	empty fatimage.Entry
}

// readCard has files of one and three clusters with 4096 bytes per cluster.
func readCard() readFixture {
	img := fatimage.New(fatimage.Config{})
	root := img.Root()
	return readFixture{
		img:   img,
		one:   root.AddFile("ONE.TXT", pattern(100)),
		multi: root.AddFile("MULTI.BIN", pattern(10000), fatimage.At(10, 7, 30)),
		text:  root.AddFile("TEXT.TXT", []byte("hello\x00world")),
		empty: root.AddFile("EMPTY.TXT", nil),
	}
}

func TestVolume_ReadFile(t *testing.T) {
	f := readCard()
	v, _ := testingMount(t, f.img)

	tests := []struct {
		name          string
		first         uint32
		dstSize       int
		wantN         int
		wantTruncated bool
		wantData      []byte
		wantErr       error
	}{
		{
			name:     "the whole last cluster is read",
			first:    f.one.FirstCluster,
			dstSize:  8192,
			wantN:    4096,
			wantData: pattern(100),
		},
		{
			name:          "buffer smaller than the cluster",
			first:         f.one.FirstCluster,
			dstSize:       100,
			wantN:         100,
			wantTruncated: true,
			wantData:      pattern(100),
		},
		{
			name:     "fragmented chain",
			first:    f.multi.FirstCluster,
			dstSize:  3 * 4096,
			wantN:    3 * 4096,
			wantData: pattern(10000),
		},
		{
			name:          "chain longer than the buffer",
			first:         f.multi.FirstCluster,
			dstSize:       5000,
			wantN:         5000,
			wantTruncated: true,
			wantData:      pattern(5000),
		},
		{
			name:          "buffer full at a cluster boundary",
			first:         f.multi.FirstCluster,
			dstSize:       4096,
			wantN:         4096,
			wantTruncated: true,
			wantData:      pattern(4096),
		},
		{
			name:     "empty file",
			first:    0,
			dstSize:  512,
			wantData: []byte{},
		},
		{
			name:    "reserved cluster",
			first:   1,
			dstSize: 512,
			wantErr: ErrInvalidCluster,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([]byte, tt.dstSize)
			n, truncated, err := v.ReadFile(tt.first, dst)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Volume.ReadFile() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				return
			}
			assert.Equal(t, tt.wantN, n)
			assert.Equal(t, tt.wantTruncated, truncated)
			assert.Equal(t, tt.wantData, dst[:len(tt.wantData)])
		})
	}
}

func TestVolume_ReadText(t *testing.T) {
	f := readCard()
	long := f.img.Root().AddFile("LONG.TXT", pattern(5000))
	v, _ := testingMount(t, f.img)

	tests := []struct {
		name          string
		first         uint32
		dstSize       int
		want          string
		wantTruncated bool
	}{
		{name: "stops at the zero byte", first: f.text.FirstCluster, dstSize: 512, want: "hello"},
		{name: "padding of the last cluster", first: long.FirstCluster, dstSize: 8192, want: string(pattern(5000))},
		{name: "buffer too small", first: long.FirstCluster, dstSize: 10, want: string(pattern(10)), wantTruncated: true},
		{name: "empty file", first: 0, dstSize: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([]byte, tt.dstSize)
			n, truncated, err := v.ReadText(tt.first, dst)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(dst[:n]))
			assert.Equal(t, tt.wantTruncated, truncated)
		})
	}
}

type failingWriter struct {
	err     error
	written int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.written += len(p)
	return 0, w.err
}

func TestVolume_StreamFile(t *testing.T) {
	f := readCard()
	v, dev := testingMount(t, f.img)

	var buf bytes.Buffer
	require.NoError(t, v.StreamFile(f.multi.FirstCluster, &buf, false))
	assert.Equal(t, 3*4096, buf.Len())
	assert.Equal(t, pattern(10000), buf.Bytes()[:10000])

	buf.Reset()
	require.NoError(t, v.StreamFile(f.text.FirstCluster, &buf, true))
	assert.Equal(t, "hello", buf.String())

	buf.Reset()
	require.NoError(t, v.StreamFile(0, &buf, false))
	assert.Zero(t, buf.Len())

	dev.resetCounters()
	writeErr := errors.New("uart gone")
	w := &failingWriter{err: writeErr}
	err := v.StreamFile(f.multi.FirstCluster, w, false)
	assert.ErrorIs(t, err, writeErr)
	assert.Equal(t, BlockSize, w.written)
	// The card is not asked for the other clusters.
	assert.Equal(t, []uint32{f.img.ClusterLBA(10)}, dev.streams)
}

func TestVolume_readFileAt(t *testing.T) {
	f := readCard()
	data := pattern(10000)

	tests := []struct {
		name       string
		offset     int64
		length     int64
		want       []byte
		wantStream uint32
		wantErr    error
	}{
		{name: "start", offset: 0, length: 10, want: data[:10], wantStream: f.img.ClusterLBA(10)},
		{name: "across clusters", offset: 4090, length: 20, want: data[4090:4110], wantStream: f.img.ClusterLBA(10) + 7},
		{name: "inside the last cluster", offset: 2*4096 + 1024 + 3, length: 5, want: data[9219:9224], wantStream: f.img.ClusterLBA(30) + 2},
		{name: "behind the end", offset: 9990, length: 100, want: data[9990:], wantStream: f.img.ClusterLBA(30) + 3},
		{name: "at the end", offset: 10000, length: 100, want: []byte{}},
		{name: "negative offset", offset: -1, length: 10, wantErr: ErrSeekFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, dev := testingMount(t, f.img, WithLookup(LookupDirect))
			got, err := v.readFileAt(f.multi.FirstCluster, int64(f.multi.Size), tt.offset, tt.length)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Volume.readFileAt() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr != nil {
				return
			}
			assert.Equal(t, tt.want, got)
			if tt.wantStream == 0 {
				assert.Empty(t, dev.streams)
			} else {
				assert.Equal(t, tt.wantStream, dev.streams[0])
			}
		})
	}
}

func TestFile_Read_matchesReadFile(t *testing.T) {
	f := readCard()
	v, _ := testingMount(t, f.img)

	file, err := v.Afero().Open("MULTI.BIN")
	require.NoError(t, err)
	defer file.Close()

	var got []byte
	chunk := make([]byte, 777)
	for {
		n, err := file.Read(chunk)
		got = append(got, chunk[:n]...)
		if err != nil {
			break
		}
	}

	dst := make([]byte, 3*4096)
	n, _, err := v.ReadFile(f.multi.FirstCluster, dst)
	require.NoError(t, err)
	require.Equal(t, 3*4096, n)
	assert.Equal(t, dst[:f.multi.Size], got)
}

func TestVolume_ReadEntry(t *testing.T) {
	f := readCard()
	f.img.Root().AddDir("SUB")
	v, _ := testingMount(t, f.img)

	c, err := v.List()
	require.NoError(t, err)
	require.Equal(t, []string{"ONE.TXT", "MULTI.BIN", "TEXT.TXT", "EMPTY.TXT", "SUB"}, names(c.Entries()))

	tests := []struct {
		name          string
		index         int
		dstSize       int
		wantN         int
		wantTruncated bool
		wantErr       error
	}{
		{name: "n is the file size", index: 0, dstSize: 4096, wantN: 100},
		{name: "file larger than the buffer", index: 0, dstSize: 50, wantN: 50, wantTruncated: true},
		{name: "exact buffer", index: 1, dstSize: 10000, wantN: 10000, wantTruncated: false},
		{name: "empty file", index: 3, dstSize: 10},
		{name: "directory", index: 4, dstSize: 10, wantErr: syscall.EISDIR},
		{name: "behind the catalog", index: 5, dstSize: 10, wantErr: ErrIndex},
		{name: "negative index", index: -1, dstSize: 10, wantErr: ErrIndex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, truncated, err := v.ReadEntry(tt.index, make([]byte, tt.dstSize))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Volume.ReadEntry() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			assert.Equal(t, tt.wantN, n)
			assert.Equal(t, tt.wantTruncated, truncated)
		})
	}

	_, _, err = v.ReadEntry(4, nil)
	assert.ErrorIs(t, err, ErrReadFile)
}

func TestVolume_FindByName(t *testing.T) {
	f := readCard()
	v, _ := testingMount(t, f.img)

	_, found := v.FindByName("ONE.TXT")
	assert.False(t, found, "nothing is found before a listing")

	_, err := v.List()
	require.NoError(t, err)

	tests := []struct {
		name      string
		wantIndex int
		wantFound bool
	}{
		{name: "ONE.TXT", wantIndex: 0, wantFound: true},
		{name: "EMPTY.TXT", wantIndex: 3, wantFound: true},
		{name: "one.txt", wantIndex: -1},
		{name: "ONE", wantIndex: -1},
		{name: "", wantIndex: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i, found := v.FindByName(tt.name)
			assert.Equal(t, tt.wantIndex, i)
			assert.Equal(t, tt.wantFound, found)
		})
	}
}

func TestCatalog(t *testing.T) {
	c := NewCatalog(2)
	assert.Equal(t, 2, c.Cap())
	assert.True(t, c.add(DirectoryEntry{Name: "A"}))
	assert.True(t, c.add(DirectoryEntry{Name: "B"}))
	assert.False(t, c.add(DirectoryEntry{Name: "C"}))
	assert.True(t, c.Truncated())
	assert.Equal(t, 2, c.Len())

	entries := c.Entries()
	entries[0].Name = "changed"
	e, err := c.Entry(0)
	require.NoError(t, err)
	assert.Equal(t, "A", e.Name)

	c.Reset()
	assert.Zero(t, c.Len())
	assert.False(t, c.Truncated())
	_, err = c.Entry(0)
	assert.ErrorIs(t, err, ErrIndex)

	assert.Zero(t, NewCatalog(-1).Cap())
}

// TestCard reads a file from a 1GB card through the SPI protocol stack.
func TestCard(t *testing.T) {
	boot := []byte("import pyb\nprint('hello from the card')\n")
	boot = append(boot, bytes.Repeat([]byte{'#'}, 128-len(boot))...)

	img := fatimage.New(fatimage.Config{Size: 1 << 30, Label: "NO NAME"})
	img.Root().AddFile("BOOT.PY", boot, fatimage.At(3))
	img.Root().AddDir("DATA", fatimage.At(5))

	card := sdsim.New(img, img.Size(), sdsim.WithLogger(testLogger()))
	cfg := sdspi.DefaultConfig()
	cfg.Sleep = func(time.Duration) {}
	cfg.Logger = testLogger()
	dev, err := sdspi.Open(card, cfg)
	require.NoError(t, err)
	assert.Equal(t, sdspi.CardSDHC, dev.Type())

	for _, lookup := range []Lookup{LookupLinear, LookupDirect} {
		t.Run(lookup.String(), func(t *testing.T) {
			v, err := Mount(dev, WithLookup(lookup), WithLogger(testLogger()))
			require.NoError(t, err)
			assert.Equal(t, "NO NAME", v.Label())

			c, err := v.List()
			require.NoError(t, err)
			require.Equal(t, 2, c.Len())

			e, _ := c.Entry(0)
			assert.Equal(t, DirectoryEntry{
				Kind:         KindFile,
				Name:         "BOOT.PY",
				FirstCluster: 3,
				Size:         128,
				Modified:     Timestamp{Year: 2013, Month: 6, Day: 9, Hour: 14, Minute: 32},
				ShortName:    field83("BOOT    PY "),
				Attr:         attrArchive,
				Parent:       -1,
			}, e)
			e, _ = c.Entry(1)
			assert.Equal(t, "DATA", e.Name)
			assert.Equal(t, KindDir, e.Kind)
			assert.Equal(t, uint32(5), e.FirstCluster)

			i, found := v.FindByName("BOOT.PY")
			require.True(t, found)
			assert.Equal(t, 0, i)

			dst := make([]byte, 4096)
			n, truncated, err := v.ReadEntry(i, dst)
			require.NoError(t, err)
			assert.Equal(t, 128, n)
			assert.False(t, truncated)
			assert.Equal(t, boot, dst[:n])
			assert.False(t, card.Selected())
		})
	}
}

func TestCatalog_WriteListing(t *testing.T) {
	c := NewCatalog(5)
	stamp := Timestamp{Year: 2021, Month: 6, Day: 26, Hour: 9, Minute: 5}
	c.add(DirectoryEntry{Kind: KindFile, Name: "BOOT.PY", Modified: stamp, Parent: -1})
	c.add(DirectoryEntry{Kind: KindDir, Name: "lib", Modified: stamp, Parent: -1})
	c.add(DirectoryEntry{Kind: KindFile, Name: "util.py", Modified: stamp, Parent: 1})
	c.add(DirectoryEntry{Kind: KindFile, Name: "net.py", Modified: stamp, Parent: 1})

	var buf bytes.Buffer
	require.NoError(t, c.WriteListing(&buf))
	assert.Equal(t, "0. (FILE)\tBOOT.PY\t\t26/6/2021\t9:5\n"+
		"1. (DIR)\tlib\t\t26/6/2021\t9:5\n"+
		"Content of lib\n\t"+
		"2. (FILE)\tutil.py\t\t26/6/2021\t9:5\n"+
		"3. (FILE)\tnet.py\t\t26/6/2021\t9:5\n", buf.String())

	writeErr := errors.New("closed")
	assert.ErrorIs(t, c.WriteListing(&failingWriter{err: writeErr}), writeErr)
}
