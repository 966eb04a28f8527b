// Package sdfat reads FAT32 volumes from an SD card block by block.
//
// A Volume is mounted once on a BlockDevice (usually an *sdspi.Card) and then lists
// directories into a fixed capacity Catalog and reads files by walking their cluster chains.
// Nothing is ever written to the card.
package sdfat

// BlockDevice provides 512 byte blocks of a card.
// Generated mock using mockgen:
//  mockgen -source=device.go -destination=device_mock.go -package sdfat
type BlockDevice interface {
	// ReadBlock reads block lba into dst.
	ReadBlock(lba uint32, dst []byte) error
	// StreamBlocks passes the blocks starting at lba to fn until fn returns false.
	StreamBlocks(lba uint32, fn func(block []byte) bool) error
	// Transaction runs fn with the device selected.
	Transaction(fn func() error) error
}

// BlockSize is the sector size. Volumes with other sector sizes are rejected.
const BlockSize = 512
