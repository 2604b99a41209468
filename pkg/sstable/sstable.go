// Package sstable reads and writes chert table files: immutable sorted
// key-value files made of checksummed, optionally compressed blocks, a
// delta-encoded index, and a fixed-layout footer.
package sstable

import "errors"

const (
	// DefaultBlockSize is the target size for data blocks
	DefaultBlockSize = 16 * 1024

	// footerPrefetchSize is how much of the file tail is read ahead when a
	// table is opened, so the footer and the metadata blocks near it are
	// served without extra I/O round trips.
	footerPrefetchSize = 4096

	// metaindexFirstKeyFlag marks tables whose index entries carry each
	// data block's first key.
	metaindexFirstKeyFlag = byte(1)
)

var (
	// ErrNotFound indicates a key was not found in the table
	ErrNotFound = errors.New("key not found in table")
	// ErrWriterFinished indicates an Add after Finish
	ErrWriterFinished = errors.New("table writer already finished")
)
