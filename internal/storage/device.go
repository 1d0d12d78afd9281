// Copyright 2026 The OTA Client authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage provides block level access to the flash which holds the
// firmware partitions.
// Note that these are very low-level primitives, and care must be taken when
// using them not to overwrite existing data (e.g. the running firmware!)
package storage

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"k8s.io/klog/v2"
)

var (
	// MaxTransferBytes is the largest transfer we'll attempt.
	// Larger reads and writes are chunked into requests of at most
	// MaxTransferBytes bytes.
	MaxTransferBytes = 32 * 1024
)

// BlockReaderWriter is the block device interface used by the partition
// layers.
type BlockReaderWriter interface {
	// BlockSize returns the block size of the underlying storage system.
	BlockSize() uint
	// NumBlocks returns the number of blocks on the device.
	NumBlocks() uint
	// ReadBlocks reads len(b) bytes into b from contiguous storage blocks
	// starting at the given block address.
	// b must be an integer multiple of the device's block size.
	ReadBlocks(lba uint, b []byte) error
	// WriteBlocks writes len(b) bytes from b to contiguous storage blocks
	// starting at the given block address.
	// If the final block is partial it is padded with zeroes.
	// Returns the number of blocks written, or an error.
	WriteBlocks(lba uint, b []byte) (uint, error)
}

// FileDevice is a block device backed by a file, which may be a raw block
// device node or a flash image.
type FileDevice struct {
	f         *os.File
	blockSize uint
	numBlocks uint
}

// OpenFile opens the file at path as a block device with the given geometry.
//
// If create is true and the file does not exist, it is created and sized to
// hold numBlocks blocks.
func OpenFile(path string, blockSize, numBlocks uint, create bool) (*FileDevice, error) {
	if blockSize == 0 || numBlocks == 0 {
		return nil, errors.New("block size and block count must be non-zero")
	}
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	want := int64(blockSize) * int64(numBlocks)
	if fi.Mode().IsRegular() && fi.Size() < want {
		if !create {
			f.Close()
			return nil, fmt.Errorf("%s is %d bytes, need %d", path, fi.Size(), want)
		}
		klog.Infof("Sizing %s to %d blocks of %d bytes", path, numBlocks, blockSize)
		if err := f.Truncate(want); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &FileDevice{f: f, blockSize: blockSize, numBlocks: numBlocks}, nil
}

// Close flushes and closes the underlying file.
func (d *FileDevice) Close() error {
	if err := d.f.Sync(); err != nil {
		d.f.Close()
		return err
	}
	return d.f.Close()
}

// BlockSize returns the size in bytes of the each block in the underlying storage.
func (d *FileDevice) BlockSize() uint {
	return d.blockSize
}

// NumBlocks returns the number of blocks on the device.
func (d *FileDevice) NumBlocks() uint {
	return d.numBlocks
}

// WriteBlocks writes the data in b to the device blocks starting at the given block address.
// If the final block to be written is partial, it will be padded with zeroes to ensure that
// full blocks are written.
// Returns the number of blocks written, or an error.
func (d *FileDevice) WriteBlocks(lba uint, b []byte) (uint, error) {
	if len(b) == 0 {
		return 0, nil
	}
	bs := int(d.blockSize)
	if r := len(b) % bs; r != 0 {
		b = append(b, make([]byte, bs-r)...)
	}
	numBlocks := uint(len(b) / bs)
	if lba+numBlocks > d.numBlocks {
		return 0, fmt.Errorf("write of %d blocks @ %d exceeds device (%d blocks)", numBlocks, lba, d.numBlocks)
	}
	for len(b) > 0 {
		bl := len(b)
		if bl > MaxTransferBytes {
			bl = MaxTransferBytes - MaxTransferBytes%bs
		}
		// Since this could be a long-running operation, we need to play nice with the scheduler.
		runtime.Gosched()

		if _, err := d.f.WriteAt(b[:bl], int64(lba)*int64(bs)); err != nil {
			klog.Infof("WriteAt(%d, ...) = %v", lba, err)
			return 0, err
		}
		b = b[bl:]
		lba += uint(bl / bs)
	}
	return numBlocks, d.f.Sync()
}

// ReadBlocks reads data from the storage device at the given address into b.
// b must be a multiple of the underlying device's block size.
func (d *FileDevice) ReadBlocks(lba uint, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	bs := int(d.blockSize)
	if len(b)%bs != 0 {
		return fmt.Errorf("read of %d bytes is not a multiple of block size %d", len(b), bs)
	}
	if lba+uint(len(b)/bs) > d.numBlocks {
		return fmt.Errorf("read of %d blocks @ %d exceeds device (%d blocks)", len(b)/bs, lba, d.numBlocks)
	}
	for len(b) > 0 {
		bl := len(b)
		if bl > MaxTransferBytes {
			bl = MaxTransferBytes - MaxTransferBytes%bs
		}
		runtime.Gosched()

		if _, err := d.f.ReadAt(b[:bl], int64(lba)*int64(bs)); err != nil {
			klog.Errorf("ReadAt(%d, %d) = %v", lba, bl, err)
			return err
		}
		b = b[bl:]
		lba += uint(bl / bs)
	}
	return nil
}
