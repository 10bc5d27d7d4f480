// Package parquet implements a cachinglayer.Translator over locally
// mmap'd, zstd-compressed column chunks -- one file per cid, decompressed
// on load.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package parquet

import (
	"context"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/milvus-io/cachecore/cachinglayer"
)

// Payload is a decompressed column chunk, charged against the memory
// budget once resident -- the compressed bytes on disk are not separately
// accounted by this cache (the filesystem/page cache owns that tier).
type Payload []byte

func (p Payload) SizeBytes() (memoryBytes, diskBytes int64) { return int64(len(p)), 0 }

// ChunkFile describes one cid's on-disk, zstd-compressed chunk and its
// uncompressed size estimate (used for pre-load reservation, since the
// compressed file size on disk is a poor proxy for resident memory once
// decompressed).
type ChunkFile struct {
	Path                string
	EstimateUncompressed int64
}

// Translator mmaps each requested chunk file, decompresses it with zstd,
// and returns the plain bytes. uid == cid.
type Translator struct {
	key    string
	chunks []ChunkFile

	decoder *zstd.Decoder
}

// New constructs a Translator over the given chunk layout. A single zstd
// decoder is shared across all GetCells calls (decoders are safe for
// concurrent DecodeAll use and expensive enough to construct once).
func New(key string, chunks []ChunkFile) (*Translator, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "parquet translator: new zstd decoder")
	}
	return &Translator{key: key, chunks: chunks, decoder: dec}, nil
}

func (t *Translator) Key() string   { return t.key }
func (t *Translator) NumCells() int { return len(t.chunks) }

func (t *Translator) CellIDOf(uid int64) (int, error) { return int(uid), nil }

func (t *Translator) EstimatedByteSizeOfCell(cid int) (memoryBytes, diskBytes int64) {
	return t.chunks[cid].EstimateUncompressed, 0
}

func (t *Translator) StorageType() cachinglayer.StorageType { return cachinglayer.StorageMemory }

func (t *Translator) Meta() interface{} { return nil }

// GetCells mmaps and decompresses each requested chunk. It never returns
// extra cids: adjacent row groups in a parquet file are not guaranteed to
// be cheap to fetch together the way adjacent S3 byte-ranges can be, so
// this translator only ever satisfies what was asked.
func (t *Translator) GetCells(_ context.Context, cids []int) ([]cachinglayer.CellResult, error) {
	out := make([]cachinglayer.CellResult, 0, len(cids))
	for _, cid := range cids {
		raw, err := t.mmapChunk(t.chunks[cid].Path)
		if err != nil {
			return nil, errors.Wrapf(err, "parquet translator: mmap %s", t.chunks[cid].Path)
		}
		decompressed, err := t.decoder.DecodeAll(raw, nil)
		unix.Munmap(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "parquet translator: decompress %s", t.chunks[cid].Path)
		}
		out = append(out, cachinglayer.CellResult{CID: cid, Payload: Payload(decompressed)})
	}
	return out, nil
}

func (t *Translator) mmapChunk(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return nil, nil
	}
	return unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
}
