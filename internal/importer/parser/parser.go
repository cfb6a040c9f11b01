// Package parser turns uploaded file bytes into a lazy, chunked sequence of
// raw rows. Each format (CSV, Excel, PDF) implements the same Source
// contract so the pipeline never cares where rows came from.
package parser

import (
	"context"

	"github.com/duartevn/coinflow/internal/importer/model"
)

// Chunk is one bounded unit of pipeline work.
type Chunk struct {
	Index int
	Rows  []model.RawRow
	// Bad holds rows that could not even be decoded from the source; they
	// become row-level validations, never a parse abort.
	Bad []*model.RowError
}

// Source produces row chunks from an uploaded file. Next returns io.EOF once
// the file is exhausted. Sources are single-pass; resuming from a checkpoint
// reopens the source and discards already-committed chunks.
type Source interface {
	Headers() []string
	Next(ctx context.Context) (*Chunk, error)
	Close() error
}

// Options adjust how a source splits and interprets the file.
type Options struct {
	ChunkSize int
	SheetName string // Excel only; empty picks the first non-empty sheet
}

func (o *Options) chunkSize() int {
	if o == nil || o.ChunkSize <= 0 {
		return model.DefaultChunkSize
	}
	return o.ChunkSize
}

// Open builds the source matching the detected file type.
func Open(ft model.FileType, data []byte, opts *Options) (Source, error) {
	switch ft {
	case model.FileTypeCSV:
		return newCSVSource(data, opts)
	case model.FileTypeXLSX, model.FileTypeXLS:
		return newExcelSource(data, opts)
	case model.FileTypePDF:
		return newPDFSource(data, opts)
	default:
		return nil, model.NewFormatError(ft, "unsupported file type", nil)
	}
}
