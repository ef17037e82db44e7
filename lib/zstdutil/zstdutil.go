// Package zstdutil provides zstd-compressed JSON streaming for the
// diagnostics snapshot endpoint.
package zstdutil

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// CompressionLevel represents the zstd compression level.
type CompressionLevel string

const (
	LevelFastest CompressionLevel = "fastest"
	LevelDefault CompressionLevel = "default"
	LevelBetter  CompressionLevel = "better"
	LevelBest    CompressionLevel = "best"
)

// ToZstdLevel converts a CompressionLevel to a zstd.EncoderLevel.
func (l CompressionLevel) ToZstdLevel() zstd.EncoderLevel {
	switch l {
	case LevelFastest:
		return zstd.SpeedFastest
	case LevelBetter:
		return zstd.SpeedBetterCompression
	case LevelBest:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

// WriteJSON encodes v as JSON and streams it zstd-compressed to w without
// buffering the whole document.
func WriteJSON(w io.Writer, v any, level CompressionLevel) error {
	zw, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(level.ToZstdLevel()),
		zstd.WithEncoderConcurrency(1), // Synchronous for predictable streaming
	)
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}

	enc := json.NewEncoder(zw)
	if err := enc.Encode(v); err != nil {
		zw.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}
	return nil
}

// ReadJSON decompresses a zstd stream from r and decodes the JSON document
// into v. Inverse of WriteJSON; used by tooling and tests.
func ReadJSON(r io.Reader, v any) error {
	zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("create zstd decoder: %w", err)
	}
	defer zr.Close()

	if err := json.NewDecoder(zr).Decode(v); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	return nil
}
