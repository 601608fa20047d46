// Package encoder turns batches of journal records into object payloads.
package encoder

import (
	"bytes"
	"context"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

// Encoder converts a slice of typed records into a binary payload.
type Encoder[T any] interface {
	Encode(ctx context.Context, items []T) ([]byte, error)
	FileExtension() string
	ContentType() string
}

// Parquet writes records as a single parquet file. The schema is derived from
// T's parquet struct tags.
type Parquet[T any] struct {
	// Compression: "", "snappy", "gzip" or "zstd".
	Compression string
}

// NewParquet validates the compression name up front.
func NewParquet[T any](compression string) (Parquet[T], error) {
	p := Parquet[T]{Compression: compression}
	if _, err := p.writerOptions(); err != nil {
		return Parquet[T]{}, err
	}
	return p, nil
}

func (Parquet[T]) FileExtension() string { return ".parquet" }

func (Parquet[T]) ContentType() string { return "application/vnd.apache.parquet" }

func (p Parquet[T]) writerOptions() ([]parquet.WriterOption, error) {
	switch p.Compression {
	case "":
		return nil, nil
	case "snappy":
		return []parquet.WriterOption{parquet.Compression(&parquet.Snappy)}, nil
	case "gzip":
		return []parquet.WriterOption{parquet.Compression(&parquet.Gzip)}, nil
	case "zstd":
		return []parquet.WriterOption{parquet.Compression(&parquet.Zstd)}, nil
	default:
		return nil, fmt.Errorf("unsupported parquet compression: %q", p.Compression)
	}
}

func (p Parquet[T]) Encode(ctx context.Context, items []T) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts, err := p.writerOptions()
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	w := parquet.NewGenericWriter[T](&out, opts...)
	if _, err := w.Write(items); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
