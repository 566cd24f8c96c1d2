package services

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"
)

// rowFeed hands the orchestrator rows in chunk-sized batches. A batch may be
// returned together with an error; its rows are complete and must be processed.
type rowFeed interface {
	nextChunk(ctx context.Context, size int) ([]*RawRow, error)
	close()
}

// directFeed reads rows on the caller's goroutine
type directFeed struct {
	src RowSource
}

func (f *directFeed) nextChunk(ctx context.Context, size int) ([]*RawRow, error) {
	rows := make([]*RawRow, 0, size)
	for len(rows) < size {
		row, err := f.src.Next(ctx)
		if err != nil {
			return rows, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (f *directFeed) close() {}

// prefetchFeed parses ahead on a separate goroutine while the current chunk
// is validated and written. At most buffer rows are held in memory.
type prefetchFeed struct {
	rows   chan *RawRow
	group  *errgroup.Group
	cancel context.CancelFunc
}

func newPrefetchFeed(ctx context.Context, src RowSource, buffer int) *prefetchFeed {
	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	rows := make(chan *RawRow, buffer)

	group.Go(func() error {
		defer close(rows)
		for {
			row, err := src.Next(gctx)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case rows <- row:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	return &prefetchFeed{rows: rows, group: group, cancel: cancel}
}

func (f *prefetchFeed) nextChunk(ctx context.Context, size int) ([]*RawRow, error) {
	rows := make([]*RawRow, 0, size)
	for len(rows) < size {
		select {
		case row, ok := <-f.rows:
			if !ok {
				if err := f.group.Wait(); err != nil {
					return rows, err
				}
				return rows, io.EOF
			}
			rows = append(rows, row)
		case <-ctx.Done():
			return rows, ctx.Err()
		}
	}
	return rows, nil
}

// close stops the producer and waits for it so the source can be closed safely
func (f *prefetchFeed) close() {
	f.cancel()
	for range f.rows {
	}
	_ = f.group.Wait()
}
