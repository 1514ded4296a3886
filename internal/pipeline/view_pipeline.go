package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.mongodb.org/mongo-driver/bson"

	"assetql/internal/logger"
	"assetql/internal/store"
	"assetql/internal/view"
	"assetql/pkg/models"
)

var (
	metricViewsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assetql_pipeline_views_written",
		Help: "Number of entity views written by the view pipeline.",
	})
	metricViewsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assetql_pipeline_views_skipped",
		Help: "Number of entity documents that could not be materialized.",
	})
)

const writeAttempts = 3

// Options tunes the view pipeline.
type Options struct {
	Workers       int
	BatchSize     int
	FlushInterval time.Duration
	IgnoreErrors  bool
}

// ViewPipeline materializes entity documents from a cursor and writes the views.
type ViewPipeline struct {
	writer        ViewWriter
	workers       int
	batchSize     int
	flushInterval time.Duration
	ignoreErrors  bool
	retryDelay    time.Duration
}

// NewViewPipeline creates a pipeline writing to writer.
func NewViewPipeline(writer ViewWriter, opts Options) *ViewPipeline {
	p := &ViewPipeline{
		writer:        writer,
		workers:       opts.Workers,
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		ignoreErrors:  opts.IgnoreErrors,
		retryDelay:    time.Second,
	}
	if p.workers <= 0 {
		p.workers = 4
	}
	if p.batchSize <= 0 {
		p.batchSize = 500
	}
	if p.flushInterval <= 0 {
		p.flushInterval = 2 * time.Second
	}
	return p
}

// Run drains cur and returns the number of views written. It stops early when ctx
// is cancelled or the writer keeps failing.
func (p *ViewPipeline) Run(ctx context.Context, cur store.Cursor) (int64, error) {
	logger.Infof("View pipeline started: workers=%d batch=%d", p.workers, p.batchSize)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	docCh := make(chan bson.M, p.workers*4)
	viewCh := make(chan *models.View, p.workers*4)

	var (
		readErr  error
		writeErr error
		written  atomic.Int64
		workers  sync.WaitGroup
		readDone = make(chan struct{})
		done     = make(chan struct{})
	)

	go func() {
		defer close(readDone)
		defer close(docCh)
		readErr = p.readLoop(ctx, cur, docCh)
	}()

	for i := 0; i < p.workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			p.workerLoop(ctx, docCh, viewCh)
		}()
	}
	go func() {
		workers.Wait()
		close(viewCh)
	}()

	go func() {
		defer close(done)
		writeErr = p.writeLoop(ctx, viewCh, &written)
		if writeErr != nil {
			cancel()
		}
	}()

	<-done
	<-readDone
	n := written.Load()
	logger.Infof("View pipeline finished: written=%d", n)

	if writeErr != nil {
		return n, writeErr
	}
	if readErr != nil {
		return n, readErr
	}
	return n, nil
}

func (p *ViewPipeline) readLoop(ctx context.Context, cur store.Cursor, out chan<- bson.M) error {
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			logger.Warnf("Failed to decode entity document: %v", err)
			metricViewsSkipped.Inc()
			continue
		}
		select {
		case out <- doc:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("read entities: %w", err)
	}
	return ctx.Err()
}

func (p *ViewPipeline) workerLoop(ctx context.Context, in <-chan bson.M, out chan<- *models.View) {
	for doc := range in {
		v, err := view.Materialize(doc, p.ignoreErrors)
		if err != nil {
			logger.Warnf("Failed to materialize entity: %v", err)
			metricViewsSkipped.Inc()
			continue
		}
		if v == nil {
			continue
		}
		select {
		case out <- v:
		case <-ctx.Done():
			return
		}
	}
}

func (p *ViewPipeline) writeLoop(ctx context.Context, in <-chan *models.View, written *atomic.Int64) error {
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	var batch []*models.View

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		var err error
		for attempt := 1; attempt <= writeAttempts; attempt++ {
			if err = p.writer.WriteViews(batch); err == nil {
				written.Add(int64(len(batch)))
				metricViewsWritten.Add(float64(len(batch)))
				batch = nil
				return nil
			}
			logger.Errorf("Failed to write views (attempt %d): %v", attempt, err)
			if attempt < writeAttempts {
				select {
				case <-ctx.Done():
					return errors.Join(err, ctx.Err())
				case <-time.After(p.retryDelay):
				}
			}
		}
		return fmt.Errorf("write views: %w", err)
	}

	for {
		select {
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		case v, ok := <-in:
			if !ok {
				return flush()
			}
			batch = append(batch, v)
			if len(batch) >= p.batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
}
