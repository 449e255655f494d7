package jobs

import (
	"log/slog"
	"time"

	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
)

// Index is the queryable run index kept next to the artifact store
type Index interface {
	UpsertRun(run *domain.Run) error
	RecordDoseTiming(caseID string, voxels int, d time.Duration) error
}

type indexOp struct {
	run    *domain.Run
	caseID string
	voxels int
	timing time.Duration
	done   chan struct{}
}

// indexWriter applies index writes one at a time from a single goroutine.
// Callers wait for their write so readers see it once a transition returns.
type indexWriter struct {
	index  Index
	logger *slog.Logger
	ops    chan indexOp
	done   chan struct{}
}

func newIndexWriter(index Index, logger *slog.Logger) *indexWriter {
	w := &indexWriter{
		index:  index,
		logger: logger,
		ops:    make(chan indexOp, 100),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *indexWriter) loop() {
	defer close(w.done)
	for op := range w.ops {
		w.apply(op)
		close(op.done)
	}
}

func (w *indexWriter) apply(op indexOp) {
	if w.index == nil {
		return
	}
	if op.run != nil {
		if err := w.index.UpsertRun(op.run); err != nil {
			w.logger.Warn("index run", "run", op.run.ID, "error", err)
		}
		return
	}
	if err := w.index.RecordDoseTiming(op.caseID, op.voxels, op.timing); err != nil {
		w.logger.Warn("index dose timing", "case", op.caseID, "error", err)
	}
}

func (w *indexWriter) upsert(run domain.Run) {
	w.submit(indexOp{run: &run})
}

func (w *indexWriter) recordTiming(caseID string, voxels int, d time.Duration) {
	w.submit(indexOp{caseID: caseID, voxels: voxels, timing: d})
}

func (w *indexWriter) submit(op indexOp) {
	op.done = make(chan struct{})
	w.ops <- op
	<-op.done
}

func (w *indexWriter) stop() {
	close(w.ops)
	<-w.done
}
