package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"trading-control/pkg/db"
)

// Execution log statuses.
const (
	StatusExecuted = "executed"
	StatusSkipped  = "skipped"
	StatusPlaced   = "placed"
	StatusCanceled = "canceled"
	StatusExit     = "exit"
)

// Recorder is the append-only sink the engines write their outcomes to.
type Recorder interface {
	RecordExecution(rec db.ExecutionLog)
	RecordTrade(t db.Trade)
}

// Journal queues records on a BatchWriter.
type Journal struct {
	writer *BatchWriter
}

var _ Recorder = (*Journal)(nil)

func NewJournal(writer *BatchWriter) *Journal {
	return &Journal{writer: writer}
}

func (j *Journal) RecordExecution(rec db.ExecutionLog) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	j.writer.Write(WriteOp{
		Table: "execution_logs",
		Apply: func(ctx context.Context, ext sqlx.ExtContext) error {
			return db.InsertExecutionLog(ctx, ext, rec)
		},
	})
}

func (j *Journal) RecordTrade(t db.Trade) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	j.writer.Write(WriteOp{
		Table: "trades",
		Apply: func(ctx context.Context, ext sqlx.ExtContext) error {
			return db.InsertTrade(ctx, ext, t)
		},
	})
}

// Flush forces buffered records to the database.
func (j *Journal) Flush(ctx context.Context) error {
	return j.writer.Flush(ctx)
}

// Memory keeps records in process; used by dry runs without a database and by tests.
type Memory struct {
	mu         sync.Mutex
	executions []db.ExecutionLog
	trades     []db.Trade
}

var _ Recorder = (*Memory)(nil)

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) RecordExecution(rec db.ExecutionLog) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.executions = append(m.executions, rec)
	m.mu.Unlock()
}

func (m *Memory) RecordTrade(t db.Trade) {
	m.mu.Lock()
	m.trades = append(m.trades, t)
	m.mu.Unlock()
}

// Executions returns a copy of the recorded outcomes, oldest first.
func (m *Memory) Executions() []db.ExecutionLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]db.ExecutionLog(nil), m.executions...)
}

// Trades returns a copy of the recorded trades, oldest first.
func (m *Memory) Trades() []db.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]db.Trade(nil), m.trades...)
}
