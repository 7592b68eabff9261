package call

import (
	"sync"
	"time"

	"github.com/LingByte/LingReach/internal/models"
	"github.com/LingByte/LingReach/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	recorderBuffer = 256
	recorderBatch  = 50
	recorderFlush  = 500 * time.Millisecond
)

// Recorder writes transcript turns to the audit table off the call path.
// A nil *Recorder drops everything.
type Recorder struct {
	db   *gorm.DB
	ch   chan models.TranscriptTurn
	done chan struct{}
	once sync.Once
}

func NewRecorder(db *gorm.DB) *Recorder {
	if db == nil {
		return nil
	}
	r := &Recorder{
		db:   db,
		ch:   make(chan models.TranscriptTurn, recorderBuffer),
		done: make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues a turn. When the buffer is full the turn is dropped.
func (r *Recorder) Record(turn models.TranscriptTurn) {
	if r == nil {
		return
	}
	defer func() {
		// 关闭后写入直接丢弃
		_ = recover()
	}()
	select {
	case r.ch <- turn:
	default:
		logger.Warn("transcript buffer full, dropping turn", zap.String("session_id", turn.SessionID))
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	ticker := time.NewTicker(recorderFlush)
	defer ticker.Stop()
	batch := make([]models.TranscriptTurn, 0, recorderBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := models.CreateTranscriptTurns(r.db, batch); err != nil {
			logger.Error("write transcript turns failed", zap.Int("count", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}
	for {
		select {
		case turn, ok := <-r.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, turn)
			if len(batch) >= recorderBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close flushes pending turns and stops the writer.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.once.Do(func() { close(r.ch) })
	<-r.done
}
