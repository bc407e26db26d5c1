package source

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"invoker/internal/invoker/model"
	pkgerrors "invoker/pkg/errors"
	"invoker/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultReadIdle  = 30 * time.Second
	defaultWriteIdle = time.Second
)

// OutboundKind tags a line written by the stream source.
type OutboundKind string

const (
	KindLiveStatusUpdate OutboundKind = "live_status_update"
	KindOutcomeHeader    OutboundKind = "outcome_header"
	KindFinished         OutboundKind = "finished"
)

// OutboundMessage is one line of the outbound channel.
type OutboundMessage struct {
	Kind             OutboundKind                 `json:"kind"`
	InvocationID     uuid.UUID                    `json:"invocation_id"`
	LiveStatusUpdate *model.LiveStatusUpdate      `json:"live_status_update,omitempty"`
	OutcomeHeader    *model.InvokeOutcomeHeader   `json:"outcome_header,omitempty"`
	Reason           model.InvocationFinishReason `json:"reason,omitempty"`
}

// StreamSource reads one JSON task per line from in and writes one JSON
// message per line to out.
type StreamSource struct {
	in  io.Reader
	out io.Writer

	// ReadIdle is the pause after the input reaches EOF.
	ReadIdle time.Duration
	// WriteIdle is the pause when there is nothing to write.
	WriteIdle time.Duration

	mu      sync.Mutex
	tasks   []model.InvokeTask
	outbox  []OutboundMessage
	pending map[uuid.UUID]struct{}
	active  map[uuid.UUID]struct{}
}

// NewStreamSource creates a stream source. Call Run to start its loops.
func NewStreamSource(in io.Reader, out io.Writer) *StreamSource {
	return &StreamSource{
		in:        in,
		out:       out,
		ReadIdle:  defaultReadIdle,
		WriteIdle: defaultWriteIdle,
		pending:   make(map[uuid.UUID]struct{}),
		active:    make(map[uuid.UUID]struct{}),
	}
}

// Run drives the reader and writer loops until ctx is done. Queued outbound
// messages are flushed before it returns. A reader blocked inside Read is
// abandoned.
func (s *StreamSource) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		done := make(chan struct{})
		go func() {
			defer close(done)
			s.readLoop(gctx)
		}()
		select {
		case <-gctx.Done():
		case <-done:
		}
		return nil
	})
	g.Go(func() error {
		s.writeLoop(gctx)
		return nil
	})
	return g.Wait()
}

func (s *StreamSource) readLoop(ctx context.Context) {
	reader := bufio.NewReader(s.in)
	for ctx.Err() == nil {
		line, err := reader.ReadString('\n')
		if strings.TrimSpace(line) != "" {
			if perr := s.handleLine(line); perr != nil {
				logger.Warn(ctx, "skip unparseable task line", zap.Error(perr))
			}
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			logger.Warn(ctx, "read task line failed", zap.Error(err))
		}
		if !sleepCtx(ctx, s.ReadIdle) {
			return
		}
	}
}

func (s *StreamSource) handleLine(line string) error {
	var task model.InvokeTask
	if err := json.Unmarshal([]byte(line), &task); err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.TaskDecodeFailed, "decode invoke task")
	}
	return s.AddTask(task)
}

// AddTask queues a task as if it had been read from the input.
func (s *StreamSource) AddTask(task model.InvokeTask) error {
	if task.InvocationID == uuid.Nil {
		return pkgerrors.New(pkgerrors.TaskDecodeFailed).WithMessage("invocation_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[task.InvocationID]; ok {
		return pkgerrors.Newf(pkgerrors.TaskDecodeFailed, "invocation %s is already queued", task.InvocationID)
	}
	if _, ok := s.active[task.InvocationID]; ok {
		return pkgerrors.Newf(pkgerrors.TaskDecodeFailed, "invocation %s is already running", task.InvocationID)
	}
	s.pending[task.InvocationID] = struct{}{}
	s.tasks = append(s.tasks, task)
	return nil
}

func (s *StreamSource) writeLoop(ctx context.Context) {
	w := bufio.NewWriter(s.out)
	for {
		msg, ok := s.popMessage()
		if !ok {
			if !sleepCtx(ctx, s.WriteIdle) {
				s.flushRemaining(w)
				return
			}
			continue
		}
		if err := writeMessage(w, msg); err != nil {
			logger.Error(ctx, "write outbound message failed", zap.String("kind", string(msg.Kind)), zap.Error(err))
		}
	}
}

func (s *StreamSource) flushRemaining(w *bufio.Writer) {
	for {
		msg, ok := s.popMessage()
		if !ok {
			return
		}
		if err := writeMessage(w, msg); err != nil {
			logger.Error(context.Background(), "write outbound message failed", zap.String("kind", string(msg.Kind)), zap.Error(err))
			return
		}
	}
}

func writeMessage(w *bufio.Writer, msg OutboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Flush()
}

func (s *StreamSource) popMessage() (OutboundMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outbox) == 0 {
		return OutboundMessage{}, false
	}
	msg := s.outbox[0]
	s.outbox[0] = OutboundMessage{}
	s.outbox = s.outbox[1:]
	return msg, true
}

func (s *StreamSource) LoadTasks(_ context.Context, max int) ([]model.InvokeTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max <= 0 || len(s.tasks) == 0 {
		return nil, nil
	}
	n := max
	if n > len(s.tasks) {
		n = len(s.tasks)
	}
	out := make([]model.InvokeTask, n)
	copy(out, s.tasks[:n])
	s.tasks = s.tasks[n:]
	for _, task := range out {
		delete(s.pending, task.InvocationID)
		s.active[task.InvocationID] = struct{}{}
	}
	return out, nil
}

func (s *StreamSource) SetFinished(_ context.Context, invocationID uuid.UUID, reason model.InvocationFinishReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[invocationID]; !ok {
		return notFound(invocationID)
	}
	delete(s.active, invocationID)
	s.outbox = append(s.outbox, OutboundMessage{Kind: KindFinished, InvocationID: invocationID, Reason: reason})
	return nil
}

func (s *StreamSource) AddOutcomeHeader(_ context.Context, invocationID uuid.UUID, header model.InvokeOutcomeHeader) error {
	return s.enqueue(OutboundMessage{Kind: KindOutcomeHeader, InvocationID: invocationID, OutcomeHeader: &header})
}

func (s *StreamSource) DeliverLiveStatusUpdate(_ context.Context, invocationID uuid.UUID, update model.LiveStatusUpdate) error {
	return s.enqueue(OutboundMessage{Kind: KindLiveStatusUpdate, InvocationID: invocationID, LiveStatusUpdate: &update})
}

func (s *StreamSource) enqueue(msg OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[msg.InvocationID]; !ok {
		return notFound(msg.InvocationID)
	}
	s.outbox = append(s.outbox, msg)
	return nil
}

func notFound(id uuid.UUID) error {
	return pkgerrors.Newf(pkgerrors.InvocationNotFound, "invocation %s not found", id)
}

var _ TaskSource = (*StreamSource)(nil)
