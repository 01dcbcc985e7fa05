package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"lead-relay/internal/domain"
	"lead-relay/internal/forward"
)

const (
	defaultPollInterval   = time.Second
	defaultPollTimeout    = 60 * time.Second
	defaultMaxMessage     = 4000
	defaultForwardTimeout = 30 * time.Second
	cancelRunTimeout      = 5 * time.Second

	// upstreamAllowance covers the thread, message and list calls made
	// outside polling and forwarding.
	upstreamAllowance = 30 * time.Second
)

type AssistantClient interface {
	CreateThread(ctx context.Context) (string, error)
	AddMessage(ctx context.Context, threadID string, role domain.Role, content string) error
	CreateRun(ctx context.Context, threadID, assistantID string) (domain.Run, error)
	GetRun(ctx context.Context, threadID, runID string) (domain.Run, error)
	CancelRun(ctx context.Context, threadID, runID string) error
	ListMessages(ctx context.Context, threadID string) ([]domain.Message, error)
}

// Locker grants exclusive access to a key until the returned unlock func runs.
// lock.Local and lock.Redis implement it.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Forwarder delivers a qualified lead. The implementations live in package forward.
type Forwarder interface {
	Forward(ctx context.Context, h domain.Handoff) error
}

// Options tune ChatService. Zero values select the defaults.
type Options struct {
	AssistantID    string
	PollInterval   time.Duration
	PollTimeout    time.Duration
	MaxMessageLen  int
	Greeting       bool
	ForwardAsync   bool
	ForwardTimeout time.Duration
	// LockWait bounds how long a turn queues behind another turn on the
	// same thread. Defaults to PollTimeout plus ForwardTimeout.
	LockWait time.Duration
}

type ChatService struct {
	assistant AssistantClient
	locker    Locker
	detector  LeadDetector
	forwarder Forwarder
	logger    *slog.Logger
	opts      Options
	now       func() time.Time

	forwards sync.WaitGroup
}

type TurnInput struct {
	Message  string
	ThreadID string
}

type TurnOutput struct {
	Reply    string
	ThreadID string
}

type StartOutput struct {
	ThreadID string
	Greeting string
}

func NewChatService(a AssistantClient, l Locker, d LeadDetector, f Forwarder, logger *slog.Logger, opts Options) (*ChatService, error) {
	if a == nil {
		return nil, errors.New("usecase: assistant client must not be nil")
	}
	if l == nil {
		return nil, errors.New("usecase: locker must not be nil")
	}
	if d == nil {
		return nil, errors.New("usecase: lead detector must not be nil")
	}
	if f == nil {
		return nil, errors.New("usecase: forwarder must not be nil")
	}
	opts.AssistantID = strings.TrimSpace(opts.AssistantID)
	if opts.AssistantID == "" {
		return nil, errors.New("usecase: assistant id must not be empty")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}
	if opts.MaxMessageLen <= 0 {
		opts.MaxMessageLen = defaultMaxMessage
	}
	if opts.ForwardTimeout <= 0 {
		opts.ForwardTimeout = defaultForwardTimeout
	}
	if opts.LockWait <= 0 {
		opts.LockWait = opts.PollTimeout + opts.ForwardTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		assistant: a,
		locker:    l,
		detector:  d,
		forwarder: f,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}, nil
}

// TurnTimeout is the longest SubmitTurn may take: waiting for the thread,
// polling the run and a synchronous forward, plus the remaining upstream calls.
func (s *ChatService) TurnTimeout() time.Duration {
	return s.opts.LockWait + s.opts.PollTimeout + s.opts.ForwardTimeout + upstreamAllowance
}

// StartConversation creates a thread. In greeting mode the assistant also runs
// once on the empty thread and its first message is returned.
func (s *ChatService) StartConversation(ctx context.Context) (StartOutput, error) {
	threadID, err := s.assistant.CreateThread(ctx)
	if err != nil {
		return StartOutput{}, upstreamError("create_thread", err)
	}
	out := StartOutput{ThreadID: threadID}
	if !s.opts.Greeting {
		return out, nil
	}

	reply, _, err := s.runAssistant(ctx, threadID)
	if err != nil {
		return StartOutput{}, err
	}
	out.Greeting = reply.Text
	return out, nil
}

// SubmitTurn appends the user's message, waits for the assistant's reply and
// forwards the conversation when the reply qualifies it as a lead.
func (s *ChatService) SubmitTurn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(message) > s.opts.MaxMessageLen {
		return TurnOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, s.TurnTimeout())
	defer cancel()

	threadID := strings.TrimSpace(in.ThreadID)
	supplied := threadID != ""
	if !supplied {
		id, err := s.assistant.CreateThread(ctx)
		if err != nil {
			return TurnOutput{}, upstreamError("create_thread", err)
		}
		threadID = id
	}

	unlock, err := s.lockThread(ctx, threadID)
	if err != nil {
		return TurnOutput{}, err
	}
	defer unlock()

	err = s.assistant.AddMessage(ctx, threadID, domain.RoleUser, message)
	if supplied && isNotFound(err) {
		s.logger.Warn("thread not found upstream, starting a new one", "thread_id", threadID)
		if threadID, err = s.assistant.CreateThread(ctx); err != nil {
			return TurnOutput{}, upstreamError("create_thread", err)
		}
		err = s.assistant.AddMessage(ctx, threadID, domain.RoleUser, message)
	}
	if err != nil {
		return TurnOutput{}, upstreamError("add_message", err)
	}

	reply, transcript, err := s.runAssistant(ctx, threadID)
	if err != nil {
		return TurnOutput{}, err
	}

	det := s.detector.Detect(reply.Text, transcript)
	if det.Qualified {
		s.dispatchForward(ctx, domain.Handoff{
			ThreadID:    threadID,
			Lead:        det.Lead,
			Transcript:  transcript,
			QualifiedAt: s.now().UTC(),
		})
	}

	return TurnOutput{Reply: det.Reply, ThreadID: threadID}, nil
}

func (s *ChatService) lockThread(ctx context.Context, threadID string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.opts.LockWait)
	defer cancel()

	unlock, err := s.locker.Lock(lockCtx, threadID)
	switch {
	case err == nil:
		return unlock, nil
	case ctx.Err() != nil:
		return nil, newError(ErrorInternal, "request_cancelled", err)
	case lockCtx.Err() != nil:
		s.logger.Warn("gave up waiting for thread", "thread_id", threadID, "lock_wait", s.opts.LockWait)
		return nil, newError(ErrorRunTimeout, "thread_lock_timeout", err)
	default:
		return nil, newError(ErrorInternal, "thread_lock", err)
	}
}

// Wait blocks until detached forwards finish or ctx is done.
func (s *ChatService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.forwards.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runAssistant starts a run, waits for it and returns the reply it produced
// together with the chronological transcript.
func (s *ChatService) runAssistant(ctx context.Context, threadID string) (domain.Message, []domain.Message, error) {
	run, err := s.assistant.CreateRun(ctx, threadID, s.opts.AssistantID)
	if err != nil {
		return domain.Message{}, nil, upstreamError("create_run", err)
	}
	if run.ThreadID == "" {
		run.ThreadID = threadID
	}
	if run, err = s.waitForRun(ctx, run); err != nil {
		return domain.Message{}, nil, err
	}

	msgs, err := s.assistant.ListMessages(ctx, threadID)
	if err != nil {
		return domain.Message{}, nil, upstreamError("list_messages", err)
	}
	reply, ok := domain.LatestAssistant(msgs, run.ID)
	if !ok {
		return domain.Message{}, nil, newError(ErrorUpstream, "empty_reply", nil)
	}
	return reply, domain.Chronological(msgs), nil
}

// waitForRun reads the run status immediately and then every PollInterval
// until it completes, fails, or PollTimeout elapses.
func (s *ChatService) waitForRun(ctx context.Context, run domain.Run) (domain.Run, error) {
	pollCtx, cancel := context.WithTimeout(ctx, s.opts.PollTimeout)
	defer cancel()

	timer := time.NewTimer(s.opts.PollInterval)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		current, err := s.assistant.GetRun(pollCtx, run.ThreadID, run.ID)
		if err != nil {
			if pollCtx.Err() != nil {
				return domain.Run{}, s.abandonRun(ctx, run, attempt)
			}
			return domain.Run{}, upstreamError("get_run", err)
		}

		switch {
		case current.Status == domain.RunCompleted:
			s.logger.Debug("run completed", "thread_id", run.ThreadID, "run_id", run.ID, "polls", attempt)
			return current, nil
		case current.Status.Failed():
			return domain.Run{}, newError(ErrorRunFailed, "run_"+string(current.Status),
				fmt.Errorf("run %s: %s", run.ID, current.LastError))
		}

		if attempt > 1 {
			timer.Reset(s.opts.PollInterval)
		}
		select {
		case <-pollCtx.Done():
			return domain.Run{}, s.abandonRun(ctx, run, attempt)
		case <-timer.C:
		}
	}
}

// abandonRun cancels a run the relay stopped waiting for and reports why.
func (s *ChatService) abandonRun(ctx context.Context, run domain.Run, polls int) error {
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelRunTimeout)
	defer cancel()
	if err := s.assistant.CancelRun(cancelCtx, run.ThreadID, run.ID); err != nil {
		s.logger.Warn("failed to cancel abandoned run", "thread_id", run.ThreadID, "run_id", run.ID, "error", err)
	}

	if err := ctx.Err(); err != nil {
		return newError(ErrorInternal, "request_cancelled", err)
	}
	s.logger.Warn("run did not finish in time", "thread_id", run.ThreadID, "run_id", run.ID, "polls", polls, "timeout", s.opts.PollTimeout)
	return newError(ErrorRunTimeout, "poll_timeout", context.DeadlineExceeded)
}

func (s *ChatService) dispatchForward(ctx context.Context, h domain.Handoff) {
	s.logger.Info("lead qualified", "thread_id", h.ThreadID, "has_email", h.Lead.HasEmail())
	if !s.opts.ForwardAsync {
		fctx, cancel := context.WithTimeout(ctx, s.opts.ForwardTimeout)
		defer cancel()
		s.forward(fctx, h)
		return
	}

	s.forwards.Add(1)
	go func() {
		defer s.forwards.Done()
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ForwardTimeout)
		defer cancel()
		s.forward(fctx, h)
	}()
}

func (s *ChatService) forward(ctx context.Context, h domain.Handoff) {
	err := s.forwarder.Forward(ctx, h)
	switch {
	case err == nil:
		s.logger.Info("lead forwarded", "thread_id", h.ThreadID)
	case errors.Is(err, forward.ErrSkipped):
		s.logger.Info("lead forward skipped", "thread_id", h.ThreadID, "reason", err)
	default:
		s.logger.Error("lead forward failed", "thread_id", h.ThreadID, "error", err)
	}
}

func isNotFound(err error) bool {
	status, ok := upstreamStatusCode(err)
	return ok && status == http.StatusNotFound
}
