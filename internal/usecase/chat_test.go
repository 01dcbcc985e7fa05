package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lead-relay/internal/domain"
	"lead-relay/internal/forward"
	"lead-relay/internal/lock"
)

var (
	_ Locker    = (*lock.Local)(nil)
	_ Locker    = (*lock.Redis)(nil)
	_ Forwarder = (*forward.CRM)(nil)
	_ Forwarder = (*forward.Sheet)(nil)
	_ Forwarder = (*forward.Ledger)(nil)
	_ Forwarder = (*forward.Event)(nil)
	_ Forwarder = (*forward.Noop)(nil)
)

type statusErr int

func (e statusErr) Error() string       { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatusCode() int { return int(e) }

type fakeAssistant struct {
	mu sync.Mutex

	threadSeq     int
	createThreads int
	createErr     error
	addErrs       map[string]error
	added         []string
	runErr        error
	statuses      []domain.RunStatus
	getRunCalls   int
	getRunErr     error
	cancelled     []string
	replies       map[string]string
	listErr       error
	runsCreated   int
}

func newFakeAssistant(statuses ...domain.RunStatus) *fakeAssistant {
	return &fakeAssistant{
		statuses: statuses,
		addErrs:  map[string]error{},
		replies:  map[string]string{},
	}
}

func (f *fakeAssistant) CreateThread(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createThreads++
	if f.createErr != nil {
		return "", f.createErr
	}
	f.threadSeq++
	return fmt.Sprintf("thread_%d", f.threadSeq), nil
}

func (f *fakeAssistant) AddMessage(_ context.Context, threadID string, _ domain.Role, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.addErrs[threadID]; err != nil {
		return err
	}
	f.added = append(f.added, threadID+":"+content)
	return nil
}

func (f *fakeAssistant) CreateRun(_ context.Context, threadID, assistantID string) (domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return domain.Run{}, f.runErr
	}
	f.runsCreated++
	return domain.Run{ID: fmt.Sprintf("run_%d", f.runsCreated), ThreadID: threadID, Status: domain.RunQueued}, nil
}

func (f *fakeAssistant) GetRun(ctx context.Context, threadID, runID string) (domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getRunCalls++
	if f.getRunErr != nil {
		return domain.Run{}, f.getRunErr
	}
	status := domain.RunInProgress
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
	}
	return domain.Run{ID: runID, ThreadID: threadID, Status: status, LastError: "server_error: boom"}, nil
}

func (f *fakeAssistant) CancelRun(ctx context.Context, threadID, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func (f *fakeAssistant) ListMessages(_ context.Context, threadID string) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	reply, ok := f.replies[threadID]
	if !ok {
		reply = "Hello from the assistant"
	}
	return []domain.Message{
		{ID: "msg_2", Role: domain.RoleAssistant, Text: reply, RunID: fmt.Sprintf("run_%d", f.runsCreated)},
		{ID: "msg_1", Role: domain.RoleUser, Text: "I need 500 units, jane@acme.com"},
	}, nil
}

type fakeForwarder struct {
	mu       sync.Mutex
	handoffs []domain.Handoff
	err      error
	block    chan struct{}
}

func (f *fakeForwarder) Forward(ctx context.Context, h domain.Handoff) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handoffs = append(f.handoffs, h)
	return f.err
}

func (f *fakeForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handoffs)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{
		AssistantID:  "asst_1",
		PollInterval: time.Millisecond,
		PollTimeout:  time.Second,
	}
}

func newTestService(t *testing.T, a AssistantClient, f Forwarder, opts Options) *ChatService {
	t.Helper()
	svc, err := NewChatService(a, lock.NewLocal(), NewPayloadDetector(""), f, discardLogger(), opts)
	require.NoError(t, err)
	return svc
}

func requireCode(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	require.Error(t, err)
	var ue *Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, code, ue.Code)
	if reason != "" {
		require.Equal(t, reason, ue.Reason)
	}
}

func TestNewChatService_Validates(t *testing.T) {
	a := newFakeAssistant()
	f := &fakeForwarder{}
	d := NewPayloadDetector("")
	l := lock.NewLocal()

	_, err := NewChatService(nil, l, d, f, nil, testOptions())
	require.Error(t, err)
	_, err = NewChatService(a, nil, d, f, nil, testOptions())
	require.Error(t, err)
	_, err = NewChatService(a, l, nil, f, nil, testOptions())
	require.Error(t, err)
	_, err = NewChatService(a, l, d, nil, nil, testOptions())
	require.Error(t, err)
	_, err = NewChatService(a, l, d, f, nil, Options{AssistantID: " "})
	require.Error(t, err)

	svc, err := NewChatService(a, l, d, f, nil, Options{AssistantID: "asst_1"})
	require.NoError(t, err)
	require.Equal(t, defaultPollInterval, svc.opts.PollInterval)
	require.Equal(t, defaultPollTimeout, svc.opts.PollTimeout)
	require.Equal(t, defaultMaxMessage, svc.opts.MaxMessageLen)
}

func TestSubmitTurn_PollsUntilCompleted(t *testing.T) {
	a := newFakeAssistant(domain.RunQueued, domain.RunInProgress, domain.RunInProgress, domain.RunCompleted)
	svc := newTestService(t, a, &fakeForwarder{}, testOptions())

	out, err := svc.SubmitTurn(context.Background(), TurnInput{Message: "  Hi, I need 500 units  ", ThreadID: "thread_x"})
	require.NoError(t, err)
	require.Equal(t, "Hello from the assistant", out.Reply)
	require.Equal(t, "thread_x", out.ThreadID)
	require.Equal(t, 4, a.getRunCalls)
	require.Equal(t, 0, a.createThreads)
	require.Equal(t, []string{"thread_x:Hi, I need 500 units"}, a.added)
}

func TestSubmitTurn_CreatesThreadOnce(t *testing.T) {
	a := newFakeAssistant(domain.RunCompleted)
	svc := newTestService(t, a, &fakeForwarder{}, testOptions())

	out, err := svc.SubmitTurn(context.Background(), TurnInput{Message: "hello"})
	require.NoError(t, err)
	require.Equal(t, "thread_1", out.ThreadID)
	require.Equal(t, 1, a.createThreads)
}

func TestSubmitTurn_InvalidInput(t *testing.T) {
	a := newFakeAssistant(domain.RunCompleted)
	opts := testOptions()
	opts.MaxMessageLen = 10
	svc := newTestService(t, a, &fakeForwarder{}, opts)

	_, err := svc.SubmitTurn(context.Background(), TurnInput{Message: "   "})
	requireCode(t, err, ErrorInvalidInput, "empty_message")

	_, err = svc.SubmitTurn(context.Background(), TurnInput{Message: "this is far too long"})
	requireCode(t, err, ErrorInvalidInput, "message_too_long")

	require.Zero(t, a.createThreads)
}

func TestSubmitTurn_MessageLengthCountsCharacters(t *testing.T) {
	a := newFakeAssistant(domain.RunCompleted)
	opts := testOptions()
	opts.MaxMessageLen = 5
	svc := newTestService(t, a, &fakeForwarder{}, opts)

	_, err := svc.SubmitTurn(context.Background(), TurnInput{Message: "héllo", ThreadID: "thread_x"})
	require.NoError(t, err)

	_, err = svc.SubmitTurn(context.Background(), TurnInput{Message: "héllo!", ThreadID: "thread_x"})
	requireCode(t, err, ErrorInvalidInput, "message_too_long")
	require.Equal(t, []string{"thread_x:héllo"}, a.added)
}

func TestSubmitTurn_RunFailureStatuses(t *testing.T) {
	for _, status := range []domain.RunStatus{domain.RunFailed, domain.RunCancelled, domain.RunExpired, domain.RunIncomplete, domain.RunRequiresAction} {
		t.Run(string(status), func(t *testing.T) {
			a := newFakeAssistant(domain.RunQueued, status)
			svc := newTestService(t, a, &fakeForwarder{}, testOptions())

			_, err := svc.SubmitTurn(context.Background(), TurnInput{Message: "hi", ThreadID: "thread_x"})
			requireCode(t, err, ErrorRunFailed, "run_"+string(status))
			require.Equal(t, 2, a.getRunCalls)
			require.Empty(t, a.cancelled)
		})
	}
}

func TestSubmitTurn_TimeoutCancelsRun(t *testing.T) {
	a := newFakeAssistant(domain.RunInProgress)
	opts := testOptions()
	opts.PollInterval = 5 * time.Millisecond
	opts.PollTimeout = 40 * time.Millisecond
	svc := newTestService(t, a, &fakeForwarder{}, opts)

	_, err := svc.SubmitTurn(context.Background(), TurnInput{Message: "hi", ThreadID: "thread_x"})
	requireCode(t, err, ErrorRunTimeout, "poll_timeout")
	require.Equal(t, []string{"run_1"}, a.cancelled)
	require.Greater(t, a.getRunCalls, 1)
}

func TestSubmitTurn_RequestCancelled(t *testing.T) {
	a := newFakeAssistant(domain.RunInProgress)
	opts := testOptions()
	opts.PollTimeout = time.Minute
	svc := newTestService(t, a, &fakeForwarder{}, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := svc.SubmitTurn(ctx, TurnInput{Message: "hi", ThreadID: "thread_x"})
	requireCode(t, err, ErrorInternal, "request_cancelled")
	require.Equal(t, []string{"run_1"}, a.cancelled, "cancel must run on a detached context")
}

func TestSubmitTurn_UnknownThreadStartsNewOne(t *testing.T) {
	a := newFakeAssistant(domain.RunCompleted)
	a.addErrs["thread_gone"] = statusErr(http.StatusNotFound)
	svc := newTestService(t, a, &fakeForwarder{}, testOptions())

	out, err := svc.SubmitTurn(context.Background(), TurnInput{Message: "hi", ThreadID: "thread_gone"})
	require.NoError(t, err)
	require.Equal(t, "thread_1", out.ThreadID)
	require.Equal(t, 1, a.createThreads)
	require.Equal(t, []string{"thread_1:hi"}, a.added)
}

func TestSubmitTurn_UpstreamErrors(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(a *fakeAssistant)
		code   ErrorCode
		reason string
	}{
		{name: "add message", setup: func(a *fakeAssistant) { a.addErrs["thread_x"] = statusErr(http.StatusBadRequest) }, code: ErrorUpstream, reason: "add_message"},
		{name: "rate limited", setup: func(a *fakeAssistant) { a.runErr = statusErr(http.StatusTooManyRequests) }, code: ErrorRateLimited, reason: "create_run_rate_limited"},
		{name: "get run", setup: func(a *fakeAssistant) { a.getRunErr = errors.New("connection reset") }, code: ErrorUpstream, reason: "get_run"},
		{name: "list messages", setup: func(a *fakeAssistant) { a.listErr = statusErr(http.StatusInternalServerError) }, code: ErrorUpstream, reason: "list_messages"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newFakeAssistant(domain.RunCompleted)
			tc.setup(a)
			svc := newTestService(t, a, &fakeForwarder{}, testOptions())

			_, err := svc.SubmitTurn(context.Background(), TurnInput{Message: "hi", ThreadID: "thread_x"})
			requireCode(t, err, tc.code, tc.reason)
		})
	}
}

func TestSubmitTurn_ForwardsQualifiedLead(t *testing.T) {
	a := newFakeAssistant(domain.RunCompleted)
	a.replies["thread_x"] = "Thanks, we'll be in touch.\nLEAD_DATA: {\"name\":\"Jane\",\"email\":\"jane@acme.com\"}"
	f := &fakeForwarder{}
	svc := newTestService(t, a, f, testOptions())
	fixed := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	out, err := svc.SubmitTurn(context.Background(), TurnInput{Message: "jane@acme.com", ThreadID: "thread_x"})
	require.NoError(t, err)
	require.Equal(t, "Thanks, we'll be in touch.", out.Reply)

	require.Equal(t, 1, f.count())
	h := f.handoffs[0]
	require.Equal(t, "thread_x", h.ThreadID)
	require.Equal(t, "Jane", h.Lead.Name)
	require.Equal(t, "jane@acme.com", h.Lead.Email)
	require.Equal(t, fixed, h.QualifiedAt)
	require.Len(t, h.Transcript, 2)
	require.Equal(t, domain.RoleUser, h.Transcript[0].Role)
}

func TestSubmitTurn_NoLeadNoForward(t *testing.T) {
	a := newFakeAssistant(domain.RunCompleted)
	f := &fakeForwarder{}
	svc := newTestService(t, a, f, testOptions())

	_, err := svc.SubmitTurn(context.Background(), TurnInput{Message: "hi", ThreadID: "thread_x"})
	require.NoError(t, err)
	require.Zero(t, f.count())
}

func TestSubmitTurn_ForwardErrorDoesNotFailTurn(t *testing.T) {
	for _, ferr := range []error{errors.New("crm down"), forward.ErrMissingEmail} {
		a := newFakeAssistant(domain.RunCompleted)
		a.replies["thread_x"] = "Bye\nLEAD_DATA: {}"
		f := &fakeForwarder{err: ferr}
		svc := newTestService(t, a, f, testOptions())

		out, err := svc.SubmitTurn(context.Background(), TurnInput{Message: "hi", ThreadID: "thread_x"})
		require.NoError(t, err)
		require.Equal(t, "Bye", out.Reply)
		require.Equal(t, 1, f.count())
	}
}

func TestSubmitTurn_AsyncForward(t *testing.T) {
	a := newFakeAssistant(domain.RunCompleted)
	a.replies["thread_x"] = "Bye\nLEAD_DATA: {\"email\":\"jane@acme.com\"}"
	f := &fakeForwarder{block: make(chan struct{})}
	opts := testOptions()
	opts.ForwardAsync = true
	svc := newTestService(t, a, f, opts)

	ctx, cancel := context.WithCancel(context.Background())
	out, err := svc.SubmitTurn(ctx, TurnInput{Message: "hi", ThreadID: "thread_x"})
	cancel()
	require.NoError(t, err)
	require.Equal(t, "Bye", out.Reply)
	require.Zero(t, f.count(), "forward must not block the reply")

	close(f.block)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.NoError(t, svc.Wait(waitCtx))
	require.Equal(t, 1, f.count())
}

func TestSubmitTurn_SerialisesSameThread(t *testing.T) {
	a := newFakeAssistant(domain.RunInProgress, domain.RunCompleted)
	inFlight := &gatedAssistant{fakeAssistant: a}
	svc := newTestService(t, inFlight, &fakeForwarder{}, testOptions())

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SubmitTurn(context.Background(), TurnInput{Message: "hi", ThreadID: "thread_x"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, inFlight.maxActive)
}

func TestSubmitTurn_GivesUpWaitingForBusyThread(t *testing.T) {
	a := newFakeAssistant(domain.RunCompleted)
	locker := lock.NewLocal()
	opts := testOptions()
	opts.LockWait = 20 * time.Millisecond
	svc, err := NewChatService(a, locker, NewPayloadDetector(""), &fakeForwarder{}, discardLogger(), opts)
	require.NoError(t, err)

	unlock, err := locker.Lock(context.Background(), "thread_x")
	require.NoError(t, err)

	_, err = svc.SubmitTurn(context.Background(), TurnInput{Message: "hi", ThreadID: "thread_x"})
	requireCode(t, err, ErrorRunTimeout, "thread_lock_timeout")
	require.Empty(t, a.added)

	unlock()
	out, err := svc.SubmitTurn(context.Background(), TurnInput{Message: "hi", ThreadID: "thread_x"})
	require.NoError(t, err)
	require.Equal(t, "thread_x", out.ThreadID)
}

func TestChatService_TurnTimeout(t *testing.T) {
	svc := newTestService(t, newFakeAssistant(), &fakeForwarder{}, Options{AssistantID: "asst_1"})
	require.Equal(t, 90*time.Second, svc.opts.LockWait)
	require.Equal(t, 90*time.Second+60*time.Second+30*time.Second+upstreamAllowance, svc.TurnTimeout())

	opts := testOptions()
	opts.LockWait = 5 * time.Second
	opts.ForwardTimeout = 10 * time.Second
	svc = newTestService(t, newFakeAssistant(), &fakeForwarder{}, opts)
	require.Equal(t, 5*time.Second+time.Second+10*time.Second+upstreamAllowance, svc.TurnTimeout())
	require.Greater(t, svc.TurnTimeout(), opts.LockWait+opts.PollTimeout+opts.ForwardTimeout)
}

// gatedAssistant records how many turns are between AddMessage and
// ListMessages on the same thread at once.
type gatedAssistant struct {
	*fakeAssistant
	gate      sync.Mutex
	active    int
	maxActive int
}

func (g *gatedAssistant) AddMessage(ctx context.Context, threadID string, role domain.Role, content string) error {
	g.gate.Lock()
	g.active++
	if g.active > g.maxActive {
		g.maxActive = g.active
	}
	g.gate.Unlock()
	return g.fakeAssistant.AddMessage(ctx, threadID, role, content)
}

func (g *gatedAssistant) ListMessages(ctx context.Context, threadID string) ([]domain.Message, error) {
	time.Sleep(2 * time.Millisecond)
	g.gate.Lock()
	g.active--
	g.gate.Unlock()
	return g.fakeAssistant.ListMessages(ctx, threadID)
}

func TestStartConversation(t *testing.T) {
	a := newFakeAssistant(domain.RunCompleted)
	svc := newTestService(t, a, &fakeForwarder{}, testOptions())

	out, err := svc.StartConversation(context.Background())
	require.NoError(t, err)
	require.Equal(t, StartOutput{ThreadID: "thread_1"}, out)
	require.Zero(t, a.runsCreated)
}

func TestStartConversation_Greeting(t *testing.T) {
	a := newFakeAssistant(domain.RunQueued, domain.RunCompleted)
	a.replies["thread_1"] = "Hi! What are you sourcing today?"
	opts := testOptions()
	opts.Greeting = true
	svc := newTestService(t, a, &fakeForwarder{}, opts)

	out, err := svc.StartConversation(context.Background())
	require.NoError(t, err)
	require.Equal(t, "thread_1", out.ThreadID)
	require.Equal(t, "Hi! What are you sourcing today?", out.Greeting)
	require.Equal(t, 2, a.getRunCalls)
}

func TestStartConversation_CreateFails(t *testing.T) {
	a := newFakeAssistant()
	a.createErr = statusErr(http.StatusUnauthorized)
	svc := newTestService(t, a, &fakeForwarder{}, testOptions())

	_, err := svc.StartConversation(context.Background())
	requireCode(t, err, ErrorUpstream, "create_thread")
}
