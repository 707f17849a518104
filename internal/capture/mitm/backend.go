package mitm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/yourorg/apirecorder/internal/archive"
	"github.com/yourorg/apirecorder/internal/capture"
	"github.com/yourorg/apirecorder/internal/har"
	"github.com/yourorg/apirecorder/internal/observability"
	"github.com/yourorg/apirecorder/pkg/types"
)

// BackendOptions configure the external-process backend.
type BackendOptions struct {
	// Host is where the child listens and where the port is probed.
	Host string
	Port int
	// Dir is the mailbox directory.
	Dir string
	// Command is the child command line. Arguments may use the placeholders
	// {port}, {capture_file}, {control_dir} and {script}.
	Command []string
	Script  string
	// Env is added to the inherited environment of the child.
	Env []string

	StartupGrace time.Duration
	StopTimeout  time.Duration
	Debounce     time.Duration
	ProbeTimeout time.Duration
	// Resync re-reads the capture file even without change notifications.
	Resync time.Duration

	EventBuffer int
	Logger      *slog.Logger
}

// Backend supervises the child process and turns its capture file into
// session entries.
type Backend struct {
	opts    BackendOptions
	box     Mailbox
	logger  *slog.Logger
	events  chan types.Event
	session *capture.Session

	// ctl serializes Start, Stop and orphan adoption.
	ctl sync.Mutex

	mu        sync.Mutex
	proc      *os.Process
	exited    chan struct{}
	running   bool
	stopping  bool
	adopted   bool
	port      int
	stopWatch context.CancelFunc
	watchDone chan struct{}

	ingestMu sync.Mutex
	gen      int
	seen     int
}

var _ capture.Backend = (*Backend)(nil)

func NewBackend(opts BackendOptions) *Backend {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.StartupGrace <= 0 {
		opts.StartupGrace = 2 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 150 * time.Millisecond
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 300 * time.Millisecond
	}
	if opts.Resync <= 0 {
		opts.Resync = time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	events := make(chan types.Event, opts.EventBuffer)
	return &Backend{
		opts:    opts,
		box:     Mailbox{Dir: opts.Dir},
		logger:  observability.OrDiscard(opts.Logger),
		events:  events,
		session: capture.NewSession(types.BackendMITM, events),
		port:    opts.Port,
	}
}

func (b *Backend) Kind() types.BackendKind    { return types.BackendMITM }
func (b *Backend) Events() <-chan types.Event { return b.events }

// Start spawns the child on the port given by target, or the configured
// port when target is empty.
func (b *Backend) Start(ctx context.Context, target string) (types.CaptureSession, error) {
	b.ctl.Lock()
	defer b.ctl.Unlock()
	if sess, ok := b.session.Snapshot(); ok && sess.Active() {
		return sess, nil
	}
	port, err := b.targetPort(target)
	if err != nil {
		return types.CaptureSession{}, err
	}
	addr := net.JoinHostPort(b.opts.Host, strconv.Itoa(port))
	sess, _ := b.session.Begin(addr)
	if err := b.launch(port); err != nil {
		failed := b.session.Fail(err)
		return failed, capture.NewLaunchError(types.BackendMITM, err)
	}
	b.logger.Info("capture process started", "addr", addr, "session", sess.ID)
	return sess, nil
}

func (b *Backend) targetPort(target string) (int, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return b.opts.Port, nil
	}
	if _, p, err := net.SplitHostPort(target); err == nil {
		target = p
	}
	port, err := strconv.Atoi(target)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("mitm: invalid port %q", target)
	}
	return port, nil
}

func (b *Backend) launch(port int) error {
	if len(b.opts.Command) == 0 {
		return errors.New("no capture command configured")
	}
	if err := os.MkdirAll(b.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create control dir: %w", err)
	}
	if err := b.box.ClearStale(); err != nil {
		b.logger.Warn("clear stale mailbox files", "err", err)
	}
	if b.portBound(port) {
		if err := b.killOrphan(port); err != nil {
			return err
		}
	}

	cmd := exec.Command(b.opts.Command[0], b.expandArgs(port)...)
	cmd.Env = append(os.Environ(), b.opts.Env...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", filepath.Base(b.opts.Command[0]), err)
	}
	if err := b.box.WritePid(cmd.Process.Pid); err != nil {
		b.logger.Warn("write pid file", "err", err)
	}
	exited := make(chan struct{})
	b.mu.Lock()
	b.proc, b.exited, b.running, b.stopping, b.adopted, b.port = cmd.Process, exited, false, false, false, port
	b.mu.Unlock()
	go b.wait(cmd, exited)

	if !b.waitForBind(port, exited) {
		b.box.RemovePid()
		return fmt.Errorf("capture process exited during startup")
	}
	b.resetCursor(0, 0)
	if err := b.startWatch(); err != nil {
		b.mu.Lock()
		b.stopping = true
		b.mu.Unlock()
		b.terminate(cmd.Process, exited)
		b.box.RemovePid()
		return err
	}
	b.mu.Lock()
	b.running = true
	b.mu.Unlock()
	select {
	case <-exited:
		b.stopWatching()
		b.box.RemovePid()
		return fmt.Errorf("capture process exited during startup")
	default:
	}
	return nil
}

func (b *Backend) expandArgs(port int) []string {
	r := strings.NewReplacer(
		"{port}", strconv.Itoa(port),
		"{capture_file}", b.box.CapturePath(),
		"{control_dir}", b.opts.Dir,
		"{script}", b.opts.Script,
	)
	args := make([]string, 0, len(b.opts.Command)-1)
	for _, a := range b.opts.Command[1:] {
		args = append(args, r.Replace(a))
	}
	return args
}

// waitForBind returns once the port answers or the grace period is over. It
// reports false when the child died first.
func (b *Backend) waitForBind(port int, exited <-chan struct{}) bool {
	deadline := time.Now().Add(b.opts.StartupGrace)
	for time.Now().Before(deadline) {
		select {
		case <-exited:
			return false
		default:
		}
		if b.portBound(port) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	select {
	case <-exited:
		return false
	default:
		return true
	}
}

func (b *Backend) portBound(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(b.opts.Host, strconv.Itoa(port)), b.opts.ProbeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// killOrphan terminates the process named in the pid file and waits for the
// port to free up.
func (b *Backend) killOrphan(port int) error {
	pid := b.box.ReadPid()
	if pid == 0 {
		return fmt.Errorf("port %d is in use by another process", port)
	}
	b.logger.Warn("terminating orphaned capture process", "pid", pid, "port", port)
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Signal(syscall.SIGTERM)
	}
	deadline := time.Now().Add(b.opts.StopTimeout)
	for time.Now().Before(deadline) {
		if !b.portBound(port) {
			b.box.RemovePid()
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("port %d is still in use after terminating pid %d", port, pid)
}

// wait reaps the child. An exit nobody asked for ends the session; during
// startup the launch itself reports it.
func (b *Backend) wait(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)
	b.mu.Lock()
	expected := b.stopping || !b.running
	if b.proc == cmd.Process {
		b.proc = nil
		b.running = false
	}
	b.mu.Unlock()
	if expected {
		return
	}
	reason := capture.ErrProcessLost.Error()
	if err != nil {
		reason += ": " + err.Error()
	}
	b.logger.Warn("capture process exited", "err", err)
	b.ingest()
	if _, ok := b.session.Lost(reason); ok {
		b.stopWatching()
		b.discard()
	}
}

// discard drops the mailbox state of a run that ended without Stop, so a
// later process on the same port is not mistaken for its orphan.
func (b *Backend) discard() {
	if err := b.box.RemoveCapture(); err != nil {
		b.logger.Warn("remove capture file", "err", err)
	}
	b.box.RemovePid()
}

// startWatch follows the capture file. Writes come as create-by-rename, so
// the directory is watched rather than the file.
func (b *Backend) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch control dir: %w", err)
	}
	if err := w.Add(b.opts.Dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch control dir: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.mu.Lock()
	b.stopWatch, b.watchDone = cancel, done
	b.mu.Unlock()
	go b.watchLoop(ctx, w, done)
	return nil
}

func (b *Backend) watchLoop(ctx context.Context, w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer w.Close()
	fire := make(chan struct{}, 1)
	var debounce *time.Timer
	resync := time.NewTicker(b.opts.Resync)
	defer resync.Stop()
	b.ingest()
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != CaptureFileName || !ev.Has(fsnotify.Create|fsnotify.Write) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(b.opts.Debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			b.logger.Debug("watch control dir", "err", err)
		case <-fire:
			b.ingest()
		case <-resync.C:
			b.ingest()
			if b.orphanGone(done) {
				return
			}
		}
	}
}

// orphanGone ends an adopted session once the orphan no longer holds its
// port. Nothing reaps an adopted process, so the port is the only signal.
func (b *Backend) orphanGone(done chan struct{}) bool {
	b.mu.Lock()
	adopted, port := b.adopted && !b.stopping, b.port
	b.mu.Unlock()
	if !adopted || b.portBound(port) {
		return false
	}
	b.mu.Lock()
	if !b.adopted || b.stopping {
		b.mu.Unlock()
		return false
	}
	b.adopted = false
	if b.watchDone == done {
		cancel := b.stopWatch
		b.stopWatch, b.watchDone = nil, nil
		defer cancel()
	}
	b.mu.Unlock()

	b.logger.Warn("orphaned capture process is gone", "port", port)
	b.ingest()
	if _, ok := b.session.Lost(capture.ErrProcessLost.Error() + ": port " + strconv.Itoa(port) + " released"); ok {
		b.discard()
	}
	return true
}

func (b *Backend) stopWatching() {
	b.mu.Lock()
	cancel, done := b.stopWatch, b.watchDone
	b.stopWatch, b.watchDone = nil, nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (b *Backend) resetCursor(gen, seen int) {
	b.ingestMu.Lock()
	b.gen, b.seen = gen, seen
	b.ingestMu.Unlock()
}

// ingest records the entries appended since the last read. Unreadable or
// half-written content means nothing new yet.
func (b *Backend) ingest() {
	b.ingestMu.Lock()
	defer b.ingestMu.Unlock()
	cf, err := b.box.ReadCapture()
	if err != nil {
		return
	}
	if cf.Generation != b.gen {
		b.gen, b.seen = cf.Generation, 0
	}
	total := cf.TotalRequests
	if total > len(cf.Log.Entries) {
		total = len(cf.Log.Entries)
	}
	if total < b.seen {
		b.seen = total
		return
	}
	for _, he := range cf.Log.Entries[b.seen:total] {
		b.session.Record(b.convert(he))
	}
	b.seen = total
}

// convert maps a child entry into the archive. An entry that does not
// convert is kept as an error entry so the count matches the child's.
func (b *Backend) convert(he har.Entry) types.ArchiveEntry {
	e, err := har.EntryToArchive(he)
	if err == nil {
		return e
	}
	b.logger.Debug("unreadable capture entry", "url", he.Request.URL, "err", err)
	return types.ArchiveEntry{
		ID:        archive.NewID(),
		StartedAt: time.Now().UTC(),
		Request: types.ArchiveRequest{
			Method:      he.Request.Method,
			URL:         he.Request.URL,
			Headers:     []types.Header{},
			QueryParams: archive.QueryParams(he.Request.URL),
		},
		Response: types.ArchiveResponse{
			Status:    he.Response.Status,
			Headers:   []types.Header{},
			ErrorText: "unreadable capture entry: " + err.Error(),
		},
		ResourceType: "other",
	}
}

// Pause flips the session at once and asks the child to follow.
func (b *Backend) Pause(ctx context.Context) (types.CaptureSession, error) {
	sess, err := b.session.Pause()
	if err != nil {
		return sess, err
	}
	b.signal(MarkerPause)
	return sess, nil
}

func (b *Backend) Resume(ctx context.Context) (types.CaptureSession, error) {
	sess, err := b.session.Resume()
	if err != nil {
		return sess, err
	}
	b.signal(MarkerResume)
	return sess, nil
}

func (b *Backend) Clear(ctx context.Context) (types.CaptureSession, error) {
	sess, err := b.session.Clear()
	if err != nil {
		return sess, err
	}
	b.signal(MarkerClear)
	return sess, nil
}

func (b *Backend) signal(k Marker) {
	if err := b.box.Signal(k); err != nil {
		b.logger.Warn("write control marker", "marker", k, "err", err)
	}
}

// Stop terminates the child gracefully, killing it after StopTimeout, and
// removes the mailbox files.
func (b *Backend) Stop(ctx context.Context) (*types.CaptureSession, []types.ArchiveEntry, error) {
	b.ctl.Lock()
	defer b.ctl.Unlock()
	b.ingest()
	sess, entries, ok := b.session.End()

	b.mu.Lock()
	b.stopping = true
	proc, exited, adopted, port := b.proc, b.exited, b.adopted, b.port
	b.adopted = false
	b.mu.Unlock()

	switch {
	case proc != nil:
		b.terminate(proc, exited)
	case adopted:
		if err := b.killOrphan(port); err != nil {
			b.logger.Warn("stop orphaned capture process", "err", err)
		}
	}
	b.stopWatching()
	if err := b.box.ClearStale(); err != nil {
		b.logger.Warn("remove mailbox files", "err", err)
	}
	b.box.RemovePid()
	b.resetCursor(0, 0)
	if !ok {
		return nil, nil, nil
	}
	return &sess, entries, nil
}

func (b *Backend) terminate(proc *os.Process, exited <-chan struct{}) {
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		_ = proc.Kill()
	}
	select {
	case <-exited:
	case <-time.After(b.opts.StopTimeout):
		b.logger.Warn("capture process ignored SIGTERM, killing", "pid", proc.Pid)
		_ = proc.Kill()
		<-exited
	}
}

// Status reports the live session. With no child of its own, a bound port
// and a readable capture file mean an orphan from an earlier run; it is
// adopted so the caller can reattach.
func (b *Backend) Status(ctx context.Context) (*types.CaptureSession, []types.ArchiveEntry, error) {
	if sess, entries := b.session.Current(); sess != nil {
		return sess, entries, nil
	}
	b.ctl.Lock()
	defer b.ctl.Unlock()
	b.mu.Lock()
	live, port := b.proc != nil, b.port
	b.mu.Unlock()
	if live || !b.portBound(port) {
		return nil, nil, nil
	}
	cf, err := b.box.ReadCapture()
	if err != nil {
		return nil, nil, nil
	}
	total := min(cf.TotalRequests, len(cf.Log.Entries))
	entries := make([]types.ArchiveEntry, 0, total)
	for _, he := range cf.Log.Entries[:total] {
		entries = append(entries, b.convert(he))
	}
	status := types.StatusRecording
	if cf.Paused {
		status = types.StatusPaused
	}
	recovered := types.CaptureSession{
		ID:        cf.SessionID,
		Target:    net.JoinHostPort(b.opts.Host, strconv.Itoa(port)),
		StartTime: cf.StartedAt,
		Status:    status,
	}
	sess, ok := b.session.Restore(recovered, entries)
	if !ok {
		return &sess, b.session.Entries(), nil
	}
	b.logger.Info("reattached to orphaned capture process", "port", port, "session", sess.ID)
	b.mu.Lock()
	b.adopted, b.stopping = true, false
	b.mu.Unlock()
	b.resetCursor(cf.Generation, total)
	if err := b.startWatch(); err != nil {
		b.logger.Warn("watch orphaned capture", "err", err)
	}
	return &sess, b.session.Entries(), nil
}
