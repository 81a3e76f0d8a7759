package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/itiky/marketplace-sync/model"
	"github.com/itiky/marketplace-sync/storage"
)

// summarizeCmd is the input line requesting the conversation summary.
const summarizeCmd = "/summarize"

// Client is a chat participant of one conversation (proposal scope).
type Client struct {
	log *slog.Logger
	// Config
	senderId string         // participant ID
	scope    model.ScopeKey // conversation
	sendDur  time.Duration  // generated messages send period (0 to disable)
	printDur time.Duration  // view print period
	input    io.Reader      // optional message lines source
	output   io.Writer      // view destination
	// State
	backend    *RPCBackend
	monitor    *Monitor
	summarizer Summarizer
	session    *Session
	// View followed through the session list operations
	viewMu    sync.Mutex
	view      model.RecordList
	viewStale bool
	//
	stopCh chan struct{}
	doneCh chan struct{}
}

// String implements the stringer interface.
func (c *Client) String() string {
	return fmt.Sprintf("Client (%s)", c.senderId)
}

// Start opens the conversation session and starts the Client worker.
func (c *Client) Start(ctx context.Context) error {
	if c.stopCh != nil {
		return nil
	}

	session, err := Open(ctx, Deps{
		Log:      c.log,
		Writer:   c.backend,
		Source:   c.backend,
		Loader:   c.backend,
		Monitor:  c.monitor,
		OnChange: c.onChange,
	}, model.MessagesTable, c.scope)
	if err != nil {
		return fmt.Errorf("session open: %w", err)
	}
	c.session = session

	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.monitor.Start()
	go c.worker()

	return nil
}

// Stop stops the Client worker and closes the session.
func (c *Client) Stop() {
	if c.stopCh == nil {
		return
	}

	close(c.stopCh)
	<-c.doneCh
	c.session.Close()
	c.monitor.Stop()
	if err := c.backend.Close(); err != nil {
		c.log.Warn("RPC connection close", "error", err)
	}
}

// worker does the actual job.
func (c *Client) worker() {
	defer close(c.doneCh)

	c.log.Info("Client started", "sender_id", c.senderId, "scope", c.scope, "send_period", c.sendDur, "print_period", c.printDur)

	var sendCh <-chan time.Time
	if c.sendDur > 0 {
		sendTicker := time.NewTicker(c.sendDur)
		defer sendTicker.Stop()
		sendCh = sendTicker.C
	}
	printTicker := time.NewTicker(c.printDur)
	defer printTicker.Stop()

	linesCh := c.readLines()
	for {
		select {
		case line, ok := <-linesCh:
			if !ok {
				linesCh = nil
				continue
			}
			if line == summarizeCmd {
				c.summarize()
				continue
			}
			// Send a typed message
			c.send(line)
		case <-sendCh:
			// Send a generated message
			c.send(storage.MockPhrase())
		case <-printTicker.C:
			// Print the view
			c.print()
		case <-c.stopCh:
			// Stop the client
			c.log.Info("Client stopped", "sender_id", c.senderId)
			return
		}
	}
}

// send submits a message, the write result is logged once resolved.
func (c *Client) send(content string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

	handle, err := c.session.SendMessage(ctx, model.MessageDraft{
		ProposalID: c.scope,
		SenderID:   c.senderId,
		Content:    content,
	})
	if err != nil {
		cancel()
		c.log.Warn("Message rejected", "error", err)
		return
	}

	go func() {
		defer cancel()

		rec, err := handle.Wait(ctx)
		if err != nil {
			if failure, ok := model.AsWriteFailure(err); ok {
				c.log.Error("Message not sent, draft restored", "content", failure.Payload.String(model.FieldContent), "error", failure.Err)
				return
			}
			c.log.Error("Message send", "error", err)
			return
		}
		c.log.Debug("Message sent", "id", rec.Id)
	}()
}

// onChange replays the session list operations on the view.
func (c *Client) onChange(ops []model.ListOperation) {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()

	if c.viewStale {
		return
	}
	view, err := model.ApplyListOperations(c.view, ops...)
	if err != nil {
		c.log.Warn("View out of sync, reloading", "error", err)
		c.viewStale = true
		return
	}
	c.view = view
}

// currentView returns the view, a stale view is reloaded from the session snapshot.
func (c *Client) currentView() model.RecordList {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()

	if c.viewStale {
		c.view, c.viewStale = c.session.Snapshot(), false
	}

	return c.view
}

// summarize prints the conversation summary.
func (c *Client) summarize() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	summary, err := c.session.Summarize(ctx, c.summarizer)
	if err != nil {
		c.log.Warn("Conversation summary", "error", err)
		return
	}

	if _, err := fmt.Fprintf(c.output, "--- %s summary\n%s\n", c.scope, strings.TrimSpace(summary)); err != nil {
		c.log.Warn("Summary print", "error", err)
	}
}

// print renders the reconciled view.
func (c *Client) print() {
	snapshot := c.currentView()

	b := strings.Builder{}
	fmt.Fprintf(&b, "--- %s [%s] %d messages\n", c.scope, c.session.Status(), len(snapshot))
	for _, rec := range snapshot {
		mark := " "
		if rec.Pending {
			mark = "~"
		}
		fmt.Fprintf(&b, "%s %s %s: %s\n", mark, rec.CreatedAt.Format(time.TimeOnly), rec.Fields.String(model.FieldSenderID), rec.Fields.String(model.FieldContent))
	}

	if _, err := io.WriteString(c.output, b.String()); err != nil {
		c.log.Warn("View print", "error", err)
	}
}

// readLines streams non-empty input lines.
func (c *Client) readLines() <-chan string {
	if c.input == nil {
		return nil
	}

	linesCh := make(chan string)
	go func() {
		defer close(linesCh)

		scanner := bufio.NewScanner(c.input)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			select {
			case linesCh <- line:
			case <-c.stopCh:
				return
			}
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
			c.log.Warn("Input read", "error", err)
		}
	}()

	return linesCh
}

// NewClient creates a new Client object.
func NewClient(log *slog.Logger, backend *RPCBackend, monitor *Monitor, senderId string, scope model.ScopeKey, sendDur, printDur time.Duration, input io.Reader, output io.Writer) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("%s: nil", "backend")
	}
	if senderId == "" {
		return nil, fmt.Errorf("%s: empty", "senderId")
	}
	if scope == "" {
		return nil, fmt.Errorf("%s: empty", "scope")
	}
	if sendDur < 0 {
		return nil, fmt.Errorf("%s: must be GTE 0", "sendDur")
	}
	if printDur <= 0 {
		return nil, fmt.Errorf("%s: must be GT 0", "printDur")
	}
	if output == nil {
		return nil, fmt.Errorf("%s: nil", "output")
	}
	if monitor == nil {
		monitor = NewMonitor(log, 0)
	}

	return &Client{
		log:        log,
		senderId:   senderId,
		scope:      scope,
		sendDur:    sendDur,
		printDur:   printDur,
		input:      input,
		output:     output,
		backend:    backend,
		monitor:    monitor,
		summarizer: DigestSummarizer{},
	}, nil
}
