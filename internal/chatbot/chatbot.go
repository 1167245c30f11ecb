package chatbot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"ForestChat/internal/backend"
	"ForestChat/internal/config"
	"ForestChat/internal/session"
	"ForestChat/internal/transcript"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	QuitSentinel   = "quit"
	PromptText     = "Enter your prompt text (or type 'quit' to exit): "
	EmptyInputText = "Please enter a prompt."
	SendingText    = "\nSending request for summary to Azure OpenAI endpoint...\n\n"
	ResponseLabel  = "Response: "
)

const maxLineSize = 1024 * 1024

// State is the position of the loop in its read/send cycle
type State int

const (
	StateAwaitingInput State = iota
	StateSending
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAwaitingInput:
		return "awaiting-input"
	case StateSending:
		return "sending"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ChatBot represents the main application
type ChatBot struct {
	settings   config.Settings
	client     backend.Completer
	transcript *transcript.Store
	logger     *slog.Logger
	tracer     trace.Tracer
	meter      metric.Meter
	turns      metric.Int64Counter
	session    *session.Session
	state      State
	in         io.Reader
	out        io.Writer
}

// Option configures a ChatBot
type Option func(*ChatBot)

// WithCompleter replaces the Azure OpenAI client
func WithCompleter(c backend.Completer) Option {
	return func(cb *ChatBot) { cb.client = c }
}

// WithLogger sets the structured logger
func WithLogger(l *slog.Logger) Option {
	return func(cb *ChatBot) { cb.logger = l }
}

// WithTelemetry sets the tracer and meter
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) Option {
	return func(cb *ChatBot) {
		cb.tracer = tracer
		cb.meter = meter
	}
}

// WithTranscript journals every completed turn to store
func WithTranscript(store *transcript.Store) Option {
	return func(cb *ChatBot) { cb.transcript = store }
}

// WithIO replaces stdin and stdout
func WithIO(in io.Reader, out io.Writer) Option {
	return func(cb *ChatBot) {
		cb.in = in
		cb.out = out
	}
}

// NewChatBot creates a new ChatBot instance
func NewChatBot(settings config.Settings, opts ...Option) (*ChatBot, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	cb := &ChatBot{
		settings: settings,
		logger:   slog.Default(),
		tracer:   tracenoop.NewTracerProvider().Tracer("forestchat"),
		meter:    metricnoop.NewMeterProvider().Meter("forestchat"),
		in:       os.Stdin,
		out:      os.Stdout,
	}
	for _, opt := range opts {
		opt(cb)
	}

	if cb.client == nil {
		client, err := backend.NewAzureClient(settings.Endpoint, settings.APIKey, settings.APIVersion,
			backend.WithLogger(cb.logger),
			backend.WithTelemetry(cb.tracer, cb.meter),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure OpenAI client: %w", err)
		}
		cb.client = client
	}

	turns, err := cb.meter.Int64Counter(
		"chat.turns",
		metric.WithDescription("Completed and failed conversation turns"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turn counter: %w", err)
	}
	cb.turns = turns

	cb.session = session.NewSession(settings.DeploymentName, settings.SystemMessage)
	cb.logger.Info("created new session", "session_id", cb.session.ID, "deployment", settings.DeploymentName)

	if cb.transcript != nil {
		if err := cb.transcript.RecordSession(context.Background(), cb.session); err != nil {
			return nil, fmt.Errorf("failed to record session: %w", err)
		}
	}

	return cb, nil
}

// Session returns the current session
func (cb *ChatBot) Session() *session.Session {
	return cb.session
}

// State returns the loop state
func (cb *ChatBot) State() State {
	return cb.state
}

// buildRequest snapshots the full history into a completion request
func (cb *ChatBot) buildRequest() backend.CompletionRequest {
	return backend.CompletionRequest{
		Messages:    cb.session.History.Messages(),
		MaxTokens:   cb.settings.MaxTokens,
		Temperature: cb.settings.Temperature,
		Deployment:  cb.settings.DeploymentName,
	}
}

// SendTurn appends the user message, asks the model for a reply over the
// whole history and records the reply. The call blocks until the remote
// service answers or fails.
func (cb *ChatBot) SendTurn(ctx context.Context, text string) (string, error) {
	ctx, span := cb.tracer.Start(ctx, "chat_turn", trace.WithAttributes(
		attribute.String("session_id", cb.session.ID),
	))
	defer span.End()

	cb.state = StateSending
	defer func() {
		if cb.state == StateSending {
			cb.state = StateAwaitingInput
		}
	}()

	if err := cb.session.History.AppendUser(text); err != nil {
		return "", err
	}
	seq := cb.session.History.Len() - 1

	req := cb.buildRequest()
	span.SetAttributes(
		attribute.Int("history_length", len(req.Messages)),
		attribute.String("history_digest", cb.session.History.Digest()),
	)

	completion, err := cb.client.Complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		cb.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		if cb.settings.ContinueOnError && cb.session.History.DiscardUnanswered() {
			cb.logger.Warn("discarded unanswered user message", "session_id", cb.session.ID, "seq", seq)
		}
		return "", fmt.Errorf("completion request failed: %w", err)
	}

	if err := cb.session.History.AppendAssistant(completion.Content); err != nil {
		return "", err
	}
	cb.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "completed")))

	cb.logger.Info("turn completed",
		"session_id", cb.session.ID,
		"turn", cb.session.History.Turns(),
		"history_length", cb.session.History.Len(),
	)

	if cb.transcript != nil {
		msgs := cb.session.History.Messages()
		if err := cb.transcript.RecordTurn(ctx, cb.session.ID, seq, msgs[seq], msgs[seq+1]); err != nil {
			cb.logger.Error("failed to record turn", "session_id", cb.session.ID, "error", err)
		}
	}

	return completion.Content, nil
}

// Run reads one line per turn until the quit sentinel or end of input.
// A failed completion ends the loop with an error unless ContinueOnError
// is set.
func (cb *ChatBot) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(cb.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	defer func() { cb.state = StateTerminated }()

	for {
		cb.state = StateAwaitingInput
		fmt.Fprintln(cb.out, PromptText)

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			cb.logger.Info("end of input", "session_id", cb.session.ID)
			return nil
		}

		input := strings.TrimSuffix(scanner.Text(), "\r")
		if input == QuitSentinel {
			cb.logger.Info("quit requested", "session_id", cb.session.ID, "turns", cb.session.History.Turns())
			return nil
		}

		if input == "" {
			fmt.Fprintln(cb.out, EmptyInputText)
			continue
		}

		fmt.Fprint(cb.out, SendingText)

		response, err := cb.SendTurn(ctx, input)
		if err != nil {
			cb.logger.Error("failed to send message", "session_id", cb.session.ID, "error", err)
			if !cb.settings.ContinueOnError {
				return err
			}
			fmt.Fprintf(cb.out, "Error: %v\n", err)
			continue
		}

		fmt.Fprintf(cb.out, "%s%s\n", ResponseLabel, response)
	}
}
