// Package orchestrator owns the per-connection conversation state machine:
// audio ingestion, streaming recognition, speaker attribution, dialogue
// dispatch, synthesis, and barge-in interruption.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/swaralabs/swara/domain/entities"
	"github.com/swaralabs/swara/domain/repositories"
	"github.com/swaralabs/swara/internal/asr"
	"github.com/swaralabs/swara/internal/tts"
)

// State is the orchestrator's conversation state
type State string

const (
	StateIdle          State = "idle"
	StateEstablishing  State = "establishing_connections"
	StateReadyForAudio State = "ready_for_audio"
	StateProcessing    State = "processing_turn"
	StateSynthesizing  State = "synthesizing"
	StateInterrupting  State = "interrupting"
)

// Recognizer is the duplex recognition client the orchestrator drives
type Recognizer interface {
	Connect(ctx context.Context) error
	SendAudio(data []byte, last bool) error
	Close() error
}

// Synthesizer is the duplex synthesis client the orchestrator drives
type Synthesizer interface {
	Connect(ctx context.Context) error
	StartSession(ctx context.Context) error
	SendText(text string) error
	FinishSession(ctx context.Context) error
	Abort()
	Close() error
}

// RecognizerFactory builds a recognition client with the orchestrator's
// callbacks wired in. Clients are created lazily on the first audio chunk.
type RecognizerFactory func(asr.Callbacks) (Recognizer, error)

// SynthesizerFactory builds a synthesis client with the orchestrator's
// callbacks wired in.
type SynthesizerFactory func(tts.Callbacks) (Synthesizer, error)

// Config tunes one orchestrator instance
type Config struct {
	// UserID scopes voiceprint recognition and enrollment
	UserID string
	// RecognizeThreshold is passed to the identification service, in [0,1]
	RecognizeThreshold float64
	// MinTranscriptLength is the noise gate: definite transcripts with
	// fewer runes are discarded without starting a turn
	MinTranscriptLength int
	// InterruptGrace is the pause between synthesis abort and reconnect
	InterruptGrace time.Duration
	// TemplateTTL bounds the life of auto-enrolled temporal voiceprints
	TemplateTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.RecognizeThreshold == 0 {
		c.RecognizeThreshold = 0.6
	}
	if c.MinTranscriptLength == 0 {
		c.MinTranscriptLength = 2
	}
	if c.InterruptGrace == 0 {
		c.InterruptGrace = 200 * time.Millisecond
	}
	if c.TemplateTTL == 0 {
		c.TemplateTTL = 24 * time.Hour
	}
}

// Deps are the collaborators one orchestrator drives
type Deps struct {
	Dialogue       repositories.DialogueEngine
	Voiceprint     repositories.VoiceprintService
	Templates      repositories.SpeakerTemplateRepository // optional
	NewRecognizer  RecognizerFactory
	NewSynthesizer SynthesizerFactory
}

// Events are the orchestrator's outbound signals toward the client session.
// Nil entries are skipped. Internal errors never surface here verbatim; the
// client only ever sees the chat-complete error list.
type Events struct {
	// OnText delivers reply text; complete marks the end of the reply
	OnText func(text string, complete bool)
	// OnAudio delivers one synthesized audio chunk
	OnAudio func(chunk []byte)
	// OnAudioComplete marks the end of one synthesized reply
	OnAudioComplete func()
	// OnChatComplete closes out a turn with its accumulated error list
	OnChatComplete func(success bool, errs []string)
	// OnCancelAck acknowledges a client-requested output cancellation
	OnCancelAck func()
	// OnFatal reports an unrecoverable condition; the session must close
	OnFatal func(error)
}

type queueItem struct {
	data  []byte
	final bool
}

// Orchestrator sequences one client connection's conversation. All methods
// are safe for concurrent use; the audio queue has exactly one drain loop at
// a time, which is the single writer to the recognition transport.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	events Events
	logger *zap.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu          sync.Mutex
	state       State
	conv        entities.ConversationConfig
	queue       []queueItem
	draining    bool
	connected   bool
	recognizer  Recognizer
	synthesizer Synthesizer
	turn        *entities.ConversationTurn
	turnAudio   []byte
	speakerID   string
	aborting    bool
	identifying bool
	enrolling   bool
	dialogGen   uint64
	dialogStop  context.CancelFunc
	turnErrs    []string
	closed      bool
}

// New creates an orchestrator for one client connection
func New(cfg Config, deps Deps, events Events, logger *zap.Logger) *Orchestrator {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		events:     events,
		logger:     logger,
		baseCtx:    ctx,
		baseCancel: cancel,
		state:      StateIdle,
		conv:       entities.ConversationConfig{OutputText: true},
	}
}

// State returns the current conversation state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// UpdateConfig merges a client config update and returns the effective
// config.
func (o *Orchestrator) UpdateConfig(update entities.ConversationConfig) entities.ConversationConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conv = o.conv.Merge(update)
	return o.conv
}

// PushAudio enqueues one inbound audio chunk. The call never blocks: it
// appends to the FIFO and triggers a drain task unless one is already
// running. The busy flag guarantees at most one drain loop per session.
func (o *Orchestrator) PushAudio(data []byte, final bool) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.queue = append(o.queue, queueItem{data: data, final: final})
	start := !o.draining
	if start {
		o.draining = true
	}
	o.mu.Unlock()

	if start {
		go o.drain()
	}
}

// drain delivers queued chunks to the recognizer in enqueue order. On the
// first chunk it lazily establishes the recognition and synthesis
// connections; chunks arriving during that gap pile up in the queue and go
// out afterwards, in order, without drops.
func (o *Orchestrator) drain() {
	for {
		o.mu.Lock()
		if o.closed || len(o.queue) == 0 {
			o.draining = false
			o.mu.Unlock()
			return
		}
		item := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()

		if err := o.ensureClients(); err != nil {
			o.mu.Lock()
			o.queue = nil
			o.draining = false
			o.mu.Unlock()
			o.fatal(fmt.Errorf("establish streaming connections: %w", err))
			return
		}

		o.mu.Lock()
		o.turnAudio = append(o.turnAudio, item.data...)
		rec := o.recognizer
		o.mu.Unlock()

		if err := rec.SendAudio(item.data, item.final); err != nil {
			o.logger.Error("Failed to stream audio chunk to recognizer",
				zap.Int("size", len(item.data)),
				zap.Bool("final", item.final),
				zap.Error(err))
		}
	}
}

// ensureClients lazily builds and connects both duplex clients. Safe to call
// repeatedly; only the drain loop calls it.
func (o *Orchestrator) ensureClients() error {
	o.mu.Lock()
	if o.connected {
		o.mu.Unlock()
		return nil
	}
	if o.state == StateIdle {
		o.state = StateEstablishing
	}
	rec := o.recognizer
	syn := o.synthesizer
	o.mu.Unlock()

	if rec == nil {
		built, err := o.deps.NewRecognizer(asr.Callbacks{
			OnUpdate: func(r asr.Result) { o.handleProvisional(r.Text) },
			OnFinish: func(r asr.Result) { o.handleDefinite(r.Text) },
			OnClosed: func(err error) {
				if err != nil {
					o.logger.Warn("Recognizer connection closed", zap.Error(err))
				}
				// the remote drops the stream after a final chunk; the
				// next audio chunk must reconnect lazily
				o.mu.Lock()
				o.connected = false
				o.mu.Unlock()
			},
		})
		if err != nil {
			return err
		}
		rec = built
		o.mu.Lock()
		o.recognizer = rec
		o.mu.Unlock()
	}

	if syn == nil {
		built, err := o.deps.NewSynthesizer(tts.Callbacks{
			OnAudioData: o.handleAudio,
			OnFinish:    o.handleSynthesisBoundary,
			OnClosed: func(err error) {
				if err != nil {
					o.logger.Warn("Synthesizer connection closed", zap.Error(err))
				}
				o.mu.Lock()
				o.connected = false
				o.mu.Unlock()
			},
		})
		if err != nil {
			return err
		}
		syn = built
		o.mu.Lock()
		o.synthesizer = syn
		o.mu.Unlock()
	}

	if err := rec.Connect(o.baseCtx); err != nil {
		return fmt.Errorf("recognizer connect: %w", err)
	}
	if err := syn.Connect(o.baseCtx); err != nil {
		return fmt.Errorf("synthesizer connect: %w", err)
	}
	if err := syn.StartSession(o.baseCtx); err != nil {
		return fmt.Errorf("synthesizer session start: %w", err)
	}

	o.mu.Lock()
	o.connected = true
	if o.state == StateEstablishing {
		o.state = StateReadyForAudio
	}
	o.mu.Unlock()
	return nil
}

// handleProvisional reacts to a provisional transcript: the audio
// accumulated so far goes to the identification service without blocking
// transcript delivery.
func (o *Orchestrator) handleProvisional(text string) {
	o.mu.Lock()
	if o.closed || o.identifying || len(o.turnAudio) == 0 {
		o.mu.Unlock()
		return
	}
	o.identifying = true
	audio := make([]byte, len(o.turnAudio))
	copy(audio, o.turnAudio)
	o.mu.Unlock()

	o.logger.Debug("Provisional transcript", zap.String("text", text))
	go o.identifySpeaker(audio)
}

func (o *Orchestrator) identifySpeaker(audio []byte) {
	match, err := o.deps.Voiceprint.Recognize(o.baseCtx, o.cfg.UserID, audio, o.cfg.RecognizeThreshold)

	o.mu.Lock()
	o.identifying = false
	if err != nil {
		o.mu.Unlock()
		o.logger.Error("Speaker recognition failed", zap.Error(err))
		return
	}

	if match.Matched {
		turnInFlight := o.turn != nil && o.turn.InFlight()
		changed := o.speakerID != "" && o.speakerID != match.PersonID
		o.speakerID = match.PersonID
		if o.turn != nil && o.turn.SpeakerID == "" {
			o.turn.SpeakerID = match.PersonID
		}
		o.mu.Unlock()

		if turnInFlight && changed {
			// a different speaker is talking over an active turn
			o.logger.Info("Speaker change detected, interrupting turn",
				zap.String("personID", match.PersonID))
			o.interrupt()
		}
		return
	}

	// unknown speaker: enroll only when the pipeline is quiet
	noTurn := o.turn == nil || !o.turn.InFlight()
	start := noTurn && !o.enrolling
	if start {
		o.enrolling = true
	}
	o.mu.Unlock()

	if start {
		o.enrollSpeaker(audio)
	}
}

func (o *Orchestrator) enrollSpeaker(audio []byte) {
	expires := time.Now().Add(o.cfg.TemplateTTL)
	enrollment, err := o.deps.Voiceprint.Enroll(o.baseCtx, o.cfg.UserID, audio, repositories.EnrollOptions{
		Temporal:  true,
		ExpiresAt: &expires,
	})

	o.mu.Lock()
	o.enrolling = false
	if err != nil {
		o.mu.Unlock()
		o.logger.Error("Speaker enrollment failed", zap.Error(err))
		return
	}
	o.speakerID = enrollment.PersonID
	o.mu.Unlock()

	o.logger.Info("Auto-enrolled temporal speaker",
		zap.String("personID", enrollment.PersonID),
		zap.String("templateID", enrollment.TemplateID))

	if o.deps.Templates != nil {
		template := entities.NewTemporalSpeakerTemplate(
			enrollment.TemplateID, enrollment.PersonID, o.cfg.UserID, o.cfg.TemplateTTL)
		if err := o.deps.Templates.Save(o.baseCtx, template); err != nil {
			o.logger.Error("Failed to persist speaker template linkage", zap.Error(err))
		}
	}
}

// handleDefinite reacts to a definite transcript: the turn audio buffer is
// cleared, too-short transcripts are dropped as noise, and everything else
// becomes a dialogue turn. A definite utterance landing on an in-flight
// turn is a barge-in.
func (o *Orchestrator) handleDefinite(text string) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.turnAudio = nil

	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) < o.cfg.MinTranscriptLength {
		o.mu.Unlock()
		o.logger.Debug("Discarding transcript below noise gate", zap.String("text", text))
		return
	}

	inFlight := o.turn != nil && o.turn.InFlight()
	o.mu.Unlock()

	if inFlight {
		o.interrupt()
	}
	o.dispatchTurn(trimmed)
}

// dispatchTurn hands one utterance to the dialogue engine. The full reply
// is held before synthesis starts; dialogue streaming is not overlapped
// with synthesis.
func (o *Orchestrator) dispatchTurn(text string) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	turn := entities.NewConversationTurn(uuid.NewString(), text)
	turn.SpeakerID = o.speakerID
	turn.Dispatch()
	o.turn = turn
	o.state = StateProcessing
	o.turnErrs = nil

	ctx, cancel := context.WithCancel(o.baseCtx)
	o.dialogStop = cancel
	o.dialogGen++
	gen := o.dialogGen

	request := repositories.DialogueRequest{
		ConversationID:  o.conv.ConversationID,
		Timezone:        o.conv.Timezone,
		Text:            text,
		NewConversation: o.conv.ConversationID == "",
	}
	o.mu.Unlock()

	o.logger.Info("Dispatching turn to dialogue engine",
		zap.String("turnID", turn.ID),
		zap.String("speakerID", turn.SpeakerID),
		zap.Int("textLength", len(text)))

	go o.runTurn(ctx, gen, turn, request)
}

func (o *Orchestrator) runTurn(ctx context.Context, gen uint64, turn *entities.ConversationTurn, request repositories.DialogueRequest) {
	reply, err := o.deps.Dialogue.Dispatch(ctx, request)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// interrupt-triggered cancellation is a no-op, never a failure
			o.logger.Debug("Dialogue dispatch cancelled", zap.String("turnID", turn.ID))
			return
		}
		o.mu.Lock()
		if o.dialogGen != gen {
			o.mu.Unlock()
			return
		}
		turn.Abort()
		o.state = StateReadyForAudio
		o.turnErrs = append(o.turnErrs, "dialogue request failed")
		errs := append([]string(nil), o.turnErrs...)
		o.turnErrs = nil
		o.mu.Unlock()

		o.logger.Error("Dialogue dispatch failed", zap.String("turnID", turn.ID), zap.Error(err))
		o.emitChatComplete(false, errs)
		return
	}

	o.mu.Lock()
	if o.dialogGen != gen || o.aborting || o.closed {
		// superseded by a newer turn or an interrupt
		o.mu.Unlock()
		return
	}
	if reply.ConversationID != "" {
		o.conv.ConversationID = reply.ConversationID
	}
	turn.Synthesize(reply.Text)
	o.state = StateSynthesizing
	syn := o.synthesizer
	outputText := o.conv.OutputText
	o.mu.Unlock()

	if outputText && o.events.OnText != nil {
		o.events.OnText(reply.Text, false)
		o.events.OnText(reply.Text, true)
	}

	if syn == nil {
		o.completeTurn([]string{"synthesizer unavailable"})
		return
	}
	if err := syn.SendText(reply.Text); err != nil {
		o.logger.Error("Failed to submit reply for synthesis",
			zap.String("turnID", turn.ID),
			zap.Error(err))
		o.mu.Lock()
		o.turnErrs = append(o.turnErrs, "speech synthesis failed")
		o.mu.Unlock()
		o.completeTurn(nil)
	}
}

func (o *Orchestrator) handleAudio(chunk []byte) {
	o.mu.Lock()
	deliver := !o.aborting && !o.closed
	o.mu.Unlock()
	if deliver && o.events.OnAudio != nil {
		o.events.OnAudio(chunk)
	}
}

// handleSynthesisBoundary completes the turn on the synthesizer's
// sentence-end event.
func (o *Orchestrator) handleSynthesisBoundary() {
	o.mu.Lock()
	if o.state != StateSynthesizing || o.turn == nil {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.completeTurn(nil)
}

// completeTurn finishes the active turn and reports the accumulated error
// list through chat-complete.
func (o *Orchestrator) completeTurn(extraErrs []string) {
	o.mu.Lock()
	if o.turn != nil {
		o.turn.Complete()
		o.turn = nil
	}
	o.state = StateReadyForAudio
	o.turnErrs = append(o.turnErrs, extraErrs...)
	errs := append([]string(nil), o.turnErrs...)
	o.turnErrs = nil
	o.mu.Unlock()

	if o.events.OnAudioComplete != nil {
		o.events.OnAudioComplete()
	}
	o.emitChatComplete(len(errs) == 0, errs)
}

func (o *Orchestrator) emitChatComplete(success bool, errs []string) {
	if o.events.OnChatComplete != nil {
		o.events.OnChatComplete(success, errs)
	}
}

// interrupt runs the barge-in protocol: cancel the in-flight dialogue
// request, hard-abort synthesis, wait a short grace period, then reconnect
// and open a fresh session. Failure to reconnect is fatal to the whole
// conversation session; it is not retried.
func (o *Orchestrator) interrupt() {
	o.mu.Lock()
	if o.aborting || o.closed {
		o.mu.Unlock()
		return
	}
	o.aborting = true
	o.state = StateInterrupting
	cancel := o.dialogStop
	o.dialogStop = nil
	o.dialogGen++
	if o.turn != nil {
		o.turn.Abort()
		o.turn = nil
	}
	o.turnErrs = nil
	syn := o.synthesizer
	o.mu.Unlock()

	o.logger.Info("Interrupting active turn")

	if cancel != nil {
		cancel()
	}
	if syn != nil {
		syn.Abort()
	}

	time.Sleep(o.cfg.InterruptGrace)

	var err error
	if syn != nil {
		if err = syn.Connect(o.baseCtx); err == nil {
			err = syn.StartSession(o.baseCtx)
		}
	}

	o.mu.Lock()
	o.aborting = false
	if err != nil {
		o.mu.Unlock()
		o.fatal(fmt.Errorf("synthesis reconnect after interrupt: %w", err))
		return
	}
	if !o.closed {
		o.state = StateReadyForAudio
	}
	o.mu.Unlock()
}

// CancelOutput is the client-requested flavor of the interrupt protocol
func (o *Orchestrator) CancelOutput() {
	o.interrupt()
	if o.events.OnCancelAck != nil {
		o.events.OnCancelAck()
	}
}

// ClearContext drops the conversation continuity: the next turn opens a new
// conversation and speaker attribution starts over.
func (o *Orchestrator) ClearContext() {
	o.mu.Lock()
	o.conv.ConversationID = ""
	o.speakerID = ""
	o.turnAudio = nil
	o.mu.Unlock()
	o.logger.Info("Conversation context cleared")
}

func (o *Orchestrator) fatal(err error) {
	o.logger.Error("Fatal conversation error", zap.Error(err))
	if o.events.OnFatal != nil {
		o.events.OnFatal(err)
	}
}

// Close tears the orchestrator down. Idempotent.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.state = StateIdle
	cancel := o.dialogStop
	o.dialogStop = nil
	rec := o.recognizer
	syn := o.synthesizer
	o.queue = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.baseCancel()
	if rec != nil {
		rec.Close()
	}
	if syn != nil {
		syn.Close()
	}
}
