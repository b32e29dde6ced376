package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/swaralabs/swara/domain/entities"
	"github.com/swaralabs/swara/domain/repositories"
	"github.com/swaralabs/swara/internal/asr"
	"github.com/swaralabs/swara/internal/tts"
)

type scriptedRecognizer struct {
	mu           sync.Mutex
	chunks       [][]byte
	finals       []bool
	connects     int
	connectDelay time.Duration
	down         bool
}

func (r *scriptedRecognizer) Connect(ctx context.Context) error {
	r.mu.Lock()
	r.connects++
	r.down = false
	delay := r.connectDelay
	r.mu.Unlock()
	time.Sleep(delay)
	return nil
}

func (r *scriptedRecognizer) SendAudio(data []byte, last bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return errors.New("stream closed")
	}
	r.chunks = append(r.chunks, append([]byte(nil), data...))
	r.finals = append(r.finals, last)
	return nil
}

func (r *scriptedRecognizer) Close() error { return nil }

// disconnect mimics the remote dropping the stream, as it does after a
// final chunk. Audio is rejected until Connect runs again.
func (r *scriptedRecognizer) disconnect() {
	r.mu.Lock()
	r.down = true
	r.mu.Unlock()
}

func (r *scriptedRecognizer) connectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

func (r *scriptedRecognizer) received() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.chunks))
	copy(out, r.chunks)
	return out
}

type scriptedSynthesizer struct {
	mu       sync.Mutex
	texts    []string
	connects int
	sessions int
	aborts   int
}

func (s *scriptedSynthesizer) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	return nil
}

func (s *scriptedSynthesizer) StartSession(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions++
	return nil
}

func (s *scriptedSynthesizer) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *scriptedSynthesizer) FinishSession(ctx context.Context) error { return nil }

func (s *scriptedSynthesizer) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborts++
}

func (s *scriptedSynthesizer) Close() error { return nil }

func (s *scriptedSynthesizer) abortCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborts
}

func (s *scriptedSynthesizer) sentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type scriptedDialogue struct {
	mu       sync.Mutex
	requests []repositories.DialogueRequest
	respond  func(ctx context.Context, req repositories.DialogueRequest) (repositories.DialogueReply, error)
}

func (d *scriptedDialogue) Dispatch(ctx context.Context, req repositories.DialogueRequest) (repositories.DialogueReply, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	fn := d.respond
	d.mu.Unlock()
	return fn(ctx, req)
}

func (d *scriptedDialogue) requestCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

type scriptedVoiceprint struct {
	mu        sync.Mutex
	recognize func(audio []byte) (repositories.VoiceMatch, error)
	enrolls   []repositories.EnrollOptions
}

func (v *scriptedVoiceprint) Recognize(ctx context.Context, userID string, audio []byte, threshold float64) (repositories.VoiceMatch, error) {
	v.mu.Lock()
	fn := v.recognize
	v.mu.Unlock()
	if fn == nil {
		return repositories.VoiceMatch{}, nil
	}
	return fn(audio)
}

func (v *scriptedVoiceprint) Enroll(ctx context.Context, userID string, audio []byte, opts repositories.EnrollOptions) (repositories.Enrollment, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.enrolls = append(v.enrolls, opts)
	return repositories.Enrollment{PersonID: "person-enrolled", TemplateID: "tmpl-1"}, nil
}

func (v *scriptedVoiceprint) enrollCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.enrolls)
}

type memTemplates struct {
	mu    sync.Mutex
	saved []*entities.SpeakerTemplate
}

func (m *memTemplates) Save(ctx context.Context, template *entities.SpeakerTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, template)
	return nil
}

func (m *memTemplates) GetByPersonID(ctx context.Context, personID string) (*entities.SpeakerTemplate, error) {
	return nil, nil
}

func (m *memTemplates) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type chatResult struct {
	success bool
	errs    []string
}

type harness struct {
	orc       *Orchestrator
	rec       *scriptedRecognizer
	syn       *scriptedSynthesizer
	dialogue  *scriptedDialogue
	voice     *scriptedVoiceprint
	templates *memTemplates

	mu    sync.Mutex
	recCB asr.Callbacks
	synCB tts.Callbacks

	texts      chan string
	audio      chan []byte
	audioDone  chan struct{}
	chats      chan chatResult
	cancelAcks chan struct{}
	fatals     chan error
}

func newHarness(t *testing.T, cfg Config) *harness {
	h := &harness{
		rec:        &scriptedRecognizer{},
		syn:        &scriptedSynthesizer{},
		dialogue:   &scriptedDialogue{},
		voice:      &scriptedVoiceprint{},
		templates:  &memTemplates{},
		texts:      make(chan string, 16),
		audio:      make(chan []byte, 16),
		audioDone:  make(chan struct{}, 16),
		chats:      make(chan chatResult, 16),
		cancelAcks: make(chan struct{}, 16),
		fatals:     make(chan error, 16),
	}
	h.dialogue.respond = func(ctx context.Context, req repositories.DialogueRequest) (repositories.DialogueReply, error) {
		return repositories.DialogueReply{Text: "reply to " + req.Text, ConversationID: "conv-1"}, nil
	}
	if cfg.UserID == "" {
		cfg.UserID = "user-1"
	}
	if cfg.InterruptGrace == 0 {
		cfg.InterruptGrace = time.Millisecond
	}

	h.orc = New(cfg, Deps{
		Dialogue:   h.dialogue,
		Voiceprint: h.voice,
		Templates:  h.templates,
		NewRecognizer: func(cb asr.Callbacks) (Recognizer, error) {
			h.mu.Lock()
			h.recCB = cb
			h.mu.Unlock()
			return h.rec, nil
		},
		NewSynthesizer: func(cb tts.Callbacks) (Synthesizer, error) {
			h.mu.Lock()
			h.synCB = cb
			h.mu.Unlock()
			return h.syn, nil
		},
	}, Events{
		OnText: func(text string, complete bool) {
			if complete {
				h.texts <- text
			}
		},
		OnAudio:         func(chunk []byte) { h.audio <- append([]byte(nil), chunk...) },
		OnAudioComplete: func() { h.audioDone <- struct{}{} },
		OnChatComplete:  func(success bool, errs []string) { h.chats <- chatResult{success, errs} },
		OnCancelAck:     func() { h.cancelAcks <- struct{}{} },
		OnFatal:         func(err error) { h.fatals <- err },
	}, zap.NewNop())
	t.Cleanup(h.orc.Close)
	return h
}

// waitReady blocks until the lazy connection phase has finished
func (h *harness) waitReady(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.orc.State() == StateReadyForAudio {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("orchestrator never became ready, state = %v", h.orc.State())
}

// waitChunks blocks until the recognizer has seen n chunks, which also
// means the turn audio buffer holds them.
func (h *harness) waitChunks(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.rec.received()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("recognizer saw %d chunks, want %d", len(h.rec.received()), n)
}

func (h *harness) definite(text string) {
	h.mu.Lock()
	cb := h.recCB
	h.mu.Unlock()
	cb.OnFinish(asr.Result{Text: text, Definite: true})
}

func (h *harness) provisional(text string) {
	h.mu.Lock()
	cb := h.recCB
	h.mu.Unlock()
	cb.OnUpdate(asr.Result{Text: text})
}

func (h *harness) synthesisDone() {
	h.mu.Lock()
	cb := h.synCB
	h.mu.Unlock()
	cb.OnFinish()
}

func (h *harness) synthesisAudio(chunk []byte) {
	h.mu.Lock()
	cb := h.synCB
	h.mu.Unlock()
	cb.OnAudioData(chunk)
}

func waitFor[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestAudioOrderPreservedAcrossLazyConnect(t *testing.T) {
	h := newHarness(t, Config{})
	h.rec.connectDelay = 20 * time.Millisecond

	chunks := [][]byte{{1}, {2}, {3}, {4}, {5}}
	for i, c := range chunks {
		h.orc.PushAudio(c, i == len(chunks)-1)
	}

	h.waitReady(t)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.rec.received()) == len(chunks) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	got := h.rec.received()
	if len(got) != len(chunks) {
		t.Fatalf("recognizer saw %d chunks, want %d", len(got), len(chunks))
	}
	for i := range chunks {
		if !bytes.Equal(got[i], chunks[i]) {
			t.Errorf("chunk %d = %v, want %v", i, got[i], chunks[i])
		}
	}
}

func TestDefiniteTranscriptDispatchesExactlyOnce(t *testing.T) {
	h := newHarness(t, Config{})
	h.orc.PushAudio([]byte{1, 2}, false)
	h.waitReady(t)

	// provisional updates must not start a turn
	h.definiteAfterProvisional(t, "今天", "今天天气怎么样")

	if n := h.dialogue.requestCount(); n != 1 {
		t.Fatalf("dialogue saw %d requests, want 1", n)
	}
	h.dialogue.mu.Lock()
	req := h.dialogue.requests[0]
	h.dialogue.mu.Unlock()
	if req.Text != "今天天气怎么样" {
		t.Errorf("dispatched text = %q, want the definite transcript", req.Text)
	}
	if !req.NewConversation {
		t.Error("first turn should open a new conversation")
	}

	text := waitFor(t, h.texts, "reply text")
	if text != "reply to 今天天气怎么样" {
		t.Errorf("reply text = %q", text)
	}

	// the full reply goes to the synthesizer in one piece
	sent := h.syn.sentTexts()
	if len(sent) != 1 || sent[0] != "reply to 今天天气怎么样" {
		t.Errorf("synthesizer texts = %v", sent)
	}

	h.synthesisAudio([]byte("pcm"))
	chunk := waitFor(t, h.audio, "audio chunk")
	if !bytes.Equal(chunk, []byte("pcm")) {
		t.Errorf("audio chunk = %q", chunk)
	}

	h.synthesisDone()
	waitFor(t, h.audioDone, "audio complete")
	chat := waitFor(t, h.chats, "chat complete")
	if !chat.success || len(chat.errs) != 0 {
		t.Errorf("chat complete = %+v, want clean success", chat)
	}
	if h.orc.State() != StateReadyForAudio {
		t.Errorf("state = %v, want ready", h.orc.State())
	}
}

// definiteAfterProvisional waits for the pending dialogue call to settle
// so the test can inspect it deterministically.
func (h *harness) definiteAfterProvisional(t *testing.T, provisional, definite string) {
	t.Helper()
	h.provisional(provisional)
	h.definite(definite)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.orc.State() == StateSynthesizing {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("turn never reached synthesis, state = %v", h.orc.State())
}

func TestRecognizerReconnectsForNextUtterance(t *testing.T) {
	h := newHarness(t, Config{})

	h.orc.PushAudio([]byte{1}, false)
	h.orc.PushAudio([]byte{2}, true)
	h.waitReady(t)
	h.waitChunks(t, 2)

	// the remote drops the stream once the final chunk flips the sequence
	// sign; the client reports it through OnClosed
	h.rec.disconnect()
	h.mu.Lock()
	cb := h.recCB
	h.mu.Unlock()
	cb.OnClosed(nil)

	h.orc.PushAudio([]byte{3}, false)
	h.waitChunks(t, 3)

	got := h.rec.received()
	if !bytes.Equal(got[2], []byte{3}) {
		t.Errorf("chunk after reconnect = %v, want [3]", got[2])
	}
	if n := h.rec.connectCount(); n != 2 {
		t.Errorf("recognizer connected %d times, want 2", n)
	}
	if h.orc.State() != StateReadyForAudio {
		t.Errorf("state = %v, want ready", h.orc.State())
	}

	select {
	case err := <-h.fatals:
		t.Errorf("unexpected fatal error: %v", err)
	default:
	}
}

func TestNoiseGateDiscardsShortTranscripts(t *testing.T) {
	h := newHarness(t, Config{MinTranscriptLength: 2})
	h.orc.PushAudio([]byte{1}, false)
	h.waitReady(t)

	h.definite("  ")
	h.definite("嗯")

	time.Sleep(20 * time.Millisecond)
	if n := h.dialogue.requestCount(); n != 0 {
		t.Errorf("dialogue saw %d requests, want 0 for noise", n)
	}
	if h.orc.State() != StateReadyForAudio {
		t.Errorf("state = %v, want ready", h.orc.State())
	}
}

func TestBargeInAbortsExactlyOnceWithNoUserVisibleError(t *testing.T) {
	h := newHarness(t, Config{})

	firstStarted := make(chan struct{})
	firstCancelled := make(chan struct{})
	h.dialogue.respond = func(ctx context.Context, req repositories.DialogueRequest) (repositories.DialogueReply, error) {
		if req.Text == "первый" {
			close(firstStarted)
			<-ctx.Done()
			close(firstCancelled)
			return repositories.DialogueReply{}, ctx.Err()
		}
		return repositories.DialogueReply{Text: "reply two"}, nil
	}

	h.orc.PushAudio([]byte{1}, false)
	h.waitReady(t)

	h.definite("первый")
	waitFor(t, firstStarted, "first dispatch")

	// barge-in: a new definite utterance lands while the turn is in flight
	h.definite("второй вопрос")
	waitFor(t, firstCancelled, "first dispatch cancellation")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.orc.State() == StateSynthesizing {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if n := h.syn.abortCount(); n != 1 {
		t.Errorf("synthesizer aborted %d times, want exactly 1", n)
	}
	if sent := h.syn.sentTexts(); len(sent) != 1 || sent[0] != "reply two" {
		t.Errorf("synthesizer texts = %v, want only the second reply", sent)
	}

	h.synthesisDone()
	chat := waitFor(t, h.chats, "chat complete")
	if !chat.success || len(chat.errs) != 0 {
		t.Errorf("chat complete = %+v; the cancelled turn must not surface errors", chat)
	}

	select {
	case err := <-h.fatals:
		t.Errorf("unexpected fatal error: %v", err)
	default:
	}
}

func TestUnknownSpeakerAutoEnrollsTemporalTemplate(t *testing.T) {
	h := newHarness(t, Config{UserID: "user-9", TemplateTTL: time.Hour})
	h.voice.recognize = func(audio []byte) (repositories.VoiceMatch, error) {
		return repositories.VoiceMatch{Matched: false, Similarity: 0.2}, nil
	}

	h.orc.PushAudio([]byte{1, 2, 3}, false)
	h.waitReady(t)
	h.waitChunks(t, 1)
	h.provisional("siapa ini")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.voice.enrollCount() > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	h.voice.mu.Lock()
	if len(h.voice.enrolls) != 1 {
		h.voice.mu.Unlock()
		t.Fatalf("enroll count = %d, want 1", len(h.voice.enrolls))
	}
	opts := h.voice.enrolls[0]
	h.voice.mu.Unlock()

	if !opts.Temporal {
		t.Error("auto-enrollment must be temporal")
	}
	if opts.ExpiresAt == nil {
		t.Fatal("temporal enrollment carries an expiry")
	}
	if remaining := time.Until(*opts.ExpiresAt); remaining > time.Hour || remaining < 50*time.Minute {
		t.Errorf("expiry %v out of the configured TTL window", remaining)
	}

	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.templates.mu.Lock()
		n := len(h.templates.saved)
		h.templates.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	h.templates.mu.Lock()
	defer h.templates.mu.Unlock()
	if len(h.templates.saved) != 1 {
		t.Fatalf("saved %d templates, want 1", len(h.templates.saved))
	}
	saved := h.templates.saved[0]
	if saved.PersonID != "person-enrolled" || saved.UserID != "user-9" || !saved.Temporal {
		t.Errorf("saved template = %+v", saved)
	}
}

func TestSpeakerChangeDuringTurnInterrupts(t *testing.T) {
	h := newHarness(t, Config{})

	person := "person-a"
	h.voice.recognize = func(audio []byte) (repositories.VoiceMatch, error) {
		return repositories.VoiceMatch{Matched: true, PersonID: person}, nil
	}

	blocked := make(chan struct{})
	h.dialogue.respond = func(ctx context.Context, req repositories.DialogueRequest) (repositories.DialogueReply, error) {
		close(blocked)
		<-ctx.Done()
		return repositories.DialogueReply{}, ctx.Err()
	}

	h.orc.PushAudio([]byte{1}, false)
	h.waitReady(t)
	h.waitChunks(t, 1)

	// attribute the session to speaker A first
	h.provisional("你好")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.orc.mu.Lock()
		attributed := h.orc.speakerID == "person-a"
		h.orc.mu.Unlock()
		if attributed {
			break
		}
		time.Sleep(time.Millisecond)
	}

	h.definite("帮我查个东西")
	waitFor(t, blocked, "dialogue dispatch")

	// speaker B talks over the in-flight turn
	person = "person-b"
	h.orc.PushAudio([]byte{2}, false)
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.orc.mu.Lock()
		buffered := len(h.orc.turnAudio) > 0
		h.orc.mu.Unlock()
		if buffered {
			break
		}
		time.Sleep(time.Millisecond)
	}
	h.provisional("等一下")

	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.syn.abortCount() == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if n := h.syn.abortCount(); n != 1 {
		t.Fatalf("abort count = %d, want 1 after speaker change", n)
	}
}

func TestCancelOutputAcknowledges(t *testing.T) {
	h := newHarness(t, Config{})
	h.orc.PushAudio([]byte{1}, false)
	h.waitReady(t)

	h.orc.CancelOutput()
	waitFor(t, h.cancelAcks, "cancel acknowledgement")

	if n := h.syn.abortCount(); n != 1 {
		t.Errorf("abort count = %d, want 1", n)
	}
	if h.orc.State() != StateReadyForAudio {
		t.Errorf("state = %v, want ready", h.orc.State())
	}
}

func TestClearContextOpensNewConversation(t *testing.T) {
	h := newHarness(t, Config{})
	h.orc.PushAudio([]byte{1}, false)
	h.waitReady(t)

	h.definiteAfterProvisional(t, "早", "今天几号")
	h.synthesisDone()
	waitFor(t, h.chats, "first chat complete")

	h.orc.ClearContext()

	h.definite("明天呢")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.dialogue.requestCount() == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	h.dialogue.mu.Lock()
	defer h.dialogue.mu.Unlock()
	if len(h.dialogue.requests) != 2 {
		t.Fatalf("dialogue saw %d requests, want 2", len(h.dialogue.requests))
	}
	if !h.dialogue.requests[1].NewConversation {
		t.Error("turn after ClearContext should open a new conversation")
	}
	if h.dialogue.requests[1].ConversationID != "" {
		t.Errorf("conversation id = %q, want empty after clear", h.dialogue.requests[1].ConversationID)
	}
}

func TestUpdateConfigMergesAndReturnsEffective(t *testing.T) {
	h := newHarness(t, Config{})

	// every update carries the complete output-text setting; the session
	// layer resolves an absent wire field to enabled before calling in
	got := h.orc.UpdateConfig(entities.ConversationConfig{Timezone: "Asia/Jakarta", OutputText: true})
	if got.Timezone != "Asia/Jakarta" {
		t.Errorf("timezone = %q", got.Timezone)
	}
	if !got.OutputText {
		t.Error("output text should stay enabled")
	}

	got = h.orc.UpdateConfig(entities.ConversationConfig{OutputText: false})
	if got.OutputText {
		t.Error("explicit false should disable text output")
	}
	if got.Timezone != "Asia/Jakarta" {
		t.Errorf("timezone = %q, empty update field should keep current value", got.Timezone)
	}
}
