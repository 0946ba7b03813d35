package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"line-relay/internal/domain"
	"line-relay/internal/signature"
)

const (
	StickerModeImage = "image"
	StickerModeText  = "text"

	defaultHistoryWindow = 20
)

type HistoryStore interface {
	Window(ctx context.Context, userID string, limit int) ([]domain.Turn, error)
	AppendExchange(ctx context.Context, userID, question, answer string) error
	Count(ctx context.Context, userID string) (int, error)
	Reset(ctx context.Context, userID string) error
}

type LLMClient interface {
	Complete(ctx context.Context, messages []domain.ChatMessage) (string, error)
	GenerateImage(ctx context.Context, prompt string) (string, error)
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

type Replier interface {
	ReplyText(ctx context.Context, replyToken, text string) error
	ReplyImage(ctx context.Context, replyToken, imageURL, previewURL string) error
}

type ContentFetcher interface {
	FetchContent(ctx context.Context, messageID string) (domain.Content, error)
}

type DispatcherConfig struct {
	// Secret signs inbound batches. Empty disables verification.
	Secret        string
	SystemPrompt  string
	StickerMode   string
	HistoryWindow int
	Logger        *slog.Logger
}

// Dispatcher authenticates webhook batches and handles their message events
// one at a time, in order.
type Dispatcher struct {
	history HistoryStore
	llm     LLMClient
	replier Replier
	fetcher ContentFetcher

	secret       string
	systemPrompt string
	stickerMode  string
	window       int
	logger       *slog.Logger
}

func NewDispatcher(h HistoryStore, llm LLMClient, r Replier, f ContentFetcher, cfg DispatcherConfig) (*Dispatcher, error) {
	if h == nil {
		return nil, errors.New("usecase: history store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if r == nil {
		return nil, errors.New("usecase: replier must not be nil")
	}
	if f == nil {
		return nil, errors.New("usecase: content fetcher must not be nil")
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		return nil, errors.New("usecase: system prompt must not be empty")
	}
	switch cfg.StickerMode {
	case "":
		cfg.StickerMode = StickerModeImage
	case StickerModeImage, StickerModeText:
	default:
		return nil, fmt.Errorf("usecase: unknown sticker mode %q", cfg.StickerMode)
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		history:      h,
		llm:          llm,
		replier:      r,
		fetcher:      f,
		secret:       cfg.Secret,
		systemPrompt: cfg.SystemPrompt,
		stickerMode:  cfg.StickerMode,
		window:       cfg.HistoryWindow,
		logger:       logger.With(slog.String("component", "dispatcher")),
	}, nil
}

// Dispatch authenticates and decodes one webhook body, then handles every
// message event. It returns one OutcomeRecord per message event; only
// batch-level failures are returned as errors.
//
// Event handling ignores cancellation of ctx: outbound calls are bounded by
// their own timeouts only, so a dropped webhook connection still gets every
// user a reply.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte, signatureHeader string) ([]domain.OutcomeRecord, error) {
	ctx = context.WithoutCancel(ctx)

	batch, decodeErr := domain.DecodeBatch(body)
	if decodeErr == nil && batch.IsProbe() {
		d.logger.Info("connectivity probe received")
		return []domain.OutcomeRecord{}, nil
	}

	if d.secret != "" {
		if strings.TrimSpace(signatureHeader) == "" {
			return nil, newError(ErrorAuthentication, "missing_signature", nil)
		}
		if !signature.Verify(body, signatureHeader, d.secret) {
			return nil, newError(ErrorAuthentication, "invalid_signature", nil)
		}
	}
	if decodeErr != nil {
		return nil, newError(ErrorMalformedRequest, "invalid_json", decodeErr)
	}

	results := make([]domain.OutcomeRecord, 0, len(batch.Events))
	for _, ev := range batch.Events {
		if !ev.IsMessage() {
			d.logger.Debug("skipping non-message event", "event_type", ev.Type)
			continue
		}
		results = append(results, d.handleEvent(ctx, ev))
	}
	return results, nil
}

func (d *Dispatcher) handleEvent(ctx context.Context, ev domain.Event) (rec domain.OutcomeRecord) {
	kind := string(ev.Message.Kind)
	userID := ev.UserID()
	logger := d.logger.With(slog.String("type", kind), slog.String("user_id", userID))
	logger.Info("message event received")

	defer func() {
		if r := recover(); r != nil {
			rec = d.contain(ctx, logger, ev, newError(ErrorInternal, "panic", fmt.Errorf("%v", r)))
		}
	}()

	if err := d.route(ctx, logger, ev); err != nil {
		return d.contain(ctx, logger, ev, err)
	}
	return domain.OutcomeRecord{OK: true, Type: kind, UserID: userID}
}

func (d *Dispatcher) route(ctx context.Context, logger *slog.Logger, ev domain.Event) error {
	switch ev.Message.Kind {
	case domain.KindText:
		return d.handleText(ctx, logger, ev)
	case domain.KindImage:
		return d.handleImage(ctx, logger, ev)
	case domain.KindSticker:
		return d.handleSticker(ctx, logger, ev)
	case domain.KindAudio:
		return d.handleAudio(ctx, logger, ev)
	default:
		d.replyText(ctx, logger, ev.ReplyToken, replyUnsupported)
		return nil
	}
}

func (d *Dispatcher) handleText(ctx context.Context, logger *slog.Logger, ev domain.Event) error {
	userID, text := ev.UserID(), ev.Message.Text

	switch {
	case resetCommands[text]:
		if err := d.history.Reset(ctx, userID); err != nil {
			return newError(ErrorStorage, "history_reset_error", err)
		}
		d.replyText(ctx, logger, ev.ReplyToken, replyReset)
		return nil

	case text == historyCommand:
		count, err := d.history.Count(ctx, userID)
		if err != nil {
			return newError(ErrorStorage, "history_count_error", err)
		}
		d.replyText(ctx, logger, ev.ReplyToken, historyReply(count))
		return nil
	}

	window, err := d.history.Window(ctx, userID, d.window)
	if err != nil {
		return newError(ErrorStorage, "history_window_error", err)
	}
	answer, err := d.llm.Complete(ctx, buildChatMessages(d.systemPrompt, window, text))
	if err != nil {
		return newError(ErrorBackend, "completion_error", err)
	}
	if err := d.history.AppendExchange(ctx, userID, text, answer); err != nil {
		return newError(ErrorStorage, "history_append_error", err)
	}
	d.replyText(ctx, logger, ev.ReplyToken, answer)
	return nil
}

func (d *Dispatcher) handleImage(ctx context.Context, logger *slog.Logger, ev domain.Event) error {
	content, err := d.fetcher.FetchContent(ctx, ev.Message.ID)
	if err != nil {
		return newError(ErrorContentFetch, "image_fetch_error", err)
	}
	logger.Info("image fetched", "size", len(content.Data), "mime", content.MediaType)

	answer, err := d.llm.Complete(ctx, buildImageMessages(d.systemPrompt, content))
	if err != nil {
		return newError(ErrorBackend, "image_analysis_error", err)
	}
	d.replyText(ctx, logger, ev.ReplyToken, answer)
	return nil
}

// handleSticker analyzes the sticker artwork, then either replies with the
// analysis (text mode) or generates an answering image from it. A failed
// generation degrades to a text apology instead of failing the event.
func (d *Dispatcher) handleSticker(ctx context.Context, logger *slog.Logger, ev domain.Event) error {
	stickerID := strings.TrimSpace(ev.Message.StickerID.String())
	if stickerID == "" {
		return newError(ErrorInternal, "sticker_id_missing", errors.New("sticker id not found in event"))
	}
	stickerURL := fmt.Sprintf(stickerImageURLFormat, stickerID)
	logger.Info("sticker received", "sticker_id", stickerID, "package_id", ev.Message.PackageID.String(),
		"resource_type", ev.Message.StickerResourceType)

	analysis, err := d.llm.Complete(ctx, buildStickerMessages(d.stickerMode, stickerURL))
	if err != nil {
		return newError(ErrorBackend, "sticker_analysis_error", err)
	}
	if d.stickerMode == StickerModeText {
		d.replyText(ctx, logger, ev.ReplyToken, analysis)
		return nil
	}

	imageURL, err := d.llm.GenerateImage(ctx, analysis)
	if err != nil {
		logger.Warn("sticker image generation failed", "err", err)
		d.replyText(ctx, logger, ev.ReplyToken,
			fmt.Sprintf(replyStickerError, domain.TruncateRunes(err.Error(), maxStickerErrorRunes)))
		return nil
	}
	if err := d.replier.ReplyImage(ctx, ev.ReplyToken, imageURL, ""); err != nil {
		logger.Error("image reply delivery failed", "err", err)
	}
	return nil
}

func (d *Dispatcher) handleAudio(ctx context.Context, logger *slog.Logger, ev domain.Event) error {
	content, err := d.fetcher.FetchContent(ctx, ev.Message.ID)
	if err != nil {
		return newError(ErrorContentFetch, "audio_fetch_error", err)
	}
	transcript, err := d.llm.Transcribe(ctx, content.Data)
	if err != nil {
		return newError(ErrorBackend, "transcription_error", err)
	}
	if transcript == "" {
		transcript = transcriptMissing
	}
	logger.Info("audio transcribed", "length", len([]rune(transcript)))

	summary, err := d.llm.Complete(ctx, buildSummaryMessages(d.systemPrompt, transcript))
	if err != nil {
		return newError(ErrorBackend, "summary_error", err)
	}
	d.replyText(ctx, logger, ev.ReplyToken, summary)
	return nil
}

// replyText delivers a reply. Delivery failures are logged and never fail
// the event.
func (d *Dispatcher) replyText(ctx context.Context, logger *slog.Logger, replyToken, text string) {
	if err := d.replier.ReplyText(ctx, replyToken, text); err != nil {
		logger.Error("reply delivery failed", "err", err)
	}
}

// contain turns an event failure into one best-effort apology and a failed
// OutcomeRecord.
func (d *Dispatcher) contain(ctx context.Context, logger *slog.Logger, ev domain.Event, err error) domain.OutcomeRecord {
	msg := detail(err)
	logger.Error("event handling failed", "code", CodeOf(err), "err", err)
	if rerr := d.replier.ReplyText(ctx, ev.ReplyToken, replyErrorPrefix+domain.TruncateRunes(msg, maxErrorDetailRunes)); rerr != nil {
		logger.Error("error reply delivery failed", "err", rerr)
	}
	return domain.OutcomeRecord{OK: false, Type: string(ev.Message.Kind), UserID: ev.UserID(), Error: msg}
}
