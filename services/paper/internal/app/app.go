package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"sciecho/internal/util"
	"sciecho/pkg/ai"
	"sciecho/pkg/domain"
	"sciecho/pkg/quota"
	"sciecho/pkg/storage"
	"sciecho/pkg/store"
)

const (
	// PDFMimeType is the only accepted upload type.
	PDFMimeType = "application/pdf"

	DefaultMaxUploadBytes    int64 = 10 << 20
	DefaultMaxQuestionRunes        = 2000
	DefaultEngineTimeout           = 2 * time.Minute
	DefaultDownloadURLExpiry       = 15 * time.Minute

	commitTimeout = 15 * time.Second
)

// ErrNotArchived is returned by DownloadURL when the current document has no
// archived PDF.
var ErrNotArchived = errors.New("document not archived")

// Engine is the text-processing collaborator.
type Engine interface {
	Summarize(ctx context.Context, pdf []byte) (ai.Digest, error)
	Answer(ctx context.Context, doc ai.Document, question string) (string, error)
}

// Config holds the collaborators and limits of the paper service.
type Config struct {
	Ledgers   store.LedgerStore
	Documents store.DocumentStore
	Engine    Engine
	// Objects archives uploaded PDFs. Nil disables archiving and downloads.
	Objects storage.ObjectStore

	// Limits defaults to quota.DefaultLimits when nil.
	Limits            *quota.Limits
	MaxUploadBytes    int64
	MaxQuestionRunes  int
	EngineTimeout     time.Duration
	DownloadURLExpiry time.Duration
	Now               func() time.Time
}

// App coordinates uploads and questions against the quota ledger and the
// document slot of each account.
type App struct {
	ledgers   store.LedgerStore
	documents store.DocumentStore
	engine    Engine
	objects   storage.ObjectStore

	limits           quota.Limits
	maxUploadBytes   int64
	maxQuestionRunes int
	engineTimeout    time.Duration
	downloadExpiry   time.Duration
	now              func() time.Time

	commits *accountGate
	inits   singleflight.Group
}

// New validates cfg and applies defaults.
func New(cfg Config) (*App, error) {
	if cfg.Ledgers == nil {
		return nil, errors.New("ledger store required")
	}
	if cfg.Documents == nil {
		return nil, errors.New("document store required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("engine required")
	}
	a := &App{
		ledgers:          cfg.Ledgers,
		documents:        cfg.Documents,
		engine:           cfg.Engine,
		objects:          cfg.Objects,
		limits:           quota.DefaultLimits(),
		maxUploadBytes:   cfg.MaxUploadBytes,
		maxQuestionRunes: cfg.MaxQuestionRunes,
		engineTimeout:    cfg.EngineTimeout,
		downloadExpiry:   cfg.DownloadURLExpiry,
		now:              cfg.Now,
		commits:          newAccountGate(),
	}
	if cfg.Limits != nil {
		a.limits = *cfg.Limits
	}
	if a.limits.Uploads < 0 || a.limits.Questions < 0 {
		return nil, fmt.Errorf("invalid limits %+v", a.limits)
	}
	if a.maxUploadBytes <= 0 {
		a.maxUploadBytes = DefaultMaxUploadBytes
	}
	if a.maxQuestionRunes <= 0 {
		a.maxQuestionRunes = DefaultMaxQuestionRunes
	}
	if a.engineTimeout <= 0 {
		a.engineTimeout = DefaultEngineTimeout
	}
	if a.downloadExpiry <= 0 {
		a.downloadExpiry = DefaultDownloadURLExpiry
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// Limits returns the active daily limits.
func (a *App) Limits() quota.Limits {
	return a.limits
}

// MaxUploadBytes returns the upload size ceiling.
func (a *App) MaxUploadBytes() int64 {
	return a.maxUploadBytes
}

// Now returns the current instant of the app clock.
func (a *App) Now() time.Time {
	return a.now()
}

// Today returns the current UTC calendar date.
func (a *App) Today() time.Time {
	return quota.DayOf(a.now())
}

// UploadRequest is one paper upload. A zero Today means the current date.
type UploadRequest struct {
	AccountID string
	Filename  string
	Content   []byte
	SizeBytes int64
	MimeType  string
	Today     time.Time
}

// UploadResult is returned by a successful upload.
type UploadResult struct {
	Summary  string              `json:"summary"`
	Document domain.DocumentMeta `json:"document"`
	Usage    domain.Usage        `json:"usage"`
}

// QuestionRequest is one question about the current paper.
type QuestionRequest struct {
	AccountID string
	Question  string
	Today     time.Time
}

// QuestionResult is returned by an answered question.
type QuestionResult struct {
	Answer string       `json:"answer"`
	Usage  domain.Usage `json:"usage"`
}

// SubmitUpload summarizes a PDF and makes it the account's only document.
//
// The engine call holds no lock. The upload unit is consumed only after the
// summary is stored, with a consume that re-checks the limit at write time;
// a request that loses that race puts the previous document back.
func (a *App) SubmitUpload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	today := a.day(req.Today)
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return UploadResult{}, invalidInput("account id required")
	}
	filename, size, err := a.validateUpload(req)
	if err != nil {
		return UploadResult{}, err
	}

	ledger, err := a.reconcile(ctx, accountID, today)
	if err != nil {
		return UploadResult{}, err
	}
	if allowed, _ := a.limits.TryConsumeUpload(ledger); !allowed {
		return UploadResult{}, quotaExceeded(quota.KindUpload, a.limits.Usage(ledger))
	}

	digest, err := callEngine(ctx, a.engineTimeout, "summarize", func(ctx context.Context) (ai.Digest, error) {
		return a.engine.Summarize(ctx, req.Content)
	})
	if err != nil {
		return UploadResult{}, err
	}

	slot := domain.DocumentSlot{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		Filename:   filename,
		Summary:    digest.Summary,
		Content:    digest.Text,
		Embeddings: digest.Embeddings,
		SizeBytes:  size,
		UploadedAt: a.now().UTC(),
	}
	return a.commitUpload(ctx, slot, req.Content, today)
}

func (a *App) validateUpload(req UploadRequest) (string, int64, error) {
	mediaType, _, err := mime.ParseMediaType(req.MimeType)
	if err != nil || !strings.EqualFold(mediaType, PDFMimeType) {
		return "", 0, invalidInput("unsupported file type %q, only PDF is accepted", req.MimeType)
	}
	size := max(req.SizeBytes, int64(len(req.Content)))
	if size > a.maxUploadBytes {
		return "", 0, &Error{
			Kind: KindPayloadTooLarge,
			Err:  fmt.Errorf("file is %d bytes, limit is %d", size, a.maxUploadBytes),
		}
	}
	if len(req.Content) == 0 {
		return "", 0, invalidInput("file is empty")
	}
	filename := strings.TrimSpace(filepath.Base(strings.ReplaceAll(req.Filename, "\\", "/")))
	if filename == "" || filename == "." || filename == "/" {
		return "", 0, invalidInput("filename required")
	}
	return filename, size, nil
}

func (a *App) commitUpload(ctx context.Context, slot domain.DocumentSlot, pdf []byte, today time.Time) (UploadResult, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	unlock := a.commits.Lock(slot.AccountID)
	defer unlock()
	logger := util.LoggerFromContext(ctx).With("account_id", slot.AccountID, "document_id", slot.ID)

	previous, hadPrevious, err := a.documents.CurrentDocument(ctx, slot.AccountID)
	if err != nil {
		return UploadResult{}, storeUnavailable("read document", err)
	}
	if a.objects != nil {
		key := storage.PaperKey(slot.AccountID, slot.ID, slot.Filename)
		if err := a.objects.Put(ctx, key, bytes.NewReader(pdf), int64(len(pdf)), PDFMimeType); err != nil {
			logger.Warn("archive paper failed", "error", err)
		} else {
			slot.StorageKey = key
		}
	}

	stored, err := a.documents.ReplaceDocument(ctx, slot)
	if err != nil {
		a.deleteObject(ctx, slot.StorageKey)
		return UploadResult{}, storeUnavailable("replace document", err)
	}

	ledger, err := a.ledgers.ConsumeQuota(ctx, slot.AccountID, quota.KindUpload, today, a.limits.Uploads)
	if errors.Is(err, store.ErrQuotaExhausted) {
		usage := a.limits.Usage(ledger)
		if restoreErr := a.restoreDocument(ctx, slot.AccountID, previous, hadPrevious); restoreErr != nil {
			logger.Error("restore document after lost upload race failed", "error", restoreErr)
			return UploadResult{}, partialFailure("restore previous document", &usage, restoreErr)
		}
		a.deleteObject(ctx, stored.StorageKey)
		return UploadResult{}, quotaExceeded(quota.KindUpload, usage)
	}
	if err != nil {
		logger.Warn("document stored but upload quota not recorded", "error", err)
		return UploadResult{}, partialFailure("consume upload quota", nil, err)
	}

	if hadPrevious && previous.StorageKey != "" && previous.StorageKey != stored.StorageKey {
		a.deleteObject(ctx, previous.StorageKey)
	}
	return UploadResult{
		Summary:  stored.Summary,
		Document: stored.Meta(),
		Usage:    a.limits.Usage(ledger),
	}, nil
}

func (a *App) restoreDocument(ctx context.Context, accountID string, previous domain.DocumentSlot, hadPrevious bool) error {
	if !hadPrevious {
		return a.documents.ClearDocument(ctx, accountID)
	}
	_, err := a.documents.ReplaceDocument(ctx, previous)
	return err
}

// SubmitQuestion answers a question from the account's current document.
func (a *App) SubmitQuestion(ctx context.Context, req QuestionRequest) (QuestionResult, error) {
	today := a.day(req.Today)
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return QuestionResult{}, invalidInput("account id required")
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return QuestionResult{}, invalidInput("question is empty")
	}
	if n := utf8.RuneCountInString(question); n > a.maxQuestionRunes {
		return QuestionResult{}, invalidInput("question is %d characters, limit is %d", n, a.maxQuestionRunes)
	}

	ledger, err := a.reconcile(ctx, accountID, today)
	if err != nil {
		return QuestionResult{}, err
	}
	if allowed, _ := a.limits.TryConsumeQuestion(ledger); !allowed {
		return QuestionResult{}, quotaExceeded(quota.KindQuestion, a.limits.Usage(ledger))
	}

	slot, ok, err := a.documents.CurrentDocument(ctx, accountID)
	if err != nil {
		return QuestionResult{}, storeUnavailable("read document", err)
	}
	if !ok {
		usage := a.limits.Usage(ledger)
		return QuestionResult{}, &Error{
			Kind:   KindPreconditionFailed,
			Reason: ReasonNoDocument,
			Usage:  &usage,
			Err:    errors.New("upload a paper before asking questions"),
		}
	}

	answer, err := callEngine(ctx, a.engineTimeout, "answer", func(ctx context.Context) (string, error) {
		return a.engine.Answer(ctx, ai.Document{Text: slot.Content, Embeddings: slot.Embeddings}, question)
	})
	if err != nil {
		return QuestionResult{}, err
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	ledger, err = a.ledgers.ConsumeQuota(commitCtx, accountID, quota.KindQuestion, today, a.limits.Questions)
	if errors.Is(err, store.ErrQuotaExhausted) {
		return QuestionResult{}, quotaExceeded(quota.KindQuestion, a.limits.Usage(ledger))
	}
	if err != nil {
		util.LoggerFromContext(ctx).Warn("question answered but quota not recorded", "account_id", accountID, "error", err)
		return QuestionResult{}, partialFailure("consume question quota", nil, err)
	}
	return QuestionResult{Answer: answer, Usage: a.limits.Usage(ledger)}, nil
}

// GetStatus returns the reconciled usage and current document metadata.
// It never writes: a missing or stale ledger is reconciled in memory only.
func (a *App) GetStatus(ctx context.Context, accountID string, today time.Time) (domain.Status, error) {
	today = a.day(today)
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.Status{}, invalidInput("account id required")
	}
	ledger, ok, err := a.ledgers.GetLedger(ctx, accountID)
	if err != nil {
		return domain.Status{}, storeUnavailable("read ledger", err)
	}
	if !ok {
		ledger = domain.QuotaLedger{AccountID: accountID, LastResetDate: today}
	}
	status := domain.Status{Usage: a.limits.Usage(quota.Reconcile(ledger, today))}

	slot, found, err := a.documents.CurrentDocument(ctx, accountID)
	if err != nil {
		return domain.Status{}, storeUnavailable("read document", err)
	}
	if found {
		meta := slot.Meta()
		status.Document = &meta
	}
	return status, nil
}

// Bootstrap creates the ledger of a newly authenticated account and persists
// a pending daily reset, then returns the status.
func (a *App) Bootstrap(ctx context.Context, accountID string) (domain.Status, error) {
	today := a.Today()
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.Status{}, invalidInput("account id required")
	}
	if _, err := a.reconcile(ctx, accountID, today); err != nil {
		return domain.Status{}, err
	}
	return a.GetStatus(ctx, accountID, today)
}

// CurrentDocument returns the metadata of the account's document.
func (a *App) CurrentDocument(ctx context.Context, accountID string) (domain.DocumentMeta, bool, error) {
	slot, ok, err := a.documents.CurrentDocument(ctx, strings.TrimSpace(accountID))
	if err != nil {
		return domain.DocumentMeta{}, false, storeUnavailable("read document", err)
	}
	if !ok {
		return domain.DocumentMeta{}, false, nil
	}
	return slot.Meta(), true, nil
}

// DiscardDocument clears the account's document. Consumed quota is not refunded.
func (a *App) DiscardDocument(ctx context.Context, accountID string) error {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return invalidInput("account id required")
	}
	unlock := a.commits.Lock(accountID)
	defer unlock()
	slot, ok, err := a.documents.CurrentDocument(ctx, accountID)
	if err != nil {
		return storeUnavailable("read document", err)
	}
	if !ok {
		return nil
	}
	if err := a.documents.ClearDocument(ctx, accountID); err != nil {
		return storeUnavailable("clear document", err)
	}
	a.deleteObject(ctx, slot.StorageKey)
	return nil
}

// DownloadURL presigns a GET URL for the archived PDF of the current document.
func (a *App) DownloadURL(ctx context.Context, accountID string) (string, string, error) {
	slot, ok, err := a.documents.CurrentDocument(ctx, strings.TrimSpace(accountID))
	if err != nil {
		return "", "", storeUnavailable("read document", err)
	}
	if !ok {
		return "", "", ErrNoDocument
	}
	if a.objects == nil || slot.StorageKey == "" {
		return "", "", ErrNotArchived
	}
	url, err := a.objects.PresignGet(ctx, slot.StorageKey, a.downloadExpiry)
	if err != nil {
		return "", "", storeUnavailable("presign download", err)
	}
	return url, slot.Filename, nil
}

// reconcile loads or creates the ledger and persists a pending daily reset.
//
// Concurrent callers for one account share a single load. The shared load
// runs detached from any one caller, so a caller that gives up only stops
// waiting for itself.
func (a *App) reconcile(ctx context.Context, accountID string, today time.Time) (domain.QuotaLedger, error) {
	ch := a.inits.DoChan(accountID+"|"+quota.FormatDay(today), func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
		defer cancel()
		return a.ledgers.LoadOrInitLedger(loadCtx, accountID, today)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return domain.QuotaLedger{}, storeUnavailable("load ledger", context.Cause(ctx))
	}
	if res.Err != nil {
		return domain.QuotaLedger{}, storeUnavailable("load ledger", res.Err)
	}
	ledger := res.Val.(domain.QuotaLedger)
	if quota.IsStale(ledger, today) {
		reset, err := a.ledgers.ResetLedger(ctx, accountID, today)
		if err != nil {
			return domain.QuotaLedger{}, storeUnavailable("reset ledger", err)
		}
		ledger = reset
	}
	return quota.Reconcile(ledger, today), nil
}

func (a *App) day(today time.Time) time.Time {
	if today.IsZero() {
		return a.Today()
	}
	return quota.DayOf(today)
}

func (a *App) deleteObject(ctx context.Context, key string) {
	if a.objects == nil || key == "" {
		return
	}
	if err := a.objects.Delete(ctx, key); err != nil {
		util.LoggerFromContext(ctx).Warn("delete archived paper failed", "key", key, "error", err)
	}
}

// callEngine runs call detached from the caller's cancellation, bounded by
// timeout. A result that arrives after the caller has gone is discarded.
func callEngine[T any](ctx context.Context, timeout time.Duration, op string, call func(context.Context) (T, error)) (T, error) {
	var zero T
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	result, err := call(callCtx)
	if ctx.Err() != nil {
		return zero, upstreamFailure(op, fmt.Errorf("request abandoned: %w", context.Cause(ctx)))
	}
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		return zero, upstreamFailure(op, err)
	}
	return result, nil
}
