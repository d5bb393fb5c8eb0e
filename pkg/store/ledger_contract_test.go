package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sciecho/pkg/quota"
)

var (
	monday  = time.Date(2026, time.March, 2, 9, 30, 0, 0, time.UTC)
	tuesday = time.Date(2026, time.March, 3, 0, 5, 0, 0, time.UTC)
)

// runLedgerContract checks the behavior every LedgerStore must share.
func runLedgerContract(t *testing.T, newStore func(t *testing.T) LedgerStore) {
	t.Run("LoadOrInitCreatesZeroedLedger", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, ok, err := s.GetLedger(ctx, "acct-init"); err != nil || ok {
			t.Fatalf("expected no ledger before init: ok=%v err=%v", ok, err)
		}
		ledger, err := s.LoadOrInitLedger(ctx, "acct-init", monday)
		if err != nil {
			t.Fatalf("load or init: %v", err)
		}
		if ledger.UploadsToday != 0 || ledger.QuestionsToday != 0 {
			t.Fatalf("expected zero counters, got %+v", ledger)
		}
		if !ledger.LastResetDate.Equal(quota.DayOf(monday)) {
			t.Fatalf("unexpected reset date %s", ledger.LastResetDate)
		}
		if _, ok, err := s.GetLedger(ctx, "acct-init"); err != nil || !ok {
			t.Fatalf("expected ledger after init: ok=%v err=%v", ok, err)
		}
	})

	t.Run("LoadOrInitIsIdempotentUnderConcurrency", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.ConsumeQuota(ctx, "acct-dup", quota.KindQuestion, monday, quota.QuestionLimit); err != nil {
			t.Fatalf("consume: %v", err)
		}
		const workers = 8
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ledger, err := s.LoadOrInitLedger(ctx, "acct-dup", monday)
				if err == nil && ledger.QuestionsToday != 1 {
					err = errors.New("init overwrote existing counters")
				}
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("load or init: %v", err)
			}
		}
	})

	t.Run("ConsumeStopsAtLimit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 1; i <= quota.QuestionLimit; i++ {
			ledger, err := s.ConsumeQuota(ctx, "acct-q", quota.KindQuestion, monday, quota.QuestionLimit)
			if err != nil {
				t.Fatalf("consume %d: %v", i, err)
			}
			if ledger.QuestionsToday != i {
				t.Fatalf("consume %d: expected %d questions, got %d", i, i, ledger.QuestionsToday)
			}
		}
		ledger, err := s.ConsumeQuota(ctx, "acct-q", quota.KindQuestion, monday, quota.QuestionLimit)
		if !errors.Is(err, ErrQuotaExhausted) {
			t.Fatalf("expected exhausted, got %v", err)
		}
		if ledger.QuestionsToday != quota.QuestionLimit {
			t.Fatalf("expected counter to stay at limit, got %d", ledger.QuestionsToday)
		}
		if ledger.UploadsToday != 0 {
			t.Fatalf("question consume touched uploads: %+v", ledger)
		}
	})

	t.Run("ConsumeResetsOnNewDay", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.ConsumeQuota(ctx, "acct-day", quota.KindUpload, monday, quota.UploadLimit); err != nil {
			t.Fatalf("consume monday: %v", err)
		}
		if _, err := s.ConsumeQuota(ctx, "acct-day", quota.KindQuestion, monday, quota.QuestionLimit); err != nil {
			t.Fatalf("consume monday question: %v", err)
		}
		if _, err := s.ConsumeQuota(ctx, "acct-day", quota.KindUpload, monday, quota.UploadLimit); !errors.Is(err, ErrQuotaExhausted) {
			t.Fatalf("expected exhausted on monday, got %v", err)
		}
		ledger, err := s.ConsumeQuota(ctx, "acct-day", quota.KindUpload, tuesday, quota.UploadLimit)
		if err != nil {
			t.Fatalf("consume tuesday: %v", err)
		}
		if ledger.UploadsToday != 1 || ledger.QuestionsToday != 0 {
			t.Fatalf("expected fresh tuesday counters, got %+v", ledger)
		}
		if !ledger.LastResetDate.Equal(quota.DayOf(tuesday)) {
			t.Fatalf("expected tuesday reset date, got %s", ledger.LastResetDate)
		}
	})

	t.Run("ResetOnlyTouchesStaleLedger", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.ConsumeQuota(ctx, "acct-reset", quota.KindQuestion, monday, quota.QuestionLimit); err != nil {
			t.Fatalf("consume: %v", err)
		}
		ledger, err := s.ResetLedger(ctx, "acct-reset", monday)
		if err != nil {
			t.Fatalf("reset same day: %v", err)
		}
		if ledger.QuestionsToday != 1 {
			t.Fatalf("same-day reset changed counters: %+v", ledger)
		}
		ledger, err = s.ResetLedger(ctx, "acct-reset", tuesday)
		if err != nil {
			t.Fatalf("reset next day: %v", err)
		}
		if ledger.QuestionsToday != 0 || !ledger.LastResetDate.Equal(quota.DayOf(tuesday)) {
			t.Fatalf("expected reset ledger, got %+v", ledger)
		}
	})

	t.Run("ConcurrentConsumeNeverExceedsLimit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const workers = 10
		start := make(chan struct{})
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := s.ConsumeQuota(ctx, "acct-race", quota.KindQuestion, monday, quota.QuestionLimit)
				errs <- err
			}()
		}
		close(start)
		wg.Wait()
		close(errs)

		successes, exhausted := 0, 0
		for err := range errs {
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrQuotaExhausted):
				exhausted++
			default:
				t.Fatalf("unexpected consume error: %v", err)
			}
		}
		if successes != quota.QuestionLimit || exhausted != workers-quota.QuestionLimit {
			t.Fatalf("expected %d successes, got successes=%d exhausted=%d", quota.QuestionLimit, successes, exhausted)
		}
		ledger, ok, err := s.GetLedger(ctx, "acct-race")
		if err != nil || !ok {
			t.Fatalf("get ledger: ok=%v err=%v", ok, err)
		}
		if ledger.QuestionsToday != quota.QuestionLimit {
			t.Fatalf("expected %d questions stored, got %d", quota.QuestionLimit, ledger.QuestionsToday)
		}
	})

	t.Run("ZeroLimitIsAlwaysExhausted", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.ConsumeQuota(context.Background(), "acct-zero", quota.KindUpload, monday, 0); !errors.Is(err, ErrQuotaExhausted) {
			t.Fatalf("expected exhausted for zero limit, got %v", err)
		}
	})

	t.Run("LaggingClockNeverMovesLedgerBack", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.ConsumeQuota(ctx, "acct-skew", quota.KindUpload, tuesday, quota.UploadLimit); err != nil {
			t.Fatalf("consume tuesday: %v", err)
		}
		ledger, err := s.ResetLedger(ctx, "acct-skew", monday)
		if err != nil {
			t.Fatalf("reset with earlier day: %v", err)
		}
		if ledger.UploadsToday != 1 || !ledger.LastResetDate.Equal(quota.DayOf(tuesday)) {
			t.Fatalf("earlier day reset the ledger: %+v", ledger)
		}
		ledger, err = s.ConsumeQuota(ctx, "acct-skew", quota.KindUpload, monday, quota.UploadLimit)
		if !errors.Is(err, ErrQuotaExhausted) {
			t.Fatalf("expected exhausted for earlier day, got %v", err)
		}
		if ledger.UploadsToday != 1 || !ledger.LastResetDate.Equal(quota.DayOf(tuesday)) {
			t.Fatalf("earlier day consume rewrote the ledger: %+v", ledger)
		}
		stored, _, err := s.GetLedger(ctx, "acct-skew")
		if err != nil {
			t.Fatalf("get ledger: %v", err)
		}
		if stored.UploadsToday != 1 || !stored.LastResetDate.Equal(quota.DayOf(tuesday)) {
			t.Fatalf("stored ledger moved back: %+v", stored)
		}
	})

	t.Run("ZeroLimitReturnsReconciledLedger", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.ConsumeQuota(ctx, "acct-zero-day", quota.KindQuestion, monday, quota.QuestionLimit); err != nil {
			t.Fatalf("consume monday: %v", err)
		}
		ledger, err := s.ConsumeQuota(ctx, "acct-zero-day", quota.KindQuestion, tuesday, 0)
		if !errors.Is(err, ErrQuotaExhausted) {
			t.Fatalf("expected exhausted for zero limit, got %v", err)
		}
		if ledger.QuestionsToday != 0 || !ledger.LastResetDate.Equal(quota.DayOf(tuesday)) {
			t.Fatalf("expected tuesday view of the ledger, got %+v", ledger)
		}
	})
}
