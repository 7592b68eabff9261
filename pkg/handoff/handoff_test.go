package handoff

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LingByte/LingReach/internal/models"
	"github.com/LingByte/LingReach/pkg/dialog"
	"github.com/LingByte/LingReach/pkg/notification"
	"github.com/LingByte/LingReach/pkg/session"
	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"pgregory.net/rapid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSMS struct {
	mu    sync.Mutex
	sent  []string
	fails int
}

func (f *fakeSMS) SendSMS(ctx context.Context, to, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return "", errors.New("carrier unavailable")
	}
	f.sent = append(f.sent, to+"|"+body)
	return "SM0001", nil
}

func (f *fakeSMS) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeMailer struct {
	mu    sync.Mutex
	notes []notification.FormSummary
}

func (m *fakeMailer) Notify(ctx context.Context, summary notification.FormSummary) {
	m.mu.Lock()
	m.notes = append(m.notes, summary)
	m.mu.Unlock()
}

type fixture struct {
	svc    *Service
	store  session.Store
	clock  *fakeClock
	sms    *fakeSMS
	mailer *fakeMailer
	db     *gorm.DB
}

func setup(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)}
	return setupWithStore(t, clock, session.NewMemoryStore(clock.Now))
}

func setupWithStore(t *testing.T, clock *fakeClock, store session.Store) *fixture {
	t.Helper()
	engine, err := dialog.NewEngine(nil, nil, dialog.DefaultMaxRetries)
	require.NoError(t, err)
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.AllModels()...))

	f := &fixture{store: store, clock: clock, sms: &fakeSMS{}, mailer: &fakeMailer{}, db: db}
	f.svc = NewService(Config{FrontendURL: "https://forms.example.com/"}, store, clock.Now, engine, f.sms, f.mailer, db, nil)
	t.Cleanup(f.svc.Close)
	return f
}

// completedCall stores a session as the call leg leaves it after opt-in.
func (f *fixture) completedCall(t *testing.T, optedIn bool) *session.Session {
	t.Helper()
	now := f.clock.Now()
	s := session.New("Ana", "+15550001111", "en", []string{"general_health", "moderate_activities", "climbing_stairs"}, now, 24*time.Hour)
	s.Phase = session.PhaseOptInComplete
	s.OptedIn = optedIn
	s.Slots[0].Value, s.Slots[0].Status = "very_good", session.SlotFilled
	s.Slots[1].Value, s.Slots[1].Status = "not_limited", session.SlotFilled
	s.Slots[2].Status = session.SlotNotProvided
	s.Cursor = 3
	require.NoError(t, f.store.Put(context.Background(), s.ID, s, 24*time.Hour))
	return s
}

func (f *fixture) get(t *testing.T, id string) *session.Session {
	t.Helper()
	s, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

var pngSignature = "data:image/png;base64," + base64.StdEncoding.EncodeToString(
	append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...))

func TestMintRedeemRoundTrip(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s := f.completedCall(t, true)

	token, expires, err := f.svc.Mint(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, token, TokenLength)
	assert.Equal(t, f.clock.Now().Add(DefaultTokenTTL), expires)

	again, _, err := f.svc.Mint(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, token, again, "a live token is reused")

	id, err := f.svc.Redeem(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, s.ID, id)

	got := f.get(t, s.ID)
	assert.Equal(t, session.PhaseFormReview, got.Phase)
	assert.True(t, got.Handoff.Consumed)
	require.NotNil(t, got.Handoff.ConsumedAt)

	_, err = f.svc.Redeem(ctx, token)
	assert.ErrorIs(t, err, ErrAlreadyConsumed)
}

func TestMintRoundTripProperty(t *testing.T) {
	f := setup(t)
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		n := rapid.IntRange(1, 5).Draw(rt, "sessions")
		ids := make([]string, n)
		tokens := make([]string, n)
		for i := range ids {
			s := f.completedCall(t, true)
			tok, _, err := f.svc.Mint(ctx, s.ID)
			require.NoError(rt, err)
			ids[i], tokens[i] = s.ID, tok
		}
		order := rapid.Permutation(indexes(n)).Draw(rt, "order")
		for _, i := range order {
			id, err := f.svc.Redeem(ctx, tokens[i])
			require.NoError(rt, err)
			require.Equal(rt, ids[i], id)
		}
	})
}

func indexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestMintPreconditions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	declined := f.completedCall(t, false)
	_, _, err := f.svc.Mint(ctx, declined.ID)
	assert.ErrorIs(t, err, ErrNotOptedIn)

	onCall := f.completedCall(t, true)
	_, err = session.Update(ctx, f.store, onCall.ID, f.clock.Now, func(s *session.Session) error {
		s.Phase = session.PhaseOptIn
		return nil
	})
	require.NoError(t, err)
	_, _, err = f.svc.Mint(ctx, onCall.ID)
	assert.ErrorIs(t, err, ErrPhaseMismatch)

	_, _, err = f.svc.Mint(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Scenario D: a link opened after it lapsed is refused and changes nothing.
func TestRedeemAfterExpiryLeavesSessionUntouched(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s := f.completedCall(t, true)
	token, _, err := f.svc.Mint(ctx, s.ID)
	require.NoError(t, err)
	before := f.get(t, s.ID)

	f.clock.Advance(DefaultTokenTTL + time.Minute)
	_, err = f.svc.Redeem(ctx, token)
	assert.ErrorIs(t, err, ErrExpired)

	after := f.get(t, s.ID)
	assert.Equal(t, session.PhaseOptInComplete, after.Phase)
	assert.False(t, after.Handoff.Consumed)
	assert.Equal(t, before.Version, after.Version)

	_, err = f.svc.Open(ctx, token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestRedeemUnknownToken(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Redeem(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "not_found", Reason(err))
}

func TestConcurrentRedeemConsumesOnce(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	clock := &fakeClock{now: time.Now()}
	f := setupWithStore(t, clock, session.NewRedisStore(client))
	ctx := context.Background()
	s := f.completedCall(t, true)
	token, _, err := f.svc.Mint(ctx, s.ID)
	require.NoError(t, err)

	const visitors = 16
	var ok, consumed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < visitors; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Redeem(ctx, token)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrAlreadyConsumed):
				consumed.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(visitors-1), consumed.Load())
	assert.Equal(t, session.PhaseFormReview, f.get(t, s.ID).Phase)
}

func TestSendLinkIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s := f.completedCall(t, true)

	var wg sync.WaitGroup
	results := make([]*LinkResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.SendLink(ctx, s.ID, "")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.sms.count())
	fresh := 0
	for _, r := range results {
		assert.Equal(t, results[0].Token, r.Token)
		if !r.AlreadySent {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Contains(t, f.sms.sent[0], "+15550001111|")
	assert.Contains(t, f.sms.sent[0], "https://forms.example.com/form/"+results[0].Token)

	got := f.get(t, s.ID)
	require.NotNil(t, got.Handoff.SMSSentAt)
	assert.Equal(t, "SM0001", got.Handoff.MessageSID)

	again, err := f.svc.SendLink(ctx, s.ID, "+15559998888")
	require.NoError(t, err)
	assert.True(t, again.AlreadySent)
	assert.Equal(t, "SM0001", again.MessageSID)
	assert.Equal(t, 1, f.sms.count())
}

func TestSendLinkFailureCanBeRetried(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s := f.completedCall(t, true)
	f.sms.fails = 1

	_, err := f.svc.SendLink(ctx, s.ID, "+15552223333")
	require.Error(t, err)
	assert.Nil(t, f.get(t, s.ID).Handoff.SMSSentAt)

	res, err := f.svc.SendLink(ctx, s.ID, "+15552223333")
	require.NoError(t, err)
	assert.False(t, res.AlreadySent)
	assert.Equal(t, 1, f.sms.count())
	assert.Equal(t, "+15552223333", f.get(t, s.ID).Handoff.SMSPhone)
}

func TestSendLinkAfterLapseDoesNotRemint(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s := f.completedCall(t, true)
	_, _, err := f.svc.Mint(ctx, s.ID)
	require.NoError(t, err)
	f.clock.Advance(3 * time.Hour)

	_, err = f.svc.SendLink(ctx, s.ID, "")
	assert.ErrorIs(t, err, ErrExpired)
	assert.Zero(t, f.sms.count())
}

func TestOpenRedeemsThenRereads(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s := f.completedCall(t, true)
	token, _, err := f.svc.Mint(ctx, s.ID)
	require.NoError(t, err)

	_, err = f.svc.Open(ctx, s.ID)
	assert.ErrorIs(t, err, ErrPhaseMismatch, "session id only opens after redemption")

	form, err := f.svc.Open(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, s.ID, form.SessionID)
	assert.Equal(t, session.PhaseFormReview, form.Phase)
	require.Len(t, form.Fields, 3)
	assert.Equal(t, "General Health", form.Fields[0].Label)
	assert.Equal(t, "Very Good", form.Fields[0].Display)
	assert.Equal(t, "Not provided", form.Fields[2].Display)
	assert.Empty(t, form.Fields[2].Value)

	again, err := f.svc.Open(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, form.Fields, again.Fields)

	byID, err := f.svc.Open(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, form.SessionID, byID.SessionID)

	_, err = f.svc.Open(ctx, "unknown-ref")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProjectSpanishLabels(t *testing.T) {
	f := setup(t)
	s := f.completedCall(t, true)
	s.Language = "es"
	form := f.svc.Project(s)
	assert.Equal(t, "Salud General", form.Fields[0].Label)
	assert.Equal(t, "Muy Buena", form.Fields[0].Display)
	assert.Equal(t, "No proporcionado", form.Fields[2].Display)
}

// Scenario E: a second submit is a phase mismatch, not a second submission.
func TestSubmitOnceThenPhaseMismatch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s := f.completedCall(t, true)
	token, _, err := f.svc.Mint(ctx, s.ID)
	require.NoError(t, err)
	_, err = f.svc.Redeem(ctx, token)
	require.NoError(t, err)

	got, err := f.svc.Submit(ctx, s.ID, pngSignature)
	require.NoError(t, err)
	assert.Equal(t, session.PhaseSubmitted, got.Phase)
	assert.True(t, got.Submitted)
	require.NotNil(t, got.Signature)
	assert.Equal(t, "image/png", got.Signature.ContentType)
	assert.Equal(t, 72, got.Signature.Size)

	_, err = f.svc.Submit(ctx, s.ID, pngSignature)
	assert.ErrorIs(t, err, ErrPhaseMismatch)

	sub, err := models.GetSubmissionBySessionID(f.db, s.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Signature.SHA256, sub.SignatureSHA256)
	require.Len(t, sub.Answers, 3)
	assert.Equal(t, "very_good", sub.Answers[0].Value)

	var count int64
	require.NoError(t, f.db.Model(&models.Submission{}).Where("session_id = ?", s.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	f.mailer.mu.Lock()
	defer f.mailer.mu.Unlock()
	require.Len(t, f.mailer.notes, 1)
	assert.Equal(t, "Very Good", f.mailer.notes[0].Fields[0].Value)

	_, err = f.svc.Open(ctx, token)
	assert.ErrorIs(t, err, ErrAlreadyConsumed)
}

func TestSubmitRejectsBadSignature(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s := f.completedCall(t, true)
	token, _, err := f.svc.Mint(ctx, s.ID)
	require.NoError(t, err)
	_, err = f.svc.Redeem(ctx, token)
	require.NoError(t, err)

	for _, sig := range []string{"", "not base64!!", "data:image/png,abc", base64.StdEncoding.EncodeToString([]byte("plain text"))} {
		_, err := f.svc.Submit(ctx, s.ID, sig)
		assert.ErrorIs(t, err, ErrInvalidSignature, sig)
	}
	assert.Equal(t, session.PhaseFormReview, f.get(t, s.ID).Phase)
}

func TestSubmitBeforeRedeemIsPhaseMismatch(t *testing.T) {
	f := setup(t)
	s := f.completedCall(t, true)
	_, err := f.svc.Submit(context.Background(), s.ID, pngSignature)
	assert.ErrorIs(t, err, ErrPhaseMismatch)
}

func TestSubmitAfterWindowExpires(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s := f.completedCall(t, true)
	token, _, err := f.svc.Mint(ctx, s.ID)
	require.NoError(t, err)
	_, err = f.svc.Redeem(ctx, token)
	require.NoError(t, err)

	f.clock.Advance(DefaultTokenTTL + time.Second)
	_, err = f.svc.Submit(ctx, s.ID, pngSignature)
	assert.ErrorIs(t, err, ErrExpired)

	got := f.get(t, s.ID)
	assert.Equal(t, session.PhaseExpired, got.Phase)
	assert.False(t, got.Submitted)
}

func TestRedeemExtendsShortWindow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s := f.completedCall(t, true)
	token, _, err := f.svc.Mint(ctx, s.ID)
	require.NoError(t, err)

	f.clock.Advance(DefaultTokenTTL - time.Minute)
	_, err = f.svc.Redeem(ctx, token)
	require.NoError(t, err)
	f.clock.Advance(10 * time.Minute)

	_, err = f.svc.Submit(ctx, s.ID, pngSignature)
	require.NoError(t, err)
}

func TestExpireMovesUnredeemedSession(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s := f.completedCall(t, true)
	_, _, err := f.svc.Mint(ctx, s.ID)
	require.NoError(t, err)

	expired, err := f.svc.Expire(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, expired, "window still open")

	f.clock.Advance(DefaultTokenTTL)
	expired, err = f.svc.Expire(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, expired)
	got := f.get(t, s.ID)
	assert.Equal(t, session.PhaseExpired, got.Phase)
	assert.Equal(t, "handoff_expired", got.EndReason)

	expired, err = f.svc.Expire(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestParseSignature(t *testing.T) {
	art, err := ParseSignature(pngSignature)
	require.NoError(t, err)
	assert.Equal(t, "image/png", art.ContentType)
	assert.Len(t, art.SHA256, 64)

	bare := base64.StdEncoding.EncodeToString(append([]byte("\x89PNG\r\n\x1a\n"), 1, 2, 3))
	art, err = ParseSignature(bare)
	require.NoError(t, err)
	assert.Equal(t, "image/png", art.ContentType)

	_, err = ParseSignature("data:image/png;base64,")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
