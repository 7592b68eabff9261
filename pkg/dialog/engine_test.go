package dialog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/LingByte/LingReach/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClassifier struct {
	answer string
	err    error
	calls  int
}

func (s *stubClassifier) Classify(ctx context.Context, question string, options []string, language, utterance string) (string, error) {
	s.calls++
	return s.answer, s.err
}

func newEngine(t *testing.T, c Classifier) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultScript(), c, 2)
	require.NoError(t, err)
	return e
}

func TestInterpretKeywords(t *testing.T) {
	e := newEngine(t, nil)
	ctx := context.Background()
	tests := []struct {
		slot, lang, text, want string
	}{
		{"general_health", "en", "I'd say very good", "very_good"},
		{"general_health", "en", "Good.", "good"},
		{"general_health", "en", "2", "very_good"},
		{"general_health", "en", "number five", "poor"},
		{"general_health", "es", "Muy bien, gracias", "very_good"},
		{"general_health", "es", "regular", "fair"},
		{"general_health", "es", "Excelente", "excellent"},
		{"moderate_activities", "en", "limited a little", "limited_a_little"},
		{"moderate_activities", "en", "Not limited at all", "not_limited"},
		{"moderate_activities", "es", "sin limitación", "not_limited"},
		{"climbing_stairs", "es", "un poco", "limited_a_little"},
		{"climbing_stairs", "en", "3", "not_limited"},
	}
	for _, tt := range tests {
		got, err := e.Interpret(ctx, tt.slot, tt.lang, tt.text)
		require.NoError(t, err, tt.text)
		assert.Equal(t, tt.want, got, tt.text)
	}
}

func TestInterpretUnrecognized(t *testing.T) {
	e := newEngine(t, nil)
	_, err := e.Interpret(context.Background(), "general_health", "en", "purple elephants")
	assert.ErrorIs(t, err, ErrUnrecognized)

	_, err = e.Interpret(context.Background(), "favorite_color", "en", "blue")
	assert.ErrorIs(t, err, ErrUnknownSlot)
}

func TestInterpretFallsBackToClassifier(t *testing.T) {
	c := &stubClassifier{answer: " Fair "}
	e := newEngine(t, c)
	got, err := e.Interpret(context.Background(), "general_health", "en", "could be better honestly")
	require.NoError(t, err)
	assert.Equal(t, "fair", got)
	assert.Equal(t, 1, c.calls)

	// keyword hits never reach the classifier
	_, err = e.Interpret(context.Background(), "general_health", "en", "excellent")
	require.NoError(t, err)
	assert.Equal(t, 1, c.calls)
}

func TestClassifierOutputOutsideVocabulary(t *testing.T) {
	e := newEngine(t, &stubClassifier{answer: "pretty great"})
	_, err := e.Interpret(context.Background(), "general_health", "en", "could be better honestly")
	assert.ErrorIs(t, err, ErrUnrecognized)

	boom := errors.New("503")
	e = newEngine(t, &stubClassifier{err: boom})
	_, err = e.Interpret(context.Background(), "general_health", "en", "could be better honestly")
	assert.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, ErrUnrecognized))
}

func TestInterpretYesNo(t *testing.T) {
	e := newEngine(t, nil)
	ctx := context.Background()
	for text, want := range map[string]bool{
		"yes please":  true,
		"1":           true,
		"Sí, claro":   true,
		"no thanks":   false,
		"No, gracias": false,
		"2":           false,
	} {
		lang := "en"
		if text == "Sí, claro" || text == "No, gracias" {
			lang = "es"
		}
		got, err := e.InterpretYesNo(ctx, lang, text)
		require.NoError(t, err, text)
		assert.Equal(t, want, got, text)
	}
	_, err := e.InterpretYesNo(ctx, "en", "what is this about")
	assert.ErrorIs(t, err, ErrUnrecognized)
}

func TestSlotWalkWithRetries(t *testing.T) {
	e := newEngine(t, nil)
	s := session.New("Ana", "+15550001111", "en", e.SlotNames(), time.Now(), time.Hour)

	p, done := e.NextPrompt(s)
	require.False(t, done)
	assert.Equal(t, "general_health", p.Slot)
	assert.False(t, p.Retry)

	e.RecordAnswer(s, "good")
	p, _ = e.NextPrompt(s)
	assert.Equal(t, "moderate_activities", p.Slot)

	assert.False(t, e.RecordFailure(s))
	p, _ = e.NextPrompt(s)
	assert.True(t, p.Retry)
	assert.Contains(t, p.Text, "Sorry, I didn't catch that.")
	assert.False(t, e.RecordFailure(s))
	assert.True(t, e.RecordFailure(s))

	assert.Equal(t, session.SlotNotProvided, s.Slots[1].Status)
	p, _ = e.NextPrompt(s)
	assert.Equal(t, "climbing_stairs", p.Slot)

	e.RecordAnswer(s, "not_limited")
	_, done = e.NextPrompt(s)
	assert.True(t, done)
}

func TestDisplayAndLines(t *testing.T) {
	e := newEngine(t, nil)
	assert.Equal(t, "Muy Buena", e.Display("general_health", "very_good", "es"))
	assert.Equal(t, "Not Limited at All", e.Display("climbing_stairs", "not_limited", "en"))
	assert.Equal(t, "No proporcionado", e.Display("climbing_stairs", "", "es"))
	assert.Equal(t, "Salud General", e.Label("general_health", "es"))
	assert.Equal(t,
		"Hi Ana, this is Aldea calling from Zappix for your annual health assessment. Before we begin, I need to verify your identity.",
		e.Line(LineGreeting, "en", map[string]string{"first_name": "Ana"}))
	assert.Contains(t, e.Line(LineSMSBody, "es", map[string]string{"url": "https://x/y"}), "https://x/y")
	assert.Equal(t, e.Line(LineAskZIP, "en", nil), e.FactPrompt(session.FactZIP, "en"))
}

func TestParseScriptOverride(t *testing.T) {
	script, err := ParseScript([]byte(`
lines:
  greeting:
    en: "Hello {first_name}."
`))
	require.NoError(t, err)
	e, err := NewEngine(script, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, "Hello Bo.", e.Line(LineGreeting, "en", map[string]string{"first_name": "Bo"}))
	assert.Len(t, e.SlotNames(), 3)

	_, err = ParseScript([]byte(`
slots:
  - name: mood
    prompts: {en: "How are you?"}
    options: [{value: happy}]
`))
	assert.Error(t, err, "missing spanish prompt must fail validation")
}
