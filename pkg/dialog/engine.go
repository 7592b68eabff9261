package dialog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/LingByte/LingReach/pkg/session"
)

var (
	// ErrUnrecognized means the answer maps to no option of the closed vocabulary.
	ErrUnrecognized = errors.New("answer not recognized")
	ErrUnknownSlot  = errors.New("unknown slot")
)

// DefaultMaxRetries is how many re-asks a slot gets after the first attempt.
const DefaultMaxRetries = 2

// Classifier maps free text onto one of options. Implementations may return
// anything; the engine validates the answer against the vocabulary.
type Classifier interface {
	Classify(ctx context.Context, question string, options []string, language, utterance string) (string, error)
}

// Prompt is the next question to ask.
type Prompt struct {
	Slot  string
	Text  string
	Retry bool
}

// Engine walks the slot script and interprets answers.
type Engine struct {
	script     *Script
	classifier Classifier
	maxRetries int
	vocab      map[string][]compiledOption
	yesNo      []compiledOption
}

type compiledOption struct {
	value    string
	phrases  map[string][]string // lang -> folded phrases
	ordinals []string
}

var ordinalWords = map[int][]string{
	1: {"one", "uno", "first", "primero", "primera"},
	2: {"two", "dos", "second", "segundo", "segunda"},
	3: {"three", "tres", "third", "tercero", "tercera"},
	4: {"four", "cuatro", "fourth", "cuarto", "cuarta"},
	5: {"five", "cinco", "fifth", "quinto", "quinta"},
}

func NewEngine(script *Script, classifier Classifier, maxRetries int) (*Engine, error) {
	if script == nil {
		script = DefaultScript()
	}
	if err := script.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dialog script: %w", err)
	}
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	e := &Engine{
		script:     script,
		classifier: classifier,
		maxRetries: maxRetries,
		vocab:      make(map[string][]compiledOption, len(script.Slots)),
		yesNo:      compile(script.YesNo),
	}
	for _, slot := range script.Slots {
		e.vocab[slot.Name] = compile(slot.Options)
	}
	return e, nil
}

func compile(opts []Option) []compiledOption {
	out := make([]compiledOption, 0, len(opts))
	for _, o := range opts {
		c := compiledOption{value: o.Value, phrases: map[string][]string{}}
		for lang, words := range o.Keywords {
			for _, w := range words {
				if f := foldText(w); f != "" {
					c.phrases[lang] = append(c.phrases[lang], f)
				}
			}
		}
		if o.Ordinal > 0 {
			c.ordinals = append(c.ordinals, strconv.Itoa(o.Ordinal))
			c.ordinals = append(c.ordinals, ordinalWords[o.Ordinal]...)
		}
		out = append(out, c)
	}
	return out
}

// SlotNames lists slots in asking order.
func (e *Engine) SlotNames() []string {
	names := make([]string, 0, len(e.script.Slots))
	for _, s := range e.script.Slots {
		names = append(names, s.Name)
	}
	return names
}

// MaxRetries is the number of re-asks per slot.
func (e *Engine) MaxRetries() int { return e.maxRetries }

// Line renders a fixed utterance with {key} placeholders replaced from vars.
func (e *Engine) Line(key, lang string, vars map[string]string) string {
	text := pick(e.script.Lines[key], lang)
	if text == "" {
		text = pick(DefaultScript().Lines[key], lang)
	}
	if len(vars) == 0 {
		return text
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// FactPrompt is the question for one identity fact.
func (e *Engine) FactPrompt(f session.Fact, lang string) string {
	switch f {
	case session.FactDOB:
		return e.Line(LineAskDOB, lang, nil)
	case session.FactZIP:
		return e.Line(LineAskZIP, lang, nil)
	case session.FactSSN4:
		return e.Line(LineAskSSN4, lang, nil)
	}
	return ""
}

// NextPrompt returns the question for the slot under the cursor, or done once
// every slot is filled or marked not provided.
func (e *Engine) NextPrompt(s *session.Session) (Prompt, bool) {
	cur := s.CurrentSlot()
	if cur == nil {
		return Prompt{}, true
	}
	slot, ok := e.script.slot(cur.Name)
	if !ok {
		return Prompt{}, true
	}
	p := Prompt{Slot: cur.Name, Text: pick(slot.Prompts, s.Language)}
	if cur.Attempts > 0 {
		p.Retry = true
		p.Text = e.Line(LineNotUnderstood, s.Language, nil) + " " + p.Text
	}
	return p, false
}

// Interpret maps an utterance to a value of the slot's closed vocabulary.
// Keyword and ordinal matching runs first; the classifier is consulted only
// when that finds nothing or is ambiguous.
func (e *Engine) Interpret(ctx context.Context, slotName, lang, text string) (string, error) {
	opts, ok := e.vocab[slotName]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSlot, slotName)
	}
	if v, ok := match(opts, lang, text); ok {
		return v, nil
	}
	if e.classifier == nil || strings.TrimSpace(text) == "" {
		return "", ErrUnrecognized
	}
	slot, _ := e.script.slot(slotName)
	values := make([]string, 0, len(opts))
	for _, o := range opts {
		values = append(values, o.value)
	}
	got, err := e.classifier.Classify(ctx, pick(slot.Prompts, lang), values, lang, text)
	if err != nil {
		return "", fmt.Errorf("classify %s: %w", slotName, err)
	}
	got = strings.ToLower(strings.TrimSpace(got))
	for _, v := range values {
		if got == v {
			return v, nil
		}
	}
	return "", ErrUnrecognized
}

// InterpretYesNo reads the opt-in answer.
func (e *Engine) InterpretYesNo(ctx context.Context, lang, text string) (bool, error) {
	if v, ok := match(e.yesNo, lang, text); ok {
		return v == e.yesNo[0].value, nil
	}
	if e.classifier == nil || strings.TrimSpace(text) == "" {
		return false, ErrUnrecognized
	}
	values := []string{e.yesNo[0].value, e.yesNo[1].value}
	got, err := e.classifier.Classify(ctx, e.Line(LineOptIn, lang, nil), values, lang, text)
	if err != nil {
		return false, fmt.Errorf("classify opt-in: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(got)) {
	case values[0]:
		return true, nil
	case values[1]:
		return false, nil
	}
	return false, ErrUnrecognized
}

// RecordAnswer fills the current slot and advances the cursor.
func (e *Engine) RecordAnswer(s *session.Session, value string) {
	cur := s.CurrentSlot()
	if cur == nil {
		return
	}
	cur.Value = value
	cur.Status = session.SlotFilled
	cur.Attempts++
	s.Cursor++
}

// RecordFailure counts an unrecognized or missing answer. Once the slot has
// used up its retries it is marked not provided and the cursor advances.
func (e *Engine) RecordFailure(s *session.Session) (exhausted bool) {
	cur := s.CurrentSlot()
	if cur == nil {
		return false
	}
	cur.Attempts++
	if cur.Attempts > e.maxRetries {
		cur.Status = session.SlotNotProvided
		cur.Value = ""
		s.Cursor++
		return true
	}
	return false
}

// Display is the subject-facing label of a slot value.
func (e *Engine) Display(slotName, value, lang string) string {
	slot, ok := e.script.slot(slotName)
	if !ok || value == "" {
		return e.Line(LineNotProvided, lang, nil)
	}
	for _, o := range slot.Options {
		if o.Value == value {
			return pick(o.Labels, lang)
		}
	}
	return value
}

// Label is the question title shown on the form.
func (e *Engine) Label(slotName, lang string) string {
	slot, ok := e.script.slot(slotName)
	if !ok {
		return slotName
	}
	if l := pick(slot.Labels, lang); l != "" {
		return l
	}
	return slotName
}

// match finds the option whose longest phrase occurs in text as whole words.
// Two options tied on the longest phrase is treated as no match.
func match(opts []compiledOption, lang, text string) (string, bool) {
	folded := foldText(text)
	if folded == "" {
		return "", false
	}
	padded := " " + folded + " "
	best, bestLen, tied := "", 0, false
	consider := func(value, phrase string) {
		if !strings.Contains(padded, " "+phrase+" ") {
			return
		}
		switch {
		case len(phrase) > bestLen:
			best, bestLen, tied = value, len(phrase), false
		case len(phrase) == bestLen && value != best:
			tied = true
		}
	}
	for _, o := range opts {
		phrases := o.phrases[lang]
		if len(phrases) == 0 {
			phrases = o.phrases["en"]
		}
		for _, p := range phrases {
			consider(o.value, p)
		}
		for _, p := range o.ordinals {
			consider(o.value, p)
		}
	}
	if best == "" || tied {
		return "", false
	}
	return best, true
}

var foldReplacer = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n",
)

func foldText(text string) string {
	text = foldReplacer.Replace(strings.ToLower(text))
	var b strings.Builder
	space := true
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}
