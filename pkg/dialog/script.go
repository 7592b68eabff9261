package dialog

import (
	"fmt"
	"strings"

	"github.com/LingByte/LingReach/pkg/constants"
)

// Line keys for the fixed utterances of a call.
const (
	LineGreeting      = "greeting"
	LineAskDOB        = "ask_dob"
	LineAskZIP        = "ask_zip"
	LineAskSSN4       = "ask_ssn4"
	LineAuthRetry     = "auth_retry"
	LineAuthOK        = "auth_ok"
	LineLocked        = "locked"
	LineOptIn         = "opt_in"
	LineOptInYes      = "opt_in_yes"
	LineOptInNo       = "opt_in_no"
	LineAskPhone      = "ask_phone"
	LineNoInput       = "no_input"
	LineNotUnderstood = "not_understood"
	LineFallback      = "fallback"
	LineAbandon       = "abandon"
	LineCallError     = "call_error"
	LineSMSBody       = "sms_body"
	LineNotProvided   = "not_provided"
)

// Option is one closed-vocabulary answer.
type Option struct {
	Value    string              `yaml:"value"`
	Ordinal  int                 `yaml:"ordinal"`
	Labels   map[string]string   `yaml:"labels"`
	Keywords map[string][]string `yaml:"keywords"`
}

// Slot is one assessment question.
type Slot struct {
	Name    string            `yaml:"name"`
	Labels  map[string]string `yaml:"labels"`
	Prompts map[string]string `yaml:"prompts"`
	Options []Option          `yaml:"options"`
}

// Script holds every line and question of a call, per language.
type Script struct {
	Lines map[string]map[string]string `yaml:"lines"`
	Slots []Slot                       `yaml:"slots"`
	YesNo []Option                     `yaml:"yes_no"`
}

// Validate checks the script can drive a call in both languages.
func (s *Script) Validate() error {
	if len(s.Slots) == 0 {
		return fmt.Errorf("script has no slots")
	}
	seen := map[string]bool{}
	for _, slot := range s.Slots {
		if slot.Name == "" {
			return fmt.Errorf("slot without name")
		}
		if seen[slot.Name] {
			return fmt.Errorf("duplicate slot %q", slot.Name)
		}
		seen[slot.Name] = true
		if len(slot.Options) == 0 {
			return fmt.Errorf("slot %q has no options", slot.Name)
		}
		for _, lang := range []string{constants.LANG_EN, constants.LANG_ES} {
			if strings.TrimSpace(slot.Prompts[lang]) == "" {
				return fmt.Errorf("slot %q has no %s prompt", slot.Name, lang)
			}
		}
		for _, opt := range slot.Options {
			if opt.Value == "" {
				return fmt.Errorf("slot %q has an option without value", slot.Name)
			}
		}
	}
	if len(s.YesNo) != 2 {
		return fmt.Errorf("yes/no vocabulary must have exactly two options")
	}
	return nil
}

func (s *Script) slot(name string) (*Slot, bool) {
	for i := range s.Slots {
		if s.Slots[i].Name == name {
			return &s.Slots[i], true
		}
	}
	return nil, false
}

// pick returns the text for lang, falling back to English.
func pick(m map[string]string, lang string) string {
	if v, ok := m[lang]; ok && v != "" {
		return v
	}
	return m[constants.LANG_EN]
}

func kw(en, es []string) map[string][]string {
	return map[string][]string{constants.LANG_EN: en, constants.LANG_ES: es}
}

func tr(en, es string) map[string]string {
	return map[string]string{constants.LANG_EN: en, constants.LANG_ES: es}
}

func limitationOptions() []Option {
	return []Option{
		{Value: "limited_a_lot", Ordinal: 1,
			Labels:   tr("Limited a Lot", "Muy Limitado"),
			Keywords: kw([]string{"limited a lot", "a lot", "a lot limited", "very limited"}, []string{"muy limitado", "muy limitada", "mucho"})},
		{Value: "limited_a_little", Ordinal: 2,
			Labels:   tr("Limited a Little", "Poco Limitado"),
			Keywords: kw([]string{"limited a little", "a little", "a little bit", "somewhat"}, []string{"poco limitado", "poco limitada", "un poco", "poco"})},
		{Value: "not_limited", Ordinal: 3,
			Labels:   tr("Not Limited at All", "Sin Limitación"),
			Keywords: kw([]string{"not limited", "not limited at all", "not at all", "no", "no limits"}, []string{"sin limitacion", "sin limitaciones", "nada", "para nada", "no"})},
	}
}

// DefaultScript is the built-in health assessment script.
func DefaultScript() *Script {
	return &Script{
		Lines: map[string]map[string]string{
			LineGreeting: tr(
				"Hi {first_name}, this is Aldea calling from Zappix for your annual health assessment. Before we begin, I need to verify your identity.",
				"Hola {first_name}, soy Aldea llamando de parte de Zappix para su evaluación de salud anual. Antes de comenzar, necesito verificar su identidad."),
			LineAskDOB: tr(
				"Please tell me your date of birth.",
				"Por favor dígame su fecha de nacimiento."),
			LineAskZIP: tr(
				"What is the five digit ZIP code on file?",
				"¿Cuál es el código postal de cinco dígitos registrado?"),
			LineAskSSN4: tr(
				"What are the last four digits of your Social Security number?",
				"¿Cuáles son los últimos cuatro dígitos de su número de Seguro Social?"),
			LineAuthRetry: tr(
				"Sorry, that doesn't match our records.",
				"Lo siento, eso no coincide con nuestros registros."),
			LineAuthOK: tr(
				"Thank you, you're verified. Let's start the assessment.",
				"Gracias, su identidad está verificada. Comencemos la evaluación."),
			LineLocked: tr(
				"I'm sorry, I wasn't able to verify your identity, so I can't continue this call. Please contact Zappix for help. Goodbye.",
				"Lo siento, no pude verificar su identidad, así que no puedo continuar esta llamada. Por favor comuníquese con Zappix para recibir ayuda. Adiós."),
			LineOptIn: tr(
				"Thank you for completing the assessment. Would you like us to text you a link to review and sign your form? Press 1 or say yes, or say no.",
				"Gracias por completar la evaluación. ¿Desea que le enviemos un mensaje de texto con un enlace para revisar y firmar su formulario? Presione 1 o diga sí, o diga no."),
			LineOptInYes: tr(
				"Great, we've sent the link by text message. Thank you for your time. Goodbye.",
				"Perfecto, le enviamos el enlace por mensaje de texto. Gracias por su tiempo. Adiós."),
			LineAskPhone: tr(
				"Please enter the cell phone number for the text message on your keypad, followed by the pound key.",
				"Por favor ingrese el número de celular para el mensaje de texto con su teclado, seguido de la tecla numeral."),
			LineOptInNo: tr(
				"No problem. Thank you for your time. Goodbye.",
				"No hay problema. Gracias por su tiempo. Adiós."),
			LineNoInput: tr(
				"Are you still there?",
				"¿Sigue ahí?"),
			LineNotUnderstood: tr(
				"Sorry, I didn't catch that.",
				"Lo siento, no le entendí."),
			LineFallback: tr(
				"I'm sorry, I had a moment. Could you please repeat that?",
				"Lo siento, tuve un problema. ¿Podría repetir eso?"),
			LineAbandon: tr(
				"It seems we got disconnected. We'll try again another time. Goodbye.",
				"Parece que se cortó la comunicación. Lo intentaremos en otro momento. Adiós."),
			LineCallError: tr(
				"I'm sorry, we're having technical difficulties. We'll call you back later. Goodbye.",
				"Lo siento, tenemos dificultades técnicas. Le llamaremos más tarde. Adiós."),
			LineSMSBody: tr(
				"Please review and sign your health assessment form: {url}",
				"Por favor revise y firme su formulario de evaluación de salud: {url}"),
			LineNotProvided: tr("Not provided", "No proporcionado"),
		},
		Slots: []Slot{
			{
				Name:   "general_health",
				Labels: tr("General Health", "Salud General"),
				Prompts: tr(
					"Generally, how would you say your health is? Options are: Excellent (1), Very Good (2), Good (3), Fair (4), or Poor (5).",
					"En general, ¿cómo diría que está su salud? Las opciones son: Excelente (1), Muy Buena (2), Buena (3), Regular (4), o Mala (5)."),
				Options: []Option{
					{Value: "excellent", Ordinal: 1, Labels: tr("Excellent", "Excelente"),
						Keywords: kw([]string{"excellent"}, []string{"excelente"})},
					{Value: "very_good", Ordinal: 2, Labels: tr("Very Good", "Muy Buena"),
						Keywords: kw([]string{"very good", "very well"}, []string{"muy buena", "muy bien", "muy bueno"})},
					{Value: "good", Ordinal: 3, Labels: tr("Good", "Buena"),
						Keywords: kw([]string{"good", "fine", "well"}, []string{"buena", "bien", "bueno"})},
					{Value: "fair", Ordinal: 4, Labels: tr("Fair", "Regular"),
						Keywords: kw([]string{"fair", "okay", "so so"}, []string{"regular", "mas o menos"})},
					{Value: "poor", Ordinal: 5, Labels: tr("Poor", "Mala"),
						Keywords: kw([]string{"poor", "bad"}, []string{"mala", "mal", "malo"})},
				},
			},
			{
				Name:   "moderate_activities",
				Labels: tr("Moderate Activities", "Actividades Moderadas"),
				Prompts: tr(
					"Does your health now limit you in doing moderate activities such as moving a table or bowling? Options: Limited a Lot (1), Limited a Little (2), or Not Limited at All (3).",
					"¿Su salud ahora le limita en actividades moderadas como mover una mesa o jugar boliche? Opciones: Muy Limitado (1), Poco Limitado (2), o Sin Limitación (3)."),
				Options: limitationOptions(),
			},
			{
				Name:   "climbing_stairs",
				Labels: tr("Climbing Stairs", "Subir Escaleras"),
				Prompts: tr(
					"Does your health now limit you in climbing several flights of stairs? Options: Limited a Lot (1), Limited a Little (2), or Not Limited at All (3).",
					"¿Su salud ahora le limita al subir varios tramos de escaleras? Opciones: Muy Limitado (1), Poco Limitado (2), o Sin Limitación (3)."),
				Options: limitationOptions(),
			},
		},
		YesNo: []Option{
			{Value: "yes", Ordinal: 1, Labels: tr("Yes", "Sí"),
				Keywords: kw([]string{"yes", "yeah", "yep", "sure", "ok", "okay", "please", "of course", "go ahead"}, []string{"si", "claro", "por favor", "de acuerdo", "esta bien", "dale"})},
			{Value: "no", Ordinal: 2, Labels: tr("No", "No"),
				Keywords: kw([]string{"no", "nope", "no thanks", "no thank you", "don't", "do not"}, []string{"no", "no gracias"})},
		},
	}
}
