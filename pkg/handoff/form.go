package handoff

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/LingByte/LingReach/pkg/notification"
	"github.com/LingByte/LingReach/pkg/session"
)

// MaxSignatureBytes bounds a decoded signature image.
const MaxSignatureBytes = 1 << 20

// Field is one answered question as the subject sees it.
type Field struct {
	Slot    string `json:"slot"`
	Label   string `json:"label"`
	Value   string `json:"value"`
	Display string `json:"display"`
	Status  string `json:"status"`
}

// Form is the subject-facing projection of a session.
type Form struct {
	SessionID     string        `json:"session_id"`
	FirstName     string        `json:"first_name"`
	PhoneNumber   string        `json:"phone_number"`
	Language      string        `json:"language"`
	Phase         session.Phase `json:"phase"`
	Fields        []Field       `json:"fields"`
	OptedIn       bool          `json:"opted_in_for_sms"`
	CallCompleted bool          `json:"call_completed"`
	Submitted     bool          `json:"form_submitted"`
	SubmittedAt   *time.Time    `json:"submitted_at,omitempty"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
}

// Project renders the collected slots with labels in the session language.
func (s *Service) Project(sess *session.Session) *Form {
	f := &Form{
		SessionID:     sess.ID,
		FirstName:     sess.FirstName,
		PhoneNumber:   sess.PhoneNumber,
		Language:      sess.Language,
		Phase:         sess.Phase,
		Fields:        make([]Field, 0, len(sess.Slots)),
		OptedIn:       sess.OptedIn,
		CallCompleted: sess.CallCompleted,
		Submitted:     sess.Submitted,
		SubmittedAt:   sess.SubmittedAt,
	}
	if sess.Handoff != nil {
		exp := sess.Handoff.ExpiresAt
		f.ExpiresAt = &exp
	}
	for _, slot := range sess.Slots {
		value := slot.Value
		if slot.Status != session.SlotFilled {
			value = ""
		}
		f.Fields = append(f.Fields, Field{
			Slot:    slot.Name,
			Label:   s.engine.Label(slot.Name, sess.Language),
			Value:   value,
			Display: s.engine.Display(slot.Name, value, sess.Language),
			Status:  string(slot.Status),
		})
	}
	return f
}

// Summary is the notification payload for a submitted form.
func (f *Form) Summary(art *Artifact) notification.FormSummary {
	sum := notification.FormSummary{
		SessionID:   f.SessionID,
		FirstName:   f.FirstName,
		PhoneNumber: f.PhoneNumber,
		Language:    f.Language,
		Fields:      make([]notification.FormField, 0, len(f.Fields)),
	}
	if f.SubmittedAt != nil {
		sum.SubmittedAt = *f.SubmittedAt
	}
	if art != nil {
		sum.Signature = art.Data
		sum.SignatureType = art.ContentType
	}
	for _, field := range f.Fields {
		sum.Fields = append(sum.Fields, notification.FormField{Label: field.Label, Value: field.Display})
	}
	return sum
}

// Artifact is a decoded signature image.
type Artifact struct {
	Data        []byte
	ContentType string
	SHA256      string
}

// ParseSignature accepts a data URL ("data:image/png;base64,...") or bare base64.
func ParseSignature(raw string) (*Artifact, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSignature)
	}
	contentType := ""
	payload := raw
	if strings.HasPrefix(raw, "data:") {
		meta, data, ok := strings.Cut(raw[len("data:"):], ",")
		if !ok || !strings.HasSuffix(meta, ";base64") {
			return nil, fmt.Errorf("%w: malformed data url", ErrInvalidSignature)
		}
		contentType = strings.TrimSuffix(meta, ";base64")
		payload = data
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(data) == 0 || len(data) > MaxSignatureBytes {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidSignature, len(data))
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("%w: content type %s", ErrInvalidSignature, contentType)
	}
	sum := sha256.Sum256(data)
	return &Artifact{Data: data, ContentType: contentType, SHA256: hex.EncodeToString(sum[:])}, nil
}
