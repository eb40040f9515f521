// Package validate decides whether an uploaded payload may be sent to a
// provider. Checks run in a fixed order and stop at the first failure:
// content type, size, container structure, duration, sample rate.
//
// Validation has no side effects. A rejected payload never reaches the
// routing layer.
package validate

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/pkg/audio"
)

// Reason classifies a rejection.
type Reason string

const (
	ReasonUnsupportedType Reason = "unsupported_type"
	ReasonTooSmall        Reason = "too_small"
	ReasonTooLarge        Reason = "too_large"
	ReasonCorrupt         Reason = "corrupt"
	ReasonTooShort        Reason = "too_short"
	ReasonTooLong         Reason = "too_long"
	ReasonBadSampleRate   Reason = "bad_sample_rate"
	ReasonBadWebhook      Reason = "bad_webhook"
	ReasonBadUserID       Reason = "bad_user_id"
)

// ErrInvalid is matched by every [*ValidationError].
var ErrInvalid = errors.New("validation failed")

// ValidationError is a classified rejection.
type ValidationError struct {
	Reason Reason
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "validation: " + string(e.Reason)
	}
	return "validation: " + string(e.Reason) + ": " + e.Detail
}

// Is reports whether target is [ErrInvalid].
func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

func reject(r Reason, format string, args ...any) error {
	return &ValidationError{Reason: r, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf returns the rejection reason carried by err, or "".
func ReasonOf(err error) Reason {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ""
}

// Validator checks payloads against configured bounds. It is immutable after
// construction and safe for concurrent use.
type Validator struct {
	cfg     config.ValidationConfig
	allowed []audio.Format
}

// New builds a Validator from cfg. Zero bounds disable the corresponding
// check.
func New(cfg config.ValidationConfig) *Validator {
	v := &Validator{cfg: cfg}
	for _, t := range cfg.AllowedTypes {
		v.allowed = append(v.allowed, audio.Format(strings.ToLower(t)))
	}
	return v
}

// Validate returns nil or a [*ValidationError].
func (v *Validator) Validate(p audio.Payload) error {
	_, _, err := v.Inspect(p)
	return err
}

// Inspect validates p and returns it with ContentType set to the canonical
// MIME type of the detected format, together with the probed header info.
// The data slice is shared, never copied or modified.
func (v *Validator) Inspect(p audio.Payload) (audio.Payload, audio.Info, error) {
	f := p.Format()
	if f == audio.FormatUnknown && isGeneric(p.ContentType) && len(p.Data) > 0 {
		f = sniff(p.Data)
	}
	if f == audio.FormatUnknown || !slices.Contains(v.allowed, f) {
		name := f.String()
		if f == audio.FormatUnknown {
			name = describe(p)
		}
		return p, audio.Info{}, reject(ReasonUnsupportedType, "%s is not one of %v", name, v.cfg.AllowedTypes)
	}
	p.ContentType = f.ContentType()

	size := int64(p.Size())
	if v.cfg.MinBytes > 0 && size < v.cfg.MinBytes {
		return p, audio.Info{}, reject(ReasonTooSmall, "%d bytes, minimum is %d", size, v.cfg.MinBytes)
	}
	if v.cfg.MaxBytes > 0 && size > v.cfg.MaxBytes {
		return p, audio.Info{}, reject(ReasonTooLarge, "%d bytes, maximum is %d", size, v.cfg.MaxBytes)
	}

	info, err := audio.Probe(f, p.Data)
	if err != nil {
		return p, audio.Info{}, reject(ReasonCorrupt, "%v", err)
	}

	if info.HasDuration() {
		if v.cfg.MinDuration > 0 && info.Duration < v.cfg.MinDuration {
			return p, info, reject(ReasonTooShort, "%s, minimum is %s", round(info.Duration), v.cfg.MinDuration)
		}
		if v.cfg.MaxDuration > 0 && info.Duration > v.cfg.MaxDuration {
			return p, info, reject(ReasonTooLong, "%s, maximum is %s", round(info.Duration), v.cfg.MaxDuration)
		}
	}

	if info.HasSampleRate() {
		if len(v.cfg.SampleRates) > 0 {
			if !slices.Contains(v.cfg.SampleRates, info.SampleRate) {
				return p, info, reject(ReasonBadSampleRate, "%d Hz is not one of %v", info.SampleRate, v.cfg.SampleRates)
			}
		} else if v.cfg.MinSampleRate > 0 && info.SampleRate < v.cfg.MinSampleRate {
			return p, info, reject(ReasonBadSampleRate, "%d Hz, minimum is %d", info.SampleRate, v.cfg.MinSampleRate)
		}
	}
	return p, info, nil
}

func isGeneric(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	return ct == "" || strings.HasPrefix(ct, "application/octet-stream")
}

// sniff detects the container from magic bytes for uploads that arrive
// without a usable content type or extension.
func sniff(data []byte) audio.Format {
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		f := audio.Payload{ContentType: m.String()}.Format()
		if f != audio.FormatUnknown {
			return f
		}
		// webm is reported as video/webm when it has no audio-only hint.
		if m.Is("video/webm") {
			return audio.FormatWebM
		}
	}
	return audio.FormatUnknown
}

func describe(p audio.Payload) string {
	switch {
	case p.ContentType != "" && !isGeneric(p.ContentType):
		return fmt.Sprintf("content type %q", p.ContentType)
	case p.Filename != "":
		return fmt.Sprintf("file %q", p.Filename)
	default:
		return "unknown format"
	}
}

func round(d time.Duration) time.Duration { return d.Round(10 * time.Millisecond) }

// ---- submission fields ----------------------------------------------------

// Fields are the non-audio inputs of a job submission.
type Fields struct {
	WebhookURL string `validate:"omitempty,http_url,max=2048"`
	UserID     string `validate:"omitempty,max=256,printascii"`
}

var (
	fieldValidator *validator.Validate
	fieldOnce      sync.Once
)

func getFieldValidator() *validator.Validate {
	fieldOnce.Do(func() {
		fieldValidator = validator.New(validator.WithRequiredStructEnabled())
	})
	return fieldValidator
}

// fieldReasons maps struct field names to rejection reasons.
var fieldReasons = map[string]Reason{
	"WebhookURL": ReasonBadWebhook,
	"UserID":     ReasonBadUserID,
}

// ValidateFields checks the webhook URL and user id of a submission. A
// malformed webhook URL is rejected here rather than at delivery time.
func ValidateFields(f Fields) error {
	err := getFieldValidator().Struct(f)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("validate: fields: %w", err)
	}
	fe := verrs[0]
	reason, ok := fieldReasons[fe.StructField()]
	if !ok {
		reason = Reason(strings.ToLower(fe.StructField()))
	}
	return reject(reason, "%q failed %q check", fmt.Sprint(fe.Value()), fe.Tag())
}
