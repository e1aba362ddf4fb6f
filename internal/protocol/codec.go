package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/dkeye/peershare/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// Envelope is one framed message. Timestamp is Unix milliseconds.
type Envelope struct {
	Message   Message
	Timestamp *int64
}

type wireEnvelope struct {
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp *int64          `json:"timestamp,omitempty"`
}

// DecodeError describes a frame that could not be turned into an Envelope.
// Syntax is set when the frame is not JSON at all.
type DecodeError struct {
	Syntax bool
	Issues []string
	err    error
}

func (e *DecodeError) Error() string {
	if len(e.Issues) > 0 {
		return fmt.Sprintf("%v: %s", e.err, strings.Join(e.Issues, "; "))
	}
	return e.err.Error()
}

func (e *DecodeError) Unwrap() error { return e.err }

var (
	ErrInvalidJSON    = errors.New("invalid JSON format")
	ErrInvalidMessage = errors.New("invalid message format")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return domain.ValidateUsername(fl.Field().String()) == nil
	})
	_ = v.RegisterValidation("groupname", func(fl validator.FieldLevel) bool {
		_, err := domain.NormalizeGroupName(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("groupid", func(fl validator.FieldLevel) bool {
		return domain.ValidGroupID(fl.Field().String())
	})
	_ = v.RegisterValidation("userid", func(fl validator.FieldLevel) bool {
		return domain.ValidMemberID(fl.Field().String())
	})
	return v
}

// Stamp wraps msg in an envelope timestamped with now.
func Stamp(msg Message, now time.Time) Envelope {
	ts := now.UnixMilli()
	return Envelope{Message: msg, Timestamp: &ts}
}

func Encode(env Envelope) ([]byte, error) {
	if env.Message == nil {
		return nil, errors.New("encode: nil message")
	}
	payload, err := json.Marshal(env.Message)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Message.Type(), err)
	}
	return json.Marshal(wireEnvelope{
		Type:      env.Message.Type(),
		Payload:   payload,
		Timestamp: env.Timestamp,
	})
}

// Decode parses a frame and validates the payload of its variant.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, &DecodeError{Syntax: true, err: fmt.Errorf("%w: %v", ErrInvalidJSON, err)}
	}
	factory, ok := factories[w.Type]
	if !ok {
		return Envelope{}, &DecodeError{
			err:    ErrInvalidMessage,
			Issues: []string{fmt.Sprintf("type: unknown message type %q", w.Type)},
		}
	}

	msg := factory()
	payload := bytes.TrimSpace(w.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = []byte("{}")
	}
	if err := json.Unmarshal(payload, msg); err != nil {
		return Envelope{}, &DecodeError{
			err:    ErrInvalidMessage,
			Issues: []string{fmt.Sprintf("payload: %v", err)},
		}
	}
	if err := validate.Struct(msg); err != nil {
		return Envelope{}, &DecodeError{err: ErrInvalidMessage, Issues: issues(err)}
	}
	return Envelope{Message: msg, Timestamp: w.Timestamp}, nil
}

func issues(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			out = append(out, fmt.Sprintf("payload.%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		out = append(out, fmt.Sprintf("payload.%s: failed %s", fe.Field(), fe.Tag()))
	}
	return out
}
