package ot

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// ErrInvalidOperation is returned for malformed operations and out of range bounds. It is never retried.
var ErrInvalidOperation = errors.New("invalid operation")

// Kind is the type of an Operation. The zero value is not a valid kind.
type Kind uint8

const (
	Insert Kind = iota + 1
	Delete
	Retain
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	case Retain:
		return "retain"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case Insert, Delete, Retain:
		return []byte(k.String()), nil
	}
	return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidOperation, uint8(k))
}

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "insert":
		*k = Insert
	case "delete":
		*k = Delete
	case "retain":
		*k = Retain
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, string(b))
	}
	return nil
}

// Operation is a single edit, positioned against the document as it was at BaseVersion. Positions and lengths
// count unicode code points, not bytes.
type Operation struct {
	ID          string    `json:"id,omitempty"`
	Kind        Kind      `json:"kind"`
	Position    int       `json:"position"`
	Text        string    `json:"text,omitempty"`
	Length      int       `json:"length,omitempty"`
	BaseVersion int64     `json:"baseVersion"`
	AuthorID    string    `json:"authorId"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (op Operation) String() string {
	switch op.Kind {
	case Insert:
		return fmt.Sprintf("i,%d,%s", op.Position, op.Text)
	case Delete:
		return fmt.Sprintf("d,%d,%d", op.Position, op.Length)
	default:
		return fmt.Sprintf("r,%d,%d", op.Position, op.Length)
	}
}

// Span is the number of code points the operation inserts, or covers for deletes and retains.
func (op Operation) Span() int {
	if op.Kind == Insert {
		return utf8.RuneCountInString(op.Text)
	}
	return op.Length
}

// IsNoop reports whether applying op leaves any content unchanged.
func (op Operation) IsNoop() bool {
	switch op.Kind {
	case Insert:
		return op.Text == ""
	case Delete:
		return op.Length == 0
	default:
		return true
	}
}

func (op Operation) with(pos int, text string, length int) Operation {
	op.Position = pos
	op.Text = text
	op.Length = length
	return op
}

// Validate checks the structure of op without looking at any content.
func Validate(op Operation) error {
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidOperation, op.Position)
	}
	if op.BaseVersion < 0 {
		return fmt.Errorf("%w: negative base version %d", ErrInvalidOperation, op.BaseVersion)
	}
	switch op.Kind {
	case Insert:
		if op.Length != 0 {
			return fmt.Errorf("%w: insert must not carry a length", ErrInvalidOperation)
		}
		if !utf8.ValidString(op.Text) {
			return fmt.Errorf("%w: insert text is not valid utf-8", ErrInvalidOperation)
		}
	case Delete, Retain:
		if op.Text != "" {
			return fmt.Errorf("%w: %s must not carry text", ErrInvalidOperation, op.Kind)
		}
		if op.Length < 0 {
			return fmt.Errorf("%w: negative length %d", ErrInvalidOperation, op.Length)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidOperation, uint8(op.Kind))
	}
	return nil
}

// Apply returns content with op applied. Bounds are checked, never clamped.
func Apply(content string, op Operation) (string, error) {
	if err := Validate(op); err != nil {
		return "", err
	}
	runes := []rune(content)
	switch op.Kind {
	case Insert:
		if op.Position > len(runes) {
			return "", fmt.Errorf("%w: insert at %d out of bounds (len %d)", ErrInvalidOperation, op.Position, len(runes))
		}
		if op.Text == "" {
			return content, nil
		}
		out := make([]rune, 0, len(runes)+utf8.RuneCountInString(op.Text))
		out = append(out, runes[:op.Position]...)
		out = append(out, []rune(op.Text)...)
		out = append(out, runes[op.Position:]...)
		return string(out), nil
	case Delete:
		if op.Position+op.Length > len(runes) {
			return "", fmt.Errorf("%w: delete %d+%d out of bounds (len %d)", ErrInvalidOperation, op.Position, op.Length, len(runes))
		}
		if op.Length == 0 {
			return content, nil
		}
		return string(runes[:op.Position]) + string(runes[op.Position+op.Length:]), nil
	default:
		if op.Position+op.Length > len(runes) {
			return "", fmt.Errorf("%w: retain %d+%d out of bounds (len %d)", ErrInvalidOperation, op.Position, op.Length, len(runes))
		}
		return content, nil
	}
}

// ApplyAll applies ops in order. Nothing is returned if any of them fails.
func ApplyAll(content string, ops []Operation) (string, error) {
	for i, op := range ops {
		var err error
		if content, err = Apply(content, op); err != nil {
			return "", fmt.Errorf("op %d: %w", i, err)
		}
	}
	return content, nil
}
