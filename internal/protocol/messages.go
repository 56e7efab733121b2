package protocol

import (
	"fmt"
	"strings"

	"grimm.is/nftsync/internal/errors"
	"grimm.is/nftsync/internal/ruleset"
)

// Op selects what a COMMAND frame asks for.
type Op uint8

const (
	OpFetch Op = 1
	OpPull  Op = 2
)

func (o Op) String() string {
	switch o {
	case OpFetch:
		return "FETCH"
	case OpPull:
		return "PULL"
	default:
		return fmt.Sprintf("OP(%d)", uint8(o))
	}
}

// Command is a decoded COMMAND frame. An empty Name addresses every ruleset.
type Command struct {
	Op   Op
	Name string
}

// All reports whether the command targets every available ruleset.
func (c Command) All() bool {
	return c.Name == ""
}

func (c Command) String() string {
	if c.All() {
		return c.Op.String() + "()"
	}
	return fmt.Sprintf("%s(%s)", c.Op, c.Name)
}

// EncodeCommand builds a COMMAND frame: op byte followed by the name.
func EncodeCommand(c Command) (Frame, error) {
	if c.Op != OpFetch && c.Op != OpPull {
		return Frame{}, errors.Errorf(errors.KindProtocol, "unknown command op %d", c.Op)
	}
	if len(c.Name) > ruleset.MaxNameLen {
		return Frame{}, errors.Errorf(errors.KindInvalid, "ruleset name longer than %d bytes", ruleset.MaxNameLen)
	}
	p := make([]byte, 0, 1+len(c.Name))
	p = append(p, byte(c.Op))
	p = append(p, c.Name...)
	return Frame{Type: FrameCommand, Payload: p}, nil
}

// DecodeCommand parses a COMMAND frame. The name is returned unvalidated;
// an unknown op or empty payload is a protocol error.
func DecodeCommand(f Frame) (Command, error) {
	if f.Type != FrameCommand {
		return Command{}, errors.Errorf(errors.KindProtocol, "expected COMMAND, got %s", f.Type)
	}
	if len(f.Payload) == 0 {
		return Command{}, errors.New(errors.KindProtocol, "empty COMMAND payload")
	}
	op := Op(f.Payload[0])
	if op != OpFetch && op != OpPull {
		return Command{}, errors.Errorf(errors.KindProtocol, "unknown command op %d", f.Payload[0])
	}
	return Command{Op: op, Name: string(f.Payload[1:])}, nil
}

// EncodeData builds a RESPONSE_DATA frame:
// name length (u8), name, SHA-256 of content, content.
func EncodeData(r ruleset.Ruleset) (Frame, error) {
	if len(r.Name) == 0 || len(r.Name) > ruleset.MaxNameLen {
		return Frame{}, errors.Errorf(errors.KindInvalid, "ruleset name length %d out of range", len(r.Name))
	}
	if len(r.Content) > MaxRulesetSize {
		return Frame{}, errors.Errorf(errors.KindInvalid, "ruleset %s is %d bytes, maximum is %d", r.Name, len(r.Content), MaxRulesetSize)
	}
	p := make([]byte, 0, 1+len(r.Name)+ruleset.HashSize+len(r.Content))
	p = append(p, byte(len(r.Name)))
	p = append(p, r.Name...)
	p = append(p, r.Hash[:]...)
	p = append(p, r.Content...)
	return Frame{Type: FrameData, Payload: p}, nil
}

// DecodeData parses a RESPONSE_DATA frame and verifies the content hash.
func DecodeData(f Frame) (ruleset.Ruleset, error) {
	if f.Type != FrameData {
		return ruleset.Ruleset{}, errors.Errorf(errors.KindProtocol, "expected RESPONSE_DATA, got %s", f.Type)
	}
	p := f.Payload
	if len(p) < 1 {
		return ruleset.Ruleset{}, errors.Wrap(ErrMalformed, errors.KindProtocol, "empty RESPONSE_DATA payload")
	}
	nameLen := int(p[0])
	if nameLen == 0 || len(p) < 1+nameLen+ruleset.HashSize {
		return ruleset.Ruleset{}, errors.Wrap(ErrMalformed, errors.KindProtocol, "truncated RESPONSE_DATA payload")
	}
	r := ruleset.Ruleset{Name: string(p[1 : 1+nameLen])}
	copy(r.Hash[:], p[1+nameLen:1+nameLen+ruleset.HashSize])
	r.Content = p[1+nameLen+ruleset.HashSize:]
	if !r.Verify() {
		return ruleset.Ruleset{}, errors.Wrapf(ErrMalformed, errors.KindProtocol, "content hash mismatch for ruleset %s", r.Name)
	}
	return r, nil
}

// ErrorCode is the wire representation of an error kind.
type ErrorCode uint8

const (
	CodeNotFound ErrorCode = 1
	CodeApply    ErrorCode = 2
	CodeProtocol ErrorCode = 3
	CodeAuth     ErrorCode = 4
	CodeInvalid  ErrorCode = 5
	CodeInternal ErrorCode = 6
)

// maxErrorMessage keeps kernel diagnostics from bloating error frames.
const maxErrorMessage = 4096

var kindToCode = map[errors.Kind]ErrorCode{
	errors.KindNotFound: CodeNotFound,
	errors.KindApply:    CodeApply,
	errors.KindProtocol: CodeProtocol,
	errors.KindAuth:     CodeAuth,
	errors.KindInvalid:  CodeInvalid,
}

var codeToKind = map[ErrorCode]errors.Kind{
	CodeNotFound: errors.KindNotFound,
	CodeApply:    errors.KindApply,
	CodeProtocol: errors.KindProtocol,
	CodeAuth:     errors.KindAuth,
	CodeInvalid:  errors.KindInvalid,
	CodeInternal: errors.KindInternal,
}

// CodeFor maps an error to its wire code; unknown kinds become CodeInternal.
func CodeFor(err error) ErrorCode {
	if c, ok := kindToCode[errors.GetKind(err)]; ok {
		return c
	}
	return CodeInternal
}

// EncodeError builds a RESPONSE_ERROR frame: code byte then a UTF-8 message.
func EncodeError(err error) Frame {
	msg := err.Error()
	if len(msg) > maxErrorMessage {
		msg = strings.ToValidUTF8(msg[:maxErrorMessage], "")
	}
	p := make([]byte, 0, 1+len(msg))
	p = append(p, byte(CodeFor(err)))
	p = append(p, msg...)
	return Frame{Type: FrameError, Payload: p}
}

// DecodeError parses a RESPONSE_ERROR frame into an *errors.Error whose Kind
// mirrors the peer's error code.
func DecodeError(f Frame) error {
	if f.Type != FrameError {
		return errors.Errorf(errors.KindProtocol, "expected RESPONSE_ERROR, got %s", f.Type)
	}
	if len(f.Payload) == 0 {
		return errors.Wrap(ErrMalformed, errors.KindProtocol, "empty RESPONSE_ERROR payload")
	}
	kind, ok := codeToKind[ErrorCode(f.Payload[0])]
	if !ok {
		kind = errors.KindInternal
	}
	msg := string(f.Payload[1:])
	if msg == "" {
		msg = kind.String()
	}
	return errors.New(kind, msg)
}

// OKFrame returns the RESPONSE_OK terminator.
func OKFrame() Frame {
	return Frame{Type: FrameOK}
}
