package network

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultConnectTimeout bounds dial plus handshake duration.
	DefaultConnectTimeout = 20 * time.Second
	// DefaultKeepAliveInterval is how long a link may stay silent before a
	// KeepAlive is sent.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultKeepAliveTimeout is how long to wait for any frame after a KeepAlive.
	DefaultKeepAliveTimeout = 15 * time.Second
)

// Frame sentinels. encoding/json escapes every byte below 0x20, so none of
// these sequences can occur inside a JSON payload.
const (
	StartToken = "\x01\x02"
	Divider    = "\x1f\x1e"
	EndToken   = "\x03\x04"
)

// Category groups message variants by the session that consumes them.
type Category int

const (
	CategoryInitConnection Category = 0
	CategoryGroupChat      Category = 1
	CategoryPrivateChat    Category = 2
	CategoryFile           Category = 3
)

func (c Category) String() string {
	switch c {
	case CategoryInitConnection:
		return "init_connection"
	case CategoryGroupChat:
		return "group_chat"
	case CategoryPrivateChat:
		return "private_chat"
	case CategoryFile:
		return "file"
	default:
		return "category_" + strconv.Itoa(int(c))
	}
}

// Tag selects the concrete payload schema of a frame.
type Tag struct {
	Category Category
	Variant  int
}

func (t Tag) String() string {
	return strconv.Itoa(int(t.Category)) + "_" + strconv.Itoa(t.Variant)
}

// ParseTag parses the "<category>_<variant>" form.
func ParseTag(raw string) (Tag, error) {
	category, variant, ok := strings.Cut(raw, "_")
	if !ok {
		return Tag{}, fmt.Errorf("%w: tag %q", ErrMalformedFrame, raw)
	}
	c, err := strconv.Atoi(category)
	if err != nil || c < 0 {
		return Tag{}, fmt.Errorf("%w: tag category %q", ErrMalformedFrame, raw)
	}
	v, err := strconv.Atoi(variant)
	if err != nil || v < 0 {
		return Tag{}, fmt.Errorf("%w: tag variant %q", ErrMalformedFrame, raw)
	}
	return Tag{Category: Category(c), Variant: v}, nil
}

var (
	// ErrFrameTooLarge indicates a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrMalformedFrame indicates a frame that cannot be parsed or decoded.
	ErrMalformedFrame = errors.New("network: malformed frame")
)

// IncompatibleProtocolError reports a peer speaking a newer protocol version.
// Mine and Theirs are from the reporting endpoint's point of view.
type IncompatibleProtocolError struct {
	Mine   int
	Theirs int
}

func (e *IncompatibleProtocolError) Error() string {
	return fmt.Sprintf("network: incompatible protocol version (mine %d, theirs %d)", e.Mine, e.Theirs)
}

// Frame is one undecoded wire message.
type Frame struct {
	Tag     Tag
	Payload []byte
	Version int
}

// EncodeFrame builds the wire bytes for one frame.
func EncodeFrame(frame Frame) ([]byte, error) {
	tag := frame.Tag.String()
	version := strconv.Itoa(frame.Version)

	size := len(StartToken) + len(tag) + len(Divider)*2 + len(frame.Payload) + len(version) + len(EndToken)
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	var buf bytes.Buffer
	buf.Grow(size)
	buf.WriteString(StartToken)
	buf.WriteString(tag)
	buf.WriteString(Divider)
	buf.Write(frame.Payload)
	buf.WriteString(Divider)
	buf.WriteString(version)
	buf.WriteString(EndToken)
	return buf.Bytes(), nil
}

// WriteFrame writes one frame.
func WriteFrame(w io.Writer, frame Frame) error {
	raw, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads the next frame. Bytes before a start token are skipped.
// io.EOF is returned only when the stream ends between frames.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	if _, err := readUntil(r, StartToken); err != nil {
		return Frame{}, err
	}

	body, err := readUntil(r, EndToken)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	parts := bytes.Split(body, []byte(Divider))
	if len(parts) != 3 {
		return Frame{}, fmt.Errorf("%w: expected 3 sections, got %d", ErrMalformedFrame, len(parts))
	}

	tag, err := ParseTag(string(parts[0]))
	if err != nil {
		return Frame{}, err
	}
	version, err := strconv.Atoi(string(parts[2]))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: version %q", ErrMalformedFrame, parts[2])
	}

	return Frame{Tag: tag, Payload: parts[1], Version: version}, nil
}

// readUntil returns the bytes preceding token, consuming the token.
func readUntil(r *bufio.Reader, token string) ([]byte, error) {
	last := token[len(token)-1]
	var buf []byte
	for {
		chunk, err := r.ReadSlice(last)
		buf = append(buf, chunk...)
		if len(buf) > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if bytes.HasSuffix(buf, []byte(token)) {
			return buf[:len(buf)-len(token)], nil
		}
	}
}

// EncodeMessage marshals a message into wire bytes at the given version.
func EncodeMessage(message Message, version int) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", message.Tag(), err)
	}
	return EncodeFrame(Frame{Tag: message.Tag(), Payload: payload, Version: version})
}

// Decode selects the payload schema from the frame tag and unmarshals it.
// Frames from a newer protocol version yield *IncompatibleProtocolError.
func Decode(frame Frame, localVersion int) (Message, error) {
	if frame.Version > localVersion {
		return nil, &IncompatibleProtocolError{Mine: localVersion, Theirs: frame.Version}
	}

	factory, ok := registry[frame.Tag]
	if !ok {
		return nil, fmt.Errorf("%w: unknown tag %s", ErrMalformedFrame, frame.Tag)
	}

	message := factory()
	if err := json.Unmarshal(frame.Payload, message); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrMalformedFrame, frame.Tag, err)
	}
	if err := validate.Struct(message); err != nil {
		return nil, fmt.Errorf("%w: validate %s: %v", ErrMalformedFrame, frame.Tag, err)
	}
	return message, nil
}
