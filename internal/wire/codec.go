// Package wire implements the delimited field codec of the TWS socket
// protocol. Every value travels as a printable token terminated by a single
// NUL byte; there are no length prefixes and no resynchronization markers,
// so a decode fault poisons the stream and the codec latches the first error
// it encounters.
package wire

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"

	"twsflow/internal/ib"
)

// ErrMalformedField reports a token that could not be parsed as the
// requested type.
var ErrMalformedField = errors.New("wire: malformed field")

// Decoder reads NUL-delimited tokens from a stream. The first decode error
// latches; subsequent calls return zero values until Err is cleared by the
// caller discarding the decoder.
type Decoder struct {
	r   *bufio.Reader
	n   int64
	err error
}

func NewDecoder(r io.Reader) *Decoder {
	if br, ok := r.(*bufio.Reader); ok {
		return &Decoder{r: br}
	}
	return &Decoder{r: bufio.NewReader(r)}
}

// Err returns the first error the decoder hit, if any.
func (d *Decoder) Err() error { return d.err }

// Consumed reports the total bytes read so far, delimiters included.
func (d *Decoder) Consumed() int64 { return d.n }

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *Decoder) token() string {
	if d.err != nil {
		return ""
	}
	s, err := d.r.ReadString(0)
	if err != nil {
		if err == io.EOF && len(s) > 0 {
			err = io.ErrUnexpectedEOF
		}
		d.fail(err)
		return ""
	}
	d.n += int64(len(s))
	return s[:len(s)-1]
}

func (d *Decoder) String() string { return d.token() }

func (d *Decoder) Int() int {
	s := d.token()
	if d.err != nil || s == "" {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		d.fail(ErrMalformedField)
		return 0
	}
	return v
}

// IntMax decodes an optional int: an empty token is the unset sentinel.
func (d *Decoder) IntMax() int {
	s := d.token()
	if d.err != nil {
		return 0
	}
	if s == "" {
		return ib.UnsetInt
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		d.fail(ErrMalformedField)
		return 0
	}
	return v
}

func (d *Decoder) Int64() int64 {
	s := d.token()
	if d.err != nil || s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		d.fail(ErrMalformedField)
		return 0
	}
	return v
}

func (d *Decoder) Float() float64 {
	s := d.token()
	if d.err != nil || s == "" {
		return 0
	}
	// Peers running under a comma-decimal locale emit "1,5" for 1.5.
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		d.fail(ErrMalformedField)
		return 0
	}
	return v
}

// FloatMax decodes an optional float: an empty token is the unset sentinel.
func (d *Decoder) FloatMax() float64 {
	s := d.token()
	if d.err != nil {
		return 0
	}
	if s == "" {
		return ib.UnsetFloat
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		d.fail(ErrMalformedField)
		return 0
	}
	return v
}

func (d *Decoder) Bool() bool { return d.Int() != 0 }

// Incoming reads a message code from the server-to-client stream.
func (d *Decoder) Incoming() IncomingMessage {
	m := IncomingMessage(d.Int())
	if d.err != nil {
		return InUnknown
	}
	if !m.Valid() {
		return InUnknown
	}
	return m
}

// Outgoing reads a request code from the client-to-server stream.
func (d *Decoder) Outgoing() OutgoingMessage {
	m := OutgoingMessage(d.Int())
	if d.err != nil {
		return OutUnknown
	}
	if !m.Valid() {
		return OutUnknown
	}
	return m
}

// Encoder writes NUL-delimited tokens to a stream. Like the decoder it
// latches the first write error.
type Encoder struct {
	w   io.Writer
	err error
}

func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

// Err returns the first error the encoder hit, if any.
func (e *Encoder) Err() error { return e.err }

func (e *Encoder) token(s string) {
	if e.err != nil {
		return
	}
	buf := make([]byte, 0, len(s)+1)
	buf = append(buf, s...)
	buf = append(buf, 0)
	if _, err := e.w.Write(buf); err != nil {
		e.err = err
	}
}

func (e *Encoder) String(s string) { e.token(s) }

func (e *Encoder) Int(v int) { e.token(strconv.Itoa(v)) }

func (e *Encoder) Int64(v int64) { e.token(strconv.FormatInt(v, 10)) }

func (e *Encoder) Float(v float64) {
	e.token(strings.ReplaceAll(strconv.FormatFloat(v, 'g', -1, 64), ",", "."))
}

func (e *Encoder) Bool(v bool) {
	if v {
		e.token("1")
	} else {
		e.token("0")
	}
}

// IntMax encodes an optional int: the unset sentinel becomes an empty token.
func (e *Encoder) IntMax(v int) {
	if v == ib.UnsetInt {
		e.token("")
		return
	}
	e.Int(v)
}

// FloatMax encodes an optional float: the unset sentinel becomes an empty token.
func (e *Encoder) FloatMax(v float64) {
	if v == ib.UnsetFloat {
		e.token("")
		return
	}
	e.Float(v)
}

func (e *Encoder) Incoming(m IncomingMessage) { e.Int(int(m)) }

func (e *Encoder) Outgoing(m OutgoingMessage) { e.Int(int(m)) }
