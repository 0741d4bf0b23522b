// Package playback records the raw message traffic of a live connection and
// replays it later against the normal client dispatch path, without a TWS
// endpoint.
package playback

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"twsflow/logger"
)

// Direction magics, one per side of the connection. Anything else in the
// direction slot means the log is corrupt.
const (
	DirectionSend    uint32 = 0xDEADBEAF
	DirectionReceive uint32 = 0x12345678
)

// Entry is one recorded message with its capture time.
type Entry struct {
	Direction uint32
	Timestamp time.Time
	Payload   []byte
}

// Recorder appends log entries to a stream. It satisfies the client's
// Recorder interface so it can be plugged straight into a live connection.
type Recorder struct {
	mu     sync.Mutex
	w      io.WriteCloser
	now    func() time.Time
	closed bool
	log    *logger.Entry

	// SessionID names the recording; it is part of the file name when the
	// recorder owns the file.
	SessionID string
}

// NewRecorder wraps an open stream.
func NewRecorder(w io.WriteCloser) *Recorder {
	return &Recorder{
		w:         w,
		now:       time.Now,
		log:       logger.GetLogger().WithComponent("recorder"),
		SessionID: uuid.NewString(),
	}
}

// OpenRecorder creates a timestamped log file under dir.
func OpenRecorder(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	session := uuid.NewString()
	name := fmt.Sprintf("tws_%s_%s.twslog", time.Now().UTC().Format("20060102150405"), session)
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}
	r := NewRecorder(f)
	r.SessionID = session
	r.log.WithFields(logger.Fields{"file": name, "session": session}).Info("recording started")
	return r, nil
}

// RecordSend appends a client-to-server payload.
func (r *Recorder) RecordSend(payload []byte) error {
	return r.append(DirectionSend, payload)
}

// RecordReceive appends a server-to-client payload.
func (r *Recorder) RecordReceive(payload []byte) error {
	return r.append(DirectionReceive, payload)
}

func (r *Recorder) append(direction uint32, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("recorder closed")
	}
	if err := binary.Write(r.w, binary.LittleEndian, direction); err != nil {
		return err
	}
	if err := binary.Write(r.w, binary.LittleEndian, r.now().UnixNano()); err != nil {
		return err
	}
	if err := binary.Write(r.w, binary.LittleEndian, int32(len(payload))); err != nil {
		return err
	}
	_, err := r.w.Write(payload)
	return err
}

// Close flushes and closes the underlying stream exactly once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.w.Close()
}

// Reader iterates the entries of a recorded log.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next entry, or io.EOF at the end of the log.
func (r *Reader) Next() (Entry, error) {
	var direction uint32
	if err := binary.Read(r.r, binary.LittleEndian, &direction); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return Entry{}, err
	}
	if direction != DirectionSend && direction != DirectionReceive {
		return Entry{}, fmt.Errorf("playback: corrupt log, bad direction %#x", direction)
	}
	var nanos int64
	if err := binary.Read(r.r, binary.LittleEndian, &nanos); err != nil {
		return Entry{}, fmt.Errorf("playback: truncated entry header: %w", err)
	}
	var size int32
	if err := binary.Read(r.r, binary.LittleEndian, &size); err != nil {
		return Entry{}, fmt.Errorf("playback: truncated entry header: %w", err)
	}
	if size < 0 {
		return Entry{}, fmt.Errorf("playback: corrupt log, negative payload size")
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return Entry{}, fmt.Errorf("playback: truncated payload: %w", err)
	}
	return Entry{Direction: direction, Timestamp: time.Unix(0, nanos), Payload: payload}, nil
}
