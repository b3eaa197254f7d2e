// Package wireproto implements the plain-TCP socket wrapper spec.md §2 treats
// as an external collaborator: indicator-tagged, length-prefixed framing
// between the client and a cloud's metadata/data listener. It replaces the
// teacher's QUIC-based control_stream.go framing with the same
// indicator+length-prefix idiom over a net.Conn, since spec.md §6 mandates
// plain TCP sockets rather than a QUIC transport.
package wireproto

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/quantarax/dispersa/internal/errs"
)

// Indicator is the int32 tag that begins every request/response frame.
type Indicator int32

// Indicator values from spec.md §4.5 and §6.
const (
	IndicatorMeta          Indicator = -1
	IndicatorData          Indicator = -2
	IndicatorStat          Indicator = -3
	IndicatorRestoreHead   Indicator = -5
	IndicatorDownload      Indicator = -7
	IndicatorKeyRecipe     Indicator = -101
	IndicatorGetKeyRecipe  Indicator = -102
	IndicatorFileRecipe    Indicator = -103
)

func (i Indicator) String() string {
	switch i {
	case IndicatorMeta:
		return "META"
	case IndicatorData:
		return "DATA"
	case IndicatorStat:
		return "STAT"
	case IndicatorRestoreHead:
		return "RESTORE_HEAD"
	case IndicatorDownload:
		return "DOWNLOAD"
	case IndicatorKeyRecipe:
		return "KEY_RECIPE"
	case IndicatorGetKeyRecipe:
		return "GET_KEY_RECIPE"
	case IndicatorFileRecipe:
		return "FILE_RECIPE"
	default:
		return fmt.Sprintf("INDICATOR(%d)", int32(i))
	}
}

// nativeOrder is the byte order spec.md §6 calls "native (as written)" for
// every frame except restore-stream heads, which use network order.
var nativeOrder = binary.LittleEndian

// WriteIndicator writes a 4-byte indicator in native byte order.
func WriteIndicator(w io.Writer, ind Indicator) error {
	var buf [4]byte
	nativeOrder.PutUint32(buf[:], uint32(int32(ind)))
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("%w: write indicator: %v", errs.ErrTransport, err)
	}
	return nil
}

// ReadIndicator reads a 4-byte indicator in native byte order.
func ReadIndicator(r io.Reader) (Indicator, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: read indicator: %v", errs.ErrTransport, err)
	}
	return Indicator(int32(nativeOrder.Uint32(buf[:]))), nil
}

// WriteUint32 writes one native-order uint32 (used for counts, secret ids,
// and frame lengths).
func WriteUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	nativeOrder.PutUint32(buf[:], v)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("%w: write uint32: %v", errs.ErrTransport, err)
	}
	return nil
}

// ReadUint32 reads one native-order uint32.
func ReadUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: read uint32: %v", errs.ErrTransport, err)
	}
	return nativeOrder.Uint32(buf[:]), nil
}

// WriteInt64 writes one native-order int64 (used for fileSize and similar).
func WriteInt64(w io.Writer, v int64) error {
	var buf [8]byte
	nativeOrder.PutUint64(buf[:], uint64(v))
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("%w: write int64: %v", errs.ErrTransport, err)
	}
	return nil
}

// ReadInt64 reads one native-order int64.
func ReadInt64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: read int64: %v", errs.ErrTransport, err)
	}
	return int64(nativeOrder.Uint64(buf[:])), nil
}

// WriteFrame writes a length-prefixed payload: an int32 size in native byte
// order followed by exactly that many bytes.
func WriteFrame(w io.Writer, payload []byte) error {
	if err := WriteUint32(w, uint32(len(payload))); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("%w: write frame body: %v", errs.ErrTransport, err)
	}
	return nil
}

// ReadFrame reads a length-prefixed payload written by WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	n, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: read frame body: %v", errs.ErrTransport, err)
	}
	return buf, nil
}

// WriteString writes a length-prefixed UTF-8 string, used for recipe/key
// names on the wire.
func WriteString(w io.Writer, s string) error {
	return WriteFrame(w, []byte(s))
}

// ReadString reads a length-prefixed UTF-8 string.
func ReadString(r io.Reader) (string, error) {
	b, err := ReadFrame(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RestoreHead is the framed header that precedes each streamed chunk of a
// restore response: indicator=-5 plus a running count of bytes sent so far.
// Unlike every other frame, restore-stream heads are written in network
// (big-endian) byte order per spec.md §6.
type RestoreHead struct {
	SentDataSize int64
}

// WriteRestoreHead writes a restore-stream head in network byte order.
func WriteRestoreHead(w io.Writer, h RestoreHead) error {
	var buf [12]byte
	ind := IndicatorRestoreHead
	binary.BigEndian.PutUint32(buf[0:4], uint32(int32(ind)))
	binary.BigEndian.PutUint64(buf[4:12], uint64(h.SentDataSize))
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("%w: write restore head: %v", errs.ErrTransport, err)
	}
	return nil
}

// ReadRestoreHead reads a restore-stream head written by WriteRestoreHead.
// The caller is expected to have already consumed any preceding frame.
func ReadRestoreHead(r io.Reader) (RestoreHead, error) {
	var buf [12]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return RestoreHead{}, fmt.Errorf("%w: read restore head: %v", errs.ErrTransport, err)
	}
	ind := Indicator(int32(binary.BigEndian.Uint32(buf[0:4])))
	if ind != IndicatorRestoreHead {
		return RestoreHead{}, fmt.Errorf("%w: expected restore head indicator, got %s", errs.ErrTransport, ind)
	}
	return RestoreHead{SentDataSize: int64(binary.BigEndian.Uint64(buf[4:12]))}, nil
}

// StatusList is the boolean vector spec.md §4.2 describes: status[i]==true
// means the server already has share i for this user.
type StatusList []bool

// WriteStatusList writes IndicatorStat, numOfShares, then one byte per flag.
func WriteStatusList(w io.Writer, status StatusList) error {
	if err := WriteIndicator(w, IndicatorStat); err != nil {
		return err
	}
	if err := WriteUint32(w, uint32(len(status))); err != nil {
		return err
	}
	buf := make([]byte, len(status))
	for i, ok := range status {
		if ok {
			buf[i] = 1
		}
	}
	if len(buf) == 0 {
		return nil
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: write status list: %v", errs.ErrTransport, err)
	}
	return nil
}

// ReadStatusList reads a status list written by WriteStatusList, after the
// caller has already consumed the IndicatorStat tag.
func ReadStatusList(r io.Reader) (StatusList, error) {
	n, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return StatusList{}, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: read status list: %v", errs.ErrTransport, err)
	}
	out := make(StatusList, n)
	for i, b := range buf {
		out[i] = b != 0
	}
	return out, nil
}
