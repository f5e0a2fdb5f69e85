package p2pnet

import (
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// ProxyProtocol is the stream protocol for proxy sessions. One framed
// request and one framed response cross the stream, then it carries raw
// service bytes until close.
const ProxyProtocol = "/preers-proxy"

// maxMessageSize caps a single framed handshake message.
const maxMessageSize = 1024

// Protobuf wire types for the handshake messages.
const (
	wireVarint  = 0
	wireFixed64 = 1
	wireBytes   = 2
	wireFixed32 = 5
)

// UseServiceReq asks the remote provider for a proxy session to one of
// its local TCP endpoints.
type UseServiceReq struct {
	Host string // field 1
	Port uint32 // field 2
}

// UseServiceResp answers a UseServiceReq. Allowed is false when the
// (host, port) pair is not provided by the remote node.
type UseServiceResp struct {
	Allowed bool // field 1
}

func (m *UseServiceReq) marshal() []byte {
	buf := make([]byte, 0, 8+len(m.Host))
	buf = append(buf, 1<<3|wireBytes)
	buf = append(buf, varint.ToUvarint(uint64(len(m.Host)))...)
	buf = append(buf, m.Host...)
	buf = append(buf, 2<<3|wireVarint)
	buf = append(buf, varint.ToUvarint(uint64(m.Port))...)
	return buf
}

func (m *UseServiceReq) unmarshal(b []byte) error {
	*m = UseServiceReq{}
	for len(b) > 0 {
		tag, n, err := varint.FromUvarint(b)
		if err != nil {
			return fmt.Errorf("read tag: %w", err)
		}
		b = b[n:]
		field, wt := tag>>3, tag&7
		switch {
		case field == 1 && wt == wireBytes:
			ln, n, err := varint.FromUvarint(b)
			if err != nil {
				return fmt.Errorf("read host length: %w", err)
			}
			b = b[n:]
			if uint64(len(b)) < ln {
				return io.ErrUnexpectedEOF
			}
			m.Host = string(b[:ln])
			b = b[ln:]
		case field == 2 && wt == wireVarint:
			v, n, err := varint.FromUvarint(b)
			if err != nil {
				return fmt.Errorf("read port: %w", err)
			}
			m.Port = uint32(v)
			b = b[n:]
		default:
			b, err = skipField(b, wt)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *UseServiceResp) marshal() []byte {
	var v byte
	if m.Allowed {
		v = 1
	}
	return []byte{1<<3 | wireVarint, v}
}

func (m *UseServiceResp) unmarshal(b []byte) error {
	*m = UseServiceResp{}
	for len(b) > 0 {
		tag, n, err := varint.FromUvarint(b)
		if err != nil {
			return fmt.Errorf("read tag: %w", err)
		}
		b = b[n:]
		field, wt := tag>>3, tag&7
		switch {
		case field == 1 && wt == wireVarint:
			v, n, err := varint.FromUvarint(b)
			if err != nil {
				return fmt.Errorf("read allowed: %w", err)
			}
			m.Allowed = v != 0
			b = b[n:]
		default:
			b, err = skipField(b, wt)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// skipField drops one field of the given wire type so unknown tags do
// not break decoding.
func skipField(b []byte, wt uint64) ([]byte, error) {
	switch wt {
	case wireVarint:
		_, n, err := varint.FromUvarint(b)
		if err != nil {
			return nil, err
		}
		return b[n:], nil
	case wireFixed64:
		if len(b) < 8 {
			return nil, io.ErrUnexpectedEOF
		}
		return b[8:], nil
	case wireBytes:
		ln, n, err := varint.FromUvarint(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		if uint64(len(b)) < ln {
			return nil, io.ErrUnexpectedEOF
		}
		return b[ln:], nil
	case wireFixed32:
		if len(b) < 4 {
			return nil, io.ErrUnexpectedEOF
		}
		return b[4:], nil
	default:
		return nil, fmt.Errorf("unsupported wire type %d", wt)
	}
}

type wireMessage interface {
	marshal() []byte
	unmarshal([]byte) error
}

// writeMessage frames and writes one handshake message. Oversized
// messages are rejected before any byte reaches the stream.
func writeMessage(w io.Writer, m wireMessage) error {
	payload := m.marshal()
	if len(payload) > maxMessageSize {
		return ErrMessageTooLarge
	}
	buf := varint.ToUvarint(uint64(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// readMessage reads exactly one length-delimited frame. The length
// prefix is consumed byte by byte and the payload with io.ReadFull, so
// no byte past the frame is pulled off the stream: whatever follows the
// handshake stays in place for the raw splice.
func readMessage(r io.Reader, m wireMessage) error {
	ln, err := varint.ReadUvarint(oneByteReader{r})
	if err != nil {
		return err
	}
	if ln > maxMessageSize {
		return ErrMessageTooLarge
	}
	payload := make([]byte, ln)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	return m.unmarshal(payload)
}

type oneByteReader struct{ r io.Reader }

func (b oneByteReader) ReadByte() (byte, error) {
	var p [1]byte
	if _, err := io.ReadFull(b.r, p[:]); err != nil {
		return 0, err
	}
	return p[0], nil
}
