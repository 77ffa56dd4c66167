package upstream

// Conn framing adapted from the miekg/dns client.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/miekg/dns"
)

const headerSize = 12

var (
	// ErrIDMismatch is returned when a reply does not carry the query ID.
	ErrIDMismatch = errors.New("upstream reply id mismatch")
	// ErrShortRead is returned when a reply is shorter than a DNS header.
	ErrShortRead = errors.New("upstream reply shorter than dns header")
	// ErrMessageTooLarge is returned for queries over 65535 bytes.
	ErrMessageTooLarge = errors.New("message too large")
)

// A Conn represents a connection to a DNS server carrying wire-format
// messages.
type Conn struct {
	net.Conn        // a net.Conn holding the connection
	UDPSize  uint16 // receive buffer for UDP messages
}

// Exchange writes query and reads the reply, which must carry the query ID.
// Over UDP, datagrams with another ID are discarded until the deadline.
func (co *Conn) Exchange(query []byte) ([]byte, error) {
	if len(query) < headerSize {
		return nil, ErrShortRead
	}

	if _, err := co.Write(query); err != nil {
		return nil, err
	}

	_, datagram := co.Conn.(net.PacketConn)

	var stray error
	for {
		reply, err := co.ReadRaw()
		if err != nil {
			if datagram && errors.Is(err, ErrShortRead) {
				stray = err
				continue
			}
			if stray != nil {
				// deadline hit while discarding stray datagrams
				return nil, fmt.Errorf("%w: %w", stray, err)
			}
			return nil, err
		}

		if reply[0] == query[0] && reply[1] == query[1] {
			return reply, nil
		}

		if !datagram {
			return nil, ErrIDMismatch
		}

		stray = ErrIDMismatch
	}
}

// ReadRaw reads a single message from the connection. The returned slice is
// owned by the caller.
func (co *Conn) ReadRaw() ([]byte, error) {
	if co.Conn == nil {
		return nil, dns.ErrConnEmpty
	}

	var (
		p   []byte
		n   int
		err error
	)

	if _, ok := co.Conn.(net.PacketConn); ok {
		size := co.UDPSize
		if size < dns.MinMsgSize {
			size = dns.MinMsgSize
		}

		p = AcquireBuf(size)
		n, err = co.Conn.Read(p)
	} else {
		var length uint16
		if err := binary.Read(co.Conn, binary.BigEndian, &length); err != nil {
			return nil, err
		}

		p = AcquireBuf(length)
		n, err = io.ReadFull(co.Conn, p)
	}

	defer ReleaseBuf(p)

	if err != nil {
		return nil, err
	} else if n < headerSize {
		return nil, ErrShortRead
	}

	out := make([]byte, n)
	copy(out, p[:n])

	return out, nil
}

// Write implements the net.Conn Write method.
func (co *Conn) Write(p []byte) (int, error) {
	if len(p) > dns.MaxMsgSize {
		return 0, ErrMessageTooLarge
	}

	if _, ok := co.Conn.(net.PacketConn); ok {
		return co.Conn.Write(p)
	}

	l := make([]byte, 2)
	binary.BigEndian.PutUint16(l, uint16(len(p)))

	n, err := (&net.Buffers{l, p}).WriteTo(co.Conn)
	return int(n), err
}

var bufferPool sync.Pool

// AcquireBuf returns an buf from pool
func AcquireBuf(size uint16) []byte {
	x := bufferPool.Get()
	if x == nil {
		return make([]byte, size)
	}
	buf := *(x.(*[]byte))
	if cap(buf) < int(size) {
		return make([]byte, size)
	}
	return buf[:size]
}

// ReleaseBuf returns buf to pool
func ReleaseBuf(buf []byte) {
	bufferPool.Put(&buf)
}
