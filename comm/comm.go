/*Package comm provides connection pooling and byte-level request/response
plumbing for talking to lab hardware over TCP or a serial line.

Most usages of this package will boil down to:
	1.  create a RemoteDevice with NewRemoteDevice, giving the address and
		whether it is a serial port.
	2.  pass Terminators if the hardware does not use carriage returns.
	3.  use SendRecv for simple line protocols, or Exchange when the response
		framing needs custom parsing.

A minimal example is provided below for a controller that responds to
"I7000" with a status word, assuming the default termination values are OK

	rd := comm.NewRemoteDevice("192.168.1.10:1025", false, nil, nil)
	resp, err := rd.SendRecv([]byte("I7000"))
	if err != nil {
		return err
	}
	return strconv.Atoi(string(resp))
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

const (
	// CR is a carriage return
	CR = byte('\r')

	// LF is a line feed
	LF = byte('\n')
)

var (
	// ErrNoSerialConf is generated when a serial RemoteDevice has no config
	ErrNoSerialConf = errors.New("RemoteDevice is serial but no serial.Config was provided")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Terminators holds the transmit and receive termination bytes
type Terminators struct {
	Tx byte
	Rx byte
}

// RemoteDevice has an address and talks to it through a pool of connections.
//
// the device is always concurrent-safe, each Exchange holds a connection for
// its whole duration
type RemoteDevice struct {
	Addr       string
	IsSerial   bool
	SerialConf *serial.Config
	Term       Terminators

	// Timeout bounds connection establishment and each Exchange
	Timeout time.Duration

	pool *Pool
}

// NewRemoteDevice creates a new RemoteDevice instance.  If term is nil, both
// terminators are carriage returns.
func NewRemoteDevice(addr string, isSerial bool, term *Terminators, serConf *serial.Config) RemoteDevice {
	if term == nil {
		term = &Terminators{Tx: CR, Rx: CR}
	}
	rd := RemoteDevice{
		Addr:       addr,
		IsSerial:   isSerial,
		SerialConf: serConf,
		Term:       *term,
		Timeout:    3 * time.Second,
	}
	var maker CreationFunc
	if isSerial {
		maker = SerialConnMaker(serConf)
	} else {
		maker = BackingOffTCPConnMaker(addr, rd.Timeout)
	}
	rd.pool = NewPool(1, 30*time.Second, maker)
	return rd
}

// Exchange leases a connection and gives it to f.  If f returns an error the
// connection is destroyed instead of returned to the pool.
func (rd *RemoteDevice) Exchange(f func(io.ReadWriter) error) error {
	conn, err := rd.pool.Get()
	if err != nil {
		return err
	}
	if nc, ok := conn.(net.Conn); ok && rd.Timeout > 0 {
		nc.SetDeadline(time.Now().Add(rd.Timeout))
	}
	err = f(conn)
	if err != nil {
		rd.pool.Destroy(conn)
		return err
	}
	rd.pool.Put(conn)
	return nil
}

// Send writes data to the remote, appending the Tx terminator
func (rd *RemoteDevice) Send(b []byte) error {
	return rd.Exchange(func(rw io.ReadWriter) error {
		return Write(rw, b, rd.Term.Tx)
	})
}

// SendRecv sends a buffer after appending the Tx terminator,
// then returns the response with the Rx terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	var resp []byte
	err := rd.Exchange(func(rw io.ReadWriter) error {
		if err := Write(rw, b, rd.Term.Tx); err != nil {
			return err
		}
		var err error
		resp, err = ReadUntil(bufio.NewReader(rw), rd.Term.Rx)
		return err
	})
	return resp, err
}

// Close frees the idle connections of the device
func (rd *RemoteDevice) Close() error {
	rd.pool.Close()
	return nil
}

// Write writes b followed by term to w
func Write(w io.Writer, b []byte, term byte) error {
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, term)
	_, err := w.Write(buf)
	return err
}

// ReadUntil reads from r until term and returns the data with term stripped
func ReadUntil(r *bufio.Reader, term byte) ([]byte, error) {
	buf, err := r.ReadBytes(term)
	if err != nil {
		if len(buf) > 0 && err == io.EOF {
			return buf, ErrTerminatorNotFound
		}
		return buf, err
	}
	return bytes.TrimSuffix(buf, []byte{term}), nil
}

// BackingOffTCPConnMaker returns a CreationFunc that dials addr with an
// exponential backoff, giving up after timeout
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			var err error
			conn, err = TCPSetup(addr, timeout)
			return err
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      timeout,
			Clock:               backoff.SystemClock})
		if err != nil {
			return nil, fmt.Errorf("connecting to %s: %w", addr, err)
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc that opens a serial port
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		if conf == nil {
			return nil, ErrNoSerialConf
		}
		return serial.OpenPort(conf)
	}
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
