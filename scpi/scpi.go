// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/mxlab/flyscan/comm"
)

const timeout = 5 * time.Second

// ErrEmptyResponse is generated when a query returns nothing
var ErrEmptyResponse = errors.New("empty response")

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	RemoteDevice *comm.RemoteDevice

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool
}

// New returns an SCPI device at addr using line feed terminators
func New(addr string, handshaking bool) *SCPI {
	term := comm.Terminators{Tx: comm.LF, Rx: comm.LF}
	rd := comm.NewRemoteDevice(addr, false, &term, nil)
	rd.Timeout = timeout
	return &SCPI{RemoteDevice: &rd, Handshaking: handshaking}
}

func (s *SCPI) wrap(cmds []string) string {
	if s.Handshaking {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	return strings.Join(cmds, " ")
}

// errorCode is nil if str is a "no error" response from SYSTem:ERRor?
func errorCode(str string) error {
	str = strings.TrimSpace(str)
	if strings.HasPrefix(str, "+0") || strings.HasPrefix(str, "0,") || str == "0" {
		return nil
	}
	return errors.New(str)
}

// Write sends a command to the device.  if f.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	str := s.wrap(cmds)
	if !s.Handshaking {
		return s.RemoteDevice.Send([]byte(str))
	}
	resp, err := s.RemoteDevice.SendRecv([]byte(str))
	if err != nil {
		return err
	}
	return errorCode(string(resp))
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	resp, err := s.RemoteDevice.SendRecv([]byte(s.wrap(cmds)))
	if err != nil {
		return resp, err
	}
	if s.Handshaking {
		pieces := bytes.Split(resp, []byte{';'})
		if err := errorCode(string(pieces[len(pieces)-1])); err != nil {
			return resp, err
		}
		return bytes.Join(pieces[:len(pieces)-1], []byte{}), nil
	}
	return resp, nil
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	if err != nil {
		return "", err
	}
	resp = bytes.TrimRight(resp, "\r\n")
	if len(resp) == 0 {
		return "", ErrEmptyResponse
	}
	return string(resp), nil
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(resp, 64)
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(resp)
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(resp)
}

// Raw sends a command to the device and returns a response if it was a query,
// else a blank string
func (s *SCPI) Raw(str string) (string, error) {
	plain := SCPI{RemoteDevice: s.RemoteDevice}
	if strings.Contains(str, "?") {
		return plain.ReadString(str)
	}
	return "", plain.Write(str)
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	plain := SCPI{RemoteDevice: s.RemoteDevice}
	str, err := plain.ReadString("SYSTem:ERRor?")
	if err != nil {
		return err
	}
	return errorCode(str)
}

// AllErrors returns all errors from the device as a list.  A failure to
// query the queue ends the list.
func (s *SCPI) AllErrors() []error {
	var errs []error
	for i := 0; i < 32; i++ {
		err := s.PopError()
		if err == nil {
			break
		}
		errs = append(errs, err)
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) || errors.Is(err, ErrEmptyResponse) {
			break
		}
	}
	return errs
}

// AllErrorsString is equivalent to AllErrors, but joining by newline
// if there were no errors, the error return value is nil, otherwise
// it is the first error in the list and has no particular meaning
func (s *SCPI) AllErrorsString() (string, error) {
	errs := s.AllErrors()
	if len(errs) == 0 {
		return "", nil
	}
	strs := make([]string, len(errs))
	for i := 0; i < len(errs); i++ {
		strs[i] = errs[i].Error()
	}
	return strings.Join(strs, "\n"), errs[0]
}
