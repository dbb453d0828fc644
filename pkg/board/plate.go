package board

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Pi-Plates command protocol. The host raises FRAME, writes four bytes
// (address, command, two parameters), waits for the plate to pull ACK low and
// then clocks out the reply one byte at a time. The last reply byte is the
// complement of the sum of the others.
const (
	daqc2BaseAddr = 32
	// A DAQC2 answers the address query with its address plus this tag.
	daqc2AddrTag = 8

	plateCmdAddr = 0x00
	plateCmdADC  = 0x30

	// DefaultPlateAckTimeout bounds each wait on the ACK line.
	DefaultPlateAckTimeout = 50 * time.Millisecond
	plateReplyDelay        = 100 * time.Microsecond
	plateAckPoll           = 20 * time.Microsecond
)

// ErrPlateProtocol is returned when a plate does not answer or its reply fails
// the checksum.
var ErrPlateProtocol = errors.New("plate protocol error")

// PlateLink is the raw transport under the plate protocol: an SPI transfer plus
// the FRAME output and ACK input lines.
type PlateLink interface {
	SetFrame(high bool) error
	Ack() (bool, error)
	Transfer(tx []byte) ([]byte, error)
	Close() error
}

// PlateStack speaks the protocol to every DAQC2 plate on one link. Commands are
// serialized.
type PlateStack struct {
	mu      sync.Mutex
	link    PlateLink
	timeout time.Duration
}

var _ PlateBus = (*PlateStack)(nil)

// NewPlateStack wraps link. A zero timeout uses DefaultPlateAckTimeout.
func NewPlateStack(link PlateLink, timeout time.Duration) *PlateStack {
	if timeout <= 0 {
		timeout = DefaultPlateAckTimeout
	}
	return &PlateStack{link: link, timeout: timeout}
}

// Present reports whether a DAQC2 answers at addr.
func (s *PlateStack) Present(addr int) bool {
	resp, err := s.command(addr, plateCmdAddr, 0, 0, 1)
	return err == nil && int(resp[0]) == addr+daqc2AddrTag
}

// ADC returns the voltage of ch. Inputs 0-7 span +/-12 V; the supply monitor
// on DAQC2VddChannel is divided by 2.4 ahead of a 5 V converter.
func (s *PlateStack) ADC(addr, ch int) (float64, error) {
	resp, err := s.command(addr, plateCmdADC, byte(ch), 0, 2)
	if err != nil {
		return 0, err
	}
	counts := float64(uint16(resp[0])<<8 | uint16(resp[1]))
	if ch == DAQC2VddChannel {
		return counts * 5.0 * 2.4 / 65536, nil
	}
	return counts*24.0/65536 - 12.0, nil
}

func (s *PlateStack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.link == nil {
		return nil
	}
	err := s.link.Close()
	s.link = nil
	return err
}

func (s *PlateStack) command(addr int, cmd, p1, p2 byte, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.link == nil {
		return nil, ErrClosed
	}
	if addr < 0 || addr >= daqc2MaxAddr {
		return nil, fmt.Errorf("%w: plate address %d", ErrPlateProtocol, addr)
	}

	// An idle plate holds ACK high. A busy one is given the timeout and then
	// addressed anyway.
	if _, err := s.waitAck(true); err != nil {
		return nil, err
	}
	if err := s.link.SetFrame(true); err != nil {
		return nil, err
	}
	defer s.link.SetFrame(false)

	if _, err := s.link.Transfer([]byte{byte(daqc2BaseAddr + addr), cmd, p1, p2}); err != nil {
		return nil, fmt.Errorf("plate %d command 0x%02x: %w", addr, cmd, err)
	}
	if n == 0 {
		return nil, nil
	}

	ok, err := s.waitAck(false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: plate %d did not acknowledge command 0x%02x", ErrPlateProtocol, addr, cmd)
	}
	time.Sleep(plateReplyDelay)

	resp := make([]byte, n+1)
	for i := range resp {
		b, err := s.link.Transfer([]byte{0})
		if err != nil {
			return nil, fmt.Errorf("plate %d reply: %w", addr, err)
		}
		resp[i] = b[0]
	}
	var sum byte
	for _, b := range resp[:n] {
		sum += b
	}
	if ^resp[n] != sum {
		return nil, fmt.Errorf("%w: plate %d reply checksum", ErrPlateProtocol, addr)
	}
	return resp[:n], nil
}

// waitAck polls ACK until it reads want. It reports false on timeout.
func (s *PlateStack) waitAck(want bool) (bool, error) {
	deadline := time.Now().Add(s.timeout)
	for {
		v, err := s.link.Ack()
		if err != nil {
			return false, fmt.Errorf("read ACK: %w", err)
		}
		if v == want {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(plateAckPoll)
	}
}
