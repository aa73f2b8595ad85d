package stream

import (
	"bufio"
	"io"
	"strings"
)

// Event is a single Server-Sent Event.
type Event struct {
	// Type is the "event:" field; empty for the default message type.
	Type string
	// ID is the "id:" field, if the server sent one.
	ID string
	// Data joins the event's "data:" lines with newlines.
	Data string
}

// Scanner reads Server-Sent Events from an io.Reader.
//
//	scanner := NewScanner(body)
//	for scanner.Next() {
//	    ev := scanner.Event()
//	}
//	err := scanner.Err()
type Scanner struct {
	reader  *bufio.Reader
	current Event
	err     error
}

// NewScanner creates a scanner reading events from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next event. It returns false at the end of the
// stream or on a read error; Err tells them apart.
func (s *Scanner) Next() bool {
	s.current = Event{}
	if s.err != nil {
		return false
	}

	var (
		data      []string
		eventType string
		id        string
		hasData   bool
	)
	emit := func() {
		s.current = Event{Type: eventType, ID: id, Data: strings.Join(data, "\n")}
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			// An event cut off by EOF before its blank line is discarded.
			s.err = err
			return false
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData {
				emit()
				return true
			}
			eventType, id = "", ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if ok {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			eventType = value
		case "id":
			id = value
		}
	}
}

// Event returns the event parsed by the last successful Next.
func (s *Scanner) Event() Event { return s.current }

// Err returns the read error that stopped the scanner, nil on clean EOF.
func (s *Scanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
