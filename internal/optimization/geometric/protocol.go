package geometric

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// JSONRPCVersion is the protocol version on every message.
const JSONRPCVersion = "2.0"

// Methods exchanged with the bridge process.
const (
	// MethodRunOptimizer is sent once by Go and answered with the trajectory
	MethodRunOptimizer = "run_optimizer"

	// MethodCalcNew is sent by the child for every structure it needs
	MethodCalcNew = "calc_new"
)

// Error codes.
const (
	CodeParseError     = -32700
	CodeInvalidParams  = -32602
	CodeMethodNotFound = -32601
	CodeEvaluation     = -32000
	CodeOptimizer      = -32001
)

// Message is any JSON-RPC message. Requests carry Method; responses carry
// Result or Error. An ID of zero marks a notification.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// IsRequest reports whether m asks the receiver to do something.
func (m *Message) IsRequest() bool { return m.Method != "" }

// ResponseError is the error member of a response.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Handler answers requests that arrive while a call is outstanding. A
// returned *ResponseError is sent as is; any other error is sent with
// CodeEvaluation.
type Handler func(method string, params json.RawMessage) (interface{}, error)

// Conn is one end of a Content-Length framed JSON-RPC channel. Both the Go
// process and the bridge child speak the same framing, and either side may
// issue requests while it waits for a response.
//
// Conn is not safe for concurrent calls; a job drives it from one goroutine.
type Conn struct {
	reader  *bufio.Reader
	writer  io.Writer
	writeMu sync.Mutex
	nextID  int64
}

// NewConn creates a Conn reading from r and writing to w.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{reader: bufio.NewReader(r), writer: w}
}

// Call sends a request and blocks until its response arrives. Requests from
// the other side are passed to handle in the meantime; with a nil handle
// they are refused with CodeMethodNotFound. A remote error is returned as
// *ResponseError. result may be nil.
func (c *Conn) Call(method string, params, result interface{}, handle Handler) error {
	c.nextID++
	id := c.nextID

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	if err := c.Write(&Message{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: raw}); err != nil {
		return err
	}

	for {
		msg, err := c.Receive()
		if err != nil {
			return err
		}

		if msg.IsRequest() {
			if err := c.serve(msg, handle); err != nil {
				return err
			}
			continue
		}
		if msg.ID != id {
			// stray response to a request we no longer wait for
			continue
		}
		if msg.Error != nil {
			return msg.Error
		}
		if result == nil || len(msg.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(msg.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	}
}

func (c *Conn) serve(msg *Message, handle Handler) error {
	if handle == nil {
		if msg.ID == 0 {
			return nil
		}
		return c.Reply(msg.ID, nil, &ResponseError{
			Code:    CodeMethodNotFound,
			Message: "method not found: " + msg.Method,
		})
	}

	res, err := handle(msg.Method, msg.Params)
	if msg.ID == 0 {
		return nil
	}
	return c.Reply(msg.ID, res, err)
}

// Reply answers request id with result, or with err when it is non-nil.
func (c *Conn) Reply(id int64, result interface{}, err error) error {
	resp := &Message{JSONRPC: JSONRPCVersion, ID: id}
	if err != nil {
		re, ok := err.(*ResponseError)
		if !ok {
			re = &ResponseError{Code: CodeEvaluation, Message: err.Error()}
		}
		resp.Error = re
		return c.Write(resp)
	}

	raw, merr := json.Marshal(result)
	if merr != nil {
		resp.Error = &ResponseError{Code: CodeEvaluation, Message: "encode result: " + merr.Error()}
		return c.Write(resp)
	}
	resp.Result = raw
	return c.Write(resp)
}

// Write frames and sends one message.
func (c *Conn) Write(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	if _, err := io.WriteString(c.writer, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// Receive reads the next message. It returns io.EOF when the other side
// closed the channel cleanly between messages.
func (c *Conn) Receive() (*Message, error) {
	body, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}

func (c *Conn) readFrame() ([]byte, error) {
	contentLength := -1
	first := true

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && first && line == "" {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read header: %w", err)
		}
		first = false
		line = strings.TrimSpace(line)

		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header %q", line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			value = strings.TrimSpace(value)
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid Content-Length value %q: %w", value, err)
			}
			if n < 0 {
				return nil, fmt.Errorf("negative Content-Length: %d", n)
			}
			contentLength = n
		}
	}

	if contentLength <= 0 {
		return nil, fmt.Errorf("missing or zero Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
