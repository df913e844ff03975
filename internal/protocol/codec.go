// Package protocol encodes typed messages into transport frames.
//
// Every frame is one JSON envelope:
//
//	{"v":1,"tag":"run_query","id":7,"body":{...}}
//
// id is the correlation id chosen by the requester; replies and streamed
// messages for a request carry the same id. Unknown tags are a decode error,
// unknown body fields are ignored.
package protocol

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agentic-research/tabula/api"
	"github.com/agentic-research/tabula/internal/errs"
	"github.com/agentic-research/tabula/internal/metrics"
	"github.com/agentic-research/tabula/internal/transport"
)

// Message is a decoded envelope. Body is a pointer to the api struct that
// belongs to Tag (e.g. *api.RunQuery for TagRunQuery).
type Message struct {
	Tag  api.Tag
	ID   uint64
	Body any
}

type envelope struct {
	V    int             `json:"v"`
	Tag  api.Tag         `json:"tag"`
	ID   uint64          `json:"id"`
	Body json.RawMessage `json:"body,omitempty"`
}

// newBody returns a fresh body value for tag, or nil if the tag is unknown.
func newBody(tag api.Tag) any {
	switch tag {
	case api.TagHello:
		return &api.Hello{}
	case api.TagLoadDataset:
		return &api.LoadDataset{}
	case api.TagUnloadDataset:
		return &api.UnloadDataset{}
	case api.TagListDatasets:
		return &api.ListDatasets{}
	case api.TagRunQuery:
		return &api.RunQuery{}
	case api.TagRunAnalysis:
		return &api.RunAnalysis{}
	case api.TagExport:
		return &api.Export{}
	case api.TagCancelJob:
		return &api.CancelJob{}
	case api.TagSaveView:
		return &api.SaveView{}
	case api.TagListViews:
		return &api.ListViews{}
	case api.TagLoadView:
		return &api.LoadView{}
	case api.TagDeleteView:
		return &api.DeleteView{}
	case api.TagListRecent:
		return &api.ListRecent{}
	case api.TagShutdown:
		return &api.Shutdown{}
	case api.TagCredit:
		return &api.Credit{}
	case api.TagDatasetLoaded:
		return &api.DatasetLoaded{}
	case api.TagDatasetLoadFailed:
		return &api.DatasetLoadFailed{}
	case api.TagDatasets:
		return &api.Datasets{}
	case api.TagJobAccepted:
		return &api.JobAccepted{}
	case api.TagResultChunk:
		return &api.ResultChunk{}
	case api.TagJobFailed:
		return &api.JobFailedBody{}
	case api.TagAnalysisReport:
		return &api.AnalysisReportBody{}
	case api.TagJobStatus:
		return &api.JobStatusBody{}
	case api.TagAck:
		return &api.Ack{}
	case api.TagViews:
		return &api.Views{}
	case api.TagView:
		return &api.ViewBody{}
	case api.TagRecent:
		return &api.Recent{}
	case api.TagError:
		return &api.ErrorBody{}
	}
	return nil
}

// Known reports whether tag belongs to this build's tag set.
func Known(tag api.Tag) bool { return newBody(tag) != nil }

// Encode serialises m into a frame body.
func Encode(m Message) ([]byte, error) {
	if !Known(m.Tag) {
		return nil, errs.Newf(errs.InvalidRequest, "encode: unknown tag %q", m.Tag)
	}
	body := m.Body
	if body == nil {
		body = struct{}{}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", m.Tag, err)
	}
	return json.Marshal(envelope{V: api.ProtocolVersion, Tag: m.Tag, ID: m.ID, Body: raw})
}

// Decode parses a frame body. Any failure has kind protocol_decode.
func Decode(frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Message{}, errs.Wrap(errs.ProtocolDecode, "envelope", err)
	}
	if env.V != api.ProtocolVersion {
		return Message{}, errs.Newf(errs.ProtocolDecode, "unsupported version %d", env.V)
	}
	body := newBody(env.Tag)
	if body == nil {
		return Message{}, errs.Newf(errs.ProtocolDecode, "unknown tag %q", env.Tag)
	}
	if len(env.Body) > 0 {
		if err := json.Unmarshal(env.Body, body); err != nil {
			return Message{}, errs.Wrap(errs.ProtocolDecode, fmt.Sprintf("%s body", env.Tag), err)
		}
	}
	return Message{Tag: env.Tag, ID: env.ID, Body: body}, nil
}

// Codec sends and receives Messages over a transport connection and tracks
// which tags the peer advertised in its hello.
type Codec struct {
	conn *transport.Conn

	mu   sync.RWMutex
	peer map[api.Tag]bool
}

func NewCodec(conn *transport.Conn) *Codec {
	return &Codec{conn: conn}
}

// Hello is the greeting this side sends.
func Hello(name string) Message {
	return Message{Tag: api.TagHello, Body: &api.Hello{
		Version: api.ProtocolVersion,
		Tags:    api.AllTags,
		Name:    name,
	}}
}

// SetPeer records the peer's advertised tags.
func (c *Codec) SetPeer(h *api.Hello) {
	peer := make(map[api.Tag]bool, len(h.Tags))
	for _, t := range h.Tags {
		peer[t] = true
	}
	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()
}

// PeerSupports reports whether tag may be sent. Before the peer's hello
// arrives only hello itself may be sent.
func (c *Codec) PeerSupports(tag api.Tag) bool {
	if tag == api.TagHello {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peer[tag]
}

// ErrUnsupportedTag is returned by Send for a tag the peer did not advertise.
var ErrUnsupportedTag = errs.New(errs.InvalidRequest, "tag not supported by peer")

// Send encodes and writes m.
func (c *Codec) Send(m Message) error {
	if !c.PeerSupports(m.Tag) {
		return fmt.Errorf("send %s: %w", m.Tag, ErrUnsupportedTag)
	}
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	if err := c.conn.Send(frame); err != nil {
		return err
	}
	metrics.Messages.WithLabelValues("out", string(m.Tag)).Inc()
	return nil
}

// Receive reads the next message. A frame that fails to decode closes the
// connection: the stream position can no longer be trusted.
func (c *Codec) Receive() (Message, error) {
	frame, err := c.conn.Receive()
	if err != nil {
		return Message{}, err
	}
	m, err := Decode(frame)
	if err != nil {
		_ = c.conn.Close()
		return Message{}, err
	}
	metrics.Messages.WithLabelValues("in", string(m.Tag)).Inc()
	return m, nil
}

func (c *Codec) Close() error          { return c.conn.Close() }
func (c *Codec) Done() <-chan struct{} { return c.conn.Done() }
func (c *Codec) Err() error            { return c.conn.Err() }
func (c *Codec) Conn() *transport.Conn { return c.conn }
