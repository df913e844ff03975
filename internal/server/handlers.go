package server

import (
	"fmt"
	"runtime/debug"

	"github.com/agentic-research/tabula/api"
	"github.com/agentic-research/tabula/internal/errs"
	"github.com/agentic-research/tabula/internal/protocol"
	"github.com/agentic-research/tabula/internal/session"
)

// dispatch handles one request. Loads run on their own goroutine so a long
// ingestion never stalls the connection; everything else is answered inline.
func (c *conn) dispatch(m protocol.Message) {
	if m.Tag == api.TagLoadDataset {
		c.loads.Add(1)
		go func() {
			defer c.loads.Done()
			c.safely(m, c.handleLoad)
		}()
		return
	}
	c.safely(m, c.handle)
}

// safely turns a handler panic into an internal error reply.
func (c *conn) safely(m protocol.Message, fn func(protocol.Message)) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler panic", "tag", m.Tag, "panic", r, "stack", string(debug.Stack()))
			c.replyErr(m, errs.Newf(errs.Internal, "internal error handling %s: %v", m.Tag, r))
		}
	}()
	fn(m)
}

func (c *conn) handleLoad(m protocol.Message) {
	req := m.Body.(*api.LoadDataset)
	ds, err := c.srv.sess.LoadDataset(c.ctx, req.Path, req.Name)
	if err != nil {
		c.log.Info("load failed", "path", req.Path, "err", err)
		c.reply(m, api.TagDatasetLoadFailed, &api.DatasetLoadFailed{Path: req.Path, Error: errs.Message(err)})
		return
	}
	c.reply(m, api.TagDatasetLoaded, &api.DatasetLoaded{Dataset: ds})
}

func (c *conn) handle(m protocol.Message) {
	sess := c.srv.sess
	ctx := c.ctx

	switch req := m.Body.(type) {
	case *api.UnloadDataset:
		if err := sess.UnloadDataset(ctx, req.DatasetID); err != nil {
			c.replyErr(m, err)
			return
		}
		c.reply(m, api.TagAck, &api.Ack{})

	case *api.ListDatasets:
		c.reply(m, api.TagDatasets, &api.Datasets{Datasets: sess.Datasets()})

	case *api.RunQuery:
		c.submit(m, session.Spec{
			Kind: api.JobKindQuery, DatasetID: req.DatasetID, SQL: req.SQL,
			BatchSize: req.BatchSize, Window: req.Window,
		})

	case *api.Credit:
		// one-way: nothing is sent back
		sess.Grant(c, req.JobID, req.Chunks)

	case *api.RunAnalysis:
		c.submit(m, session.Spec{Kind: api.JobKindAnalysis, DatasetID: req.DatasetID, Analysis: req})

	case *api.Export:
		c.submit(m, session.Spec{
			Kind: api.JobKindExport, DatasetID: req.DatasetID, SQL: req.SQL, OutputPath: req.OutputPath,
		})

	case *api.CancelJob:
		status, err := sess.Cancel(req.JobID)
		if err != nil {
			c.replyErr(m, err)
			return
		}
		c.reply(m, api.TagAck, &api.Ack{JobID: req.JobID, Status: status})

	case *api.SaveView:
		if _, err := sess.Views().Save(ctx, req.Name, req.SQL); err != nil {
			c.replyErr(m, err)
			return
		}
		c.reply(m, api.TagAck, &api.Ack{})

	case *api.ListViews:
		views, err := sess.Views().List(ctx)
		if err != nil {
			c.replyErr(m, err)
			return
		}
		c.reply(m, api.TagViews, &api.Views{Views: views})

	case *api.LoadView:
		v, err := sess.Views().Load(ctx, req.Name)
		if err != nil {
			c.replyErr(m, err)
			return
		}
		c.reply(m, api.TagView, &api.ViewBody{View: v})

	case *api.DeleteView:
		if err := sess.Views().Delete(ctx, req.Name); err != nil {
			c.replyErr(m, err)
			return
		}
		c.reply(m, api.TagAck, &api.Ack{})

	case *api.ListRecent:
		paths, err := sess.Views().Recent(ctx)
		if err != nil {
			c.replyErr(m, err)
			return
		}
		c.reply(m, api.TagRecent, &api.Recent{Paths: paths})

	case *api.Shutdown:
		// the writer signals shutdown once this ack is on the wire
		c.reply(m, api.TagAck, &shutdownAck{})

	default:
		c.replyErr(m, errs.New(errs.InvalidRequest, fmt.Sprintf("%s is not a request", m.Tag)))
	}
}

// submit registers a job and acknowledges it. Events for the job carry the
// request's id, so they may reach the peer before job_accepted is read.
func (c *conn) submit(m protocol.Message, spec session.Spec) {
	job, err := c.srv.sess.Submit(c, m.ID, spec)
	if err != nil {
		c.replyErr(m, err)
		return
	}
	c.reply(m, api.TagJobAccepted, &api.JobAccepted{JobID: job.ID})
}

// shutdownAck marshals as a plain ack.
type shutdownAck struct {
	api.Ack
}
