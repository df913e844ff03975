package proxy

import (
	"context"
	"time"

	"github.com/agentic-research/tabula/api"
	"github.com/agentic-research/tabula/internal/errs"
	"github.com/agentic-research/tabula/internal/protocol"
)

// LoadDataset loads the CSV at path. A failed load has kind
// dataset_load_failed.
func (c *Client) LoadDataset(ctx context.Context, path, name string) (api.Dataset, error) {
	m, err := c.call(ctx, api.TagLoadDataset, &api.LoadDataset{Path: path, Name: name})
	if err != nil {
		return api.Dataset{}, err
	}
	switch body := m.Body.(type) {
	case *api.DatasetLoaded:
		return body.Dataset, nil
	case *api.DatasetLoadFailed:
		return api.Dataset{}, errs.New(errs.DatasetLoadFailed, body.Error)
	}
	return api.Dataset{}, unexpected(m)
}

func (c *Client) UnloadDataset(ctx context.Context, datasetID string) error {
	_, err := c.call(ctx, api.TagUnloadDataset, &api.UnloadDataset{DatasetID: datasetID})
	return err
}

func (c *Client) ListDatasets(ctx context.Context) ([]api.Dataset, error) {
	m, err := c.call(ctx, api.TagListDatasets, &api.ListDatasets{})
	if err != nil {
		return nil, err
	}
	body, ok := m.Body.(*api.Datasets)
	if !ok {
		return nil, unexpected(m)
	}
	return body.Datasets, nil
}

// RunQuery starts a query job and returns its stream once the backend has
// accepted it. batchSize <= 0 uses the backend default.
func (c *Client) RunQuery(ctx context.Context, datasetID, sql string, batchSize int) (*Stream, error) {
	window := 0
	if c.flowControl() {
		window = c.maxBuf
	}
	var s *Stream
	id, ch, err := c.request(ctx, api.TagRunQuery,
		&api.RunQuery{DatasetID: datasetID, SQL: sql, BatchSize: batchSize, Window: window},
		func(id uint64) {
			// registered before sending: chunks may beat job_accepted
			s = newStream(c, id, window)
			c.mu.Lock()
			c.streams[id] = s
			c.mu.Unlock()
		})
	if err != nil {
		return nil, err
	}
	m, err := c.awaitJob(ctx, id, ch)
	if err != nil {
		return nil, err
	}
	acc, ok := m.Body.(*api.JobAccepted)
	if !ok {
		c.forget(id)
		return nil, unexpected(m)
	}
	s.accepted(acc.JobID)
	return s, nil
}

// RunAnalysis runs an analysis job and waits for its report. If ctx ends
// first the job is cancelled.
func (c *Client) RunAnalysis(ctx context.Context, req api.RunAnalysis) (*api.AnalysisReport, error) {
	m, err := c.runJob(ctx, api.TagRunAnalysis, &req)
	if err != nil {
		return nil, err
	}
	body, ok := m.Body.(*api.AnalysisReportBody)
	if !ok {
		return nil, unexpected(m)
	}
	return &body.Report, nil
}

// Export writes a query result to a CSV file on the backend's filesystem
// and returns the number of rows written.
func (c *Client) Export(ctx context.Context, req api.Export) (int64, error) {
	m, err := c.runJob(ctx, api.TagExport, &req)
	if err != nil {
		return 0, err
	}
	body, ok := m.Body.(*api.JobStatusBody)
	if !ok {
		return 0, unexpected(m)
	}
	return body.Rows, nil
}

// runJob submits a single-result job and waits for its terminal event.
func (c *Client) runJob(ctx context.Context, tag api.Tag, body any) (protocol.Message, error) {
	events := make(chan protocol.Message, 4)
	id, ch, err := c.request(ctx, tag, body, func(id uint64) {
		c.mu.Lock()
		c.jobs[id] = events
		c.mu.Unlock()
	})
	if err != nil {
		return protocol.Message{}, err
	}

	m, err := c.awaitJob(ctx, id, ch)
	if err != nil {
		return protocol.Message{}, err
	}
	defer c.forget(id)
	acc, ok := m.Body.(*api.JobAccepted)
	if !ok {
		return protocol.Message{}, unexpected(m)
	}

	for {
		select {
		case ev := <-events:
			switch b := ev.Body.(type) {
			case *api.JobFailedBody:
				return ev, errs.New(errs.JobFailed, b.Error)
			case *api.JobStatusBody:
				if !b.Status.Terminal() {
					continue
				}
				if b.Status != api.JobCompleted {
					return ev, errs.Newf(errs.JobFailed, "job %d %s", acc.JobID, b.Status)
				}
				return ev, nil
			default:
				return ev, nil
			}
		case <-c.done:
			return protocol.Message{}, c.err
		case <-ctx.Done():
			cctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
			_, _ = c.Cancel(cctx, acc.JobID)
			cancel()
			return protocol.Message{}, ctx.Err()
		}
	}
}

// awaitJob waits for job_accepted. If ctx ends first the job may still be
// accepted later; it is then cancelled as soon as its id is known.
func (c *Client) awaitJob(ctx context.Context, id uint64, ch chan protocol.Message) (protocol.Message, error) {
	select {
	case m := <-ch:
		if m.Tag == api.TagError {
			c.forget(id)
			return m, replyError(m.Body.(*api.ErrorBody))
		}
		return m, nil
	case <-c.done:
		c.forget(id)
		return protocol.Message{}, c.err
	case <-ctx.Done():
		c.abandon(id, ch)
		return protocol.Message{}, ctx.Err()
	}
}

// abandon stops routing a request's job events but keeps its reply slot
// until the reply arrives, so a late job_accepted can be cancelled.
func (c *Client) abandon(id uint64, ch chan protocol.Message) {
	c.mu.Lock()
	delete(c.streams, id)
	delete(c.jobs, id)
	c.mu.Unlock()

	go func() {
		defer c.forget(id)
		timer := time.NewTimer(abandonTimeout)
		defer timer.Stop()
		select {
		case m := <-ch:
			acc, ok := m.Body.(*api.JobAccepted)
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
			defer cancel()
			if _, err := c.Cancel(ctx, acc.JobID); err != nil {
				c.log.Debug("cancel of abandoned job failed", "job", acc.JobID, "err", err)
			}
		case <-c.done:
		case <-timer.C:
			c.log.Warn("no reply to abandoned request", "id", id)
		}
	}()
}

// Cancel stops a job and returns its resulting status. Cancelling a
// finished job is not an error.
func (c *Client) Cancel(ctx context.Context, jobID uint64) (api.JobStatus, error) {
	m, err := c.call(ctx, api.TagCancelJob, &api.CancelJob{JobID: jobID})
	if err != nil {
		return "", err
	}
	ack, ok := m.Body.(*api.Ack)
	if !ok {
		return "", unexpected(m)
	}
	return ack.Status, nil
}

func (c *Client) SaveView(ctx context.Context, name, sql string) error {
	_, err := c.call(ctx, api.TagSaveView, &api.SaveView{Name: name, SQL: sql})
	return err
}

func (c *Client) ListViews(ctx context.Context) ([]api.ViewSummary, error) {
	m, err := c.call(ctx, api.TagListViews, &api.ListViews{})
	if err != nil {
		return nil, err
	}
	body, ok := m.Body.(*api.Views)
	if !ok {
		return nil, unexpected(m)
	}
	return body.Views, nil
}

func (c *Client) LoadView(ctx context.Context, name string) (api.View, error) {
	m, err := c.call(ctx, api.TagLoadView, &api.LoadView{Name: name})
	if err != nil {
		return api.View{}, err
	}
	body, ok := m.Body.(*api.ViewBody)
	if !ok {
		return api.View{}, unexpected(m)
	}
	return body.View, nil
}

func (c *Client) DeleteView(ctx context.Context, name string) error {
	_, err := c.call(ctx, api.TagDeleteView, &api.DeleteView{Name: name})
	return err
}

func (c *Client) ListRecent(ctx context.Context) ([]string, error) {
	m, err := c.call(ctx, api.TagListRecent, &api.ListRecent{})
	if err != nil {
		return nil, err
	}
	body, ok := m.Body.(*api.Recent)
	if !ok {
		return nil, unexpected(m)
	}
	return body.Paths, nil
}

// Shutdown asks the backend to stop. The connection ends afterwards.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.call(ctx, api.TagShutdown, &api.Shutdown{})
	return err
}
