package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/stormcloudapp/stormcloud/internal/scpath"
)

// ProgressFunc receives upload progress as a percentage in [0, 100].
// Reported values are monotonically non-decreasing and end at 100.
type ProgressFunc func(percent int)

// UploadFile backs up the file at path, choosing the single-shot or streaming
// path by size. Returns the version id the server assigned to the new copy.
// progress may be nil.
func (c *Client) UploadFile(ctx context.Context, path scpath.ClientPath, progress ProgressFunc) (int, error) {
	info, err := os.Stat(path.Native())
	if err != nil {
		return 0, &Error{Kind: KindLocalIO, Op: "backup_file", Err: err}
	}

	if info.Size() > StreamThreshold {
		return c.uploadStream(ctx, path, info.Size(), progress)
	}
	return c.uploadSmall(ctx, path, progress)
}

// uploadSmall sends the whole file in one buffered multipart request.
// Small uploads are retried as a unit on transient failure; the progress
// high-water mark carries across attempts so reported percentages never
// regress when a retry re-sends the body.
func (c *Client) uploadSmall(ctx context.Context, path scpath.ClientPath, progress ProgressFunc) (int, error) {
	const op = "backup_file"

	content, err := os.ReadFile(path.Native())
	if err != nil {
		return 0, &Error{Kind: KindLocalIO, Op: op, Err: err}
	}
	progress = monotone(progress)

	var version int
	err = c.withRetry(ctx, op, func(ctx context.Context) error {
		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)

		go func() {
			pw.CloseWithError(writeUploadParts(mw, op, c.apiKey, c.agentID, path, newReaderWithProgress(content, progress)))
		}()

		v, err := c.doMultipart(ctx, op, pr, mw.FormDataContentType(), c.stream)
		if err != nil {
			return err
		}
		version = v
		return nil
	})
	return version, err
}

// uploadStream sends the file body without buffering it in memory. Streamed
// bodies are not retried; a transient failure surfaces to the caller, and the
// next cycle retries the file.
func (c *Client) uploadStream(ctx context.Context, path scpath.ClientPath, size int64, progress ProgressFunc) (int, error) {
	const op = "backup_file_stream"

	f, err := os.Open(path.Native())
	if err != nil {
		return 0, &Error{Kind: KindLocalIO, Op: op, Err: err}
	}
	defer f.Close()

	var body io.Reader = f
	if progress != nil {
		body = &progressReader{r: f, total: size, report: progress}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUploadParts(mw, op, c.apiKey, c.agentID, path, body))
	}()

	version, err := c.doMultipart(ctx, op, pr, mw.FormDataContentType(), c.stream)
	if err != nil {
		return 0, err
	}
	if progress != nil {
		progress(100)
	}
	return version, nil
}

// writeUploadParts writes the json envelope part and the file_content part.
func writeUploadParts(mw *multipart.Writer, requestType, apiKey, agentID string, path scpath.ClientPath, body io.Reader) error {
	env, err := json.Marshal(envelope{
		RequestType: requestType,
		APIKey:      apiKey,
		AgentID:     agentID,
		FilePath:    path.Base64(),
	})
	if err != nil {
		return err
	}

	jsonPart, err := mw.CreateFormField("json")
	if err != nil {
		return err
	}
	if _, err := jsonPart.Write(env); err != nil {
		return err
	}

	filePart, err := mw.CreateFormFile("file_content", "file_content")
	if err != nil {
		return err
	}
	if _, err := io.Copy(filePart, body); err != nil {
		return err
	}

	return mw.Close()
}

// doMultipart posts the multipart body and returns the version id from the
// server's ack, zero if the response omits one.
func (c *Client) doMultipart(ctx context.Context, op string, body io.Reader, contentType string, httpClient *http.Client) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+requestEndpoint, body)
	if err != nil {
		return 0, &Error{Kind: KindProtocol, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := c.readResponse(op, resp)
	if err != nil {
		return 0, err
	}

	var ack struct {
		VersionID int `json:"version_id"`
	}
	if err := json.Unmarshal(respBody, &ack); err != nil {
		return 0, nil
	}
	return ack.VersionID, nil
}

// monotone filters a progress callback so it only ever sees increases, even
// when the underlying body is re-read from the start.
func monotone(progress ProgressFunc) ProgressFunc {
	if progress == nil {
		return nil
	}
	last := -1
	return func(pct int) {
		if pct > last {
			last = pct
			progress(pct)
		}
	}
}

// newReaderWithProgress wraps an in-memory body with progress reporting.
func newReaderWithProgress(content []byte, progress ProgressFunc) io.Reader {
	if progress == nil {
		return bytes.NewReader(content)
	}
	return &progressReader{r: bytes.NewReader(content), total: int64(len(content)), report: progress}
}

// progressReader reports percent complete as the body is consumed.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   int
	report ProgressFunc
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.read += int64(n)

	pct := 100
	if p.total > 0 {
		pct = int(p.read * 100 / p.total)
		if pct > 100 {
			pct = 100
		}
	}
	if pct > p.last {
		p.last = pct
		p.report(pct)
	}

	if err == io.EOF && p.total == 0 {
		p.report(100)
	}
	return n, err
}
