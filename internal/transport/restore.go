package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stormcloudapp/stormcloud/internal/scpath"
)

// RestoreFile fetches the whole file body in one request. The server refuses
// files over SingleShotRestoreLimit with 413; callers fall back to
// RestoreRange for those.
func (c *Client) RestoreFile(ctx context.Context, path scpath.ClientPath, versionID int) ([]byte, error) {
	const op = "restore_file"

	// Single-shot bodies run to 300 MiB; only connect and headers get the
	// control deadline.
	body, err := c.roundTripOn(ctx, op, envelope{
		RequestType: op, APIKey: c.apiKey, AgentID: c.agentID,
		FilePath: path.Base64(), VersionID: versionID,
	}, c.stream)
	if err != nil {
		return nil, err
	}

	var res struct {
		FileContent string `json:"file_content"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, &Error{Kind: KindProtocol, Op: op, Err: err}
	}

	content, err := base64.StdEncoding.DecodeString(res.FileContent)
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Op: op, Err: fmt.Errorf("malformed file_content: %w", err)}
	}
	return content, nil
}

// RestoreRange fetches bytes [offset, offset+length) of the file. The server
// answers 206 with a raw body and a Content-Range carrying the total size.
func (c *Client) RestoreRange(ctx context.Context, path scpath.ClientPath, versionID int, offset, length int64) (data []byte, totalSize int64, err error) {
	const op = "restore_file"

	payload, err := json.Marshal(envelope{
		RequestType: op, APIKey: c.apiKey, AgentID: c.agentID,
		FilePath: path.Base64(), VersionID: versionID,
	})
	if err != nil {
		return nil, 0, &Error{Kind: KindProtocol, Op: op, Err: err}
	}

	err = c.withRetry(ctx, op, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+requestEndpoint, bytes.NewReader(payload))
		if err != nil {
			return &Error{Kind: KindProtocol, Op: op, Err: err}
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

		resp, err := c.stream.Do(req)
		if err != nil {
			return &Error{Kind: KindTransient, Op: op, Err: err}
		}
		defer resp.Body.Close()

		body, err := c.readResponse(op, resp)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusPartialContent {
			return &Error{Kind: KindProtocol, Op: op,
				Err: fmt.Errorf("expected 206 for range request, got %d", resp.StatusCode)}
		}

		total, perr := parseContentRangeTotal(resp.Header.Get("Content-Range"))
		if perr != nil {
			return &Error{Kind: KindProtocol, Op: op, Err: perr}
		}

		data = body
		totalSize = total
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return data, totalSize, nil
}

// parseContentRangeTotal extracts the total size from "bytes a-b/total".
func parseContentRangeTotal(header string) (int64, error) {
	var start, end, total int64
	if _, err := fmt.Sscanf(header, "bytes %d-%d/%d", &start, &end, &total); err != nil {
		return 0, fmt.Errorf("malformed Content-Range %q: %w", header, err)
	}
	return total, nil
}
