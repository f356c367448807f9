package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"

	"github.com/stormcloudapp/stormcloud/internal/scpath"
	"github.com/stormcloudapp/stormcloud/internal/server/catalog"
	"github.com/stormcloudapp/stormcloud/internal/transport"
)

// envelope is the common request frame. Upload requests carry the same
// envelope in the multipart "json" part.
type envelope struct {
	RequestType string `json:"request_type"`
	APIKey      string `json:"api_key"`
	AgentID     string `json:"agent_id"`
	FilePath    string `json:"file_path"`
	VersionID   int    `json:"version_id"`

	// Registration survey fields.
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
	OSVersion  string `json:"os_version"`
	UserEmail  string `json:"user_email"`
}

// handleRequest is the single entry point: content type selects the JSON or
// multipart decode path, then request_type selects the handler.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		respondBadRequest(w, "bad content-type")
		return
	}

	switch mediaType {
	case "application/json":
		var env envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			respondBadRequest(w, "malformed request body")
			return
		}
		s.dispatch(w, r, env)
	case "multipart/form-data":
		s.handleUpload(w, r)
	default:
		respondBadRequest(w, "bad content-type")
	}
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, env envelope) {
	if err := sanitizeFields(map[string]string{
		"request_type": env.RequestType,
		"api_key":      env.APIKey,
		"agent_id":     env.AgentID,
		"device_name":  env.DeviceName,
		"device_type":  env.DeviceType,
		"os_version":   env.OSVersion,
		"user_email":   env.UserEmail,
	}); err != nil {
		respondBadRequest(w, err.Error())
		return
	}

	switch env.RequestType {
	case "hello":
		respondSuccess(w, "hello", nil)
	case "validate_api_key":
		s.handleValidateAPIKey(w, r, env)
	case "register_new_device":
		s.handleRegisterDevice(w, r, env)
	case "keepalive":
		s.handleKeepalive(w, r, env)
	case "queue_file_for_restore":
		s.handleQueueRestore(w, r, env)
	case "restore_file":
		s.handleRestoreFile(w, r, env)
	case "mark_file_restored":
		s.handleMarkRestored(w, r, env)
	default:
		respondBadRequest(w, fmt.Sprintf("unknown request_type %q", env.RequestType))
	}
}

func (s *Server) handleValidateAPIKey(w http.ResponseWriter, r *http.Request, env envelope) {
	if _, err := s.catalog.CustomerForKey(r.Context(), env.APIKey); err != nil {
		if errors.Is(err, catalog.ErrUnknownAPIKey) {
			respondUnauthorized(w)
		} else {
			respondInternalError(w, err)
		}
		return
	}
	respondSuccess(w, "validate_api_key", nil)
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request, env envelope) {
	dev, err := s.catalog.RegisterDevice(r.Context(), env.APIKey, catalog.DeviceSurvey{
		DeviceName: env.DeviceName,
		DeviceType: env.DeviceType,
		OSVersion:  env.OSVersion,
		UserEmail:  env.UserEmail,
	})
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownAPIKey) {
			respondUnauthorized(w)
		} else {
			respondInternalError(w, err)
		}
		return
	}

	respondSuccess(w, "register_new_device", map[string]any{
		"agent_id":   dev.AgentID,
		"secret_key": dev.SecretKey,
	})
}

func (s *Server) handleKeepalive(w http.ResponseWriter, r *http.Request, env envelope) {
	dev, ok := s.authDevice(w, r, env)
	if !ok {
		return
	}

	if err := s.catalog.TouchKeepalive(r.Context(), dev.AgentID); err != nil {
		respondInternalError(w, err)
		return
	}

	pending, err := s.catalog.PendingRestores(r.Context(), dev.AgentID)
	if err != nil {
		respondInternalError(w, err)
		return
	}

	queue := make([]transport.RestoreEntry, 0, len(pending))
	for _, p := range pending {
		queue = append(queue, transport.RestoreEntry{
			FilePath:  base64.StdEncoding.EncodeToString([]byte(p.NativePath)),
			VersionID: p.VersionID,
			Size:      p.Size,
		})
	}

	respondSuccess(w, "keepalive", map[string]any{"restore_queue": queue})
}

func (s *Server) handleQueueRestore(w http.ResponseWriter, r *http.Request, env envelope) {
	dev, ok := s.authDevice(w, r, env)
	if !ok {
		return
	}

	path, err := scpath.FromBase64(env.FilePath)
	if err != nil {
		respondBadRequest(w, "malformed file_path")
		return
	}

	file, err := s.catalog.FileByPath(r.Context(), dev.AgentID, path.Posix())
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownFile) {
			respondBadRequest(w, "file not found in catalog")
		} else {
			respondInternalError(w, err)
		}
		return
	}

	if err := s.catalog.EnqueueRestore(r.Context(), dev.AgentID, file.FileID, env.VersionID); err != nil {
		respondInternalError(w, err)
		return
	}
	respondSuccess(w, "queue_file_for_restore", nil)
}

func (s *Server) handleMarkRestored(w http.ResponseWriter, r *http.Request, env envelope) {
	dev, ok := s.authDevice(w, r, env)
	if !ok {
		return
	}

	path, err := scpath.FromBase64(env.FilePath)
	if err != nil {
		respondBadRequest(w, "malformed file_path")
		return
	}

	if err := s.catalog.MarkRestored(r.Context(), dev.AgentID, path.Posix()); err != nil {
		respondInternalError(w, err)
		return
	}
	respondSuccess(w, "mark_file_restored", nil)
}

func (s *Server) handleRestoreFile(w http.ResponseWriter, r *http.Request, env envelope) {
	dev, ok := s.authDevice(w, r, env)
	if !ok {
		return
	}

	path, err := scpath.FromBase64(env.FilePath)
	if err != nil {
		respondBadRequest(w, "malformed file_path")
		return
	}

	file, err := s.catalog.FileByPath(r.Context(), dev.AgentID, path.Posix())
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownFile) {
			respondBadRequest(w, "file not found in catalog")
		} else {
			respondInternalError(w, err)
		}
		return
	}

	depth, ok2 := versionDepth(file.LatestVersion, env.VersionID, s.vault.MaxVersions())
	if !ok2 {
		respondBadRequest(w, "requested version is not available")
		return
	}

	f, size, err := s.vault.Open(dev.CustomerID, dev.AgentID, file.ClientPath, depth)
	if err != nil {
		respondInternalError(w, err)
		return
	}
	defer f.Close()

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		s.serveRange(w, f, size, rangeHeader)
		return
	}

	if size > transport.SingleShotRestoreLimit {
		respondError(w, http.StatusRequestEntityTooLarge, "file exceeds single-shot restore limit, use range requests")
		return
	}

	content, err := io.ReadAll(f)
	if err != nil {
		respondInternalError(w, err)
		return
	}
	respondSuccess(w, "restore_file", map[string]any{
		"file_content": base64.StdEncoding.EncodeToString(content),
		"version_id":   restoredVersion(file.LatestVersion, env.VersionID),
	})
}

// serveRange answers a "bytes=a-b" request with 206 and a raw body.
func (s *Server) serveRange(w http.ResponseWriter, f io.ReadSeeker, size int64, header string) {
	var start, end int64
	if _, err := fmt.Sscanf(header, "bytes=%d-%d", &start, &end); err != nil || start < 0 || end < start {
		respondBadRequest(w, "malformed range header")
		return
	}
	if start >= size && size > 0 {
		respondError(w, http.StatusRequestedRangeNotSatisfiable, "range start beyond end of file")
		return
	}
	if end >= size {
		end = size - 1
	}

	length := end - start + 1
	if size == 0 {
		length = 0
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		respondInternalError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", length))
	w.WriteHeader(http.StatusPartialContent)
	io.CopyN(w, f, length)
}

// handleUpload processes backup_file and backup_file_stream. The multipart
// body is consumed in order: the "json" envelope part authenticates the
// request, then the "file_content" part streams straight into the vault.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		respondBadRequest(w, "malformed multipart body")
		return
	}

	env, err := readEnvelopePart(mr)
	if err != nil {
		respondBadRequest(w, err.Error())
		return
	}
	if env.RequestType != "backup_file" && env.RequestType != "backup_file_stream" {
		respondBadRequest(w, fmt.Sprintf("request_type %q does not accept multipart", env.RequestType))
		return
	}
	if err := sanitizeFields(map[string]string{
		"api_key":  env.APIKey,
		"agent_id": env.AgentID,
	}); err != nil {
		respondBadRequest(w, err.Error())
		return
	}

	dev, ok := s.authDevice(w, r, env)
	if !ok {
		return
	}

	path, err := scpath.FromBase64(env.FilePath)
	if err != nil {
		respondBadRequest(w, "malformed file_path")
		return
	}

	part, err := nextPartNamed(mr, "file_content")
	if err != nil {
		respondBadRequest(w, err.Error())
		return
	}

	// The non-streaming request type is capped; oversize files must come in
	// as backup_file_stream.
	var body io.Reader = part
	if env.RequestType == "backup_file" {
		body = &cappedReader{r: part, remaining: s.maxUpload}
	}

	size, err := s.vault.Store(dev.CustomerID, dev.AgentID, path.Posix(), body)
	if err != nil {
		if errors.Is(err, errUploadTooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "file exceeds backup_file size limit, use backup_file_stream")
			return
		}
		respondInternalError(w, err)
		return
	}

	version, err := s.catalog.RecordBackup(r.Context(), dev.AgentID, path.Posix(), path.Native(), size)
	if err != nil {
		respondInternalError(w, err)
		return
	}

	respondSuccess(w, env.RequestType, map[string]any{"version_id": version})
}

// authDevice resolves the envelope's credentials, answering 401 on failure.
func (s *Server) authDevice(w http.ResponseWriter, r *http.Request, env envelope) (catalog.Device, bool) {
	dev, err := s.catalog.Device(r.Context(), env.APIKey, env.AgentID)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownAPIKey) || errors.Is(err, catalog.ErrUnknownDevice) {
			respondUnauthorized(w)
		} else {
			respondInternalError(w, err)
		}
		return catalog.Device{}, false
	}
	return dev, true
}

// readEnvelopePart reads the leading "json" part of an upload.
func readEnvelopePart(mr *multipart.Reader) (envelope, error) {
	part, err := nextPartNamed(mr, "json")
	if err != nil {
		return envelope{}, err
	}

	var env envelope
	if err := json.NewDecoder(part).Decode(&env); err != nil {
		return envelope{}, fmt.Errorf("malformed json part")
	}
	return env, nil
}

var errUploadTooLarge = errors.New("upload exceeds size limit")

// cappedReader fails the stream once more than remaining bytes have passed.
type cappedReader struct {
	r         io.Reader
	remaining int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return n, errUploadTooLarge
	}
	return n, err
}

// nextPartNamed advances to the next part and requires it to have the given
// form name.
func nextPartNamed(mr *multipart.Reader, name string) (*multipart.Part, error) {
	part, err := mr.NextPart()
	if err != nil {
		return nil, fmt.Errorf("missing %s part", name)
	}
	if part.FormName() != name {
		return nil, fmt.Errorf("expected %s part, got %q", name, part.FormName())
	}
	return part, nil
}

// versionDepth maps a catalog version id onto the vault's rotation depth:
// the latest version is the current file (depth 0), each older version is one
// rotation slot deeper. Rotated copies past maxVersions no longer exist.
func versionDepth(latest, requested, maxVersions int) (int, bool) {
	if requested == 0 || requested == latest {
		return 0, true
	}
	if requested < 0 || requested > latest {
		return 0, false
	}
	depth := latest - requested + 1
	if depth > maxVersions {
		return 0, false
	}
	return depth, true
}

func restoredVersion(latest, requested int) int {
	if requested == 0 {
		return latest
	}
	return requested
}
