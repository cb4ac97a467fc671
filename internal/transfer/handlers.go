// Package transfer exposes the HTTP handlers for health, download, and the
// chunked upload protocol.
package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/google/uuid"

	"github.com/Tyrowin/filechat/internal/catalog"
)

// maxControlBody bounds the JSON bodies of the init and complete requests.
const maxControlBody = 64 * 1024

type initRequest struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type initResponse struct {
	ID        string `json:"id"`
	ChunkSize int64  `json:"chunk_size"`
}

type completeRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	From string `json:"from"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// fileMeta is the broadcast frame announcing a committed upload to the chat
// channel.
type fileMeta struct {
	Action string `json:"action"`
	From   string `json:"from"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	URL    string `json:"url"`
}

type failBody struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error writing JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, reason string) {
	writeJSON(w, code, failBody{Status: "fail", Reason: reason})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Printf("Error writing health response: %v", err)
	}
}

// handleDownload streams a committed file in bounded chunks with a correct
// Content-Length. Absence of the file is the only catalog state there is,
// so it maps directly to 404.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing name")
		return
	}
	if !catalog.ValidName(name) {
		writeError(w, http.StatusBadRequest, "bad name")
		return
	}

	file, err := os.Open(s.catalog.FinalPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "not found")
		} else {
			writeError(w, http.StatusInternalServerError, "open failed")
		}
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stat failed")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if _, err := io.Copy(w, file); err != nil {
		// The response is already streaming; nothing to do but log.
		log.Printf("Download of %q aborted: %v", name, err)
	}
}

// handleUploadInit allocates a transfer id, pre-creates its empty temporary
// file, and tells the client which fixed chunk size to use for addressing.
func (s *Server) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if req.Name == "" || req.Size <= 0 {
		writeError(w, http.StatusBadRequest, "missing fields")
		return
	}
	if !catalog.ValidName(req.Name) {
		writeError(w, http.StatusBadRequest, "bad name")
		return
	}
	if req.Size > s.cfg.MaxBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	id := uuid.NewString()
	file, err := os.OpenFile(s.catalog.TempPath(id), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "open temp failed")
		return
	}
	if err := file.Close(); err != nil {
		writeError(w, http.StatusInternalServerError, "open temp failed")
		return
	}

	log.Printf("Upload %s initialized for %q (%d bytes)", id, req.Name, req.Size)
	writeJSON(w, http.StatusOK, initResponse{ID: id, ChunkSize: s.cfg.ChunkSize})
}

// handleUploadChunk writes one binary chunk at offset seq*chunk_size into
// the transfer's temporary file. Out-of-order and repeated sequence numbers
// are tolerated: positional writes make the operation idempotent at the
// byte-range level, which is what lets clients retry freely.
func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	seqParam := r.URL.Query().Get("seq")
	if id == "" || seqParam == "" {
		writeError(w, http.StatusBadRequest, "missing id/seq")
		return
	}
	if !catalog.ValidName(id) {
		writeError(w, http.StatusBadRequest, "bad id")
		return
	}
	seq, err := strconv.ParseInt(seqParam, 10, 64)
	if err != nil || seq < 0 || seq > s.cfg.MaxBodySize/s.cfg.ChunkSize {
		// The upper bound keeps the write offset inside the maximum
		// accepted file size; past it the multiply below could even wrap
		// negative.
		writeError(w, http.StatusBadRequest, "bad seq")
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.ChunkSize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "chunk too large")
		} else {
			writeError(w, http.StatusBadRequest, "read body failed")
		}
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return
	}

	file, err := os.OpenFile(s.catalog.TempPath(id), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "open temp failed")
		return
	}
	defer file.Close()

	if _, err := file.WriteAt(data, seq*s.cfg.ChunkSize); err != nil {
		writeError(w, http.StatusInternalServerError, "write failed")
		return
	}

	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// handleUploadComplete commits a transfer: the temporary file must be
// exactly the declared size, it is atomically moved over any prior file of
// the same name, and a file_meta event is published for broadcast. On a
// size mismatch the temp file is left in place and no final file is
// touched.
func (s *Server) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if req.ID == "" || req.Name == "" || req.Size <= 0 {
		writeError(w, http.StatusBadRequest, "missing fields")
		return
	}
	if !catalog.ValidName(req.ID) || !catalog.ValidName(req.Name) {
		writeError(w, http.StatusBadRequest, "bad name")
		return
	}

	tempPath := s.catalog.TempPath(req.ID)
	info, err := os.Stat(tempPath)
	if err != nil || info.Size() != req.Size {
		writeError(w, http.StatusBadRequest, "size mismatch")
		return
	}

	finalPath := s.catalog.FinalPath(req.Name)
	_ = os.Remove(finalPath)
	if err := os.Rename(tempPath, finalPath); err != nil {
		writeError(w, http.StatusInternalServerError, "rename failed")
		return
	}

	meta, err := json.Marshal(fileMeta{
		Action: "file_meta",
		From:   req.From,
		Name:   req.Name,
		Size:   req.Size,
		URL:    "/download?name=" + req.Name,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode meta failed")
		return
	}
	s.bus.Publish(string(meta))

	log.Printf("Upload %s committed as %q (%d bytes) from %q", req.ID, req.Name, req.Size, req.From)
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}
