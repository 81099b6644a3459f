package server

import (
	"errors"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"minihttpd/internal/httpx"
)

// StaticHandler はルートディレクトリ配下のファイルを返す
type StaticHandler struct {
	root     string
	index    string
	notFound string
}

// NewStaticHandler は新しいStaticHandlerを作成する
func NewStaticHandler(root, index, notFound string) *StaticHandler {
	return &StaticHandler{
		root:     root,
		index:    index,
		notFound: notFound,
	}
}

// Serve はリクエストに対するレスポンスを組み立てる
func (h *StaticHandler) Serve(req *httpx.Request) *httpx.Response {
	if !req.IsGet() {
		resp := httpx.TextResponse(httpx.StatusMethodNotAllowed, "method not allowed\n")
		resp.Headers["Allow"] = string(httpx.MethodGet)
		return resp
	}

	name := h.resolve(req.URI)
	body, err := os.ReadFile(filepath.Join(h.root, name))
	switch {
	case err == nil:
		return fileResponse(httpx.StatusOK, name, body)
	case errors.Is(err, fs.ErrNotExist), isDirError(err):
		return h.notFoundResponse()
	default:
		return httpx.TextResponse(httpx.StatusInternalServerError, "internal server error\n")
	}
}

// resolve は URI をルートからの相対パスに変換する。".." はルートより上に出ない
func (h *StaticHandler) resolve(uri string) string {
	p, _, _ := strings.Cut(uri, "?")
	p = path.Clean("/" + p)
	if p == "/" {
		p = "/" + h.index
	}
	return filepath.FromSlash(strings.TrimPrefix(p, "/"))
}

func (h *StaticHandler) notFoundResponse() *httpx.Response {
	body, err := os.ReadFile(filepath.Join(h.root, h.notFound))
	if err != nil {
		return httpx.TextResponse(httpx.StatusNotFound, "not found\n")
	}
	return fileResponse(httpx.StatusNotFound, h.notFound, body)
}

func fileResponse(status httpx.StatusCode, name string, body []byte) *httpx.Response {
	resp := httpx.NewResponse(status, body)
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		resp.Headers["Content-Type"] = ct
	} else {
		resp.Headers["Content-Type"] = "application/octet-stream"
	}
	return resp
}

// ディレクトリを ReadFile すると OS により異なるエラーになる
func isDirError(err error) bool {
	var pe *fs.PathError
	if !errors.As(err, &pe) {
		return false
	}
	info, statErr := os.Stat(pe.Path)
	return statErr == nil && info.IsDir()
}
