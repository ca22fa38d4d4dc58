package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// FilesMount is where the router serves the data dir; every URL the API
// hands out is relative to it.
const FilesMount = "/files"

// fileURL turns a data-dir-relative path column into a served URL. Nil and
// empty stay nil so optional derivatives serialize as JSON null.
func fileURL(rel *string) *string {
	if rel == nil || *rel == "" {
		return nil
	}
	u := FilesMount + "/" + *rel
	return &u
}

// previewURL picks the enlarged-view derivative: the animated scene preview
// when one exists, otherwise the still proxy.
func previewURL(previewPath, proxyPath *string) *string {
	if u := fileURL(previewPath); u != nil {
		return u
	}
	return fileURL(proxyPath)
}

// APIError is the wire shape of every handler failure. Code is a stable
// machine-readable tag; Message carries the underlying error text.
type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
